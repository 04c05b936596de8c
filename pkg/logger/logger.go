// Package logger 基于 zerolog 的结构化日志
package logger

import (
	"context"
	"io"
	"os"
	"strconv"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	traceIDKey ctxKey = "traceID"
	spanIDKey  ctxKey = "spanID"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

// Fields 日志字段
type Fields map[string]interface{}

type Logger struct {
	logger zerolog.Logger
}

func New(service string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}

	l := zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Logger()

	return &Logger{logger: l}
}

// Nop 丢弃所有输出，测试用
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithContext 注入 context 中的 trace/span id，缺失的字段不输出
func (l *Logger) WithContext(ctx context.Context) *Logger {
	c := l.logger.With()
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		c = c.Str("traceID", traceID)
	}
	if spanID := SpanIDFromContext(ctx); spanID != "" {
		c = c.Str("spanID", spanID)
	}
	return &Logger{logger: c.Logger()}
}

// ForMessage 附加 Stream 消息的定位字段
func (l *Logger) ForMessage(stream, msgID, correlationID string) *Logger {
	c := l.logger.With().Str("stream", stream).Str("msgId", msgID)
	if correlationID != "" {
		c = c.Str("operationId", correlationID)
	}
	return &Logger{logger: c.Logger()}
}

// SetLevel 设置全局日志级别，空字符串保持不变
func SetLevel(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// Debugf 带字段的 Debug 日志
func (l *Logger) Debugf(msg string, fields Fields) {
	withFields(l.logger.Debug(), fields).Msg(msg)
}

// Infof 带字段的 Info 日志
func (l *Logger) Infof(msg string, fields Fields) {
	withFields(l.logger.Info(), fields).Msg(msg)
}

// Warnf 带字段的 Warn 日志
func (l *Logger) Warnf(msg string, fields Fields) {
	withFields(l.logger.Warn(), fields).Msg(msg)
}

// Errorf 带字段的 Error 日志
func (l *Logger) Errorf(msg string, fields Fields) {
	withFields(l.logger.Error(), fields).Msg(msg)
}

func withFields(event *zerolog.Event, fields Fields) *zerolog.Event {
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	return event
}

// WithError 添加错误字段
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

// WithField 添加单个字段
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// Secret 描述敏感值而不输出其内容
func Secret(value *string) string {
	if value == nil || *value == "" {
		return "not present"
	}
	return strconv.Itoa(len(*value)) + " characters"
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func ContextWithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}

	return value
}

func SpanIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	value, ok := ctx.Value(spanIDKey).(string)
	if !ok {
		return ""
	}

	return value
}
