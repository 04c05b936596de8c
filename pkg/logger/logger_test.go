package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func decodeLastLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	lines := strings.Split(buf.String(), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &payload); err != nil {
			t.Fatalf("failed to decode log line: %v", err)
		}
		return payload
	}

	t.Fatal("no log lines found")
	return nil
}

func TestWithContextInjectsFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("orchestrator", &buf)

	ctx := ContextWithTraceID(context.Background(), "trace-123")
	ctx = ContextWithSpanID(ctx, "span-456")

	log.WithContext(ctx).Info("operation completed")

	payload := decodeLastLogLine(t, &buf)

	if payload["service"] != "orchestrator" {
		t.Fatalf("expected service to be injected, got %v", payload["service"])
	}
	if payload["traceID"] != "trace-123" {
		t.Fatalf("expected traceID to be injected, got %v", payload["traceID"])
	}
	if payload["spanID"] != "span-456" {
		t.Fatalf("expected spanID to be injected, got %v", payload["spanID"])
	}
	if payload["timestamp"] == nil {
		t.Fatalf("expected timestamp to be injected")
	}
	if payload["message"] != "operation completed" {
		t.Fatalf("expected message to match, got %v", payload["message"])
	}
}

func TestStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("orchestrator", &buf)

	log.WithError(errors.New("boom")).Errorf("[orderCreated] write failed", Fields{"clOrderId": "abc_order"})

	payload := decodeLastLogLine(t, &buf)
	if payload["level"] != "error" {
		t.Fatalf("expected level error, got %v", payload["level"])
	}
	if payload["clOrderId"] != "abc_order" {
		t.Fatalf("expected clOrderId field, got %v", payload["clOrderId"])
	}
	if payload["error"] != "boom" {
		t.Fatalf("expected error field, got %v", payload["error"])
	}
}

func TestLevels(t *testing.T) {
	tests := []struct {
		name  string
		logFn func(*Logger)
		want  string
	}{
		{name: "debug", logFn: func(l *Logger) { l.Debugf("d", nil) }, want: "debug"},
		{name: "info", logFn: func(l *Logger) { l.Infof("i", Fields{"k": 1}) }, want: "info"},
		{name: "warn", logFn: func(l *Logger) { l.Warn("warning") }, want: "warn"},
		{name: "error", logFn: func(l *Logger) { l.Error("failure") }, want: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := New("orchestrator", &buf)

			tt.logFn(log)

			payload := decodeLastLogLine(t, &buf)
			if payload["level"] != tt.want {
				t.Fatalf("expected level %s, got %v", tt.want, payload["level"])
			}
		})
	}
}

func TestSecret(t *testing.T) {
	key := "abcdef"
	empty := ""
	if got := Secret(&key); got != "6 characters" {
		t.Fatalf("unexpected secret description %q", got)
	}
	if got := Secret(&empty); got != "not present" {
		t.Fatalf("unexpected secret description %q", got)
	}
	if got := Secret(nil); got != "not present" {
		t.Fatalf("unexpected secret description %q", got)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "trace-x")
	ctx = ContextWithSpanID(ctx, "span-y")

	if got := TraceIDFromContext(ctx); got != "trace-x" {
		t.Fatalf("expected trace id trace-x, got %q", got)
	}
	if got := SpanIDFromContext(ctx); got != "span-y" {
		t.Fatalf("expected span id span-y, got %q", got)
	}

	typedCtx := context.WithValue(context.Background(), traceIDKey, 123)
	if got := TraceIDFromContext(typedCtx); got != "" {
		t.Fatalf("expected empty trace id for non-string, got %q", got)
	}
	if got := SpanIDFromContext(nil); got != "" {
		t.Fatalf("expected empty span id for nil context, got %q", got)
	}
}

func TestWithContextOmitsMissingIDs(t *testing.T) {
	var buf bytes.Buffer
	log := New("orchestrator", &buf)

	log.WithContext(context.Background()).Info("no trace")

	payload := decodeLastLogLine(t, &buf)
	if _, ok := payload["traceID"]; ok {
		t.Fatalf("traceID should be omitted, got %v", payload["traceID"])
	}
}

func TestForMessage(t *testing.T) {
	var buf bytes.Buffer
	log := New("orchestrator", &buf)

	log.ForMessage("bitmex:evt.order.created", "1-0", "op-1").Warn("requeue")

	payload := decodeLastLogLine(t, &buf)
	if payload["stream"] != "bitmex:evt.order.created" || payload["msgId"] != "1-0" || payload["operationId"] != "op-1" {
		t.Fatalf("unexpected message fields: %v", payload)
	}

	log.ForMessage("s", "2-0", "").Warn("no correlation")
	payload = decodeLastLogLine(t, &buf)
	if _, ok := payload["operationId"]; ok {
		t.Fatalf("operationId should be omitted, got %v", payload["operationId"])
	}
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.DebugLevel) })

	if err := SetLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if err := SetLevel("warn"); err != nil {
		t.Fatalf("set level: %v", err)
	}

	var buf bytes.Buffer
	log := New("orchestrator", &buf)
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %s", buf.String())
	}
	log.Warn("shown")
	if buf.Len() == 0 {
		t.Fatalf("warn should be written")
	}
}
