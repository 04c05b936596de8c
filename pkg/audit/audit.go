// Package audit 账户与订单生命周期的审计记录
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	// 交易所账户
	EventAccountCreated      EventType = "ACCOUNT_CREATED"
	EventAccountUpdated      EventType = "ACCOUNT_CREDENTIALS_UPDATED"
	EventAccountDeleted      EventType = "ACCOUNT_DELETED"
	EventAccountToggled      EventType = "ACCOUNT_TOGGLED"
	EventCredentialsScrubbed EventType = "ACCOUNT_CREDENTIALS_SCRUBBED"

	// 订单与持仓
	EventOrderCreated       EventType = "ORDER_CREATED"
	EventOrderCancelRequest EventType = "ORDER_CANCEL_REQUESTED"
	EventPositionClose      EventType = "POSITION_CLOSE_REQUESTED"
	EventPositionStop       EventType = "POSITION_STOP_REQUESTED"
	EventPositionTsl        EventType = "POSITION_TSL_REQUESTED"
)

const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

type Entry struct {
	ID           string    `json:"id"`
	EventType    EventType `json:"eventType"`
	MembershipID string    `json:"membershipId"`
	AccountID    string    `json:"accountId"`
	Resource     string    `json:"resource"`
	ResourceID   string    `json:"resourceId"`
	OperationID  string    `json:"operationId"`
	Params       string    `json:"params"` // 脱敏后的 JSON
	Result       string    `json:"result"`
	ErrorMsg     string    `json:"errorMsg"`
	Timestamp    int64     `json:"timestamp"`
}

type Logger interface {
	Log(ctx context.Context, entry *Entry) error
}

// NewEntry 创建审计记录。Timestamp 使用 Unix 毫秒。
func NewEntry(eventType EventType, accountID string) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		EventType: eventType,
		AccountID: accountID,
		Timestamp: time.Now().UnixMilli(),
		Result:    ResultSuccess,
		Params:    "{}",
	}
}

func (e *Entry) WithMembership(membershipID string) *Entry {
	e.MembershipID = membershipID
	return e
}

func (e *Entry) WithResource(resource, resourceID string) *Entry {
	e.Resource = resource
	e.ResourceID = resourceID
	return e
}

func (e *Entry) WithOperation(operationID string) *Entry {
	e.OperationID = operationID
	return e
}

// WithParams 设置参数（自动脱敏敏感字段）。
func (e *Entry) WithParams(params map[string]interface{}) *Entry {
	b, err := json.Marshal(SanitizeParams(params))
	if err != nil {
		e.Params = "{}"
		return e
	}
	e.Params = string(b)
	return e
}

// WithResult 根据错误设置结果。
func (e *Entry) WithResult(err error) *Entry {
	if err == nil {
		e.Result = ResultSuccess
		e.ErrorMsg = ""
		return e
	}
	e.Result = ResultFailed
	e.ErrorMsg = err.Error()
	return e
}

// SanitizeParams 脱敏敏感参数。
func SanitizeParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = sanitizeValue(k, v)
	}
	return out
}

func sanitizeValue(key string, value interface{}) interface{} {
	if isSensitiveKey(key) {
		if s, ok := value.(string); ok && s == "" {
			return ""
		}
		return "***"
	}

	switch typed := value.(type) {
	case map[string]interface{}:
		return SanitizeParams(typed)
	case []interface{}:
		cp := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			if m, ok := item.(map[string]interface{}); ok {
				cp = append(cp, SanitizeParams(m))
			} else {
				cp = append(cp, item)
			}
		}
		return cp
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	return strings.Contains(k, "secret") ||
		strings.Contains(k, "apikey") ||
		strings.Contains(k, "api_key") ||
		strings.Contains(k, "token") ||
		strings.Contains(k, "password") ||
		k == "key" ||
		strings.HasSuffix(k, "_key")
}

// DBLogger 异步写入 audit_logs 表，写入失败不影响主流程。
type DBLogger struct {
	db *sql.DB

	queue  chan *Entry
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onError func(error)
}

type DBLoggerOption func(*dbLoggerOptions)

type dbLoggerOptions struct {
	queueSize   int
	workers     int
	onError     func(error)
	synchronous bool
}

func WithQueueSize(size int) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

func WithWorkers(n int) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithErrorHandler(fn func(error)) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithSynchronousWrite 让 Log() 直接写数据库。
func WithSynchronousWrite() DBLoggerOption {
	return func(o *dbLoggerOptions) {
		o.synchronous = true
	}
}

func NewDBLogger(db *sql.DB, opts ...DBLoggerOption) (*DBLogger, error) {
	if db == nil {
		return nil, errors.New("audit: db is nil")
	}

	cfg := dbLoggerOptions{
		queueSize: 1024,
		workers:   1,
		onError:   func(error) {},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	l := &DBLogger{db: db, onError: cfg.onError}
	if cfg.synchronous {
		return l, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.queue = make(chan *Entry, cfg.queueSize)

	for i := 0; i < cfg.workers; i++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				select {
				case <-ctx.Done():
					l.drain()
					return
				case entry := <-l.queue:
					if err := l.insert(context.Background(), entry); err != nil {
						l.onError(err)
					}
				}
			}
		}()
	}

	return l, nil
}

func (l *DBLogger) drain() {
	for {
		select {
		case entry := <-l.queue:
			if err := l.insert(context.Background(), entry); err != nil {
				l.onError(err)
			}
		default:
			return
		}
	}
}

// Close 停止后台写入，队列中剩余的记录会尽量写完。
func (l *DBLogger) Close() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *DBLogger) Log(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return nil
	}
	if strings.TrimSpace(entry.Params) == "" {
		entry.Params = "{}"
	}

	if l.queue == nil {
		return l.insert(ctx, entry)
	}

	select {
	case l.queue <- entry:
	default:
		l.onError(errors.New("audit: queue full, entry dropped"))
	}
	return nil
}

func (l *DBLogger) insert(ctx context.Context, e *Entry) error {
	const stmt = `
INSERT INTO audit_logs (
  id, event_type, membership_id, account_id, resource, resource_id, operation_id, params, result, error_msg, timestamp
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
`
	_, err := l.db.ExecContext(ctx, stmt,
		e.ID,
		e.EventType,
		e.MembershipID,
		e.AccountID,
		e.Resource,
		e.ResourceID,
		e.OperationID,
		e.Params,
		e.Result,
		e.ErrorMsg,
		e.Timestamp,
	)
	return err
}

// Nop 丢弃所有审计记录
type Nop struct{}

func (Nop) Log(context.Context, *Entry) error { return nil }
