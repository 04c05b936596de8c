// Package ledger 异步操作台账
//
// 每条发往交易所的命令先在台账登记，收到结果后恰好完成一次。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/exchange/orchestrator/internal/model"
	"github.com/exchange/orchestrator/internal/repository"
	"github.com/exchange/orchestrator/pkg/logger"
)

var (
	// ErrOperationNotFound 结果对应的操作不存在
	ErrOperationNotFound = errors.New("async operation not found")
	// ErrOperationAlreadyComplete 操作已完成，返回的是已存储的结果
	ErrOperationAlreadyComplete = errors.New("async operation already complete")
)

// ExpiredError 过期操作的统一错误文本
const ExpiredError = "operation expired"

// Store 台账持久化
type Store interface {
	Create(ctx context.Context, op *model.AsyncOperation) error
	CompleteIfPending(ctx context.Context, id string, success bool, errText *string, now time.Time) (*model.AsyncOperation, error)
	Get(ctx context.Context, id string) (*model.AsyncOperation, error)
	PendingForAccount(ctx context.Context, accountID string) ([]*model.AsyncOperation, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]*model.AsyncOperation, error)
}

// Ledger 台账
type Ledger struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
	newID func() string
}

// New 创建台账
func New(store Store, log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.Nop()
	}
	return &Ledger{
		store: store,
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Create 登记一条未完成的操作
func (l *Ledger) Create(ctx context.Context, opType model.OperationType, payload model.Payload) (*model.AsyncOperation, error) {
	return l.insert(ctx, opType, payload, false, false)
}

// CreateCompleted 登记一条已完成的操作，用于只在本地生效的命令
func (l *Ledger) CreateCompleted(ctx context.Context, opType model.OperationType, payload model.Payload, success bool) (*model.AsyncOperation, error) {
	return l.insert(ctx, opType, payload, true, success)
}

func (l *Ledger) insert(ctx context.Context, opType model.OperationType, payload model.Payload, complete, success bool) (*model.AsyncOperation, error) {
	now := l.now().UTC()
	op := &model.AsyncOperation{
		ID:        l.newID(),
		Type:      opType,
		Payload:   payload,
		Complete:  complete,
		Success:   success,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("create %s operation: %w", opType, err)
	}
	return op, nil
}

// Complete 完成操作。
//
// 操作不存在返回 ErrOperationNotFound；已完成时返回已存储的操作与
// ErrOperationAlreadyComplete，原结果保持不变。
func (l *Ledger) Complete(ctx context.Context, id string, success bool, errs model.ResultErrors) (*model.AsyncOperation, error) {
	var errText *string
	if !errs.Empty() {
		s := errs.String()
		errText = &s
	}

	op, err := l.store.CompleteIfPending(ctx, id, success, errText, l.now().UTC())
	if err == nil {
		return op, nil
	}
	if !errors.Is(err, repository.ErrOperationNotPending) {
		return nil, fmt.Errorf("complete operation %s: %w", id, err)
	}

	existing, err := l.store.Get(ctx, id)
	if errors.Is(err, repository.ErrOperationNotFound) {
		l.log.Errorf("[ledger] operation not found", logger.Fields{"operationId": id})
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", id, err)
	}

	l.log.Infof("[ledger] operation already complete", logger.Fields{
		"operationId": id,
		"success":     existing.Success,
	})
	return existing, ErrOperationAlreadyComplete
}

// PendingForAccount 账户下未完成的操作
func (l *Ledger) PendingForAccount(ctx context.Context, accountID string) ([]*model.AsyncOperation, error) {
	ops, err := l.store.PendingForAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("pending operations for %s: %w", accountID, err)
	}
	return ops, nil
}

// HasPending 账户是否有未完成的操作
func (l *Ledger) HasPending(ctx context.Context, accountID string) (bool, error) {
	ops, err := l.PendingForAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return len(ops) > 0, nil
}

// Expire 把早于 olderThan 仍未完成的操作以失败结束，返回处理条数
func (l *Ledger) Expire(ctx context.Context, olderThan time.Duration, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	before := l.now().UTC().Add(-olderThan)
	errs := model.ListErrors(ExpiredError)

	expired := 0
	for {
		ops, err := l.store.ListStale(ctx, before, batch)
		if err != nil {
			return expired, fmt.Errorf("list stale operations: %w", err)
		}
		if len(ops) == 0 {
			return expired, nil
		}

		for _, op := range ops {
			_, err := l.Complete(ctx, op.ID, false, errs)
			switch {
			case err == nil:
				expired++
				l.log.Warnf("[ledger] operation expired", logger.Fields{
					"operationId": op.ID,
					"opType":      string(op.Type),
					"accountId":   op.Payload.TargetAccount(),
					"createdAt":   op.CreatedAt,
				})
			case errors.Is(err, ErrOperationAlreadyComplete), errors.Is(err, ErrOperationNotFound):
			default:
				return expired, err
			}
		}
		if len(ops) < batch {
			return expired, nil
		}
	}
}
