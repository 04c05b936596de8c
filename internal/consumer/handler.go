// Package consumer 交易所事件消费
//
// 每个处理函数只返回确认决策，确认动作由 pkg/redis.Consumer 执行。
package consumer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/exchange/orchestrator/internal/ledger"
	"github.com/exchange/orchestrator/internal/lifecycle"
	"github.com/exchange/orchestrator/internal/metrics"
	"github.com/exchange/orchestrator/internal/model"
	"github.com/exchange/orchestrator/internal/reconcile"
	"github.com/exchange/orchestrator/pkg/logger"
	commonredis "github.com/exchange/orchestrator/pkg/redis"
)

// Ledger 完成异步操作
type Ledger interface {
	Complete(ctx context.Context, id string, success bool, errs model.ResultErrors) (*model.AsyncOperation, error)
}

// OrderStore 订单回写
type OrderStore interface {
	FindByClOrderID(ctx context.Context, clOrderID string) (*model.Order, error)
	ApplyPatch(ctx context.Context, clOrderID string, patch reconcile.OrderPatch) (bool, error)
	Reject(ctx context.Context, id int64, reason string) error
	SetErrorByRemoteID(ctx context.Context, remoteOrderID, reason string) error
}

// PositionStore 持仓回写
type PositionStore interface {
	Find(ctx context.Context, accountID, symbol string) (*model.Position, error)
	Save(ctx context.Context, p *model.Position, previous *model.Position) error
}

// AccountStore 账户状态回写
type AccountStore interface {
	SetActive(ctx context.Context, id string, active bool) error
	ScrubCredentials(ctx context.Context, id string) error
}

// MembershipTeardown 会员离开分组时删除账户
type MembershipTeardown interface {
	DeleteAccountsForMembership(ctx context.Context, membershipID string) ([]lifecycle.AccountResult, error)
}

// Handlers 全部事件处理函数
type Handlers struct {
	ledger    Ledger
	orders    OrderStore
	positions PositionStore
	accounts  AccountStore
	teardown  MembershipTeardown
	log       *logger.Logger
	metrics   *metrics.Metrics
}

// NewHandlers 创建事件处理函数集合
func NewHandlers(l Ledger, orders OrderStore, positions PositionStore, accounts AccountStore, teardown MembershipTeardown, log *logger.Logger, m *metrics.Metrics) *Handlers {
	if log == nil {
		log = logger.Nop()
	}
	return &Handlers{
		ledger:    l,
		orders:    orders,
		positions: positions,
		accounts:  accounts,
		teardown:  teardown,
		log:       log,
		metrics:   m,
	}
}

// decode 解析消息体，失败时记录日志
func (h *Handlers) decode(name string, msg *commonredis.Message, v interface{}) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		h.log.ForMessage(msg.Stream, msg.ID, msg.CorrelationID).WithError(err).Error("[" + name + "] malformed message")
		return false
	}
	return true
}

// complete 完成消息关联的操作。
//
// ok=false 时调用方直接返回 d。已完成的操作仍返回 duplicate=true 与存储的操作。
func (h *Handlers) complete(ctx context.Context, name string, msg *commonredis.Message, success bool, errs model.ResultErrors) (op *model.AsyncOperation, duplicate bool, d commonredis.Decision, ok bool) {
	log := h.log.WithContext(ctx).ForMessage(msg.Stream, msg.ID, msg.CorrelationID)
	if msg.CorrelationID == "" {
		log.Error("[" + name + "] missing correlation id")
		return nil, false, commonredis.Drop, false
	}

	op, err := h.ledger.Complete(ctx, msg.CorrelationID, success, errs)
	switch {
	case err == nil:
		if success {
			h.metrics.IncOperationCompleted("success")
		} else {
			h.metrics.IncOperationCompleted("failure")
		}
		return op, false, commonredis.Ack, true
	case errors.Is(err, ledger.ErrOperationAlreadyComplete):
		h.metrics.IncOperationCompleted("duplicate")
		return op, true, commonredis.Ack, true
	case errors.Is(err, ledger.ErrOperationNotFound):
		h.metrics.IncOperationCompleted("missing")
		log.Error("[" + name + "] operation not found")
		return nil, false, commonredis.Drop, false
	default:
		log.WithError(err).Error("[" + name + "] complete operation failed")
		return nil, false, commonredis.Requeue, false
	}
}

// singleError 把可选的单条错误转换为 ResultErrors
func singleError(e *string) model.ResultErrors {
	if e == nil {
		return model.ResultErrors{}
	}
	return model.ListErrors(*e)
}
