// Package lifecycle 账户、订单与持仓的生命周期编排
//
// 所有对交易所的动作都经由 Dispatcher 异步发送；这里负责前置校验、
// 本地状态的先后顺序以及失败时的回滚。
package lifecycle

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/exchange/orchestrator/internal/model"
	"github.com/exchange/orchestrator/pkg/audit"
	apperrors "github.com/exchange/orchestrator/pkg/errors"
	"github.com/exchange/orchestrator/pkg/logger"
	"github.com/exchange/orchestrator/pkg/saga"
)

// AccountStore 交易所账户持久化
type AccountStore interface {
	Create(ctx context.Context, a *model.ExchangeAccount) error
	Find(ctx context.Context, id string) (*model.ExchangeAccount, error)
	FindByMembership(ctx context.Context, membershipID string, exchange model.Exchange) (*model.ExchangeAccount, error)
	ListByMembership(ctx context.Context, membershipID string) ([]*model.ExchangeAccount, error)
	SetActive(ctx context.Context, id string, active bool) error
	UpdateCredentials(ctx context.Context, id, apiKey, apiSecret string) error
	ScrubCredentials(ctx context.Context, id string) error
}

// OrderStore 订单持久化
type OrderStore interface {
	CreateOrders(ctx context.Context, orders []*model.Order) error
	DeleteOrders(ctx context.Context, ids []int64) error
	FindByID(ctx context.Context, id int64) (*model.Order, error)
	ListCancelable(ctx context.Context, orderSetID string, types []model.StopOrderType) ([]*model.Order, error)
}

// Ledger 台账
type Ledger interface {
	CreateCompleted(ctx context.Context, opType model.OperationType, payload model.Payload, success bool) (*model.AsyncOperation, error)
	HasPending(ctx context.Context, accountID string) (bool, error)
}

// Dispatcher 命令发送
type Dispatcher interface {
	CreateAccount(ctx context.Context, exchange model.Exchange, accountID, apiKey, apiSecret string) (string, error)
	UpdateAccount(ctx context.Context, exchange model.Exchange, accountID, apiKey, apiSecret string) (string, error)
	DeleteAccount(ctx context.Context, exchange model.Exchange, accountID string, cmd model.AccountCommand) (string, error)
	CreateOrders(ctx context.Context, exchange model.Exchange, accountID string, orders map[model.LegName]model.OrderLeg) (string, error)
	CancelOrder(ctx context.Context, exchange model.Exchange, accountID, orderID string) (string, error)
	ClosePositionWithOrders(ctx context.Context, exchange model.Exchange, accountID string, orders map[model.LegName]model.OrderLeg) (string, error)
	ClosePosition(ctx context.Context, exchange model.Exchange, accountID, symbol string, price, percent *float64) (string, error)
	AddStop(ctx context.Context, exchange model.Exchange, accountID, symbol string, stopPrice float64, trigger *model.StopTriggerType) (string, error)
	AddTsl(ctx context.Context, exchange model.Exchange, accountID, symbol string, tslPercent float64, trigger *model.StopTriggerType) (string, error)
}

// IDGenerator 订单 id
type IDGenerator interface {
	Next() (int64, error)
}

// Deps 编排器依赖
type Deps struct {
	Accounts    AccountStore
	Orders      OrderStore
	Ledger      Ledger
	Dispatcher  Dispatcher
	Saga        *saga.Executor
	IDs         IDGenerator
	Audit       audit.Logger
	Log         *logger.Logger
	FanOutLimit int
}

// Orchestrator 生命周期编排器
type Orchestrator struct {
	accounts AccountStore
	orders   OrderStore
	ledger   Ledger
	dispatch Dispatcher
	saga     *saga.Executor
	ids      IDGenerator
	audit    audit.Logger
	log      *logger.Logger
	fanOut   int
	newID    func() string
}

// New 创建编排器
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		accounts: d.Accounts,
		orders:   d.Orders,
		ledger:   d.Ledger,
		dispatch: d.Dispatcher,
		saga:     d.Saga,
		ids:      d.IDs,
		audit:    d.Audit,
		log:      d.Log,
		fanOut:   d.FanOutLimit,
		newID:    uuid.NewString,
	}
	if o.audit == nil {
		o.audit = audit.Nop{}
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	if o.fanOut <= 0 {
		o.fanOut = 8
	}
	return o
}

// AccountResult 批量操作中单个账户的结果
type AccountResult struct {
	AccountID   string `json:"accountId"`
	OperationID string `json:"operationId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// fanOutAccounts 按并发上限对每个账户执行 fn，结果顺序与输入一致
func (o *Orchestrator) fanOutAccounts(ctx context.Context, accountIDs []string, fn func(ctx context.Context, accountID string) (string, error)) []AccountResult {
	results := make([]AccountResult, len(accountIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanOut)
	for i, id := range accountIDs {
		i, id := i, id
		g.Go(func() error {
			opID, err := fn(gctx, id)
			results[i] = AccountResult{AccountID: id, OperationID: opID}
			if err != nil {
				results[i].OperationID = ""
				results[i].Error = errorText(err)
			}
			// 单个账户失败不影响其他账户
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// errorText 业务错误返回其面向用户的文本
func errorText(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func (o *Orchestrator) record(ctx context.Context, entry *audit.Entry) {
	if err := o.audit.Log(ctx, entry); err != nil {
		o.log.WithError(err).Warnf("[audit] write failed", logger.Fields{"eventType": string(entry.EventType)})
	}
}
