package lifecycle

import (
	"context"

	"github.com/exchange/orchestrator/internal/model"
	"github.com/exchange/orchestrator/pkg/audit"
	apperrors "github.com/exchange/orchestrator/pkg/errors"
)

// ClosePositionsRequest 平仓参数，Price 为空时按市价
type ClosePositionsRequest struct {
	AccountIDs []string
	Symbol     string
	Price      *float64
	Percent    *float64
}

// StopRequest 为持仓追加止损
type StopRequest struct {
	AccountIDs []string
	Symbol     string
	StopPrice  float64
	Trigger    *model.StopTriggerType
}

// TslRequest 为持仓追加追踪止损
type TslRequest struct {
	AccountIDs []string
	Symbol     string
	TslPercent float64
	Trigger    *model.StopTriggerType
}

var errNoExchangeAccount = apperrors.New(apperrors.CodeAccountNotFound, "No exchange account found")

// ClosePositions 逐个账户平仓
func (o *Orchestrator) ClosePositions(ctx context.Context, req ClosePositionsRequest) []AccountResult {
	return o.fanOutAccounts(ctx, req.AccountIDs, func(ctx context.Context, accountID string) (string, error) {
		account, err := o.positionAccount(ctx, accountID)
		if err != nil {
			return "", err
		}
		opID, err := o.dispatch.ClosePosition(ctx, account.Exchange, account.ID, req.Symbol, req.Price, req.Percent)
		o.record(ctx, audit.NewEntry(audit.EventPositionClose, account.ID).
			WithMembership(account.MembershipID).
			WithResource("position", req.Symbol).
			WithOperation(opID).
			WithParams(map[string]interface{}{"price": req.Price, "percent": req.Percent}).
			WithResult(err))
		return opID, err
	})
}

// AddStopToPositions 逐个账户追加止损
func (o *Orchestrator) AddStopToPositions(ctx context.Context, req StopRequest) []AccountResult {
	return o.fanOutAccounts(ctx, req.AccountIDs, func(ctx context.Context, accountID string) (string, error) {
		account, err := o.positionAccount(ctx, accountID)
		if err != nil {
			return "", err
		}
		opID, err := o.dispatch.AddStop(ctx, account.Exchange, account.ID, req.Symbol, req.StopPrice, req.Trigger)
		o.record(ctx, audit.NewEntry(audit.EventPositionStop, account.ID).
			WithMembership(account.MembershipID).
			WithResource("position", req.Symbol).
			WithOperation(opID).
			WithParams(map[string]interface{}{"stopPrice": req.StopPrice}).
			WithResult(err))
		return opID, err
	})
}

// AddTslToPositions 逐个账户追加追踪止损
func (o *Orchestrator) AddTslToPositions(ctx context.Context, req TslRequest) []AccountResult {
	return o.fanOutAccounts(ctx, req.AccountIDs, func(ctx context.Context, accountID string) (string, error) {
		account, err := o.positionAccount(ctx, accountID)
		if err != nil {
			return "", err
		}
		opID, err := o.dispatch.AddTsl(ctx, account.Exchange, account.ID, req.Symbol, req.TslPercent, req.Trigger)
		o.record(ctx, audit.NewEntry(audit.EventPositionTsl, account.ID).
			WithMembership(account.MembershipID).
			WithResource("position", req.Symbol).
			WithOperation(opID).
			WithParams(map[string]interface{}{"tslPercent": req.TslPercent}).
			WithResult(err))
		return opID, err
	})
}

func (o *Orchestrator) positionAccount(ctx context.Context, accountID string) (*model.ExchangeAccount, error) {
	account, err := o.findAccount(ctx, accountID)
	if apperrors.Is(err, apperrors.CodeAccountNotFound) {
		return nil, errNoExchangeAccount
	}
	return account, err
}
