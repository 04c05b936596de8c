package lifecycle

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/exchange/orchestrator/internal/model"
	"github.com/exchange/orchestrator/internal/repository"
	"github.com/exchange/orchestrator/pkg/audit"
	apperrors "github.com/exchange/orchestrator/pkg/errors"
	"github.com/exchange/orchestrator/pkg/saga"
)

const sharedIDLength = 24

// OrderRequest 一组订单的下单参数。StopPrice 与 TrailingStopPercent
// 非零时分别追加止损腿与追踪止损腿。OrderSetID 为空时生成新的订单组 ID。
type OrderRequest struct {
	OrderSetID          string                 `json:"orderSetId,omitempty"`
	Symbol              string                 `json:"symbol"`
	Side                model.OrderSide        `json:"side"`
	OrderType           model.OrderType        `json:"orderType"`
	CloseOrder          bool                   `json:"closeOrder"`
	Price               *float64               `json:"price"`
	Quantity            *float64               `json:"quantity"`
	Percent             *float64               `json:"percent"`
	Leverage            *float64               `json:"leverage"`
	StopPrice           *float64               `json:"stopPrice"`
	TrailingStopPercent *float64               `json:"trailingStopPercent"`
	StopTriggerType     *model.StopTriggerType `json:"stopTriggerType"`
}

// OrderSet 已落库并发出的一组订单
type OrderSet struct {
	OperationID string
	OrderSetID  string
	Orders      map[model.LegName]*model.Order
}

// CreateOrder 为单个账户下一组订单：先落库再发送，发送失败时删除已落库的订单
func (o *Orchestrator) CreateOrder(ctx context.Context, accountID string, req OrderRequest) (*OrderSet, error) {
	account, err := o.findAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, apperrors.ErrAccountInactive
	}

	set, err := o.buildOrderSet(account, req)
	if err != nil {
		return nil, err
	}
	orders := make([]*model.Order, 0, len(set.Orders))
	legs := make(map[model.LegName]model.OrderLeg, len(set.Orders))
	for _, name := range []model.LegName{model.LegMain, model.LegStop, model.LegTsl} {
		order, ok := set.Orders[name]
		if !ok {
			continue
		}
		orders = append(orders, order)
		leg := legOf(order)
		if name == model.LegMain {
			leg.Percent = req.Percent
		}
		legs[name] = leg
	}

	steps := []saga.Step{
		saga.Func{
			StepName: "persist-orders",
			Do: func(ctx context.Context) error {
				return o.orders.CreateOrders(ctx, orders)
			},
			Undo: func(ctx context.Context) error {
				ids := make([]int64, 0, len(orders))
				for _, order := range orders {
					ids = append(ids, order.ID)
				}
				return o.orders.DeleteOrders(ctx, ids)
			},
		},
		saga.Func{
			StepName: "dispatch-orders",
			Do: func(ctx context.Context) error {
				var err error
				if req.CloseOrder {
					set.OperationID, err = o.dispatch.ClosePositionWithOrders(ctx, account.Exchange, account.ID, legs)
				} else {
					set.OperationID, err = o.dispatch.CreateOrders(ctx, account.Exchange, account.ID, legs)
				}
				return err
			},
		},
	}

	err = o.saga.Run(ctx, "create-order", steps)
	o.record(ctx, audit.NewEntry(audit.EventOrderCreated, account.ID).
		WithMembership(account.MembershipID).
		WithResource("orderSet", set.OrderSetID).
		WithOperation(set.OperationID).
		WithParams(map[string]interface{}{
			"symbol":     req.Symbol,
			"side":       string(req.Side),
			"closeOrder": req.CloseOrder,
			"legs":       len(legs),
		}).
		WithResult(err))
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) && appErr.Code != apperrors.CodeInternal {
			return nil, appErr
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "create orders", err)
	}
	return set, nil
}

// OrderSetResult 批量下单中单个账户的结果
type OrderSetResult struct {
	AccountID   string  `json:"accountId"`
	OperationID string  `json:"operationId,omitempty"`
	OrderSetID  string  `json:"orderSetId,omitempty"`
	OrderIDs    []int64 `json:"orderIds,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// CreateOrdersForAccounts 对多个账户下同一组订单，返回顺序与输入一致
func (o *Orchestrator) CreateOrdersForAccounts(ctx context.Context, accountIDs []string, req OrderRequest) []OrderSetResult {
	results := make([]OrderSetResult, len(accountIDs))
	// 所有账户共用一个订单组 ID，便于整组撤单
	if req.OrderSetID == "" {
		req.OrderSetID = o.newID()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanOut)
	for i, id := range accountIDs {
		i, id := i, id
		g.Go(func() error {
			results[i].AccountID = id
			set, err := o.CreateOrder(gctx, id, req)
			if err != nil {
				results[i].Error = errorText(err)
				return nil
			}
			results[i].OperationID = set.OperationID
			results[i].OrderSetID = set.OrderSetID
			for _, name := range []model.LegName{model.LegMain, model.LegStop, model.LegTsl} {
				if order, ok := set.Orders[name]; ok {
					results[i].OrderIDs = append(results[i].OrderIDs, order.ID)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// CancelOrder 撤销一个仍在交易所挂着的订单
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID int64) (string, error) {
	order, err := o.orders.FindByID(ctx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return "", apperrors.ErrOrderNotFound
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "get order", err)
	}
	if !order.Status.IsCancelable() {
		return "", apperrors.ErrOrderNotCancelable
	}
	if order.RemoteOrderID == nil || *order.RemoteOrderID == "" {
		return "", apperrors.New(apperrors.CodeOrderNotCancelable, "Order has not reached the exchange")
	}

	opID, err := o.dispatch.CancelOrder(ctx, order.Exchange, order.ExchangeAccountID, *order.RemoteOrderID)
	o.record(ctx, audit.NewEntry(audit.EventOrderCancelRequest, order.ExchangeAccountID).
		WithResource("order", strconv.FormatInt(order.ID, 10)).
		WithOperation(opID).
		WithParams(map[string]interface{}{"remoteOrderId": *order.RemoteOrderID}).
		WithResult(err))
	if err != nil {
		return "", err
	}
	return opID, nil
}

// OrderCancelResult 整组撤单中单个订单的结果
type OrderCancelResult struct {
	OrderID     int64  `json:"orderId"`
	AccountID   string `json:"accountId"`
	OperationID string `json:"operationId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CancelOrderSet 撤销订单组中所有仍可撤销的订单，types 非空时只撤对应止损类型。
// 尚未到达交易所的订单跳过。
func (o *Orchestrator) CancelOrderSet(ctx context.Context, orderSetID string, types []model.StopOrderType) ([]OrderCancelResult, error) {
	orders, err := o.orders.ListCancelable(ctx, orderSetID, types)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "list cancelable orders", err)
	}
	pending := make([]*model.Order, 0, len(orders))
	for _, order := range orders {
		if order.RemoteOrderID == nil || *order.RemoteOrderID == "" {
			continue
		}
		pending = append(pending, order)
	}

	results := make([]OrderCancelResult, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanOut)
	for i, order := range pending {
		i, order := i, order
		g.Go(func() error {
			results[i].OrderID = order.ID
			results[i].AccountID = order.ExchangeAccountID
			opID, err := o.dispatch.CancelOrder(gctx, order.Exchange, order.ExchangeAccountID, *order.RemoteOrderID)
			o.record(gctx, audit.NewEntry(audit.EventOrderCancelRequest, order.ExchangeAccountID).
				WithResource("order", strconv.FormatInt(order.ID, 10)).
				WithOperation(opID).
				WithParams(map[string]interface{}{
					"remoteOrderId": *order.RemoteOrderID,
					"orderSetId":    orderSetID,
				}).
				WithResult(err))
			if err != nil {
				results[i].Error = errorText(err)
				return nil
			}
			results[i].OperationID = opID
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// buildOrderSet 生成主腿以及可选的止损、追踪止损腿，三条腿共享 clOrderId 前缀
func (o *Orchestrator) buildOrderSet(account *model.ExchangeAccount, req OrderRequest) (*OrderSet, error) {
	sharedID := strings.ReplaceAll(o.newID(), "-", "")
	if len(sharedID) > sharedIDLength {
		sharedID = sharedID[:sharedIDLength]
	}
	orderSetID := req.OrderSetID
	if orderSetID == "" {
		orderSetID = o.newID()
	}

	set := &OrderSet{
		OrderSetID: orderSetID,
		Orders:     make(map[model.LegName]*model.Order, 3),
	}

	base := func(name model.LegName, side model.OrderSide) (*model.Order, error) {
		id, err := o.ids.Next()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, "generate order id", err)
		}
		order := &model.Order{
			ID:                id,
			ClOrderID:         sharedID + name.ClOrderSuffix(),
			ExchangeAccountID: account.ID,
			OrderSetID:        orderSetID,
			Exchange:          account.Exchange,
			Symbol:            req.Symbol,
			Side:              side,
			OrderType:         req.OrderType,
			CloseOrder:        req.CloseOrder,
			Status:            model.OrderStatusNew,
			Price:             req.Price,
			Leverage:          req.Leverage,
		}
		set.Orders[name] = order
		return order, nil
	}

	main, err := base(model.LegMain, req.Side)
	if err != nil {
		return nil, err
	}
	main.Quantity = req.Quantity

	if nonZero(req.StopPrice) {
		stop, err := base(model.LegStop, req.Side.Opposite())
		if err != nil {
			return nil, err
		}
		stop.StopPrice = req.StopPrice
		stop.StopTriggerType = req.StopTriggerType
	}
	if nonZero(req.TrailingStopPercent) {
		tsl, err := base(model.LegTsl, req.Side.Opposite())
		if err != nil {
			return nil, err
		}
		tsl.TrailingStopPercent = req.TrailingStopPercent
		tsl.StopTriggerType = req.StopTriggerType
	}
	return set, nil
}

func legOf(order *model.Order) model.OrderLeg {
	return model.OrderLeg{
		ID:                  order.ID,
		ClOrderID:           order.ClOrderID,
		Symbol:              order.Symbol,
		Side:                order.Side,
		OrderType:           order.OrderType,
		CloseOrder:          order.CloseOrder,
		Price:               order.Price,
		Quantity:            order.Quantity,
		StopPrice:           order.StopPrice,
		Leverage:            order.Leverage,
		StopTriggerType:     order.StopTriggerType,
		TrailingStopPercent: order.TrailingStopPercent,
	}
}

func nonZero(v *float64) bool {
	return v != nil && *v != 0
}
