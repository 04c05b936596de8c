package consumer

import (
	"context"
	"errors"
	"sort"

	"github.com/exchange/orchestrator/internal/model"
	"github.com/exchange/orchestrator/internal/reconcile"
	"github.com/exchange/orchestrator/internal/repository"
	"github.com/exchange/orchestrator/pkg/logger"
	commonredis "github.com/exchange/orchestrator/pkg/redis"
)

const defaultRejectReason = "Rejected by exchange"

// OrderCreated 处理下单结果
func (h *Handlers) OrderCreated(ctx context.Context, msg *commonredis.Message) commonredis.Decision {
	return h.orderResult(ctx, "orderCreated", msg)
}

// PositionClosed 平仓结果与下单结果格式相同
func (h *Handlers) PositionClosed(ctx context.Context, msg *commonredis.Message) commonredis.Decision {
	return h.orderResult(ctx, "positionClosed", msg)
}

func (h *Handlers) orderResult(ctx context.Context, name string, msg *commonredis.Message) commonredis.Decision {
	var res model.OperationResult
	if !h.decode(name, msg, &res) {
		return commonredis.Drop
	}

	op, _, d, ok := h.complete(ctx, name, msg, res.Success, res.Errors)
	if !ok {
		return d
	}

	if res.Success {
		legs := make([]string, 0, len(res.Orders))
		for leg := range res.Orders {
			legs = append(legs, leg)
		}
		sort.Strings(legs)
		for _, leg := range legs {
			if d := h.applyOrderEvent(ctx, name, res.Orders[leg]); d != commonredis.Ack {
				return d
			}
		}
		return commonredis.Ack
	}

	return h.rejectLegs(ctx, name, op, res.Errors)
}

// rejectLegs 下单失败：按腿的错误拒绝对应订单，整体失败时拒绝全部腿
func (h *Handlers) rejectLegs(ctx context.Context, name string, op *model.AsyncOperation, errs model.ResultErrors) commonredis.Decision {
	payload, ok := op.Payload.(model.OrderLegsPayload)
	if !ok {
		h.log.Warnf("["+name+"] operation has no order legs", logger.Fields{"operationId": op.ID, "opType": string(op.Type)})
		return commonredis.Ack
	}

	reasons := make(map[model.LegName]string, len(payload.Orders))
	if keyed := errs.Keyed(); len(keyed) > 0 {
		for leg, reason := range keyed {
			reasons[model.LegName(leg)] = reason
		}
	} else {
		reason := errs.String()
		if reason == "" {
			reason = defaultRejectReason
		}
		for leg := range payload.Orders {
			reasons[leg] = reason
		}
	}

	for leg, reason := range reasons {
		order, ok := payload.Orders[leg]
		if !ok {
			h.log.Warnf("["+name+"] error for unknown leg", logger.Fields{"operationId": op.ID, "leg": string(leg)})
			continue
		}
		err := h.orders.Reject(ctx, order.ID, reason)
		if errors.Is(err, repository.ErrOrderNotFound) {
			h.log.Warnf("["+name+"] rejected order not found", logger.Fields{"orderId": order.ID})
			continue
		}
		if err != nil {
			h.log.WithError(err).Errorf("["+name+"] reject order failed", logger.Fields{"orderId": order.ID})
			return commonredis.Requeue
		}
		h.metrics.IncOrderEvent("rejected")
	}
	return commonredis.Ack
}

// OrderUpdated 处理交易所推送的订单变化
func (h *Handlers) OrderUpdated(ctx context.Context, msg *commonredis.Message) commonredis.Decision {
	var update model.OrderUpdate
	if !h.decode("orderUpdated", msg, &update) {
		return commonredis.Drop
	}
	if update.Order == nil {
		h.log.Debugf("[orderUpdated] message without order", logger.Fields{"msgId": msg.ID})
		return commonredis.Ack
	}
	return h.applyOrderEvent(ctx, "orderUpdated", *update.Order)
}

// OrderCanceled 处理撤单结果
func (h *Handlers) OrderCanceled(ctx context.Context, msg *commonredis.Message) commonredis.Decision {
	var res model.CancelResult
	if !h.decode("orderCanceled", msg, &res) {
		return commonredis.Drop
	}

	op, _, d, ok := h.complete(ctx, "orderCanceled", msg, res.Success, singleError(res.Error))
	if !ok {
		return d
	}

	if res.Order != nil {
		return h.applyOrderEvent(ctx, "orderCanceled", *res.Order)
	}
	if res.Error == nil {
		return commonredis.Ack
	}

	payload, ok := op.Payload.(model.OrderRefPayload)
	if !ok || payload.OrderID == "" {
		h.log.Errorf("[orderCanceled] operation has no order id", logger.Fields{"operationId": op.ID})
		return commonredis.Drop
	}
	err := h.orders.SetErrorByRemoteID(ctx, payload.OrderID, *res.Error)
	if errors.Is(err, repository.ErrOrderNotFound) {
		h.log.Warnf("[orderCanceled] order not found", logger.Fields{"remoteOrderId": payload.OrderID})
		return commonredis.Ack
	}
	if err != nil {
		h.log.WithError(err).Errorf("[orderCanceled] update error", logger.Fields{"remoteOrderId": payload.OrderID})
		return commonredis.Requeue
	}
	return commonredis.Ack
}

// applyOrderEvent 用一条订单快照更新本地订单
func (h *Handlers) applyOrderEvent(ctx context.Context, name string, ev model.OrderEvent) commonredis.Decision {
	if ev.ClOrderID == "" {
		h.log.Errorf("["+name+"] order event without clOrderId", nil)
		return commonredis.Drop
	}

	existing, err := h.orders.FindByClOrderID(ctx, ev.ClOrderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		h.metrics.IncOrderEvent("missing")
		h.log.Warnf("["+name+"] order not found", logger.Fields{"clOrderId": ev.ClOrderID})
		return commonredis.Requeue
	}
	if err != nil {
		h.log.WithError(err).Errorf("["+name+"] find order failed", logger.Fields{"clOrderId": ev.ClOrderID})
		return commonredis.Requeue
	}

	patch, outcome := reconcile.PlanOrderUpdate(existing, ev)
	if outcome == reconcile.OutcomeStale {
		h.metrics.IncOrderEvent(outcome.String())
		h.log.Debugf("["+name+"] stale order event", logger.Fields{"clOrderId": ev.ClOrderID})
		return commonredis.Ack
	}

	applied, err := h.orders.ApplyPatch(ctx, ev.ClOrderID, patch)
	if err != nil {
		h.log.WithError(err).Errorf("["+name+"] update error", logger.Fields{"clOrderId": ev.ClOrderID})
		return commonredis.Requeue
	}
	if !applied {
		// 并发写入抢先，行上的时间戳已不早于本事件
		h.metrics.IncOrderEvent(reconcile.OutcomeStale.String())
		return commonredis.Ack
	}
	h.metrics.IncOrderEvent(outcome.String())
	return commonredis.Ack
}
