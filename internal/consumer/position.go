package consumer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/exchange/orchestrator/internal/model"
	"github.com/exchange/orchestrator/internal/reconcile"
	"github.com/exchange/orchestrator/internal/repository"
	"github.com/exchange/orchestrator/pkg/logger"
	commonredis "github.com/exchange/orchestrator/pkg/redis"
)

// PositionUpdated 合并交易所推送的持仓快照
func (h *Handlers) PositionUpdated(ctx context.Context, msg *commonredis.Message) commonredis.Decision {
	var update model.PositionUpdate
	if !h.decode("positionUpdated", msg, &update) {
		return commonredis.Drop
	}
	if update.Error != nil {
		h.log.Errorf("[positionUpdated] exchange reported error", logger.Fields{"accountId": update.AccountID, "error": *update.Error})
		return commonredis.Drop
	}
	if !update.Success {
		return commonredis.Ack
	}
	if update.AccountID == "" {
		h.log.Errorf("[positionUpdated] message without accountId", logger.Fields{"msgId": msg.ID})
		return commonredis.Drop
	}

	for _, raw := range update.Positions {
		var ev model.PositionEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil || ev.Symbol == "" {
			h.metrics.IncPositionEvent("malformed")
			h.log.Warnf("[positionUpdated] skipping malformed position", logger.Fields{"accountId": update.AccountID})
			continue
		}
		if d := h.applyPosition(ctx, update.AccountID, update.Exchange, ev); d != commonredis.Ack {
			return d
		}
	}
	return commonredis.Ack
}

func (h *Handlers) applyPosition(ctx context.Context, accountID string, exchange model.Exchange, ev model.PositionEvent) commonredis.Decision {
	existing, err := h.positions.Find(ctx, accountID, ev.Symbol)
	if errors.Is(err, repository.ErrPositionNotFound) {
		existing = nil
	} else if err != nil {
		h.log.WithError(err).Errorf("[positionUpdated] find position failed", logger.Fields{"accountId": accountID, "symbol": ev.Symbol})
		return commonredis.Requeue
	}

	merged := reconcile.MergePosition(existing, accountID, exchange, ev)
	err = h.positions.Save(ctx, &merged, existing)
	if errors.Is(err, repository.ErrPositionConflict) {
		h.metrics.IncPositionEvent("conflict")
		h.log.Warnf("[positionUpdated] concurrent position write", logger.Fields{"accountId": accountID, "symbol": ev.Symbol})
		return commonredis.Requeue
	}
	if err != nil {
		h.log.WithError(err).Errorf("[positionUpdated] save position failed", logger.Fields{"accountId": accountID, "symbol": ev.Symbol})
		return commonredis.Requeue
	}

	if existing == nil {
		h.metrics.IncPositionEvent("created")
	} else {
		h.metrics.IncPositionEvent("merged")
	}
	return commonredis.Ack
}

// PositionAddedStop 完成追加止损的操作
func (h *Handlers) PositionAddedStop(ctx context.Context, msg *commonredis.Message) commonredis.Decision {
	return h.commandResult(ctx, "positionAddedStop", msg)
}

// PositionAddedTsl 完成追加追踪止损的操作
func (h *Handlers) PositionAddedTsl(ctx context.Context, msg *commonredis.Message) commonredis.Decision {
	return h.commandResult(ctx, "positionAddedTsl", msg)
}

func (h *Handlers) commandResult(ctx context.Context, name string, msg *commonredis.Message) commonredis.Decision {
	var res model.CommandResult
	if !h.decode(name, msg, &res) {
		return commonredis.Drop
	}
	errs := res.Errors
	if errs.Empty() {
		errs = singleError(res.Error)
	}
	_, _, d, _ := h.complete(ctx, name, msg, res.Success, errs)
	return d
}
