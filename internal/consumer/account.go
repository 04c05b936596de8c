package consumer

import (
	"context"
	"errors"

	"github.com/exchange/orchestrator/internal/model"
	"github.com/exchange/orchestrator/internal/repository"
	"github.com/exchange/orchestrator/pkg/logger"
	commonredis "github.com/exchange/orchestrator/pkg/redis"
)

// AccountCreated 交易所确认账户：成功激活，失败停用
func (h *Handlers) AccountCreated(ctx context.Context, msg *commonredis.Message) commonredis.Decision {
	return h.accountResult(ctx, "accountCreated", msg, func(ctx context.Context, op *model.AsyncOperation, res model.AccountResult, accountID string) error {
		return h.accounts.SetActive(ctx, accountID, res.Success)
	})
}

// AccountUpdated 凭证更新失败时清除凭证并停用
func (h *Handlers) AccountUpdated(ctx context.Context, msg *commonredis.Message) commonredis.Decision {
	return h.accountResult(ctx, "accountUpdated", msg, func(ctx context.Context, op *model.AsyncOperation, res model.AccountResult, accountID string) error {
		if res.Success {
			return nil
		}
		return h.accounts.ScrubCredentials(ctx, accountID)
	})
}

// AccountDeleted 删除与停用成功后把账户置为未激活
func (h *Handlers) AccountDeleted(ctx context.Context, msg *commonredis.Message) commonredis.Decision {
	return h.accountResult(ctx, "accountDeleted", msg, func(ctx context.Context, op *model.AsyncOperation, res model.AccountResult, accountID string) error {
		if !res.Success {
			return nil
		}
		switch op.Type {
		case model.OpDeleteBitmexAccount, model.OpDisableBitmexAccount,
			model.OpDeleteBinanceAccount, model.OpDisableBinanceAccount:
			return h.accounts.SetActive(ctx, accountID, false)
		default:
			return nil
		}
	})
}

type accountApply func(ctx context.Context, op *model.AsyncOperation, res model.AccountResult, accountID string) error

func (h *Handlers) accountResult(ctx context.Context, name string, msg *commonredis.Message, apply accountApply) commonredis.Decision {
	var res model.AccountResult
	if !h.decode(name, msg, &res) {
		return commonredis.Drop
	}

	op, duplicate, d, ok := h.complete(ctx, name, msg, res.Success, singleError(res.Error))
	if !ok {
		return d
	}
	if duplicate {
		// 重复投递不再改动账户，避免旧结果覆盖之后的状态
		return commonredis.Ack
	}

	accountID := res.AccountID
	if op.Payload != nil && op.Payload.TargetAccount() != "" {
		accountID = op.Payload.TargetAccount()
	}
	if accountID == "" {
		h.log.Errorf("["+name+"] result without accountId", logger.Fields{"operationId": op.ID})
		return commonredis.Drop
	}

	if !res.Success {
		h.log.Warnf("["+name+"] exchange rejected account command", logger.Fields{
			"operationId": op.ID,
			"accountId":   accountID,
			"error":       singleError(res.Error).String(),
		})
	}

	err := apply(ctx, op, res, accountID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		h.log.Warnf("["+name+"] account not found", logger.Fields{"accountId": accountID})
		return commonredis.Ack
	}
	if err != nil {
		h.log.WithError(err).Errorf("["+name+"] update account failed", logger.Fields{"accountId": accountID})
		return commonredis.Requeue
	}
	return commonredis.Ack
}

// MembershipDeleted 会员离开分组，删除其全部交易所账户
func (h *Handlers) MembershipDeleted(ctx context.Context, msg *commonredis.Message) commonredis.Decision {
	var ev model.MembershipDeleted
	if !h.decode("membershipDeleted", msg, &ev) {
		return commonredis.Drop
	}
	if ev.MembershipID == "" {
		h.log.Errorf("[membershipDeleted] message without membershipId", logger.Fields{"msgId": msg.ID})
		return commonredis.Drop
	}

	results, err := h.teardown.DeleteAccountsForMembership(ctx, ev.MembershipID)
	if err != nil {
		h.log.WithError(err).Errorf("[membershipDeleted] teardown failed", logger.Fields{"membershipId": ev.MembershipID})
		return commonredis.Requeue
	}
	h.log.Infof("[membershipDeleted] accounts removed", logger.Fields{"membershipId": ev.MembershipID, "accounts": len(results)})
	return commonredis.Ack
}
