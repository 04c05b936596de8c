package lifecycle

import (
	"context"
	"errors"

	"github.com/exchange/orchestrator/internal/model"
	"github.com/exchange/orchestrator/internal/repository"
	"github.com/exchange/orchestrator/pkg/audit"
	apperrors "github.com/exchange/orchestrator/pkg/errors"
	"github.com/exchange/orchestrator/pkg/logger"
)

// CreateAccount 为会员创建交易所账户。账户以未激活状态落库，
// 交易所确认后由 account-created 消费者激活。
func (o *Orchestrator) CreateAccount(ctx context.Context, membershipID string, exchange model.Exchange, apiKey, apiSecret string) (*model.ExchangeAccount, string, error) {
	if _, err := o.accounts.FindByMembership(ctx, membershipID, exchange); err == nil {
		return nil, "", apperrors.ErrAccountExists
	} else if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, "", apperrors.Wrap(apperrors.CodeInternal, "lookup exchange account", err)
	}

	account := &model.ExchangeAccount{
		ID:           o.newID(),
		MembershipID: membershipID,
		Exchange:     exchange,
		APIKey:       &apiKey,
		APISecret:    &apiSecret,
		Active:       false,
	}
	if err := o.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			return nil, "", apperrors.ErrAccountExists
		}
		return nil, "", apperrors.Wrap(apperrors.CodeInternal, "create exchange account", err)
	}

	opID, err := o.dispatch.CreateAccount(ctx, exchange, account.ID, apiKey, apiSecret)
	o.record(ctx, audit.NewEntry(audit.EventAccountCreated, account.ID).
		WithMembership(membershipID).
		WithOperation(opID).
		WithParams(map[string]interface{}{"exchange": string(exchange), "apiKey": apiKey, "apiSecret": apiSecret}).
		WithResult(err))
	if err != nil {
		o.scrub(ctx, account.ID, "[createAccount]")
		return nil, "", err
	}

	account.APIKey, account.APISecret = nil, nil
	return account, opID, nil
}

// DeleteAccount 删除账户
func (o *Orchestrator) DeleteAccount(ctx context.Context, accountID string) (string, error) {
	account, err := o.findAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	return o.deleteAccount(ctx, account)
}

// deleteAccount 从未激活的账户只在本地处理；已激活的先通知交易所，成功发送后才停用
func (o *Orchestrator) deleteAccount(ctx context.Context, account *model.ExchangeAccount) (string, error) {
	if !account.Active {
		if err := o.accounts.SetActive(ctx, account.ID, false); err != nil {
			return "", apperrors.Wrap(apperrors.CodeInternal, "Could not delete account", err)
		}
		opType, _ := model.AccountOperation(account.Exchange, model.AccountDelete)
		op, err := o.ledger.CreateCompleted(ctx, opType, model.AccountPayload{AccountID: account.ID}, true)
		if err != nil {
			return "", apperrors.Wrap(apperrors.CodeInternal, "Could not delete account", err)
		}
		o.record(ctx, audit.NewEntry(audit.EventAccountDeleted, account.ID).
			WithMembership(account.MembershipID).
			WithOperation(op.ID).
			WithParams(map[string]interface{}{"localOnly": true}).
			WithResult(nil))
		return op.ID, nil
	}

	opID, err := o.dispatch.DeleteAccount(ctx, account.Exchange, account.ID, model.AccountDelete)
	o.record(ctx, audit.NewEntry(audit.EventAccountDeleted, account.ID).
		WithMembership(account.MembershipID).
		WithOperation(opID).
		WithResult(err))
	if err != nil {
		return "", err
	}

	if err := o.accounts.SetActive(ctx, account.ID, false); err != nil {
		o.log.WithError(err).Errorf("[deleteAccount] Error deactivating account", logger.Fields{"accountId": account.ID})
		return opID, apperrors.Wrap(apperrors.CodeInternal, "deactivate exchange account", err)
	}
	return opID, nil
}

// UpdateAccount 替换凭证。已激活发送 update，未激活发送 create；
// 发送失败时凭证被清除并强制停用。
func (o *Orchestrator) UpdateAccount(ctx context.Context, accountID, apiKey, apiSecret string) (string, error) {
	account, err := o.findAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if err := o.ensureIdle(ctx, accountID); err != nil {
		return "", err
	}

	if err := o.accounts.UpdateCredentials(ctx, accountID, apiKey, apiSecret); err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "Unable to update "+string(account.Exchange)+" account", err)
	}

	var opID string
	if account.Active {
		opID, err = o.dispatch.UpdateAccount(ctx, account.Exchange, accountID, apiKey, apiSecret)
	} else {
		opID, err = o.dispatch.CreateAccount(ctx, account.Exchange, accountID, apiKey, apiSecret)
	}
	o.record(ctx, audit.NewEntry(audit.EventAccountUpdated, accountID).
		WithMembership(account.MembershipID).
		WithOperation(opID).
		WithParams(map[string]interface{}{"apiKey": apiKey, "apiSecret": apiSecret, "wasActive": account.Active}).
		WithResult(err))
	if err != nil {
		o.scrub(ctx, accountID, "[updateAccount]")
		return "", err
	}
	return opID, nil
}

// ToggleActive 激活或停用账户，需要已配置凭证
func (o *Orchestrator) ToggleActive(ctx context.Context, accountID string) (string, error) {
	account, err := o.findAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if err := o.ensureIdle(ctx, accountID); err != nil {
		return "", err
	}
	if !account.HasCredentials() {
		return "", apperrors.ErrCredentialsRequired
	}

	var opID string
	if account.Active {
		opID, err = o.dispatch.DeleteAccount(ctx, account.Exchange, accountID, model.AccountDisable)
	} else {
		opID, err = o.dispatch.CreateAccount(ctx, account.Exchange, accountID, *account.APIKey, *account.APISecret)
	}
	o.record(ctx, audit.NewEntry(audit.EventAccountToggled, accountID).
		WithMembership(account.MembershipID).
		WithOperation(opID).
		WithParams(map[string]interface{}{"activate": !account.Active}).
		WithResult(err))
	if err != nil {
		return "", err
	}
	return opID, nil
}

// DeleteAccountsForMembership 会员离开分组时删除其全部账户
func (o *Orchestrator) DeleteAccountsForMembership(ctx context.Context, membershipID string) ([]AccountResult, error) {
	accounts, err := o.accounts.ListByMembership(ctx, membershipID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "list exchange accounts", err)
	}
	if len(accounts) == 0 {
		return nil, nil
	}

	byID := make(map[string]*model.ExchangeAccount, len(accounts))
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}

	results := o.fanOutAccounts(ctx, ids, func(ctx context.Context, id string) (string, error) {
		return o.deleteAccount(ctx, byID[id])
	})
	for _, r := range results {
		if r.Error != "" {
			o.log.Warnf("[deleteAccountsForMembership] Account delete failed", logger.Fields{
				"membershipId": membershipID,
				"accountId":    r.AccountID,
				"error":        r.Error,
			})
		}
	}
	return results, nil
}

func (o *Orchestrator) findAccount(ctx context.Context, accountID string) (*model.ExchangeAccount, error) {
	account, err := o.accounts.Find(ctx, accountID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, apperrors.ErrAccountNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "get exchange account", err)
	}
	return account, nil
}

func (o *Orchestrator) ensureIdle(ctx context.Context, accountID string) error {
	pending, err := o.ledger.HasPending(ctx, accountID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "check pending operations", err)
	}
	if pending {
		return apperrors.ErrAccountBusy
	}
	return nil
}

func (o *Orchestrator) scrub(ctx context.Context, accountID, op string) {
	if err := o.accounts.ScrubCredentials(ctx, accountID); err != nil {
		o.log.WithError(err).Errorf(op+" Error scrubbing credentials", logger.Fields{"accountId": accountID})
		return
	}
	o.record(ctx, audit.NewEntry(audit.EventCredentialsScrubbed, accountID).WithResult(nil))
}
