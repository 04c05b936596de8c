package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/exchange/orchestrator/internal/model"
)

const accountColumns = `id, membership_id, exchange, api_key, api_secret, active, created_at, updated_at`

// AccountRepository exchange_accounts 仓储
type AccountRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewAccountRepository 创建仓储
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db, now: time.Now}
}

// Create 插入账户，(exchange, membership) 冲突返回 ErrAccountExists
func (r *AccountRepository) Create(ctx context.Context, a *model.ExchangeAccount) error {
	now := r.now().UTC()
	query := `
		INSERT INTO exchange_accounts
		(id, membership_id, exchange, api_key, api_secret, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.MembershipID, string(a.Exchange), nullString(a.APIKey), nullString(a.APISecret),
		a.Active, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("insert exchange account: %w", err)
	}
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

// Find 按 id 查询
func (r *AccountRepository) Find(ctx context.Context, id string) (*model.ExchangeAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM exchange_accounts WHERE id = $1`
	return r.findOne(ctx, query, id)
}

// FindByMembership 会员在某交易所的账户
func (r *AccountRepository) FindByMembership(ctx context.Context, membershipID string, exchange model.Exchange) (*model.ExchangeAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM exchange_accounts WHERE membership_id = $1 AND exchange = $2`
	return r.findOne(ctx, query, membershipID, string(exchange))
}

// ListByMembership 会员的全部账户
func (r *AccountRepository) ListByMembership(ctx context.Context, membershipID string) ([]*model.ExchangeAccount, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM exchange_accounts
		WHERE membership_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, membershipID)
	if err != nil {
		return nil, fmt.Errorf("list exchange accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.ExchangeAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exchange account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchange accounts: %w", err)
	}
	return accounts, nil
}

// SetActive 修改激活状态
func (r *AccountRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE exchange_accounts SET active = $1, updated_at = $2 WHERE id = $3`
	return r.exec(ctx, "set account active", query, active, r.now().UTC(), id)
}

// UpdateCredentials 替换 API 凭证
func (r *AccountRepository) UpdateCredentials(ctx context.Context, id, apiKey, apiSecret string) error {
	query := `UPDATE exchange_accounts SET api_key = $1, api_secret = $2, updated_at = $3 WHERE id = $4`
	return r.exec(ctx, "update account credentials", query, apiKey, apiSecret, r.now().UTC(), id)
}

// ScrubCredentials 清除凭证并停用
func (r *AccountRepository) ScrubCredentials(ctx context.Context, id string) error {
	query := `
		UPDATE exchange_accounts
		SET api_key = NULL, api_secret = NULL, active = false, updated_at = $1
		WHERE id = $2
	`
	return r.exec(ctx, "scrub account credentials", query, r.now().UTC(), id)
}

func (r *AccountRepository) exec(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *AccountRepository) findOne(ctx context.Context, query string, args ...interface{}) (*model.ExchangeAccount, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exchange account: %w", err)
	}
	return a, nil
}

func scanAccount(row scanner) (*model.ExchangeAccount, error) {
	var a model.ExchangeAccount
	var exchange string
	var apiKey, apiSecret sql.NullString

	if err := row.Scan(
		&a.ID, &a.MembershipID, &exchange, &apiKey, &apiSecret, &a.Active, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}

	a.Exchange = model.Exchange(exchange)
	a.APIKey = stringPtr(apiKey)
	a.APISecret = stringPtr(apiSecret)
	return &a, nil
}
