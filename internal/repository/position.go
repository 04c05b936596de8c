package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/exchange/orchestrator/internal/model"
)

const positionColumns = `id, exchange_account_id, exchange, symbol, side, is_open, quantity, avg_price,
		       mark_price, margin, maintenance_margin, leverage, created_at, updated_at`

// PositionRepository positions 仓储
type PositionRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPositionRepository 创建仓储
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db, now: time.Now}
}

// Find 按 (account, symbol) 查询
func (r *PositionRepository) Find(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE exchange_account_id = $1 AND symbol = $2
	`
	p, err := scanPosition(r.db.QueryRowContext(ctx, query, accountID, symbol))
	if err == sql.ErrNoRows {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// Save 写入合并后的持仓。
//
// previous 为空时插入，唯一键冲突返回 ErrPositionConflict；
// 否则按 previous.UpdatedAt 做乐观更新，行已被改动时同样返回 ErrPositionConflict。
func (r *PositionRepository) Save(ctx context.Context, p *model.Position, previous *model.Position) error {
	now := r.now().UTC()
	if previous == nil {
		return r.insert(ctx, p, now)
	}

	query := `
		UPDATE positions
		SET side = $1, is_open = $2, quantity = $3, avg_price = $4, mark_price = $5,
		    margin = $6, maintenance_margin = $7, leverage = $8, updated_at = $9
		WHERE id = $10 AND updated_at = $11
	`
	result, err := r.db.ExecContext(ctx, query,
		string(p.Side), p.IsOpen, nullFloat(p.Quantity), nullFloat(p.AvgPrice), nullFloat(p.MarkPrice),
		nullFloat(p.Margin), nullFloat(p.MaintenanceMargin), nullFloat(p.Leverage), now,
		previous.ID, previous.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPositionConflict
	}
	p.UpdatedAt = now
	return nil
}

func (r *PositionRepository) insert(ctx context.Context, p *model.Position, now time.Time) error {
	query := `
		INSERT INTO positions
		(exchange_account_id, exchange, symbol, side, is_open, quantity, avg_price, mark_price,
		 margin, maintenance_margin, leverage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (exchange_account_id, symbol) DO NOTHING
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		p.ExchangeAccountID, string(p.Exchange), p.Symbol, string(p.Side), p.IsOpen,
		nullFloat(p.Quantity), nullFloat(p.AvgPrice), nullFloat(p.MarkPrice),
		nullFloat(p.Margin), nullFloat(p.MaintenanceMargin), nullFloat(p.Leverage), now,
	).Scan(&p.ID)
	if err == sql.ErrNoRows {
		return ErrPositionConflict
	}
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

func scanPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var exchange, side string
	var qty, avgPrice, markPrice, margin, maint, leverage sql.NullFloat64

	if err := row.Scan(
		&p.ID, &p.ExchangeAccountID, &exchange, &p.Symbol, &side, &p.IsOpen, &qty, &avgPrice,
		&markPrice, &margin, &maint, &leverage, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	p.Exchange = model.Exchange(exchange)
	p.Side = model.PositionSide(side)
	p.Quantity = floatPtr(qty)
	p.AvgPrice = floatPtr(avgPrice)
	p.MarkPrice = floatPtr(markPrice)
	p.Margin = floatPtr(margin)
	p.MaintenanceMargin = floatPtr(maint)
	p.Leverage = floatPtr(leverage)
	return &p, nil
}
