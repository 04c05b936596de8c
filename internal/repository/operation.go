package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/exchange/orchestrator/internal/model"
)

const operationColumns = `id, op_type, payload, complete, success, error, created_at, updated_at`

// OperationRepository async_operations 仓储
type OperationRepository struct {
	db *sql.DB
}

// NewOperationRepository 创建仓储
func NewOperationRepository(db *sql.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

// Create 插入一条操作记录
func (r *OperationRepository) Create(ctx context.Context, op *model.AsyncOperation) error {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO async_operations
		(id, op_type, payload, complete, success, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.ExecContext(ctx, query,
		op.ID, string(op.Type), payload, op.Complete, op.Success, nullString(op.Error),
		op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert async operation: %w", err)
	}
	return nil
}

// CompleteIfPending 把未完成的操作标记为完成，已完成时返回 ErrOperationNotPending
func (r *OperationRepository) CompleteIfPending(ctx context.Context, id string, success bool, errText *string, now time.Time) (*model.AsyncOperation, error) {
	query := `
		UPDATE async_operations
		SET complete = true, success = $2, error = $3, updated_at = $4
		WHERE id = $1 AND complete = false
		RETURNING ` + operationColumns
	op, err := scanOperation(r.db.QueryRowContext(ctx, query, id, success, nullString(errText), now))
	if err == sql.ErrNoRows {
		return nil, ErrOperationNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("complete async operation: %w", err)
	}
	return op, nil
}

// Get 按 id 查询
func (r *OperationRepository) Get(ctx context.Context, id string) (*model.AsyncOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM async_operations WHERE id = $1`
	op, err := scanOperation(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get async operation: %w", err)
	}
	return op, nil
}

// PendingForAccount 账户下未完成的操作
func (r *OperationRepository) PendingForAccount(ctx context.Context, accountID string) ([]*model.AsyncOperation, error) {
	query := `
		SELECT ` + operationColumns + `
		FROM async_operations
		WHERE payload ->> 'accountId' = $1 AND complete = false
		ORDER BY created_at
	`
	return r.queryOperations(ctx, query, accountID)
}

// ListStale 创建时间早于 before 仍未完成的操作
func (r *OperationRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*model.AsyncOperation, error) {
	query := `
		SELECT ` + operationColumns + `
		FROM async_operations
		WHERE complete = false AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`
	return r.queryOperations(ctx, query, before, limit)
}

func (r *OperationRepository) queryOperations(ctx context.Context, query string, args ...interface{}) ([]*model.AsyncOperation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query async operations: %w", err)
	}
	defer rows.Close()

	var ops []*model.AsyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan async operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate async operations: %w", err)
	}
	return ops, nil
}

func scanOperation(row scanner) (*model.AsyncOperation, error) {
	var op model.AsyncOperation
	var opType string
	var payload []byte
	var errText sql.NullString

	if err := row.Scan(
		&op.ID, &opType, &payload, &op.Complete, &op.Success, &errText, &op.CreatedAt, &op.UpdatedAt,
	); err != nil {
		return nil, err
	}

	op.Type = model.OperationType(opType)
	op.Error = stringPtr(errText)

	p, err := model.DecodePayload(op.Type, payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", op.ID, err)
	}
	op.Payload = p
	return &op, nil
}
