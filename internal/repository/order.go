package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/exchange/orchestrator/internal/model"
	"github.com/exchange/orchestrator/internal/reconcile"
)

const orderColumns = `id, cl_order_id, remote_order_id, exchange_account_id, order_set_id, exchange,
		       symbol, side, order_type, close_order, status, quantity, filled_qty, price, avg_price,
		       stop_price, peg_offset_value, trailing_stop_percent, leverage, stop_trigger_type,
		       error, last_timestamp, created_at, updated_at`

// OrderRepository orders 仓储
type OrderRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewOrderRepository 创建仓储
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db, now: time.Now}
}

// CreateOrders 在一个事务内插入订单组的所有腿
func (r *OrderRepository) CreateOrders(ctx context.Context, orders []*model.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders
		(id, cl_order_id, exchange_account_id, order_set_id, exchange, symbol, side, order_type,
		 close_order, status, quantity, price, stop_price, trailing_stop_percent, leverage,
		 stop_trigger_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
	`
	now := r.now().UTC()
	for _, o := range orders {
		var trigger sql.NullString
		if o.StopTriggerType != nil {
			trigger = sql.NullString{String: string(*o.StopTriggerType), Valid: true}
		}
		_, err := tx.ExecContext(ctx, query,
			o.ID, o.ClOrderID, o.ExchangeAccountID, o.OrderSetID, string(o.Exchange), o.Symbol,
			string(o.Side), string(o.OrderType), o.CloseOrder, string(o.Status),
			nullFloat(o.Quantity), nullFloat(o.Price), nullFloat(o.StopPrice),
			nullFloat(o.TrailingStopPercent), nullFloat(o.Leverage), trigger, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateClOrderID
			}
			return fmt.Errorf("insert order %s: %w", o.ClOrderID, err)
		}
		o.CreatedAt = now
		o.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit orders: %w", err)
	}
	return nil
}

// DeleteOrders 删除订单，创建流程回滚时使用
func (r *OrderRepository) DeleteOrders(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("delete orders: %w", err)
	}
	return nil
}

// FindByID 按本地 id 查询
func (r *OrderRepository) FindByID(ctx context.Context, id int64) (*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return r.findOne(ctx, query, id)
}

// FindByClOrderID 按客户端订单号查询
func (r *OrderRepository) FindByClOrderID(ctx context.Context, clOrderID string) (*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE cl_order_id = $1`
	return r.findOne(ctx, query, clOrderID)
}

// ListCancelable 查询订单组中仍可撤销的订单，types 为空时不按止损类型过滤
func (r *OrderRepository) ListCancelable(ctx context.Context, orderSetID string, types []model.StopOrderType) ([]*model.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE order_set_id = $1 AND status IN ($2, $3)` + stopTypeClause(types) + `
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, orderSetID,
		string(model.OrderStatusNew), string(model.OrderStatusPartiallyFilled))
	if err != nil {
		return nil, fmt.Errorf("list cancelable orders: %w", err)
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

func stopTypeClause(types []model.StopOrderType) string {
	seen := make(map[model.StopOrderType]bool, len(types))
	var parts []string
	for _, t := range types {
		if seen[t] {
			continue
		}
		seen[t] = true
		switch t {
		case model.StopOrderNone:
			parts = append(parts, "(stop_price IS NULL AND trailing_stop_percent IS NULL)")
		case model.StopOrderLimit:
			parts = append(parts, "(stop_price IS NOT NULL AND trailing_stop_percent IS NULL)")
		case model.StopOrderTrailing:
			parts = append(parts, "trailing_stop_percent IS NOT NULL")
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return " AND (" + strings.Join(parts, " OR ") + ")"
}

func (r *OrderRepository) findOne(ctx context.Context, query string, arg interface{}) (*model.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ApplyPatch 条件写入。只在行的时间戳仍然早于 patch 时更新，
// 非终态 patch 不会覆盖终态。返回是否有行被更新。
func (r *OrderRepository) ApplyPatch(ctx context.Context, clOrderID string, patch reconcile.OrderPatch) (bool, error) {
	var (
		sets  []string
		conds = []string{"cl_order_id = $1"}
		args  = []interface{}{clOrderID}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if patch.Status != nil {
		sets = append(sets, "status = "+arg(string(*patch.Status)))
		if !patch.Status.IsTerminal() {
			conds = append(conds, "status NOT IN ('FILLED', 'CANCELED', 'REJECTED')")
		}
	}
	if patch.RemoteOrderID != nil {
		sets = append(sets, "remote_order_id = "+arg(*patch.RemoteOrderID))
	}
	for _, f := range []struct {
		column string
		value  *float64
	}{
		{"quantity", patch.Quantity},
		{"filled_qty", patch.FilledQty},
		{"price", patch.Price},
		{"avg_price", patch.AvgPrice},
		{"stop_price", patch.StopPrice},
		{"peg_offset_value", patch.PegOffsetValue},
	} {
		if f.value != nil {
			sets = append(sets, f.column+" = "+arg(*f.value))
		}
	}
	if patch.LastTimestamp != nil {
		p := arg(*patch.LastTimestamp)
		sets = append(sets, "last_timestamp = "+p)
		conds = append(conds, "(last_timestamp IS NULL OR last_timestamp < "+p+")")
	} else {
		conds = append(conds, "last_timestamp IS NULL")
	}
	sets = append(sets, "updated_at = "+arg(r.now().UTC()))

	query := "UPDATE orders SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(conds, " AND ")
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("apply order patch: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// Reject 把订单置为 REJECTED 并记录错误
func (r *OrderRepository) Reject(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE orders
		SET status = $1, error = $2, updated_at = $3
		WHERE id = $4
	`
	result, err := r.db.ExecContext(ctx, query, string(model.OrderStatusRejected), reason, r.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("reject order: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// SetErrorByRemoteID 按交易所订单号记录错误，状态不变
func (r *OrderRepository) SetErrorByRemoteID(ctx context.Context, remoteOrderID, reason string) error {
	query := `
		UPDATE orders
		SET error = $1, updated_at = $2
		WHERE remote_order_id = $3
	`
	result, err := r.db.ExecContext(ctx, query, reason, r.now().UTC(), remoteOrderID)
	if err != nil {
		return fmt.Errorf("set order error: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func scanOrder(row scanner) (*model.Order, error) {
	var o model.Order
	var exchange, side, orderType, status string
	var remoteID, trigger, errText sql.NullString
	var qty, filled, price, avgPrice, stopPrice, peg, tsl, leverage sql.NullFloat64
	var lastTs sql.NullTime

	if err := row.Scan(
		&o.ID, &o.ClOrderID, &remoteID, &o.ExchangeAccountID, &o.OrderSetID, &exchange,
		&o.Symbol, &side, &orderType, &o.CloseOrder, &status, &qty, &filled, &price, &avgPrice,
		&stopPrice, &peg, &tsl, &leverage, &trigger,
		&errText, &lastTs, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}

	o.Exchange = model.Exchange(exchange)
	o.Side = model.OrderSide(side)
	o.OrderType = model.OrderType(orderType)
	o.Status = model.OrderStatus(status)
	o.RemoteOrderID = stringPtr(remoteID)
	o.Quantity = floatPtr(qty)
	o.FilledQty = floatPtr(filled)
	o.Price = floatPtr(price)
	o.AvgPrice = floatPtr(avgPrice)
	o.StopPrice = floatPtr(stopPrice)
	o.PegOffsetValue = floatPtr(peg)
	o.TrailingStopPercent = floatPtr(tsl)
	o.Leverage = floatPtr(leverage)
	if trigger.Valid {
		t := model.StopTriggerType(trigger.String)
		o.StopTriggerType = &t
	}
	o.Error = stringPtr(errText)
	o.LastTimestamp = timePtr(lastTs)
	return &o, nil
}
