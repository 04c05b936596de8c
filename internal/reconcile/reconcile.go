// Package reconcile 把交易所事件合并进本地订单与持仓。
//
// 这里只有纯函数：给定本地当前状态与一条事件，决定要写入什么。
// 订单按远端时间戳做后写者胜；持仓按字段做部分合并。
package reconcile

import (
	"time"

	"github.com/exchange/orchestrator/internal/model"
)

// MapStatus 把交易所状态字符串映射为本地订单状态，未知状态视为 NEW
func MapStatus(remote string) model.OrderStatus {
	switch remote {
	case "Filled":
		return model.OrderStatusFilled
	case "PartiallyFilled":
		return model.OrderStatusPartiallyFilled
	case "Canceled":
		return model.OrderStatusCanceled
	case "Rejected":
		return model.OrderStatusRejected
	default:
		return model.OrderStatusNew
	}
}

// Outcome 一条订单事件的处理结论
type Outcome int

const (
	// OutcomeApply 写入 Patch
	OutcomeApply Outcome = iota
	// OutcomeStale 事件不比本地新，丢弃
	OutcomeStale
)

func (o Outcome) String() string {
	if o == OutcomeStale {
		return "stale"
	}
	return "apply"
}

// OrderPatch 要写入订单的字段，nil 表示保持不变
type OrderPatch struct {
	Status         *model.OrderStatus
	RemoteOrderID  *string
	Quantity       *float64
	FilledQty      *float64
	Price          *float64
	AvgPrice       *float64
	StopPrice      *float64
	PegOffsetValue *float64
	LastTimestamp  *time.Time
}

// PlanOrderUpdate 根据本地订单与事件计算写入内容
//
// 规则：
//   - 本地已有时间戳且不早于事件时间戳：过期，不写
//   - 本地为终态而事件为非终态：只推进时间戳，状态不回退
//   - 事件为 CANCELED / REJECTED：只写状态与时间戳
//   - 其余：写入事件中所有非空字段与时间戳
func PlanOrderUpdate(existing *model.Order, ev model.OrderEvent) (OrderPatch, Outcome) {
	if !IsNewer(existing.LastTimestamp, ev.Timestamp) {
		return OrderPatch{}, OutcomeStale
	}

	var ts *time.Time
	if !ev.Timestamp.IsZero() {
		t := ev.Timestamp.Time
		ts = &t
	}

	status := MapStatus(ev.Status)

	if existing.Status.IsTerminal() && !status.IsTerminal() {
		return OrderPatch{LastTimestamp: ts}, OutcomeApply
	}

	if status == model.OrderStatusCanceled || status == model.OrderStatusRejected {
		return OrderPatch{Status: &status, LastTimestamp: ts}, OutcomeApply
	}

	return OrderPatch{
		Status:         &status,
		RemoteOrderID:  ev.RemoteOrderID,
		Quantity:       ev.OrderQty,
		FilledQty:      ev.Filled,
		Price:          ev.Price,
		AvgPrice:       ev.AvgPrice,
		StopPrice:      ev.StopPrice,
		PegOffsetValue: ev.PegOffsetValue,
		LastTimestamp:  ts,
	}, OutcomeApply
}

// IsNewer 事件时间是否严格晚于本地时间
//
// 本地为空时任何事件都算新；本地非空而事件没有时间戳时无法判断，视为不新。
func IsNewer(stored *time.Time, ev model.EventTime) bool {
	if stored == nil {
		return true
	}
	if ev.IsZero() {
		return false
	}
	return ev.After(*stored)
}

// Apply 把 Patch 应用到内存中的订单
func (p OrderPatch) Apply(o *model.Order) {
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.RemoteOrderID != nil {
		o.RemoteOrderID = p.RemoteOrderID
	}
	if p.Quantity != nil {
		o.Quantity = p.Quantity
	}
	if p.FilledQty != nil {
		o.FilledQty = p.FilledQty
	}
	if p.Price != nil {
		o.Price = p.Price
	}
	if p.AvgPrice != nil {
		o.AvgPrice = p.AvgPrice
	}
	if p.StopPrice != nil {
		o.StopPrice = p.StopPrice
	}
	if p.PegOffsetValue != nil {
		o.PegOffsetValue = p.PegOffsetValue
	}
	if p.LastTimestamp != nil {
		o.LastTimestamp = p.LastTimestamp
	}
}

// MergePosition 把持仓事件合并到当前持仓，existing 为空时新建
//
// 事件中缺失的字段保留原值；方向总是按合并后的数量重新计算，
// 数量缺失或非负为 LONG，负数为 SHORT。
func MergePosition(existing *model.Position, accountID string, exchange model.Exchange, ev model.PositionEvent) model.Position {
	var p model.Position
	if existing != nil {
		p = *existing
	} else {
		p = model.Position{
			ExchangeAccountID: accountID,
			Exchange:          exchange,
			Symbol:            ev.Symbol,
		}
	}

	if ev.IsOpen != nil {
		p.IsOpen = *ev.IsOpen
	}
	p.Quantity = pick(ev.CurrentQuantity, p.Quantity)
	p.Leverage = pick(ev.Leverage, p.Leverage)
	p.MarkPrice = pick(ev.MarkPrice, p.MarkPrice)
	p.Margin = pick(ev.Margin, p.Margin)
	p.AvgPrice = pick(ev.AverageEntryPrice, p.AvgPrice)
	p.MaintenanceMargin = pick(ev.MaintenanceMargin, p.MaintenanceMargin)
	p.Side = SideOf(p.Quantity)
	return p
}

// SideOf 数量的符号决定方向
func SideOf(qty *float64) model.PositionSide {
	if qty != nil && *qty < 0 {
		return model.PositionSideShort
	}
	return model.PositionSideLong
}

func pick(incoming, current *float64) *float64 {
	if incoming != nil {
		v := *incoming
		return &v
	}
	return current
}
