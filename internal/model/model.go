// Package model 领域模型：异步操作、订单、持仓、交易所账户
package model

import "time"

// Exchange 交易所
type Exchange string

const (
	ExchangeBitmex  Exchange = "BITMEX"
	ExchangeBinance Exchange = "BINANCE"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal 终态订单不会再变化
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// IsCancelable 只有未完成的订单可以撤销
func (s OrderStatus) IsCancelable() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// OrderSide 买卖方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite 反方向，用于止损与追踪止损腿
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// PositionSide 持仓方向
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// StopTriggerType 止损触发价格类型
type StopTriggerType string

const (
	StopTriggerLastPrice  StopTriggerType = "LAST_PRICE"
	StopTriggerMarkPrice  StopTriggerType = "MARK_PRICE"
	StopTriggerIndexPrice StopTriggerType = "INDEX_PRICE"
)

// StopOrderType 按止损方式区分订单，用于按类型批量撤单
type StopOrderType string

const (
	StopOrderNone     StopOrderType = "NONE"
	StopOrderLimit    StopOrderType = "STOP_LIMIT"
	StopOrderTrailing StopOrderType = "TRAILING_STOP"
)

// LegName 一组订单中的腿
type LegName string

const (
	LegMain LegName = "main"
	LegStop LegName = "stop"
	LegTsl  LegName = "tsl"
)

// ClOrderSuffix 客户端订单号后缀
func (l LegName) ClOrderSuffix() string {
	switch l {
	case LegMain:
		return "_order"
	case LegStop:
		return "_stop"
	case LegTsl:
		return "_tsl"
	default:
		return "_" + string(l)
	}
}

// AsyncOperation 一条发往交易所的命令及其结果
type AsyncOperation struct {
	ID        string
	Type      OperationType
	Payload   Payload
	Complete  bool
	Success   bool
	Error     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExchangeAccount 会员在某个交易所的 API 凭证
type ExchangeAccount struct {
	ID           string
	MembershipID string
	Exchange     Exchange
	APIKey       *string
	APISecret    *string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasCredentials 是否同时配置了 key 与 secret
func (a *ExchangeAccount) HasCredentials() bool {
	return a.APIKey != nil && *a.APIKey != "" && a.APISecret != nil && *a.APISecret != ""
}

// Order 本地订单，远端状态通过事件回写
type Order struct {
	ID                  int64
	ClOrderID           string
	RemoteOrderID       *string
	ExchangeAccountID   string
	OrderSetID          string
	Exchange            Exchange
	Symbol              string
	Side                OrderSide
	OrderType           OrderType
	CloseOrder          bool
	Status              OrderStatus
	Quantity            *float64
	FilledQty           *float64
	Price               *float64
	AvgPrice            *float64
	StopPrice           *float64
	PegOffsetValue      *float64
	TrailingStopPercent *float64
	Leverage            *float64
	StopTriggerType     *StopTriggerType
	Error               *string
	LastTimestamp       *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// StopOrderType 追踪止损优先于止损价
func (o *Order) StopOrderType() StopOrderType {
	switch {
	case o.TrailingStopPercent != nil:
		return StopOrderTrailing
	case o.StopPrice != nil:
		return StopOrderLimit
	default:
		return StopOrderNone
	}
}

// Position 账户在某个合约上的持仓，(ExchangeAccountID, Symbol) 唯一
type Position struct {
	ID                int64
	ExchangeAccountID string
	Exchange          Exchange
	Symbol            string
	Side              PositionSide
	IsOpen            bool
	Quantity          *float64
	AvgPrice          *float64
	MarkPrice         *float64
	Margin            *float64
	MaintenanceMargin *float64
	Leverage          *float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
