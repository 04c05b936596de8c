package model

import (
	"encoding/json"
	"fmt"
)

// Payload 命令参数。每种操作类型对应一个固定的变体，持久化时原样保存。
type Payload interface {
	// TargetAccount 命令所属的交易所账户
	TargetAccount() string
	isPayload()
}

// AccountCredentialsPayload 创建或更新账户
type AccountCredentialsPayload struct {
	AccountID string `json:"accountId"`
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
}

// AccountPayload 删除、停用或清理账户
type AccountPayload struct {
	AccountID string `json:"accountId"`
}

// OrderLeg 随命令发送的一条订单腿
type OrderLeg struct {
	ID                  int64            `json:"id"`
	ClOrderID           string           `json:"clOrderId"`
	Symbol              string           `json:"symbol"`
	Side                OrderSide        `json:"side"`
	OrderType           OrderType        `json:"orderType"`
	CloseOrder          bool             `json:"closeOrder"`
	Price               *float64         `json:"price"`
	Quantity            *float64         `json:"quantity"`
	StopPrice           *float64         `json:"stopPrice"`
	Leverage            *float64         `json:"leverage"`
	StopTriggerType     *StopTriggerType `json:"stopTriggerType"`
	TrailingStopPercent *float64         `json:"trailingStopPercent"`
	Percent             *float64         `json:"percent"`
}

// OrderLegsPayload 创建订单组，或以订单方式平仓
type OrderLegsPayload struct {
	AccountID string               `json:"accountId"`
	Orders    map[LegName]OrderLeg `json:"orders"`
}

// OrderRefPayload 更新或撤销订单，OrderID 为交易所订单号
type OrderRefPayload struct {
	AccountID string `json:"accountId"`
	OrderID   string `json:"orderId"`
}

// ClosePositionPayload 按比例平仓
type ClosePositionPayload struct {
	AccountID string   `json:"accountId"`
	Symbol    string   `json:"symbol"`
	Price     *float64 `json:"price"`
	Percent   *float64 `json:"percent"`
}

// AddStopPayload 给持仓加止损
type AddStopPayload struct {
	AccountID            string           `json:"accountId"`
	Symbol               string           `json:"symbol"`
	StopPrice            float64          `json:"stopPrice"`
	StopTriggerPriceType *StopTriggerType `json:"stopTriggerPriceType"`
}

// AddTslPayload 给持仓加追踪止损
type AddTslPayload struct {
	AccountID            string           `json:"accountId"`
	Symbol               string           `json:"symbol"`
	TslPercent           float64          `json:"tslPercent"`
	StopTriggerPriceType *StopTriggerType `json:"stopTriggerPriceType"`
}

func (p AccountCredentialsPayload) TargetAccount() string { return p.AccountID }
func (p AccountPayload) TargetAccount() string { return p.AccountID }
func (p OrderLegsPayload) TargetAccount() string { return p.AccountID }
func (p OrderRefPayload) TargetAccount() string { return p.AccountID }
func (p ClosePositionPayload) TargetAccount() string { return p.AccountID }
func (p AddStopPayload) TargetAccount() string { return p.AccountID }
func (p AddTslPayload) TargetAccount() string { return p.AccountID }

func (AccountCredentialsPayload) isPayload() {}
func (AccountPayload) isPayload() {}
func (OrderLegsPayload) isPayload() {}
func (OrderRefPayload) isPayload() {}
func (ClosePositionPayload) isPayload() {}
func (AddStopPayload) isPayload() {}
func (AddTslPayload) isPayload() {}

// DecodePayload 按操作类型解析持久化的 payload
func DecodePayload(opType OperationType, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload for %s", opType)
	}

	var (
		p   Payload
		err error
	)
	switch opType {
	case OpCreateBitmexAccount, OpUpdateBitmexAccount, OpCreateBinanceAccount, OpUpdateBinanceAccount:
		p, err = decodeAs[AccountCredentialsPayload](raw)
	case OpDeleteBitmexAccount, OpDisableBitmexAccount, OpClearBitmexNode,
		OpDeleteBinanceAccount, OpDisableBinanceAccount:
		p, err = decodeAs[AccountPayload](raw)
	case OpCreateBitmexOrder:
		p, err = decodeAs[OrderLegsPayload](raw)
	case OpUpdateBitmexOrder, OpCancelBitmexOrder:
		p, err = decodeAs[OrderRefPayload](raw)
	case OpCloseBitmexPosition:
		var probe struct {
			Orders json.RawMessage `json:"orders"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", opType, err)
		}
		if len(probe.Orders) > 0 && string(probe.Orders) != "null" {
			p, err = decodeAs[OrderLegsPayload](raw)
		} else {
			p, err = decodeAs[ClosePositionPayload](raw)
		}
	case OpAddStopBitmexPosition:
		p, err = decodeAs[AddStopPayload](raw)
	case OpAddTslBitmexPosition:
		p, err = decodeAs[AddTslPayload](raw)
	default:
		return nil, fmt.Errorf("unknown operation type %q", opType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", opType, err)
	}
	return p, nil
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
