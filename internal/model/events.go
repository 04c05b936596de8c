package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EventTime 远端事件时间，接受 RFC3339 字符串或毫秒时间戳
type EventTime struct {
	time.Time
}

func (t *EventTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
		return t.fromMillis(s)
	}
	return t.fromMillis(string(b))
}

func (t *EventTime) fromMillis(s string) error {
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid event timestamp %q", s)
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

func (t EventTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// OrderEvent 交易所回报的订单快照
type OrderEvent struct {
	Status         string    `json:"status"`
	ClOrderID      string    `json:"clOrderId"`
	RemoteOrderID  *string   `json:"remoteOrderId"`
	OrderQty       *float64  `json:"orderQty"`
	Filled         *float64  `json:"filled"`
	Price          *float64  `json:"price"`
	AvgPrice       *float64  `json:"avgPrice"`
	StopPrice      *float64  `json:"stopPrice"`
	PegOffsetValue *float64  `json:"pegOffsetValue"`
	Timestamp      EventTime `json:"timestamp"`
}

// OperationResult order-created / position-closed 的结果包，Orders 以腿名为 key
type OperationResult struct {
	Success bool                  `json:"success"`
	Orders  map[string]OrderEvent `json:"orders"`
	Errors  ResultErrors          `json:"errors"`
}

// OrderUpdate order-updated 消息
type OrderUpdate struct {
	Order *OrderEvent `json:"order"`
}

// CancelResult order-canceled 消息
type CancelResult struct {
	Success bool        `json:"success"`
	Order   *OrderEvent `json:"order"`
	Error   *string     `json:"error"`
}

// PositionUpdate position-updated 消息，Positions 中每一项是 JSON 字符串
type PositionUpdate struct {
	Success   bool     `json:"success"`
	AccountID string   `json:"accountId"`
	Exchange  Exchange `json:"exchange"`
	Positions []string `json:"positions"`
	Error     *string  `json:"error"`
}

// PositionEvent 单个持仓快照，缺失字段表示未变化
type PositionEvent struct {
	Symbol            string   `json:"symbol"`
	IsOpen            *bool    `json:"is_open"`
	CurrentQuantity   *float64 `json:"current_quantity"`
	Leverage          *float64 `json:"leverage"`
	MarkPrice         *float64 `json:"mark_price"`
	Margin            *float64 `json:"margin"`
	AverageEntryPrice *float64 `json:"average_entry_price"`
	MaintenanceMargin *float64 `json:"maintenance_margin"`
}

// AccountResult 账户命令结果
type AccountResult struct {
	Success   bool    `json:"success"`
	AccountID string  `json:"accountId"`
	Error     *string `json:"error"`
}

// CommandResult 只带成功标志的结果，用于 add-stop / add-tsl
type CommandResult struct {
	Success bool         `json:"success"`
	Error   *string      `json:"error"`
	Errors  ResultErrors `json:"errors"`
}

// MembershipDeleted 会员被移出分组
type MembershipDeleted struct {
	MembershipID string `json:"membershipId"`
}

// ResultErrors 交易所返回的错误，可能是列表，也可能是 子ID -> 错误 的映射
type ResultErrors struct {
	list  []string
	keyed map[string]string
}

const errorSeparator = " - "

// ListErrors 构造列表形式的错误，空字符串会被忽略
func ListErrors(msgs ...string) ResultErrors {
	var out ResultErrors
	for _, m := range msgs {
		if m != "" {
			out.list = append(out.list, m)
		}
	}
	return out
}

// KeyedErrors 构造映射形式的错误
func KeyedErrors(m map[string]string) ResultErrors {
	return ResultErrors{keyed: m}
}

func (e *ResultErrors) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*e = ResultErrors{}
	if len(b) == 0 || string(b) == "null" {
		return nil
	}

	switch b[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		for _, item := range raw {
			if s := rawText(item); s != "" {
				e.list = append(e.list, s)
			}
		}
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		e.keyed = make(map[string]string, len(raw))
		for k, v := range raw {
			e.keyed[k] = rawText(v)
		}
	default:
		if s := rawText(b); s != "" {
			e.list = []string{s}
		}
	}
	return nil
}

func (e ResultErrors) MarshalJSON() ([]byte, error) {
	if e.keyed != nil {
		return json.Marshal(e.keyed)
	}
	if e.list != nil {
		return json.Marshal(e.list)
	}
	return []byte("null"), nil
}

func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

// Empty 没有任何错误
func (e ResultErrors) Empty() bool {
	return len(e.list) == 0 && len(e.keyed) == 0
}

// Keyed 映射形式的错误，列表形式返回 nil
func (e ResultErrors) Keyed() map[string]string {
	return e.keyed
}

// String 归一化为一行："a - b"，映射按 key 排序为 "key: value - key: value"
func (e ResultErrors) String() string {
	if len(e.keyed) > 0 {
		keys := make([]string, 0, len(e.keyed))
		for k := range e.keyed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+e.keyed[k])
		}
		return strings.Join(parts, errorSeparator)
	}
	return strings.Join(e.list, errorSeparator)
}
