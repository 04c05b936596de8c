package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestResultErrorsNormalization(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		want  string
		keyed bool
	}{
		{name: "list", raw: `["Insufficient margin","Invalid price"]`, want: "Insufficient margin - Invalid price"},
		{name: "map", raw: `{"stop":"Invalid stopPx","main":"Insufficient margin"}`, want: "main: Insufficient margin - stop: Invalid stopPx", keyed: true},
		{name: "null", raw: `null`, want: ""},
		{name: "single string", raw: `"Account disabled"`, want: "Account disabled"},
		{name: "list with null", raw: `[null,"x"]`, want: "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e ResultErrors
			if err := json.Unmarshal([]byte(tt.raw), &e); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := e.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
			if (e.Keyed() != nil) != tt.keyed {
				t.Fatalf("Keyed() = %v", e.Keyed())
			}
			if e.Empty() != (tt.want == "") {
				t.Fatalf("Empty() = %v", e.Empty())
			}
		})
	}
}

func TestListErrorsSkipsEmpty(t *testing.T) {
	if !ListErrors("").Empty() {
		t.Fatal("expected empty errors")
	}
	if got := ListErrors("a", "", "b").String(); got != "a - b" {
		t.Fatalf("got %q", got)
	}
}

func TestEventTimeFormats(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	inputs := []string{
		`"2024-03-01T12:00:00.500Z"`,
		`1709294400500`,
		`"1709294400500"`,
	}
	for _, in := range inputs {
		var ts EventTime
		if err := json.Unmarshal([]byte(in), &ts); err != nil {
			t.Fatalf("%s: unmarshal: %v", in, err)
		}
		if !ts.Equal(want) {
			t.Fatalf("%s: got %s, want %s", in, ts.Time, want)
		}
	}

	var empty EventTime
	if err := json.Unmarshal([]byte(`null`), &empty); err != nil || !empty.IsZero() {
		t.Fatalf("null should decode to zero time, got %v %v", empty, err)
	}
	var bad EventTime
	if err := json.Unmarshal([]byte(`"yesterday"`), &bad); err == nil {
		t.Fatal("expected error for unparseable timestamp")
	}
}

func TestDecodePayloadPicksVariant(t *testing.T) {
	tests := []struct {
		op   OperationType
		raw  string
		want Payload
	}{
		{OpCreateBitmexAccount, `{"accountId":"a","apiKey":"k","apiSecret":"s"}`, AccountCredentialsPayload{AccountID: "a", APIKey: "k", APISecret: "s"}},
		{OpDisableBinanceAccount, `{"accountId":"a"}`, AccountPayload{AccountID: "a"}},
		{OpCancelBitmexOrder, `{"accountId":"a","orderId":"r-1"}`, OrderRefPayload{AccountID: "a", OrderID: "r-1"}},
	}
	for _, tt := range tests {
		got, err := DecodePayload(tt.op, []byte(tt.raw))
		if err != nil {
			t.Fatalf("%s: %v", tt.op, err)
		}
		if got != tt.want {
			t.Fatalf("%s: got %#v, want %#v", tt.op, got, tt.want)
		}
	}
}

func TestDecodeClosePositionPayload(t *testing.T) {
	legs, err := DecodePayload(OpCloseBitmexPosition, []byte(`{"accountId":"a","orders":{"main":{"id":7,"clOrderId":"x_order","closeOrder":true}}}`))
	if err != nil {
		t.Fatalf("decode legs: %v", err)
	}
	lp, ok := legs.(OrderLegsPayload)
	if !ok || lp.Orders[LegMain].ID != 7 {
		t.Fatalf("expected order legs payload, got %#v", legs)
	}

	byPercent, err := DecodePayload(OpCloseBitmexPosition, []byte(`{"accountId":"a","symbol":"XBTUSD","percent":50}`))
	if err != nil {
		t.Fatalf("decode percent: %v", err)
	}
	cp, ok := byPercent.(ClosePositionPayload)
	if !ok || cp.Symbol != "XBTUSD" || *cp.Percent != 50 {
		t.Fatalf("expected close position payload, got %#v", byPercent)
	}

	if _, err := DecodePayload("NOPE", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown operation type")
	}
}

func TestStatusAndSideHelpers(t *testing.T) {
	if !OrderStatusCanceled.IsTerminal() || OrderStatusPartiallyFilled.IsTerminal() {
		t.Fatal("unexpected terminal classification")
	}
	if !OrderStatusPartiallyFilled.IsCancelable() || OrderStatusFilled.IsCancelable() {
		t.Fatal("unexpected cancelable classification")
	}
	if OrderSideBuy.Opposite() != OrderSideSell || OrderSideSell.Opposite() != OrderSideBuy {
		t.Fatal("unexpected opposite side")
	}
	if LegTsl.ClOrderSuffix() != "_tsl" || LegMain.ClOrderSuffix() != "_order" {
		t.Fatal("unexpected leg suffix")
	}
	if op, ok := AccountOperation(ExchangeBinance, AccountClear); ok {
		t.Fatalf("binance has no clear node operation, got %s", op)
	}
	if op, _ := AccountOperation(ExchangeBitmex, AccountDisable); op != OpDisableBitmexAccount {
		t.Fatalf("got %s", op)
	}
}
