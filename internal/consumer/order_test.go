package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/exchange/orchestrator/internal/model"
	commonredis "github.com/exchange/orchestrator/pkg/redis"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func legOrders() []*model.Order {
	return []*model.Order{
		{ID: 11, ClOrderID: "abc_order", ExchangeAccountID: "a-1", Side: model.OrderSideBuy, OrderType: model.OrderTypeLimit, Status: model.OrderStatusNew, Price: f64(50000)},
		{ID: 12, ClOrderID: "abc_stop", ExchangeAccountID: "a-1", Side: model.OrderSideSell, Status: model.OrderStatusNew, StopPrice: f64(48000)},
	}
}

func createOp(id string, complete bool) *model.AsyncOperation {
	return &model.AsyncOperation{
		ID:       id,
		Type:     model.OpCreateBitmexOrder,
		Complete: complete,
		Payload: model.OrderLegsPayload{
			AccountID: "a-1",
			Orders: map[model.LegName]model.OrderLeg{
				model.LegMain: {ID: 11, ClOrderID: "abc_order"},
				model.LegStop: {ID: 12, ClOrderID: "abc_stop"},
			},
		},
	}
}

// 市价主单在确认时已成交，止损腿仍挂着
func TestOrderCreatedFilledMainWithOpenStop(t *testing.T) {
	f := newFixture([]*model.AsyncOperation{createOp("op-2", false)}, legOrders())
	ctx := context.Background()

	created := map[string]interface{}{
		"success": true,
		"orders": map[string]interface{}{
			"main": map[string]interface{}{"status": "Filled", "clOrderId": "abc_order", "remoteOrderId": "r-main", "orderQty": 100, "filled": 100, "avgPrice": 50010, "timestamp": ms(t0)},
			"stop": map[string]interface{}{"status": "New", "clOrderId": "abc_stop", "remoteOrderId": "r-stop", "orderQty": 100, "stopPrice": 48000, "timestamp": ms(t0)},
		},
	}
	if d := f.h.OrderCreated(ctx, message(t, "op-2", created)); d != commonredis.Ack {
		t.Fatalf("orderCreated decision = %v", d)
	}
	if op := f.ledger.get("op-2"); !op.Complete || !op.Success {
		t.Fatalf("operation = %+v", op)
	}

	main := f.orders.get("abc_order")
	if main.Status != model.OrderStatusFilled || main.FilledQty == nil || *main.FilledQty != 100 {
		t.Fatalf("main leg = %+v", main)
	}
	if main.AvgPrice == nil || *main.AvgPrice != 50010 || *main.RemoteOrderID != "r-main" {
		t.Fatalf("main leg prices = %+v", main)
	}

	stop := f.orders.get("abc_stop")
	if stop.Status != model.OrderStatusNew || *stop.RemoteOrderID != "r-stop" {
		t.Fatalf("stop leg = %+v", stop)
	}
	if stop.FilledQty != nil || stop.AvgPrice != nil || *stop.StopPrice != 48000 {
		t.Fatalf("stop leg should stay unfilled, got %+v", stop)
	}
}

// 限价买单带止损：两条腿先被确认，之后止损腿按更新推进
func TestBuyLimitWithStopScenario(t *testing.T) {
	f := newFixture([]*model.AsyncOperation{createOp("op-1", false)}, legOrders())
	ctx := context.Background()

	created := map[string]interface{}{
		"success": true,
		"orders": map[string]interface{}{
			"main": map[string]interface{}{"status": "New", "clOrderId": "abc_order", "remoteOrderId": "r-main", "orderQty": 100, "price": 50000, "timestamp": ms(t0)},
			"stop": map[string]interface{}{"status": "New", "clOrderId": "abc_stop", "remoteOrderId": "r-stop", "orderQty": 100, "stopPrice": 48000, "timestamp": ms(t0)},
		},
	}
	if d := f.h.OrderCreated(ctx, message(t, "op-1", created)); d != commonredis.Ack {
		t.Fatalf("orderCreated decision = %v", d)
	}
	op := f.ledger.get("op-1")
	if !op.Complete || !op.Success || op.Error != nil {
		t.Fatalf("operation = %+v", op)
	}
	main := f.orders.get("abc_order")
	if main.RemoteOrderID == nil || *main.RemoteOrderID != "r-main" || main.LastTimestamp == nil {
		t.Fatalf("main leg = %+v", main)
	}

	fill := map[string]interface{}{"order": map[string]interface{}{
		"status": "Filled", "clOrderId": "abc_order", "filled": 100, "avgPrice": 49990, "timestamp": ms(t0.Add(time.Second)),
	}}
	if d := f.h.OrderUpdated(ctx, message(t, "", fill)); d != commonredis.Ack {
		t.Fatalf("orderUpdated decision = %v", d)
	}
	main = f.orders.get("abc_order")
	if main.Status != model.OrderStatusFilled || *main.FilledQty != 100 || *main.AvgPrice != 49990 {
		t.Fatalf("main after fill = %+v", main)
	}
	if *main.Price != 50000 {
		t.Fatalf("price should be kept, got %v", *main.Price)
	}

	triggered := map[string]interface{}{"order": map[string]interface{}{
		"status": "Canceled", "clOrderId": "abc_stop", "filled": 5, "timestamp": ms(t0.Add(2 * time.Second)),
	}}
	if d := f.h.OrderUpdated(ctx, message(t, "", triggered)); d != commonredis.Ack {
		t.Fatalf("stop update decision = %v", d)
	}
	stop := f.orders.get("abc_stop")
	if stop.Status != model.OrderStatusCanceled {
		t.Fatalf("stop status = %s", stop.Status)
	}
	if stop.FilledQty != nil {
		t.Fatal("cancel must only write status and timestamp")
	}
}

func TestOrderCreatedRequiresCorrelation(t *testing.T) {
	f := newFixture(nil, legOrders())

	if d := f.h.OrderCreated(context.Background(), message(t, "", `{"success":true}`)); d != commonredis.Drop {
		t.Fatalf("decision = %v, want drop", d)
	}
	if d := f.h.OrderCreated(context.Background(), message(t, "op-x", `{"success":true}`)); d != commonredis.Drop {
		t.Fatalf("unknown operation decision = %v, want drop", d)
	}
	if d := f.h.OrderCreated(context.Background(), message(t, "op-x", `{not json`)); d != commonredis.Drop {
		t.Fatalf("malformed decision = %v, want drop", d)
	}
}

func TestOrderCreatedKeyedErrorsRejectLeg(t *testing.T) {
	f := newFixture([]*model.AsyncOperation{createOp("op-1", false)}, legOrders())

	body := `{"success":false,"errors":{"stop":"Invalid stopPx"}}`
	if d := f.h.OrderCreated(context.Background(), message(t, "op-1", body)); d != commonredis.Ack {
		t.Fatalf("decision = %v", d)
	}
	if got := *f.ledger.get("op-1").Error; got != "stop: Invalid stopPx" {
		t.Fatalf("operation error = %q", got)
	}
	stop := f.orders.get("abc_stop")
	if stop.Status != model.OrderStatusRejected || *stop.Error != "Invalid stopPx" {
		t.Fatalf("stop leg = %+v", stop)
	}
	if f.orders.get("abc_order").Status != model.OrderStatusNew {
		t.Fatal("main leg should be untouched")
	}
}

func TestOrderCreatedListErrorsRejectAllLegs(t *testing.T) {
	f := newFixture([]*model.AsyncOperation{createOp("op-1", false)}, legOrders())

	body := `{"success":false,"errors":["Account has insufficient Available Balance","try again"]}`
	if d := f.h.OrderCreated(context.Background(), message(t, "op-1", body)); d != commonredis.Ack {
		t.Fatalf("decision = %v", d)
	}
	for _, cl := range []string{"abc_order", "abc_stop"} {
		o := f.orders.get(cl)
		if o.Status != model.OrderStatusRejected {
			t.Fatalf("%s status = %s", cl, o.Status)
		}
		if *o.Error != "Account has insufficient Available Balance - try again" {
			t.Fatalf("%s error = %q", cl, *o.Error)
		}
	}
}

func TestOrderCreatedReplayIsIdempotent(t *testing.T) {
	f := newFixture([]*model.AsyncOperation{createOp("op-1", false)}, legOrders())
	ctx := context.Background()

	body := map[string]interface{}{
		"success": true,
		"orders": map[string]interface{}{
			"main": map[string]interface{}{"status": "PartiallyFilled", "clOrderId": "abc_order", "filled": 40, "timestamp": ms(t0)},
		},
	}
	for i := 0; i < 3; i++ {
		if d := f.h.OrderCreated(ctx, message(t, "op-1", body)); d != commonredis.Ack {
			t.Fatalf("replay %d decision = %v", i, d)
		}
	}
	if f.orders.writes != 1 {
		t.Fatalf("writes = %d, want 1", f.orders.writes)
	}
	if *f.orders.get("abc_order").FilledQty != 40 {
		t.Fatal("filled qty not applied")
	}
}

func TestOrderUpdatedUnknownOrderRequeues(t *testing.T) {
	f := newFixture(nil, nil)

	body := `{"order":{"status":"New","clOrderId":"nope_order","timestamp":1700000000000}}`
	if d := f.h.OrderUpdated(context.Background(), message(t, "", body)); d != commonredis.Requeue {
		t.Fatalf("decision = %v, want requeue", d)
	}
	if d := f.h.OrderUpdated(context.Background(), message(t, "", `{}`)); d != commonredis.Ack {
		t.Fatalf("empty update decision = %v, want ack", d)
	}
}

func TestOrderUpdatedStaleEventIgnored(t *testing.T) {
	ts := t0
	orders := legOrders()
	orders[0].LastTimestamp = &ts
	orders[0].Status = model.OrderStatusPartiallyFilled
	f := newFixture(nil, orders)

	body := map[string]interface{}{"order": map[string]interface{}{"status": "New", "clOrderId": "abc_order", "timestamp": ms(t0.Add(-time.Second))}}
	if d := f.h.OrderUpdated(context.Background(), message(t, "", body)); d != commonredis.Ack {
		t.Fatalf("decision = %v", d)
	}
	if f.orders.writes != 0 {
		t.Fatalf("stale event wrote %d times", f.orders.writes)
	}
}

func TestOrderCanceled(t *testing.T) {
	cancelOp := func(id string) *model.AsyncOperation {
		return &model.AsyncOperation{ID: id, Type: model.OpCancelBitmexOrder, Payload: model.OrderRefPayload{AccountID: "a-1", OrderID: "r-main"}}
	}
	orders := legOrders()
	orders[0].RemoteOrderID = strp("r-main")

	t.Run("success", func(t *testing.T) {
		f := newFixture([]*model.AsyncOperation{cancelOp("op-1")}, orders)
		body := map[string]interface{}{"success": true, "order": map[string]interface{}{"status": "Canceled", "clOrderId": "abc_order", "timestamp": ms(t0)}}
		if d := f.h.OrderCanceled(context.Background(), message(t, "op-1", body)); d != commonredis.Ack {
			t.Fatalf("decision = %v", d)
		}
		if f.orders.get("abc_order").Status != model.OrderStatusCanceled {
			t.Fatal("order not canceled")
		}
	})

	t.Run("failure", func(t *testing.T) {
		orders := legOrders()
		orders[0].RemoteOrderID = strp("r-main")
		f := newFixture([]*model.AsyncOperation{cancelOp("op-2")}, orders)
		body := `{"success":false,"error":"Not Found"}`
		if d := f.h.OrderCanceled(context.Background(), message(t, "op-2", body)); d != commonredis.Ack {
			t.Fatalf("decision = %v", d)
		}
		main := f.orders.get("abc_order")
		if main.Error == nil || *main.Error != "Not Found" || main.Status != model.OrderStatusNew {
			t.Fatalf("order = %+v", main)
		}
		if op := f.ledger.get("op-2"); op.Success || *op.Error != "Not Found" {
			t.Fatalf("operation = %+v", op)
		}
	})
}
