package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/exchange/orchestrator/internal/config"
	"github.com/exchange/orchestrator/internal/model"
	apperrors "github.com/exchange/orchestrator/pkg/errors"
	"github.com/exchange/orchestrator/pkg/logger"
	commonredis "github.com/exchange/orchestrator/pkg/redis"
)

type fakeLedger struct {
	ops []*model.AsyncOperation
	err error
}

func (f *fakeLedger) Create(_ context.Context, opType model.OperationType, payload model.Payload) (*model.AsyncOperation, error) {
	if f.err != nil {
		return nil, f.err
	}
	op := &model.AsyncOperation{ID: fmt.Sprintf("op-%d", len(f.ops)+1), Type: opType, Payload: payload}
	f.ops = append(f.ops, op)
	return op, nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, commonredis.Envelope) (string, error) {
	return "", errors.New("connection refused")
}

func topology(exchange string) config.ExchangeTopology {
	return config.ExchangeTopology{
		Exchange:                 exchange,
		CreateAccountCmdKey:      "cmd.account.create",
		UpdateAccountCmdPrefix:   "cmd.account.update.",
		DeleteAccountCmdPrefix:   "cmd.account.delete.",
		CreateOrderCmdPrefix:     "cmd.order.create.",
		UpdateOrderCmdPrefix:     "cmd.order.update.",
		CancelOrderCmdPrefix:     "cmd.order.cancel.",
		ClosePositionCmdPrefix:   "cmd.position.close.",
		AddStopPositionCmdPrefix: "cmd.position.addstop.",
		AddTslPositionCmdPrefix:  "cmd.position.addtsl.",
	}
}

func newTestDispatcher(t *testing.T, ledger Ledger) (*Dispatcher, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	d := New(ledger, commonredis.NewPublisher(client, 0), topology("bitmex"), topology("binance"),
		10*time.Minute, logger.Nop(), nil)
	d.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return d, client
}

func readOne(t *testing.T, client *goredis.Client, stream string) map[string]interface{} {
	t.Helper()
	entries, err := client.XRange(context.Background(), stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange %s: %v", stream, err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry on %s, got %d", stream, len(entries))
	}
	return entries[0].Values
}

func TestDispatcher_CancelOrder(t *testing.T) {
	ledger := &fakeLedger{}
	d, client := newTestDispatcher(t, ledger)

	id, err := d.CancelOrder(context.Background(), model.ExchangeBitmex, "acc-1", "remote-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if id != "op-1" || len(ledger.ops) != 1 || ledger.ops[0].Type != model.OpCancelBitmexOrder {
		t.Fatalf("unexpected ledger state id=%s ops=%+v", id, ledger.ops)
	}

	v := readOne(t, client, "bitmex:cmd.order.cancel.acc-1")
	if v[commonredis.FieldCorrelationID] != "op-1" {
		t.Fatalf("correlation id = %v", v[commonredis.FieldCorrelationID])
	}
	if v[commonredis.FieldPersistent] != "true" || v[commonredis.FieldExpiration] != "600000" {
		t.Fatalf("unexpected delivery fields %+v", v)
	}

	var body map[string]interface{}
	if err := json.Unmarshal([]byte(v[commonredis.FieldData].(string)), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["accountId"] != "acc-1" || body["orderId"] != "remote-1" {
		t.Fatalf("unexpected body %+v", body)
	}
	if body["timestamp"] != float64(1700000000000) {
		t.Fatalf("expected publish timestamp in body, got %v", body["timestamp"])
	}
}

func TestDispatcher_AccountRouting(t *testing.T) {
	ledger := &fakeLedger{}
	d, client := newTestDispatcher(t, ledger)
	ctx := context.Background()

	if _, err := d.CreateAccount(ctx, model.ExchangeBinance, "acc-b", "key", "secret"); err != nil {
		t.Fatalf("create: %v", err)
	}
	readOne(t, client, "binance:cmd.account.create")

	if _, err := d.UpdateAccount(ctx, model.ExchangeBitmex, "acc-m", "key", "secret"); err != nil {
		t.Fatalf("update: %v", err)
	}
	readOne(t, client, "bitmex:cmd.account.update.acc-m")

	if _, err := d.DeleteAccount(ctx, model.ExchangeBitmex, "acc-m", model.AccountDisable); err != nil {
		t.Fatalf("disable: %v", err)
	}
	readOne(t, client, "bitmex:cmd.account.delete.acc-m")

	want := []model.OperationType{model.OpCreateBinanceAccount, model.OpUpdateBitmexAccount, model.OpDisableBitmexAccount}
	for i, op := range ledger.ops {
		if op.Type != want[i] {
			t.Fatalf("op %d type = %s, want %s", i, op.Type, want[i])
		}
	}
	creds, ok := ledger.ops[0].Payload.(model.AccountCredentialsPayload)
	if !ok || creds.APIKey != "key" || creds.APISecret != "secret" {
		t.Fatalf("unexpected create payload %#v", ledger.ops[0].Payload)
	}
}

func TestDispatcher_BinanceUnsupported(t *testing.T) {
	ledger := &fakeLedger{}
	d, _ := newTestDispatcher(t, ledger)
	ctx := context.Background()

	calls := []func() (string, error){
		func() (string, error) { return d.CreateOrders(ctx, model.ExchangeBinance, "a", nil) },
		func() (string, error) { return d.CancelOrder(ctx, model.ExchangeBinance, "a", "r") },
		func() (string, error) { return d.UpdateOrder(ctx, model.ExchangeBinance, "a", "r") },
		func() (string, error) { return d.ClosePosition(ctx, model.ExchangeBinance, "a", "XBTUSD", nil, nil) },
		func() (string, error) { return d.AddStop(ctx, model.ExchangeBinance, "a", "XBTUSD", 1, nil) },
		func() (string, error) { return d.AddTsl(ctx, model.ExchangeBinance, "a", "XBTUSD", 1, nil) },
		func() (string, error) { return d.DeleteAccount(ctx, model.ExchangeBinance, "a", model.AccountClear) },
	}
	for i, call := range calls {
		if _, err := call(); !apperrors.Is(err, apperrors.CodeExchangeUnsupported) {
			t.Fatalf("call %d: expected unsupported, got %v", i, err)
		}
	}
	if len(ledger.ops) != 0 {
		t.Fatalf("unsupported commands must not touch the ledger")
	}
}

func TestDispatcher_LedgerFailurePublishesNothing(t *testing.T) {
	d, client := newTestDispatcher(t, &fakeLedger{err: errors.New("db down")})

	_, err := d.AddStop(context.Background(), model.ExchangeBitmex, "acc-1", "XBTUSD", 49000, nil)
	if !apperrors.Is(err, apperrors.CodeInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	n, _ := client.Exists(context.Background(), "bitmex:cmd.position.addstop.acc-1").Result()
	if n != 0 {
		t.Fatalf("nothing should be published when the ledger fails")
	}
}

func TestDispatcher_PublishFailureLeavesOperation(t *testing.T) {
	ledger := &fakeLedger{}
	d := New(ledger, failingPublisher{}, topology("bitmex"), topology("binance"), time.Minute, nil, nil)

	_, err := d.ClosePosition(context.Background(), model.ExchangeBitmex, "acc-1", "XBTUSD", nil, nil)
	if !apperrors.Is(err, apperrors.CodeExchangeUnavailable) {
		t.Fatalf("expected exchange unavailable, got %v", err)
	}
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || appErr.Message != "Unable to connect to exchange" {
		t.Fatalf("unexpected error message %v", err)
	}
	if len(ledger.ops) != 1 || ledger.ops[0].Complete {
		t.Fatalf("operation must stay registered and incomplete")
	}
}

func TestCommandBody(t *testing.T) {
	body, err := commandBody(model.AccountPayload{AccountID: "acc-1"}, time.UnixMilli(42))
	if err != nil {
		t.Fatalf("command body: %v", err)
	}
	if string(body) != `{"accountId":"acc-1","timestamp":42}` {
		t.Fatalf("unexpected body %s", body)
	}
}
