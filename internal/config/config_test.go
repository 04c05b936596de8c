package config

import (
	"testing"
	"time"

	"github.com/lib/pq"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONSUMER_NAME", "c-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OperationTTL != 10*time.Minute {
		t.Fatalf("expected 10m operation ttl, got %s", cfg.OperationTTL)
	}
	if cfg.Bitmex.Exchange != "bitmex" || cfg.Binance.Exchange != "binance" {
		t.Fatalf("unexpected exchange names %q %q", cfg.Bitmex.Exchange, cfg.Binance.Exchange)
	}
	if got := cfg.Bitmex.Stream(cfg.Bitmex.OrderCreatedKey); got != "bitmex:evt.order.created" {
		t.Fatalf("unexpected order created stream %q", got)
	}
	if got := cfg.Group.MembershipDeletedStream(); got != "group:evt.membership.deleted" {
		t.Fatalf("unexpected membership stream %q", got)
	}
	if cfg.ConsumerName != "c-1" {
		t.Fatalf("expected consumer name from env, got %q", cfg.ConsumerName)
	}
	if cfg.AuditWorkers != 2 || cfg.AuditQueueSize != 1024 {
		t.Fatalf("unexpected audit settings %d %d", cfg.AuditWorkers, cfg.AuditQueueSize)
	}
}

func TestLoadTopologyFromEnv(t *testing.T) {
	t.Setenv("BITMEX_EXCHANGE", "bmx")
	t.Setenv("BITMEX_CREATE_ORDER_CMD_PREFIX", "orders.create.")
	t.Setenv("BINANCE_CREATE_ACCOUNT_CMD_KEY", "bn.account.create")
	t.Setenv("ASYNC_OPERATION_TTL", "2m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bitmex.Stream(cfg.Bitmex.CreateOrderCmdPrefix+"acc-1") != "bmx:orders.create.acc-1" {
		t.Fatalf("unexpected stream %q", cfg.Bitmex.Stream(cfg.Bitmex.CreateOrderCmdPrefix+"acc-1"))
	}
	if cfg.Binance.CreateAccountCmdKey != "bn.account.create" {
		t.Fatalf("unexpected binance key %q", cfg.Binance.CreateAccountCmdKey)
	}
	if cfg.OperationTTL != 2*time.Minute {
		t.Fatalf("unexpected ttl %s", cfg.OperationTTL)
	}
	if cfg.ConsumerName == "" {
		t.Fatal("expected derived consumer name")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "zero ttl", key: "ASYNC_OPERATION_TTL", val: "0s"},
		{name: "block above read timeout", key: "CONSUMER_BLOCK", val: "1m"},
		{name: "worker id", key: "WORKER_ID", val: "4096"},
		{name: "not a duration", key: "CONSUMER_CLAIM_MIN_IDLE", val: "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}

func TestDSNAndRedisConfig(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.DBPassword = "pw"
	want := "host='localhost' port=5432 user='orchestrator' password='pw' dbname='orchestrator' sslmode='disable'"
	if cfg.DSN() != want {
		t.Fatalf("dsn = %q", cfg.DSN())
	}

	rc, err := cfg.RedisConfig()
	if err != nil {
		t.Fatalf("redis config: %v", err)
	}
	if rc.Addr != "localhost:6379" || rc.TLS != nil {
		t.Fatalf("unexpected redis config %+v", rc)
	}

	opts := cfg.ConsumerOptions()
	if opts.MaxRetries != 5 || opts.ClaimMinIdle != 30*time.Second {
		t.Fatalf("unexpected consumer options %+v", opts)
	}
}

func TestDSNQuotesPasswordWithSpacesAndQuotes(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.DBPassword = `p w'x\y`
	want := `host='localhost' port=5432 user='orchestrator' password='p w\'x\\y' dbname='orchestrator' sslmode='disable'`
	if cfg.DSN() != want {
		t.Fatalf("dsn = %q", cfg.DSN())
	}

	c, err := pq.NewConnector(cfg.DSN())
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	if c == nil {
		t.Fatal("expected connector")
	}
}
