package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/exchange/orchestrator/internal/config"
	"github.com/exchange/orchestrator/internal/consumer"
	"github.com/exchange/orchestrator/internal/dispatcher"
	"github.com/exchange/orchestrator/internal/ledger"
	"github.com/exchange/orchestrator/internal/lifecycle"
	"github.com/exchange/orchestrator/internal/metrics"
	"github.com/exchange/orchestrator/internal/repository"
	"github.com/exchange/orchestrator/pkg/audit"
	"github.com/exchange/orchestrator/pkg/health"
	"github.com/exchange/orchestrator/pkg/logger"
	commonredis "github.com/exchange/orchestrator/pkg/redis"
	"github.com/exchange/orchestrator/pkg/saga"
	"github.com/exchange/orchestrator/pkg/snowflake"
	"github.com/exchange/orchestrator/pkg/tracing"
)

// 消费循环超过该时间没有 tick 视为卡住，需大于 CONSUMER_BLOCK
const loopMaxAge = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "invalid LOG_LEVEL: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.ServiceName, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("orchestrator exited")
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Infof("Starting orchestrator", logger.Fields{"service": cfg.ServiceName, "opsPort": cfg.OpsPort})

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	dbPingCtx, dbPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	log.Info("Connected to PostgreSQL")

	// 连接 Redis
	redisCfg, err := cfg.RedisConfig()
	if err != nil {
		return fmt.Errorf("redis config: %w", err)
	}
	redisClient, err := commonredis.NewClient(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	log.Info("Connected to Redis")

	ids, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("init snowflake: %w", err)
	}

	m := metrics.New()

	operations := repository.NewOperationRepository(db)
	orders := repository.NewOrderRepository(db)
	positions := repository.NewPositionRepository(db)
	accounts := repository.NewAccountRepository(db)

	opLedger := ledger.New(operations, log)
	dispatch := dispatcher.New(opLedger, commonredis.NewPublisher(redisClient, cfg.StreamMaxLen), cfg.Bitmex, cfg.Binance, cfg.OperationTTL, log, m)

	auditLog, closeAudit, err := newAuditLogger(cfg, db, log)
	if err != nil {
		return err
	}
	defer closeAudit()

	sagas := saga.NewExecutor(saga.NewRedisStore(redisClient, "", cfg.SagaLogTTL))
	sagas.SetLogger(log)

	orchestrator := lifecycle.New(lifecycle.Deps{
		Accounts:    accounts,
		Orders:      orders,
		Ledger:      opLedger,
		Dispatcher:  dispatch,
		Saga:        sagas,
		IDs:         ids,
		Audit:       auditLog,
		Log:         log,
		FanOutLimit: cfg.FanOutLimit,
	})

	handlers := consumer.NewHandlers(opLedger, orders, positions, accounts, orchestrator, log, m)
	routes := consumer.Routes(handlers, cfg.Bitmex, cfg.Binance, cfg.Group)

	var consumeLoop health.LoopMonitor
	consumeLoop.Tick()
	runner := consumer.NewRunner(redisClient, consumer.RunnerConfig{
		Group:    cfg.ConsumerGroup,
		Consumer: cfg.ConsumerName,
		Options:  cfg.ConsumerOptions(),
	}, routes, log, m, &consumeLoop)

	h := health.New()
	h.Register(health.NewPostgresChecker(db))
	h.Register(health.NewRedisChecker(redisClient))
	h.Register(health.NewLoopChecker("consumers", &consumeLoop, loopMaxAge))
	h.RegisterOptional(health.NewConsumerLagChecker(redisClient, cfg.ConsumerGroup, streamsOf(routes), cfg.ConsumerMaxPending))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:           tracing.HTTPMiddleware(opsMux(h, m)),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Ops server listening", logger.Fields{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return runner.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		h.SetReady(false)
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	h.SetReady(true)
	log.Infof("Consumers started", logger.Fields{"streams": len(routes), "group": cfg.ConsumerGroup})
	return g.Wait()
}

func opsMux(h *health.Health, m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health/live", h.LiveHandler())
	mux.HandleFunc("/health/ready", h.ReadyHandler())
	return mux
}

func streamsOf(routes []consumer.Route) []string {
	streams := make([]string, 0, len(routes))
	for _, r := range routes {
		streams = append(streams, r.Stream)
	}
	return streams
}

func newAuditLogger(cfg *config.Config, db *sql.DB, log *logger.Logger) (audit.Logger, func(), error) {
	if !cfg.AuditEnabled {
		return audit.Nop{}, func() {}, nil
	}
	l, err := audit.NewDBLogger(db,
		audit.WithWorkers(cfg.AuditWorkers),
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithErrorHandler(func(err error) {
			log.WithError(err).Warn("[audit] write failed")
		}))
	if err != nil {
		return nil, nil, fmt.Errorf("init audit logger: %w", err)
	}
	return l, l.Close, nil
}
