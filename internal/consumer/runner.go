package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/exchange/orchestrator/internal/config"
	"github.com/exchange/orchestrator/internal/metrics"
	"github.com/exchange/orchestrator/pkg/health"
	"github.com/exchange/orchestrator/pkg/logger"
	commonredis "github.com/exchange/orchestrator/pkg/redis"
	"github.com/exchange/orchestrator/pkg/tracing"
)

// Route 一个入站 Stream 与其处理函数
type Route struct {
	Name    string
	Stream  string
	Handler commonredis.Handler
}

// Routes 按拓扑生成全部入站 Stream。Binance 只处理账户事件。
func Routes(h *Handlers, bitmex, binance config.ExchangeTopology, group config.GroupTopology) []Route {
	routes := []Route{
		{Name: "orderCreated", Stream: bitmex.Stream(bitmex.OrderCreatedKey), Handler: h.OrderCreated},
		{Name: "orderUpdated", Stream: bitmex.Stream(bitmex.OrderUpdatedKey), Handler: h.OrderUpdated},
		{Name: "orderCanceled", Stream: bitmex.Stream(bitmex.OrderCanceledKey), Handler: h.OrderCanceled},
		{Name: "positionUpdated", Stream: bitmex.Stream(bitmex.PositionUpdatedKey), Handler: h.PositionUpdated},
		{Name: "positionClosed", Stream: bitmex.Stream(bitmex.PositionClosedKey), Handler: h.PositionClosed},
		{Name: "positionAddedStop", Stream: bitmex.Stream(bitmex.PositionAddedStopKey), Handler: h.PositionAddedStop},
		{Name: "positionAddedTsl", Stream: bitmex.Stream(bitmex.PositionAddedTslKey), Handler: h.PositionAddedTsl},
	}
	for _, t := range []config.ExchangeTopology{bitmex, binance} {
		routes = append(routes,
			Route{Name: "accountCreated", Stream: t.Stream(t.AccountCreatedKey), Handler: h.AccountCreated},
			Route{Name: "accountUpdated", Stream: t.Stream(t.AccountUpdatedKey), Handler: h.AccountUpdated},
			Route{Name: "accountDeleted", Stream: t.Stream(t.AccountDeletedKey), Handler: h.AccountDeleted},
		)
	}
	routes = append(routes, Route{Name: "membershipDeleted", Stream: group.MembershipDeletedStream(), Handler: h.MembershipDeleted})
	return routes
}

// RunnerConfig 消费者组配置
type RunnerConfig struct {
	Group    string
	Consumer string
	Options  *commonredis.ConsumerOptions
}

// Runner 每个 Stream 一个消费者，Stream 内串行，Stream 之间并发
type Runner struct {
	client  *redis.Client
	cfg     RunnerConfig
	routes  []Route
	log     *logger.Logger
	metrics *metrics.Metrics
	monitor *health.LoopMonitor
}

// NewRunner 创建 Runner，monitor 可以为空
func NewRunner(client *redis.Client, cfg RunnerConfig, routes []Route, log *logger.Logger, m *metrics.Metrics, monitor *health.LoopMonitor) *Runner {
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{
		client:  client,
		cfg:     cfg,
		routes:  routes,
		log:     log,
		metrics: m,
		monitor: monitor,
	}
}

// Run 阻塞直到 ctx 取消；任一消费者出错时全部停止
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, route := range r.routes {
		c := commonredis.NewConsumer(r.client, route.Stream, r.cfg.Group, r.cfg.Consumer, traced(route.Name, route.Handler), r.cfg.Options)
		c.SetLogger(r.log)
		if r.metrics != nil {
			c.SetObserver(r.metrics)
		}
		if r.monitor != nil {
			c.SetHeartbeat(r.monitor.Tick)
		}
		route := route
		g.Go(func() error {
			return r.consume(gctx, route.Name, c)
		})
	}

	r.log.Infof("consumers started", logger.Fields{"streams": len(r.routes), "group": r.cfg.Group})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) consume(ctx context.Context, name string, c *commonredis.Consumer) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s consumer panic: %v", name, p)
			r.log.Errorf("consumer panic", logger.Fields{"stream": c.Stream(), "stack": string(debug.Stack())})
		}
		if err != nil && !errors.Is(err, context.Canceled) && r.monitor != nil {
			r.monitor.SetError(err)
		}
	}()
	return c.Start(ctx)
}

// traced 从消息中恢复 trace 并为处理过程开启 span
func traced(name string, next commonredis.Handler) commonredis.Handler {
	return func(ctx context.Context, msg *commonredis.Message) commonredis.Decision {
		ctx, span := tracing.StartConsumeSpan(ctx, name, msg.Values, msg.Stream, msg.ID, msg.CorrelationID)
		defer span.End()
		ctx = logger.ContextWithTraceID(ctx, tracing.TraceIDFromContext(ctx))
		ctx = logger.ContextWithSpanID(ctx, tracing.SpanIDFromContext(ctx))

		d := next(ctx, msg)
		tracing.AddEvent(ctx, "decision."+d.String())
		return d
	}
}
