// Package health 运维接口的存活与就绪检查
//
// 依赖分为关键与非关键两类：关键依赖 down 时实例不就绪，非关键依赖只把状态降为 degraded。
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status   Status        `json:"status"`
	Latency  time.Duration `json:"latency"`
	Message  string        `json:"message,omitempty"`
	Critical bool          `json:"critical"`
}

type Response struct {
	Status       Status                 `json:"status"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

type registered struct {
	checker  Checker
	critical bool
}

// Health 依赖检查注册表
type Health struct {
	mu       sync.RWMutex
	checkers []registered
	ready    atomic.Bool
	timeout  time.Duration
}

const defaultCheckTimeout = 2 * time.Second

func New() *Health {
	return &Health{timeout: defaultCheckTimeout}
}

// Register 注册关键依赖
func (h *Health) Register(c Checker) {
	h.add(c, true)
}

// RegisterOptional 注册非关键依赖，失败只降级
func (h *Health) RegisterOptional(c Checker) {
	h.add(c, false)
}

func (h *Health) add(c Checker, critical bool) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.checkers = append(h.checkers, registered{checker: c, critical: critical})
	h.mu.Unlock()
}

func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// Live 进程存活即 up，不检查依赖
func (h *Health) Live() Response {
	return Response{Status: StatusUp}
}

// Ready 检查所有依赖，SetReady(true) 之前始终 down
func (h *Health) Ready(ctx context.Context) Response {
	deps := h.runChecks(ctx)
	if !h.IsReady() {
		return Response{Status: StatusDown, Dependencies: deps}
	}
	return Response{Status: summarize(deps), Dependencies: deps}
}

func (h *Health) runChecks(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	checkers := append([]registered(nil), h.checkers...)
	h.mu.RUnlock()
	if len(checkers) == 0 {
		return nil
	}

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, r := range checkers {
		i, r := i, r
		g.Go(func() error {
			results[i] = h.check(ctx, r)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]CheckResult, len(checkers))
	for i, r := range checkers {
		name := r.checker.Name()
		if name == "" {
			name = fmt.Sprintf("dependency-%d", i)
		}
		out[name] = results[i]
	}
	return out
}

func (h *Health) check(ctx context.Context, r registered) CheckResult {
	start := time.Now()
	depCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resCh := make(chan CheckResult, 1)
	go func() {
		resCh <- r.checker.Check(depCtx)
	}()

	var res CheckResult
	select {
	case res = <-resCh:
	case <-depCtx.Done():
		res = CheckResult{Status: StatusDown, Message: "timeout"}
	}
	if res.Latency <= 0 {
		res.Latency = time.Since(start)
	}
	if res.Status == "" {
		res.Status = StatusDown
	}
	res.Critical = r.critical
	return res
}

func summarize(deps map[string]CheckResult) Status {
	overall := StatusUp
	for _, r := range deps {
		switch {
		case r.Status == StatusDown && r.Critical:
			return StatusDown
		case r.Status != StatusUp:
			overall = StatusDegraded
		}
	}
	return overall
}

// degraded 仍然可以接流量
func statusCode(s Status) int {
	if s == StatusDown {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Live()
		writeJSON(w, statusCode(resp.Status), resp)
	}
}

func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Ready(r.Context())
		writeJSON(w, statusCode(resp.Status), resp)
	}
}

func timed(start time.Time, err error) CheckResult {
	lat := time.Since(start)
	if err != nil {
		return CheckResult{Status: StatusDown, Latency: lat, Message: err.Error()}
	}
	return CheckResult{Status: StatusUp, Latency: lat}
}

type postgresChecker struct {
	db *sql.DB
}

func NewPostgresChecker(db *sql.DB) Checker {
	return &postgresChecker{db: db}
}

func (c *postgresChecker) Name() string { return "postgres" }

func (c *postgresChecker) Check(ctx context.Context) CheckResult {
	if c.db == nil {
		return CheckResult{Status: StatusDown, Message: "nil db"}
	}
	start := time.Now()
	return timed(start, c.db.PingContext(ctx))
}

// RedisPinger go-redis 客户端的最小接口
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

type redisChecker struct {
	client RedisPinger
}

func NewRedisChecker(client RedisPinger) Checker {
	return &redisChecker{client: client}
}

func (c *redisChecker) Name() string { return "redis" }

func (c *redisChecker) Check(ctx context.Context) CheckResult {
	if c.client == nil {
		return CheckResult{Status: StatusDown, Message: "nil redis client"}
	}
	start := time.Now()
	return timed(start, c.client.Ping(ctx).Err())
}

// StreamInspector 查询消费者组 pending 数
type StreamInspector interface {
	XPending(ctx context.Context, stream, group string) *redis.XPendingCmd
}

type consumerLagChecker struct {
	client     StreamInspector
	group      string
	streams    []string
	maxPending int64
}

// NewConsumerLagChecker 任一 Stream 的 pending 超过 maxPending 时报告 degraded。
// 消费者组尚未创建的 Stream 不计入。
func NewConsumerLagChecker(client StreamInspector, group string, streams []string, maxPending int64) Checker {
	return &consumerLagChecker{client: client, group: group, streams: streams, maxPending: maxPending}
}

func (c *consumerLagChecker) Name() string { return "consumer-lag" }

func (c *consumerLagChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	var lagging []string
	for _, stream := range c.streams {
		p, err := c.client.XPending(ctx, stream, c.group).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || strings.HasPrefix(err.Error(), "NOGROUP") {
				continue
			}
			return timed(start, fmt.Errorf("xpending %s: %w", stream, err))
		}
		if c.maxPending > 0 && p.Count > c.maxPending {
			lagging = append(lagging, fmt.Sprintf("%s=%d", stream, p.Count))
		}
	}
	res := timed(start, nil)
	if len(lagging) > 0 {
		sort.Strings(lagging)
		res.Status = StatusDegraded
		res.Message = "pending over limit: " + strings.Join(lagging, ", ")
	}
	return res
}
