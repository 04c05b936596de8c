// Package janitor 清理发出后始终没有结果的异步操作
package janitor

import (
	"context"
	"time"

	"github.com/exchange/orchestrator/internal/metrics"
	"github.com/exchange/orchestrator/pkg/logger"
)

// Expirer 台账过期接口
type Expirer interface {
	Expire(ctx context.Context, olderThan time.Duration, batch int) (int, error)
}

// Reaper 把超过 TTL 仍未完成的操作以失败结束
type Reaper struct {
	ledger  Expirer
	ttl     time.Duration
	batch   int
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewReaper 创建 Reaper；batch <= 0 时使用 100
func NewReaper(l Expirer, ttl time.Duration, batch int, log *logger.Logger, m *metrics.Metrics) *Reaper {
	if batch <= 0 {
		batch = 100
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Reaper{ledger: l, ttl: ttl, batch: batch, log: log, metrics: m}
}

// RunOnce 执行一轮清理，返回过期的操作数
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := r.ledger.Expire(ctx, r.ttl, r.batch)
	r.metrics.AddOperationsExpired(n)
	if err != nil {
		r.log.WithError(err).Errorf("[janitor] expire failed", logger.Fields{"expired": n})
		return n, err
	}
	r.log.Infof("[janitor] run complete", logger.Fields{
		"expired":   n,
		"ttl":       r.ttl.String(),
		"elapsedMs": time.Since(start).Milliseconds(),
	})
	return n, nil
}
