package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// LoopMonitor tracks whether a background loop is still ticking.
type LoopMonitor struct {
	lastTickUnixNano atomic.Int64
	lastErr          atomic.Value // string
}

func (m *LoopMonitor) Tick() {
	m.lastTickUnixNano.Store(time.Now().UnixNano())
}

func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		return
	}
	m.lastErr.Store(err.Error())
}

func (m *LoopMonitor) LastError() string {
	if v := m.lastErr.Load(); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Healthy returns whether the loop has ticked recently.
// If Tick() has never been called, it returns ok=false.
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	lastErr = m.LastError()
	last := m.lastTickUnixNano.Load()
	if last <= 0 {
		return false, 0, lastErr
	}
	t := time.Unix(0, last)
	if now.Before(t) {
		return true, 0, lastErr
	}
	age = now.Sub(t)
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return age <= maxAge, age, lastErr
}

type loopChecker struct {
	name    string
	monitor *LoopMonitor
	maxAge  time.Duration
}

// NewLoopChecker 把后台循环的心跳暴露为就绪检查项
func NewLoopChecker(name string, monitor *LoopMonitor, maxAge time.Duration) Checker {
	return &loopChecker{name: name, monitor: monitor, maxAge: maxAge}
}

func (c *loopChecker) Name() string { return c.name }

func (c *loopChecker) Check(ctx context.Context) CheckResult {
	ok, age, lastErr := c.monitor.Healthy(time.Now(), c.maxAge)
	if ok {
		return CheckResult{Status: StatusUp, Message: lastErr}
	}
	msg := fmt.Sprintf("last tick %s ago", age.Truncate(time.Millisecond))
	if age == 0 {
		msg = "never ticked"
	}
	if lastErr != "" {
		msg += ": " + lastErr
	}
	return CheckResult{Status: StatusDown, Message: msg}
}
