package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/orchestrator/pkg/logger"
)

// Decision 消息处理结果
type Decision int

const (
	// Ack 处理完成，确认消息
	Ack Decision = iota
	// Requeue 暂时无法处理，保留在 pending 中等待重新认领
	Requeue
	// Drop 不可处理，写入死信流后确认
	Drop
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Message 消费到的消息
type Message struct {
	ID            string
	Stream        string
	CorrelationID string
	Data          []byte
	Values        map[string]interface{}
}

// Handler 消息处理函数
type Handler func(ctx context.Context, msg *Message) Decision

// Observer 观察消费结果，用于指标
type Observer interface {
	ObserveDecision(stream string, d Decision)
	ObserveDeadLetter(stream, reason string)
}

// ConsumerOptions 消费者选项
type ConsumerOptions struct {
	BatchSize    int           // 每次读取的消息数
	BlockTime    time.Duration // 阻塞等待时间
	MaxRetries   int           // 最大投递次数，超过后进入死信流
	ClaimMinIdle time.Duration // 认领空闲消息的最小时间
	// PendingCheckInterval 周期性处理 pending 的间隔
	PendingCheckInterval time.Duration
}

// DefaultConsumerOptions 默认选项
var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            10,
	BlockTime:            5 * time.Second,
	MaxRetries:           5,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
}

// Consumer 单个 Stream 的消费者，消息按顺序串行处理
type Consumer struct {
	client    *redis.Client
	stream    string
	group     string
	consumer  string
	handler   Handler
	opts      ConsumerOptions
	log       *logger.Logger
	observer  Observer
	heartbeat func()
	now       func() time.Time
}

// NewConsumer 创建消费者，opts 中的零值字段使用默认值
func NewConsumer(client *redis.Client, stream, group, consumer string, handler Handler, opts *ConsumerOptions) *Consumer {
	o := DefaultConsumerOptions
	if opts != nil {
		o = withDefaults(*opts)
	}
	return &Consumer{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		handler:  handler,
		opts:     o,
		log:      logger.Nop(),
		now:      time.Now,
	}
}

func withDefaults(o ConsumerOptions) ConsumerOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultConsumerOptions.BatchSize
	}
	if o.BlockTime == 0 {
		o.BlockTime = DefaultConsumerOptions.BlockTime
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultConsumerOptions.MaxRetries
	}
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = DefaultConsumerOptions.ClaimMinIdle
	}
	if o.PendingCheckInterval <= 0 {
		o.PendingCheckInterval = DefaultConsumerOptions.PendingCheckInterval
	}
	return o
}

// SetLogger 设置日志
func (c *Consumer) SetLogger(log *logger.Logger) {
	if log != nil {
		c.log = log.WithField("stream", c.stream)
	}
}

// SetObserver 设置结果观察者
func (c *Consumer) SetObserver(o Observer) {
	c.observer = o
}

// SetHeartbeat 每轮读取结束后回调，用于存活检查
func (c *Consumer) SetHeartbeat(fn func()) {
	c.heartbeat = fn
}

// Stream 返回消费的 Stream 名称
func (c *Consumer) Stream() string {
	return c.stream
}

// Start 启动消费，阻塞直到 ctx 取消或读取失败
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	// 先处理 pending 消息
	if err := c.processPending(ctx); err != nil {
		return fmt.Errorf("process pending: %w", err)
	}

	return c.consume(ctx)
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

func (c *Consumer) consume(ctx context.Context) error {
	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := c.processPending(ctx); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Warn("process pending failed")
			}
		default:
		}

		if err := c.readOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if c.heartbeat != nil {
			c.heartbeat()
		}
	}
}

// readOnce 读取并处理一批新消息
func (c *Consumer) readOnce(ctx context.Context) error {
	results, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(c.opts.BatchSize),
		Block:    c.opts.BlockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("xreadgroup %s: %w", c.stream, err)
	}

	for _, result := range results {
		for _, m := range result.Messages {
			if err := c.processMessage(ctx, m); err != nil {
				c.log.WithError(err).Errorf("process message failed", logger.Fields{"msgId": m.ID})
			}
		}
	}
	return nil
}

// processPending 认领空闲的 pending 消息，超过重试次数的写入死信流
func (c *Consumer) processPending(ctx context.Context) error {
	start := "-"
	for {
		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: c.stream,
			Group:  c.group,
			Idle:   c.opts.ClaimMinIdle,
			Start:  start,
			End:    "+",
			Count:  int64(c.opts.BatchSize),
		}).Result()
		if err != nil {
			return fmt.Errorf("xpending %s: %w", c.stream, err)
		}
		if len(pending) == 0 {
			return nil
		}

		ids := make([]string, 0, len(pending))
		exhausted := make(map[string]int64)
		for _, p := range pending {
			ids = append(ids, p.ID)
			if retriesExhausted(p.RetryCount, c.opts.MaxRetries) {
				exhausted[p.ID] = p.RetryCount
			}
		}

		messages, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.opts.ClaimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			return fmt.Errorf("xclaim %s: %w", c.stream, err)
		}

		for _, m := range messages {
			if retryCount, ok := exhausted[m.ID]; ok {
				if err := c.deadLetter(ctx, m, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
					c.log.WithError(err).Errorf("dead letter failed", logger.Fields{"msgId": m.ID})
				}
				continue
			}
			if err := c.processMessage(ctx, m); err != nil {
				c.log.WithError(err).Errorf("process pending message failed", logger.Fields{"msgId": m.ID})
			}
		}

		if len(pending) < c.opts.BatchSize {
			return nil
		}
		start = "(" + pending[len(pending)-1].ID
	}
}

func retriesExhausted(retryCount int64, maxRetries int) bool {
	return maxRetries > 0 && retryCount > int64(maxRetries)
}

// processMessage 处理单条消息并执行对应的确认动作
func (c *Consumer) processMessage(ctx context.Context, m redis.XMessage) error {
	data, ok := m.Values[FieldData].(string)
	if !ok {
		c.observe(Drop)
		return c.deadLetter(ctx, m, "missing data field")
	}

	correlationID, _ := m.Values[FieldCorrelationID].(string)
	msg := &Message{
		ID:            m.ID,
		Stream:        c.stream,
		CorrelationID: correlationID,
		Data:          []byte(data),
		Values:        m.Values,
	}

	decision := c.handler(ctx, msg)
	c.observe(decision)

	switch decision {
	case Ack:
		return c.Ack(ctx, m.ID)
	case Drop:
		return c.deadLetter(ctx, m, "rejected by handler")
	default:
		// 保留在 pending 中，由 processPending 在 ClaimMinIdle 之后重新投递
		return nil
	}
}

func (c *Consumer) observe(d Decision) {
	if c.observer != nil {
		c.observer.ObserveDecision(c.stream, d)
	}
}

// deadLetter 写入 <stream>:dlq 并确认原消息
func (c *Consumer) deadLetter(ctx context.Context, m redis.XMessage, reason string) error {
	values := map[string]interface{}{
		"stream":   c.stream,
		"msgId":    m.ID,
		"reason":   reason,
		"tsMs":     c.now().UnixMilli(),
		"group":    c.group,
		"consumer": c.consumer,
	}
	if data, ok := m.Values[FieldData]; ok {
		values[FieldData] = data
	}
	if correlationID, ok := m.Values[FieldCorrelationID]; ok {
		values[FieldCorrelationID] = correlationID
	}

	if _, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream(c.stream),
		Values: values,
	}).Result(); err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	if c.observer != nil {
		c.observer.ObserveDeadLetter(c.stream, reason)
	}
	c.log.Warnf("message moved to dead letter stream", logger.Fields{"msgId": m.ID, "reason": reason})
	return c.Ack(ctx, m.ID)
}

// Ack 手动确认消息
func (c *Consumer) Ack(ctx context.Context, id string) error {
	return c.client.XAck(ctx, c.stream, c.group, id).Err()
}

// DeadLetterStream 死信流名称
func DeadLetterStream(stream string) string {
	return stream + ":dlq"
}
