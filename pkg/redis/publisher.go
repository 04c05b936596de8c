package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// 命令消息字段
const (
	FieldData          = "data"
	FieldCorrelationID = "correlationId"
	FieldPersistent    = "persistent"
	FieldExpiration    = "expiration"
	FieldExpiresAtMs   = "expiresAtMs"
	FieldTimestamp     = "timestamp"
)

// Envelope 一条待发布的命令消息
type Envelope struct {
	CorrelationID string
	Body          []byte
	Persistent    bool
	// Expiration 消息有效期，0 表示不过期
	Expiration time.Duration
	// Headers 附加字段，例如链路追踪
	Headers map[string]string
}

// Publisher 通过 XADD 发布命令
type Publisher struct {
	client *redis.Client
	maxLen int64
	now    func() time.Time
}

// NewPublisher 创建发布者，maxLen > 0 时按近似长度裁剪 Stream
func NewPublisher(client *redis.Client, maxLen int64) *Publisher {
	return &Publisher{
		client: client,
		maxLen: maxLen,
		now:    time.Now,
	}
}

// Publish 发布消息，返回 Stream 条目 ID
func (p *Publisher) Publish(ctx context.Context, stream string, env Envelope) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: p.values(env),
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (p *Publisher) values(env Envelope) map[string]interface{} {
	now := p.now()
	values := map[string]interface{}{
		FieldData:          string(env.Body),
		FieldCorrelationID: env.CorrelationID,
		FieldPersistent:    strconv.FormatBool(env.Persistent),
		FieldTimestamp:     now.UnixMilli(),
	}
	if env.Expiration > 0 {
		values[FieldExpiration] = env.Expiration.Milliseconds()
		values[FieldExpiresAtMs] = now.Add(env.Expiration).UnixMilli()
	}
	for k, v := range env.Headers {
		values[k] = v
	}
	return values
}
