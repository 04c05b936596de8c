package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLogNotFound saga 记录不存在或已过期
var ErrLogNotFound = errors.New("saga log not found")

// RedisStore 把 saga 记录保存为带过期时间的 JSON 字符串
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "saga:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, log *Log) error {
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal saga log: %w", err)
	}
	return s.client.Set(ctx, s.prefix+log.ID, data, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Log, error) {
	data, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrLogNotFound
		}
		return nil, err
	}
	var log Log
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("unmarshal saga log: %w", err)
	}
	return &log, nil
}
