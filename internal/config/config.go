// Package config 服务配置，全部来自环境变量
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	commonredis "github.com/exchange/orchestrator/pkg/redis"
)

// Config 服务配置
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"exchange-orchestrator"`
	OpsPort     int    `env:"OPS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// PostgreSQL
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"orchestrator"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"orchestrator"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	// Redis
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`
	RedisCACert   string `env:"REDIS_CACERT"`
	RedisCert     string `env:"REDIS_CERT"`
	RedisKey      string `env:"REDIS_KEY"`
	RedisServer   string `env:"REDIS_SERVER_NAME"`

	// 消费者组
	ConsumerGroup        string        `env:"CONSUMER_GROUP" envDefault:"orchestrator"`
	ConsumerName         string        `env:"CONSUMER_NAME"`
	ConsumerBatchSize    int           `env:"CONSUMER_BATCH_SIZE" envDefault:"10"`
	ConsumerBlock        time.Duration `env:"CONSUMER_BLOCK" envDefault:"5s"`
	ConsumerMaxRetries   int           `env:"CONSUMER_MAX_RETRIES" envDefault:"5"`
	ConsumerClaimMinIdle time.Duration `env:"CONSUMER_CLAIM_MIN_IDLE" envDefault:"30s"`
	ConsumerPendingEvery time.Duration `env:"CONSUMER_PENDING_INTERVAL" envDefault:"30s"`
	ConsumerMaxPending   int64         `env:"CONSUMER_MAX_PENDING" envDefault:"1000"`

	// 命令
	OperationTTL time.Duration `env:"ASYNC_OPERATION_TTL" envDefault:"10m"`
	StreamMaxLen int64         `env:"STREAM_MAX_LEN" envDefault:"100000"`
	FanOutLimit  int           `env:"FANOUT_LIMIT" envDefault:"8"`
	SagaLogTTL   time.Duration `env:"SAGA_LOG_TTL" envDefault:"24h"`

	WorkerID int64 `env:"WORKER_ID" envDefault:"1"`

	AuditEnabled   bool `env:"AUDIT_ENABLED" envDefault:"true"`
	AuditWorkers   int  `env:"AUDIT_WORKERS" envDefault:"2"`
	AuditQueueSize int  `env:"AUDIT_QUEUE_SIZE" envDefault:"1024"`

	// Tracing
	TracingEnabled    bool    `env:"TRACING_ENABLED" envDefault:"false"`
	TracingEndpoint   string  `env:"JAEGER_ENDPOINT" envDefault:"http://localhost:14268/api/traces"`
	TracingSampleRate float64 `env:"TRACING_SAMPLE_RATE" envDefault:"0.1"`

	Bitmex  ExchangeTopology `envPrefix:"BITMEX_"`
	Binance ExchangeTopology `envPrefix:"BINANCE_"`
	Group   GroupTopology    `envPrefix:"GROUP_"`
}

// ExchangeTopology 单个交易所的命令与事件 Stream
//
// 命令 Stream 名为 <Exchange>:<key>，按账户路由的命令 key 为 <prefix><accountId>。
type ExchangeTopology struct {
	Exchange string `env:"EXCHANGE"`

	CreateAccountCmdKey    string `env:"CREATE_ACCOUNT_CMD_KEY" envDefault:"cmd.account.create"`
	UpdateAccountCmdPrefix string `env:"UPDATE_ACCOUNT_CMD_KEY_PREFIX" envDefault:"cmd.account.update."`
	DeleteAccountCmdPrefix string `env:"DELETE_ACCOUNT_CMD_KEY_PREFIX" envDefault:"cmd.account.delete."`

	CreateOrderCmdPrefix     string `env:"CREATE_ORDER_CMD_PREFIX" envDefault:"cmd.order.create."`
	UpdateOrderCmdPrefix     string `env:"UPDATE_ORDER_CMD_KEY_PREFIX" envDefault:"cmd.order.update."`
	CancelOrderCmdPrefix     string `env:"CANCEL_ORDER_CMD_KEY_PREFIX" envDefault:"cmd.order.cancel."`
	ClosePositionCmdPrefix   string `env:"CLOSE_POSITION_CMD_PREFIX" envDefault:"cmd.position.close."`
	AddStopPositionCmdPrefix string `env:"ADD_STOP_POSITION_CMD_PREFIX" envDefault:"cmd.position.addstop."`
	AddTslPositionCmdPrefix  string `env:"ADD_TSL_POSITION_CMD_PREFIX" envDefault:"cmd.position.addtsl."`

	AccountCreatedKey    string `env:"EVENT_ACCOUNT_CREATED_KEY" envDefault:"evt.account.created"`
	AccountUpdatedKey    string `env:"EVENT_ACCOUNT_UPDATED_KEY" envDefault:"evt.account.updated"`
	AccountDeletedKey    string `env:"EVENT_ACCOUNT_DELETED_KEY" envDefault:"evt.account.deleted"`
	OrderCreatedKey      string `env:"EVENT_ORDER_CREATED_KEY" envDefault:"evt.order.created"`
	OrderUpdatedKey      string `env:"EVENT_ORDER_UPDATED_KEY" envDefault:"evt.order.updated"`
	OrderCanceledKey     string `env:"EVENT_ORDER_CANCELED_KEY" envDefault:"evt.order.canceled"`
	PositionUpdatedKey   string `env:"EVENT_POSITION_UPDATED_KEY" envDefault:"evt.position.updated"`
	PositionClosedKey    string `env:"EVENT_POSITION_CLOSED_KEY" envDefault:"evt.position.closed"`
	PositionAddedStopKey string `env:"EVENT_POSITION_ADDED_STOP_KEY" envDefault:"evt.position.addedstop"`
	PositionAddedTslKey  string `env:"EVENT_POSITION_ADDED_TSL_KEY" envDefault:"evt.position.addedtsl"`
}

// Stream 返回 key 对应的完整 Stream 名
func (t ExchangeTopology) Stream(key string) string {
	return t.Exchange + ":" + key
}

// GroupTopology 会员分组事件
type GroupTopology struct {
	Exchange             string `env:"EXCHANGE" envDefault:"group"`
	MembershipDeletedKey string `env:"EVENT_MEMBERSHIP_DELETED_KEY" envDefault:"evt.membership.deleted"`
}

// MembershipDeletedStream 会员删除事件 Stream
func (g GroupTopology) MembershipDeletedStream() string {
	return g.Exchange + ":" + g.MembershipDeletedKey
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.Bitmex.Exchange == "" {
		cfg.Bitmex.Exchange = "bitmex"
	}
	if cfg.Binance.Exchange == "" {
		cfg.Binance.Exchange = "binance"
	}
	if cfg.ConsumerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "orchestrator"
		}
		cfg.ConsumerName = host + "-" + strconv.Itoa(os.Getpid())
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.OperationTTL <= 0 {
		return fmt.Errorf("ASYNC_OPERATION_TTL must be positive")
	}
	if c.ConsumerBlock >= c.redisReadTimeout() {
		return fmt.Errorf("CONSUMER_BLOCK (%s) must be below the redis read timeout (%s)", c.ConsumerBlock, c.redisReadTimeout())
	}
	if c.WorkerID < 0 || c.WorkerID > 1023 {
		return fmt.Errorf("WORKER_ID must be between 0 and 1023")
	}
	if c.FanOutLimit <= 0 {
		return fmt.Errorf("FANOUT_LIMIT must be positive")
	}
	return nil
}

func (c *Config) redisReadTimeout() time.Duration {
	return commonredis.DefaultConfig.ReadTimeout
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + dsnQuote(c.DBHost) +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + dsnQuote(c.DBUser) +
		" password=" + dsnQuote(c.DBPassword) +
		" dbname=" + dsnQuote(c.DBName) +
		" sslmode=" + dsnQuote(c.DBSSLMode)
}

// dsnQuote 按 libpq key/value 格式转义，值中可以含空格和引号
func dsnQuote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// RedisConfig 构造 Redis 客户端配置
func (c *Config) RedisConfig() (*commonredis.Config, error) {
	tlsCfg, err := commonredis.TLSConfig(commonredis.TLSOptions{
		Enabled:    c.RedisTLS,
		CACert:     c.RedisCACert,
		Cert:       c.RedisCert,
		Key:        c.RedisKey,
		ServerName: c.RedisServer,
	})
	if err != nil {
		return nil, err
	}
	rc := commonredis.DefaultConfig
	rc.Addr = c.RedisAddr
	rc.Password = c.RedisPassword
	rc.DB = c.RedisDB
	rc.TLS = tlsCfg
	return &rc, nil
}

// ConsumerOptions 构造消费者选项
func (c *Config) ConsumerOptions() *commonredis.ConsumerOptions {
	return &commonredis.ConsumerOptions{
		BatchSize:            c.ConsumerBatchSize,
		BlockTime:            c.ConsumerBlock,
		MaxRetries:           c.ConsumerMaxRetries,
		ClaimMinIdle:         c.ConsumerClaimMinIdle,
		PendingCheckInterval: c.ConsumerPendingEvery,
	}
}
