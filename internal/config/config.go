package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Lock     LockConfig     `mapstructure:"lock"`
	Business BusinessConfig `mapstructure:"business"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // 请求级超时，也是加锁等待的上限
}

// DatabaseConfig driver 取值 mysql / postgres / sqlite
// sqlite 只用于本地调试和测试，DSN 直接写在 dsn 字段
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	TransactionPosted string `mapstructure:"transaction_posted"`
}

// LockConfig backend 取值 local（单实例）/ redis（多实例部署）
type LockConfig struct {
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"` // 调用方未设置 deadline 时的等锁上限
}

type BusinessConfig struct {
	AccountNumberLength  int    `mapstructure:"account_number_length"`
	MaxDailyTransactions int    `mapstructure:"max_daily_transactions"`
	MaxDailyAmount       string `mapstructure:"max_daily_amount"`
	MaxConflictRetries   int    `mapstructure:"max_conflict_retries"`
	MaxReferenceRetries  int    `mapstructure:"max_reference_retries"`
	OutboxMaxRetry       int    `mapstructure:"outbox_max_retry"`
	Timezone             string `mapstructure:"timezone"` // 日限额按该时区的自然日统计
}

// DailyAmountLimit 解析日累计金额上限
func (b BusinessConfig) DailyAmountLimit() (decimal.Decimal, error) {
	return decimal.NewFromString(b.MaxDailyAmount)
}

// Location 解析业务时区，空值使用 UTC
func (b BusinessConfig) Location() (*time.Location, error) {
	if b.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(b.Timezone)
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 5*time.Second)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("kafka.topic.transaction_posted", "ledger.transaction.posted")

	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.retry_interval", 50*time.Millisecond)
	v.SetDefault("lock.wait_timeout", 3*time.Second)

	v.SetDefault("business.account_number_length", 10)
	v.SetDefault("business.max_daily_transactions", 100)
	v.SetDefault("business.max_daily_amount", "50000.00")
	v.SetDefault("business.max_conflict_retries", 3)
	v.SetDefault("business.max_reference_retries", 5)
	v.SetDefault("business.outbox_max_retry", 5)
	v.SetDefault("business.timezone", "UTC")

	v.SetDefault("log.level", "info")
}

// Default 返回只包含默认值的配置，测试和本地调试使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Load 加载配置文件，环境变量 LEDGER_* 可以覆盖文件中的值
// 例如 LEDGER_DATABASE_HOST 覆盖 database.host
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ledger")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Business.AccountNumberLength <= 0 {
		return fmt.Errorf("business.account_number_length 必须大于0")
	}
	if _, err := c.Business.DailyAmountLimit(); err != nil {
		return fmt.Errorf("business.max_daily_amount 格式错误: %w", err)
	}
	if _, err := c.Business.Location(); err != nil {
		return fmt.Errorf("business.timezone 无效: %w", err)
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("lock.backend 只支持 local / redis: %s", c.Lock.Backend)
	}
	// 锁租约不续期，必须长于请求超时
	if c.Lock.TTL <= c.Server.RequestTimeout {
		return fmt.Errorf("lock.ttl (%s) 必须大于 server.request_timeout (%s)", c.Lock.TTL, c.Server.RequestTimeout)
	}
	return nil
}
