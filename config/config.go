package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendClickHouse = "clickhouse"
	BackendSQLite     = "sqlite"
)

// ClickHouseConfig holds the connection settings for the production store.
type ClickHouseConfig struct {
	Addr        string `mapstructure:"addr"`
	Database    string `mapstructure:"database"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TLS         bool   `mapstructure:"tls"`
	MaxPoolSize int    `mapstructure:"max_pool_size"`
	// MaxExecutionTime is the server-side query timeout in seconds
	MaxExecutionTime int `mapstructure:"max_execution_time"`
}

// SQLiteConfig holds the embedded store settings.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// BreakerConfig configures the store circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// PollerConfig configures the watermark poller.
type PollerConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Backoff   time.Duration `mapstructure:"backoff"`
	Grace     time.Duration `mapstructure:"grace"`
	BatchSize int           `mapstructure:"batch_size"`
	// CheckpointKey is the Redis key holding the watermark when redis.enabled is set
	CheckpointKey string `mapstructure:"checkpoint_key"`
}

// HubConfig configures live fan-out.
type HubConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Port           int      `mapstructure:"port"`
	TLS            bool     `mapstructure:"tls"`
	CertFile       string   `mapstructure:"cert_file"`
	KeyFile        string   `mapstructure:"key_file"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// ReplayLimit caps how many stored alerts a reconnecting live client may replay
	ReplayLimit int `mapstructure:"replay_limit"`
	RateLimit   struct {
		RequestsPerSecond float64 `mapstructure:"requests_per_second"`
		Burst             int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
}

// AuthConfig configures bearer token verification. Tokens are issued elsewhere.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// RedisConfig configures the optional watermark checkpoint.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig configures the optional relay of live alerts to a topic.
type KafkaConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	DedupSize int      `mapstructure:"dedup_size"`
}

// Config holds all configuration for alertfeed
type Config struct {
	Store struct {
		Backend string `mapstructure:"backend"`
	} `mapstructure:"store"`

	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Hub        HubConfig        `mapstructure:"hub"`
	API        APIConfig        `mapstructure:"api"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
}

func setDefaults() {
	viper.SetDefault("store.backend", BackendClickHouse)

	viper.SetDefault("clickhouse.addr", "localhost:9000")
	viper.SetDefault("clickhouse.database", "observability")
	viper.SetDefault("clickhouse.username", "default")
	viper.SetDefault("clickhouse.password", "")
	viper.SetDefault("clickhouse.tls", false)
	viper.SetDefault("clickhouse.max_pool_size", 10)
	viper.SetDefault("clickhouse.max_execution_time", 60)

	viper.SetDefault("sqlite.path", "./data/alertfeed.db")

	viper.SetDefault("breaker.max_failures", 5)
	viper.SetDefault("breaker.cooldown", 5*time.Second)

	viper.SetDefault("poller.interval", time.Second)
	viper.SetDefault("poller.backoff", 5*time.Second)
	viper.SetDefault("poller.grace", time.Minute)
	viper.SetDefault("poller.batch_size", 5000)
	viper.SetDefault("poller.checkpoint_key", "alertfeed:watermark")

	viper.SetDefault("hub.queue_size", 256)

	viper.SetDefault("api.port", 8081)
	viper.SetDefault("api.tls", false)
	viper.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	viper.SetDefault("api.replay_limit", 1000)
	viper.SetDefault("api.rate_limit.requests_per_second", 50.0)
	viper.SetDefault("api.rate_limit.burst", 100)

	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.issuer", "")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "alerts.live")
	viper.SetDefault("kafka.dedup_size", 10000)
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("ALERTFEED")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("auth.jwt_secret", "ALERTFEED_JWT_SECRET")
	_ = viper.BindEnv("clickhouse.password", "ALERTFEED_CLICKHOUSE_PASSWORD")
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	return LoadConfigFile("")
}

// LoadConfigFile is LoadConfig with an explicit config file. An empty path
// searches ./config.yaml and ./config/config.yaml.
func LoadConfigFile(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: defaults and env vars only
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(config *Config) error {
	switch config.Store.Backend {
	case BackendClickHouse:
		if config.ClickHouse.Addr == "" {
			return fmt.Errorf("clickhouse addr cannot be empty")
		}
		if config.ClickHouse.Database == "" {
			return fmt.Errorf("clickhouse database cannot be empty")
		}
		if config.ClickHouse.MaxPoolSize < 1 {
			return fmt.Errorf("clickhouse max_pool_size must be positive")
		}
	case BackendSQLite:
		if config.SQLite.Path == "" {
			return fmt.Errorf("sqlite path cannot be empty")
		}
	default:
		return fmt.Errorf("invalid store backend %q (must be %s or %s)",
			config.Store.Backend, BackendClickHouse, BackendSQLite)
	}

	if config.Breaker.MaxFailures == 0 || config.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker max_failures and cooldown must be positive")
	}

	if config.Poller.Interval <= 0 {
		return fmt.Errorf("poller interval must be positive")
	}
	if config.Poller.Backoff < config.Poller.Interval {
		return fmt.Errorf("poller backoff (%s) must not be shorter than interval (%s)",
			config.Poller.Backoff, config.Poller.Interval)
	}
	if config.Poller.Grace < 0 {
		return fmt.Errorf("poller grace cannot be negative")
	}
	if config.Poller.BatchSize < 1 {
		return fmt.Errorf("poller batch_size must be positive")
	}

	if config.Hub.QueueSize < 1 {
		return fmt.Errorf("hub queue_size must be positive")
	}

	if config.API.Port < 1 || config.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d (must be 1-65535)", config.API.Port)
	}
	if config.API.TLS && (config.API.CertFile == "" || config.API.KeyFile == "") {
		return fmt.Errorf("api tls requires cert_file and key_file")
	}
	if config.API.RateLimit.RequestsPerSecond <= 0 || config.API.RateLimit.Burst < 1 {
		return fmt.Errorf("api rate_limit requests_per_second and burst must be positive")
	}
	if config.API.ReplayLimit < 0 {
		return fmt.Errorf("api replay_limit cannot be negative")
	}

	if config.Auth.Enabled && len(config.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters (256 bits) when auth is enabled")
	}

	if config.Redis.Enabled && config.Redis.Addr == "" {
		return fmt.Errorf("redis addr cannot be empty when redis is enabled")
	}

	if config.Kafka.Enabled {
		if len(config.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers cannot be empty when kafka is enabled")
		}
		if config.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic cannot be empty when kafka is enabled")
		}
		if config.Kafka.DedupSize < 1 {
			return fmt.Errorf("kafka dedup_size must be positive")
		}
	}

	return nil
}
