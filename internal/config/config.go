package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/ppuertot/queue-processor-system/internal/job"
)

type StoreDriver string

const (
	StorePostgres StoreDriver = "postgres"
	StoreSQLite   StoreDriver = "sqlite"
)

type BrokerDriver string

const (
	BrokerMemory BrokerDriver = "memory"
	BrokerRedis  BrokerDriver = "redis"
)

// Config is the full environment surface of the processor.
type Config struct {
	Port     int    `envconfig:"PORT" default:"3000"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// Mode is the NODE_ENV-style flag; "development" gates verbose errors.
	Mode string `envconfig:"APP_ENV" default:"production"`

	DBDriver   StoreDriver `envconfig:"DB_DRIVER" default:"sqlite"`
	DBPath     string      `envconfig:"DB_PATH" default:"queued.db"`
	DBHost     string      `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int         `envconfig:"DB_PORT" default:"5432"`
	DBName     string      `envconfig:"DB_NAME" default:"queued"`
	DBUser     string      `envconfig:"DB_USER" default:"queued"`
	DBPassword string      `envconfig:"DB_PASSWORD" default:""`
	DBSSL      bool        `envconfig:"DB_SSL" default:"false"`
	DBPoolSize int         `envconfig:"DB_POOL_SIZE" default:"20"`

	BrokerDriver  BrokerDriver `envconfig:"BROKER_DRIVER" default:"memory"`
	RedisHost     string       `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int          `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string       `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int          `envconfig:"REDIS_DB" default:"0"`

	PromoteInterval time.Duration `envconfig:"PROMOTE_INTERVAL" default:"200ms"`
	ShutdownGrace   time.Duration `envconfig:"SHUTDOWN_GRACE" default:"30s"`
	StaleThreshold  time.Duration `envconfig:"STALE_THRESHOLD" default:"60s"`
	RetentionSweep  string        `envconfig:"RETENTION_SWEEP" default:"@every 5m"`
	MaxRetryDelay   time.Duration `envconfig:"MAX_RETRY_DELAY" default:"10m"`

	Queues map[string]job.QueueConfig `ignored:"true"`
}

// Load reads .env if present, decodes the environment, and applies per-type
// queue overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	cfg.Queues = make(map[string]job.QueueConfig, len(job.BuiltinTypes))
	for _, name := range job.BuiltinTypes {
		cfg.Queues[name] = queueFromEnv(name)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// queueFromEnv builds one queue config from {TYPE}_* variables, falling back
// to the defaults for anything unset.
func queueFromEnv(name string) job.QueueConfig {
	qc := job.DefaultQueueConfig(name)
	prefix := strings.ToUpper(name) + "_"

	if v, ok := lookupInt(prefix + "CONCURRENCY"); ok {
		qc.Concurrency = v
	}
	if v, ok := lookupInt(prefix + "MAX_RETRIES"); ok {
		qc.MaxRetries = v
	}
	if v, ok := lookupInt(prefix + "RETRY_DELAY"); ok {
		qc.RetryDelay = time.Duration(v) * time.Millisecond
	}
	if v := os.Getenv(prefix + "BACKOFF"); v != "" {
		qc.Backoff = job.BackoffKind(v)
	}
	if v, ok := lookupInt(prefix + "KEEP_COMPLETED"); ok {
		qc.KeepCompleted = v
	}
	if v, ok := lookupInt(prefix + "KEEP_FAILED"); ok {
		qc.KeepFailed = v
	}
	if v, ok := lookupInt(prefix + "TIMEOUT"); ok {
		qc.Timeout = time.Duration(v) * time.Millisecond
	}

	return qc
}

func lookupInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.DBDriver == "" {
		c.DBDriver = StoreSQLite
	}
	if c.BrokerDriver == "" {
		c.BrokerDriver = BrokerMemory
	}
	if c.DBPoolSize == 0 {
		c.DBPoolSize = 20
	}
	if c.PromoteInterval == 0 {
		c.PromoteInterval = 200 * time.Millisecond
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.StaleThreshold == 0 {
		c.StaleThreshold = 60 * time.Second
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = 10 * time.Minute
	}
	if c.Queues == nil {
		c.Queues = make(map[string]job.QueueConfig)
	}
	for name, qc := range c.Queues {
		if qc.Concurrency < 1 {
			qc.Concurrency = 1
		}
		if qc.MaxRetries < 0 {
			qc.MaxRetries = 0
		}
		if qc.Backoff != job.BackoffFixed && qc.Backoff != job.BackoffExponential {
			qc.Backoff = job.BackoffExponential
		}
		c.Queues[name] = qc
	}
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	switch c.DBDriver {
	case StorePostgres:
		if c.DBHost == "" {
			return errors.New("db_host must be provided for the postgres driver")
		}
		if c.DBPort < 1 || c.DBPort > 65535 {
			return errors.New("db_port must be between 1 and 65535")
		}
	case StoreSQLite:
		if c.DBPath == "" {
			return errors.New("db_path must be provided for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported db driver: %s", c.DBDriver)
	}
	switch c.BrokerDriver {
	case BrokerMemory:
	case BrokerRedis:
		if c.RedisHost == "" {
			return errors.New("redis_host must be provided for the redis driver")
		}
		if c.RedisPort < 1 || c.RedisPort > 65535 {
			return errors.New("redis_port must be between 1 and 65535")
		}
	default:
		return fmt.Errorf("unsupported broker driver: %s", c.BrokerDriver)
	}
	if c.ShutdownGrace <= 0 {
		return errors.New("shutdown_grace must be > 0")
	}
	if c.StaleThreshold <= 0 {
		return errors.New("stale_threshold must be > 0")
	}
	for name, qc := range c.Queues {
		if qc.Concurrency < 1 {
			return fmt.Errorf("queue %s: concurrency must be >= 1", name)
		}
		if qc.MaxRetries < 0 {
			return fmt.Errorf("queue %s: max_retries must be >= 0", name)
		}
		if qc.RetryDelay < 0 {
			return fmt.Errorf("queue %s: retry_delay must be >= 0", name)
		}
	}
	return nil
}

// Development reports whether verbose error bodies should be returned.
func (c *Config) Development() bool {
	return c.Mode == "development"
}

// PostgresDSN assembles the connection string for the pg driver.
func (c *Config) PostgresDSN() string {
	sslmode := "disable"
	if c.DBSSL {
		sslmode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, sslmode)
}

// RedisAddr returns host:port for the redis broker.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
