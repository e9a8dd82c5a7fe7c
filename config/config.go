package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"event-queue/models"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

type Config struct {
	// Server configuration
	Port        string `yaml:"port"        envconfig:"PORT"`
	Environment string `yaml:"environment" envconfig:"ENVIRONMENT"`
	AdminToken  string `yaml:"adminToken"  envconfig:"ADMIN_TOKEN"`

	// Storage
	Store      string `yaml:"store"      envconfig:"STORE"`
	SQLitePath string `yaml:"sqlitePath" envconfig:"SQLITE_PATH"`

	// Redis configuration
	RedisURL      string `yaml:"redisURL"      envconfig:"REDIS_URL"`
	RedisPassword string `yaml:"redisPassword" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDB"       envconfig:"REDIS_DB"`
	RedisPoolSize int    `yaml:"redisPoolSize" envconfig:"REDIS_POOL_SIZE"`

	// PubNub configuration
	PubNubPublishKey   string `yaml:"pubnubPublishKey"   envconfig:"PUBNUB_PUBLISH_KEY"`
	PubNubSubscribeKey string `yaml:"pubnubSubscribeKey" envconfig:"PUBNUB_SUBSCRIBE_KEY"`
	PubNubSecretKey    string `yaml:"pubnubSecretKey"    envconfig:"PUBNUB_SECRET_KEY"`
	PubNubChannel      string `yaml:"pubnubChannel"      envconfig:"PUBNUB_CHANNEL_PREFIX"`

	// Queue defaults
	DefaultCapacity int           `yaml:"defaultCapacity" envconfig:"DEFAULT_CAPACITY"`
	FreezeDuration  time.Duration `yaml:"freezeDuration"  envconfig:"FREEZE_DURATION"`
	FreezeTrigger   string        `yaml:"freezeTrigger"   envconfig:"FREEZE_TRIGGER"`

	// Background work
	SweepInterval   time.Duration `yaml:"sweepInterval"   envconfig:"SWEEP_INTERVAL"`
	MetricsInterval time.Duration `yaml:"metricsInterval" envconfig:"METRICS_INTERVAL"`
	EventBuffer     int           `yaml:"eventBuffer"     envconfig:"EVENT_BUFFER"`
	EventWorkers    int           `yaml:"eventWorkers"    envconfig:"EVENT_WORKERS"`

	// Protection
	JoinRateLimit  int  `yaml:"joinRateLimit"  envconfig:"JOIN_RATE_LIMIT"`
	CircuitBreaker bool `yaml:"circuitBreaker" envconfig:"CIRCUIT_BREAKER"`

	// Monitoring
	EnableMetrics bool `yaml:"enableMetrics" envconfig:"ENABLE_METRICS"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

func Default() *Config {
	return &Config{
		Port:        "8090",
		Environment: "development",

		Store:      StoreMemory,
		SQLitePath: "event-queue.sqlite",

		RedisURL:      "redis://localhost:6379/0",
		RedisPoolSize: 100,

		PubNubChannel: "queue-",

		DefaultCapacity: models.DefaultCapacityLimit,
		FreezeDuration:  models.DefaultFreezeDurationMs * time.Millisecond,
		FreezeTrigger:   string(models.FreezeOnReached),

		SweepInterval:   time.Minute,
		MetricsInterval: 15 * time.Second,
		EventBuffer:     1024,
		EventWorkers:    4,

		JoinRateLimit:  30,
		CircuitBreaker: true,
		EnableMetrics:  true,

		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadConfig layers, in increasing precedence: defaults, the YAML file at
// path (optional), a .env file in the working directory, the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		return fmt.Errorf("invalid store %q (must be 'memory', 'redis' or 'sqlite')", c.Store)
	}
	if c.Store == StoreSQLite && c.SQLitePath == "" {
		return errors.New("sqlite store requires a database path")
	}
	if c.DefaultCapacity <= 0 {
		return fmt.Errorf("default capacity must be positive, got %d", c.DefaultCapacity)
	}
	if c.FreezeDuration < time.Millisecond {
		return fmt.Errorf("freeze duration must be at least 1ms, got %s", c.FreezeDuration)
	}
	if !models.FreezeTrigger(c.FreezeTrigger).Valid() {
		return fmt.Errorf("invalid freeze trigger %q (must be 'reached' or 'overflow')", c.FreezeTrigger)
	}
	if c.SweepInterval < 0 || c.MetricsInterval < 0 {
		return errors.New("background intervals must not be negative")
	}
	if c.JoinRateLimit < 0 {
		return fmt.Errorf("join rate limit must not be negative, got %d", c.JoinRateLimit)
	}
	return nil
}

// PubNubEnabled reports whether both PubNub keys needed to publish are set.
func (c *Config) PubNubEnabled() bool {
	return c.PubNubPublishKey != "" && c.PubNubSubscribeKey != ""
}
