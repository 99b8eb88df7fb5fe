// Package config loads the billingsyncd process configuration from a YAML
// file and BILLINGSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mihaimyh/billingsync/pkg/billing"
	"github.com/mihaimyh/billingsync/pkg/mail"
	"github.com/mihaimyh/billingsync/storage/firestore"
	"github.com/mihaimyh/billingsync/storage/postgres"
	"github.com/mihaimyh/billingsync/storage/redis"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "BILLINGSYNC"

// Storage drivers
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
)

type Config struct {
	Server  ServerConfig    `mapstructure:"server"`
	Logger  LoggerConfig    `mapstructure:"logger"`
	Metrics MetricsConfig   `mapstructure:"metrics"`
	Stripe  StripeConfig    `mapstructure:"stripe"`
	Storage StorageConfig   `mapstructure:"storage"`
	Redis   RedisConfig     `mapstructure:"redis"`
	Email   mail.SMTPConfig `mapstructure:"email"`
	Breaker BreakerConfig   `mapstructure:"breaker"`
	Digest  DigestConfig    `mapstructure:"digest"`
	Sweeper SweeperConfig   `mapstructure:"sweeper"`

	// CatalogPath points at the YAML plan catalog
	CatalogPath string `mapstructure:"catalog_path" validate:"required"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace" validate:"required"`
	Path      string `mapstructure:"path" validate:"required,startswith=/"`
}

type StripeConfig struct {
	WebhookSecret      string        `mapstructure:"webhook_secret"`
	APIKey             string        `mapstructure:"api_key"`
	TenantMetadataKey  string        `mapstructure:"tenant_metadata_key"`
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance" validate:"gte=0"`
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes" validate:"gte=0"`
	// RateLimit is requests per client IP per RateWindow; negative disables it
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window" validate:"gte=0"`
}

type StorageConfig struct {
	Driver    string          `mapstructure:"driver" validate:"oneof=memory postgres firestore"`
	Postgres  postgres.Config `mapstructure:"postgres"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
}

type FirestoreConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	firestore.Config `mapstructure:",squash"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`

	// CacheSnapshots fronts the durable store with Redis for entitlement snapshots
	CacheSnapshots bool `mapstructure:"cache_snapshots"`
	AsyncBackfill  bool `mapstructure:"async_backfill"`

	redis.Config `mapstructure:",squash"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=0"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" validate:"gte=0"`
}

type DigestConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	AppName          string        `mapstructure:"app_name"`
	Interval         time.Duration `mapstructure:"interval" validate:"gt=0"`
	Concurrency      int           `mapstructure:"concurrency" validate:"gt=0"`
	MaxItemsPerGroup int           `mapstructure:"max_items_per_group" validate:"gt=0"`
	LockTTL          time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
}

type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

// Load reads the configuration. path may be empty, in which case
// billingsync.yaml is searched in ./configs and the working directory and a
// missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("billingsync")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the storage driver settings
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.Postgres.ConnectionString == "" {
			return fmt.Errorf("invalid config: storage.postgres.dsn is required for the postgres driver")
		}
	case DriverFirestore:
		if c.Storage.Firestore.ProjectID == "" {
			return fmt.Errorf("invalid config: storage.firestore.project_id is required for the firestore driver")
		}
	}
	if c.Redis.CacheSnapshots && !c.Redis.Enabled {
		return fmt.Errorf("invalid config: redis.cache_snapshots requires redis.enabled")
	}
	return nil
}

// setDefaults registers every key so environment overrides are picked up
// by Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("catalog_path", "./configs/catalog.yaml")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")

	v.SetDefault("metrics.namespace", "billingsync")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.tenant_metadata_key", "tenant_id")
	v.SetDefault("stripe.signature_tolerance", 5*time.Minute)
	v.SetDefault("stripe.max_body_bytes", 256*1024)
	v.SetDefault("stripe.rate_limit", 100)
	v.SetDefault("stripe.rate_window", time.Minute)

	pg := postgres.DefaultConfig()
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", pg.MaxConns)
	v.SetDefault("storage.postgres.min_conns", pg.MinConns)
	v.SetDefault("storage.postgres.max_conn_lifetime", pg.MaxConnLifetime)
	v.SetDefault("storage.postgres.max_conn_idle_time", pg.MaxConnIdleTime)
	v.SetDefault("storage.postgres.cleanup_enabled", pg.CleanupEnabled)
	v.SetDefault("storage.postgres.cleanup_interval", pg.CleanupInterval)
	v.SetDefault("storage.postgres.read_retention", pg.ReadRetention)
	v.SetDefault("storage.firestore.project_id", "")

	rd := redis.DefaultConfig()
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_snapshots", false)
	v.SetDefault("redis.async_backfill", false)
	v.SetDefault("redis.key_prefix", rd.KeyPrefix)
	v.SetDefault("redis.snapshot_ttl", rd.SnapshotTTL)

	v.SetDefault("email.host", "")
	v.SetDefault("email.port", 0)
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.from_address", "noreply@billingsync.local")
	v.SetDefault("email.from_name", "billingsync")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 30*time.Second)

	v.SetDefault("digest.enabled", true)
	v.SetDefault("digest.app_name", "billingsync")
	v.SetDefault("digest.interval", time.Hour)
	v.SetDefault("digest.concurrency", 8)
	v.SetDefault("digest.max_items_per_group", 5)
	v.SetDefault("digest.lock_ttl", 5*time.Minute)

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", time.Hour)
}

// LoadCatalog reads and validates the plan catalog file
func LoadCatalog(path string) (*billing.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var cc billing.CatalogConfig
	if err := yaml.Unmarshal(data, &cc); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidCatalog, err)
	}
	if err := validator.New().Struct(cc); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidCatalog, err)
	}
	return billing.NewCatalog(cc)
}
