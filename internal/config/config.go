// Package config provides configuration management for the campaign sync service.
// It loads an optional .env file and binds environment variables through viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Trigger      TriggerConfig      `mapstructure:"trigger"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Firecrawl    FirecrawlConfig    `mapstructure:"firecrawl"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Notification NotificationConfig `mapstructure:"resend"`
	Logging      LoggingConfig      `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// per-client limit on the /api routes
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// TriggerConfig holds the shared token that guards the trigger endpoints
type TriggerConfig struct {
	Token string `mapstructure:"token"`
}

// PostgresConfig holds Postgres configuration. URL wins over the discrete fields when set.
type PostgresConfig struct {
	URL            string `mapstructure:"url"`
	Host           string `mapstructure:"host"`
	Port           string `mapstructure:"port"`
	Database       string `mapstructure:"db"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// ConnString returns a pgx connection string
func (p PostgresConfig) ConnString() string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable pool_max_conns=%d",
		p.Host, p.Port, p.User, p.Password, p.Database, p.MaxConnections,
	)
}

// MigrateURL returns a URL form usable by golang-migrate
func (p PostgresConfig) MigrateURL() string {
	if p.URL != "" {
		return p.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     p.Host + ":" + p.Port,
		Path:     p.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// RedisConfig holds Redis configuration. URL wins over the discrete fields when set.
type RedisConfig struct {
	URL            string `mapstructure:"url"`
	Host           string `mapstructure:"host"`
	Port           string `mapstructure:"port"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// FirecrawlConfig holds extraction API configuration
type FirecrawlConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	SiteURL           string        `mapstructure:"site_url"`
	ChunkSize         int           `mapstructure:"chunk_size"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	ChunkDelay        time.Duration `mapstructure:"chunk_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	// shared across processes through Redis; 0 disables
	BudgetPerMinute int `mapstructure:"budget_per_minute"`
	BudgetReserved  int `mapstructure:"budget_reserved"`
}

// SyncConfig holds sync engine configuration
type SyncConfig struct {
	BatchSize           int           `mapstructure:"batch_size"`
	ExpectedInterval    time.Duration `mapstructure:"expected_interval"`
	StaleFactor         float64       `mapstructure:"stale_factor"`
	RepairDistributions bool          `mapstructure:"repair_distributions"`
	RecentWindow        time.Duration `mapstructure:"recent_window"`
}

// QueueConfig holds job queue configuration
type QueueConfig struct {
	KeyPrefix         string        `mapstructure:"key_prefix"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	JobTTL            time.Duration `mapstructure:"job_ttl"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	// a fan-out parent with no child progress for this long is closed
	ChildrenTimeout time.Duration `mapstructure:"children_timeout"`
}

// NotificationConfig holds email delivery configuration
type NotificationConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	From    string `mapstructure:"from"`
	To      string `mapstructure:"to"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Requirement names a group of settings a binary needs at startup
type Requirement string

const (
	RequireExtraction   Requirement = "extraction"
	RequirePostgres     Requirement = "postgres"
	RequireRedis        Requirement = "redis"
	RequireNotification Requirement = "notification"
	RequireTriggerToken Requirement = "trigger"
)

// ErrMissingConfig is wrapped by Validate when required settings are absent
var ErrMissingConfig = errors.New("missing required configuration")

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// every key needs a default so AutomaticEnv can bind it during Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.requests_per_second", 2.0)
	v.SetDefault("server.burst", 10)

	v.SetDefault("trigger.token", "")

	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.db", "campaigns")
	v.SetDefault("postgres.user", "campaigns")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.max_connections", 10)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_connections", 10)

	v.SetDefault("firecrawl.api_key", "")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev")
	v.SetDefault("firecrawl.site_url", "https://www.gofundmeme.io")
	v.SetDefault("firecrawl.chunk_size", 3)
	v.SetDefault("firecrawl.poll_interval", 2*time.Second)
	v.SetDefault("firecrawl.timeout", 120*time.Second)
	v.SetDefault("firecrawl.max_retries", 3)
	v.SetDefault("firecrawl.retry_delay", 5*time.Second)
	v.SetDefault("firecrawl.chunk_delay", 3*time.Second)
	v.SetDefault("firecrawl.requests_per_second", 2.0)
	v.SetDefault("firecrawl.budget_per_minute", 0)
	v.SetDefault("firecrawl.budget_reserved", 0)

	v.SetDefault("sync.batch_size", 5)
	v.SetDefault("sync.expected_interval", time.Hour)
	v.SetDefault("sync.stale_factor", 1.5)
	v.SetDefault("sync.repair_distributions", true)
	v.SetDefault("sync.recent_window", 5*time.Minute)

	v.SetDefault("queue.key_prefix", "gfm")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.processing_timeout", 5*time.Minute)
	v.SetDefault("queue.job_ttl", 7*24*time.Hour)
	v.SetDefault("queue.retry_base_delay", 30*time.Second)
	v.SetDefault("queue.retry_max_delay", 10*time.Minute)
	v.SetDefault("queue.poll_interval", 15*time.Second)
	v.SetDefault("queue.children_timeout", 30*time.Minute)

	v.SetDefault("resend.api_key", "")
	v.SetDefault("resend.base_url", "https://api.resend.com")
	v.SetDefault("resend.from", "no-reply@alerts.gfmterminal.ai")
	v.SetDefault("resend.to", "dev@gfmterminal.ai")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate reports every missing setting for the given requirements
func (c *Config) Validate(reqs ...Requirement) error {
	var missing []string
	for _, req := range reqs {
		switch req {
		case RequireExtraction:
			if c.Firecrawl.APIKey == "" {
				missing = append(missing, "FIRECRAWL_API_KEY")
			}
		case RequirePostgres:
			if c.Postgres.URL == "" && c.Postgres.Host == "" {
				missing = append(missing, "POSTGRES_URL")
			}
		case RequireRedis:
			if c.Redis.URL == "" && c.Redis.Host == "" {
				missing = append(missing, "REDIS_URL")
			}
		case RequireNotification:
			if c.Notification.APIKey == "" {
				missing = append(missing, "RESEND_API_KEY")
			}
		case RequireTriggerToken:
			if c.Trigger.Token == "" {
				missing = append(missing, "TRIGGER_TOKEN")
			}
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	return nil
}
