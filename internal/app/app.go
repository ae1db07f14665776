// Package app builds the object graph shared by the server, worker, and CLI binaries.
package app

import (
	"fmt"
	"time"

	"github.com/campaign-sync/internal/adapter"
	"github.com/campaign-sync/internal/config"
	"github.com/campaign-sync/internal/job"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/notify"
	"github.com/campaign-sync/internal/ratelimit"
	"github.com/campaign-sync/internal/service"
	"github.com/campaign-sync/internal/storage"
)

// App holds open connections and the services built on them
type App struct {
	Config     *config.Config
	Postgres   *storage.PostgresDB
	Redis      *storage.RedisStore
	Campaigns  *storage.CampaignRepository
	History    *storage.SyncHistoryRepository
	Extraction *adapter.ExtractionClient
	Engine     *service.SyncEngine
	Queue      *job.Queue
}

// InitLogging configures the global logger from cfg
func InitLogging(cfg *config.Config) *logging.Logger {
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	return logging.GetGlobalLogger()
}

// LoadConfig loads configuration and checks the given requirements
func LoadConfig(reqs ...config.Requirement) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(reqs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// New connects to Postgres and Redis and wires the engine and queue
func New(cfg *config.Config) (*App, error) {
	logger := logging.GetGlobalLogger()

	postgres, err := storage.NewPostgresDB(&cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connect to Postgres: %w", err)
	}

	redis, err := storage.NewRedisStore(&cfg.Redis)
	if err != nil {
		postgres.Close()
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}
	logger.Info("Database connections established")

	budget, err := NewRequestBudget(cfg, redis)
	if err != nil {
		_ = redis.Close()
		postgres.Close()
		return nil, err
	}

	a := &App{
		Config:     cfg,
		Postgres:   postgres,
		Redis:      redis,
		Campaigns:  storage.NewCampaignRepository(postgres.Pool()),
		History:    storage.NewSyncHistoryRepository(postgres.Pool()),
		Extraction: NewExtractionClient(cfg, budget),
	}

	a.Engine = service.NewSyncEngine(
		a.Extraction,
		a.Campaigns,
		a.History,
		notify.NewNotifierFromConfig(cfg),
		EngineConfig(cfg),
	)
	a.Queue = job.NewQueue(redis.Client(), a.Engine, job.OptionsFromConfig(cfg.Queue))

	return a, nil
}

// NewRequestBudget returns the shared Firecrawl budget, or nil when
// firecrawl.budget_per_minute is unset.
func NewRequestBudget(cfg *config.Config, redis *storage.RedisStore) (adapter.RequestBudget, error) {
	if cfg.Firecrawl.BudgetPerMinute <= 0 {
		return nil, nil
	}
	budget, err := ratelimit.NewBudget(&ratelimit.BudgetConfig{
		Redis:          redis.Client(),
		KeyPrefix:      cfg.Queue.KeyPrefix,
		TotalBudget:    cfg.Firecrawl.BudgetPerMinute,
		ReservedBudget: cfg.Firecrawl.BudgetReserved,
		WindowSize:     time.Minute,
		MaxWait:        cfg.Firecrawl.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("request budget: %w", err)
	}
	return budget, nil
}

// NewExtractionClient builds the Firecrawl-backed extraction client. budget may be nil.
func NewExtractionClient(cfg *config.Config, budget adapter.RequestBudget) *adapter.ExtractionClient {
	api := adapter.NewFirecrawlClient(adapter.FirecrawlOptions{
		APIKey:            cfg.Firecrawl.APIKey,
		BaseURL:           cfg.Firecrawl.BaseURL,
		RequestsPerSecond: cfg.Firecrawl.RequestsPerSecond,
		Budget:            budget,
	})
	return adapter.NewExtractionClient(api, adapter.ExtractionConfig{
		SiteURL:      cfg.Firecrawl.SiteURL,
		ChunkSize:    cfg.Firecrawl.ChunkSize,
		PollInterval: cfg.Firecrawl.PollInterval,
		Timeout:      cfg.Firecrawl.Timeout,
		MaxRetries:   cfg.Firecrawl.MaxRetries,
		RetryDelay:   cfg.Firecrawl.RetryDelay,
		ChunkDelay:   cfg.Firecrawl.ChunkDelay,
	})
}

// EngineConfig maps the sync and extraction sections onto the engine
func EngineConfig(cfg *config.Config) service.EngineConfig {
	return service.EngineConfig{
		BatchSize:           cfg.Sync.BatchSize,
		ChunkSize:           cfg.Firecrawl.ChunkSize,
		ExpectedInterval:    cfg.Sync.ExpectedInterval,
		StaleFactor:         cfg.Sync.StaleFactor,
		RepairDistributions: cfg.Sync.RepairDistributions,
	}
}

// Close releases the connections
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logging.WithError(err).Warn("Error closing Redis connection")
		}
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}
