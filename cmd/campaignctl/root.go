package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/campaign-sync/internal/app"
	"github.com/campaign-sync/internal/config"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/service"
)

type servicesKeyType string

const servicesKey servicesKeyType = "services"

// Engine is the sync engine surface the CLI drives in-process
type Engine interface {
	Sync(ctx context.Context) (*models.SyncResults, error)
	SyncBatch(ctx context.Context, batchSize, offset int) (*service.BatchOutcome, error)
	RepairDistributions(ctx context.Context) (*models.SyncResults, error)
	Reconcile(ctx context.Context, limit int) (*service.DryRunResult, error)
}

// JobQueue is the queue surface the CLI uses
type JobQueue interface {
	Enqueue(ctx context.Context, params models.JobParams) (*models.Job, error)
	GetJobStatus(ctx context.Context, id string) (*models.JobStatusView, error)
	Length(ctx context.Context) (int64, error)
	DelayedLength(ctx context.Context) (int64, error)
	Drain(ctx context.Context, max int) (int, error)
}

// HistoryReader reads recorded passes
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]models.SyncHistory, error)
}

// Services is everything a subcommand may need. Tests swap the factory for fakes.
type Services interface {
	MapSite(ctx context.Context) ([]string, error)
	Engine() Engine
	Queue() JobQueue
	History() HistoryReader
	Close()
}

type appServices struct {
	app *app.App
}

func (s *appServices) MapSite(ctx context.Context) ([]string, error) {
	return s.app.Extraction.MapSite(ctx)
}
func (s *appServices) Engine() Engine         { return s.app.Engine }
func (s *appServices) Queue() JobQueue        { return s.app.Queue }
func (s *appServices) History() HistoryReader { return s.app.History }
func (s *appServices) Close()                 { s.app.Close() }

var newServices = func(ctx context.Context) (Services, error) {
	cfg, err := app.LoadConfig(config.RequirePostgres, config.RequireRedis)
	if err != nil {
		return nil, err
	}
	app.InitLogging(cfg)
	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}
	return &appServices{app: a}, nil
}

func newRootCmd() *cobra.Command {
	var (
		timeout time.Duration
		cancel  context.CancelFunc = func() {}
	)

	cmd := &cobra.Command{
		Use:           "campaignctl",
		Short:         "Operate the campaign sync pipeline",
		Long:          "campaignctl maps the source site, runs sync passes in-process, and manages the job queue.",
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			if timeout > 0 {
				var stopTimeout context.CancelFunc
				ctx, stopTimeout = context.WithTimeout(ctx, timeout)
				cancel = func() { stopTimeout(); stop() }
			} else {
				cancel = stop
			}

			services, err := newServices(ctx)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			cmd.SetContext(context.WithValue(ctx, servicesKey, services))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if services, ok := cmd.Context().Value(servicesKey).(Services); ok && services != nil {
				services.Close()
			}
			cancel()
		},
	}

	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "abort the command after this long (0 disables)")

	cmd.AddCommand(
		newMapCmd(),
		newReconcileCmd(),
		newSyncCmd(),
		newSyncBatchCmd(),
		newRepairCmd(),
		newEnqueueCmd(),
		newStatusCmd(),
		newQueueLengthCmd(),
		newDrainCmd(),
		newHistoryCmd(),
	)
	return cmd
}

func resolveServices(ctx context.Context) (Services, error) {
	services, ok := ctx.Value(servicesKey).(Services)
	if !ok || services == nil {
		return nil, errors.New("services not initialized")
	}
	return services, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
