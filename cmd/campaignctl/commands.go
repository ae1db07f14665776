package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/service"
)

func newMapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "map",
		Short: "List campaign pages on the source site",
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			urls, err := services.MapSite(cmd.Context())
			if err != nil {
				return fmt.Errorf("map site: %w", err)
			}
			addresses := service.AddressesFromURLs(urls)
			return printJSON(cmd, map[string]interface{}{
				"urls":      len(urls),
				"addresses": addresses,
			})
		},
	}
}

type chunkFailureView struct {
	URLs  []string `json:"urls"`
	Code  string   `json:"code"`
	Error string   `json:"error"`
}

func newReconcileCmd() *cobra.Command {
	var (
		dryRun bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare the site against the store and extract what is missing",
		Long: `reconcile maps the source site, diffs it against stored campaigns, and extracts
the missing pages. With --dry-run (the default) nothing is written; otherwise a full
sync pass runs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			if !dryRun {
				results, err := services.Engine().Sync(cmd.Context())
				if results != nil {
					if perr := printJSON(cmd, results); perr != nil {
						return perr
					}
				}
				return err
			}

			out, err := services.Engine().Reconcile(cmd.Context(), limit)
			if err != nil && out == nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			failures := make([]chunkFailureView, 0, len(out.Failures))
			for _, f := range out.Failures {
				failures = append(failures, chunkFailureView{URLs: f.URLs, Code: f.Code(), Error: f.Err.Error()})
			}
			if perr := printJSON(cmd, map[string]interface{}{
				"missing":  out.Missing,
				"records":  out.Records,
				"failures": failures,
			}); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "extract without persisting")
	cmd.Flags().IntVar(&limit, "limit", 0, "extract at most this many missing campaigns (0 means all)")
	return cmd
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a full sync pass in-process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			results, err := services.Engine().Sync(cmd.Context())
			if results != nil {
				if perr := printJSON(cmd, map[string]interface{}{
					"status":  results.Status(),
					"results": results,
				}); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func newSyncBatchCmd() *cobra.Command {
	var size, offset int
	cmd := &cobra.Command{
		Use:   "sync-batch",
		Short: "Sync one slice of the missing campaigns in-process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			out, err := services.Engine().SyncBatch(cmd.Context(), size, offset)
			if out != nil {
				if perr := printJSON(cmd, out); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&size, "size", 5, "campaigns per batch")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset into the sorted missing set")
	return cmd
}

func newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Re-extract distributions for campaigns that have none",
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			results, err := services.Engine().RepairDistributions(cmd.Context())
			if results != nil {
				if perr := printJSON(cmd, results); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func newEnqueueCmd() *cobra.Command {
	var (
		jobType   string
		fanOut    bool
		batchSize int
		offset    int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a sync job for the worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var params models.JobParams
			switch models.JobType(jobType) {
			case models.JobTypeSync:
				params = models.SyncParams{FanOut: fanOut}
			case models.JobTypeSyncBatch:
				params = models.SyncBatchParams{BatchSize: batchSize, Offset: offset}
			default:
				return fmt.Errorf("unsupported job type %q", jobType)
			}

			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			job, err := services.Queue().Enqueue(cmd.Context(), params)
			if err != nil {
				return err
			}
			return printJSON(cmd, job.StatusView())
		},
	}
	cmd.Flags().StringVar(&jobType, "type", string(models.JobTypeSync), "job type: sync or sync-batch")
	cmd.Flags().BoolVar(&fanOut, "fan-out", false, "split a sync job into one job per missing page")
	cmd.Flags().IntVar(&batchSize, "batch-size", 5, "campaigns per sync-batch job")
	cmd.Flags().IntVar(&offset, "offset", 0, "starting offset for sync-batch")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobId>",
		Short: "Show the status of a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			view, err := services.Queue().GetJobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, view)
		},
	}
}

func newQueueLengthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue-length",
		Short: "Show how many jobs are waiting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := services.Queue().Length(cmd.Context())
			if err != nil {
				return err
			}
			delayed, err := services.Queue().DelayedLength(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int64{
				"pending": pending,
				"delayed": delayed,
			})
		},
	}
}

func newDrainCmd() *cobra.Command {
	var maxJobs int
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Process queued jobs in-process until the queue is empty",
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			n, err := services.Queue().Drain(cmd.Context(), maxJobs)
			if perr := printJSON(cmd, map[string]int{"processed": n}); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().IntVar(&maxJobs, "max", 0, "stop after this many jobs (0 means until empty)")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sync passes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveServices(cmd.Context())
			if err != nil {
				return err
			}
			rows, err := services.History().Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, rows)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of passes to show")
	return cmd
}
