package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/campaign-sync/internal/adapter"
	apperrors "github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/metrics"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/storage"
)

// Extractor discovers campaign pages and extracts them
type Extractor interface {
	MapSite(ctx context.Context) ([]string, error)
	ExtractBatch(ctx context.Context, urls []string, maxBatch int) (*adapter.ExtractionResult, error)
	ExtractOne(ctx context.Context, url string) (*models.ExtractionRecord, error)
	CampaignURL(address string) string
}

// CampaignStore is the campaign side of the persistence gateway
type CampaignStore interface {
	FindMissing(ctx context.Context, siteAddresses []string) ([]string, error)
	UpsertCampaign(ctx context.Context, c models.Campaign) (bool, error)
	UpsertDistributions(ctx context.Context, contractAddress string, dists []models.TokenDistribution) storage.DistributionOutcome
	FindCampaignsMissingDistributions(ctx context.Context) ([]string, error)
}

// HistoryStore is the sync_history side of the persistence gateway
type HistoryStore interface {
	Record(ctx context.Context, h models.SyncHistory) (int64, error)
	HoursSinceLastSuccess(ctx context.Context, now time.Time) (*float64, error)
}

// ReportNotifier sends the end-of-pass report. It must not fail the caller.
type ReportNotifier interface {
	SendSyncReport(ctx context.Context, results *models.SyncResults, status models.SyncStatus, hoursSinceLastSync *float64)
}

// EngineConfig tunes a SyncEngine
type EngineConfig struct {
	BatchSize           int
	ChunkSize           int
	ExpectedInterval    time.Duration
	StaleFactor         float64
	RepairDistributions bool
}

// SyncEngine runs sync passes: map, diff, extract, persist, report
type SyncEngine struct {
	extractor Extractor
	campaigns CampaignStore
	history   HistoryStore
	notifier  ReportNotifier
	cfg       EngineConfig
	now       func() time.Time
}

// NewSyncEngine creates a sync engine. notifier may be nil.
func NewSyncEngine(extractor Extractor, campaigns CampaignStore, history HistoryStore, notifier ReportNotifier, cfg EngineConfig) *SyncEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.ExpectedInterval <= 0 {
		cfg.ExpectedInterval = time.Hour
	}
	if cfg.StaleFactor <= 0 {
		cfg.StaleFactor = 1.5
	}
	return &SyncEngine{
		extractor: extractor,
		campaigns: campaigns,
		history:   history,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
	}
}

// BatchOutcome is the result of one SyncBatch call. NextOffset accounts for the
// campaigns this batch added, which leave the missing set.
type BatchOutcome struct {
	Results    *models.SyncResults `json:"results"`
	NextOffset int                 `json:"next_offset"`
	Done       bool                `json:"done"`
}

var campaignPath = regexp.MustCompile(`/campaigns/([^/?#]+)`)

// AddressesFromURLs pulls the path segment after /campaigns/ out of each URL.
// The result is sorted and deduplicated so batch offsets are stable between calls.
func AddressesFromURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		m := campaignPath.FindStringSubmatch(u)
		if m == nil {
			continue
		}
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	sort.Strings(out)
	return out
}

// Sync runs a full pass over every missing campaign, records history, and sends the report
func (e *SyncEngine) Sync(ctx context.Context) (*models.SyncResults, error) {
	logger := logging.FromContext(ctx).WithField("pass", "full")
	results := models.NewSyncResults(e.now())
	hours := e.checkStaleness(ctx)

	missing, err := e.missingAddresses(ctx, results)
	if err != nil {
		e.fail(ctx, results, err)
		return results, err
	}
	logger.WithFields(map[string]interface{}{
		"site":    results.Total,
		"missing": len(missing),
	}).Info("Starting sync pass")

	for i := 0; i < len(missing); i += e.cfg.BatchSize {
		end := i + e.cfg.BatchSize
		if end > len(missing) {
			end = len(missing)
		}
		if err := e.processAddresses(ctx, results, missing[i:end]); err != nil {
			e.fail(ctx, results, err)
			return results, err
		}
	}

	if e.cfg.RepairDistributions {
		if err := e.repairInto(ctx, results); err != nil {
			if ctx.Err() != nil {
				e.fail(ctx, results, err)
				return results, err
			}
			logger.WithError(err).Warn("Distribution repair skipped")
		}
	}

	e.finish(ctx, results, hours, true)
	return results, nil
}

// SyncBatch processes the [offset, offset+batchSize) slice of the missing set.
// History is recorded for every batch; the report is sent once the set is drained.
func (e *SyncEngine) SyncBatch(ctx context.Context, batchSize, offset int) (*BatchOutcome, error) {
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}
	if offset < 0 {
		offset = 0
	}
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"pass":      "batch",
		"batchSize": batchSize,
		"offset":    offset,
	})
	results := models.NewSyncResults(e.now())
	hours := e.checkStaleness(ctx)

	missing, err := e.missingAddresses(ctx, results)
	if err != nil {
		e.fail(ctx, results, err)
		return &BatchOutcome{Results: results, NextOffset: offset}, err
	}

	var slice []string
	if offset < len(missing) {
		end := offset + batchSize
		if end > len(missing) {
			end = len(missing)
		}
		slice = missing[offset:end]
	}
	logger.WithFields(map[string]interface{}{
		"missing": len(missing),
		"batch":   len(slice),
	}).Info("Starting batch sync")

	if err := e.processAddresses(ctx, results, slice); err != nil {
		e.fail(ctx, results, err)
		return &BatchOutcome{Results: results, NextOffset: offset}, err
	}

	// rows added in this batch drop out of the next diff
	next := offset + len(slice) - results.Added
	if next < 0 {
		next = 0
	}
	remaining := len(missing) - results.Added
	done := len(slice) == 0 || next >= remaining

	e.finish(ctx, results, hours, done)
	return &BatchOutcome{Results: results, NextOffset: next, Done: done}, nil
}

// SyncURL extracts and persists one campaign page. Nothing is recorded or sent;
// the caller aggregates the results.
func (e *SyncEngine) SyncURL(ctx context.Context, url string) (*models.SyncResults, error) {
	results := models.NewSyncResults(e.now())
	results.Total = 1

	rec, err := e.extractor.ExtractOne(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return results, err
		}
		if apperrors.HasCode(err, apperrors.CodeExtractionTimeout) {
			results.Skipped++
			results.AddDetail(apperrors.CodeExtractionTimeout, fmt.Sprintf("%s: %v", url, err), e.now())
			results.Finish(e.now())
			return results, nil
		}
		results.AddError(apperrors.CodeOf(err, apperrors.CodeExtractionFailed), fmt.Sprintf("%s: %v", url, err), e.now())
		results.Finish(e.now())
		return results, err
	}

	e.applyRecord(ctx, results, *rec)
	results.Finish(e.now())
	return results, nil
}

// MissingURLs returns the page URL of every campaign the store does not know yet
func (e *SyncEngine) MissingURLs(ctx context.Context) ([]string, error) {
	results := models.NewSyncResults(e.now())
	missing, err := e.missingAddresses(ctx, results)
	if err != nil {
		return nil, err
	}
	urls := make([]string, len(missing))
	for i, addr := range missing {
		urls[i] = e.extractor.CampaignURL(addr)
	}
	return urls, nil
}

// RepairDistributions re-extracts campaigns that have no distribution rows
func (e *SyncEngine) RepairDistributions(ctx context.Context) (*models.SyncResults, error) {
	results := models.NewSyncResults(e.now())
	err := e.repairInto(ctx, results)
	results.Finish(e.now())
	return results, err
}

// Finalize closes a pass whose results were accumulated elsewhere (fan-out children):
// it records history and sends the report.
func (e *SyncEngine) Finalize(ctx context.Context, results *models.SyncResults) models.SyncStatus {
	if results == nil {
		results = models.NewSyncResults(e.now())
	}
	hours := e.checkStaleness(ctx)
	return e.finish(ctx, results, hours, true)
}

// NotifyFailure sends a failure report for results that never reached finalization
func (e *SyncEngine) NotifyFailure(ctx context.Context, results *models.SyncResults) {
	if e.notifier == nil {
		return
	}
	if results == nil {
		results = models.NewSyncResults(e.now())
	}
	if results.EndTime.IsZero() {
		results.Finish(e.now())
	}
	e.notifier.SendSyncReport(ctx, results, models.SyncFailure, e.checkStaleness(ctx))
}

// DryRunResult is what Reconcile found without persisting anything
type DryRunResult struct {
	Missing  []string                  `json:"missing"`
	Records  []models.ExtractionRecord `json:"records"`
	Failures []adapter.ChunkFailure    `json:"-"`
}

// Reconcile maps, diffs and extracts up to limit missing campaigns (all when limit <= 0)
// without writing to the store.
func (e *SyncEngine) Reconcile(ctx context.Context, limit int) (*DryRunResult, error) {
	results := models.NewSyncResults(e.now())
	missing, err := e.missingAddresses(ctx, results)
	if err != nil {
		return nil, err
	}
	out := &DryRunResult{Missing: missing}
	if limit > 0 && limit < len(missing) {
		missing = missing[:limit]
	}
	if len(missing) == 0 {
		return out, nil
	}

	urls := make([]string, len(missing))
	for i, addr := range missing {
		urls[i] = e.extractor.CampaignURL(addr)
	}
	res, err := e.extractor.ExtractBatch(ctx, urls, e.cfg.ChunkSize)
	if res != nil {
		out.Records = res.Records
		out.Failures = res.Failures
	}
	return out, err
}

func (e *SyncEngine) missingAddresses(ctx context.Context, results *models.SyncResults) ([]string, error) {
	urls, err := e.extractor.MapSite(ctx)
	if err != nil {
		results.AddError(apperrors.CodeMapError, err.Error(), e.now())
		return nil, err
	}
	addresses := AddressesFromURLs(urls)
	results.Total = len(addresses)

	missing, err := e.campaigns.FindMissing(ctx, addresses)
	if err != nil {
		results.AddError(apperrors.CodeDatabaseError, "failed to fetch existing campaigns: "+err.Error(), e.now())
		return nil, err
	}
	return missing, nil
}

func (e *SyncEngine) processAddresses(ctx context.Context, results *models.SyncResults, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	urls := make([]string, len(addresses))
	for i, addr := range addresses {
		urls[i] = e.extractor.CampaignURL(addr)
	}

	res, err := e.extractor.ExtractBatch(ctx, urls, e.cfg.ChunkSize)
	if res != nil {
		e.applyFailures(results, res.Failures)
		for _, rec := range res.Records {
			e.applyRecord(ctx, results, rec)
		}
	}
	return err
}

func (e *SyncEngine) applyFailures(results *models.SyncResults, failures []adapter.ChunkFailure) {
	for _, f := range failures {
		for _, url := range f.URLs {
			msg := fmt.Sprintf("%s: %v", url, f.Err)
			if f.TimedOut() {
				results.Skipped++
				results.AddDetail(apperrors.CodeExtractionTimeout, msg, e.now())
				metrics.ObserveCampaign("skipped")
				continue
			}
			results.AddError(f.Code(), msg, e.now())
			metrics.ObserveCampaign("error")
		}
	}
}

func (e *SyncEngine) applyRecord(ctx context.Context, results *models.SyncResults, rec models.ExtractionRecord) {
	results.Processed++
	if !rec.HasContract() {
		results.Skipped++
		metrics.ObserveCampaign("skipped")
		return
	}

	addr := rec.JSON.ContractAddress
	logger := logging.FromContext(ctx).WithField("contractAddress", addr)

	inserted, err := e.campaigns.UpsertCampaign(ctx, rec.ToCampaign(e.now()))
	if err != nil {
		logger.WithError(err).Error("Failed to insert campaign")
		results.AddError(apperrors.CodeInsertError, err.Error(), e.now())
		metrics.ObserveCampaign("error")
		return
	}
	if !inserted {
		metrics.ObserveCampaign("existing")
		return
	}
	results.Added++
	metrics.ObserveCampaign("added")

	outcome := e.campaigns.UpsertDistributions(ctx, addr, rec.JSON.TokenDistribution)
	results.DistributionsAdded += outcome.Inserted
	results.DistributionsUpdated += outcome.Updated
	for _, f := range outcome.Failures {
		logger.WithField("entity", f.Entity).WithError(f.Err).Warn("Failed to upsert distribution")
		results.AddDetail(apperrors.CodeDistributionError, f.Err.Error(), e.now())
	}
}

func (e *SyncEngine) repairInto(ctx context.Context, results *models.SyncResults) error {
	logger := logging.FromContext(ctx).WithField("pass", "repair")

	addresses, err := e.campaigns.FindCampaignsMissingDistributions(ctx)
	if err != nil {
		return err
	}
	if len(addresses) == 0 {
		return nil
	}
	logger.WithField("campaigns", len(addresses)).Info("Repairing campaigns without distributions")

	for i := 0; i < len(addresses); i += e.cfg.BatchSize {
		end := i + e.cfg.BatchSize
		if end > len(addresses) {
			end = len(addresses)
		}
		urls := make([]string, 0, end-i)
		for _, addr := range addresses[i:end] {
			urls = append(urls, e.extractor.CampaignURL(addr))
		}

		res, err := e.extractor.ExtractBatch(ctx, urls, e.cfg.ChunkSize)
		if res != nil {
			for _, f := range res.Failures {
				logger.WithError(f.Err).WithField("urls", len(f.URLs)).Warn("Repair extraction failed")
			}
			for _, rec := range res.Records {
				if !rec.HasContract() || len(rec.JSON.TokenDistribution) == 0 {
					continue
				}
				outcome := e.campaigns.UpsertDistributions(ctx, rec.JSON.ContractAddress, rec.JSON.TokenDistribution)
				results.DistributionsUpdated += outcome.Inserted + outcome.Updated
				for _, f := range outcome.Failures {
					results.AddDetail(apperrors.CodeDistributionError, f.Err.Error(), e.now())
				}
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *SyncEngine) checkStaleness(ctx context.Context) *float64 {
	if e.history == nil {
		return nil
	}
	hours, err := e.history.HoursSinceLastSuccess(ctx, e.now())
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Could not read last successful sync")
		return nil
	}
	if hours != nil && *hours > e.cfg.ExpectedInterval.Hours()*e.cfg.StaleFactor {
		logging.FromContext(ctx).WithField("hoursSinceLastSync", fmt.Sprintf("%.1f", *hours)).
			Warn("Last successful sync is stale")
	}
	return hours
}

// finish stamps the results, records history, and notifies when notify is set
func (e *SyncEngine) finish(ctx context.Context, results *models.SyncResults, hours *float64, notify bool) models.SyncStatus {
	results.Finish(e.now())
	status := results.Status()
	e.record(ctx, results, status)
	metrics.ObserveSyncPass(string(status), time.Duration(results.DurationMS)*time.Millisecond)

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"status":    string(status),
		"processed": results.Processed,
		"added":     results.Added,
		"skipped":   results.Skipped,
		"errors":    results.Errors,
	}).Info("Sync pass finished")

	if notify && e.notifier != nil {
		e.notifier.SendSyncReport(ctx, results, status, hours)
	}
	return status
}

// fail closes a pass that aborted on a fatal error. The failure report is left
// to the caller, which knows whether the pass will be retried.
func (e *SyncEngine) fail(ctx context.Context, results *models.SyncResults, cause error) {
	results.Finish(e.now())
	e.record(ctx, results, models.SyncFailure)
	metrics.ObserveSyncPass(string(models.SyncFailure), time.Duration(results.DurationMS)*time.Millisecond)
	logging.FromContext(ctx).WithError(cause).Error("Sync pass failed")
}

func (e *SyncEngine) record(ctx context.Context, results *models.SyncResults, status models.SyncStatus) {
	if e.history == nil {
		return
	}
	// a pass outlives its own context when it was cancelled
	recordCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		recordCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}
	if _, err := e.history.Record(recordCtx, models.HistoryFromResults(results, status)); err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to record sync history")
	}
}
