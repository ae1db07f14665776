package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/metrics"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/retry"
)

// ExtractAPI is the subset of the Firecrawl API the extraction client drives
type ExtractAPI interface {
	Map(ctx context.Context, siteURL, search string) ([]string, error)
	StartExtract(ctx context.Context, urls []string, prompt string, schema map[string]interface{}) (string, error)
	GetExtractStatus(ctx context.Context, id string) (*ExtractStatus, error)
}

// ExtractionConfig tunes chunking, polling, and retries
type ExtractionConfig struct {
	SiteURL      string
	ChunkSize    int
	PollInterval time.Duration
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	ChunkDelay   time.Duration
}

// ChunkFailure is a chunk that exhausted its retries
type ChunkFailure struct {
	URLs []string
	Err  error
}

// Code returns the error code used in error_details
func (f ChunkFailure) Code() string {
	return apperrors.CodeOf(f.Err, apperrors.CodeExtractionFailed)
}

// TimedOut reports whether the last attempt ended on the poll deadline
func (f ChunkFailure) TimedOut() bool {
	return apperrors.HasCode(f.Err, apperrors.CodeExtractionTimeout)
}

// ExtractionResult is what one ExtractBatch call produced
type ExtractionResult struct {
	Records  []models.ExtractionRecord
	Failures []ChunkFailure
}

// ExtractionClient maps the source site and extracts campaign pages in chunks
type ExtractionClient struct {
	api    ExtractAPI
	cfg    ExtractionConfig
	policy retry.Policy
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewExtractionClient creates an extraction client over api
func NewExtractionClient(api ExtractAPI, cfg ExtractionConfig) *ExtractionClient {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	cfg.SiteURL = strings.TrimRight(cfg.SiteURL, "/")

	return &ExtractionClient{
		api:    api,
		cfg:    cfg,
		policy: retry.FixedPolicy(cfg.MaxRetries, cfg.RetryDelay).WithRetryable(apperrors.IsRetryable),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SiteURL returns the configured source site
func (c *ExtractionClient) SiteURL() string {
	return c.cfg.SiteURL
}

// CampaignURL returns the page URL for a contract address
func (c *ExtractionClient) CampaignURL(address string) string {
	return c.cfg.SiteURL + "/campaigns/" + address
}

// MapSite lists campaign page URLs on the source site
func (c *ExtractionClient) MapSite(ctx context.Context) ([]string, error) {
	links, err := c.api.Map(ctx, c.cfg.SiteURL, "campaigns")
	if err != nil {
		return nil, apperrors.NewMapError(c.cfg.SiteURL, err)
	}

	urls := FilterCampaignURLs(links)
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"links":     len(links),
		"campaigns": len(urls),
	}).Info("Mapped source site")
	return urls, nil
}

// FilterCampaignURLs keeps campaign pages and drops the create and edit routes
func FilterCampaignURLs(links []string) []string {
	out := make([]string, 0, len(links))
	for _, link := range links {
		if !strings.Contains(link, "/campaigns/") {
			continue
		}
		if strings.Contains(link, "/create") || strings.Contains(link, "/edit/") {
			continue
		}
		out = append(out, link)
	}
	return out
}

// ExtractBatch extracts urls in chunks of at most maxBatch (the configured chunk
// size when maxBatch <= 0). A chunk that exhausts its retries is reported in
// Failures and the remaining chunks still run. Only context cancellation aborts.
func (c *ExtractionClient) ExtractBatch(ctx context.Context, urls []string, maxBatch int) (*ExtractionResult, error) {
	if maxBatch <= 0 {
		maxBatch = c.cfg.ChunkSize
	}
	logger := logging.FromContext(ctx)
	result := &ExtractionResult{}

	chunks := (len(urls) + maxBatch - 1) / maxBatch
	for i := 0; i < len(urls); i += maxBatch {
		end := i + maxBatch
		if end > len(urls) {
			end = len(urls)
		}
		chunk := urls[i:end]
		chunkLog := logger.WithFields(map[string]interface{}{
			"batch": i/maxBatch + 1,
			"of":    chunks,
			"urls":  len(chunk),
		})

		records, err := c.extractChunk(ctx, chunk)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		if err != nil {
			chunkLog.WithError(err).Error("Extraction chunk failed after retries")
			result.Failures = append(result.Failures, ChunkFailure{URLs: chunk, Err: err})
			metrics.ObserveExtractionChunk(strings.ToLower(apperrors.CodeOf(err, apperrors.CodeExtractionFailed)))
		} else {
			chunkLog.WithField("records", len(records)).Info("Extraction chunk completed")
			result.Records = append(result.Records, records...)
			metrics.ObserveExtractionChunk("completed")
		}

		if end < len(urls) {
			if err := c.sleep(ctx, c.cfg.ChunkDelay); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

// ExtractOne extracts a single page; a page that yields nothing is an error
func (c *ExtractionClient) ExtractOne(ctx context.Context, url string) (*models.ExtractionRecord, error) {
	res, err := c.ExtractBatch(ctx, []string{url}, 1)
	if err != nil {
		return nil, err
	}
	if len(res.Failures) > 0 {
		return nil, res.Failures[0].Err
	}
	if len(res.Records) == 0 {
		return nil, apperrors.NewExtractionFailedError("", "completed", "no data extracted from "+url)
	}
	return &res.Records[0], nil
}

func (c *ExtractionClient) extractChunk(ctx context.Context, urls []string) ([]models.ExtractionRecord, error) {
	var records []models.ExtractionRecord
	err := retry.Run(ctx, c.policy, func(ctx context.Context, attempt int) error {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"attempt": attempt,
			"urls":    urls,
		}).Debug("Submitting extraction chunk")

		id, err := c.api.StartExtract(ctx, urls, extractionPrompt, extractionSchema)
		if err != nil {
			return err
		}
		data, err := c.awaitExtract(ctx, id)
		if err != nil {
			return err
		}
		records, err = c.decodeRecords(data, urls)
		return err
	})
	if err != nil {
		return nil, unwrapRetry(err)
	}
	return records, nil
}

// unwrapRetry keeps the categorized cause so callers can read its code
func unwrapRetry(err error) error {
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}
	return err
}

func (c *ExtractionClient) awaitExtract(ctx context.Context, id string) (json.RawMessage, error) {
	deadline := time.NewTimer(c.cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := c.api.GetExtractStatus(ctx, id)
		if err != nil {
			return nil, err
		}

		switch status.Status {
		case "completed":
			if hasData(status.Data) {
				return status.Data, nil
			}
		case "failed", "cancelled":
			reason := status.Error
			if reason == "" {
				reason = "unknown error"
			}
			return nil, apperrors.NewExtractionFailedError(id, status.Status, reason)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, apperrors.NewExtractionTimeoutError(id, c.cfg.Timeout)
		case <-ticker.C:
		}
	}
}

func hasData(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != "[]" && s != "{}"
}

func (c *ExtractionClient) decodeRecords(data json.RawMessage, urls []string) ([]models.ExtractionRecord, error) {
	var items []map[string]interface{}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, apperrors.NewProviderError(providerName, fmt.Errorf("decode extract data: %w", err))
		}
	} else {
		var single map[string]interface{}
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, apperrors.NewProviderError(providerName, fmt.Errorf("decode extract data: %w", err))
		}
		items = []map[string]interface{}{single}
	}

	now := c.now()
	records := make([]models.ExtractionRecord, 0, len(items))
	for i, raw := range items {
		rec := Normalize(raw, now)
		if rec.Metadata.SourceURL == "" && len(items) == len(urls) {
			rec.Metadata.SourceURL = urls[i]
		}
		records = append(records, rec)
	}
	return records, nil
}

const extractionPrompt = `Extract campaign details from the page:
- title (campaign/token name)
- supply (total token supply)
- ticker (token symbol)
- avatar_url (token logo)
- contract_address (Solana address)
- developer_address (Solana address)
- token_distribution (array of {entity, percentage})
- market_cap_on_launch (USD)
- created_at (ISO date)
- social_links (URLs)
- description (campaign description)`

var extractionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"title":             map[string]interface{}{"type": "string"},
		"supply":            map[string]interface{}{"type": "string"},
		"ticker":            map[string]interface{}{"type": "string"},
		"avatar_url":        map[string]interface{}{"type": "string"},
		"contract_address":  map[string]interface{}{"type": "string"},
		"developer_address": map[string]interface{}{"type": "string"},
		"token_distribution": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"entity":     map[string]interface{}{"type": "string"},
					"percentage": map[string]interface{}{"type": "number"},
				},
			},
		},
		"market_cap_on_launch": map[string]interface{}{"type": "number"},
		"created_at":           map[string]interface{}{"type": "string"},
		"social_links":         map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		"description":          map[string]interface{}{"type": "string"},
	},
}
