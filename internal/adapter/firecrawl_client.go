package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/campaign-sync/internal/circuitbreaker"
	apperrors "github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/metrics"
	"github.com/campaign-sync/internal/ratelimit"
)

const providerName = "firecrawl"

// RequestBudget is an allowance shared with other processes; *ratelimit.Budget satisfies it
type RequestBudget interface {
	Wait(ctx context.Context, cost int, priority ratelimit.Priority) error
}

// FirecrawlClient talks to the Firecrawl v1 map and async extract endpoints
type FirecrawlClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	budget  RequestBudget
	breaker *circuitbreaker.CircuitBreaker
}

// FirecrawlOptions configures a FirecrawlClient
type FirecrawlOptions struct {
	APIKey            string
	BaseURL           string
	RequestsPerSecond float64
	HTTPTimeout       time.Duration
	// Budget is optional
	Budget RequestBudget
}

// NewFirecrawlClient creates a rate-limited, breaker-guarded API client
func NewFirecrawlClient(opts FirecrawlOptions) *FirecrawlClient {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	breakerCfg := circuitbreaker.DefaultConfig(providerName)
	// a rejected request says nothing about upstream health
	breakerCfg.IsFailure = func(err error) bool {
		return !apperrors.HasCode(err, apperrors.CodeProviderRejected)
	}
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetCircuitOpen(name, to != circuitbreaker.StateClosed)
	}

	return &FirecrawlClient{
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		budget:  opts.Budget,
		breaker: circuitbreaker.NewCircuitBreaker(breakerCfg),
	}
}

type mapRequest struct {
	URL               string `json:"url"`
	Search            string `json:"search,omitempty"`
	IncludeSubdomains bool   `json:"includeSubdomains"`
}

type mapResponse struct {
	Success bool     `json:"success"`
	Links   []string `json:"links"`
	Error   string   `json:"error,omitempty"`
}

// Map returns every link Firecrawl discovers for siteURL matching search
func (c *FirecrawlClient) Map(ctx context.Context, siteURL, search string) ([]string, error) {
	var resp mapResponse
	req := mapRequest{URL: siteURL, Search: search, IncludeSubdomains: true}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/map", req, &resp, 1, ratelimit.PriorityHigh); err != nil {
		return nil, err
	}
	if !resp.Success && resp.Error != "" {
		return nil, apperrors.NewProviderError(providerName, fmt.Errorf("map: %s", resp.Error))
	}
	return resp.Links, nil
}

type extractRequest struct {
	URLs   []string               `json:"urls"`
	Prompt string                 `json:"prompt"`
	Schema map[string]interface{} `json:"schema,omitempty"`
}

type extractStartResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	JobID   string `json:"jobId"`
	Error   string `json:"error,omitempty"`
}

// ExtractStatus is one poll answer for an async extract job
type ExtractStatus struct {
	Success bool            `json:"success"`
	Status  string          `json:"status"` // processing, completed, failed, cancelled
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

// StartExtract submits an async extract job and returns its handle
func (c *FirecrawlClient) StartExtract(ctx context.Context, urls []string, prompt string, schema map[string]interface{}) (string, error) {
	var resp extractStartResponse
	req := extractRequest{URLs: urls, Prompt: prompt, Schema: schema}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/extract", req, &resp, len(urls), ratelimit.PriorityLow); err != nil {
		return "", err
	}
	id := resp.ID
	if id == "" {
		id = resp.JobID
	}
	if id == "" {
		msg := resp.Error
		if msg == "" {
			msg = "no job id returned from extract"
		}
		return "", apperrors.NewProviderError(providerName, fmt.Errorf("%s", msg))
	}
	return id, nil
}

// GetExtractStatus polls an async extract job
func (c *FirecrawlClient) GetExtractStatus(ctx context.Context, id string) (*ExtractStatus, error) {
	var resp ExtractStatus
	if err := c.doJSON(ctx, http.MethodGet, "/v1/extract/"+id, nil, &resp, 1, ratelimit.PriorityHigh); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *FirecrawlClient) doJSON(ctx context.Context, method, path string, body, out interface{}, cost int, priority ratelimit.Priority) error {
	if c.budget != nil {
		if err := c.budget.Wait(ctx, cost, priority); err != nil {
			return err
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal %s request: %w", path, err)
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("build %s request: %w", path, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return apperrors.NewProviderError(providerName, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return apperrors.NewProviderError(providerName, fmt.Errorf("read body: %w", err))
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return apperrors.NewProviderRateLimitError(providerName)
		case resp.StatusCode >= 500:
			return apperrors.NewProviderError(providerName, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody)))
		case resp.StatusCode >= 400:
			return apperrors.NewProviderRejectedError(providerName, resp.StatusCode, truncate(respBody))
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return apperrors.NewProviderError(providerName, fmt.Errorf("decode %s response: %w", path, err))
		}
		return nil
	})
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
