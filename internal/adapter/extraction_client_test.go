package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/campaign-sync/internal/errors"
)

// fakeFirecrawl emulates the map and async extract endpoints. A chunk whose URLs
// contain "bad" fails, "slow" never completes, anything else completes after one
// processing poll.
type fakeFirecrawl struct {
	mu          sync.Mutex
	links       []string
	mapStatus   int
	startStatus int
	starts      int
	jobs        map[string][]string
	polls       map[string]int
}

func newFakeFirecrawl() *fakeFirecrawl {
	return &fakeFirecrawl{
		jobs:        map[string][]string{},
		polls:       map[string]int{},
		mapStatus:   http.StatusOK,
		startStatus: http.StatusOK,
	}
}

func (f *fakeFirecrawl) server(t *testing.T) *httptest.Server {
	r := mux.NewRouter()
	r.HandleFunc("/v1/map", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer fc-test", req.Header.Get("Authorization"))
		if f.mapStatus != http.StatusOK {
			w.WriteHeader(f.mapStatus)
			return
		}
		var body mapRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "campaigns", body.Search)
		assert.True(t, body.IncludeSubdomains)
		_ = json.NewEncoder(w).Encode(mapResponse{Success: true, Links: f.links})
	}).Methods(http.MethodPost)

	r.HandleFunc("/v1/extract", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.starts++
		if f.startStatus != http.StatusOK {
			w.WriteHeader(f.startStatus)
			_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
			return
		}
		var body extractRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.NotEmpty(t, body.Prompt)
		id := fmt.Sprintf("ext-%d", f.starts)
		f.jobs[id] = body.URLs
		_ = json.NewEncoder(w).Encode(extractStartResponse{Success: true, ID: id})
	}).Methods(http.MethodPost)

	r.HandleFunc("/v1/extract/{id}", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := mux.Vars(req)["id"]
		urls := f.jobs[id]
		f.polls[id]++

		joined := strings.Join(urls, ",")
		switch {
		case strings.Contains(joined, "bad"):
			_ = json.NewEncoder(w).Encode(ExtractStatus{Success: true, Status: "failed", Error: "page blocked"})
		case strings.Contains(joined, "slow"), f.polls[id] == 1:
			_ = json.NewEncoder(w).Encode(ExtractStatus{Success: true, Status: "processing"})
		default:
			items := make([]map[string]interface{}, 0, len(urls))
			for _, u := range urls {
				addr := u[strings.LastIndex(u, "/")+1:]
				items = append(items, map[string]interface{}{
					"contract_address": addr,
					"ticker":           strings.ToUpper(addr),
					"supply":           "1,000,000,000",
					"token_distribution": []map[string]interface{}{
						{"entity": "lp", "percentage": 30},
						{"entity": "lp", "percentage": "20"},
					},
				})
			}
			data, _ := json.Marshal(items)
			_ = json.NewEncoder(w).Encode(ExtractStatus{Success: true, Status: "completed", Data: data})
		}
	}).Methods(http.MethodGet)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newTestExtractionClient(baseURL string) *ExtractionClient {
	api := NewFirecrawlClient(FirecrawlOptions{APIKey: "fc-test", BaseURL: baseURL})
	return NewExtractionClient(api, ExtractionConfig{
		SiteURL:      "https://www.gofundmeme.io/",
		ChunkSize:    2,
		PollInterval: 5 * time.Millisecond,
		Timeout:      100 * time.Millisecond,
		MaxRetries:   2,
		RetryDelay:   time.Millisecond,
		ChunkDelay:   time.Millisecond,
	})
}

func TestMapSite_FiltersCampaignURLs(t *testing.T) {
	fake := newFakeFirecrawl()
	fake.links = []string{
		"https://www.gofundmeme.io/campaigns/AAA",
		"https://www.gofundmeme.io/campaigns/create",
		"https://www.gofundmeme.io/campaigns/edit/AAA",
		"https://www.gofundmeme.io/about",
		"https://www.gofundmeme.io/campaigns/BBB",
	}
	client := newTestExtractionClient(fake.server(t).URL)

	urls, err := client.MapSite(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://www.gofundmeme.io/campaigns/AAA",
		"https://www.gofundmeme.io/campaigns/BBB",
	}, urls)
	assert.Equal(t, "https://www.gofundmeme.io/campaigns/XYZ", client.CampaignURL("XYZ"))
}

func TestMapSite_ErrorIsMapError(t *testing.T) {
	fake := newFakeFirecrawl()
	fake.mapStatus = http.StatusBadGateway
	client := newTestExtractionClient(fake.server(t).URL)

	_, err := client.MapSite(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeMapError))
}

func TestExtractBatch_BadChunkDoesNotAbortOthers(t *testing.T) {
	fake := newFakeFirecrawl()
	client := newTestExtractionClient(fake.server(t).URL)

	urls := []string{
		"https://www.gofundmeme.io/campaigns/aaa",
		"https://www.gofundmeme.io/campaigns/bbb",
		"https://www.gofundmeme.io/campaigns/bad1",
		"https://www.gofundmeme.io/campaigns/bad2",
		"https://www.gofundmeme.io/campaigns/ccc",
	}

	res, err := client.ExtractBatch(context.Background(), urls, 0)
	require.NoError(t, err)

	require.Len(t, res.Records, 3)
	assert.Equal(t, "aaa", res.Records[0].JSON.ContractAddress)
	assert.Equal(t, "ccc", res.Records[2].JSON.ContractAddress)
	assert.Equal(t, "https://www.gofundmeme.io/campaigns/ccc", res.Records[2].Metadata.SourceURL)
	assert.Equal(t, "1000000000", res.Records[0].JSON.Supply)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, urls[2:4], res.Failures[0].URLs)
	assert.Equal(t, apperrors.CodeExtractionFailed, res.Failures[0].Code())
	assert.False(t, res.Failures[0].TimedOut())

	// 1 start for each good chunk, MaxRetries starts for the bad one
	assert.Equal(t, 4, fake.starts)
}

func TestExtractBatch_Timeout(t *testing.T) {
	fake := newFakeFirecrawl()
	client := newTestExtractionClient(fake.server(t).URL)
	client.cfg.Timeout = 20 * time.Millisecond

	res, err := client.ExtractBatch(context.Background(), []string{"https://www.gofundmeme.io/campaigns/slow"}, 3)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	require.Len(t, res.Failures, 1)
	assert.True(t, res.Failures[0].TimedOut())
}

func TestExtractBatch_RejectedIsNotRetried(t *testing.T) {
	fake := newFakeFirecrawl()
	fake.startStatus = http.StatusUnauthorized
	client := newTestExtractionClient(fake.server(t).URL)

	res, err := client.ExtractBatch(context.Background(), []string{"https://www.gofundmeme.io/campaigns/aaa"}, 3)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, apperrors.CodeProviderRejected, res.Failures[0].Code())
	assert.Equal(t, 1, fake.starts)
}

func TestExtractBatch_ContextCancelled(t *testing.T) {
	fake := newFakeFirecrawl()
	client := newTestExtractionClient(fake.server(t).URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.ExtractBatch(ctx, []string{"https://www.gofundmeme.io/campaigns/aaa"}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractOne(t *testing.T) {
	fake := newFakeFirecrawl()
	client := newTestExtractionClient(fake.server(t).URL)

	rec, err := client.ExtractOne(context.Background(), "https://www.gofundmeme.io/campaigns/zzz")
	require.NoError(t, err)
	assert.Equal(t, "zzz", rec.JSON.ContractAddress)
	require.Len(t, rec.JSON.TokenDistribution, 2)
	assert.True(t, rec.JSON.TokenDistribution[1].Percentage.Equal(decimal.NewFromInt(20)))

	_, err = client.ExtractOne(context.Background(), "https://www.gofundmeme.io/campaigns/bad")
	assert.Error(t, err)
}

func TestNormalize_FillsDefaults(t *testing.T) {
	now := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	rec := Normalize(map[string]interface{}{
		"contract_address":     " So1ana ",
		"market_cap_on_launch": "$12,500.50",
		"token_distribution":   []interface{}{map[string]interface{}{"entity": "dev"}, "junk"},
		"social_links":         []interface{}{"https://x.com/a", ""},
	}, now)

	assert.Equal(t, "So1ana", rec.JSON.ContractAddress)
	assert.Equal(t, "", rec.JSON.Ticker)
	assert.Equal(t, "0", rec.JSON.Supply)
	assert.True(t, rec.JSON.MarketCapOnLaunch.Equal(decimal.RequireFromString("12500.5")))
	assert.Equal(t, "2026-02-02T10:00:00Z", rec.JSON.CreatedAt)
	require.Len(t, rec.JSON.TokenDistribution, 1)
	assert.True(t, rec.JSON.TokenDistribution[0].Percentage.IsZero())
	assert.Equal(t, []string{"https://x.com/a"}, rec.JSON.SocialLinks)
	assert.Equal(t, 200, rec.Metadata.StatusCode)

	empty := Normalize(map[string]interface{}{}, now)
	assert.NotNil(t, empty.JSON.TokenDistribution)
	assert.NotNil(t, empty.JSON.SocialLinks)
}
