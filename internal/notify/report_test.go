package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/campaign-sync/internal/models"
)

func sampleResults() *models.SyncResults {
	start := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	r := models.NewSyncResults(start)
	r.Processed = 4
	r.Added = 3
	r.Skipped = 1
	r.DistributionsAdded = 9
	r.AddError("INSERT_ERROR", "failed to insert campaign X", start.Add(time.Second))
	r.Finish(start.Add(125 * time.Second))
	return r
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "850ms", FormatDuration(850))
	assert.Equal(t, "42s", FormatDuration(42_000))
	assert.Equal(t, "3m 5s", FormatDuration(185_000))
}

func TestSuccessRate(t *testing.T) {
	r := sampleResults()
	// (4+1-1)/(4+1)
	assert.Equal(t, 80, SuccessRate(r))
	assert.Equal(t, 0, SuccessRate(&models.SyncResults{}))
}

func TestAverageProcessingMS(t *testing.T) {
	r := sampleResults()
	assert.Equal(t, int64(31250), AverageProcessingMS(r))
	assert.Equal(t, int64(0), AverageProcessingMS(&models.SyncResults{DurationMS: 10}))
}

func TestFormatReport_PartialSuccess(t *testing.T) {
	r := sampleResults()
	now := time.Date(2025, 4, 1, 10, 2, 5, 0, time.UTC)

	report := FormatReport(r, models.SyncPartialSuccess, ReportOptions{Now: now})

	assert.Equal(t, "GFM Sync Completed with Warnings - 2025-04-01 10:02:05 UTC", report.Subject)
	assert.Contains(t, report.Body, "Status: partial_success")
	assert.Contains(t, report.Body, "Duration: 2m 5s")
	assert.Contains(t, report.Body, "• Campaigns Processed: 4")
	assert.Contains(t, report.Body, "• New Distributions Added: 9")
	assert.Contains(t, report.Body, "Error Details")
	assert.Contains(t, report.Body, "INSERT_ERROR: failed to insert campaign X")
	assert.Contains(t, report.Body, "Success Rate: 80%")
	assert.Contains(t, report.Body, "Manual review recommended")
	assert.NotContains(t, report.Body, "Warning: Last sync")
}

func TestFormatReport_SuccessHasNoErrorSection(t *testing.T) {
	start := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	r := models.NewSyncResults(start)
	r.Processed = 2
	r.Added = 1
	r.Skipped = 1
	r.Finish(start.Add(500 * time.Millisecond))

	report := FormatReport(r, models.SyncSuccess, ReportOptions{Now: start})
	assert.Contains(t, report.Subject, "Completed Successfully")
	assert.NotContains(t, report.Body, "Error Details")
	assert.Contains(t, report.Body, "Duration: 500ms")
	assert.Contains(t, report.Body, "Next sync scheduled in 1 hour.")
}

func TestFormatReport_StalenessWarning(t *testing.T) {
	hours := 2.0
	report := FormatReport(sampleResults(), models.SyncFailure, ReportOptions{
		HoursSinceLastSync: &hours,
		ExpectedInterval:   time.Hour,
		StaleFactor:        1.5,
		Now:                time.Now(),
	})
	assert.Contains(t, report.Subject, "GFM Sync Failed")
	assert.Contains(t, report.Body, "Warning: Last sync was 2.0 hours ago (expected: 1 hour)")
	assert.Contains(t, report.Body, "Immediate attention required")
}

func TestIsStale(t *testing.T) {
	below, above := 1.4, 1.6
	assert.False(t, IsStale(nil, time.Hour, 1.5))
	assert.False(t, IsStale(&below, time.Hour, 1.5))
	assert.True(t, IsStale(&above, time.Hour, 1.5))
}

func TestFormatReport_NilResults(t *testing.T) {
	report := FormatReport(nil, models.SyncFailure, ReportOptions{})
	assert.Contains(t, report.Body, "• Campaigns Processed: 0")
}
