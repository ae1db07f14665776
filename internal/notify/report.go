// Package notify builds sync reports and delivers them by email.
package notify

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/campaign-sync/internal/models"
)

// Report is a rendered email
type Report struct {
	Subject string
	Body    string
}

// ReportOptions carries the inputs of FormatReport that are not part of the results
type ReportOptions struct {
	// HoursSinceLastSync is nil when no earlier successful pass is known
	HoursSinceLastSync *float64
	ExpectedInterval   time.Duration
	StaleFactor        float64
	Now                time.Time
}

func (o ReportOptions) withDefaults() ReportOptions {
	if o.ExpectedInterval <= 0 {
		o.ExpectedInterval = time.Hour
	}
	if o.StaleFactor <= 0 {
		o.StaleFactor = 1.5
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	return o
}

// FormatReport renders the sync report. It has no side effects.
func FormatReport(results *models.SyncResults, status models.SyncStatus, opts ReportOptions) Report {
	opts = opts.withDefaults()
	if results == nil {
		results = models.NewSyncResults(opts.Now)
	}

	var b strings.Builder
	b.WriteString("Sync Status Report\n")
	b.WriteString("------------------\n")
	fmt.Fprintf(&b, "Status: %s\n", status)
	fmt.Fprintf(&b, "Time: %s to %s\n", formatTime(results.StartTime), formatTime(results.EndTime))
	fmt.Fprintf(&b, "Duration: %s\n\n", FormatDuration(results.DurationMS))

	b.WriteString("Summary\n")
	b.WriteString("-------\n")
	fmt.Fprintf(&b, "• Campaigns Processed: %d\n", results.Processed)
	fmt.Fprintf(&b, "• New Campaigns Added: %d\n", results.Added)
	fmt.Fprintf(&b, "• New Distributions Added: %d\n", results.DistributionsAdded)
	fmt.Fprintf(&b, "• Distributions Updated: %d\n", results.DistributionsUpdated)
	fmt.Fprintf(&b, "• Errors Encountered: %d\n", results.Errors)
	fmt.Fprintf(&b, "• Campaigns Skipped: %d\n\n", results.Skipped)

	if results.Errors > 0 && len(results.ErrorDetails) > 0 {
		b.WriteString("Error Details\n")
		b.WriteString("-------------\n")
		for _, d := range results.ErrorDetails {
			fmt.Fprintf(&b, "• [%s] %s: %s\n", formatTime(d.Timestamp), d.Type, d.Message)
		}
		b.WriteString("\n")
	}

	b.WriteString("Performance Metrics\n")
	b.WriteString("-------------------\n")
	fmt.Fprintf(&b, "• Average Processing Time: %dms per campaign\n", AverageProcessingMS(results))
	fmt.Fprintf(&b, "• Success Rate: %d%%\n\n", SuccessRate(results))

	if IsStale(opts.HoursSinceLastSync, opts.ExpectedInterval, opts.StaleFactor) {
		fmt.Fprintf(&b, "Warning: Last sync was %.1f hours ago (expected: %s)\n\n",
			*opts.HoursSinceLastSync, formatInterval(opts.ExpectedInterval))
	}

	b.WriteString("Next Steps\n")
	b.WriteString("----------\n")
	b.WriteString(nextSteps(status, opts.ExpectedInterval))
	b.WriteString("\n")

	return Report{
		Subject: subjectLine(status, opts.Now),
		Body:    b.String(),
	}
}

func subjectLine(status models.SyncStatus, now time.Time) string {
	stamp := now.UTC().Format("2006-01-02 15:04:05 MST")
	switch status {
	case models.SyncSuccess:
		return "GFM Sync Completed Successfully - " + stamp
	case models.SyncPartialSuccess:
		return "GFM Sync Completed with Warnings - " + stamp
	default:
		return "GFM Sync Failed - " + stamp
	}
}

func nextSteps(status models.SyncStatus, interval time.Duration) string {
	switch status {
	case models.SyncSuccess:
		return "No action required. Next sync scheduled in " + formatInterval(interval) + "."
	case models.SyncPartialSuccess:
		return "Some items failed to process. Manual review recommended."
	default:
		return "Immediate attention required. System will retry in " + formatInterval(interval) + "."
	}
}

// FormatDuration renders milliseconds as 850ms, 42s or 3m 5s
func FormatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	seconds := ms / 1000
	minutes := seconds / 60
	if minutes == 0 {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds%60)
}

// SuccessRate is the rounded share of processed+skipped records that did not error
func SuccessRate(r *models.SyncResults) int {
	total := r.Processed + r.Skipped
	if total == 0 {
		return 0
	}
	rate := float64(total-r.Errors) / float64(total) * 100
	if rate < 0 {
		rate = 0
	}
	return int(math.Round(rate))
}

// AverageProcessingMS is duration per processed campaign, 0 when nothing was processed
func AverageProcessingMS(r *models.SyncResults) int64 {
	if r.Processed <= 0 {
		return 0
	}
	return int64(math.Round(float64(r.DurationMS) / float64(r.Processed)))
}

// IsStale reports whether the last success is older than factor × interval
func IsStale(hours *float64, interval time.Duration, factor float64) bool {
	if hours == nil {
		return false
	}
	return *hours > interval.Hours()*factor
}

func formatInterval(d time.Duration) string {
	if d%time.Hour == 0 {
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	}
	return d.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
