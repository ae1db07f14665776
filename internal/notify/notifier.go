package notify

import (
	"context"
	"strings"
	"time"

	"github.com/campaign-sync/internal/config"
	"github.com/campaign-sync/internal/logging"
	"github.com/campaign-sync/internal/models"
	"github.com/campaign-sync/internal/retry"
)

// Notifier formats and sends sync reports. Delivery is best effort: failures
// are logged and never returned.
type Notifier struct {
	sender           Sender
	from             string
	to               []string
	expectedInterval time.Duration
	staleFactor      float64
	policy           retry.Policy
	now              func() time.Time
}

// NewNotifier builds a Notifier. A nil sender turns every report into a log line.
func NewNotifier(sender Sender, cfg config.NotificationConfig, syncCfg config.SyncConfig) *Notifier {
	var to []string
	for _, addr := range strings.Split(cfg.To, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	return &Notifier{
		sender:           sender,
		from:             cfg.From,
		to:               to,
		expectedInterval: syncCfg.ExpectedInterval,
		staleFactor:      syncCfg.StaleFactor,
		policy:           retry.ExponentialPolicy(2, time.Second, 5*time.Second),
		now:              time.Now,
	}
}

// NewNotifierFromConfig wires a Resend sender when an API key is configured
func NewNotifierFromConfig(cfg *config.Config) *Notifier {
	var sender Sender
	if cfg.Notification.APIKey != "" {
		sender = NewResendSender(cfg.Notification.APIKey, cfg.Notification.BaseURL)
	}
	return NewNotifier(sender, cfg.Notification, cfg.Sync)
}

// SendSyncReport renders and delivers one report
func (n *Notifier) SendSyncReport(ctx context.Context, results *models.SyncResults, status models.SyncStatus, hoursSinceLastSync *float64) {
	report := FormatReport(results, status, ReportOptions{
		HoursSinceLastSync: hoursSinceLastSync,
		ExpectedInterval:   n.expectedInterval,
		StaleFactor:        n.staleFactor,
		Now:                n.now(),
	})

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"subject": report.Subject,
		"status":  string(status),
	})

	if n.sender == nil || len(n.to) == 0 {
		log.Warn("Notification delivery not configured, report not sent")
		return
	}

	email := Email{From: n.from, To: n.to, Subject: report.Subject, Text: report.Body}
	err := retry.Run(ctx, n.policy, func(ctx context.Context, _ int) error {
		return n.sender.Send(ctx, email)
	})
	if err != nil {
		log.WithError(err).Error("Failed to send sync report")
		return
	}
	log.Info("Sync report sent")
}
