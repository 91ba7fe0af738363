package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decp-sync/internal/config"
	"github.com/sells-group/decp-sync/internal/recordstore"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertLastRunFailed  AlertType = "last_run_failed"
	AlertStaleDataset   AlertType = "stale_dataset"
	AlertStuckRun       AlertType = "stuck_run"
)

// minFinishedRuns is how many finished runs the failure rate needs.
const minFinishedRuns = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Check run failure rate.
	finished := snap.RunsComplete + snap.RunsFailed
	if finished >= minFinishedRuns && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	// Check the latest run.
	if snap.LastRunStatus == recordstore.RunFailed {
		alerts = append(alerts, Alert{
			Type:      AlertLastRunFailed,
			Severity:  "medium",
			Message:   fmt.Sprintf("Latest pipeline run failed: %s", snap.LastRunError),
			Details:   map[string]any{"error": snap.LastRunError},
			Timestamp: now,
		})
	}

	// Check dataset freshness. A log with no run at all is a fresh install.
	if a.cfg.StaleAfterHours > 0 && snap.LastRunStatus != "" {
		hours := snap.HoursSinceSuccess()
		if hours < 0 || hours > float64(a.cfg.StaleAfterHours) {
			msg := "No complete run recorded"
			if hours >= 0 {
				msg = fmt.Sprintf("No complete run for %.0fh (threshold %dh)", hours, a.cfg.StaleAfterHours)
			}
			alerts = append(alerts, Alert{
				Type:     AlertStaleDataset,
				Severity: "high",
				Message:  msg,
				Details: map[string]any{
					"hours_since_success": hours,
					"threshold_hours":     a.cfg.StaleAfterHours,
				},
				Timestamp: now,
			})
		}
	}

	// Check runs that never finished.
	if snap.RunsStuck > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStuckRun,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d run(s) still marked running after %dh",
				snap.RunsStuck, a.cfg.StaleAfterHours,
			),
			Details:   map[string]any{"stuck": snap.RunsStuck},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
