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

	"github.com/quipufin/quipu/internal/config"
	"github.com/quipufin/quipu/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate   AlertType = "pipeline_failure_rate"
	AlertLowConfidence AlertType = "low_avg_confidence"
	AlertQueueBacklog  AlertType = "queue_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// backlogThreshold is the per-queue depth that counts as a stall.
const backlogThreshold = 100

// minDecidedRuns avoids alerting on a nearly empty window.
const minDecidedRuns = 5

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook when they are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates an Alerter with the given monitoring config.
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

	finished := 0
	for status, n := range snap.LogsByStatus {
		switch status {
		case model.LogStatusCompleted, model.LogStatusPendingConfirmation,
			model.LogStatusFailed, model.LogStatusTimeout, model.LogStatusManualReview:
			finished += n
		}
	}

	if finished >= minDecidedRuns && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message:  fmt.Sprintf("pipeline failure rate %.0f%% over the last %dh", snap.FailRate*100, snap.LookbackHours),
			Details: map[string]any{
				"fail_rate": snap.FailRate,
				"threshold": a.cfg.FailureRateThreshold,
				"total":     snap.LogsTotal,
			},
			Timestamp: now,
		})
	}

	if finished >= minDecidedRuns && a.cfg.MinAvgConfidence > 0 && snap.AvgConfidence > 0 && snap.AvgConfidence < a.cfg.MinAvgConfidence {
		alerts = append(alerts, Alert{
			Type:     AlertLowConfidence,
			Severity: "medium",
			Message:  fmt.Sprintf("average merge confidence %.2f below %.2f", snap.AvgConfidence, a.cfg.MinAvgConfidence),
			Details: map[string]any{
				"avg_confidence": snap.AvgConfidence,
			},
			Timestamp: now,
		})
	}

	for queue, depth := range snap.QueueDepths {
		if depth >= backlogThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertQueueBacklog,
				Severity: "medium",
				Message:  fmt.Sprintf("queue %s backlog at %d jobs", queue, depth),
				Details: map[string]any{
					"queue": string(queue),
					"depth": depth,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts posts each alert to the webhook and returns how many landed.
// A missing webhook URL logs the alerts instead.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	log := zap.L().With(zap.String("component", "monitoring.alerter"))
	sent := 0
	for _, alert := range alerts {
		if a.cfg.WebhookURL == "" {
			log.Warn("alert (no webhook configured)",
				zap.String("type", string(alert.Type)),
				zap.String("message", alert.Message),
			)
			continue
		}
		if err := a.post(ctx, alert); err != nil {
			log.Error("failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: build alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post alert")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		return eris.Errorf("monitoring: webhook returned %d", resp.StatusCode)
	}
	return nil
}
