// Package monitoring gathers health metrics from the store and the live
// pipeline components and raises webhook alerts on degradation.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Pipeline metrics (within lookback window).
	LogsTotal       int                     `json:"logs_total"`
	LogsByStatus    map[model.LogStatus]int `json:"logs_by_status"`
	FailRate        float64                 `json:"fail_rate"`
	AvgConfidence   float64                 `json:"avg_confidence"`
	TransactionsNew int                     `json:"transactions_new"`

	// Live depths.
	QueueDepths          map[model.QueueName]int `json:"queue_depths,omitempty"`
	PendingConfirmations int                     `json:"pending_confirmations"`
	MailboxDepth         int                     `json:"mailbox_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// QueueDepther reports per-queue backlogs.
type QueueDepther interface {
	Depths() map[model.QueueName]int
}

// SlotDepther reports how many pending confirmations are parked.
type SlotDepther interface {
	Depth(ctx context.Context) (int, error)
}

// MailboxDepther reports how many messages wait across all mailboxes.
type MailboxDepther interface {
	TotalDepth() int
}

// Collector gathers metrics from the store and the live components. Any
// of the depth providers may be nil (the one-shot CLI has no queues).
type Collector struct {
	store   store.Store
	queues  QueueDepther
	pending SlotDepther
	mailbox MailboxDepther
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store, queues QueueDepther, pending SlotDepther, mailbox MailboxDepther) *Collector {
	return &Collector{store: st, queues: queues, pending: pending, mailbox: mailbox}
}

// Collect gathers a snapshot over the given lookback window. The fail
// rate counts FAILED, TIMEOUT, and MANUAL_REVIEW_REQUIRED against all
// runs that reached a decision.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	snap := &MetricsSnapshot{
		LogsByStatus:  make(map[model.LogStatus]int),
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)

	logs, err := c.store.ListLogs(ctx, store.LogFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list logs")
	}

	snap.LogsTotal = len(logs)
	var confidenceSum float64
	var confidenceN int
	var decided, failed int
	for _, l := range logs {
		snap.LogsByStatus[l.Status]++
		if l.Merged != nil {
			confidenceSum += l.Merged.FinalConfidence
			confidenceN++
		}
		switch l.Status {
		case model.LogStatusCompleted, model.LogStatusPendingConfirmation:
			decided++
		case model.LogStatusFailed, model.LogStatusTimeout, model.LogStatusManualReview:
			decided++
			failed++
		}
	}
	if decided > 0 {
		snap.FailRate = float64(failed) / float64(decided)
	}
	if confidenceN > 0 {
		snap.AvgConfidence = confidenceSum / float64(confidenceN)
	}

	txns, err := c.store.ListTransactions(ctx, store.TxnFilter{
		From:  cutoff,
		Limit: 10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list transactions")
	}
	snap.TransactionsNew = len(txns)

	if c.queues != nil {
		snap.QueueDepths = c.queues.Depths()
	}
	if c.pending != nil {
		depth, err := c.pending.Depth(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: pending depth")
		}
		snap.PendingConfirmations = depth
	}
	if c.mailbox != nil {
		snap.MailboxDepth = c.mailbox.TotalDepth()
	}

	return snap, nil
}
