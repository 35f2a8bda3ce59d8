// Package ingest feeds the upload queue from external document sources.
// One cursor-based consumer loop per stream; delivery is at-least-once and
// duplicates are absorbed downstream via deterministic job IDs.
package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/model"
)

// Event is one observed document upload.
type Event struct {
	Document model.Document
	At       time.Time
}

// Stream is a pollable source of upload events. Fetch returns up to limit
// events after the cursor plus the cursor to resume from; an unchanged
// cursor with no events means the source is idle.
type Stream interface {
	Name() string
	Fetch(ctx context.Context, cursor string, limit int) (events []Event, next string, err error)
}

// Enqueuer is the slice of the queue manager the consumer uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job) error
}

// Consumer runs one stream's poll loop.
type Consumer struct {
	stream     Stream
	enqueuer   Enqueuer
	batchSize  int
	pollDelay  time.Duration
	errorDelay time.Duration
}

// NewConsumer builds a consumer with sane fallbacks for unset knobs.
func NewConsumer(stream Stream, enqueuer Enqueuer, batchSize int, pollDelay, errorDelay time.Duration) *Consumer {
	if batchSize <= 0 {
		batchSize = 25
	}
	if pollDelay <= 0 {
		pollDelay = time.Second
	}
	if errorDelay <= 0 {
		errorDelay = 5 * time.Second
	}
	return &Consumer{
		stream:     stream,
		enqueuer:   enqueuer,
		batchSize:  batchSize,
		pollDelay:  pollDelay,
		errorDelay: errorDelay,
	}
}

// Run polls until the context ends. Fetch errors keep the cursor and back
// off longer, so nothing is skipped; re-reads after a crash are fine
// because upload jobs are deduplicated by ID.
func (c *Consumer) Run(ctx context.Context) {
	log := zap.L().With(zap.String("stream", c.stream.Name()))
	log.Info("ingest: consumer started", zap.Int("batch_size", c.batchSize))

	var cursor string
	for {
		events, next, err := c.stream.Fetch(ctx, cursor, c.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("ingest: consumer stopped")
				return
			}
			log.Warn("ingest: fetch failed, keeping cursor", zap.Error(err))
			if !sleep(ctx, c.errorDelay) {
				return
			}
			continue
		}

		for _, ev := range events {
			if _, ok := model.SupportedExtension(ev.Document.FileName); !ok {
				log.Debug("ingest: unsupported file skipped",
					zap.String("file", ev.Document.FileName),
				)
				continue
			}
			job := model.UploadJob{
				ID:         model.NewUploadJobID(ev.Document.StorageRef, ev.At),
				Document:   ev.Document,
				EnqueuedAt: time.Now().UTC(),
			}
			if err := c.enqueuer.Enqueue(ctx, job); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("ingest: enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			log.Info("ingest: upload queued",
				zap.String("job_id", job.ID),
				zap.String("user_id", ev.Document.UserID),
				zap.String("file", ev.Document.FileName),
			)
		}

		cursor = next
		if !sleep(ctx, c.pollDelay) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
