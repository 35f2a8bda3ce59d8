// Package queue implements the in-process job queues that decouple the
// pipeline stages: bounded channels with per-queue worker pools and
// retried handlers.
package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quipufin/quipu/internal/config"
	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/resilience"
)

// Handler processes one job. A returned error triggers the retry policy;
// a resilience.FatalError skips retries.
type Handler func(ctx context.Context, job model.Job) error

// queue is one bounded channel plus its worker count.
type queue struct {
	name    model.QueueName
	jobs    chan model.Job
	workers int
}

// Manager owns the five job queues and their workers. Handlers are
// registered before Run; Enqueue routes by the job's own queue name.
type Manager struct {
	queues   map[model.QueueName]*queue
	handlers map[model.QueueName]Handler
	retry    resilience.RetryConfig
}

// NewManager builds the queue set from configuration. Every queue shares
// the capacity and retry policy; worker counts are per queue.
func NewManager(cfg config.QueueConfig) *Manager {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 256
	}

	workers := map[model.QueueName]int{
		model.QueueUpload:               cfg.Workers.Upload,
		model.QueueAnalysisPoll:         cfg.Workers.AnalysisPoll,
		model.QueueCompleted:            cfg.Workers.Completed,
		model.QueueConfirmationRequest:  cfg.Workers.ConfirmationRequest,
		model.QueueConfirmationResponse: cfg.Workers.ConfirmationResponse,
	}

	m := &Manager{
		queues:   make(map[model.QueueName]*queue, len(workers)),
		handlers: make(map[model.QueueName]Handler, len(workers)),
		retry: resilience.FromRetryConfig(
			cfg.MaxAttempts,
			cfg.BackoffInitialMS,
			0,
			cfg.BackoffMultiplier,
			cfg.BackoffJitter,
		),
	}
	for name, n := range workers {
		if n <= 0 {
			n = 1
		}
		m.queues[name] = &queue{name: name, jobs: make(chan model.Job, capacity), workers: n}
	}
	return m
}

// Register sets the handler for one queue. Registering twice replaces the
// previous handler; Run fails on queues left without one.
func (m *Manager) Register(name model.QueueName, h Handler) {
	m.handlers[name] = h
}

// Enqueue routes a job onto its queue. It blocks while the queue is full
// so ingestion naturally slows under backpressure, giving up only when the
// context ends.
func (m *Manager) Enqueue(ctx context.Context, job model.Job) error {
	q, ok := m.queues[job.Queue()]
	if !ok {
		return eris.Errorf("queue: unknown queue %q", job.Queue())
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "queue: enqueue %s on %s", job.JobID(), job.Queue())
	}
}

// EnqueueAfter re-enqueues a job after a delay, for poll reschedules. The
// timer goroutine drops the job silently if the context ends first, which
// is fine: a shutdown mid-poll surfaces as a stuck log the monitoring
// sweep reports.
func (m *Manager) EnqueueAfter(ctx context.Context, job model.Job, delay time.Duration) {
	if delay <= 0 {
		if err := m.Enqueue(ctx, job); err != nil {
			zap.L().Warn("queue: immediate re-enqueue failed",
				zap.String("job_id", job.JobID()),
				zap.Error(err),
			)
		}
		return
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			if err := m.Enqueue(ctx, job); err != nil {
				zap.L().Warn("queue: delayed re-enqueue failed",
					zap.String("job_id", job.JobID()),
					zap.Error(err),
				)
			}
		}
	}()
}

// Depths reports the current backlog per queue, for monitoring.
func (m *Manager) Depths() map[model.QueueName]int {
	depths := make(map[model.QueueName]int, len(m.queues))
	for name, q := range m.queues {
		depths[name] = len(q.jobs)
	}
	return depths
}

// Run starts every queue's worker pool and blocks until the context is
// cancelled. Each worker drains its channel; a job whose handler keeps
// failing after the retry budget is logged and dropped, never requeued.
func (m *Manager) Run(ctx context.Context) error {
	for name := range m.queues {
		if _, ok := m.handlers[name]; !ok {
			return eris.Errorf("queue: no handler registered for %q", name)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, q := range m.queues {
		q := q
		handler := m.handlers[q.name]
		for i := 0; i < q.workers; i++ {
			worker := i
			g.Go(func() error {
				m.runWorker(ctx, q, worker, handler)
				return nil
			})
		}
	}
	return g.Wait()
}

func (m *Manager) runWorker(ctx context.Context, q *queue, worker int, handler Handler) {
	log := zap.L().With(
		zap.String("queue", string(q.name)),
		zap.Int("worker", worker),
	)
	log.Debug("queue: worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("queue: worker stopped")
			return
		case job := <-q.jobs:
			m.process(ctx, log, handler, job)
		}
	}
}

func (m *Manager) process(ctx context.Context, log *zap.Logger, handler Handler, job model.Job) {
	start := time.Now()

	cfg := m.retry
	// Job handlers already classify their own failures, so anything short
	// of a fatal error is worth the retry budget.
	cfg.ShouldRetry = func(err error) bool { return !resilience.IsFatal(err) }
	cfg.OnRetry = func(attempt int, err error) {
		log.Warn("queue: retrying job",
			zap.String("job_id", job.JobID()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return handler(ctx, job)
	})
	if err != nil {
		log.Error("queue: job failed",
			zap.String("job_id", job.JobID()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	log.Debug("queue: job done",
		zap.String("job_id", job.JobID()),
		zap.Duration("elapsed", time.Since(start)),
	)
}
