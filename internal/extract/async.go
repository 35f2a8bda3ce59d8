package extract

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	defaultJobTimeout = 2 * time.Minute
	// Jobs nobody polled to completion are dropped after this long. The
	// poll worker gives up orders of magnitude earlier.
	abandonedJobAge = time.Hour
)

// Async runs a synchronous Provider behind the job-id polling contract:
// Analyze submits and returns immediately, GetResult reports progress.
// The submitted work runs detached from the caller's context because the
// upload worker that submitted it finishes its job right away.
type Async struct {
	provider Provider
	resolver PathResolver
	timeout  time.Duration

	mu   sync.Mutex
	jobs map[string]*asyncJob
}

type asyncJob struct {
	started time.Time
	done    bool
	result  *Result
}

// NewAsync wraps a provider. A zero timeout uses the default per-job cap.
func NewAsync(p Provider, resolver PathResolver, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	return &Async{
		provider: p,
		resolver: resolver,
		timeout:  timeout,
		jobs:     make(map[string]*asyncJob),
	}
}

// Analyze resolves the storage ref, starts the extraction in the
// background, and returns a processing result carrying the job ID.
func (a *Async) Analyze(ctx context.Context, storageRef string, features []Feature) (*Result, error) {
	path, err := a.resolver.ResolvePath(storageRef)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: resolve %s", storageRef)
	}

	jobID := uuid.NewString()
	a.mu.Lock()
	a.dropAbandonedLocked()
	a.jobs[jobID] = &asyncJob{started: time.Now()}
	a.mu.Unlock()

	go a.run(jobID, path, features)

	zap.L().Debug("extract: job submitted",
		zap.String("job_id", jobID),
		zap.String("storage_ref", storageRef),
	)
	return &Result{Status: StatusProcessing, JobID: jobID}, nil
}

// GetResult reports the job's state. Terminal results are returned once
// and the slot is released; an unknown job ID (already consumed, or lost
// to a restart) comes back failed so the poll worker finishes uniformly.
func (a *Async) GetResult(ctx context.Context, jobID string) (*Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	job, ok := a.jobs[jobID]
	if !ok {
		return &Result{Status: StatusFailed, JobID: jobID, Err: "unknown job"}, nil
	}
	if !job.done {
		return &Result{Status: StatusProcessing, JobID: jobID}, nil
	}
	delete(a.jobs, jobID)
	return job.result, nil
}

func (a *Async) run(jobID, path string, features []Feature) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	var res *Result
	payload, err := a.provider.Extract(ctx, path, features)
	if err != nil {
		zap.L().Warn("extract: provider failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		res = &Result{Status: StatusFailed, JobID: jobID, Err: err.Error()}
	} else {
		res = &Result{Status: StatusCompleted, JobID: jobID, Payload: payload}
	}

	a.mu.Lock()
	if job, ok := a.jobs[jobID]; ok {
		job.done = true
		job.result = res
	}
	a.mu.Unlock()
}

func (a *Async) dropAbandonedLocked() {
	cutoff := time.Now().Add(-abandonedJobAge)
	for id, job := range a.jobs {
		if job.started.Before(cutoff) {
			delete(a.jobs, id)
		}
	}
}
