package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/quipufin/quipu/internal/extract"
	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/store"
	"github.com/quipufin/quipu/internal/vision"
)

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Analyze(ctx context.Context, storageRef string, features []extract.Feature) (*extract.Result, error) {
	args := m.Called(ctx, storageRef, features)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extract.Result), args.Error(1)
}

func (m *mockExtractor) GetResult(ctx context.Context, jobID string) (*extract.Result, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extract.Result), args.Error(1)
}

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, ruleBased model.ClassificationResult, extractedText string, hint model.DocumentType) (*model.VerifierPayload, error) {
	args := m.Called(ctx, ruleBased, extractedText, hint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.VerifierPayload), args.Error(1)
}

// fakeResolver treats the storage ref as already being a path.
type fakeResolver struct{}

func (fakeResolver) ResolvePath(storageRef string) (string, error) { return storageRef, nil }

// fakeRenderer returns fixed bytes, or fails when err is set.
type fakeRenderer struct {
	data []byte
	mime string
	err  error
}

func (r *fakeRenderer) RenderPage(context.Context, string) ([]byte, string, error) {
	if r.err != nil {
		return nil, "", r.err
	}
	return r.data, r.mime, nil
}

// fakeVision returns one canned result per call.
type fakeVision struct {
	result vision.Result
	calls  int
}

func (v *fakeVision) Analyze(context.Context, []byte, string, model.DocumentType) vision.Result {
	v.calls++
	return v.result
}

// captureEnqueuer records jobs instead of running them.
type captureEnqueuer struct {
	jobs    []model.Job
	delayed []model.Job
}

func (e *captureEnqueuer) Enqueue(_ context.Context, job model.Job) error {
	e.jobs = append(e.jobs, job)
	return nil
}

func (e *captureEnqueuer) EnqueueAfter(_ context.Context, job model.Job, _ time.Duration) {
	e.delayed = append(e.delayed, job)
}

func (e *captureEnqueuer) completedJobs() []model.CompletedJob {
	var out []model.CompletedJob
	for _, j := range e.jobs {
		if cj, ok := j.(model.CompletedJob); ok {
			out = append(out, cj)
		}
	}
	return out
}

// flakyStageStore fails SetLogStage a fixed number of times before
// delegating to the real store, the way a briefly locked database would.
type flakyStageStore struct {
	store.Store
	failures int
}

func (s *flakyStageStore) SetLogStage(ctx context.Context, logID string, status model.LogStatus, stage model.Stage) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	return s.Store.SetLogStage(ctx, logID, status, stage)
}

// captureConfirmer records confirmation hand-offs.
type captureConfirmer struct {
	requests []model.MergedResult
	err      error
}

func (c *captureConfirmer) RequestConfirmation(_ context.Context, _ *model.ProcessingLog, merged model.MergedResult) error {
	if c.err != nil {
		return c.err
	}
	c.requests = append(c.requests, merged)
	return nil
}
