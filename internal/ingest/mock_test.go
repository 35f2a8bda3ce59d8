package ingest

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/pkg/telegram"
)

type mockTelegram struct {
	mock.Mock
}

func (m *mockTelegram) GetUpdates(ctx context.Context, offset int64, limit, timeoutSecs int) ([]telegram.Update, error) {
	args := m.Called(ctx, offset, limit, timeoutSecs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]telegram.Update), args.Error(1)
}

func (m *mockTelegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	args := m.Called(ctx, chatID, text)
	return args.Error(0)
}

func (m *mockTelegram) GetFile(ctx context.Context, fileID string) (*telegram.File, error) {
	args := m.Called(ctx, fileID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*telegram.File), args.Error(1)
}

func (m *mockTelegram) DownloadFile(ctx context.Context, filePath string) (io.ReadCloser, error) {
	args := m.Called(ctx, filePath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

// fakeBlobs records Put calls and hands back predictable refs.
type fakeBlobs struct {
	mu   sync.Mutex
	refs []string
}

func (b *fakeBlobs) Put(userID, filename string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	ref := userID + "/" + filename
	b.mu.Lock()
	b.refs = append(b.refs, ref)
	b.mu.Unlock()
	return ref, nil
}

// captureEnqueuer collects jobs thread-safely; Run loops run concurrently
// with test assertions.
type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []model.Job
}

func (e *captureEnqueuer) Enqueue(_ context.Context, job model.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
	return nil
}

func (e *captureEnqueuer) snapshot() []model.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Job(nil), e.jobs...)
}

func body(s string) io.ReadCloser {
	return io.NopCloser(bytes.NewReader([]byte(s)))
}
