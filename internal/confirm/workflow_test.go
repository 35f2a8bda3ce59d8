package confirm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/realtime"
	"github.com/quipufin/quipu/internal/store"
)

type captureEnqueuer struct {
	jobs []model.Job
}

func (e *captureEnqueuer) Enqueue(_ context.Context, job model.Job) error {
	e.jobs = append(e.jobs, job)
	return nil
}

type workflowFixture struct {
	store    *store.SQLiteStore
	pending  *MemoryStore
	registry *realtime.Registry
	mailbox  *realtime.Mailbox
	enqueuer *captureEnqueuer
	workflow *Workflow
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "confirm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	f := &workflowFixture{
		store:    st,
		pending:  NewMemoryStore(),
		registry: realtime.NewRegistry(),
		mailbox:  realtime.NewMailbox(),
		enqueuer: &captureEnqueuer{},
	}
	f.workflow = NewWorkflow(st, f.pending, f.registry, f.mailbox, f.enqueuer, 24*time.Hour)
	return f
}

func (f *workflowFixture) seedPendingLog(t *testing.T, userID string) (*model.ProcessingLog, model.MergedResult) {
	t.Helper()
	merged := model.MergedResult{
		Result: model.ClassificationResult{
			Source:          model.SourceLLM,
			TransactionType: model.TypeExpense,
			Category:        "alimentacion",
			Subcategory:     "supermercado",
			Amount:          decimal.NewFromInt(15990),
			Currency:        "CLP",
			TransactionDate: time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC),
			Merchant:        "Jumbo",
		},
		FinalConfidence: 0.85,
		SourcesUsed:     []model.Source{model.SourceRuleBased, model.SourceLLM},
		Reasoning:       "LLM verification agreed with rule-based classification",
	}
	log := &model.ProcessingLog{
		ID:           uuid.NewString(),
		JobID:        uuid.NewString(),
		DocumentID:   uuid.NewString(),
		UserID:       userID,
		StorageRef:   "uploads/" + userID + "/boleta.jpg",
		FileName:     "boleta.jpg",
		DocType:      model.DocTypeBoleta,
		Status:       model.LogStatusPendingConfirmation,
		CurrentStage: model.StageVerification,
		Confidence:   model.ConfidenceScores{Classification: 0.7, Vision: 0.8, LLM: 0.9},
		Merged:       &merged,
	}
	require.NoError(t, f.store.CreateLog(context.Background(), log))
	return log, merged
}

func TestWorkflow_RequestConfirmationEnqueues(t *testing.T) {
	f := newWorkflowFixture(t)
	log, merged := f.seedPendingLog(t, "u1")

	require.NoError(t, f.workflow.RequestConfirmation(context.Background(), log, merged))

	require.Len(t, f.enqueuer.jobs, 1)
	job, ok := f.enqueuer.jobs[0].(model.ConfirmationRequestJob)
	require.True(t, ok)
	assert.Equal(t, log.ID, job.LogID)
	assert.Equal(t, "u1", job.UserID)
	assert.Equal(t, model.QueueConfirmationRequest, job.Queue())
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), job.ExpiresAt, time.Minute)
}

func TestWorkflow_HandleRequestLiveDelivery(t *testing.T) {
	f := newWorkflowFixture(t)
	log, merged := f.seedPendingLog(t, "u1")

	var delivered []model.OutboundMessage
	f.registry.Register("u1", func(_ context.Context, msg model.OutboundMessage) error {
		delivered = append(delivered, msg)
		return nil
	})

	job := model.ConfirmationRequestJob{
		ID:        uuid.NewString(),
		LogID:     log.ID,
		UserID:    "u1",
		Merged:    merged,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, f.workflow.HandleRequest(context.Background(), job))

	require.Len(t, delivered, 1)
	assert.Equal(t, model.MessageTypeConfirmation, delivered[0].Type)
	assert.Contains(t, delivered[0].Content, "15.990")
	assert.Equal(t, 0, f.mailbox.Depth("u1"))

	p, err := f.pending.GetAndDelete(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, log.ID, p.ProcessingLogID)
}

func TestWorkflow_HandleRequestFallsBackToMailbox(t *testing.T) {
	f := newWorkflowFixture(t)
	log, merged := f.seedPendingLog(t, "u1")

	job := model.ConfirmationRequestJob{
		ID:        uuid.NewString(),
		LogID:     log.ID,
		UserID:    "u1",
		Merged:    merged,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, f.workflow.HandleRequest(context.Background(), job))

	assert.Equal(t, 1, f.mailbox.Depth("u1"))
}

func TestWorkflow_ConfirmPersistsTransaction(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	log, merged := f.seedPendingLog(t, "u1")

	require.NoError(t, f.pending.Put(ctx, Pending{
		ProcessingLogID: log.ID,
		UserID:          "u1",
		Merged:          merged,
		CreatedAt:       time.Now(),
		ExpiresAt:       time.Now().Add(24 * time.Hour),
	}))

	outcome, err := f.workflow.ProcessResponse(ctx, model.ConfirmationResponseJob{
		ID:        uuid.NewString(),
		UserID:    "u1",
		Confirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome.Status)
	require.NotNil(t, outcome.Transaction)
	assert.Equal(t, model.TxnStatusVerified, outcome.Transaction.Status)
	assert.Equal(t, model.MethodDocumentPipeline, outcome.Transaction.ProcessingMethod)
	assert.True(t, outcome.Transaction.Amount.Equal(decimal.NewFromInt(15990)))
	assert.Equal(t, 0.9, outcome.Transaction.Metadata.SourceConfidences[model.SourceLLM])

	stored, err := f.store.GetTransaction(ctx, outcome.Transaction.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "alimentacion", stored.Category)

	updated, err := f.store.GetLog(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogStatusCompleted, updated.Status)
	assert.Equal(t, outcome.Transaction.ID, updated.TransactionID)
}

func TestWorkflow_RejectCompletesWithoutTransaction(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	log, merged := f.seedPendingLog(t, "u1")

	require.NoError(t, f.pending.Put(ctx, Pending{
		ProcessingLogID: log.ID,
		UserID:          "u1",
		Merged:          merged,
		CreatedAt:       time.Now(),
		ExpiresAt:       time.Now().Add(24 * time.Hour),
	}))

	outcome, err := f.workflow.ProcessResponse(ctx, model.ConfirmationResponseJob{
		ID:        uuid.NewString(),
		UserID:    "u1",
		Confirmed: false,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome.Status)
	assert.Nil(t, outcome.Transaction)

	updated, err := f.store.GetLog(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogStatusCompleted, updated.Status)
	assert.Empty(t, updated.TransactionID)
	require.Len(t, updated.Errors, 1)
	assert.Equal(t, model.StageConfirmation, updated.Errors[0].Stage)

	txns, err := f.store.ListTransactions(ctx, store.TxnFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestWorkflow_ReplayedResponseIsIdempotent(t *testing.T) {
	f := newWorkflowFixture(t)
	ctx := context.Background()
	log, merged := f.seedPendingLog(t, "u1")

	require.NoError(t, f.pending.Put(ctx, Pending{
		ProcessingLogID: log.ID,
		UserID:          "u1",
		Merged:          merged,
		CreatedAt:       time.Now(),
		ExpiresAt:       time.Now().Add(24 * time.Hour),
	}))

	job := model.ConfirmationResponseJob{
		ID:        uuid.NewString(),
		UserID:    "u1",
		LogID:     log.ID,
		Confirmed: true,
	}

	first, err := f.workflow.ProcessResponse(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, first.Status)

	// The replay carries the same log ID but the slot is gone and the log
	// already left PENDING_CONFIRMATION, so nothing is written twice.
	second, err := f.workflow.ProcessResponse(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNothingPending, second.Status)

	txns, err := f.store.ListTransactions(ctx, store.TxnFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestWorkflow_ResponseWithoutPendingSlot(t *testing.T) {
	f := newWorkflowFixture(t)

	outcome, err := f.workflow.ProcessResponse(context.Background(), model.ConfirmationResponseJob{
		ID:        uuid.NewString(),
		UserID:    "nobody",
		Confirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNothingPending, outcome.Status)
}

func TestSweeper_RemovesExpiredSlots(t *testing.T) {
	s, now := newTestPendingStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, pendingFor("u1", "log-1")))
	*now = baseTime.Add(25 * time.Hour)

	removed, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	depth, err := s.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}
