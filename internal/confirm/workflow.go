package confirm

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/realtime"
	"github.com/quipufin/quipu/internal/store"
)

// Enqueuer is the slice of the queue layer the workflow needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job) error
}

// OutcomeStatus classifies what processing a response did.
type OutcomeStatus string

const (
	OutcomeConfirmed      OutcomeStatus = "confirmed"
	OutcomeRejected       OutcomeStatus = "rejected"
	OutcomeNothingPending OutcomeStatus = "nothing_pending"
)

// Outcome is the result of processing one confirmation response.
type Outcome struct {
	Status      OutcomeStatus
	Transaction *model.FinancialTransaction
	Reply       string
}

// Workflow runs the confirmation side of the pipeline: parking proposals,
// delivering the question, and turning answers into ledger rows.
type Workflow struct {
	store    store.Store
	pending  PendingStore
	registry *realtime.Registry
	mailbox  *realtime.Mailbox
	enqueuer Enqueuer
	ttl      time.Duration
	now      func() time.Time
}

// NewWorkflow wires the confirmation workflow. A non-positive ttl uses 24h.
func NewWorkflow(st store.Store, pending PendingStore, registry *realtime.Registry, mailbox *realtime.Mailbox, enqueuer Enqueuer, ttl time.Duration) *Workflow {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Workflow{
		store:    st,
		pending:  pending,
		registry: registry,
		mailbox:  mailbox,
		enqueuer: enqueuer,
		ttl:      ttl,
		now:      time.Now,
	}
}

// RequestConfirmation enqueues the confirmation question for a finished
// pipeline run. The orchestrator calls this instead of persisting anything
// itself.
func (w *Workflow) RequestConfirmation(ctx context.Context, log *model.ProcessingLog, merged model.MergedResult) error {
	job := model.ConfirmationRequestJob{
		ID:        uuid.NewString(),
		LogID:     log.ID,
		UserID:    log.UserID,
		Merged:    merged,
		ExpiresAt: w.now().Add(w.ttl),
	}
	if err := w.enqueuer.Enqueue(ctx, job); err != nil {
		return eris.Wrapf(err, "confirm: enqueue request for log %s", log.ID)
	}
	return nil
}

// HandleRequest is the confirmation-request worker: it parks the pending
// slot and puts the question in front of the user, live or via mailbox.
func (w *Workflow) HandleRequest(ctx context.Context, job model.ConfirmationRequestJob) error {
	p := Pending{
		ProcessingLogID: job.LogID,
		UserID:          job.UserID,
		Merged:          job.Merged,
		CreatedAt:       w.now(),
		ExpiresAt:       job.ExpiresAt,
	}
	if err := w.pending.Put(ctx, p); err != nil {
		return eris.Wrapf(err, "confirm: store pending for user %s", job.UserID)
	}

	msg := model.NewAssistantMessage(model.MessageTypeConfirmation, RenderRequest(job.Merged), map[string]string{
		"processing_log_id": job.LogID,
	})
	w.send(ctx, job.UserID, msg)

	zap.L().Info("confirm: confirmation requested",
		zap.String("log_id", job.LogID),
		zap.String("user_id", job.UserID),
		zap.Time("expires_at", job.ExpiresAt),
	)
	return nil
}

// HandleResponse is the confirmation-response worker: it resolves the
// pending proposal and replies to the user.
func (w *Workflow) HandleResponse(ctx context.Context, job model.ConfirmationResponseJob) error {
	outcome, err := w.ProcessResponse(ctx, job)
	if err != nil {
		return err
	}

	w.send(ctx, job.UserID, model.NewAssistantMessage(model.MessageTypeNotification, outcome.Reply, nil))
	return nil
}

// ProcessResponse applies a yes/no answer. A replayed or expired response
// finds no pending slot and reports nothing-pending instead of erroring,
// which is what makes response jobs safely retryable.
func (w *Workflow) ProcessResponse(ctx context.Context, job model.ConfirmationResponseJob) (*Outcome, error) {
	log, merged, found, err := w.resolvePending(ctx, job)
	if err != nil {
		return nil, err
	}
	if !found {
		zap.L().Info("confirm: no pending confirmation",
			zap.String("user_id", job.UserID),
			zap.String("log_id", job.LogID),
		)
		return &Outcome{Status: OutcomeNothingPending, Reply: RenderNothingPending()}, nil
	}

	if !job.Confirmed {
		log.Status = model.LogStatusCompleted
		log.CurrentStage = model.StageConfirmation
		log.AppendError(model.StageConfirmation, "user rejected the proposed transaction", w.now())
		if err := w.store.UpdateLog(ctx, log); err != nil {
			return nil, eris.Wrapf(err, "confirm: mark log %s rejected", log.ID)
		}
		zap.L().Info("confirm: proposal rejected",
			zap.String("log_id", log.ID),
			zap.String("user_id", job.UserID),
		)
		return &Outcome{Status: OutcomeRejected, Reply: RenderRejected()}, nil
	}

	txn := buildTransaction(log, merged)
	if err := w.store.CreateTransaction(ctx, txn); err != nil {
		return nil, eris.Wrapf(err, "confirm: persist transaction for log %s", log.ID)
	}

	log.Status = model.LogStatusCompleted
	log.CurrentStage = model.StageConfirmation
	log.TransactionID = txn.ID
	if err := w.store.UpdateLog(ctx, log); err != nil {
		return nil, eris.Wrapf(err, "confirm: mark log %s completed", log.ID)
	}

	zap.L().Info("confirm: transaction persisted",
		zap.String("log_id", log.ID),
		zap.String("transaction_id", txn.ID),
		zap.String("amount", txn.Amount.String()),
		zap.String("category", txn.Category),
	)
	return &Outcome{Status: OutcomeConfirmed, Transaction: txn, Reply: RenderConfirmed(txn)}, nil
}

// resolvePending finds the log and merged result the response refers to.
// The single-slot store is the normal path; a response that names its log
// directly still double-checks the log is actually waiting.
func (w *Workflow) resolvePending(ctx context.Context, job model.ConfirmationResponseJob) (*model.ProcessingLog, *model.MergedResult, bool, error) {
	p, err := w.pending.GetAndDelete(ctx, job.UserID)
	if err != nil {
		return nil, nil, false, eris.Wrapf(err, "confirm: read pending for user %s", job.UserID)
	}

	logID := job.LogID
	var merged *model.MergedResult
	if p != nil {
		if logID == "" {
			logID = p.ProcessingLogID
		}
		merged = &p.Merged
	}
	if logID == "" {
		return nil, nil, false, nil
	}

	log, err := w.store.GetLog(ctx, logID)
	if err != nil {
		return nil, nil, false, eris.Wrapf(err, "confirm: load log %s", logID)
	}
	if log == nil || log.Status != model.LogStatusPendingConfirmation {
		return nil, nil, false, nil
	}
	if merged == nil {
		merged = log.Merged
	}
	if merged == nil {
		return nil, nil, false, nil
	}
	return log, merged, true, nil
}

// send pushes live when the user has a channel and parks in the mailbox
// otherwise.
func (w *Workflow) send(ctx context.Context, userID string, msg model.OutboundMessage) {
	if w.registry.Deliver(ctx, userID, msg) {
		return
	}
	w.mailbox.Append(userID, msg)
	zap.L().Debug("confirm: message parked in mailbox", zap.String("user_id", userID))
}

func buildTransaction(log *model.ProcessingLog, merged *model.MergedResult) *model.FinancialTransaction {
	r := merged.Result
	return &model.FinancialTransaction{
		ID:               uuid.NewString(),
		UserID:           log.UserID,
		Type:             r.TransactionType,
		Category:         r.Category,
		Subcategory:      r.Subcategory,
		Amount:           r.Amount,
		Currency:         r.Currency,
		Date:             r.TransactionDate,
		Description:      r.Description,
		Merchant:         r.Merchant,
		ConfidenceScore:  merged.FinalConfidence,
		Status:           model.TxnStatusVerified,
		ProcessingMethod: model.MethodDocumentPipeline,
		Metadata: model.TransactionMetadata{
			ProcessingLogID: log.ID,
			DocumentType:    log.DocType,
			SourceConfidences: map[model.Source]float64{
				model.SourceRuleBased: log.Confidence.Classification,
				model.SourceVision:    log.Confidence.Vision,
				model.SourceLLM:       log.Confidence.LLM,
			},
			SourcesUsed:    merged.SourcesUsed,
			Discrepancies:  merged.Discrepancies,
			MergeReasoning: merged.Reasoning,
		},
	}
}
