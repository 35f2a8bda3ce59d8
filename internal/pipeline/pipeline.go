// Package pipeline orchestrates one document's trip from upload to
// pending confirmation: OCR, vision, rule-based classification, LLM
// verification, merge. The processing log is written once per stage so a
// crash leaves an exact record of where the run stopped.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/classify"
	"github.com/quipufin/quipu/internal/config"
	"github.com/quipufin/quipu/internal/extract"
	"github.com/quipufin/quipu/internal/merge"
	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/render"
	"github.com/quipufin/quipu/internal/resilience"
	"github.com/quipufin/quipu/internal/store"
	"github.com/quipufin/quipu/internal/verify"
	"github.com/quipufin/quipu/internal/vision"
)

// Enqueuer is the slice of the queue manager the orchestrator uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job) error
	EnqueueAfter(ctx context.Context, job model.Job, delay time.Duration)
}

// Confirmer hands a finished run to the confirmation workflow.
type Confirmer interface {
	RequestConfirmation(ctx context.Context, log *model.ProcessingLog, merged model.MergedResult) error
}

// Verifier is the LLM verification stage.
type Verifier interface {
	Verify(ctx context.Context, ruleBased model.ClassificationResult, extractedText string, hint model.DocumentType) (*model.VerifierPayload, error)
}

// VisionAnalyzer classifies a page image.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, image []byte, mimeType string, hint model.DocumentType) vision.Result
}

// Orchestrator runs the document pipeline. One instance serves all
// workers; per-run state lives on the processing log.
type Orchestrator struct {
	cfg        config.PipelineConfig
	pollCfg    config.ExtractorConfig
	store      store.Store
	extractor  extract.Extractor
	resolver   extract.PathResolver
	renderer   render.Renderer
	vision     VisionAnalyzer
	classifier *classify.Classifier
	verifier   Verifier
	confirmer  Confirmer
	enqueuer   Enqueuer
	listeners  []CompletionListener
}

// New wires the orchestrator. listeners run in order on every completed
// job, success or failure.
func New(
	cfg config.PipelineConfig,
	pollCfg config.ExtractorConfig,
	st store.Store,
	extractor extract.Extractor,
	resolver extract.PathResolver,
	renderer render.Renderer,
	visionAnalyzer VisionAnalyzer,
	classifier *classify.Classifier,
	verifier Verifier,
	confirmer Confirmer,
	enqueuer Enqueuer,
	listeners ...CompletionListener,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		pollCfg:    pollCfg,
		store:      st,
		extractor:  extractor,
		resolver:   resolver,
		renderer:   renderer,
		vision:     visionAnalyzer,
		classifier: classifier,
		verifier:   verifier,
		confirmer:  confirmer,
		enqueuer:   enqueuer,
		listeners:  listeners,
	}
}

// HandleUpload is the upload-queue worker. It creates the processing log,
// submits the OCR job, and either continues inline (synchronous
// extractors answer immediately) or schedules the first status poll.
func (o *Orchestrator) HandleUpload(ctx context.Context, job model.UploadJob) error {
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("user_id", job.Document.UserID),
		zap.String("file", job.Document.FileName),
	)

	// Replayed ingestion events carry the same deterministic job ID, so an
	// existing log usually means this upload is already being processed.
	// The exception is a queue retry after a store error aborted the
	// previous attempt: that log never got past OCR and must be resumed,
	// or it would sit in QUEUED forever.
	existing, err := o.store.GetLogByJobID(ctx, job.ID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: check duplicate job %s", job.ID)
	}
	if existing != nil {
		switch existing.Status {
		case model.LogStatusQueued, model.LogStatusProcessingOCR:
			log.Info("pipeline: resuming stalled upload", zap.String("log_id", existing.ID))
			return o.beginRun(ctx, job, existing, log.With(zap.String("log_id", existing.ID)))
		default:
			log.Info("pipeline: duplicate upload job ignored", zap.String("log_id", existing.ID))
			return nil
		}
	}

	plog := &model.ProcessingLog{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		DocumentID:  job.Document.ID,
		UserID:      job.Document.UserID,
		StorageRef:  job.Document.StorageRef,
		FileName:    job.Document.FileName,
		DocType:     job.Document.TypeHint,
		Status:      model.LogStatusQueued,
		StageMillis: map[model.Stage]int64{},
	}
	if err := o.store.CreateLog(ctx, plog); err != nil {
		return eris.Wrapf(err, "pipeline: create log for job %s", job.ID)
	}
	log = log.With(zap.String("log_id", plog.ID))
	log.Info("pipeline: run started")

	return o.beginRun(ctx, job, plog, log)
}

// beginRun marks the log as extracting and submits the document for
// analysis. It is the entry point for fresh logs and for stalled ones a
// queue retry picks back up.
func (o *Orchestrator) beginRun(ctx context.Context, job model.UploadJob, plog *model.ProcessingLog, log *zap.Logger) error {
	if plog.StageMillis == nil {
		plog.StageMillis = map[model.Stage]int64{}
	}
	if err := o.store.SetLogStage(ctx, plog.ID, model.LogStatusProcessingOCR, model.StageOCR); err != nil {
		return eris.Wrapf(err, "pipeline: mark log %s ocr", plog.ID)
	}
	plog.Status = model.LogStatusProcessingOCR
	plog.CurrentStage = model.StageOCR

	start := time.Now()
	res, err := o.analyzeWithTimeout(ctx, job.Document.StorageRef)
	if err != nil {
		// Unresolvable storage ref or equally broken input: nothing
		// downstream can recover this run.
		plog.AppendError(model.StageOCR, err.Error(), time.Now().UTC())
		return o.fail(ctx, plog, "document could not be read")
	}

	switch res.Status {
	case extract.StatusProcessing:
		poll := model.AnalysisStatusPollJob{
			ID:                uuid.NewString(),
			LogID:             plog.ID,
			Document:          job.Document,
			ExtractorJobID:    res.JobID,
			AttemptsRemaining: o.pollAttempts(),
			NextDelay:         o.pollDelay(),
		}
		o.enqueuer.EnqueueAfter(ctx, poll, poll.NextDelay)
		log.Info("pipeline: analysis submitted, polling",
			zap.String("extractor_job_id", res.JobID),
			zap.Int("attempts", poll.AttemptsRemaining),
		)
		return nil
	case extract.StatusFailed:
		// OCR failure is recoverable: vision still sees the image.
		plog.AppendError(model.StageOCR, res.Err, time.Now().UTC())
		plog.StageMillis[model.StageOCR] = time.Since(start).Milliseconds()
		log.Warn("pipeline: ocr failed, continuing without text", zap.String("error", res.Err))
		return o.continueRun(ctx, plog, nil)
	default:
		plog.StageMillis[model.StageOCR] = time.Since(start).Milliseconds()
		return o.continueRun(ctx, plog, res.Payload)
	}
}

// HandlePoll is the analysis-poll worker: one reschedule-or-give-up
// decision per invocation, with the remaining budget carried on the job.
func (o *Orchestrator) HandlePoll(ctx context.Context, job model.AnalysisStatusPollJob) error {
	log := zap.L().With(
		zap.String("log_id", job.LogID),
		zap.String("extractor_job_id", job.ExtractorJobID),
	)

	plog, err := o.store.GetLog(ctx, job.LogID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load log %s", job.LogID)
	}
	if plog == nil {
		return resilience.NewFatalError(eris.Errorf("pipeline: poll for unknown log %s", job.LogID))
	}
	if plog.Status != model.LogStatusProcessingOCR {
		log.Info("pipeline: stale poll ignored", zap.String("status", string(plog.Status)))
		return nil
	}

	res, err := o.extractor.GetResult(ctx, job.ExtractorJobID)
	if err != nil {
		plog.AppendError(model.StageOCR, err.Error(), time.Now().UTC())
		log.Warn("pipeline: poll errored, continuing without text", zap.Error(err))
		return o.continueRun(ctx, plog, nil)
	}

	switch res.Status {
	case extract.StatusProcessing:
		if job.AttemptsRemaining <= 1 {
			plog.AppendError(model.StageOCR, "extraction did not finish within the poll budget", time.Now().UTC())
			return o.timeout(ctx, plog)
		}
		next := job
		next.AttemptsRemaining--
		o.enqueuer.EnqueueAfter(ctx, next, next.NextDelay)
		log.Debug("pipeline: still processing, poll rescheduled",
			zap.Int("attempts_remaining", next.AttemptsRemaining),
		)
		return nil
	case extract.StatusFailed:
		plog.AppendError(model.StageOCR, res.Err, time.Now().UTC())
		log.Warn("pipeline: ocr failed, continuing without text", zap.String("error", res.Err))
		return o.continueRun(ctx, plog, nil)
	default:
		return o.continueRun(ctx, plog, res.Payload)
	}
}

// continueRun takes a log past OCR: vision, classification, verification,
// merge, and the hand-off to confirmation. ocr may be nil when the OCR
// stage failed or timed out.
func (o *Orchestrator) continueRun(ctx context.Context, plog *model.ProcessingLog, ocr *extract.Payload) error {
	log := zap.L().With(
		zap.String("log_id", plog.ID),
		zap.String("user_id", plog.UserID),
	)
	if plog.StageMillis == nil {
		plog.StageMillis = map[model.Stage]int64{}
	}
	if plog.Extracted == nil {
		plog.Extracted = &model.ExtractedData{}
	}
	if ocr != nil {
		plog.Confidence.OCR = ocr.SignalQuality()
		plog.Extracted.OCR = &model.OCRPayload{
			Text:      ocr.Text,
			Amounts:   ocr.Amounts,
			Dates:     ocr.Dates,
			KeyValues: ocr.KeyValues,
		}
		for _, tbl := range ocr.Tables {
			plog.Extracted.OCR.Tables = append(plog.Extracted.OCR.Tables, tbl.Rows...)
		}
	}

	// Vision.
	if err := o.setStage(ctx, plog, model.LogStatusProcessingVision, model.StageVision); err != nil {
		return err
	}
	visionResult := o.runVision(ctx, plog)

	// Rule-based classification.
	if err := o.setStage(ctx, plog, model.LogStatusProcessingClassification, model.StageClassification); err != nil {
		return err
	}
	start := time.Now()
	in := classify.Input{Hint: plog.DocType}
	if plog.Extracted.OCR != nil {
		in.Text = plog.Extracted.OCR.Text
		in.Amounts = plog.Extracted.OCR.Amounts
		in.Dates = plog.Extracted.OCR.Dates
		in.KeyValues = plog.Extracted.OCR.KeyValues
	}
	ruleBased := o.classifier.Classify(in)
	plog.Confidence.Classification = ruleBased.Confidence
	plog.StageMillis[model.StageClassification] = time.Since(start).Milliseconds()

	// LLM verification. A verifier failure is fatal: no transaction is
	// ever proposed from an unverified guess.
	if err := o.setStage(ctx, plog, model.LogStatusProcessingVerification, model.StageVerification); err != nil {
		return err
	}
	start = time.Now()
	var extractedText string
	if plog.Extracted.OCR != nil {
		extractedText = plog.Extracted.OCR.Text
	}
	verifier, err := o.verifier.Verify(ctx, ruleBased, extractedText, plog.DocType)
	plog.StageMillis[model.StageVerification] = time.Since(start).Milliseconds()
	if err != nil {
		plog.AppendError(model.StageVerification, err.Error(), time.Now().UTC())
		log.Error("pipeline: verification failed", zap.Error(err))
		return o.fail(ctx, plog, "verification failed")
	}
	plog.Extracted.Verifier = verifier
	plog.Confidence.LLM = verifier.Result.Confidence

	// Selection policy: a low-confidence verifier verdict that found
	// nothing to fault yields to the rule-based answer it failed to
	// correct.
	discrepancies := verify.Compare(ruleBased, verifier.Result)
	selected := verify.Select(ruleBased, verifier.Result, discrepancies)

	// Merge.
	inputs := merge.Inputs{RuleBased: ruleBased}
	inputs.Verifier = &selected
	if visionResult != nil {
		inputs.Vision = &visionResult.Result
	}
	merged := merge.Merge(inputs)
	plog.Merged = &merged
	plog.Confidence.Overall = merged.FinalConfidence

	if merged.FinalConfidence < o.manualReviewThreshold() {
		log.Warn("pipeline: confidence below review threshold",
			zap.Float64("confidence", merged.FinalConfidence),
		)
		plog.Status = model.LogStatusManualReview
		if err := o.store.UpdateLog(ctx, plog); err != nil {
			return eris.Wrapf(err, "pipeline: mark log %s manual review", plog.ID)
		}
		o.emitCompleted(ctx, plog, model.CompletionFailed, &merged, "confidence too low, needs manual review")
		return nil
	}

	plog.Status = model.LogStatusPendingConfirmation
	plog.CurrentStage = model.StageConfirmation
	if err := o.store.UpdateLog(ctx, plog); err != nil {
		return eris.Wrapf(err, "pipeline: mark log %s pending confirmation", plog.ID)
	}
	if err := o.confirmer.RequestConfirmation(ctx, plog, merged); err != nil {
		return eris.Wrapf(err, "pipeline: request confirmation for log %s", plog.ID)
	}

	o.emitCompleted(ctx, plog, model.CompletionSuccess, &merged, "")
	log.Info("pipeline: run finished, awaiting confirmation",
		zap.String("category", merged.Result.Category),
		zap.Float64("confidence", merged.FinalConfidence),
	)
	return nil
}

// runVision renders page one and asks the vision analyzer. A nil return
// means the stage contributed nothing; the run always continues.
func (o *Orchestrator) runVision(ctx context.Context, plog *model.ProcessingLog) *model.VisionPayload {
	log := zap.L().With(zap.String("log_id", plog.ID))
	start := time.Now()
	defer func() {
		plog.StageMillis[model.StageVision] = time.Since(start).Milliseconds()
	}()

	path, err := o.resolver.ResolvePath(plog.StorageRef)
	if err != nil {
		plog.AppendError(model.StageVision, err.Error(), time.Now().UTC())
		log.Warn("pipeline: vision skipped, storage ref unresolvable", zap.Error(err))
		return nil
	}
	image, mimeType, err := o.renderer.RenderPage(ctx, path)
	if err != nil {
		plog.AppendError(model.StageVision, err.Error(), time.Now().UTC())
		log.Warn("pipeline: vision skipped, render failed", zap.Error(err))
		return nil
	}

	res := o.vision.Analyze(ctx, image, mimeType, plog.DocType)
	if !res.Success {
		plog.AppendError(model.StageVision, res.Err, time.Now().UTC())
		log.Warn("pipeline: vision unavailable", zap.String("error", res.Err))
		return nil
	}
	plog.Extracted.Vision = &res.Payload
	plog.Confidence.Vision = res.Payload.Result.Confidence
	return &res.Payload
}

// analyzeWithTimeout bounds the OCR submission so a hung extractor cannot
// stall an upload worker.
func (o *Orchestrator) analyzeWithTimeout(ctx context.Context, storageRef string) (*extract.Result, error) {
	timeout := time.Duration(o.cfg.OCRTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := o.extractor.Analyze(ctx, storageRef, []extract.Feature{
		extract.FeatureText,
		extract.FeatureTables,
		extract.FeatureKeyValues,
	})
	if err != nil && ctx.Err() != nil {
		return &extract.Result{Status: extract.StatusFailed, Err: "extraction timed out"}, nil
	}
	return res, err
}

func (o *Orchestrator) setStage(ctx context.Context, plog *model.ProcessingLog, status model.LogStatus, stage model.Stage) error {
	if err := o.store.SetLogStage(ctx, plog.ID, status, stage); err != nil {
		return eris.Wrapf(err, "pipeline: mark log %s %s", plog.ID, status)
	}
	plog.Status = status
	plog.CurrentStage = stage
	return nil
}

// fail terminates a run as FAILED and still emits a completion event so
// notification logic runs uniformly.
func (o *Orchestrator) fail(ctx context.Context, plog *model.ProcessingLog, reason string) error {
	plog.Status = model.LogStatusFailed
	if err := o.store.UpdateLog(ctx, plog); err != nil {
		return eris.Wrapf(err, "pipeline: mark log %s failed", plog.ID)
	}
	o.emitCompleted(ctx, plog, model.CompletionFailed, plog.Merged, reason)
	return resilience.NewFatalError(eris.Errorf("pipeline: run %s failed: %s", plog.ID, reason))
}

func (o *Orchestrator) timeout(ctx context.Context, plog *model.ProcessingLog) error {
	plog.Status = model.LogStatusTimeout
	if err := o.store.UpdateLog(ctx, plog); err != nil {
		return eris.Wrapf(err, "pipeline: mark log %s timeout", plog.ID)
	}
	o.emitCompleted(ctx, plog, model.CompletionFailed, nil, "document analysis timed out")
	zap.L().Warn("pipeline: run timed out", zap.String("log_id", plog.ID))
	return nil
}

func (o *Orchestrator) emitCompleted(ctx context.Context, plog *model.ProcessingLog, status model.CompletionStatus, merged *model.MergedResult, reason string) {
	job := model.CompletedJob{
		ID:            uuid.NewString(),
		LogID:         plog.ID,
		UserID:        plog.UserID,
		Status:        status,
		Merged:        merged,
		FailureReason: reason,
	}
	if err := o.enqueuer.Enqueue(ctx, job); err != nil {
		zap.L().Warn("pipeline: completion event dropped",
			zap.String("log_id", plog.ID),
			zap.Error(err),
		)
	}
}

// HandleCompleted is the completed-queue worker: fan out to listeners.
func (o *Orchestrator) HandleCompleted(ctx context.Context, job model.CompletedJob) error {
	for _, l := range o.listeners {
		if err := l.OnCompleted(ctx, job); err != nil {
			zap.L().Warn("pipeline: completion listener failed",
				zap.String("log_id", job.LogID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (o *Orchestrator) pollAttempts() int {
	if o.pollCfg.PollMaxAttempts > 0 {
		return o.pollCfg.PollMaxAttempts
	}
	return 10
}

func (o *Orchestrator) pollDelay() time.Duration {
	if o.pollCfg.PollDelayMS > 0 {
		return time.Duration(o.pollCfg.PollDelayMS) * time.Millisecond
	}
	return 2 * time.Second
}

func (o *Orchestrator) manualReviewThreshold() float64 {
	if o.cfg.ManualReviewThreshold > 0 {
		return o.cfg.ManualReviewThreshold
	}
	return 0.35
}
