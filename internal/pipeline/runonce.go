package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/quipufin/quipu/internal/extract"
	"github.com/quipufin/quipu/internal/model"
)

// RunOnce processes one document synchronously, polling the extractor
// inline instead of going through the queues. It serves the one-shot CLI
// path; the confirmer and enqueuer the orchestrator was built with still
// receive their events.
func (o *Orchestrator) RunOnce(ctx context.Context, doc model.Document) (*model.ProcessingLog, error) {
	plog := &model.ProcessingLog{
		ID:          uuid.NewString(),
		JobID:       model.NewUploadJobID(doc.StorageRef, time.Now().UTC()),
		DocumentID:  doc.ID,
		UserID:      doc.UserID,
		StorageRef:  doc.StorageRef,
		FileName:    doc.FileName,
		DocType:     doc.TypeHint,
		Status:      model.LogStatusQueued,
		StageMillis: map[model.Stage]int64{},
	}
	if err := o.store.CreateLog(ctx, plog); err != nil {
		return nil, eris.Wrap(err, "pipeline: create log")
	}
	if err := o.setStage(ctx, plog, model.LogStatusProcessingOCR, model.StageOCR); err != nil {
		return plog, err
	}

	start := time.Now()
	res, err := o.analyzeWithTimeout(ctx, doc.StorageRef)
	if err != nil {
		plog.AppendError(model.StageOCR, err.Error(), time.Now().UTC())
		return plog, o.fail(ctx, plog, "document could not be read")
	}
	res, err = o.waitForResult(ctx, res)
	if err != nil {
		plog.AppendError(model.StageOCR, err.Error(), time.Now().UTC())
		return plog, o.timeout(ctx, plog)
	}
	plog.StageMillis[model.StageOCR] = time.Since(start).Milliseconds()

	var payload *extract.Payload
	if res.Status == extract.StatusFailed {
		plog.AppendError(model.StageOCR, res.Err, time.Now().UTC())
	} else {
		payload = res.Payload
	}

	if err := o.continueRun(ctx, plog, payload); err != nil {
		return plog, err
	}
	final, err := o.store.GetLog(ctx, plog.ID)
	if err != nil || final == nil {
		return plog, nil //nolint:nilerr
	}
	return final, nil
}

// waitForResult polls a processing extraction inline, using the same
// budget the queued path carries on its jobs.
func (o *Orchestrator) waitForResult(ctx context.Context, res *extract.Result) (*extract.Result, error) {
	attempts := o.pollAttempts()
	delay := o.pollDelay()

	for res.Status == extract.StatusProcessing {
		if attempts <= 0 {
			return nil, eris.New("pipeline: extraction did not finish within the poll budget")
		}
		attempts--

		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "pipeline: wait for extraction")
		case <-time.After(delay):
		}

		next, err := o.extractor.GetResult(ctx, res.JobID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: poll extraction")
		}
		next.JobID = res.JobID
		res = next
	}
	return res, nil
}
