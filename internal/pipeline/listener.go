package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/realtime"
)

// CompletionListener reacts to a finished pipeline run. Listener errors
// are logged, never propagated: side effects must not poison the run.
type CompletionListener interface {
	OnCompleted(ctx context.Context, job model.CompletedJob) error
}

// ChatNotifier tells the user how their document fared. Successful runs
// stay quiet here because the confirmation workflow already sends the
// proposal; failures get a short natural-language note.
type ChatNotifier struct {
	registry *realtime.Registry
	mailbox  *realtime.Mailbox
}

// NewChatNotifier creates the failure notifier.
func NewChatNotifier(registry *realtime.Registry, mailbox *realtime.Mailbox) *ChatNotifier {
	return &ChatNotifier{registry: registry, mailbox: mailbox}
}

func (n *ChatNotifier) OnCompleted(ctx context.Context, job model.CompletedJob) error {
	if job.Status == model.CompletionSuccess {
		return nil
	}

	text := "No pude procesar tu documento. Intenta con una foto más nítida o un PDF distinto."
	if job.FailureReason != "" {
		text = fmt.Sprintf("No pude procesar tu documento (%s). Intenta con una foto más nítida o un PDF distinto.", job.FailureReason)
	}
	msg := model.NewAssistantMessage(model.MessageTypeNotification, text, map[string]string{
		"processing_log_id": job.LogID,
	})
	if !n.registry.Deliver(ctx, job.UserID, msg) {
		n.mailbox.Append(job.UserID, msg)
	}
	return nil
}

// AuditListener writes one structured line per finished run.
type AuditListener struct{}

func (AuditListener) OnCompleted(_ context.Context, job model.CompletedJob) error {
	fields := []zap.Field{
		zap.String("log_id", job.LogID),
		zap.String("user_id", job.UserID),
		zap.String("status", string(job.Status)),
	}
	if job.Merged != nil {
		fields = append(fields,
			zap.String("category", job.Merged.Result.Category),
			zap.Float64("confidence", job.Merged.FinalConfidence),
		)
	}
	if job.FailureReason != "" {
		fields = append(fields, zap.String("reason", job.FailureReason))
	}
	zap.L().Info("pipeline: run completed", fields...)
	return nil
}
