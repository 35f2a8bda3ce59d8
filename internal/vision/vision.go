// Package vision wraps the multimodal model call that classifies a document
// from its page image. The adapter never fails past its boundary: schema
// violations get retried, then a raw-JSON fallback prompt runs, and total
// failure comes back as an unsuccessful result with a default payload.
package vision

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/pkg/anthropic"
)

const systemPrompt = `Eres un analista de documentos financieros chilenos. Clasifica el documento de la imagen como una transacción financiera. Responde SOLO con un objeto JSON válido con exactamente estos campos:
{"transaction_type":"INCOME|EXPENSE","category":"<string>","subcategory":"<string>","amount":<number>,"currency":"<ISO code>","transaction_date":"YYYY-MM-DD","description":"<string>","merchant":"<string>","confidence":<0.0-1.0>,"reasoning":"<string>","rut_present":<bool>,"tax_line_present":<bool>}`

const fallbackPrompt = `No pude validar tu respuesta anterior. Mira la imagen de nuevo y responde únicamente con JSON crudo, sin explicación ni formato markdown, describiendo la transacción: tipo (INCOME/EXPENSE), categoría, monto, moneda, fecha, comercio y tu confianza entre 0 y 1.`

// Result is the adapter's answer. Success false means every attempt failed;
// Payload then carries the low-confidence default so the merger still has a
// well-formed shape to ignore.
type Result struct {
	Success bool
	Payload model.VisionPayload
	Err     string
}

// ModelClient is the slice of the Anthropic client the adapter uses.
type ModelClient interface {
	CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error)
}

// Analyzer classifies document images.
type Analyzer struct {
	client           ModelClient
	model            string
	maxSchemaRetries int
}

// NewAnalyzer creates a vision analyzer for the given model. A negative
// retry count is treated as zero.
func NewAnalyzer(client ModelClient, aiModel string, maxSchemaRetries int) *Analyzer {
	if maxSchemaRetries < 0 {
		maxSchemaRetries = 0
	}
	return &Analyzer{client: client, model: aiModel, maxSchemaRetries: maxSchemaRetries}
}

// Analyze classifies one page image. hint is the best-effort document type
// derived before any analysis.
func (a *Analyzer) Analyze(ctx context.Context, image []byte, mimeType string, hint model.DocumentType) Result {
	log := zap.L().With(zap.String("model", a.model))

	prompt := "Clasifica este documento financiero."
	if hint != "" && hint != model.DocTypeUnknown {
		prompt = fmt.Sprintf("Clasifica este documento financiero. Probablemente es un(a) %s.", hint)
	}

	var schemaErr error
	for attempt := 0; attempt <= a.maxSchemaRetries; attempt++ {
		resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     a.model,
			MaxTokens: 1024,
			System:    systemPrompt,
			Messages:  []anthropic.Message{anthropic.UserImageMessage(image, mimeType, prompt)},
		})
		if err != nil {
			log.Warn("vision: model call failed", zap.Int("attempt", attempt), zap.Error(err))
			schemaErr = err
			continue
		}
		resp.Usage.LogCost(a.model, string(model.StageVision))

		payload, err := parseSchema(resp.Text())
		if err != nil {
			log.Warn("vision: schema validation failed", zap.Int("attempt", attempt), zap.Error(err))
			schemaErr = err
			continue
		}
		return Result{Success: true, Payload: *payload}
	}

	// Raw-JSON fallback: one permissive attempt, defaulted field by field.
	// Its own parse failures surface the original schema error, not the
	// fallback's.
	if payload, ok := a.fallback(ctx, image, mimeType); ok {
		return Result{Success: true, Payload: *payload}
	}

	errText := "vision: all attempts failed"
	if schemaErr != nil {
		errText = schemaErr.Error()
	}
	log.Warn("vision: analysis failed, returning default", zap.String("error", errText))
	return Result{Success: false, Payload: defaultPayload(), Err: errText}
}

func (a *Analyzer) fallback(ctx context.Context, image []byte, mimeType string) (*model.VisionPayload, bool) {
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: 1024,
		Messages:  []anthropic.Message{anthropic.UserImageMessage(image, mimeType, fallbackPrompt)},
	})
	if err != nil {
		zap.L().Warn("vision: fallback call failed", zap.Error(err))
		return nil, false
	}
	resp.Usage.LogCost(a.model, string(model.StageVision))

	payload, ok := parseLenient(resp.Text())
	return payload, ok
}

// defaultPayload is what an unsuccessful analysis hands back: a well-formed
// expense guess at rock-bottom confidence.
func defaultPayload() model.VisionPayload {
	return model.VisionPayload{
		Result: model.ClassificationResult{
			Source:          model.SourceVision,
			TransactionType: model.TypeExpense,
			Category:        "otros_gastos",
			Currency:        model.DefaultCurrency,
			Confidence:      0.1,
			Reasoning:       "vision analysis unavailable",
		},
	}
}
