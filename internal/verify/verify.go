// Package verify wraps the verifying-model call that double-checks the
// rule-based classification. Unlike the vision adapter this one has no
// silent fallback: a verifier that cannot answer fails the whole run,
// because guessing past the stage that exists to catch guesses would
// defeat its purpose.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/classify"
	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/pkg/anthropic"
)

const systemPrompt = `Eres un verificador de clasificaciones financieras chilenas. Recibirás el texto extraído de un documento y la clasificación propuesta por un sistema de reglas. Tu trabajo es confirmarla o corregirla. Responde SOLO con un objeto JSON válido:
{"agrees":<bool>,"transaction_type":"INCOME|EXPENSE","category":"<string>","subcategory":"<string>","amount":<number>,"transaction_date":"YYYY-MM-DD","merchant":"<string>","confidence":<0.0-1.0>,"reasoning":"<string>"}
Si estás de acuerdo, repite la clasificación propuesta con agrees=true. Si no, entrega la corrección con agrees=false.`

const userPromptTemplate = `Clasificación propuesta:
- tipo: %s
- categoría: %s
- monto: %s %s
- fecha: %s
- comercio: %s

Tipo de documento (pista): %s

Texto extraído del documento:
%s`

const maxTextChars = 6000

// ModelClient is the slice of the Anthropic client the verifier uses.
type ModelClient interface {
	CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error)
}

// Verifier runs the verification call and the comparison policy.
type Verifier struct {
	client ModelClient
	model  string
}

// NewVerifier creates a verifier for the given model.
func NewVerifier(client ModelClient, aiModel string) *Verifier {
	return &Verifier{client: client, model: aiModel}
}

// Verify asks the model to confirm or correct the rule-based result.
// Any failure here is returned to the caller; the orchestrator treats it
// as fatal to the run.
func (v *Verifier) Verify(ctx context.Context, ruleBased model.ClassificationResult, extractedText string, hint model.DocumentType) (*model.VerifierPayload, error) {
	if len(extractedText) > maxTextChars {
		extractedText = extractedText[:maxTextChars]
	}

	prompt := fmt.Sprintf(userPromptTemplate,
		ruleBased.TransactionType,
		ruleBased.Category,
		ruleBased.Amount.String(), ruleBased.Currency,
		ruleBased.TransactionDate.Format("2006-01-02"),
		ruleBased.Merchant,
		hint,
		extractedText,
	)

	resp, err := v.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     v.model,
		MaxTokens: 1024,
		System:    systemPrompt,
		Messages:  []anthropic.Message{anthropic.TextMessage("user", prompt)},
	})
	if err != nil {
		return nil, eris.Wrap(err, "verify: model call")
	}
	resp.Usage.LogCost(v.model, string(model.StageVerification))

	payload, err := parseResponse(resp.Text(), ruleBased)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("verify: verdict",
		zap.Bool("agrees", payload.Agrees),
		zap.String("category", payload.Result.Category),
		zap.Float64("confidence", payload.Result.Confidence),
	)
	return payload, nil
}

type verifierSchema struct {
	Agrees          *bool    `json:"agrees"`
	TransactionType string   `json:"transaction_type"`
	Category        string   `json:"category"`
	Subcategory     string   `json:"subcategory"`
	Amount          *float64 `json:"amount"`
	TransactionDate string   `json:"transaction_date"`
	Merchant        string   `json:"merchant"`
	Confidence      *float64 `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
}

func parseResponse(text string, ruleBased model.ClassificationResult) (*model.VerifierPayload, error) {
	cleaned := cleanJSON(text)

	var s verifierSchema
	if err := json.Unmarshal([]byte(cleaned), &s); err != nil {
		return nil, eris.Wrap(err, "verify: unmarshal response")
	}
	if s.Agrees == nil {
		return nil, eris.New("verify: missing agrees field")
	}
	if s.Confidence == nil || *s.Confidence < 0 || *s.Confidence > 1 {
		return nil, eris.New("verify: confidence out of range")
	}

	// An agreeing verdict endorses the rule-based answer as-is; only the
	// confidence and reasoning are the verifier's own.
	result := ruleBased
	result.Source = model.SourceLLM
	result.Confidence = *s.Confidence
	result.Reasoning = s.Reasoning

	if !*s.Agrees {
		txType, ok := parseTxType(s.TransactionType)
		if !ok {
			return nil, eris.Errorf("verify: invalid transaction_type %q", s.TransactionType)
		}
		if s.Category == "" {
			return nil, eris.New("verify: correction missing category")
		}
		result.TransactionType = txType
		result.Category = classify.Fold(s.Category)
		result.Subcategory = classify.Fold(s.Subcategory)
		if s.Amount != nil && *s.Amount >= 0 {
			result.Amount = decimal.NewFromFloat(*s.Amount)
		}
		if s.TransactionDate != "" {
			if d, err := time.Parse("2006-01-02", s.TransactionDate); err == nil {
				result.TransactionDate = d
			}
		}
		if s.Merchant != "" {
			result.Merchant = s.Merchant
		}
	}

	return &model.VerifierPayload{
		Result:      result,
		Agrees:      *s.Agrees,
		RawResponse: cleaned,
	}, nil
}

func parseTxType(s string) (model.TransactionType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INCOME", "INGRESO":
		return model.TypeIncome, true
	case "EXPENSE", "GASTO":
		return model.TypeExpense, true
	default:
		return "", false
	}
}

func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
