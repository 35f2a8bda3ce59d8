package vision

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/quipufin/quipu/internal/classify"
	"github.com/quipufin/quipu/internal/model"
)

// visionSchema is the strict output contract the system prompt demands.
type visionSchema struct {
	TransactionType string   `json:"transaction_type"`
	Category        string   `json:"category"`
	Subcategory     string   `json:"subcategory"`
	Amount          *float64 `json:"amount"`
	Currency        string   `json:"currency"`
	TransactionDate string   `json:"transaction_date"`
	Description     string   `json:"description"`
	Merchant        string   `json:"merchant"`
	Confidence      *float64 `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
	RUTPresent      bool     `json:"rut_present"`
	TaxLinePresent  bool     `json:"tax_line_present"`
}

// parseSchema validates the model's answer against the strict schema.
// Missing required fields are validation errors, not defaults; the caller
// retries on those.
func parseSchema(text string) (*model.VisionPayload, error) {
	cleaned := cleanJSON(text)

	var s visionSchema
	if err := json.Unmarshal([]byte(cleaned), &s); err != nil {
		return nil, eris.Wrap(err, "vision: unmarshal response")
	}

	txType, ok := parseTxType(s.TransactionType)
	if !ok {
		return nil, eris.Errorf("vision: invalid transaction_type %q", s.TransactionType)
	}
	if s.Category == "" {
		return nil, eris.New("vision: missing category")
	}
	if s.Amount == nil || *s.Amount < 0 {
		return nil, eris.New("vision: missing or negative amount")
	}
	if s.Confidence == nil || *s.Confidence < 0 || *s.Confidence > 1 {
		return nil, eris.New("vision: confidence out of range")
	}

	date, err := time.Parse("2006-01-02", s.TransactionDate)
	if err != nil {
		return nil, eris.Wrapf(err, "vision: invalid transaction_date %q", s.TransactionDate)
	}

	currency := strings.ToUpper(strings.TrimSpace(s.Currency))
	if currency == "" {
		currency = model.DefaultCurrency
	}

	return &model.VisionPayload{
		Result: model.ClassificationResult{
			Source:          model.SourceVision,
			TransactionType: txType,
			Category:        classify.Fold(s.Category),
			Subcategory:     classify.Fold(s.Subcategory),
			Amount:          decimal.NewFromFloat(*s.Amount),
			Currency:        currency,
			TransactionDate: date,
			Description:     s.Description,
			Merchant:        s.Merchant,
			Confidence:      *s.Confidence,
			Reasoning:       s.Reasoning,
		},
		RUTPresent:     s.RUTPresent,
		TaxLinePresent: s.TaxLinePresent,
	}, nil
}

// parseLenient handles the raw-JSON fallback answer: every field defaults
// instead of failing validation. Only a completely unparseable body reports
// failure.
func parseLenient(text string) (*model.VisionPayload, bool) {
	cleaned := cleanJSON(text)

	var raw map[string]any
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, false
	}

	res := defaultPayload()

	if v, ok := stringField(raw, "transaction_type", "tipo"); ok {
		if tt, valid := parseTxType(v); valid {
			res.Result.TransactionType = tt
		}
	}
	if v, ok := stringField(raw, "category", "categoria"); ok && v != "" {
		res.Result.Category = classify.Fold(v)
	}
	if v, ok := stringField(raw, "subcategory", "subcategoria"); ok {
		res.Result.Subcategory = classify.Fold(v)
	}
	if v, ok := numberField(raw, "amount", "monto"); ok && v >= 0 {
		res.Result.Amount = decimal.NewFromFloat(v)
	}
	if v, ok := stringField(raw, "currency", "moneda"); ok && v != "" {
		res.Result.Currency = strings.ToUpper(strings.TrimSpace(v))
	}
	if v, ok := stringField(raw, "transaction_date", "fecha"); ok {
		if d, err := time.Parse("2006-01-02", v); err == nil {
			res.Result.TransactionDate = d
		} else if dates := classify.ParseDates(v); len(dates) > 0 {
			res.Result.TransactionDate = dates[0]
		}
	}
	if v, ok := stringField(raw, "description", "descripcion"); ok {
		res.Result.Description = v
	}
	if v, ok := stringField(raw, "merchant", "comercio"); ok {
		res.Result.Merchant = v
	}
	if v, ok := numberField(raw, "confidence", "confianza"); ok {
		res.Result.Confidence = model.ClampConfidence(v)
	}
	if v, ok := raw["rut_present"].(bool); ok {
		res.RUTPresent = v
	}
	if v, ok := raw["tax_line_present"].(bool); ok {
		res.TaxLinePresent = v
	}
	res.Result.Reasoning = "vision fallback (raw JSON)"

	return &res, true
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

func stringField(raw map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := raw[k].(string); ok {
			return v, true
		}
	}
	return "", false
}

func numberField(raw map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case float64:
			return v, true
		case string:
			if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
				f, _ := d.Float64()
				return f, true
			}
		}
	}
	return 0, false
}

// cleanJSON strips markdown fences and surrounding prose so the first JSON
// object in the text parses.
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
