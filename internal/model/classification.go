package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType distinguishes money coming in from money going out.
type TransactionType string

const (
	TypeIncome  TransactionType = "INCOME"
	TypeExpense TransactionType = "EXPENSE"
)

// Source identifies which analyzer produced a classification opinion.
type Source string

const (
	SourceRuleBased Source = "RULE_BASED"
	SourceVision    Source = "VISION"
	SourceLLM       Source = "LLM"
)

// DefaultCurrency is the currency assumed when a document does not state one.
const DefaultCurrency = "CLP"

// ClassificationResult is one analyzer's opinion about a document. The
// rule-based classifier, the vision adapter, and the verifier each produce
// one, tagged with their Source.
type ClassificationResult struct {
	Source            Source            `json:"source"`
	TransactionType   TransactionType   `json:"transaction_type"`
	Category          string            `json:"category"`
	Subcategory       string            `json:"subcategory,omitempty"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	TransactionDate   time.Time         `json:"transaction_date"`
	Description       string            `json:"description,omitempty"`
	Merchant          string            `json:"merchant,omitempty"`
	Confidence        float64           `json:"confidence"`
	Reasoning         string            `json:"reasoning,omitempty"`
	ExtractedEntities map[string]string `json:"extracted_entities,omitempty"`
}

// ClampConfidence bounds a confidence score to [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// MergedResult is the combined answer derived from the available source
// opinions. It is written into the ProcessingLog, never stored on its own.
type MergedResult struct {
	Result          ClassificationResult `json:"result"`
	FinalConfidence float64              `json:"final_confidence"`
	SourcesUsed     []Source             `json:"sources_used"`
	Discrepancies   []string             `json:"discrepancies,omitempty"`
	Reasoning       string               `json:"reasoning"`
}
