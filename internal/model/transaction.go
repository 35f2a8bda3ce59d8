package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle of a persisted transaction. A row is
// only ever created after the user explicitly confirmed it.
type TransactionStatus string

const (
	TxnStatusVerified TransactionStatus = "VERIFIED"
)

// MethodDocumentPipeline marks transactions produced by the document
// pipeline, as opposed to e.g. manual entry.
const MethodDocumentPipeline = "DOCUMENT_PIPELINE"

// TransactionMetadata snapshots how the pipeline arrived at this transaction:
// every source's confidence plus the discrepancies the merger recorded.
type TransactionMetadata struct {
	ProcessingLogID   string             `json:"processing_log_id"`
	DocumentType      DocumentType       `json:"document_type"`
	SourceConfidences map[Source]float64 `json:"source_confidences"`
	SourcesUsed       []Source           `json:"sources_used"`
	Discrepancies     []string           `json:"discrepancies,omitempty"`
	MergeReasoning    string             `json:"merge_reasoning,omitempty"`
}

// FinancialTransaction is a confirmed ledger entry. Immutable after creation
// except for status transitions.
type FinancialTransaction struct {
	ID               string              `json:"id"`
	UserID           string              `json:"user_id"`
	Type             TransactionType     `json:"type"`
	Category         string              `json:"category"`
	Subcategory      string              `json:"subcategory,omitempty"`
	Amount           decimal.Decimal     `json:"amount"`
	Currency         string              `json:"currency"`
	Date             time.Time           `json:"date"`
	Description      string              `json:"description,omitempty"`
	Merchant         string              `json:"merchant,omitempty"`
	ConfidenceScore  float64             `json:"confidence_score"`
	Status           TransactionStatus   `json:"status"`
	ProcessingMethod string              `json:"processing_method"`
	Metadata         TransactionMetadata `json:"metadata"`
	CreatedAt        time.Time           `json:"created_at"`
}
