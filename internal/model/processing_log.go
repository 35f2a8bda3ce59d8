package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LogStatus is the pipeline state machine persisted on every ProcessingLog.
// These values are a storage contract read by dashboards and the manual
// review tooling; renaming one is a breaking change.
type LogStatus string

const (
	LogStatusQueued                   LogStatus = "QUEUED"
	LogStatusProcessingOCR            LogStatus = "PROCESSING_OCR"
	LogStatusProcessingVision         LogStatus = "PROCESSING_VISION"
	LogStatusProcessingClassification LogStatus = "PROCESSING_CLASSIFICATION"
	LogStatusProcessingVerification   LogStatus = "PROCESSING_LLM_VERIFICATION"
	LogStatusPendingConfirmation      LogStatus = "PENDING_CONFIRMATION"
	LogStatusCompleted                LogStatus = "COMPLETED"
	LogStatusFailed                   LogStatus = "FAILED"
	LogStatusTimeout                  LogStatus = "TIMEOUT"
	LogStatusManualReview             LogStatus = "MANUAL_REVIEW_REQUIRED"
)

// Terminal reports whether a log in this status will never be advanced by the
// pipeline again. PENDING_CONFIRMATION is terminal only once its slot
// expires, which is a derived condition, not a stored one.
func (s LogStatus) Terminal() bool {
	switch s {
	case LogStatusCompleted, LogStatusFailed, LogStatusTimeout, LogStatusManualReview:
		return true
	default:
		return false
	}
}

// Stage names one step of the pipeline.
type Stage string

const (
	StageOCR            Stage = "ocr"
	StageVision         Stage = "vision"
	StageClassification Stage = "classification"
	StageVerification   Stage = "verification"
	StageConfirmation   Stage = "confirmation"
)

// StageError records one failure with enough context for a postmortem.
type StageError struct {
	Stage   Stage     `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ConfidenceScores holds the per-stage confidence values the pipeline
// accumulates as analyzers report in.
type ConfidenceScores struct {
	OCR            float64 `json:"ocr"`
	Vision         float64 `json:"vision"`
	Classification float64 `json:"classification"`
	LLM            float64 `json:"llm"`
	Overall        float64 `json:"overall"`
}

// OCRPayload is the text extractor's contribution to the extracted-data blob.
type OCRPayload struct {
	Text      string            `json:"text"`
	Amounts   []decimal.Decimal `json:"amounts,omitempty"`
	Dates     []time.Time       `json:"dates,omitempty"`
	Tables    [][]string        `json:"tables,omitempty"`
	KeyValues map[string]string `json:"key_values,omitempty"`
}

// VisionPayload is the vision adapter's contribution. The Chilean document
// flags are diagnostics only; the merger never reads them.
type VisionPayload struct {
	Result         ClassificationResult `json:"result"`
	RUTPresent     bool                 `json:"rut_present"`
	TaxLinePresent bool                 `json:"tax_line_present"`
}

// VerifierPayload is the verifier adapter's contribution.
type VerifierPayload struct {
	Result      ClassificationResult `json:"result"`
	Agrees      bool                 `json:"agrees"`
	RawResponse string               `json:"raw_response,omitempty"`
}

// ExtractedData is the per-stage tagged blob stored on the log. Each stage
// fills exactly its own slot, which keeps the merger exhaustively checkable.
type ExtractedData struct {
	OCR      *OCRPayload      `json:"ocr,omitempty"`
	Vision   *VisionPayload   `json:"vision,omitempty"`
	Verifier *VerifierPayload `json:"verifier,omitempty"`
}

// ProcessingLog is the durable record of one document submission. Created at
// upload, mutated exactly once per stage by the orchestrator, terminal at one
// of the final statuses.
type ProcessingLog struct {
	ID string `json:"id"`
	// JobID is the deterministic upload-job ID, kept unique so replayed
	// ingestion events land on the existing log instead of a duplicate.
	JobID         string           `json:"job_id,omitempty"`
	DocumentID    string           `json:"document_id"`
	UserID        string           `json:"user_id"`
	StorageRef    string           `json:"storage_ref"`
	FileName      string           `json:"file_name,omitempty"`
	DocType       DocumentType     `json:"doc_type"`
	Status        LogStatus        `json:"status"`
	CurrentStage  Stage            `json:"current_stage,omitempty"`
	Confidence    ConfidenceScores `json:"confidence"`
	StageMillis   map[Stage]int64  `json:"stage_millis,omitempty"`
	Extracted     *ExtractedData   `json:"extracted,omitempty"`
	Merged        *MergedResult    `json:"merged,omitempty"`
	Errors        []StageError     `json:"errors,omitempty"`
	TransactionID string           `json:"transaction_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// AppendError records a stage failure on the log's ordered error list.
func (l *ProcessingLog) AppendError(stage Stage, msg string, at time.Time) {
	l.Errors = append(l.Errors, StageError{Stage: stage, Message: msg, At: at})
}
