package extract

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/quipufin/quipu/internal/config"
)

// Feature selects what an analysis should recover from a document.
type Feature string

const (
	FeatureText      Feature = "TEXT"
	FeatureTables    Feature = "TABLES"
	FeatureKeyValues Feature = "KEY_VALUES"
)

// Status of an analysis job.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Table is one detected table as rows of cell text.
type Table struct {
	Rows [][]string `json:"rows"`
}

// Payload is the structured content recovered from a document.
type Payload struct {
	Text      string            `json:"text"`
	Amounts   []decimal.Decimal `json:"amounts,omitempty"`
	Dates     []time.Time       `json:"dates,omitempty"`
	Tables    []Table           `json:"tables,omitempty"`
	KeyValues map[string]string `json:"key_values,omitempty"`
}

// SignalQuality scores how much usable structure the extraction
// recovered, on the same 0..1 scale the analyzers report. Bare text is
// weak signal; recognized amounts, dates, key-value pairs, and tables
// each raise it.
func (p *Payload) SignalQuality() float64 {
	if p == nil || strings.TrimSpace(p.Text) == "" {
		return 0
	}
	score := 0.4
	if len(p.Amounts) > 0 {
		score += 0.2
	}
	if len(p.Dates) > 0 {
		score += 0.15
	}
	if len(p.KeyValues) > 0 {
		score += 0.15
	}
	if len(p.Tables) > 0 {
		score += 0.1
	}
	return score
}

// Result is the answer to an Analyze or GetResult call. While the job is
// still running only Status and JobID are set; terminal results carry the
// payload or the provider's error text.
type Result struct {
	Status  Status   `json:"status"`
	JobID   string   `json:"job_id,omitempty"`
	Payload *Payload `json:"payload,omitempty"`
	Err     string   `json:"error,omitempty"`
}

// Extractor analyzes stored documents asynchronously: Analyze submits the
// work and returns a processing result with a job ID, GetResult polls it.
// Provider failures come back as a failed Result, not a Go error; errors
// are reserved for infrastructure problems (unresolvable storage refs).
type Extractor interface {
	Analyze(ctx context.Context, storageRef string, features []Feature) (*Result, error)
	GetResult(ctx context.Context, jobID string) (*Result, error)
}

// PathResolver maps a storage reference to a local file path the
// providers can read.
type PathResolver interface {
	ResolvePath(storageRef string) (string, error)
}

// Provider does the actual content extraction, synchronously.
type Provider interface {
	Extract(ctx context.Context, path string, features []Feature) (*Payload, error)
}

// NewExtractor creates the configured Extractor.
func NewExtractor(cfg config.ExtractorConfig, resolver PathResolver) (Extractor, error) {
	var p Provider
	switch cfg.Provider {
	case "local", "":
		p = NewLocal()
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("extract: mistral provider requires mistral_api_key")
		}
		p = NewMistral(cfg.MistralKey, cfg.MistralModel)
	default:
		return nil, eris.Errorf("extract: unknown provider %q", cfg.Provider)
	}
	return NewAsync(p, resolver, time.Duration(cfg.TimeoutSecs)*time.Second), nil
}
