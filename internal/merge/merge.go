// Package merge combines the independent analyzer opinions into the one
// answer the user is asked to confirm.
package merge

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/model"
)

// visionPriorityThreshold is the confidence above which a vision answer
// outranks everything else. The multimodal model sees layout and logos the
// text pipeline cannot.
const visionPriorityThreshold = 0.7

var (
	tenPercent    = decimal.NewFromFloat(0.10)
	twentyPercent = decimal.NewFromFloat(0.20)
)

// Inputs are the source opinions available after the analysis stages. The
// rule-based result always exists; the others are nil when their stage
// failed (vision) or never ran (verifier on an aborted run).
type Inputs struct {
	RuleBased model.ClassificationResult
	Verifier  *model.ClassificationResult
	Vision    *model.ClassificationResult
}

// Merge derives the final result, its confidence, and the discrepancy list.
func Merge(in Inputs) model.MergedResult {
	sources := []model.ClassificationResult{in.RuleBased}
	if in.Verifier != nil {
		sources = append(sources, *in.Verifier)
	}
	if in.Vision != nil {
		sources = append(sources, *in.Vision)
	}

	primary, visionPrioritized := pickPrimary(in, sources)

	agreements := countAgreements(sources)
	conf := primary.Confidence + 0.1*float64(agreements)

	if in.Vision != nil && in.Verifier != nil {
		if amountsWithin(in.Vision.Amount, in.Verifier.Amount, tenPercent) {
			conf += 0.1
		}
		if in.Vision.Category == in.Verifier.Category {
			conf += 0.05
		}
	}
	conf = model.ClampConfidence(conf)

	discrepancies := detect(in)

	used := make([]model.Source, len(sources))
	for i, s := range sources {
		used[i] = s.Source
	}

	reasoning := buildReasoning(primary.Source, visionPrioritized, agreements, len(discrepancies))

	zap.L().Debug("merge: combined analysis",
		zap.String("primary", string(primary.Source)),
		zap.Int("sources", len(sources)),
		zap.Int("agreements", agreements),
		zap.Int("discrepancies", len(discrepancies)),
		zap.Float64("final_confidence", conf),
	)

	return model.MergedResult{
		Result:          primary,
		FinalConfidence: conf,
		SourcesUsed:     used,
		Discrepancies:   discrepancies,
		Reasoning:       reasoning,
	}
}

// pickPrimary prefers a confident vision answer, then whoever scored
// highest among the present sources.
func pickPrimary(in Inputs, sources []model.ClassificationResult) (model.ClassificationResult, bool) {
	if in.Vision != nil && in.Vision.Confidence > visionPriorityThreshold {
		return *in.Vision, true
	}
	best := sources[0]
	for _, s := range sources[1:] {
		if s.Confidence > best.Confidence {
			best = s
		}
	}
	return best, false
}

// countAgreements counts pairs of sources whose category and transaction
// type both match.
func countAgreements(sources []model.ClassificationResult) int {
	n := 0
	for i := 0; i < len(sources); i++ {
		for j := i + 1; j < len(sources); j++ {
			if sources[i].Category == sources[j].Category &&
				sources[i].TransactionType == sources[j].TransactionType {
				n++
			}
		}
	}
	return n
}

// detect builds the discrepancy list. Detection is independent of source
// selection: a disagreement is recorded even when the primary source "won".
func detect(in Inputs) []string {
	var out []string

	if in.Vision != nil && in.Verifier != nil &&
		!amountsWithin(in.Vision.Amount, in.Verifier.Amount, twentyPercent) {
		out = append(out, fmt.Sprintf("Amount discrepancy: vision says %s, verifier says %s",
			in.Vision.Amount.String(), in.Verifier.Amount.String()))
	}

	if d, ok := fieldValues(in, func(r model.ClassificationResult) string { return r.Category }); !ok {
		out = append(out, "Category discrepancy: "+d)
	}
	if d, ok := fieldValues(in, func(r model.ClassificationResult) string { return string(r.TransactionType) }); !ok {
		out = append(out, "Transaction type discrepancy: "+d)
	}

	return out
}

// fieldValues reports whether all present sources agree on a field; on
// disagreement it returns the per-source values for the message.
func fieldValues(in Inputs, get func(model.ClassificationResult) string) (string, bool) {
	type pair struct {
		source model.Source
		value  string
	}
	pairs := []pair{{in.RuleBased.Source, get(in.RuleBased)}}
	if in.Verifier != nil {
		pairs = append(pairs, pair{in.Verifier.Source, get(*in.Verifier)})
	}
	if in.Vision != nil {
		pairs = append(pairs, pair{in.Vision.Source, get(*in.Vision)})
	}

	agree := true
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = fmt.Sprintf("%s=%s", p.source, p.value)
		if p.value != pairs[0].value {
			agree = false
		}
	}
	if agree {
		return "", true
	}
	return strings.Join(parts, ", "), false
}

// amountsWithin reports whether the gap between two amounts stays inside
// the given fraction of the larger one.
func amountsWithin(a, b, fraction decimal.Decimal) bool {
	larger := a
	if b.GreaterThan(larger) {
		larger = b
	}
	if larger.IsZero() {
		return a.Equal(b)
	}
	diff := a.Sub(b).Abs()
	return diff.LessThanOrEqual(larger.Mul(fraction))
}

func buildReasoning(primary model.Source, visionPrioritized bool, agreements, discrepancies int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Selected %s as primary source", primary)
	if visionPrioritized {
		sb.WriteString(" (vision prioritized for high confidence)")
	}
	fmt.Fprintf(&sb, "; %d agreeing source pair(s), %d discrepancy(ies).", agreements, discrepancies)
	return sb.String()
}
