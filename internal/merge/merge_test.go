package merge

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quipufin/quipu/internal/model"
)

func source(src model.Source, category string, txType model.TransactionType, amount int64, conf float64) model.ClassificationResult {
	return model.ClassificationResult{
		Source:          src,
		TransactionType: txType,
		Category:        category,
		Amount:          decimal.NewFromInt(amount),
		Currency:        "CLP",
		Confidence:      conf,
	}
}

func TestMerge_RuleBasedOnly(t *testing.T) {
	rb := source(model.SourceRuleBased, "alimentacion", model.TypeExpense, 15990, 0.6)
	m := Merge(Inputs{RuleBased: rb})

	assert.Equal(t, model.SourceRuleBased, m.Result.Source)
	assert.InDelta(t, 0.6, m.FinalConfidence, 1e-9)
	assert.Equal(t, []model.Source{model.SourceRuleBased}, m.SourcesUsed)
	assert.Empty(t, m.Discrepancies)
	assert.NotEmpty(t, m.Reasoning)
}

func TestMerge_ConfidentVisionIsPrimary(t *testing.T) {
	rb := source(model.SourceRuleBased, "otros_gastos", model.TypeExpense, 15990, 0.5)
	ver := source(model.SourceLLM, "alimentacion", model.TypeExpense, 15990, 0.8)
	vis := source(model.SourceVision, "alimentacion", model.TypeExpense, 15990, 0.75)

	m := Merge(Inputs{RuleBased: rb, Verifier: &ver, Vision: &vis})

	assert.Equal(t, model.SourceVision, m.Result.Source)
	assert.Contains(t, m.Reasoning, "vision prioritized")
	// 0.75 primary + 0.1 (ver/vis pair agrees) + 0.1 amounts within 10%
	// + 0.05 categories match.
	assert.InDelta(t, 1.0, m.FinalConfidence, 1e-9)
	assert.Len(t, m.SourcesUsed, 3)
}

func TestMerge_HighestConfidenceWinsWithoutConfidentVision(t *testing.T) {
	rb := source(model.SourceRuleBased, "transporte", model.TypeExpense, 4500, 0.55)
	ver := source(model.SourceLLM, "transporte", model.TypeExpense, 4500, 0.85)
	vis := source(model.SourceVision, "transporte", model.TypeExpense, 4500, 0.6)

	m := Merge(Inputs{RuleBased: rb, Verifier: &ver, Vision: &vis})

	assert.Equal(t, model.SourceLLM, m.Result.Source)
	assert.NotContains(t, m.Reasoning, "vision prioritized")
}

func TestMerge_VisionVerifierCategoryDisagreement(t *testing.T) {
	// Rule-based disagrees with both, so no agreeing pair exists.
	rb := source(model.SourceRuleBased, "otros_gastos", model.TypeExpense, 15990, 0.4)
	ver := source(model.SourceLLM, "alimentacion", model.TypeExpense, 15990, 0.6)
	vis := source(model.SourceVision, "salud", model.TypeExpense, 15990, 0.9)

	m := Merge(Inputs{RuleBased: rb, Verifier: &ver, Vision: &vis})

	// Vision wins on confidence.
	assert.Equal(t, "salud", m.Result.Category)

	var categoryEntries int
	for _, d := range m.Discrepancies {
		if strings.HasPrefix(d, "Category discrepancy") {
			categoryEntries++
		}
	}
	assert.Equal(t, 1, categoryEntries)

	// No agreement bonus; only the vision/verifier amount bonus applies:
	// 0.9 + 0.1 (amounts within 10%) = 1.0, no +0.05 category match.
	assert.InDelta(t, 1.0, m.FinalConfidence, 1e-9)
}

func TestMerge_AmountDiscrepancyOver20Percent(t *testing.T) {
	rb := source(model.SourceRuleBased, "alimentacion", model.TypeExpense, 15990, 0.5)
	ver := source(model.SourceLLM, "alimentacion", model.TypeExpense, 10000, 0.6)
	vis := source(model.SourceVision, "alimentacion", model.TypeExpense, 15990, 0.6)

	m := Merge(Inputs{RuleBased: rb, Verifier: &ver, Vision: &vis})

	require.NotEmpty(t, m.Discrepancies)
	assert.Contains(t, m.Discrepancies[0], "Amount discrepancy")
}

func TestMerge_TransactionTypeDiscrepancy(t *testing.T) {
	rb := source(model.SourceRuleBased, "sueldo", model.TypeIncome, 500000, 0.5)
	ver := source(model.SourceLLM, "sueldo", model.TypeExpense, 500000, 0.8)

	m := Merge(Inputs{RuleBased: rb, Verifier: &ver})

	found := false
	for _, d := range m.Discrepancies {
		if strings.HasPrefix(d, "Transaction type discrepancy") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMerge_FinalConfidenceClamped(t *testing.T) {
	rb := source(model.SourceRuleBased, "alimentacion", model.TypeExpense, 15990, 0.95)
	ver := source(model.SourceLLM, "alimentacion", model.TypeExpense, 15990, 0.9)
	vis := source(model.SourceVision, "alimentacion", model.TypeExpense, 15990, 0.9)

	m := Merge(Inputs{RuleBased: rb, Verifier: &ver, Vision: &vis})
	assert.LessOrEqual(t, m.FinalConfidence, 1.0)
	assert.GreaterOrEqual(t, m.FinalConfidence, 0.0)
}

func TestAmountsWithin(t *testing.T) {
	ten := decimal.NewFromFloat(0.10)
	assert.True(t, amountsWithin(decimal.NewFromInt(100), decimal.NewFromInt(105), ten))
	assert.False(t, amountsWithin(decimal.NewFromInt(100), decimal.NewFromInt(120), ten))
	assert.True(t, amountsWithin(decimal.Zero, decimal.Zero, ten))
	assert.False(t, amountsWithin(decimal.Zero, decimal.NewFromInt(10), ten))
}
