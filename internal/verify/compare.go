package verify

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quipufin/quipu/internal/model"
)

// amountFloor is the absolute disagreement below which two amounts are
// never flagged, regardless of percentage. Keeps tiny CLP totals from
// tripping the 5% rule.
var amountFloor = decimal.NewFromInt(100)

var fivePercent = decimal.NewFromFloat(0.05)

// Compare flags disagreements between the rule-based answer and the
// verifier's. The discrepancy list is diagnostic; selection happens in
// Select.
func Compare(ruleBased, verifier model.ClassificationResult) []string {
	var discrepancies []string

	if ruleBased.TransactionType != verifier.TransactionType {
		discrepancies = append(discrepancies,
			fmt.Sprintf("Transaction type discrepancy: rule-based says %s, verifier says %s",
				ruleBased.TransactionType, verifier.TransactionType))
	}
	if ruleBased.Category != verifier.Category {
		discrepancies = append(discrepancies,
			fmt.Sprintf("Category discrepancy: rule-based says %s, verifier says %s",
				ruleBased.Category, verifier.Category))
	}
	if amountsDisagree(ruleBased.Amount, verifier.Amount) {
		discrepancies = append(discrepancies,
			fmt.Sprintf("Amount discrepancy: rule-based says %s, verifier says %s",
				ruleBased.Amount.String(), verifier.Amount.String()))
	}

	return discrepancies
}

// amountsDisagree applies the threshold: the gap must exceed both 5% of
// the rule-based amount and the absolute floor.
func amountsDisagree(ruleBased, verifier decimal.Decimal) bool {
	diff := ruleBased.Sub(verifier).Abs()
	threshold := ruleBased.Mul(fivePercent)
	if threshold.LessThan(amountFloor) {
		threshold = amountFloor
	}
	return diff.GreaterThan(threshold)
}

// Select picks between the two answers: the verifier's word stands unless
// it reported low confidence while finding nothing wrong, in which case
// the rule-based answer it failed to fault is the safer keep.
func Select(ruleBased, verifier model.ClassificationResult, discrepancies []string) model.ClassificationResult {
	if verifier.Confidence < 0.5 && len(discrepancies) == 0 {
		return ruleBased
	}
	return verifier
}
