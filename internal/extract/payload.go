package extract

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quipufin/quipu/internal/classify"
)

// amountRE matches Chilean money notation: an optional peso sign, dotted
// thousands groups, optional decimal comma. Bare dotted groups count too
// because receipts drop the sign on line items.
var amountRE = regexp.MustCompile(`\$\s*[\d][\d.,]*|\b\d{1,3}(?:\.\d{3})+(?:,\d{1,2})?\b`)

// thousandsRE recognizes a pure dotted-thousands integer once the sign
// and spaces are gone.
var thousandsRE = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+$`)

const maxAmountCandidates = 50

// BuildPayload derives the structured fields from extracted text. Which
// sections run is driven by the requested features; text is always kept.
func BuildPayload(text string, features []Feature) *Payload {
	p := &Payload{Text: text}
	if text == "" {
		return p
	}

	p.Amounts = ParseAmounts(text)
	p.Dates = classify.ParseDates(text)
	if hasFeature(features, FeatureTables) {
		p.Tables = parseTables(text)
	}
	if hasFeature(features, FeatureKeyValues) {
		p.KeyValues = parseKeyValues(text)
		// Labeled totals ("TOTAL: 12000") reach Amounts even when written
		// without Chilean separators.
		for key, val := range p.KeyValues {
			if !strings.Contains(key, "total") && !strings.Contains(key, "monto") && !strings.Contains(key, "importe") {
				continue
			}
			if d, ok := normalizeAmount(val); ok {
				p.Amounts = append(p.Amounts, d)
			}
		}
	}
	return p
}

// ParseAmounts scans text for money candidates. Parsing is permissive;
// the classifier's max-of-survivors selection deals with the noise.
func ParseAmounts(text string) []decimal.Decimal {
	var out []decimal.Decimal
	for _, raw := range amountRE.FindAllString(text, -1) {
		if d, ok := normalizeAmount(raw); ok {
			out = append(out, d)
		}
		if len(out) >= maxAmountCandidates {
			break
		}
	}
	return out
}

// normalizeAmount converts Chilean notation to a decimal: dots are
// thousands separators, a comma is the decimal mark.
func normalizeAmount(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "$"))
	s = strings.TrimRight(strings.TrimSpace(s), ".,")
	if s == "" {
		return decimal.Decimal{}, false
	}

	switch {
	case strings.Contains(s, ","):
		// 15.990,50 or 990,5
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case thousandsRE.MatchString(s):
		// 1.250.000
		s = strings.ReplaceAll(s, ".", "")
	case strings.Count(s, ".") > 1:
		// Dots that are not well-formed groups: still thousands, OCR
		// mangles spacing ("1.2 50.000" style fragments get rejected by
		// the parse below instead).
		s = strings.ReplaceAll(s, ".", "")
	}

	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Decimal{}, false
	}
	return d, true
}

// parseKeyValues pulls "Label: value" lines into a folded-key map. Keys
// are folded so lookups downstream are accent-insensitive.
func parseKeyValues(text string) map[string]string {
	kv := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" || val == "" || len(key) > 40 || len(val) > 120 {
			continue
		}
		kv[classify.Fold(key)] = val
	}
	if len(kv) == 0 {
		return nil
	}
	return kv
}

// parseTables reads markdown pipe tables, the shape the Mistral provider
// emits. Consecutive pipe rows form one table; separator rows are skipped.
func parseTables(text string) []Table {
	var tables []Table
	var current Table

	flush := func() {
		if len(current.Rows) > 0 {
			tables = append(tables, current)
			current = Table{}
		}
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") || !strings.HasSuffix(line, "|") {
			flush()
			continue
		}
		cells := splitTableRow(line)
		if len(cells) == 0 || isSeparatorRow(cells) {
			continue
		}
		current.Rows = append(current.Rows, cells)
	}
	flush()
	return tables
}

func splitTableRow(line string) []string {
	parts := strings.Split(strings.Trim(line, "|"), "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if strings.Trim(c, ":-") != "" {
			return false
		}
	}
	return true
}

func hasFeature(features []Feature, f Feature) bool {
	for _, have := range features {
		if have == f {
			return true
		}
	}
	return false
}
