package classify

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/model"
)

// Input carries everything the extractor recovered from a document.
// Every field is optional; the classifier produces a best-effort answer
// from whatever is present.
type Input struct {
	Text      string
	Amounts   []decimal.Decimal
	Dates     []time.Time
	KeyValues map[string]string
	Merchant  string
	Hint      model.DocumentType
}

// Classifier is the deterministic rule-based analyzer. It never fails:
// with no signal at all it still returns the default expense bucket at
// base confidence.
type Classifier struct {
	tax *Taxonomy
	now func() time.Time
}

// New creates a Classifier over the given taxonomy, or the embedded
// default when tax is nil.
func New(tax *Taxonomy) *Classifier {
	if tax == nil {
		tax = Default()
	}
	return &Classifier{tax: tax, now: time.Now}
}

// amountNoiseFloor filters sub-100 candidates: in CLP those are line
// numbers, quantities, or tax-rate fragments, not totals.
var amountNoiseFloor = decimal.NewFromInt(100)

// rutRE extracts a Chilean tax ID for the entities map.
var rutRE = regexp.MustCompile(`\b\d{1,2}\.?\d{3}\.?\d{3}-[\dkK]\b`)

// Classify scores the input against the taxonomy and returns a
// RULE_BASED opinion.
func (c *Classifier) Classify(in Input) model.ClassificationResult {
	folded := Fold(in.Text)
	now := c.now()

	businessHits := c.businessHits(folded)
	txType := c.transactionType(folded)

	winner := c.pickCategory(folded, txType, in.Hint)

	amount := SelectAmount(in.Amounts)
	date := SelectDate(append(ParseDates(in.Text), in.Dates...), now)
	merchant := pickMerchant(in)

	conf := c.confidence(in, winner, amount, date, now, merchant)

	res := model.ClassificationResult{
		Source:          model.SourceRuleBased,
		TransactionType: txType,
		Category:        winner.name,
		Subcategory:     winner.subcategory,
		Amount:          amount,
		Currency:        model.DefaultCurrency,
		TransactionDate: date,
		Description:     firstLine(in.Text),
		Merchant:        merchant,
		Confidence:      conf,
		Reasoning: fmt.Sprintf("rule-based: %s/%s from %d keyword and %d pattern hits",
			txType, winner.name, winner.keywordHits, winner.patternHits),
	}

	entities := map[string]string{}
	if rut := rutRE.FindString(in.Text); rut != "" {
		entities["rut"] = rut
	}
	if businessHits > 0 {
		entities["business_document"] = "true"
	}
	if len(entities) > 0 {
		res.ExtractedEntities = entities
	}

	zap.L().Debug("classify: rule-based result",
		zap.String("type", string(txType)),
		zap.String("category", winner.name),
		zap.String("amount", amount.String()),
		zap.Float64("confidence", conf),
	)
	return res
}

// transactionType decides income vs expense from keyword scores. Ties
// break toward expense: business documents carry a RUT or "boleta
// electronica" marker but often no direction words, and they are
// purchases from the holder's side.
func (c *Classifier) transactionType(folded string) model.TransactionType {
	income := countHits(folded, c.tax.IncomeKeywords)
	expense := countHits(folded, c.tax.ExpenseKeywords)
	if income > expense {
		return model.TypeIncome
	}
	return model.TypeExpense
}

func (c *Classifier) businessHits(folded string) int {
	hits := 0
	for _, re := range c.tax.businessCompiled {
		if re.MatchString(folded) {
			hits++
		}
	}
	return hits
}

// categoryMatch is one category's score against a document.
type categoryMatch struct {
	name        string
	subcategory string
	score       int
	keywordHits int
	patternHits int
}

// pickCategory scores every category for the transaction direction and
// keeps the best. Zero total score falls through to the direction's
// default bucket. Ties keep the earlier category; taxonomy order is the
// priority order.
func (c *Classifier) pickCategory(folded string, txType model.TransactionType, hint model.DocumentType) categoryMatch {
	hinted, _ := c.tax.hintCategory(hint)

	best := categoryMatch{name: c.tax.defaultFor(txType)}
	cats := c.tax.categoriesFor(txType)
	for i := range cats {
		m := scoreCategory(folded, &cats[i], cats[i].Name == hinted)
		if m.score > best.score {
			best = m
		}
	}
	return best
}

// scoreCategory applies the category weighting: keywords count double,
// patterns triple, the best subcategory overlap adds its raw count, and
// a matching document-type hint adds one.
func scoreCategory(folded string, cat *Category, hinted bool) categoryMatch {
	kw := countHits(folded, cat.Keywords)

	pat := 0
	for _, re := range cat.compiled {
		if re.MatchString(folded) {
			pat++
		}
	}

	bestSub, bestOverlap := "", 0
	for _, sub := range cat.Subcategories {
		if n := countHits(folded, sub.Keywords); n > bestOverlap {
			bestOverlap, bestSub = n, sub.Name
		}
	}

	score := 2*kw + 3*pat + bestOverlap
	if hinted {
		score++
	}
	return categoryMatch{
		name:        cat.Name,
		subcategory: bestSub,
		score:       score,
		keywordHits: kw,
		patternHits: pat,
	}
}

// SelectAmount picks the transaction total from candidate amounts:
// sub-100 values are dropped as noise and the maximum survivor wins.
// If everything was below the floor, the raw maximum is better than
// nothing.
func SelectAmount(amounts []decimal.Decimal) decimal.Decimal {
	if len(amounts) == 0 {
		return decimal.Zero
	}

	rawMax := amounts[0]
	var max decimal.Decimal
	found := false
	for _, a := range amounts {
		if a.GreaterThan(rawMax) {
			rawMax = a
		}
		if a.LessThan(amountNoiseFloor) {
			continue
		}
		if !found || a.GreaterThan(max) {
			max, found = a, true
		}
	}
	if found {
		return max
	}
	return rawMax
}

// confidence composes the heuristic score. Each term reflects how much
// real signal the document gave us.
func (c *Classifier) confidence(in Input, winner categoryMatch, amount decimal.Decimal, date, now time.Time, merchant string) float64 {
	conf := 0.3
	if len(in.Text) > 50 {
		conf += 0.1
	}
	if amount.IsPositive() {
		conf += 0.2
	}
	if absDuration(date.Sub(now)) > 24*time.Hour {
		conf += 0.1
	}
	conf += math.Min(0.15, 0.05*float64(winner.keywordHits))
	conf += math.Min(0.2, 0.1*float64(winner.patternHits))
	if in.Hint != "" && in.Hint != model.DocTypeUnknown {
		conf += 0.1
	}
	if merchant != "" {
		conf += 0.05
	}
	return model.ClampConfidence(conf)
}

// pickMerchant prefers the explicit merchant field, then the key-value
// pairs extractors commonly emit for the issuing business.
func pickMerchant(in Input) string {
	if in.Merchant != "" {
		return in.Merchant
	}
	for _, key := range []string{"merchant", "comercio", "razon social", "razon_social", "emisor"} {
		if v, ok := in.KeyValues[key]; ok && v != "" {
			return v
		}
	}
	return ""
}

// countHits returns how many of the folded keywords appear in the text.
// Each keyword counts once no matter how often it repeats.
func countHits(folded string, keywords []string) int {
	hits := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(folded, kw) {
			hits++
		}
	}
	return hits
}

// firstLine trims the document down to a usable description.
func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 120 {
			return string(r[:120])
		}
		return line
	}
	return ""
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
