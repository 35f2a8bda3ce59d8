package classify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quipufin/quipu/internal/model"
)

// fixedNow keeps date-dependent assertions stable.
var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	c := New(nil)
	c.now = func() time.Time { return fixedNow }
	return c
}

func amounts(vals ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

// --- Folding ---

func TestFold(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ALIMENTACIÓN", "alimentacion"},
		{"Liquidación de Sueldo", "liquidacion de sueldo"},
		{"CAFÉ", "cafe"},
		{"plain ascii", "plain ascii"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Fold(tt.in))
	}
}

// --- Dates ---

func TestParseDates_ChileanOrder(t *testing.T) {
	dates := ParseDates("Fecha: 05/03/2024")
	require.Len(t, dates, 1)
	assert.Equal(t, 5, dates[0].Day())
	assert.Equal(t, time.March, dates[0].Month())
	assert.Equal(t, 2024, dates[0].Year())
}

func TestParseDates_ISOOrder(t *testing.T) {
	dates := ParseDates("2024-03-05")
	require.Len(t, dates, 1)
	assert.Equal(t, 5, dates[0].Day())
	assert.Equal(t, time.March, dates[0].Month())
	assert.Equal(t, 2024, dates[0].Year())
}

func TestParseDates_TwoDigitYear(t *testing.T) {
	dates := ParseDates("vencimiento 10/04/24")
	require.Len(t, dates, 1)
	assert.Equal(t, 2024, dates[0].Year())
	assert.Equal(t, time.April, dates[0].Month())
}

func TestParseDates_RejectsImpossible(t *testing.T) {
	assert.Empty(t, ParseDates("31/02/2024"))
	assert.Empty(t, ParseDates("10/13/2024"))
	assert.Empty(t, ParseDates("no dates here"))
}

func TestParseDates_Multiple(t *testing.T) {
	dates := ParseDates("emision 01/03/2024 vencimiento 15/03/2024")
	assert.Len(t, dates, 2)
}

func TestSelectDate(t *testing.T) {
	d1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	future := fixedNow.Add(48 * time.Hour)

	t.Run("most recent past date wins", func(t *testing.T) {
		got := SelectDate([]time.Time{d1, d2}, fixedNow)
		assert.Equal(t, d2, got)
	})

	t.Run("future dates discarded", func(t *testing.T) {
		got := SelectDate([]time.Time{d1, future}, fixedNow)
		assert.Equal(t, d1, got)
	})

	t.Run("all future falls back to now", func(t *testing.T) {
		got := SelectDate([]time.Time{future}, fixedNow)
		assert.Equal(t, fixedNow, got)
	})

	t.Run("empty falls back to now", func(t *testing.T) {
		got := SelectDate(nil, fixedNow)
		assert.Equal(t, fixedNow, got)
	})
}

// --- Amounts ---

func TestSelectAmount(t *testing.T) {
	tests := []struct {
		name string
		in   []decimal.Decimal
		want int64
	}{
		{"single amount", amounts(15990), 15990},
		{"max wins", amounts(1500, 15990, 3200), 15990},
		{"sub-100 noise dropped", amounts(19, 15990, 1), 15990},
		{"noise larger than real is still dropped", amounts(99, 5000), 5000},
		{"all below floor keeps raw max", amounts(12, 45, 99), 99},
		{"exactly 100 survives the floor", amounts(100, 50), 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectAmount(tt.in)
			assert.True(t, decimal.NewFromInt(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestSelectAmount_Empty(t *testing.T) {
	assert.True(t, SelectAmount(nil).IsZero())
}

// --- Classification ---

func TestClassify_JumboReceipt(t *testing.T) {
	c := newTestClassifier(t)

	res := c.Classify(Input{
		Text:     "COMPRA JUMBO $15.990",
		Amounts:  amounts(15990),
		Merchant: "JUMBO",
	})

	assert.Equal(t, model.TypeExpense, res.TransactionType)
	assert.Equal(t, "alimentacion", res.Category)
	assert.Equal(t, "supermercado", res.Subcategory)
	assert.True(t, decimal.NewFromInt(15990).Equal(res.Amount), "got %s", res.Amount)
	assert.Equal(t, model.SourceRuleBased, res.Source)
	assert.Equal(t, "CLP", res.Currency)
	assert.Equal(t, "JUMBO", res.Merchant)
	assert.InDelta(t, 0.6, res.Confidence, 0.001)
}

func TestClassify_PayslipIsIncome(t *testing.T) {
	c := newTestClassifier(t)

	res := c.Classify(Input{
		Text:    "LIQUIDACIÓN DE SUELDO\nTotal Haberes: $1.250.000\nFecha: 30/04/2024",
		Amounts: amounts(1250000),
		Hint:    model.DocTypeLiquidacion,
	})

	assert.Equal(t, model.TypeIncome, res.TransactionType)
	assert.Equal(t, "sueldo", res.Category)
	assert.Equal(t, time.April, res.TransactionDate.Month())
	assert.Equal(t, 30, res.TransactionDate.Day())
}

func TestClassify_UtilityBillWithHint(t *testing.T) {
	c := newTestClassifier(t)

	res := c.Classify(Input{
		Text:    "ENEL Distribución\nNumero de Cliente 443322\nTotal a pagar $23.450\nVencimiento 10/05/2024",
		Amounts: amounts(23450),
		Hint:    model.DocTypeRecibo,
	})

	assert.Equal(t, model.TypeExpense, res.TransactionType)
	assert.Equal(t, "servicios_basicos", res.Category)
	assert.Equal(t, "electricidad", res.Subcategory)
}

func TestClassify_NoSignalDefaults(t *testing.T) {
	c := newTestClassifier(t)

	res := c.Classify(Input{Text: "xyzzy"})

	assert.Equal(t, model.TypeExpense, res.TransactionType)
	assert.Equal(t, "otros_gastos", res.Category)
	assert.Empty(t, res.Subcategory)
	assert.True(t, res.Amount.IsZero())
	assert.Equal(t, fixedNow, res.TransactionDate)
	assert.InDelta(t, 0.3, res.Confidence, 0.001)
}

func TestClassify_IncomeDefaultBucket(t *testing.T) {
	c := newTestClassifier(t)

	// Income direction but no category keywords beyond the type list.
	res := c.Classify(Input{Text: "abono transferencia recibida"})

	assert.Equal(t, model.TypeIncome, res.TransactionType)
	assert.Equal(t, "otros_ingresos", res.Category)
}

func TestClassify_BusinessDocumentEntities(t *testing.T) {
	c := newTestClassifier(t)

	res := c.Classify(Input{
		Text:    "BOLETA ELECTRONICA\nRUT: 76.123.456-7\nFARMACIA CRUZ VERDE\nTotal $8.990",
		Amounts: amounts(8990),
	})

	assert.Equal(t, model.TypeExpense, res.TransactionType)
	assert.Equal(t, "salud", res.Category)
	assert.Equal(t, "farmacia", res.Subcategory)
	require.NotNil(t, res.ExtractedEntities)
	assert.Equal(t, "76.123.456-7", res.ExtractedEntities["rut"])
	assert.Equal(t, "true", res.ExtractedEntities["business_document"])
}

func TestClassify_MerchantFromKeyValues(t *testing.T) {
	c := newTestClassifier(t)

	res := c.Classify(Input{
		Text:      "total 12000",
		Amounts:   amounts(12000),
		KeyValues: map[string]string{"comercio": "COPEC"},
	})

	assert.Equal(t, "COPEC", res.Merchant)
}

func TestClassify_TransportFuel(t *testing.T) {
	c := newTestClassifier(t)

	res := c.Classify(Input{
		Text:    "COPEC ESTACION DE SERVICIO\n32,5 litros bencina 93\nTotal $42.500",
		Amounts: amounts(42500),
	})

	assert.Equal(t, "transporte", res.Category)
	assert.Equal(t, "combustible", res.Subcategory)
}

func TestClassify_ConfidenceAlwaysInRange(t *testing.T) {
	c := newTestClassifier(t)

	inputs := []Input{
		{},
		{Text: strings.Repeat("jumbo lider supermercado farmacia metro netflix sueldo ", 20)},
		{
			Text:     "COMPRA JUMBO supermercado boleta electronica rut 76.123.456-7 " + strings.Repeat("x", 100),
			Amounts:  amounts(100000),
			Dates:    []time.Time{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
			Merchant: "JUMBO",
			Hint:     model.DocTypeBoleta,
		},
		{Text: "no keywords at all"},
	}
	for _, in := range inputs {
		res := c.Classify(in)
		assert.GreaterOrEqual(t, res.Confidence, 0.0)
		assert.LessOrEqual(t, res.Confidence, 1.0)
	}
}

func TestClassify_OldDateRaisesConfidence(t *testing.T) {
	c := newTestClassifier(t)

	base := c.Classify(Input{Text: "pago consumo"})
	dated := c.Classify(Input{Text: "pago consumo 01/02/2024"})

	assert.InDelta(t, base.Confidence+0.1, dated.Confidence, 0.001)
}

func TestClassify_DatesFromInputAndText(t *testing.T) {
	c := newTestClassifier(t)

	// The extractor's structured date is newer than the one in the text.
	structured := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	res := c.Classify(Input{
		Text:  "boleta 01/01/2024",
		Dates: []time.Time{structured},
	})

	assert.Equal(t, structured, res.TransactionDate)
}

func TestClassify_Deterministic(t *testing.T) {
	c := newTestClassifier(t)
	in := Input{
		Text:    "COMPRA JUMBO $15.990 boleta electronica 05/03/2024",
		Amounts: amounts(15990),
	}

	a := c.Classify(in)
	b := c.Classify(in)
	assert.Equal(t, a, b)
}

// --- Taxonomy loading ---

func TestDefaultTaxonomy(t *testing.T) {
	tax := Default()

	assert.NotEmpty(t, tax.IncomeKeywords)
	assert.NotEmpty(t, tax.ExpenseKeywords)
	assert.NotEmpty(t, tax.Expense)
	assert.NotEmpty(t, tax.Income)
	assert.Equal(t, "otros_gastos", tax.DefaultExpense)
	assert.Equal(t, "otros_ingresos", tax.DefaultIncome)
	assert.NotEmpty(t, tax.businessCompiled)

	// Every category pattern must have compiled.
	for _, cat := range tax.Expense {
		assert.Len(t, cat.compiled, len(cat.Patterns), "category %s", cat.Name)
	}
}

func TestTaxonomyKeywordsAreFolded(t *testing.T) {
	tax := Default()
	for _, kw := range tax.ExpenseKeywords {
		assert.Equal(t, Fold(kw), kw)
	}
	for _, cat := range tax.Expense {
		for _, kw := range cat.Keywords {
			assert.Equal(t, Fold(kw), kw)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tax.yaml")
	data := `
income_keywords: [abono]
expense_keywords: [compra]
business_patterns: ['\bboleta\b']
expense:
  - name: mascotas
    keywords: [veterinaria, petshop]
    subcategories:
      - name: vet
        keywords: [veterinaria]
income:
  - name: otros_ingresos
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	tax, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, tax.Expense, 1)
	assert.Equal(t, "otros_gastos", tax.DefaultExpense)

	c := New(tax)
	c.now = func() time.Time { return fixedNow }
	res := c.Classify(Input{Text: "compra VETERINARIA los olivos", Amounts: amounts(20000)})
	assert.Equal(t, "mascotas", res.Category)
	assert.Equal(t, "vet", res.Subcategory)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile("/does/not/exist.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read taxonomy")
}

func TestLoadFile_BadPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tax.yaml")
	require.NoError(t, os.WriteFile(path, []byte("expense:\n  - name: broken\n    patterns: ['[']\n"), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile pattern")
}
