package classify

import (
	_ "embed"
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/quipufin/quipu/internal/model"
)

//go:embed taxonomy.yaml
var defaultTaxonomyYAML []byte

// Subcategory refines a category with its own keyword list.
type Subcategory struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// Category is a spending or income bucket with the signals that select it.
type Category struct {
	Name          string        `yaml:"name"`
	Keywords      []string      `yaml:"keywords"`
	Patterns      []string      `yaml:"patterns"`
	Subcategories []Subcategory `yaml:"subcategories"`

	compiled []*regexp.Regexp
}

// Taxonomy is the full classification ruleset: transaction-type keywords,
// business-document patterns, and the category trees for both directions.
type Taxonomy struct {
	IncomeKeywords   []string   `yaml:"income_keywords"`
	ExpenseKeywords  []string   `yaml:"expense_keywords"`
	BusinessPatterns []string   `yaml:"business_patterns"`
	DefaultExpense   string     `yaml:"default_expense"`
	DefaultIncome    string     `yaml:"default_income"`
	Hints            map[string]string `yaml:"hints"`
	Expense          []Category `yaml:"expense"`
	Income           []Category `yaml:"income"`

	businessCompiled []*regexp.Regexp
}

// Default returns the embedded Chilean taxonomy. The embedded data is
// validated at build time by the package tests, so a parse failure here
// is a programming error.
func Default() *Taxonomy {
	tax, err := parse(defaultTaxonomyYAML)
	if err != nil {
		panic(err)
	}
	return tax
}

// LoadFile reads a taxonomy from a YAML file, for deployments that tune
// the keyword lists without rebuilding.
func LoadFile(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "classify: read taxonomy %s", path)
	}
	return parse(data)
}

func parse(data []byte) (*Taxonomy, error) {
	var tax Taxonomy
	if err := yaml.Unmarshal(data, &tax); err != nil {
		return nil, eris.Wrap(err, "classify: parse taxonomy")
	}

	// Keywords are matched against folded text, so fold them once at load.
	tax.IncomeKeywords = foldAll(tax.IncomeKeywords)
	tax.ExpenseKeywords = foldAll(tax.ExpenseKeywords)
	for i := range tax.Expense {
		if err := tax.Expense[i].compile(); err != nil {
			return nil, err
		}
	}
	for i := range tax.Income {
		if err := tax.Income[i].compile(); err != nil {
			return nil, err
		}
	}
	for _, pat := range tax.BusinessPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, eris.Wrapf(err, "classify: compile business pattern %q", pat)
		}
		tax.businessCompiled = append(tax.businessCompiled, re)
	}
	if tax.DefaultExpense == "" {
		tax.DefaultExpense = "otros_gastos"
	}
	if tax.DefaultIncome == "" {
		tax.DefaultIncome = "otros_ingresos"
	}
	return &tax, nil
}

func (c *Category) compile() error {
	c.Keywords = foldAll(c.Keywords)
	for i := range c.Subcategories {
		c.Subcategories[i].Keywords = foldAll(c.Subcategories[i].Keywords)
	}
	for _, pat := range c.Patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return eris.Wrapf(err, "classify: compile pattern %q for %s", pat, c.Name)
		}
		c.compiled = append(c.compiled, re)
	}
	return nil
}

// categoriesFor returns the category tree for a transaction direction.
func (t *Taxonomy) categoriesFor(txType model.TransactionType) []Category {
	if txType == model.TypeIncome {
		return t.Income
	}
	return t.Expense
}

// defaultFor returns the fallback bucket for a transaction direction.
func (t *Taxonomy) defaultFor(txType model.TransactionType) string {
	if txType == model.TypeIncome {
		return t.DefaultIncome
	}
	return t.DefaultExpense
}

// hintCategory resolves a document-type hint to a category name, if the
// taxonomy knows that document type.
func (t *Taxonomy) hintCategory(hint model.DocumentType) (string, bool) {
	name, ok := t.Hints[string(hint)]
	return name, ok
}

func foldAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = Fold(w)
	}
	return out
}
