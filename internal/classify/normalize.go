package classify

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases text and strips diacritics, so "Alimentación" and
// "ALIMENTACION" compare equal. Chilean documents are inconsistent about
// accents, OCR output even more so.
func Fold(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		// Mn removal cannot fail on valid UTF-8; fall back to the input.
		out = s
	}
	return strings.ToLower(out)
}
