package confirm

import (
	"strings"

	"github.com/quipufin/quipu/internal/classify"
)

// Phrase tables are folded (lowercase, accent-stripped), so "Sí" and "si"
// both land. Matching is whole-word to keep "noviembre" from reading as a
// rejection.
var affirmativeWords = map[string]bool{
	"si":        true,
	"yes":       true,
	"ok":        true,
	"okay":      true,
	"dale":      true,
	"confirmo":  true,
	"confirmar": true,
	"correcto":  true,
	"exacto":    true,
	"afirmativo": true,
	"bueno":     true,
	"ya":        true,
}

var negativeWords = map[string]bool{
	"no":         true,
	"nope":       true,
	"cancelar":   true,
	"cancela":    true,
	"incorrecto": true,
	"rechazar":   true,
	"rechazo":    true,
	"error":      true,
	"malo":       true,
	"negativo":   true,
}

// IsConfirmationMessage reports whether free text reads as a yes or a no.
// ok is false for ambiguous or unrelated text — silence is not consent,
// and a message matching both tables is ambiguous.
func IsConfirmationMessage(text string) (confirmed, ok bool) {
	folded := classify.Fold(text)

	var yes, no bool
	for _, word := range strings.FieldsFunc(folded, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if affirmativeWords[word] {
			yes = true
		}
		if negativeWords[word] {
			no = true
		}
	}

	if yes == no {
		return false, false
	}
	return yes, true
}
