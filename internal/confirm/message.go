package confirm

import (
	"fmt"
	"strings"

	"github.com/quipufin/quipu/internal/model"
)

// typeLabels render the transaction direction in the user's language.
var typeLabels = map[model.TransactionType]string{
	model.TypeIncome:  "Ingreso",
	model.TypeExpense: "Gasto",
}

// RenderRequest builds the user-facing confirmation question for a merged
// result.
func RenderRequest(m model.MergedResult) string {
	r := m.Result

	var sb strings.Builder
	sb.WriteString("He detectado una transacción en tu documento:\n\n")
	fmt.Fprintf(&sb, "• Tipo: %s\n", typeLabels[r.TransactionType])
	fmt.Fprintf(&sb, "• Categoría: %s\n", r.Category)
	fmt.Fprintf(&sb, "• Monto: $%s %s\n", formatAmount(r.Amount.StringFixed(0)), r.Currency)
	if r.Merchant != "" {
		fmt.Fprintf(&sb, "• Comercio: %s\n", r.Merchant)
	}
	fmt.Fprintf(&sb, "• Fecha: %s\n", r.TransactionDate.Format("02/01/2006"))
	fmt.Fprintf(&sb, "• Confianza: %.0f%%\n", m.FinalConfidence*100)

	if len(m.Discrepancies) > 0 {
		sb.WriteString("\nNota: las fuentes de análisis no coinciden del todo, revisa bien los datos.\n")
	}
	sb.WriteString("\n¿Confirmas que registre esta transacción? (sí / no)")
	return sb.String()
}

// RenderConfirmed acknowledges a persisted transaction.
func RenderConfirmed(txn *model.FinancialTransaction) string {
	return fmt.Sprintf("Listo, registré tu %s de $%s %s en %s.",
		strings.ToLower(typeLabels[txn.Type]),
		formatAmount(txn.Amount.StringFixed(0)),
		txn.Currency,
		txn.Category,
	)
}

// RenderRejected acknowledges a declined proposal.
func RenderRejected() string {
	return "Entendido, no registré la transacción. Puedes subir el documento de nuevo si quieres reintentarlo."
}

// RenderNothingPending answers a confirmation with no open proposal.
func RenderNothingPending() string {
	return "No tengo ninguna transacción pendiente de confirmación. Sube un documento para comenzar."
}

// formatAmount inserts Chilean thousands dots into an integer amount
// string.
func formatAmount(s string) string {
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var sb strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			sb.WriteByte('.')
		}
		sb.WriteRune(r)
	}
	if neg {
		return "-" + sb.String()
	}
	return sb.String()
}
