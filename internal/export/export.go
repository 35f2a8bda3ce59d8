// Package export writes confirmed transactions out as XLSX workbooks
// for use in spreadsheets or handoff to an accountant.
package export

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/quipufin/quipu/internal/model"
	"github.com/quipufin/quipu/internal/store"
)

// Options selects which transactions to export.
type Options struct {
	UserID string
	From   time.Time
	To     time.Time
}

var ledgerHeader = []string{
	"Fecha", "Tipo", "Categoría", "Subcategoría", "Monto", "Moneda",
	"Comercio", "Descripción", "Confianza", "ID",
}

// Exporter turns stored transactions into XLSX files.
type Exporter struct {
	store store.Store
}

func NewExporter(st store.Store) *Exporter {
	return &Exporter{store: st}
}

// WriteFile exports the matching transactions to path. The workbook has a
// ledger sheet with one row per transaction and a per-category summary
// sheet. Returns the number of transactions written.
func (e *Exporter) WriteFile(ctx context.Context, path string, opts Options) (int, error) {
	f, n, err := e.build(ctx, opts)
	if err != nil {
		return 0, err
	}
	if err := f.Save(path); err != nil {
		return 0, eris.Wrap(err, "export: save workbook")
	}
	return n, nil
}

// pageSize bounds each store read while exporting.
const pageSize = 500

func (e *Exporter) build(ctx context.Context, opts Options) (*xlsx.File, int, error) {
	var txns []model.FinancialTransaction
	for offset := 0; ; offset += pageSize {
		page, err := e.store.ListTransactions(ctx, store.TxnFilter{
			UserID: opts.UserID,
			From:   opts.From,
			To:     opts.To,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, 0, eris.Wrap(err, "export: list transactions")
		}
		txns = append(txns, page...)
		if len(page) < pageSize {
			break
		}
	}

	f := xlsx.NewFile()
	ledger, err := f.AddSheet("Movimientos")
	if err != nil {
		return nil, 0, eris.Wrap(err, "export: add ledger sheet")
	}

	writeRow(ledger, ledgerHeader...)
	for _, t := range txns {
		writeRow(ledger,
			t.Date.Format("2006-01-02"),
			string(t.Type),
			t.Category,
			t.Subcategory,
			t.Amount.String(),
			t.Currency,
			t.Merchant,
			t.Description,
			formatConfidence(t.ConfidenceScore),
			t.ID,
		)
	}

	if err := e.addSummary(ctx, f, opts); err != nil {
		return nil, 0, err
	}
	return f, len(txns), nil
}

func (e *Exporter) addSummary(ctx context.Context, f *xlsx.File, opts Options) error {
	sums, err := e.store.SumByCategory(ctx, opts.UserID, opts.From, opts.To)
	if err != nil {
		return eris.Wrap(err, "export: sum by category")
	}

	sheet, err := f.AddSheet("Resumen")
	if err != nil {
		return eris.Wrap(err, "export: add summary sheet")
	}
	writeRow(sheet, "Categoría", "Tipo", "Movimientos", "Total")
	for _, s := range sums {
		writeRow(sheet, s.Category, string(s.Type), strconv.Itoa(s.Count), s.Total.String())
	}
	return nil
}

func writeRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

func formatConfidence(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
