package extract

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
)

// Local extracts content without calling out: PDFs through the pdf
// library, text files as-is. Image files have no text layer, so analysis
// of those rides on the vision stage alone.
type Local struct{}

// NewLocal creates the local provider.
func NewLocal() *Local {
	return &Local{}
}

// Extract reads the document and builds a payload from its text.
func (l *Local) Extract(ctx context.Context, path string, features []Feature) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "extract: local")
	}

	var text string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		t, err := pdfText(path)
		if err != nil {
			return nil, err
		}
		text = t
	case ".txt", ".csv":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "extract: read %s", path)
		}
		text = string(data)
	default:
		// Images and anything else textless.
		text = ""
	}

	return BuildPayload(text, features), nil
}

func pdfText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "extract: open pdf %s", path)
	}
	defer f.Close() //nolint:errcheck

	reader, err := r.GetPlainText()
	if err != nil {
		return "", eris.Wrapf(err, "extract: pdf text %s", path)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", eris.Wrapf(err, "extract: drain pdf text %s", path)
	}
	return buf.String(), nil
}
