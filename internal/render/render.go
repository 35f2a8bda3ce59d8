package render

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Renderer turns a stored document into a single page image for the
// vision analyzer.
type Renderer interface {
	RenderPage(ctx context.Context, path string) (data []byte, mimeType string, err error)
}

// PdfToPpm renders PDFs with the pdftoppm CLI tool and passes image
// files through untouched.
type PdfToPpm struct {
	binPath string
	dpi     int
}

// NewPdfToPpm creates a renderer. Empty binPath means "pdftoppm" on
// PATH; a non-positive dpi uses 150.
func NewPdfToPpm(binPath string, dpi int) *PdfToPpm {
	if binPath == "" {
		binPath = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 150
	}
	return &PdfToPpm{binPath: binPath, dpi: dpi}
}

// RenderPage returns the first page as a PNG, or the file itself when it
// already is an image. Multi-page documents lean on page one because the
// receipts and invoices this pipeline sees put the totals there.
func (p *PdfToPpm) RenderPage(ctx context.Context, path string) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", eris.Wrapf(err, "render: read %s", path)
		}
		return data, "image/jpeg", nil
	case ".png":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", eris.Wrapf(err, "render: read %s", path)
		}
		return data, "image/png", nil
	case ".pdf":
		return p.renderPDF(ctx, path)
	default:
		return nil, "", eris.Errorf("render: unsupported file type %s", filepath.Ext(path))
	}
}

func (p *PdfToPpm) renderPDF(ctx context.Context, path string) ([]byte, string, error) {
	tmpDir, err := os.MkdirTemp("", "quipu-render-*")
	if err != nil {
		return nil, "", eris.Wrap(err, "render: temp dir")
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck

	prefix := filepath.Join(tmpDir, "page")
	cmd := exec.CommandContext(ctx, p.binPath,
		"-png",
		"-r", strconv.Itoa(p.dpi),
		"-f", "1", "-l", "1",
		"-singlefile",
		path, prefix,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, "", eris.Wrapf(err, "render: pdftoppm failed for %s: %s", path, stderr.String())
	}

	data, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, "", eris.Wrapf(err, "render: read rendered page for %s", path)
	}
	return data, "image/png", nil
}
