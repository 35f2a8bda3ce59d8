// Package model defines the core domain types shared across the pipeline.
package model

import (
	"path"
	"strings"
	"time"
)

// DocumentType is a best-effort hint about what kind of financial document
// was uploaded, derived from the object name or caption before any analysis.
type DocumentType string

const (
	DocTypeBoleta      DocumentType = "boleta"      // consumer receipt
	DocTypeFactura     DocumentType = "factura"     // invoice
	DocTypeLiquidacion DocumentType = "liquidacion" // payslip
	DocTypeCartola     DocumentType = "cartola"     // bank statement
	DocTypeRecibo      DocumentType = "recibo"      // payment receipt
	DocTypeUnknown     DocumentType = "desconocido"
)

// AllDocumentTypes lists every known document type hint.
func AllDocumentTypes() []DocumentType {
	return []DocumentType{
		DocTypeBoleta,
		DocTypeFactura,
		DocTypeLiquidacion,
		DocTypeCartola,
		DocTypeRecibo,
		DocTypeUnknown,
	}
}

// Document identifies an uploaded file awaiting processing. It is carried in
// jobs; the durable record of its processing is the ProcessingLog.
type Document struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	Channel    string       `json:"channel,omitempty"`
	StorageRef string       `json:"storage_ref"`
	FileName   string       `json:"file_name"`
	MimeType   string       `json:"mime_type,omitempty"`
	TypeHint   DocumentType `json:"type_hint"`
	UploadedAt time.Time    `json:"uploaded_at"`
}

// supportedExtensions are the upload extensions the ingestion consumer accepts.
var supportedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".pdf":  "application/pdf",
}

// SupportedExtension reports whether the object name carries a processable
// extension, along with the MIME type it implies.
func SupportedExtension(objectName string) (string, bool) {
	ext := strings.ToLower(path.Ext(objectName))
	mime, ok := supportedExtensions[ext]
	return mime, ok
}

// docTypeTokens maps object-name fragments to document type hints. Matching is
// on the lowercased object name, first hit wins in this order.
var docTypeTokens = []struct {
	token string
	typ   DocumentType
}{
	{"factura", DocTypeFactura},
	{"liquidacion", DocTypeLiquidacion},
	{"liquidación", DocTypeLiquidacion},
	{"cartola", DocTypeCartola},
	{"estado_de_cuenta", DocTypeCartola},
	{"boleta", DocTypeBoleta},
	{"recibo", DocTypeRecibo},
	{"comprobante", DocTypeRecibo},
}

// GuessDocumentType derives a DocumentType hint from an object name or
// caption. Returns DocTypeUnknown when nothing matches.
func GuessDocumentType(objectName string) DocumentType {
	lower := strings.ToLower(objectName)
	for _, t := range docTypeTokens {
		if strings.Contains(lower, t.token) {
			return t.typ
		}
	}
	return DocTypeUnknown
}
