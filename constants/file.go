package constants

import "strings"

// AllowedExtensions holds the file extensions accepted for DDT ingestion.
var AllowedExtensions = map[string]struct{}{
	"pdf": {},
}

// PDFContentType is sent with every document upload.
const PDFContentType = "application/pdf"

// UploadPrefix is the blob store folder for ingested documents.
const UploadPrefix = "uploads"

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
