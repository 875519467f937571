package constants

import "strings"

// InputKind classifies the uploaded file for the decode stage.
type InputKind string

const (
	InputPDF    InputKind = "pdf"
	InputImages InputKind = "images"
)

// OutputFormat selects the download rendering of a completed job's tables.
type OutputFormat string

const (
	FormatJSON  OutputFormat = "json"
	FormatCSV   OutputFormat = "csv"
	FormatExcel OutputFormat = "excel"
)

// AllowedExtensions holds the file extensions accepted at submission.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"webp": {},
	"gif":  {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// KindForFilename maps a declared filename to an input kind.
func KindForFilename(name string) InputKind {
	if strings.HasSuffix(strings.ToLower(name), ".pdf") {
		return InputPDF
	}
	return InputImages
}
