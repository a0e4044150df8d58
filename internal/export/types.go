// Package export renders the admin complaint table as a PDF or a spreadsheet.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatXLSX Format = "xlsx"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatPDF:
		return FormatPDF, nil
	case FormatXLSX, "":
		return FormatXLSX, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	Format Format
	// Receiver is printed in the header, e.g. the admin's name.
	Receiver string
	At       time.Time
}

// Row is one complaint as the table shows it.
type Row struct {
	ID       string
	Year     string
	Date     string
	Time     string
	Category string
	Address  string
	Coords   string
	Status   string
	Local    bool
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
