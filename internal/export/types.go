// Package export renders a page, live or at a ledger version, as HTML, PDF
// or DOCX.
package export

import (
	"fmt"
	"strings"
	"time"

	"tandem/api/internal/apperr"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatHTML, FormatPDF, FormatDOCX:
		return f, nil
	case "":
		return FormatHTML, nil
	default:
		return "", apperr.InvalidArgument("UNSUPPORTED_FORMAT", fmt.Sprintf("unsupported export format %q", s))
	}
}

// Request names the page and, optionally, a version of it. An empty
// VersionID exports the live page.
type Request struct {
	PageID    string
	VersionID string
	Format    Format
}

// Document is what the template renders.
type Document struct {
	Title       string
	ProjectName string
	Author      string
	Version     int
	UpdatedAt   time.Time
	Body        string
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

func dependencyMissing(what string) error {
	return apperr.Unavailable(what+" is not installed on this server", nil)
}
