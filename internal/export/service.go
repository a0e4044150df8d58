package export

import (
	"context"
	"fmt"
	"time"

	"suyang/api/internal/category"
	"suyang/api/internal/complaint"
)

// KST is the zone the table is printed in.
var KST = time.FixedZone("KST", 9*60*60)

// Service renders complaint tables
type Service struct {
	categories *category.Registry
	chromePath string
}

func NewService(categories *category.Registry, chromePath string) *Service {
	return &Service{categories: categories, chromePath: chromePath}
}

// Rows converts complaints into table rows in the order given.
func (s *Service) Rows(items []complaint.Complaint) []Row {
	rows := make([]Row, 0, len(items))
	for _, c := range items {
		at := c.CreatedAt.In(KST)
		coords := "-"
		if c.Coords != nil {
			coords = c.Coords.String()
		}
		label := c.Category
		if s.categories != nil {
			label = s.categories.Label(c.Category)
		}
		rows = append(rows, Row{
			ID:       c.ID,
			Year:     at.Format("2006"),
			Date:     at.Format("01. 02"),
			Time:     at.Format("15:04"),
			Category: label,
			Address:  c.Location,
			Coords:   coords,
			Status:   c.Status.Label(),
			Local:    c.Local,
		})
	}
	return rows
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, items []complaint.Complaint, req Request) (*Result, error) {
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	rows := s.Rows(items)

	switch req.Format {
	case FormatPDF:
		html, err := RenderTableHTML(TemplateData{
			Title:       "수양동 민원 현황",
			Receiver:    req.Receiver,
			GeneratedAt: at.In(KST),
			Rows:        rows,
		})
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		data, err := renderPDF(ctx, html, s.chromePath)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: exportFilename(at, FormatPDF), MimeType: "application/pdf"}, nil
	case FormatXLSX:
		data, err := renderXLSX(rows)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			Filename: exportFilename(at, FormatXLSX),
			MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
