package search

import (
	"context"
	"strings"

	"suyang/api/internal/category"
	"suyang/api/internal/complaint"
)

// Lister is satisfied by *store.PostgresStore.
type Lister interface {
	SearchComplaints(ctx context.Context, text string, categories []string, limit int) ([]complaint.Complaint, error)
}

// PgSearch runs substring search in Postgres.
type PgSearch struct {
	store Lister
}

func NewPgSearch(s Lister) *PgSearch {
	return &PgSearch{store: s}
}

func (p *PgSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := ClampLimit(q.Limit)
	items, err := p.store.SearchComplaints(ctx, q.Text, normalizeAll(q.Categories), limit)
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(items))
	for _, c := range items {
		results = append(results, resultFrom(c))
	}
	return results, len(results), nil
}

func normalizeAll(cats []string) []string {
	if len(cats) == 0 {
		return nil
	}
	out := make([]string, 0, len(cats))
	for _, c := range cats {
		out = append(out, category.Normalize(c))
	}
	return out
}
