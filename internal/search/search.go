// Package search answers free-text queries over complaint messages and
// addresses. Meilisearch is used when reachable; otherwise the query falls
// back to the relational store.
package search

import (
	"time"

	"suyang/api/internal/complaint"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string           `json:"id"`
	Category  string           `json:"category"`
	Location  string           `json:"location"`
	Snippet   string           `json:"snippet"`
	Status    complaint.Status `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Query describes a search request. Categories restricts hits to the
// receiver's role; empty means all categories.
type Query struct {
	Text       string
	Categories []string
	Limit      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Record is the data we index for a complaint.
type Record struct {
	ID        string `json:"id"`
	Category  string `json:"category"`
	Location  string `json:"location"`
	Message   string `json:"message"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

func RecordFrom(c complaint.Complaint) Record {
	return Record{
		ID:        c.ID,
		Category:  c.Category,
		Location:  c.Location,
		Message:   c.Message,
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt.Unix(),
	}
}

func resultFrom(c complaint.Complaint) Result {
	return Result{
		ID:        c.ID,
		Category:  c.Category,
		Location:  c.Location,
		Snippet:   c.Message,
		Status:    c.Status,
		CreatedAt: c.CreatedAt,
	}
}
