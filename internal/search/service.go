package search

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"suyang/api/internal/complaint"
)

// Backend is the primary index; *Meili implements it.
type Backend interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	Index(records ...Record) error
	Delete(ids []string) error
}

// Service is the facade that tries Meilisearch first and falls back to Postgres.
type Service struct {
	backend  Backend
	fallback *PgSearch
	logger   *zap.Logger

	mu      sync.Mutex
	indexed map[string]struct{}
}

// NewService creates a search service. backend may be nil when Meilisearch
// is not configured.
func NewService(backend Backend, fallback *PgSearch, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{backend: backend, fallback: fallback, logger: logger, indexed: map[string]struct{}{}}
}

func (s *Service) primary() bool {
	return s.backend != nil && s.backend.Healthy()
}

const (
	defaultLimit = 20
	maxLimit     = 100
)

// ClampLimit bounds a requested page size to 1..100, defaulting to 20.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	}
	return n
}

// Search tries the index when healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Limit = ClampLimit(q.Limit)
	if s.primary() {
		results, total, err := s.backend.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text, Backend: "postgres"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "postgres"}
}

// Index adds a persisted complaint to the index (fire-and-forget).
func (s *Service) Index(c complaint.Complaint) {
	if !s.primary() {
		return
	}
	rec := RecordFrom(c)
	s.track(rec.ID)
	go func() {
		if err := s.backend.Index(rec); err != nil {
			s.logger.Warn("index complaint", zap.String("id", rec.ID), zap.Error(err))
		}
	}()
}

// Delete removes purged complaints from the index.
func (s *Service) Delete(_ context.Context, ids []string) error {
	if !s.primary() {
		return nil
	}
	if err := s.backend.Delete(ids); err != nil {
		return err
	}
	s.mu.Lock()
	for _, id := range ids {
		delete(s.indexed, id)
	}
	s.mu.Unlock()
	return nil
}

// Reindex pushes every live complaint into the index.
func (s *Service) Reindex(items []complaint.Complaint) error {
	if !s.primary() || len(items) == 0 {
		return nil
	}
	records := make([]Record, len(items))
	for i, c := range items {
		records[i] = RecordFrom(c)
	}
	if err := s.backend.Index(records...); err != nil {
		return err
	}
	for _, r := range records {
		s.track(r.ID)
	}
	s.logger.Info("search index rebuilt", zap.Int("count", len(records)))
	return nil
}

// Reconcile makes the index match items, the full set of live complaints:
// every item is upserted and ids indexed earlier but no longer live are
// deleted.
func (s *Service) Reconcile(_ context.Context, items []complaint.Complaint) error {
	if !s.primary() {
		return nil
	}
	live := make(map[string]struct{}, len(items))
	records := make([]Record, 0, len(items))
	for _, c := range items {
		live[c.ID] = struct{}{}
		records = append(records, RecordFrom(c))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var gone []string
	for id := range s.indexed {
		if _, ok := live[id]; !ok {
			gone = append(gone, id)
		}
	}
	if err := s.backend.Index(records...); err != nil {
		return err
	}
	if len(gone) > 0 {
		sort.Strings(gone)
		if err := s.backend.Delete(gone); err != nil {
			return err
		}
	}
	s.indexed = live
	return nil
}

func (s *Service) track(id string) {
	s.mu.Lock()
	s.indexed[id] = struct{}{}
	s.mu.Unlock()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
