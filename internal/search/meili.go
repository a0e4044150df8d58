package search

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"suyang/api/internal/complaint"
)

const idxComplaints = "suyang_complaints"

// Meili searches and indexes complaints in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  *zap.Logger
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is not an error; the health loop picks it up later.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		logger: logger,
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxComplaints, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.String("index", idxComplaints), zap.Error(err))
	}
	index := m.client.Index(idxComplaints)

	filterable := []interface{}{"category", "status"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"message", "location"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.Error(err))
	}
	sortable := []string{"createdAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.logger.Warn("update sortable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	sr := &meili.SearchRequest{
		IndexUID:              idxComplaints,
		Query:                 q.Text,
		Limit:                 limit,
		AttributesToHighlight: []string{"message", "location"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if f := categoryFilter(q.Categories); f != "" {
		sr.Filter = []string{f}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{sr}})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, r := range resp.Results {
		total += int(r.EstimatedTotalHits)
		for _, hit := range r.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

// categoryFilter builds `category IN [...]`, or "" for no restriction.
func categoryFilter(cats []string) string {
	if len(cats) == 0 {
		return ""
	}
	quoted := make([]string, len(cats))
	for i, c := range cats {
		quoted[i] = strconv.Quote(c)
	}
	return "category IN [" + strings.Join(quoted, ", ") + "]"
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:       decodeString(hit, "id"),
		Category: decodeString(hit, "category"),
		Location: firstNonBlank(decodeFormattedString(hit, "location"), decodeString(hit, "location")),
		Snippet:  firstNonBlank(decodeFormattedString(hit, "message"), decodeString(hit, "message")),
	}
	if st, err := complaint.ParseStatus(decodeString(hit, "status")); err == nil {
		r.Status = st
	}
	if raw, ok := hit["createdAt"]; ok {
		var sec int64
		if err := json.Unmarshal(raw, &sec); err == nil {
			r.CreatedAt = time.Unix(sec, 0).UTC()
		}
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) Index(records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxComplaints).AddDocuments(records, nil)
	return err
}

func (m *Meili) Delete(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := m.client.Index(idxComplaints).DeleteDocuments(ids, nil)
	return err
}
