// Package complaint defines the incident report model shared by the store,
// the realtime engine and the submission path.
package complaint

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusReceived   Status = "received"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
)

// legacyProcessing is the third-state name used by one of the original
// dashboards; it is read as dispatched and never written.
const legacyProcessing = "processing"

var Statuses = []Status{StatusNone, StatusReceived, StatusDispatched, StatusCompleted}

// ParseStatus maps stored or submitted text onto the canonical vocabulary.
// Empty text is none.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(StatusNone):
		return StatusNone, nil
	case string(StatusReceived):
		return StatusReceived, nil
	case string(StatusDispatched), legacyProcessing:
		return StatusDispatched, nil
	case string(StatusCompleted):
		return StatusCompleted, nil
	default:
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
	}
}

func (s Status) Label() string {
	switch s {
	case StatusReceived:
		return "접수"
	case StatusDispatched:
		return "출동"
	case StatusCompleted:
		return "완료"
	default:
		return "대기"
	}
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Coords is a (longitude, latitude) pair, encoded as the JSON tuple [lng, lat].
type Coords struct {
	Lng float64
	Lat float64
}

func (c Coords) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

func (c Coords) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{c.Lng, c.Lat})
}

func (c *Coords) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("coords: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("coords: want [lng, lat], got %d values", len(pair))
	}
	c.Lng, c.Lat = pair[0], pair[1]
	return nil
}

func (c Coords) String() string {
	return fmt.Sprintf("%.4f, %.4f", c.Lat, c.Lng)
}

type Complaint struct {
	ID               string    `json:"id"`
	Category         string    `json:"category"`
	Location         string    `json:"location"`
	Coords           *Coords   `json:"coords"`
	Message          string    `json:"message"`
	Photo            []byte    `json:"-"`
	PhotoKey         string    `json:"-"`
	PhotoContentType string    `json:"-"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`

	// HasPhoto is set by list queries, which leave Photo unloaded.
	HasPhoto bool `json:"hasPhoto"`
	// Local marks a fallback copy held only in this process.
	Local bool `json:"local,omitempty"`
}

// SortNewestFirst orders by descending CreatedAt, keeping the relative order
// of equal timestamps.
func SortNewestFirst(items []Complaint) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}
