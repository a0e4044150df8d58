package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"suyang/api/internal/category"
	"suyang/api/internal/complaint"
	"suyang/api/internal/export"
	"suyang/api/internal/geocode"
	"suyang/api/internal/profile"
	"suyang/api/internal/realtime"
	"suyang/api/internal/search"
	"suyang/api/internal/session"
	"suyang/api/internal/store"
	"suyang/api/internal/submission"
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type sessionContext interface {
	IsAdmin() bool
	Profile() *profile.Profile
	NeedsSetup() bool
	EnterAdmin(ctx context.Context, secret string) error
	LeaveAdmin(ctx context.Context) error
	SaveProfile(ctx context.Context, p profile.Profile) (*profile.Profile, error)
	OnChange(l session.Listener)
}

type viewEngine interface {
	Activate(ctx context.Context, p *profile.Profile) error
	Deactivate()
	View() []complaint.Complaint
	State() realtime.State
	OnSync(fn func([]complaint.Complaint))
	Remove(ctx context.Context, ids []string, confirm realtime.Confirmer) error
	SetStatus(ctx context.Context, id string, to complaint.Status) error
}

type submitter interface {
	Submit(ctx context.Context, d submission.Draft) (submission.Result, error)
}

type editor interface {
	Relocate(ctx context.Context, id, location string, coords *complaint.Coords) error
	Purge(ctx context.Context, ids []string, secret string) (int, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type exporter interface {
	Export(ctx context.Context, items []complaint.Complaint, req export.Request) (*export.Result, error)
}

type photoSource interface {
	GetPhoto(ctx context.Context, id string) (store.Photo, error)
}

type objectSource interface {
	Get(ctx context.Context, key string) ([]byte, string, error)
}

// Deps are the collaborators cmd/api builds. Geocoder, Objects and Search
// are optional.
type Deps struct {
	Categories  *category.Registry
	Session     sessionContext
	Engine      viewEngine
	Submissions submitter
	Workflow    editor
	Search      searcher
	Export      exporter
	Geocoder    submission.Geocoder
	Photos      photoSource
	Objects     objectSource
	Checks      map[string]Pinger
	Hub         *WSHub
	Now         func() time.Time
}

// Service is the single session host: one session, one realtime view, and
// the dashboards watching it.
type Service struct {
	deps   Deps
	logger *zap.Logger
}

func NewService(d Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Categories == nil {
		d.Categories = category.NewDefaultRegistry()
	}
	if d.Hub == nil {
		d.Hub = NewWSHub("*", logger)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Service{deps: d, logger: logger}
	d.Session.OnChange(s.syncEngine)
	d.Engine.OnSync(func(view []complaint.Complaint) {
		s.deps.Hub.Publish("view", view)
	})
	return s
}

// Start activates the view when the persisted session already has the
// admin gate open.
func (s *Service) Start(ctx context.Context) {
	s.syncEngine(ctx, s.deps.Session.IsAdmin(), s.deps.Session.Profile())
}

func (s *Service) syncEngine(ctx context.Context, admin bool, p *profile.Profile) {
	if !admin {
		s.deps.Engine.Deactivate()
		return
	}
	if err := s.deps.Engine.Activate(ctx, p); err != nil {
		s.logger.Warn("initial complaint fetch failed, waiting for the next change", zap.Error(err))
	}
}

func (s *Service) Ping(ctx context.Context) map[string]error {
	out := make(map[string]error, len(s.deps.Checks))
	for name, p := range s.deps.Checks {
		out[name] = p.Ping(ctx)
	}
	return out
}

// SessionState is what dashboards need to pick a screen.
type SessionState struct {
	Admin      bool             `json:"admin"`
	NeedsSetup bool             `json:"needsSetup"`
	Profile    *profile.Profile `json:"profile"`
}

func (s *Service) SessionState() SessionState {
	return SessionState{
		Admin:      s.deps.Session.IsAdmin(),
		NeedsSetup: s.deps.Session.NeedsSetup(),
		Profile:    s.deps.Session.Profile(),
	}
}

// ViewState is the admin table with the sync state.
type ViewState struct {
	State      realtime.State        `json:"state"`
	NeedsSetup bool                  `json:"needsSetup"`
	Complaints []complaint.Complaint `json:"complaints"`
}

func (s *Service) ViewState() ViewState {
	view := s.deps.Engine.View()
	if view == nil {
		view = []complaint.Complaint{}
	}
	return ViewState{State: s.deps.Engine.State(), NeedsSetup: s.deps.Session.NeedsSetup(), Complaints: view}
}

// ReverseGeocode resolves an address, falling back to the coordinate label.
func (s *Service) ReverseGeocode(ctx context.Context, lat, lng float64) (string, bool) {
	if s.deps.Geocoder == nil {
		return geocode.CoordinateLabel(lat, lng), false
	}
	addr, err := s.deps.Geocoder.Reverse(ctx, lat, lng)
	if err != nil || strings.TrimSpace(addr) == "" {
		s.logger.Debug("reverse geocode unavailable", zap.Error(err))
		return geocode.CoordinateLabel(lat, lng), false
	}
	return addr, true
}

// Remove soft-deletes ids. confirmCount must equal the number of distinct
// ids the operator was shown; anything else cancels.
func (s *Service) Remove(ctx context.Context, ids []string, confirmCount int) error {
	var prompt string
	err := s.deps.Engine.Remove(ctx, ids, realtime.ConfirmFunc(func(_ context.Context, p string, count int) bool {
		prompt = p
		return confirmCount == count
	}))
	if errors.Is(err, realtime.ErrRemoveCancelled) {
		return removeCancelled(prompt)
	}
	return err
}

// Photo returns the image bytes for a complaint, reading from object storage
// when the row only holds a key.
func (s *Service) Photo(ctx context.Context, id string) ([]byte, string, error) {
	if s.deps.Photos == nil {
		return nil, "", complaint.ErrNotConfigured
	}
	p, err := s.deps.Photos.GetPhoto(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if len(p.Data) > 0 {
		return p.Data, p.ContentType, nil
	}
	if p.Key == "" || s.deps.Objects == nil {
		return nil, "", store.ErrNotFound
	}
	data, ct, err := s.deps.Objects.Get(ctx, p.Key)
	if err != nil {
		return nil, "", fmt.Errorf("load photo object: %w", err)
	}
	if ct == "" {
		ct = p.ContentType
	}
	return data, ct, nil
}

// Search scopes the query to the categories the receiver handles.
func (s *Service) Search(ctx context.Context, text string, limit int) search.Response {
	q := search.Query{Text: text, Limit: limit}
	if p := s.deps.Session.Profile(); p != nil {
		q.Categories = p.Normalize().Categories
	}
	if s.deps.Search == nil {
		return search.Response{Results: []search.Result{}, Query: text, Backend: "none"}
	}
	return s.deps.Search.Search(ctx, q)
}

// Export renders the current view.
func (s *Service) Export(ctx context.Context, format export.Format) (*export.Result, error) {
	req := export.Request{Format: format, At: s.deps.Now()}
	if p := s.deps.Session.Profile(); p != nil {
		req.Receiver = p.Name
	}
	return s.deps.Export.Export(ctx, s.deps.Engine.View(), req)
}

// Broadcast forwards selected complaints to the receivers watching the
// dashboard and returns how many were sent.
func (s *Service) Broadcast(ids []string) (int, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return 0, &complaint.ValidationError{Field: "ids", Message: "전송할 항목을 선택해주세요."}
	}
	s.deps.Hub.Publish("broadcast", map[string]any{"ids": out, "at": s.deps.Now()})
	s.logger.Info("complaints broadcast", zap.Int("count", len(out)))
	return len(out), nil
}
