package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"suyang/api/internal/category"
	"suyang/api/internal/complaint"
	"suyang/api/internal/export"
	"suyang/api/internal/feed"
	"suyang/api/internal/profile"
	"suyang/api/internal/realtime"
	"suyang/api/internal/search"
	"suyang/api/internal/session"
	"suyang/api/internal/store"
	"suyang/api/internal/submission"
	"suyang/api/internal/workflow"
)

type fakeComplaints struct {
	mu      sync.Mutex
	items   []complaint.Complaint
	deleted []string
	listErr error
}

func (f *fakeComplaints) ListComplaints(context.Context) ([]complaint.Complaint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]complaint.Complaint(nil), f.items...), nil
}

func (f *fakeComplaints) SoftDeleteComplaints(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	return nil
}

type fakeStatuses struct {
	mu   sync.Mutex
	sets map[string]complaint.Status
}

func (f *fakeStatuses) Transition(_ context.Context, id string, to complaint.Status) error {
	parsed, err := complaint.ParseStatus(string(to))
	if err != nil {
		return err
	}
	if id == "missing" {
		return store.ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets == nil {
		f.sets = map[string]complaint.Status{}
	}
	f.sets[id] = parsed
	return nil
}

type fakeEditor struct {
	relocated map[string]string
	purged    []string
}

func (f *fakeEditor) Relocate(_ context.Context, id, location string, coords *complaint.Coords) error {
	if coords != nil && !coords.Valid() {
		return &complaint.ValidationError{Field: "coords", Message: "malformed coordinates"}
	}
	if f.relocated == nil {
		f.relocated = map[string]string{}
	}
	f.relocated[id] = location
	return nil
}

func (f *fakeEditor) Purge(_ context.Context, ids []string, secret string) (int, error) {
	if secret != "purge-me" {
		return 0, workflow.ErrPurgeSecretMismatch
	}
	f.purged = append(f.purged, ids...)
	return len(ids), nil
}

type fakeSearcher struct{ last search.Query }

func (f *fakeSearcher) Search(_ context.Context, q search.Query) search.Response {
	f.last = q
	return search.Response{Results: []search.Result{{ID: "c1"}}, Total: 1, Query: q.Text, Backend: "postgres"}
}

type fakePhotos map[string]store.Photo

func (f fakePhotos) GetPhoto(_ context.Context, id string) (store.Photo, error) {
	p, ok := f[id]
	if !ok {
		return store.Photo{}, store.ErrNotFound
	}
	return p, nil
}

type fakeObjects map[string][]byte

func (f fakeObjects) Get(_ context.Context, key string) ([]byte, string, error) {
	data, ok := f[key]
	if !ok {
		return nil, "", errors.New("no such key")
	}
	return data, "image/png", nil
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	server   *HTTPServer
	service  *Service
	engine   *realtime.Engine
	remote   *fakeComplaints
	statuses *fakeStatuses
	editor   *fakeEditor
	searcher *fakeSearcher
	hub      *WSHub
	checks   map[string]Pinger
}

var baseTime = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv := session.NewRedisStoreWithClient(client, "test:")

	registry := category.NewDefaultRegistry()
	gate, err := session.NewGate("639")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	sess, err := session.Init(context.Background(), kv, profile.NewStore(kv, registry), gate, nil)
	if err != nil {
		t.Fatalf("session init: %v", err)
	}

	remote := &fakeComplaints{items: []complaint.Complaint{
		{ID: "c1", Category: "fire", Location: "수양동 뒷산", Status: complaint.StatusReceived, CreatedAt: baseTime},
		{ID: "c2", Category: "trash", Location: "정문 앞", CreatedAt: baseTime.Add(time.Hour)},
	}}
	statuses := &fakeStatuses{}
	hub := feed.NewHub(8, nil)
	t.Cleanup(hub.Close)
	engine := realtime.NewEngine(remote, hub, statuses, nil)
	t.Cleanup(engine.Close)

	env := &testEnv{
		engine:   engine,
		remote:   remote,
		statuses: statuses,
		editor:   &fakeEditor{},
		searcher: &fakeSearcher{},
		hub:      NewWSHub("*", nil),
		checks:   map[string]Pinger{"redis": kv},
	}
	t.Cleanup(env.hub.Close)

	env.service = NewService(Deps{
		Categories:  registry,
		Session:     sess,
		Engine:      engine,
		Submissions: submission.NewHandler(registry, engine, nil),
		Workflow:    env.editor,
		Search:      env.searcher,
		Export:      export.NewService(registry, ""),
		Photos: fakePhotos{
			"inline": {Data: []byte("\x89PNG\r\n\x1a\n"), ContentType: "image/png"},
			"keyed":  {Key: "photos/keyed.png"},
		},
		Objects: fakeObjects{"photos/keyed.png": []byte("object-bytes")},
		Checks:  env.checks,
		Hub:     env.hub,
		Now:     func() time.Time { return baseTime },
	}, nil)
	env.server = NewHTTPServer(env.service, "*", nil)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) enterAdmin(t *testing.T) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/admin/enter", map[string]string{"secret": "639"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected admin gate to open, got %d: %s", rr.Code, rr.Body.String())
	}
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestReadyEndpointReportsFailingChecks(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/ready", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	env.checks["database"] = pingFunc(func(context.Context) error { return complaint.ErrNotConfigured })
	rr = env.do(t, http.MethodGet, "/api/ready", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var resp struct {
		OK     bool                      `json:"ok"`
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	decode(t, rr, &resp)
	if resp.OK || resp.Status != "not_ready" {
		t.Fatalf("unexpected readiness payload: %+v", resp)
	}
	if resp.Checks["database"]["status"] != "error" || resp.Checks["redis"]["status"] != "ok" {
		t.Fatalf("unexpected checks: %+v", resp.Checks)
	}
}

func TestPublicLookups(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/categories", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "roadkill") {
		t.Fatalf("unexpected categories response %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/api/geocode?lat=34.88&lng=128.63", nil)
	var geo struct {
		Address  string `json:"address"`
		Resolved bool   `json:"resolved"`
		Zone     string `json:"zone"`
	}
	decode(t, rr, &geo)
	if geo.Address != "위치: 34.8800, 128.6300" || geo.Resolved || geo.Zone != "inside" {
		t.Fatalf("unexpected geocode response: %+v", geo)
	}

	rr = env.do(t, http.MethodGet, "/api/geocode?lat=abc&lng=128.63", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad coordinates, got %d", rr.Code)
	}
}

func TestSubmitValidationRejected(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodPost, "/api/complaints", map[string]any{"message": "불이야"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var resp struct {
		Code    string         `json:"code"`
		Error   string         `json:"error"`
		Details map[string]any `json:"details"`
	}
	decode(t, rr, &resp)
	if resp.Code != "VALIDATION_ERROR" || resp.Details["field"] != "category" {
		t.Fatalf("unexpected error payload: %+v", resp)
	}

	rr = env.do(t, http.MethodPost, "/api/complaints", map[string]any{"category": "fire", "photo": "data:text/plain;base64,aGk="})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-image photo, got %d", rr.Code)
	}
}

func TestSubmitWithoutDatabaseShowsLocalCopyToAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.enterAdmin(t)

	rr := env.do(t, http.MethodPost, "/api/complaints", map[string]any{
		"category": "fire",
		"location": "수양동 뒷산",
		"message":  "연기가 나요",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var res submission.Result
	decode(t, rr, &res)
	if res.Outcome != submission.FallbackLocal || res.Reason != submission.NotConfigured || !res.Ephemeral {
		t.Fatalf("unexpected submit result: %+v", res)
	}

	rr = env.do(t, http.MethodGet, "/api/complaints", nil)
	var view ViewState
	decode(t, rr, &view)
	if len(view.Complaints) != 3 {
		t.Fatalf("expected local row plus two remote rows, got %d", len(view.Complaints))
	}
	if view.Complaints[0].ID != res.Complaint.ID || !view.Complaints[0].Local {
		t.Fatalf("expected local row at head, got %+v", view.Complaints[0])
	}
}

func TestAdminGate(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/complaints", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 before the gate opens, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/admin/enter", map[string]string{"secret": "000"})
	if rr.Code != http.StatusUnauthorized || !strings.Contains(rr.Body.String(), "WRONG_SECRET") {
		t.Fatalf("expected WRONG_SECRET, got %d: %s", rr.Code, rr.Body.String())
	}

	env.enterAdmin(t)
	rr = env.do(t, http.MethodGet, "/api/complaints", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var view ViewState
	decode(t, rr, &view)
	if view.State != realtime.Synced || !view.NeedsSetup {
		t.Fatalf("unexpected view state: %+v", view)
	}
	if len(view.Complaints) != 2 || view.Complaints[0].ID != "c2" {
		t.Fatalf("expected newest first, got %+v", view.Complaints)
	}

	rr = env.do(t, http.MethodPost, "/api/admin/leave", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on leave, got %d", rr.Code)
	}
	if env.engine.State() != realtime.Disconnected {
		t.Fatalf("expected engine to deactivate, got %s", env.engine.State())
	}
	if n := len(env.engine.View()); n != 0 {
		t.Fatalf("expected the remote rows to be dropped on leave, got %d", n)
	}
	rr = env.do(t, http.MethodGet, "/api/complaints", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after leaving, got %d", rr.Code)
	}
}

func TestSavingProfileRefiltersView(t *testing.T) {
	env := newTestEnv(t)
	env.enterAdmin(t)

	rr := env.do(t, http.MethodPut, "/api/profile", map[string]any{"name": "김", "phone": "010", "adminId": "a1"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a profile without categories, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPut, "/api/profile", map[string]any{
		"name": "김", "phone": "010", "adminId": "a1", "categories": []string{"trash"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var state SessionState
	decode(t, rr, &state)
	if state.NeedsSetup || state.Profile == nil || state.Profile.AdminID != "a1" {
		t.Fatalf("unexpected session state: %+v", state)
	}

	rr = env.do(t, http.MethodGet, "/api/complaints", nil)
	var view ViewState
	decode(t, rr, &view)
	if len(view.Complaints) != 1 || view.Complaints[0].ID != "c2" {
		t.Fatalf("expected only the trash complaint, got %+v", view.Complaints)
	}

	env.do(t, http.MethodGet, "/api/search?q=정문", nil)
	if env.searcher.last.Text != "정문" || len(env.searcher.last.Categories) != 1 || env.searcher.last.Categories[0] != "trash" {
		t.Fatalf("search was not scoped to the profile: %+v", env.searcher.last)
	}
	env.do(t, http.MethodGet, "/api/search?q=x&limit=100000", nil)
	if env.searcher.last.Limit != 100 {
		t.Fatalf("expected limit clamped to 100, got %d", env.searcher.last.Limit)
	}
	env.do(t, http.MethodGet, "/api/search?q=x&limit=-5", nil)
	if env.searcher.last.Limit != 20 {
		t.Fatalf("expected default limit 20, got %d", env.searcher.last.Limit)
	}
}

func TestRemoveRequiresMatchingConfirmation(t *testing.T) {
	env := newTestEnv(t)
	env.enterAdmin(t)

	rr := env.do(t, http.MethodDelete, "/api/complaints", map[string]any{"ids": []string{"c1", "c2", "c1"}, "confirmCount": 3})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}
	decode(t, rr, &resp)
	if resp.Details["prompt"] != "2개의 항목을 삭제하시겠습니까?" {
		t.Fatalf("unexpected prompt: %+v", resp)
	}
	if len(env.remote.deleted) != 0 {
		t.Fatalf("expected no remote call, got %v", env.remote.deleted)
	}

	rr = env.do(t, http.MethodDelete, "/api/complaints", map[string]any{"ids": []string{"c1", "c2"}, "confirmCount": 2})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(env.remote.deleted) != 2 {
		t.Fatalf("expected soft delete of two ids, got %v", env.remote.deleted)
	}
	if len(env.engine.View()) != 2 {
		t.Fatalf("expected view untouched until the feed reports the change")
	}
}

func TestStatusAndLocationEdits(t *testing.T) {
	env := newTestEnv(t)
	env.enterAdmin(t)

	rr := env.do(t, http.MethodPatch, "/api/complaints/c1/status", map[string]string{"status": "archived"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPatch, "/api/complaints/c1/status", map[string]string{"status": "processing"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if env.statuses.sets["c1"] != complaint.StatusDispatched {
		t.Fatalf("expected legacy status to fold into dispatched, got %q", env.statuses.sets["c1"])
	}
	rr = env.do(t, http.MethodPatch, "/api/complaints/missing/status", map[string]string{"status": "completed"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPatch, "/api/complaints/c2/location", map[string]any{"location": "후문", "coords": []float64{128.62, 34.88}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if env.editor.relocated["c2"] != "후문" {
		t.Fatalf("expected relocation, got %v", env.editor.relocated)
	}
}

func TestPurgeChecksSecondSecret(t *testing.T) {
	env := newTestEnv(t)
	env.enterAdmin(t)

	rr := env.do(t, http.MethodPost, "/api/complaints/purge", map[string]any{"ids": []string{"c1"}, "secret": "639"})
	if rr.Code != http.StatusForbidden || !strings.Contains(rr.Body.String(), "PURGE_SECRET_MISMATCH") {
		t.Fatalf("expected purge mismatch, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodPost, "/api/complaints/purge", map[string]any{"ids": []string{"c1"}, "secret": "purge-me"})
	var resp struct {
		Purged int `json:"purged"`
	}
	decode(t, rr, &resp)
	if resp.Purged != 1 {
		t.Fatalf("expected one purged row, got %d", resp.Purged)
	}
}

func TestPhotoEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.enterAdmin(t)

	rr := env.do(t, http.MethodGet, "/api/complaints/inline/photo", nil)
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected inline photo response %d %q", rr.Code, rr.Header().Get("Content-Type"))
	}
	rr = env.do(t, http.MethodGet, "/api/complaints/keyed/photo", nil)
	if rr.Body.String() != "object-bytes" {
		t.Fatalf("expected object storage bytes, got %q", rr.Body.String())
	}
	rr = env.do(t, http.MethodGet, "/api/complaints/none/photo", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestExportSpreadsheet(t *testing.T) {
	env := newTestEnv(t)
	env.enterAdmin(t)

	rr := env.do(t, http.MethodGet, "/api/export?format=xlsx", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), ".xlsx") {
		t.Fatalf("unexpected disposition %q", rr.Header().Get("Content-Disposition"))
	}
	if !bytes.HasPrefix(rr.Body.Bytes(), []byte("PK")) {
		t.Fatalf("expected a zip container")
	}

	rr = env.do(t, http.MethodGet, "/api/export?format=docx", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported format, got %d", rr.Code)
	}
}

func TestBroadcast(t *testing.T) {
	env := newTestEnv(t)
	env.enterAdmin(t)

	rr := env.do(t, http.MethodPost, "/api/broadcast", map[string]any{"ids": []string{}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty selection, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/api/broadcast", map[string]any{"ids": []string{"c1", "c2", "c2"}})
	var resp struct {
		Count   int    `json:"count"`
		Message string `json:"message"`
	}
	decode(t, rr, &resp)
	if resp.Count != 2 || resp.Message != "2명에게 신 자료가 전송되었습니다." {
		t.Fatalf("unexpected broadcast response: %+v", resp)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"permission", &complaint.PermissionError{Op: "insert", Message: "row-level security"}, http.StatusForbidden, "PERMISSION_DENIED"},
		{"remote", &complaint.RemoteError{Op: "list", Message: "timeout"}, http.StatusBadGateway, "REMOTE_ERROR"},
		{"not configured", complaint.ErrNotConfigured, http.StatusServiceUnavailable, "NOT_CONFIGURED"},
		{"pdf", export.ErrPDFDependencyMissing, http.StatusServiceUnavailable, "PDF_UNAVAILABLE"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := mapError(tt.err)
			if status != tt.status || code != tt.code {
				t.Fatalf("expected %d %s, got %d %s", tt.status, tt.code, status, code)
			}
		})
	}
}

func TestLocalRowsCannotBeEdited(t *testing.T) {
	env := newTestEnv(t)
	env.enterAdmin(t)

	rr := env.do(t, http.MethodPatch, "/api/complaints/local-1-1/status", map[string]string{"status": "received"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if len(env.statuses.sets) != 0 {
		t.Fatalf("expected no status call, got %v", env.statuses.sets)
	}
	rr = env.do(t, http.MethodPatch, "/api/complaints/local-1-1/location", map[string]string{"location": "x"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
