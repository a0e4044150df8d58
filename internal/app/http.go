package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"suyang/api/internal/complaint"
	"suyang/api/internal/export"
	"suyang/api/internal/geofence"
	"suyang/api/internal/media"
	"suyang/api/internal/profile"
	"suyang/api/internal/rbac"
	"suyang/api/internal/search"
	"suyang/api/internal/session"
	"suyang/api/internal/store"
	"suyang/api/internal/submission"
	"suyang/api/internal/util"
	"suyang/api/internal/workflow"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/categories", s.handleCategories).Methods(http.MethodGet)
	api.HandleFunc("/geofence", s.handleGeofence).Methods(http.MethodGet)
	api.HandleFunc("/geocode", s.handleGeocode).Methods(http.MethodGet)
	api.HandleFunc("/complaints", s.require(rbac.ActionSubmit, s.handleSubmit)).Methods(http.MethodPost)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/admin/enter", s.handleEnterAdmin).Methods(http.MethodPost)
	api.HandleFunc("/admin/leave", s.handleLeaveAdmin).Methods(http.MethodPost)
	api.HandleFunc("/profile", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/profile", s.require(rbac.ActionSetup, s.handleSaveProfile)).Methods(http.MethodPut)

	api.HandleFunc("/complaints", s.require(rbac.ActionView, s.handleView)).Methods(http.MethodGet)
	api.HandleFunc("/complaints", s.require(rbac.ActionRemove, s.handleRemove)).Methods(http.MethodDelete)
	api.HandleFunc("/complaints/purge", s.require(rbac.ActionPurge, s.handlePurge)).Methods(http.MethodPost)
	api.HandleFunc("/complaints/{id}/status", s.require(rbac.ActionEdit, s.handleStatus)).Methods(http.MethodPatch)
	api.HandleFunc("/complaints/{id}/location", s.require(rbac.ActionEdit, s.handleLocation)).Methods(http.MethodPatch)
	api.HandleFunc("/complaints/{id}/photo", s.require(rbac.ActionView, s.handlePhoto)).Methods(http.MethodGet)
	api.HandleFunc("/search", s.require(rbac.ActionView, s.handleSearch)).Methods(http.MethodGet)
	api.HandleFunc("/export", s.require(rbac.ActionExport, s.handleExport)).Methods(http.MethodGet)
	api.HandleFunc("/broadcast", s.require(rbac.ActionBroadcast, s.handleBroadcast)).Methods(http.MethodPost)
	api.HandleFunc("/ws", s.require(rbac.ActionView, s.handleWS)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return s.withMiddleware(r)
}

func (s *HTTPServer) require(action rbac.Action, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rbac.Can(rbac.For(s.service.deps.Session.IsAdmin()), action) {
			writeError(w, http.StatusUnauthorized, "ADMIN_REQUIRED", "관리자 인증이 필요합니다.", nil)
			return
		}
		next(w, r)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ping(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": s.service.deps.Categories.List()})
}

func (s *HTTPServer) handleGeofence(w http.ResponseWriter, r *http.Request) {
	b := geofence.ServiceArea
	writeJSON(w, http.StatusOK, map[string]any{
		"bounds": map[string]float64{
			"minLat": b.MinLat, "maxLat": b.MaxLat,
			"minLng": b.MinLng, "maxLng": b.MaxLng,
		},
		"center": geofence.Center,
	})
}

func (s *HTTPServer) handleGeocode(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil || !(complaint.Coords{Lng: lng, Lat: lat}).Valid() {
		writeError(w, http.StatusBadRequest, "INVALID_COORDS", "lat and lng are required", nil)
		return
	}
	addr, resolved := s.service.ReverseGeocode(r.Context(), lat, lng)
	writeJSON(w, http.StatusOK, map[string]any{
		"address":  addr,
		"resolved": resolved,
		"zone":     geofence.Classify(lat, lng),
	})
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Category string            `json:"category"`
		Location string            `json:"location"`
		Coords   *complaint.Coords `json:"coords"`
		Message  string            `json:"message"`
		Photo    string            `json:"photo"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 2*media.MaxPhotoBytes)
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	photo, contentType, err := media.DecodeDataURL(body.Photo)
	if err != nil {
		s.writeMapped(w, &complaint.ValidationError{Field: "photo", Message: err.Error()})
		return
	}

	res, err := s.service.deps.Submissions.Submit(r.Context(), submission.Draft{
		Category:         body.Category,
		Location:         body.Location,
		Coords:           body.Coords,
		Message:          body.Message,
		Photo:            photo,
		PhotoContentType: contentType,
	})
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	status := http.StatusCreated
	if res.Outcome == submission.FallbackLocal {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.SessionState())
}

func (s *HTTPServer) handleEnterAdmin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Secret string `json:"secret"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.deps.Session.EnterAdmin(r.Context(), body.Secret); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.SessionState())
}

func (s *HTTPServer) handleLeaveAdmin(w http.ResponseWriter, r *http.Request) {
	if err := s.service.deps.Session.LeaveAdmin(r.Context()); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.SessionState())
}

func (s *HTTPServer) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var body profile.Profile
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if _, err := s.service.deps.Session.SaveProfile(r.Context(), body); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.SessionState())
}

func (s *HTTPServer) handleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ViewState())
}

func (s *HTTPServer) handleRemove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs          []string `json:"ids"`
		ConfirmCount int      `json:"confirmCount"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.Remove(r.Context(), body.IDs, body.ConfirmCount); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs    []string `json:"ids"`
		Secret string   `json:"secret"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	n, err := s.service.deps.Workflow.Purge(r.Context(), body.IDs, body.Secret)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": n})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	id := mux.Vars(r)["id"]
	if err := rejectLocal(id); err != nil {
		s.writeMapped(w, err)
		return
	}
	if err := s.service.deps.Engine.SetStatus(r.Context(), id, complaint.Status(body.Status)); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleLocation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Location string            `json:"location"`
		Coords   *complaint.Coords `json:"coords"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	id := mux.Vars(r)["id"]
	if err := rejectLocal(id); err != nil {
		s.writeMapped(w, err)
		return
	}
	if err := s.service.deps.Workflow.Relocate(r.Context(), id, body.Location, body.Coords); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handlePhoto(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.Photo(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), r.URL.Query().Get("q"), search.ClampLimit(limit)))
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "UNSUPPORTED_FORMAT", "format must be pdf or xlsx", nil)
		return
	}
	res, err := s.service.Export(r.Context(), format)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func (s *HTTPServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	n, err := s.service.Broadcast(body.IDs)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   n,
		"message": fmt.Sprintf("%d명에게 신 자료가 전송되었습니다.", n),
	})
}

func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	s.service.deps.Hub.Serve(w, r, Frame{Type: "view", Data: s.service.ViewState().Complaints})
}

// rejectLocal refuses edits to rows that were never stored remotely.
func rejectLocal(id string) error {
	if util.IsLocalID(id) {
		return &complaint.ValidationError{Field: "id", Message: "이 신고는 현재 세션에만 있어 수정할 수 없습니다."}
	}
	return nil
}

func (s *HTTPServer) writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var (
		domainErr *DomainError
		verr      *complaint.ValidationError
		perr      *complaint.PermissionError
		rerr      *complaint.RemoteError
	)
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.As(err, &verr):
		var d any
		if verr.Field != "" {
			d = map[string]any{"field": verr.Field}
		}
		return http.StatusBadRequest, "VALIDATION_ERROR", verr.Message, d
	case errors.As(err, &perr):
		return http.StatusForbidden, "PERMISSION_DENIED", perr.Message, map[string]any{"hint": perr.Hint()}
	case errors.Is(err, session.ErrWrongSecret):
		return http.StatusUnauthorized, "WRONG_SECRET", "비밀번호가 틀렸습니다.", nil
	case errors.Is(err, workflow.ErrPurgeSecretMismatch):
		return http.StatusForbidden, "PURGE_SECRET_MISMATCH", "영구 삭제 비밀번호가 틀렸습니다.", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, complaint.ErrNotConfigured):
		return http.StatusServiceUnavailable, "NOT_CONFIGURED", "데이터베이스 연결 설정이 되어있지 않습니다.", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF export is not available on this server", nil
	case errors.As(err, &rerr):
		return http.StatusBadGateway, "REMOTE_ERROR", rerr.Message, nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
