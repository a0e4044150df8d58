// Package submission takes complaints from reporters. A complaint that
// cannot be persisted is still kept in the session view as a local copy, so
// the reporter never loses their input.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"suyang/api/internal/category"
	"suyang/api/internal/complaint"
	"suyang/api/internal/geocode"
	"suyang/api/internal/geofence"
	"suyang/api/internal/util"
)

type Outcome string

const (
	Persisted     Outcome = "persisted"
	FallbackLocal Outcome = "fallback_local"
)

// Reason explains a FallbackLocal outcome.
type Reason string

const (
	NotConfigured    Reason = "not_configured"
	PermissionDenied Reason = "permission_denied"
	RemoteError      Reason = "remote_error"
)

const geocodeTimeout = 5 * time.Second

// Draft is what a reporter sends.
type Draft struct {
	Category         string
	Location         string
	Coords           *complaint.Coords
	Message          string
	Photo            []byte
	PhotoContentType string
}

type Result struct {
	Outcome   Outcome             `json:"outcome"`
	Reason    Reason              `json:"reason,omitempty"`
	Complaint complaint.Complaint `json:"complaint"`
	Zone      geofence.Zone       `json:"zone"`
	// Ephemeral is set for local copies that disappear on restart.
	Ephemeral bool   `json:"ephemeral"`
	Notice    string `json:"notice"`
	Detail    string `json:"detail,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

type Store interface {
	InsertComplaint(ctx context.Context, c complaint.Complaint) (complaint.Complaint, error)
}

type Geocoder interface {
	Reverse(ctx context.Context, lat, lng float64) (string, error)
}

// PhotoStore is satisfied by *media.Store.
type PhotoStore interface {
	Put(ctx context.Context, id string, data []byte, contentType string) (string, error)
	Remove(ctx context.Context, key string) error
}

type Indexer interface {
	Index(c complaint.Complaint)
}

// LocalSink receives complaints that were not persisted; *realtime.Engine
// implements it.
type LocalSink interface {
	PrependLocal(c complaint.Complaint)
}

type Handler struct {
	registry *category.Registry
	store    Store
	geocoder Geocoder
	photos   PhotoStore
	index    Indexer
	sink     LocalSink
	ids      *util.LocalIDs
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Handler)

// WithStore enables persistence. Without it every submission falls back
// locally as NotConfigured.
func WithStore(s Store) Option { return func(h *Handler) { h.store = s } }

func WithGeocoder(g Geocoder) Option { return func(h *Handler) { h.geocoder = g } }

func WithPhotoStore(p PhotoStore) Option { return func(h *Handler) { h.photos = p } }

func WithIndexer(i Indexer) Option { return func(h *Handler) { h.index = i } }

func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

func NewHandler(registry *category.Registry, sink LocalSink, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		registry: registry,
		sink:     sink,
		ids:      &util.LocalIDs{},
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.ids.Now = h.now
	return h
}

// Submit validates d and tries to persist it. Validation failures are the
// only errors returned; remote trouble is reported as a FallbackLocal result.
func (h *Handler) Submit(ctx context.Context, d Draft) (Result, error) {
	c, err := h.prepare(d)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(c.Location) == "" {
		c.Location = h.resolveLocation(ctx, c.Coords)
	}
	zone := geofence.Classify(c.Coords.Lat, c.Coords.Lng)

	if h.store == nil {
		h.logger.Warn("remote store not configured, keeping complaint locally")
		return h.fallback(c, zone, NotConfigured, complaint.ErrNotConfigured), nil
	}

	c.ID = uuid.NewString()
	photo := c.Photo
	if len(c.Photo) > 0 && h.photos != nil {
		key, err := h.photos.Put(ctx, c.ID, c.Photo, c.PhotoContentType)
		if err != nil {
			h.logger.Warn("photo upload failed, storing inline", zap.String("id", c.ID), zap.Error(err))
		} else {
			c.PhotoKey = key
			c.Photo = nil
		}
	}

	saved, err := h.store.InsertComplaint(ctx, c)
	if err != nil {
		err = complaint.Classify("insert complaint", err)
		if c.PhotoKey != "" {
			if rmErr := h.photos.Remove(ctx, c.PhotoKey); rmErr != nil {
				h.logger.Warn("orphaned photo object", zap.String("key", c.PhotoKey), zap.Error(rmErr))
			}
		}
		c.PhotoKey = ""
		c.Photo = photo
		var perr *complaint.PermissionError
		if errors.As(err, &perr) {
			h.logger.Warn("complaint rejected by policy", zap.Error(err))
			return h.fallback(c, zone, PermissionDenied, err), nil
		}
		h.logger.Error("complaint insert failed", zap.Error(err))
		return h.fallback(c, zone, RemoteError, err), nil
	}

	saved.Photo = nil
	if h.index != nil {
		h.index.Index(saved)
	}
	h.logger.Info("complaint persisted",
		zap.String("id", saved.ID),
		zap.String("category", saved.Category),
		zap.String("zone", string(zone)),
	)
	return Result{
		Outcome:   Persisted,
		Complaint: saved,
		Zone:      zone,
		Notice:    "민원이 성공적으로 접수되었습니다! (전체 공유)",
	}, nil
}

func (h *Handler) prepare(d Draft) (complaint.Complaint, error) {
	cat := category.Normalize(d.Category)
	if cat == "" {
		return complaint.Complaint{}, &complaint.ValidationError{Field: "category", Message: "신고 유형을 선택해주세요."}
	}
	if h.registry != nil && !h.registry.Has(cat) {
		return complaint.Complaint{}, &complaint.ValidationError{Field: "category", Message: fmt.Sprintf("알 수 없는 신고 유형입니다: %s", cat)}
	}
	if d.Coords != nil && !d.Coords.Valid() {
		return complaint.Complaint{}, &complaint.ValidationError{Field: "coords", Message: "좌표 형식이 올바르지 않습니다."}
	}
	message := strings.TrimSpace(d.Message)
	if d.Coords == nil && len(d.Photo) == 0 && message == "" {
		return complaint.Complaint{}, &complaint.ValidationError{Message: "위치 정보, 사진, 또는 내용 중 하나는 필수입니다."}
	}

	coords := d.Coords
	if coords == nil {
		coords = &complaint.Coords{Lng: geofence.Center.Lng, Lat: geofence.Center.Lat}
	} else {
		cp := *coords
		coords = &cp
	}
	return complaint.Complaint{
		Category:         cat,
		Location:         strings.TrimSpace(d.Location),
		Coords:           coords,
		Message:          message,
		Photo:            d.Photo,
		PhotoContentType: d.PhotoContentType,
		Status:           complaint.StatusNone,
		CreatedAt:        h.now().UTC(),
		HasPhoto:         len(d.Photo) > 0,
	}, nil
}

func (h *Handler) resolveLocation(ctx context.Context, coords *complaint.Coords) string {
	if h.geocoder == nil {
		return coordinateLabel(coords)
	}
	gctx, cancel := context.WithTimeout(ctx, geocodeTimeout)
	defer cancel()
	addr, err := h.geocoder.Reverse(gctx, coords.Lat, coords.Lng)
	if err != nil || strings.TrimSpace(addr) == "" {
		h.logger.Debug("reverse geocode unavailable", zap.Error(err))
		return coordinateLabel(coords)
	}
	return addr
}

func coordinateLabel(c *complaint.Coords) string {
	return geocode.CoordinateLabel(c.Lat, c.Lng)
}

func (h *Handler) fallback(c complaint.Complaint, zone geofence.Zone, reason Reason, cause error) Result {
	c.ID = h.ids.Next()
	c.Local = true
	if h.sink != nil {
		h.sink.PrependLocal(c)
	}

	res := Result{
		Outcome:   FallbackLocal,
		Reason:    reason,
		Complaint: c,
		Zone:      zone,
		Ephemeral: true,
	}
	const ephemeral = " 이 신고는 현재 세션에만 표시되며 새로고침하면 사라집니다."
	switch reason {
	case NotConfigured:
		res.Notice = "오류: 데이터베이스 연결 설정이 되어있지 않습니다." + ephemeral
	case PermissionDenied:
		var perr *complaint.PermissionError
		if errors.As(cause, &perr) {
			res.Detail = perr.Message
			res.Hint = perr.Hint()
		}
		res.Notice = "송신 실패: 권한이 없습니다." + ephemeral
	default:
		var rerr *complaint.RemoteError
		if errors.As(cause, &rerr) {
			res.Detail = rerr.Message
		}
		res.Notice = "송신 실패: " + res.Detail + "." + ephemeral
	}
	return res
}
