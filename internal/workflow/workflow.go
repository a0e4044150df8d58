// Package workflow applies admin changes to complaints: status transitions,
// relocation and the gated hard purge. Every change is a direct remote update;
// the local view only learns about it through the change feed.
package workflow

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"suyang/api/internal/complaint"
	"suyang/api/internal/store"
)

var ErrPurgeSecretMismatch = errors.New("purge secret does not match")

type Store interface {
	UpdateComplaint(ctx context.Context, id string, p store.Patch) error
	PurgeComplaints(ctx context.Context, ids []string) ([]string, error)
}

// SecretChecker is satisfied by session.Gate.
type SecretChecker interface {
	Check(secret string) bool
}

// ObjectRemover deletes photo objects left behind by purged rows.
type ObjectRemover interface {
	Remove(ctx context.Context, key string) error
}

// IndexRemover drops purged rows from the search index.
type IndexRemover interface {
	Delete(ctx context.Context, ids []string) error
}

type Workflow struct {
	store  Store
	purge  SecretChecker
	media  ObjectRemover
	index  IndexRemover
	logger *zap.Logger
}

type Option func(*Workflow)

func WithMedia(m ObjectRemover) Option { return func(w *Workflow) { w.media = m } }

func WithIndex(i IndexRemover) Option { return func(w *Workflow) { w.index = i } }

func New(s Store, purge SecretChecker, logger *zap.Logger, opts ...Option) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Workflow{store: s, purge: purge, logger: logger}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Transition sets the status of one complaint. Any state may move to any
// other; only values outside the vocabulary are refused.
func (w *Workflow) Transition(ctx context.Context, id string, to complaint.Status) error {
	if strings.TrimSpace(id) == "" {
		return &complaint.ValidationError{Field: "id", Message: "required"}
	}
	parsed, err := complaint.ParseStatus(string(to))
	if err != nil {
		return err
	}
	if err := w.store.UpdateComplaint(ctx, id, store.Patch{Status: &parsed}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return complaint.Classify("update status", err)
	}
	w.logger.Info("complaint status changed", zap.String("id", id), zap.String("status", string(parsed)))
	return nil
}

// Relocate replaces the address of one complaint, and its coordinates when
// coords is non-nil.
func (w *Workflow) Relocate(ctx context.Context, id, location string, coords *complaint.Coords) error {
	if strings.TrimSpace(id) == "" {
		return &complaint.ValidationError{Field: "id", Message: "required"}
	}
	if coords != nil && !coords.Valid() {
		return &complaint.ValidationError{Field: "coords", Message: "malformed coordinates"}
	}
	loc := strings.TrimSpace(location)
	patch := store.Patch{Location: &loc, Coords: coords}
	if err := w.store.UpdateComplaint(ctx, id, patch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return complaint.Classify("update location", err)
	}
	w.logger.Info("complaint relocated", zap.String("id", id), zap.String("location", loc))
	return nil
}

// Purge permanently deletes ids once secret matches the purge gate. A
// mismatch makes no remote call. Photo and index cleanup is best effort.
func (w *Workflow) Purge(ctx context.Context, ids []string, secret string) (int, error) {
	ids = compact(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	if w.purge == nil || !w.purge.Check(secret) {
		return 0, ErrPurgeSecretMismatch
	}

	keys, err := w.store.PurgeComplaints(ctx, ids)
	if err != nil {
		return 0, complaint.Classify("purge", err)
	}
	if w.media != nil {
		for _, key := range keys {
			if err := w.media.Remove(ctx, key); err != nil {
				w.logger.Warn("photo object not removed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	if w.index != nil {
		if err := w.index.Delete(ctx, ids); err != nil {
			w.logger.Warn("search index not updated after purge", zap.Error(err))
		}
	}
	w.logger.Info("complaints purged", zap.Int("count", len(ids)))
	return len(ids), nil
}

func compact(ids []string) []string {
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
	return out
}
