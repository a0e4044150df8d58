package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"suyang/api/internal/profile"
)

// AdminKey is the fixed KV name of the one-bit admin gate flag.
const AdminKey = "suyang_admin_auth"

var ErrWrongSecret = errors.New("secret does not match")

// Gate compares entered secrets against a bcrypt hash of the shared secret.
// It is a convenience gate, not authentication.
type Gate struct {
	hash []byte
}

func NewGate(secret string) (*Gate, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}
	return &Gate{hash: hash}, nil
}

// NewGateFromHash uses a precomputed bcrypt hash.
func NewGateFromHash(hash string) *Gate {
	return &Gate{hash: []byte(hash)}
}

func (g *Gate) Check(secret string) bool {
	if g == nil || len(g.hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(secret)) == nil
}

// KV is the durable store the session persists into.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Listener is told about every admin-flag or profile change.
type Listener func(ctx context.Context, admin bool, p *profile.Profile)

// Session is the single process-scoped session context. Init loads it from
// the durable store; there is no teardown, it persists across restarts.
type Session struct {
	kv       KV
	profiles *profile.Store
	gate     *Gate
	logger   *zap.Logger

	mu        sync.RWMutex
	admin     bool
	profile   *profile.Profile
	listeners []Listener
}

func Init(ctx context.Context, kv KV, profiles *profile.Store, gate *Gate, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{kv: kv, profiles: profiles, gate: gate, logger: logger}

	raw, ok, err := kv.Get(ctx, AdminKey)
	if err != nil {
		return nil, fmt.Errorf("load admin flag: %w", err)
	}
	if ok {
		var flag bool
		if err := json.Unmarshal(raw, &flag); err != nil {
			logger.Warn("ignoring unreadable admin flag", zap.Error(err))
		}
		s.admin = flag
	}

	p, err := profiles.Load(ctx)
	if err != nil {
		return nil, err
	}
	s.profile = p

	logger.Info("session loaded", zap.Bool("admin", s.admin), zap.Bool("has_profile", p != nil))
	return s, nil
}

// OnChange registers l. Listeners run synchronously, in registration order.
func (s *Session) OnChange(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Session) IsAdmin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admin
}

// Profile returns a copy of the cached profile, or nil.
func (s *Session) Profile() *profile.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	p.Categories = append([]string(nil), s.profile.Categories...)
	return &p
}

// NeedsSetup reports an open gate without a saved profile.
func (s *Session) NeedsSetup() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admin && s.profile == nil
}

// EnterAdmin opens the gate when secret matches and persists the flag.
// An already open gate is not re-checked.
func (s *Session) EnterAdmin(ctx context.Context, secret string) error {
	if s.IsAdmin() {
		return nil
	}
	if !s.gate.Check(secret) {
		return ErrWrongSecret
	}
	if err := s.setAdmin(ctx, true); err != nil {
		return err
	}
	s.notify(ctx)
	return nil
}

func (s *Session) LeaveAdmin(ctx context.Context) error {
	if err := s.setAdmin(ctx, false); err != nil {
		return err
	}
	s.notify(ctx)
	return nil
}

// SaveProfile replaces the stored profile and notifies listeners, which
// re-activate the realtime view for the new identity.
func (s *Session) SaveProfile(ctx context.Context, p profile.Profile) (*profile.Profile, error) {
	saved, err := s.profiles.Save(ctx, p)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.profile = saved
	s.mu.Unlock()
	s.logger.Info("receiver profile saved",
		zap.String("admin_id", saved.AdminID),
		zap.Strings("categories", saved.Categories),
	)
	s.notify(ctx)
	return s.Profile(), nil
}

func (s *Session) setAdmin(ctx context.Context, admin bool) error {
	if admin {
		raw, _ := json.Marshal(true)
		if err := s.kv.Set(ctx, AdminKey, raw); err != nil {
			return fmt.Errorf("persist admin flag: %w", err)
		}
	} else if err := s.kv.Delete(ctx, AdminKey); err != nil {
		return fmt.Errorf("clear admin flag: %w", err)
	}
	s.mu.Lock()
	s.admin = admin
	s.mu.Unlock()
	return nil
}

func (s *Session) notify(ctx context.Context) {
	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	admin := s.admin
	s.mu.RUnlock()

	p := s.Profile()
	for _, l := range listeners {
		l(ctx, admin, p)
	}
}
