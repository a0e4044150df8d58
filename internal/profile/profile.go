// Package profile persists the administrator's receiver configuration on the
// local device.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"suyang/api/internal/category"
	"suyang/api/internal/complaint"
)

// Key is the fixed KV name the profile lives under.
const Key = "suyang_receiver_profile"

// Profile is one administrator's role configuration. Category is the legacy
// single-value form; Load folds it into Categories.
type Profile struct {
	Name       string   `json:"name"`
	Phone      string   `json:"phone"`
	AdminID    string   `json:"adminId"`
	Categories []string `json:"categories,omitempty"`
	Category   string   `json:"category,omitempty"`
}

// Normalize returns p with the legacy scalar folded into Categories and
// duplicates removed.
func (p Profile) Normalize() Profile {
	out := p
	src := p.Categories
	if len(src) == 0 && strings.TrimSpace(p.Category) != "" {
		src = []string{p.Category}
	}
	seen := make(map[string]struct{}, len(src))
	out.Categories = make([]string, 0, len(src))
	for _, c := range src {
		c = category.Normalize(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out.Categories = append(out.Categories, c)
	}
	out.Category = ""
	return out
}

// Accepts reports whether complaints of category c are visible to p.
func (p *Profile) Accepts(c string) bool {
	if p == nil {
		return true
	}
	c = category.Normalize(c)
	if len(p.Categories) > 0 {
		for _, want := range p.Categories {
			if category.Normalize(want) == c {
				return true
			}
		}
		return false
	}
	return category.Normalize(p.Category) == c
}

// Identity distinguishes one administrator from another for re-subscription.
func (p *Profile) Identity() string {
	if p == nil {
		return ""
	}
	return p.AdminID + "\x00" + p.Phone + "\x00" + p.Name + "\x00" + strings.Join(p.Normalize().Categories, ",")
}

// Validate checks the setup form rules: every field present, every category
// registered.
func (p Profile) Validate(reg *category.Registry) error {
	n := p.Normalize()
	switch {
	case strings.TrimSpace(n.Name) == "":
		return &complaint.ValidationError{Field: "name", Message: "required"}
	case strings.TrimSpace(n.Phone) == "":
		return &complaint.ValidationError{Field: "phone", Message: "required"}
	case strings.TrimSpace(n.AdminID) == "":
		return &complaint.ValidationError{Field: "adminId", Message: "required"}
	case len(n.Categories) == 0:
		return &complaint.ValidationError{Field: "categories", Message: "at least one category is required"}
	}
	if reg != nil {
		for _, c := range n.Categories {
			if !reg.Has(c) {
				return &complaint.ValidationError{Field: "categories", Message: fmt.Sprintf("unknown category %q", c)}
			}
		}
	}
	return nil
}

// KV is the local durable key-value store holding JSON values.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

type Store struct {
	kv       KV
	registry *category.Registry
}

func NewStore(kv KV, registry *category.Registry) *Store {
	return &Store{kv: kv, registry: registry}
}

// Load returns the saved profile, or nil when none was ever saved.
func (s *Store) Load(ctx context.Context) (*Profile, error) {
	raw, ok, err := s.kv.Get(ctx, Key)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	n := p.Normalize()
	return &n, nil
}

// Save replaces whatever profile was stored before.
func (s *Store) Save(ctx context.Context, p Profile) (*Profile, error) {
	if err := p.Validate(s.registry); err != nil {
		return nil, err
	}
	n := p.Normalize()
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	if err := s.kv.Set(ctx, Key, raw); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}
	return &n, nil
}
