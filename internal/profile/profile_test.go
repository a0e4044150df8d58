package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suyang/api/internal/category"
	"suyang/api/internal/complaint"
)

type memKV struct {
	data   map[string][]byte
	getErr error
}

func newMemKV() *memKV { return &memKV{data: map[string][]byte{}} }

func (m *memKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(_ context.Context, key string, value []byte) error {
	m.data[key] = value
	return nil
}

func TestLoadAbsent(t *testing.T) {
	s := NewStore(newMemKV(), category.NewDefaultRegistry())
	p, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestLoadNormalizesLegacyCategory(t *testing.T) {
	kv := newMemKV()
	kv.data[Key] = []byte(`{"name":"안동남","phone":"010","adminId":"a1","category":"fire"}`)
	s := NewStore(kv, category.NewDefaultRegistry())

	p, err := s.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []string{"fire"}, p.Categories)
	assert.Empty(t, p.Category)

	native := &Profile{Categories: []string{"fire"}}
	for _, c := range []string{"fire", "trash", "roadkill"} {
		assert.Equal(t, native.Accepts(c), p.Accepts(c), c)
	}
}

func TestSaveReplacesPriorProfile(t *testing.T) {
	kv := newMemKV()
	s := NewStore(kv, category.NewDefaultRegistry())
	ctx := context.Background()

	_, err := s.Save(ctx, Profile{Name: "a", Phone: "1", AdminID: "x", Categories: []string{"fire", "trash"}})
	require.NoError(t, err)
	_, err = s.Save(ctx, Profile{Name: "b", Phone: "2", AdminID: "y", Category: "roadkill"})
	require.NoError(t, err)

	p, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", p.Name)
	assert.Equal(t, []string{"roadkill"}, p.Categories)
	assert.NotContains(t, string(kv.data[Key]), `"category"`)
}

func TestSaveValidates(t *testing.T) {
	s := NewStore(newMemKV(), category.NewDefaultRegistry())
	ctx := context.Background()
	var verr *complaint.ValidationError

	_, err := s.Save(ctx, Profile{Name: "a", Phone: "1", AdminID: "x"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "categories", verr.Field)

	_, err = s.Save(ctx, Profile{Name: "a", Phone: "1", AdminID: "x", Categories: []string{"flood"}})
	assert.ErrorAs(t, err, &verr)

	_, err = s.Save(ctx, Profile{Phone: "1", AdminID: "x", Categories: []string{"fire"}})
	assert.ErrorAs(t, err, &verr)
}

func TestLoadSurfacesKVErrors(t *testing.T) {
	kv := newMemKV()
	kv.getErr = errors.New("redis down")
	_, err := NewStore(kv, nil).Load(context.Background())
	assert.ErrorContains(t, err, "redis down")
}

func TestAcceptsNilProfileSeesEverything(t *testing.T) {
	var p *Profile
	assert.True(t, p.Accepts("anything"))
	assert.Equal(t, "", p.Identity())
}

func TestIdentityChangesWithAdmin(t *testing.T) {
	a := &Profile{AdminID: "a", Categories: []string{"fire"}}
	b := &Profile{AdminID: "b", Categories: []string{"fire"}}
	c := &Profile{AdminID: "a", Category: "fire"}
	assert.NotEqual(t, a.Identity(), b.Identity())
	assert.Equal(t, a.Identity(), c.Identity())
}
