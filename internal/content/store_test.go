package content

import (
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(memfs.New(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func change(msgID, entity, version, body string, at time.Time) Change {
	return Change{
		MessageID: msgID,
		Entity:    entity,
		Owner:     "https://b.example",
		Version:   version,
		Date:      at,
		Body:      strings.NewReader(body),
	}
}

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func TestApplyStoresVersions(t *testing.T) {
	s := newMemStore(t)

	_, err := s.Apply(change("m1", "docs/a", "1", "first", t0))
	require.NoError(t, err)
	_, err = s.Apply(change("m2", "docs/a", "2", "second", t0.Add(time.Minute)))
	require.NoError(t, err)

	e, err := s.Get("docs/a")
	require.NoError(t, err)
	assert.Equal(t, "https://b.example", e.Owner)
	require.Len(t, e.Versions, 2)
	latest, ok := e.Latest()
	require.True(t, ok)
	assert.Equal(t, "2", latest.Version)
	assert.False(t, e.Conflict)

	body, err := s.Read("docs/a", "1")
	require.NoError(t, err)
	assert.Equal(t, "first", string(body))
}

func TestApplyIsIdempotentPerMessage(t *testing.T) {
	s := newMemStore(t)

	res, err := s.Apply(change("m1", "a", "1", "body", t0))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	res, err = s.Apply(change("m1", "a", "1", "other body", t0))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	body, err := s.Read("a", "1")
	require.NoError(t, err)
	assert.Equal(t, "body", string(body))

	e, err := s.Get("a")
	require.NoError(t, err)
	assert.Len(t, e.Versions, 1)
}

func TestApplyReferenceThenFull(t *testing.T) {
	s := newMemStore(t)

	ref := change("m1", "a", "1", "", t0)
	ref.Reference = true
	ref.Body = nil
	_, err := s.Apply(ref)
	require.NoError(t, err)

	_, err = s.Read("a", "1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Apply(change("m2", "a", "1", "full body", t0))
	require.NoError(t, err)
	body, err := s.Read("a", "1")
	require.NoError(t, err)
	assert.Equal(t, "full body", string(body))

	// a later reference does not drop the body
	ref.MessageID = "m3"
	_, err = s.Apply(ref)
	require.NoError(t, err)
	_, err = s.Read("a", "1")
	assert.NoError(t, err)
}

func TestApplyFlagsConflicts(t *testing.T) {
	s := newMemStore(t)
	_, err := s.Apply(change("m1", "a", "1", "x", t0))
	require.NoError(t, err)
	_, err = s.Apply(change("m2", "a", "2", "y", t0.Add(time.Minute)))
	require.NoError(t, err)

	// based on a version that is no longer the latest
	stale := change("m3", "a", "3", "z", t0.Add(2*time.Minute))
	stale.PreviousVersion = "1"
	res, err := s.Apply(stale)
	require.NoError(t, err)
	assert.True(t, res.Conflict)

	e, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, e.Conflict)
	assert.Len(t, e.Versions, 3)

	// another owner
	other := change("m4", "b", "1", "x", t0)
	_, err = s.Apply(other)
	require.NoError(t, err)
	other.MessageID, other.Version, other.Owner = "m5", "2", "https://c.example"
	res, err = s.Apply(other)
	require.NoError(t, err)
	assert.True(t, res.Conflict)
}

func TestApplyRequiresEntityAndVersion(t *testing.T) {
	s := newMemStore(t)
	_, err := s.Apply(Change{Entity: "a"})
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	s := newMemStore(t)
	for i, v := range []string{"1", "2", "3"} {
		_, err := s.Apply(change("m"+v, "a", v, "body "+v, t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	_, err := s.Delete("d1", "a", []string{"2", "missing"})
	require.NoError(t, err)
	e, err := s.Get("a")
	require.NoError(t, err)
	require.Len(t, e.Versions, 2)
	assert.Equal(t, "1", e.Versions[0].Version)
	assert.Equal(t, "3", e.Versions[1].Version)
	_, err = s.Read("a", "2")
	assert.ErrorIs(t, err, ErrNotFound)

	res, err := s.Delete("d1", "a", nil)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	_, err = s.Delete("d2", "a", nil)
	require.NoError(t, err)
	_, err = s.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting twice is harmless
	_, err = s.Delete("d3", "a", nil)
	assert.NoError(t, err)
}

func TestSetConflict(t *testing.T) {
	s := newMemStore(t)
	_, err := s.SetConflict("c1", "a", true)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Apply(change("m1", "a", "1", "x", t0))
	require.NoError(t, err)
	_, err = s.SetConflict("c2", "a", true)
	require.NoError(t, err)
	e, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, e.Conflict)

	_, err = s.SetConflict("c3", "a", false)
	require.NoError(t, err)
	e, err = s.Get("a")
	require.NoError(t, err)
	assert.False(t, e.Conflict)
}

func TestListOnDisk(t *testing.T) {
	s, err := NewStore(osfs.New(t.TempDir()), zerolog.Nop())
	require.NoError(t, err)

	for _, id := range []string{"z/doc", "a/doc", "m doc"} {
		_, err := s.Apply(change("m-"+id, id, "1", "body", t0))
		require.NoError(t, err)
	}

	entities, err := s.List()
	require.NoError(t, err)
	require.Len(t, entities, 3)
	assert.Equal(t, "a/doc", entities[0].ID)
	assert.Equal(t, "m doc", entities[1].ID)
	assert.Equal(t, "z/doc", entities[2].ID)
}
