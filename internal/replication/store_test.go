package replication

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replimesh/replimesh/internal/replerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), "receiver", zerolog.Nop(), nil)
	require.NoError(t, err)
	return s
}

func testEnvelope(msgType string) Envelope {
	env := NewEnvelope(msgType, "https://a.example/")
	env.Metadata.Set("entity", "doc-1")
	env.Metadata.Set("versions", "v1", "v|2")
	return env
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	env := testEnvelope("entity_update")
	env.Receivers = []string{"https://b.example", "https://c.example"}

	stored, err := s.Store(&env, "https://t.example", strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), StoreKey(env.ID)), stored.Dir())
	assert.True(t, s.Exists(env.ID))

	loaded, err := s.Get(env.ID)
	require.NoError(t, err)
	got := loaded.Envelope()
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, "entity_update", got.Type)
	assert.Equal(t, "https://a.example", got.Source)
	assert.True(t, env.Date.Equal(got.Date))
	assert.Equal(t, env.Receivers, got.Receivers)
	assert.Equal(t, []string{"doc-1"}, got.Metadata.Get("entity"))
	assert.Equal(t, []string{"v1", "v|2"}, got.Metadata.Get("versions"))
	assert.Equal(t, "https://t.example", loaded.Transmitter())

	var buf bytes.Buffer
	require.NoError(t, loaded.WriteBody(&buf))
	assert.Equal(t, "hello world", buf.String())
}

func TestStoreWithoutReceiversOrBody(t *testing.T) {
	s := newTestStore(t)
	env := NewEnvelope("instance_update", "https://a.example")

	_, err := s.Store(&env, "", nil)
	require.NoError(t, err)

	loaded, err := s.Get(env.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.Envelope().Receivers)

	body, err := ReadBody(loaded)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestStoreRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	env := testEnvelope("entity_update")

	_, err := s.Store(&env, "", strings.NewReader("a"))
	require.NoError(t, err)

	_, err = s.Store(&env, "", strings.NewReader("b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
	assert.ErrorIs(t, err, replerr.ErrReplication)
}

func TestStoreRejectsInvalidEnvelope(t *testing.T) {
	s := newTestStore(t)
	env := testEnvelope("entity_update")
	env.Metadata.Set("Bad Key", "x")

	_, err := s.Store(&env, "", nil)
	require.Error(t, err)
	assert.True(t, replerr.IsInvalidMessage(err))
	assert.Equal(t, 0, s.Count())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestStoreFailureLeavesNothing(t *testing.T) {
	s := newTestStore(t)
	env := testEnvelope("entity_update")

	_, err := s.Store(&env, "", failingReader{})
	require.Error(t, err)
	assert.ErrorIs(t, err, replerr.ErrReplication)

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary record must be removed")
	assert.False(t, s.Exists(env.ID))
}

func TestStoreLoadOrdersByDate(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	var ids []string
	for _, offset := range []time.Duration{2 * time.Second, 0, time.Second} {
		env := testEnvelope("entity_update")
		env.Date = base.Add(offset)
		_, err := s.Store(&env, "", nil)
		require.NoError(t, err)
		ids = append(ids, env.ID)
	}

	q, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, 3, q.Len())
	assert.Equal(t, ids[1], q.Pop().Envelope().ID)
	assert.Equal(t, ids[2], q.Pop().Envelope().ID)
	assert.Equal(t, ids[0], q.Pop().Envelope().ID)
	assert.Nil(t, q.Pop())
}

func TestStoreLoadSkipsBrokenRecords(t *testing.T) {
	s := newTestStore(t)
	env := testEnvelope("entity_update")
	_, err := s.Store(&env, "", strings.NewReader("ok"))
	require.NoError(t, err)

	// interrupted write
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), tempPrefix+"123"), 0750))
	// unparsable record
	broken := filepath.Join(s.Root(), StoreKey("broken"))
	require.NoError(t, os.MkdirAll(broken, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(broken, metadataFile), []byte("id=broken\n"), 0600))
	// record whose content does not match its directory
	other := testEnvelope("entity_update")
	_, err = s.Store(&other, "", nil)
	require.NoError(t, err)
	require.NoError(t, os.Rename(filepath.Join(s.Root(), StoreKey(other.ID)), filepath.Join(s.Root(), StoreKey("moved"))))

	q, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())
	assert.Equal(t, env.ID, q.Pop().Envelope().ID)

	_, err = os.Stat(filepath.Join(s.Root(), tempPrefix+"123"))
	assert.True(t, os.IsNotExist(err))
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)
	env := testEnvelope("entity_update")
	stored, err := s.Store(&env, "", nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(stored))
	assert.False(t, s.Exists(env.ID))
	assert.Equal(t, 0, s.Count())
}

func TestSenderStoreTargets(t *testing.T) {
	root := t.TempDir()
	s, err := NewSenderStore(root, zerolog.Nop(), nil)
	require.NoError(t, err)

	msg := &Message{Env: testEnvelope("entity_update"), Body: []byte("payload")}
	targets := []string{"https://b.example", "https://c.example", "https://d.example"}

	_, err = s.StoreTargets(msg, nil)
	require.Error(t, err)

	stored, err := s.StoreTargets(msg, targets)
	require.NoError(t, err)
	assert.Equal(t, targets, s.Targets(stored))

	left, err := s.RemoveTarget(stored, "https://c.example")
	require.NoError(t, err)
	assert.Equal(t, 2, left)

	// unknown target is a no-op
	left, err = s.RemoveTarget(stored, "https://x.example")
	require.NoError(t, err)
	assert.Equal(t, 2, left)

	// a fresh store sees the shrunk target set
	reopened, err := NewSenderStore(root, zerolog.Nop(), nil)
	require.NoError(t, err)
	q, err := reopened.Load()
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())
	reloaded := q.Pop()
	assert.Equal(t, []string{"https://b.example", "https://d.example"}, reopened.Targets(reloaded))

	body, err := ReadBody(reloaded)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	_, err = s.RemoveTarget(stored, "https://b.example")
	require.NoError(t, err)
	left, err = s.RemoveTarget(stored, "https://d.example")
	require.NoError(t, err)
	assert.Equal(t, 0, left)
	assert.False(t, s.Exists(msg.Env.ID))
}

func TestStoreKeyIsStable(t *testing.T) {
	assert.Equal(t, StoreKey("abc"), StoreKey("abc"))
	assert.NotEqual(t, StoreKey("abc"), StoreKey("abd"))
	assert.Len(t, StoreKey("abc"), 32)
}

func TestMessageQueueTieBreaksOnID(t *testing.T) {
	date := time.Now()
	q := NewMessageQueue()
	q.Push(&StoredMessage{env: Envelope{ID: "b", Date: date}})
	q.Push(&StoredMessage{env: Envelope{ID: "a", Date: date}})
	q.Push(&StoredMessage{env: Envelope{ID: "c", Date: date.Add(-time.Second)}})

	var ids []string
	for _, m := range q.Drain() {
		ids = append(ids, m.Envelope().ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Equal(t, 0, q.Len())
}
