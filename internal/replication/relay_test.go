package replication

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replimesh/replimesh/internal/registry"
	"github.com/replimesh/replimesh/testutil"
)

func TestRelayedInstancesExcludesKnownHolders(t *testing.T) {
	env := NewEnvelope(TypeEntityUpdate, peerB)
	env.Receivers = []string{peerD}
	msg := &Inbound{Env: env, From: &registry.Instance{URI: peerC}}

	candidates := []string{selfURI, peerB, peerC, peerD, "https://e.example/", "https://f.example", "https://e.example"}
	got := RelayedInstances(selfURI, msg, candidates)
	assert.Equal(t, []string{"https://e.example", "https://f.example"}, got)

	assert.Empty(t, RelayedInstances(selfURI, msg, []string{peerB, peerC}))
}

func TestRelayPreservesIdentity(t *testing.T) {
	transport := newRecordingTransport()
	f := newSenderFixture(t, "", newFakeDirectory(peerB, peerC, peerD), transport, nil)

	env := NewEnvelope(TypeEntityUpdate, peerB)
	env.Date = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	env.Receivers = []string{selfURI}
	env.Metadata.Set(KeyEntity, "doc-1")
	env.Metadata.Set(KeyOwner, peerB)
	received := &Inbound{Env: env, Body: []byte("shared body"), From: &registry.Instance{URI: peerB}}

	targets := RelayedInstances(selfURI, received, []string{peerB, peerC, peerD})
	require.Equal(t, []string{peerC, peerD}, targets)

	queued, err := f.sender.Relay(received, targets, env.Metadata.Only(KeyEntity)).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, targets, queued)

	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(transport.deliveries(peerC)) == 1 && len(transport.deliveries(peerD)) == 1
	}, "relay not delivered")

	got := transport.deliveries(peerC)[0]
	assert.Equal(t, env.ID, got.env.ID)
	assert.Equal(t, peerB, got.env.Source)
	assert.True(t, env.Date.Equal(got.env.Date))
	assert.Equal(t, TypeEntityUpdate, got.env.Type)
	assert.Equal(t, []string{selfURI, peerC, peerD}, got.env.Receivers)
	assert.Equal(t, Metadata{KeyEntity: {"doc-1"}}, got.env.Metadata)
	assert.Equal(t, "shared body", got.body)
	assert.Empty(t, transport.deliveries(peerB))

	// the received message is untouched
	assert.Equal(t, []string{selfURI}, received.Env.Receivers)
	assert.Len(t, received.Env.Metadata, 2)
}

func TestRelayFromMemoryOutlivesSourceRecord(t *testing.T) {
	transport := newRecordingTransport()
	f := newSenderFixture(t, "", newFakeDirectory(peerB, peerC), transport, nil)
	transport.setDown(peerC, true)

	// the outbound store can no longer create records
	require.NoError(t, os.RemoveAll(f.root))
	require.NoError(t, os.WriteFile(f.root, []byte("not a directory"), 0600))

	inbox, err := NewStore(t.TempDir(), "receiver", zerolog.Nop(), nil)
	require.NoError(t, err)
	env := NewEnvelope(TypeEntityUpdate, peerB)
	env.Receivers = []string{selfURI}
	env.Metadata.Set(KeyEntity, "doc-1")
	received, err := inbox.Store(&env, peerB, strings.NewReader("shared body"))
	require.NoError(t, err)

	queued, err := f.sender.Relay(received, []string{peerC}, nil).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{peerC}, queued)

	require.NoError(t, inbox.Delete(received))
	transport.setDown(peerC, false)

	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(transport.deliveries(peerC)) == 1
	}, "relay not delivered")
	got := transport.deliveries(peerC)[0]
	assert.Equal(t, env.ID, got.env.ID)
	assert.Equal(t, peerB, got.env.Source)
	assert.Equal(t, "shared body", got.body)
}
