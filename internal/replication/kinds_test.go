package replication

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replimesh/replimesh/internal/replerr"
)

func TestEntityUpdateMessage(t *testing.T) {
	msg := NewMessage(EntityUpdate{
		Entity:          "doc-1",
		Owner:           "https://a.example",
		Version:         "3",
		PreviousVersion: "2",
		Level:           LevelReference,
		Complete:        true,
	}, "https://a.example", nil)

	assert.Equal(t, TypeEntityUpdate, msg.Env.Type)
	assert.NotEmpty(t, msg.Env.ID)
	require.NoError(t, msg.Env.Validate())

	k, err := DecodeEntityUpdate(&msg.Env)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", k.Entity)
	assert.Equal(t, "2", k.PreviousVersion)
	assert.Equal(t, LevelReference, k.Level)
	assert.True(t, k.Complete)

	_, err = DecodeEntityDelete(&msg.Env)
	assert.True(t, replerr.IsInvalidMessage(err), "decoding with the wrong kind must fail")
}

func TestEntityUpdateDefaultsToFullLevel(t *testing.T) {
	msg := NewMessage(EntityUpdate{Entity: "doc-1", Owner: "o", Version: "1"}, "https://a.example", nil)
	k, err := DecodeEntityUpdate(&msg.Env)
	require.NoError(t, err)
	assert.Equal(t, LevelFull, k.Level)
	assert.False(t, k.Complete)
}

func TestEntityUpdateMissingVersion(t *testing.T) {
	msg := NewMessage(EntityUpdate{Entity: "doc-1", Owner: "o", Version: "1"}, "https://a.example", nil)
	msg.Env.Metadata.Del(KeyVersion)

	_, err := DecodeEntityUpdate(&msg.Env)
	var invalid *replerr.InvalidMessageError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, msg.Env.ID, invalid.ID)
	assert.Contains(t, invalid.Reason, KeyVersion)
}

func TestEntityDeleteMessage(t *testing.T) {
	msg := NewMessage(EntityDelete{Entity: "doc-1", Owner: "o", Versions: []string{"1", "2"}}, "https://a.example", nil)
	k, err := DecodeEntityDelete(&msg.Env)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, k.Versions)

	whole := NewMessage(EntityDelete{Entity: "doc-1", Owner: "o"}, "https://a.example", nil)
	k, err = DecodeEntityDelete(&whole.Env)
	require.NoError(t, err)
	assert.Empty(t, k.Versions)
}

func TestEntityConflictRequiresFlag(t *testing.T) {
	msg := NewMessage(EntityConflict{Entity: "doc-1", Conflict: true}, "https://a.example", nil)
	k, err := DecodeEntityConflict(&msg.Env)
	require.NoError(t, err)
	assert.True(t, k.Conflict)

	msg.Env.Metadata.Set(KeyConflict, "maybe")
	_, err = DecodeEntityConflict(&msg.Env)
	assert.True(t, replerr.IsInvalidMessage(err))

	msg.Env.Metadata.Del(KeyConflict)
	_, err = DecodeEntityConflict(&msg.Env)
	assert.True(t, replerr.IsInvalidMessage(err))
}

func TestInstanceUpdateMessage(t *testing.T) {
	msg := NewMessage(InstanceUpdate{
		Name:       "alpha",
		Properties: map[string]string{"Region": "eu", "tier": "a=b"},
	}, "https://a.example", nil)
	assert.Equal(t, []string{"region=eu", "tier=a=b"}, msg.Env.Metadata.Get(KeyInstanceProps))

	k, err := DecodeInstanceUpdate(&msg.Env)
	require.NoError(t, err)
	assert.Equal(t, "alpha", k.Name)
	assert.Equal(t, map[string]string{"region": "eu", "tier": "a=b"}, k.Properties)

	msg.Env.Metadata.Set(KeyInstanceProps, "novalue")
	_, err = DecodeInstanceUpdate(&msg.Env)
	assert.True(t, replerr.IsInvalidMessage(err))
}

func TestRecoverRequestMessage(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	msg := NewMessage(RecoverRequest{DateMin: from, DateMax: to, QuestionID: "q1"}, "https://a.example", nil)

	k, err := DecodeRecoverRequest(&msg.Env)
	require.NoError(t, err)
	assert.True(t, from.Equal(k.DateMin))
	assert.True(t, to.Equal(k.DateMax))
	assert.Equal(t, "q1", k.QuestionID)
}

func TestRecoverRequestMissingDateMax(t *testing.T) {
	msg := NewMessage(RecoverRequest{DateMin: time.Now(), DateMax: time.Now(), QuestionID: "q1"}, "https://a.example", nil)
	msg.Env.Metadata.Del(KeyDateMax)

	_, err := DecodeRecoverRequest(&msg.Env)
	require.Error(t, err)
	assert.ErrorIs(t, err, replerr.ErrInvalidMessage)
	assert.ErrorIs(t, err, replerr.ErrReplication)

	var invalid *replerr.InvalidMessageError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, msg.Env.ID, invalid.ID)
	assert.Contains(t, err.Error(), msg.Env.ID)
	assert.Contains(t, err.Error(), KeyDateMax)
}

func TestRecoverRequestRejectsBadRange(t *testing.T) {
	now := time.Now()
	msg := NewMessage(RecoverRequest{DateMin: now, DateMax: now.Add(-time.Hour), QuestionID: "q1"}, "https://a.example", nil)
	_, err := DecodeRecoverRequest(&msg.Env)
	assert.True(t, replerr.IsInvalidMessage(err))

	msg.Env.Metadata.Set(KeyDateMin, "yesterday")
	_, err = DecodeRecoverRequest(&msg.Env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "yesterday")
}

func TestRecoverAnswerMessage(t *testing.T) {
	msg := NewMessage(RecoverAnswer{QuestionID: "q1", Count: 12}, "https://b.example", nil)
	k, err := DecodeRecoverAnswer(&msg.Env)
	require.NoError(t, err)
	assert.Equal(t, 12, k.Count)

	msg.Env.Metadata.Set(KeyCount, "twelve")
	_, err = DecodeRecoverAnswer(&msg.Env)
	assert.True(t, replerr.IsInvalidMessage(err))
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"": LevelFull, "full": LevelFull, "REFERENCE": LevelReference} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("partial")
	assert.Error(t, err)
}

func TestMetadataHelpers(t *testing.T) {
	md := Metadata{}
	md.Set("a", "1")
	md.Add("a", "2")
	md.Add("b", "x")
	assert.Equal(t, []string{"1", "2"}, md.Get("a"))
	first, ok := md.First("a")
	assert.True(t, ok)
	assert.Equal(t, "1", first)
	assert.Equal(t, []string{"a", "b"}, md.Keys())

	c := md.Clone()
	c.Add("a", "3")
	assert.Len(t, md.Get("a"), 2)

	assert.Equal(t, Metadata{"b": {"x"}}, md.Only("b", "missing"))

	md.Del("a")
	_, ok = md.First("a")
	assert.False(t, ok)
}

func TestValidMetadataKey(t *testing.T) {
	for _, key := range []string{"entity", "previous-version", "x.y_z", "0a"} {
		assert.True(t, ValidMetadataKey(key), key)
	}
	for _, key := range []string{"", "Entity", "-lead", "with space", "a:b"} {
		assert.False(t, ValidMetadataKey(key), key)
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{1, 2, 4, 8, 16, 32, 64, 120, 120, 120}
	prev := time.Duration(0)
	for attempt, minutes := range want {
		d := b.Delay(attempt)
		assert.Equal(t, minutes*time.Minute, d, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	assert.Equal(t, 120*time.Minute, b.Delay(1000))

	custom := Backoff{Base: 10 * time.Millisecond, Max: 25 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, custom.Delay(0))
	assert.Equal(t, 20*time.Millisecond, custom.Delay(1))
	assert.Equal(t, 25*time.Millisecond, custom.Delay(2))
}

func TestOriginContext(t *testing.T) {
	ctx := t.Context()
	assert.False(t, IsReplicated(ctx))

	ctx = WithOrigin(ctx, Origin{MessageID: "m1", Source: "https://a.example"})
	assert.True(t, IsReplicated(ctx))
	o, ok := OriginFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "m1", o.MessageID)
}
