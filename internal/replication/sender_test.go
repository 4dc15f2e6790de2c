package replication

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replimesh/replimesh/internal/database"
	"github.com/replimesh/replimesh/internal/events"
	"github.com/replimesh/replimesh/internal/msglog"
	"github.com/replimesh/replimesh/internal/registry"
	"github.com/replimesh/replimesh/testutil"
)

const (
	selfURI = "https://a.example"
	peerB   = "https://b.example"
	peerC   = "https://c.example"
	peerD   = "https://d.example"
)

// fakeDirectory is an in-memory registry view.
type fakeDirectory struct {
	mu       sync.Mutex
	self     string
	statuses map[string]registry.Status
}

func newFakeDirectory(registered ...string) *fakeDirectory {
	d := &fakeDirectory{self: selfURI, statuses: make(map[string]registry.Status)}
	for _, uri := range registered {
		d.statuses[uri] = registry.StatusRegistered
	}
	return d
}

func (d *fakeDirectory) set(uri string, status registry.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses[uri] = status
}

func (d *fakeDirectory) Self() string { return d.self }

func (d *fakeDirectory) Registered() []*registry.Instance {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*registry.Instance
	for uri, st := range d.statuses {
		if st == registry.StatusRegistered {
			out = append(out, &registry.Instance{URI: uri, Status: st})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func (d *fakeDirectory) IsRegistered(uri string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statuses[uri] == registry.StatusRegistered
}

func (d *fakeDirectory) Get(uri string) (*registry.Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.statuses[uri]
	if !ok {
		return nil, registry.ErrUnknownInstance
	}
	return &registry.Instance{URI: uri, Status: st, Name: "name-of-" + uri}, nil
}

func (d *fakeDirectory) ResolveRelayed(_ context.Context, uri string) (*registry.Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.statuses[uri]; !ok {
		d.statuses[uri] = registry.StatusRelayed
	}
	return &registry.Instance{URI: uri, Status: d.statuses[uri]}, nil
}

type delivery struct {
	env  Envelope
	body string
}

// recordingTransport records deliveries and fails on demand.
type recordingTransport struct {
	mu        sync.Mutex
	down      map[string]bool
	failNext  map[string]int
	attempts  map[string]int
	delivered map[string][]delivery
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{
		down:      make(map[string]bool),
		failNext:  make(map[string]int),
		attempts:  make(map[string]int),
		delivered: make(map[string][]delivery),
	}
}

func (t *recordingTransport) Send(ctx context.Context, dest string, msg SenderMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[dest]++
	if t.down[dest] {
		return errors.New("connection refused")
	}
	if t.failNext[dest] > 0 {
		t.failNext[dest]--
		return errors.New("503 service unavailable")
	}
	var buf bytes.Buffer
	if err := msg.WriteBody(&buf); err != nil {
		return err
	}
	t.delivered[dest] = append(t.delivered[dest], delivery{env: msg.Envelope().Clone(), body: buf.String()})
	return nil
}

func (t *recordingTransport) setDown(dest string, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[dest] = down
}

func (t *recordingTransport) failTimes(dest string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext[dest] = n
}

func (t *recordingTransport) attemptsTo(dest string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[dest]
}

func (t *recordingTransport) deliveries(dest string) []delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]delivery(nil), t.delivered[dest]...)
}

func (t *recordingTransport) ids(dest string) []string {
	var ids []string
	for _, d := range t.deliveries(dest) {
		ids = append(ids, d.env.ID)
	}
	return ids
}

type senderFixture struct {
	root      string
	store     *SenderStore
	directory *fakeDirectory
	transport *recordingTransport
	bus       *events.Bus
	sender    *Sender
}

func newSenderFixture(t *testing.T, root string, directory *fakeDirectory, transport *recordingTransport, configure func(*SenderConfig)) *senderFixture {
	t.Helper()
	if root == "" {
		root = t.TempDir()
	}
	store, err := NewSenderStore(root, zerolog.Nop(), nil)
	require.NoError(t, err)

	bus := events.NewBus(zerolog.Nop())
	config := SenderConfig{
		Store:           store,
		Directory:       directory,
		Transport:       transport,
		Events:          bus,
		Logger:          zerolog.Nop(),
		Backoff:         Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond},
		ShutdownTimeout: time.Second,
	}
	if configure != nil {
		configure(&config)
	}

	s := NewSender(config)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return &senderFixture{
		root:      root,
		store:     store,
		directory: directory,
		transport: transport,
		bus:       bus,
		sender:    s,
	}
}

func updateMessage(entity string) *Message {
	return NewMessage(EntityUpdate{Entity: entity, Owner: selfURI, Version: "1"}, selfURI, []byte("body of "+entity))
}

func TestSenderDeliversToRegisteredInstances(t *testing.T) {
	directory := newFakeDirectory(peerB, peerC)
	directory.set(peerD, registry.StatusRequested)
	f := newSenderFixture(t, "", directory, newRecordingTransport(), nil)

	msg := updateMessage("doc-1")
	targets, err := f.sender.Send(msg, nil).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{peerB, peerC}, targets)

	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(f.transport.deliveries(peerB)) == 1 && len(f.transport.deliveries(peerC)) == 1
	}, "message never delivered")

	got := f.transport.deliveries(peerB)[0]
	assert.Equal(t, msg.Env.ID, got.env.ID)
	assert.Equal(t, "body of doc-1", got.body)
	assert.Empty(t, f.transport.deliveries(peerD))

	testutil.Eventually(t, 2*time.Second, func() bool { return f.store.Count() == 0 }, "record not removed after delivery")
}

func TestSenderInstanceUpdateReachesOnlyRegistered(t *testing.T) {
	directory := newFakeDirectory(peerB)
	directory.set(peerC, registry.StatusRequesting)
	directory.set(peerD, registry.StatusRelayed)
	f := newSenderFixture(t, "", directory, newRecordingTransport(), nil)

	msg := NewMessage(InstanceUpdate{Name: "alpha"}, selfURI, nil)
	targets, err := f.sender.Send(msg, nil).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{peerB}, targets)

	testutil.Eventually(t, 2*time.Second, func() bool { return len(f.transport.deliveries(peerB)) == 1 }, "update not delivered")
	assert.Zero(t, f.transport.attemptsTo(peerC))
	assert.Zero(t, f.transport.attemptsTo(peerD))
}

func TestSenderTargetResolution(t *testing.T) {
	directory := newFakeDirectory(peerB, peerC, selfURI)
	f := newSenderFixture(t, "", directory, newRecordingTransport(), nil)
	ctx := context.Background()

	withReceivers := updateMessage("doc-1")
	withReceivers.Env.Receivers = []string{peerC, peerD, selfURI}
	targets, err := f.sender.Send(withReceivers, nil).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{peerC}, targets, "explicit receivers are limited to registered instances")

	explicit := updateMessage("doc-2")
	targets, err = f.sender.Send(explicit, []string{peerD + "/", selfURI, peerD}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{peerD}, targets, "explicit targets skip self and duplicates")

	nobody := updateMessage("doc-3")
	targets, err = f.sender.Send(nobody, []string{}).Wait(ctx)
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestSenderRetriesInOrder(t *testing.T) {
	transport := newRecordingTransport()
	transport.failTimes(peerB, 3)
	f := newSenderFixture(t, "", newFakeDirectory(peerB), transport, nil)

	var want []string
	for _, entity := range []string{"doc-1", "doc-2", "doc-3"} {
		msg := updateMessage(entity)
		_, err := f.sender.Send(msg, nil).Wait(context.Background())
		require.NoError(t, err)
		want = append(want, msg.Env.ID)
	}

	testutil.Eventually(t, 5*time.Second, func() bool { return len(transport.ids(peerB)) == 3 }, "messages never delivered")
	assert.Equal(t, want, transport.ids(peerB), "a failing message blocks the ones behind it")
	assert.Equal(t, 6, transport.attemptsTo(peerB))
}

func TestSenderPingWakesDestination(t *testing.T) {
	transport := newRecordingTransport()
	transport.failTimes(peerB, 1)
	f := newSenderFixture(t, "", newFakeDirectory(peerB), transport, func(c *SenderConfig) {
		c.Backoff = Backoff{Base: time.Hour, Max: time.Hour}
	})

	_, err := f.sender.Send(updateMessage("doc-1"), nil).Wait(context.Background())
	require.NoError(t, err)
	testutil.Eventually(t, 2*time.Second, func() bool { return transport.attemptsTo(peerB) == 1 }, "first attempt never made")

	f.sender.Ping(peerB + "/")
	testutil.Eventually(t, 2*time.Second, func() bool { return len(transport.deliveries(peerB)) == 1 }, "ping did not trigger a retry")
}

func TestSenderRecoversAfterRestart(t *testing.T) {
	root := t.TempDir()
	directory := newFakeDirectory(peerB, peerC)
	first := newRecordingTransport()
	first.setDown(peerC, true)

	f := newSenderFixture(t, root, directory, first, nil)
	msg := updateMessage("doc-1")
	_, err := f.sender.Send(msg, nil).Wait(context.Background())
	require.NoError(t, err)

	testutil.Eventually(t, 2*time.Second, func() bool { return len(first.deliveries(peerB)) == 1 }, "b never reached")
	testutil.Eventually(t, 2*time.Second, func() bool { return first.attemptsTo(peerC) > 0 }, "c never attempted")
	require.NoError(t, f.sender.Stop())

	stored, err := f.store.Get(msg.Env.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{peerC}, f.store.Targets(stored), "delivered target removed from the record")

	second := newRecordingTransport()
	g := newSenderFixture(t, root, directory, second, nil)

	testutil.Eventually(t, 2*time.Second, func() bool { return len(second.deliveries(peerC)) == 1 }, "c never reached after restart")
	assert.Empty(t, second.deliveries(peerB), "b must not get the message twice")
	assert.Equal(t, "body of doc-1", second.deliveries(peerC)[0].body)
	testutil.Eventually(t, 2*time.Second, func() bool { return g.store.Count() == 0 }, "record not removed")
}

func TestSenderBeforeSendCancelRedactsMessage(t *testing.T) {
	transport := newRecordingTransport()
	f := newSenderFixture(t, "", newFakeDirectory(peerB, peerC), transport, nil)

	var mu sync.Mutex
	announced := map[string]int{}
	f.bus.Subscribe(func(e *events.Event) {
		if e.Kind != events.BeforeSend {
			return
		}
		mu.Lock()
		announced[e.Destination]++
		mu.Unlock()
		if e.Destination == peerB {
			e.Cancel()
		}
	})

	_, err := f.sender.Send(updateMessage("doc-1"), nil).Wait(context.Background())
	require.NoError(t, err)

	testutil.Eventually(t, 2*time.Second, func() bool { return len(transport.deliveries(peerC)) == 1 }, "c never reached")
	testutil.Eventually(t, 2*time.Second, func() bool { return f.store.Count() == 0 }, "cancelled target not consumed")
	assert.Zero(t, transport.attemptsTo(peerB))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, announced[peerB])
	assert.Equal(t, 1, announced[peerC])
}

func TestSenderAnnouncesOncePerMessage(t *testing.T) {
	transport := newRecordingTransport()
	transport.failTimes(peerB, 2)
	f := newSenderFixture(t, "", newFakeDirectory(peerB), transport, nil)

	var mu sync.Mutex
	count := 0
	f.bus.Subscribe(func(e *events.Event) {
		if e.Kind == events.BeforeSend {
			mu.Lock()
			count++
			mu.Unlock()
		}
	})

	_, err := f.sender.Send(updateMessage("doc-1"), nil).Wait(context.Background())
	require.NoError(t, err)
	testutil.Eventually(t, 2*time.Second, func() bool { return len(transport.deliveries(peerB)) == 1 }, "never delivered")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestSenderDropsUnregisteredDestination(t *testing.T) {
	directory := newFakeDirectory(peerB)
	transport := newRecordingTransport()
	transport.setDown(peerB, true)
	f := newSenderFixture(t, "", directory, transport, func(c *SenderConfig) {
		c.Backoff = Backoff{Base: time.Hour, Max: time.Hour}
	})

	_, err := f.sender.Send(updateMessage("doc-1"), nil).Wait(context.Background())
	require.NoError(t, err)
	testutil.Eventually(t, 2*time.Second, func() bool { return transport.attemptsTo(peerB) == 1 }, "never attempted")

	directory.set(peerB, registry.StatusRelayed)
	f.sender.Ping(peerB)

	testutil.Eventually(t, 2*time.Second, func() bool { return f.store.Count() == 0 }, "target not dropped")
	assert.Equal(t, 1, transport.attemptsTo(peerB))
}

func TestSenderPublishesMessageStored(t *testing.T) {
	directory := newFakeDirectory(peerB)
	transport := newRecordingTransport()
	store, err := NewSenderStore(t.TempDir(), zerolog.Nop(), nil)
	require.NoError(t, err)
	bus := events.NewBus(zerolog.Nop())

	stored := make(chan *events.Event, 1)
	bus.Subscribe(func(e *events.Event) {
		if e.Kind == events.MessageStored {
			stored <- e
		}
	})

	s := NewSender(SenderConfig{Store: store, Directory: directory, Transport: transport, Events: bus, Logger: zerolog.Nop()})
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	msg := updateMessage("doc-1")
	_, err = s.Send(msg, nil).Wait(context.Background())
	require.NoError(t, err)

	select {
	case e := <-stored:
		assert.Equal(t, msg.Env.ID, e.MessageID)
		assert.Equal(t, []string{peerB}, e.Targets)
	case <-time.After(time.Second):
		t.Fatal("no MessageStored event")
	}
}

func TestSenderResend(t *testing.T) {
	db, err := database.OpenMemory(msglog.Schema)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	log := msglog.New(db, zerolog.Nop())

	directory := newFakeDirectory(peerB)
	transport := newRecordingTransport()
	f := newSenderFixture(t, "", directory, transport, func(c *SenderConfig) { c.Log = log })

	original := updateMessage("doc-1")
	_, err = f.sender.Send(original, nil).Wait(context.Background())
	require.NoError(t, err)
	_, err = f.sender.Send(NewMessage(InstanceUpdate{Name: "alpha"}, selfURI, nil), nil).Wait(context.Background())
	require.NoError(t, err)

	directory.set(peerC, registry.StatusRegistered)
	n, err := f.sender.Resend(context.Background(), msglog.Query{Types: []string{TypeEntityUpdate}}, []string{peerC})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	testutil.Eventually(t, 2*time.Second, func() bool { return len(transport.deliveries(peerC)) == 1 }, "resend not delivered")
	got := transport.deliveries(peerC)[0]
	assert.NotEqual(t, original.Env.ID, got.env.ID)
	resendOf, _ := got.env.Metadata.First(KeyResendOf)
	assert.Equal(t, original.Env.ID, resendOf)
	assert.Equal(t, "body of doc-1", got.body)
	assert.Equal(t, []string{"doc-1"}, got.env.Metadata.Get(KeyEntity))
}

func TestSenderRepeatedResendReplaysOriginalsOnly(t *testing.T) {
	db, err := database.OpenMemory(msglog.Schema)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	log := msglog.New(db, zerolog.Nop())

	directory := newFakeDirectory(peerB)
	transport := newRecordingTransport()
	f := newSenderFixture(t, "", directory, transport, func(c *SenderConfig) { c.Log = log })
	ctx := context.Background()

	_, err = f.sender.Send(updateMessage("doc-1"), nil).Wait(ctx)
	require.NoError(t, err)

	var counts []int
	for i := 0; i < 3; i++ {
		n, err := f.sender.Resend(ctx, msglog.Query{Types: []string{TypeEntityUpdate}}, nil)
		require.NoError(t, err)
		counts = append(counts, n)
	}
	assert.Equal(t, []int{1, 1, 1}, counts)

	logged, err := log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, logged)

	testutil.Eventually(t, 2*time.Second, func() bool { return len(transport.deliveries(peerB)) == 4 }, "replays not delivered")
}

func TestSenderResendWithoutLog(t *testing.T) {
	f := newSenderFixture(t, "", newFakeDirectory(peerB), newRecordingTransport(), nil)
	_, err := f.sender.Resend(context.Background(), msglog.Query{}, nil)
	assert.Error(t, err)
}

func TestSenderStopped(t *testing.T) {
	f := newSenderFixture(t, "", newFakeDirectory(peerB), newRecordingTransport(), nil)
	require.NoError(t, f.sender.Stop())
	require.NoError(t, f.sender.Stop())

	_, err := f.sender.Send(updateMessage("doc-1"), nil).Wait(context.Background())
	assert.ErrorIs(t, err, ErrSenderStopped)
}

func TestSenderStopDrainsDispatch(t *testing.T) {
	directory := newFakeDirectory(peerB)
	transport := newRecordingTransport()
	transport.setDown(peerB, true)
	f := newSenderFixture(t, "", directory, transport, nil)

	var futures []*Future
	for i := 0; i < 20; i++ {
		futures = append(futures, f.sender.Send(updateMessage("doc"), nil))
	}
	require.NoError(t, f.sender.Stop())

	for _, fut := range futures {
		targets, err := fut.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{peerB}, targets)
	}
	assert.Equal(t, 20, f.store.Count(), "queued messages persisted before stopping")
}
