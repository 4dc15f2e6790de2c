package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replimesh/replimesh/internal/client"
	"github.com/replimesh/replimesh/internal/registry"
	"github.com/replimesh/replimesh/internal/replication"
	"github.com/replimesh/replimesh/internal/trust"
	"github.com/replimesh/replimesh/pkg/proto"
	"github.com/replimesh/replimesh/testutil"
)

const testType = "test_note"

// testNode is one replication instance served over httptest.
type testNode struct {
	uri      string
	ts       *httptest.Server
	keys     *trust.KeyStore
	registry *registry.Registry
	client   *client.Client
	sender   *replication.Sender
	receiver *replication.Receiver
	server   *Server
	down     atomic.Bool
	refused  atomic.Int32

	mu       sync.Mutex
	received []*replication.Inbound
}

// nodeConfig tunes a test node.
type nodeConfig struct {
	Server  Config
	Backoff replication.Backoff
}

func newTestNode(t *testing.T, name string, configure func(*nodeConfig)) *testNode {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	logger := zerolog.Nop()

	// the handler is installed once the node knows its own URI
	var (
		handler http.Handler
		n       = &testNode{}
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.down.Load() {
			n.refused.Add(1)
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	n.uri = proto.NormalizeURI(ts.URL)
	n.ts = ts

	nc := nodeConfig{
		Server: Config{
			Version: "test",
			Logger:  logger,
		},
		Backoff: replication.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	}
	if configure != nil {
		configure(&nc)
	}

	keys, err := trust.NewKeyStore(filepath.Join(dir, "keys"), logger)
	require.NoError(t, err)
	n.keys = keys

	n.client = client.New(client.Config{
		SelfURI:    n.uri,
		SelfName:   name,
		Keys:       keys,
		Timeout:    5 * time.Second,
		HTTPClient: ts.Client(),
		Logger:     logger,
	})

	n.registry, err = registry.New(ctx, registry.Options{
		SelfURI:  n.uri,
		SelfName: name,
		Store:    registry.NewMemoryStore(),
		Keys:     keys,
		Client:   n.client,
		Logger:   logger,
	})
	require.NoError(t, err)

	senderStore, err := replication.NewSenderStore(filepath.Join(dir, "sender"), logger, nil)
	require.NoError(t, err)
	n.sender = replication.NewSender(replication.SenderConfig{
		Store:           senderStore,
		Directory:       n.registry,
		Transport:       n.client,
		Logger:          logger,
		Backoff:         nc.Backoff,
		ShutdownTimeout: time.Second,
	})
	require.NoError(t, n.sender.Start(ctx))
	t.Cleanup(func() { _ = n.sender.Stop() })

	receiverStore, err := replication.NewStore(filepath.Join(dir, "receiver"), "receiver", logger, nil)
	require.NoError(t, err)
	handlers := replication.NewHandlers()
	require.NoError(t, handlers.Register(testType, replication.HandlerFunc(func(_ context.Context, msg replication.ReceiverMessage) error {
		body, err := replication.ReadBody(msg)
		if err != nil {
			return err
		}
		n.mu.Lock()
		n.received = append(n.received, &replication.Inbound{Env: msg.Envelope().Clone(), Body: body, From: msg.Instance()})
		n.mu.Unlock()
		return nil
	})))
	n.receiver, err = replication.NewReceiver(replication.ReceiverConfig{
		Store:     receiverStore,
		Handlers:  handlers,
		Instances: n.registry,
		Logger:    logger,
	})
	require.NoError(t, err)
	require.NoError(t, n.receiver.Start(ctx))
	t.Cleanup(func() { _ = n.receiver.Stop() })

	config := nc.Server
	config.Registry = n.registry
	config.Inbox = n.receiver
	config.Sender = n.sender
	n.server = New(config)
	handler = n.server
	return n
}

func (n *testNode) messages() []*replication.Inbound {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*replication.Inbound, len(n.received))
	copy(out, n.received)
	return out
}

func (n *testNode) status(t *testing.T, uri string) registry.Status {
	t.Helper()
	inst, err := n.registry.Get(uri)
	require.NoError(t, err)
	return inst.Status
}

// link registers a with b and has b accept.
func link(t *testing.T, a, b *testNode) {
	t.Helper()
	ctx := context.Background()

	inst, err := a.registry.Register(ctx, b.uri)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRequesting, inst.Status)
	assert.Equal(t, registry.StatusRequested, b.status(t, a.uri))

	inst, err = b.registry.Accept(ctx, a.uri)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRegistered, inst.Status)
	assert.Equal(t, registry.StatusRegistered, a.status(t, b.uri))
}

func note(source, text string) *replication.Message {
	env := replication.NewEnvelope(testType, source)
	return &replication.Message{Env: env, Body: []byte(text)}
}

func TestHandshakeLinksBothInstances(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	link(t, a, b)

	instB, err := a.registry.Get(b.uri)
	require.NoError(t, err)
	assert.Equal(t, "beta", instB.Name)
	assert.NotEmpty(t, instB.ReceiveKey)

	instA, err := b.registry.Get(a.uri)
	require.NoError(t, err)
	assert.Equal(t, "alpha", instA.Name)

	// each side verifies with the key the other signs with
	keyAtoB, err := a.keys.PublicKey(b.uri)
	require.NoError(t, err)
	assert.Equal(t, keyAtoB, instA.ReceiveKey)
	keyBtoA, err := b.keys.PublicKey(a.uri)
	require.NoError(t, err)
	assert.Equal(t, keyBtoA, instB.ReceiveKey)
}

func TestRegisterTwiceIsAlreadyRequested(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	ctx := context.Background()

	_, err := a.registry.Register(ctx, b.uri)
	require.NoError(t, err)

	key, err := a.keys.PublicKey(b.uri)
	require.NoError(t, err)
	status, _, err := a.client.Register(ctx, b.uri, key, "")
	require.NoError(t, err)
	assert.Equal(t, proto.RegisterAlreadyRequested, status)
}

func TestDeclineRemovesBothSides(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	ctx := context.Background()

	_, err := a.registry.Register(ctx, b.uri)
	require.NoError(t, err)
	require.NoError(t, b.registry.Decline(ctx, a.uri))

	_, err = b.registry.Get(a.uri)
	assert.ErrorIs(t, err, registry.ErrUnknownInstance)
	_, err = a.registry.Get(b.uri)
	assert.ErrorIs(t, err, registry.ErrUnknownInstance)
}

func TestCancelRemovesBothSides(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	ctx := context.Background()

	_, err := a.registry.Register(ctx, b.uri)
	require.NoError(t, err)
	require.NoError(t, a.registry.Cancel(ctx, b.uri))

	_, err = b.registry.Get(a.uri)
	assert.ErrorIs(t, err, registry.ErrUnknownInstance)
}

func TestMessageDeliveredEndToEnd(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	link(t, a, b)

	msg := note(a.uri, "hello beta")
	msg.Env.Metadata.Set("tags", "x|y", `back\slash`, "plain")
	msg.Env.Metadata.Set("previous-version", "3")
	msg.Env.Receivers = []string{b.uri}

	targets, err := a.sender.Send(msg, nil).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{b.uri}, targets)

	testutil.Eventually(t, 5*time.Second, func() bool { return len(b.messages()) == 1 }, "message not handled")

	got := b.messages()[0]
	assert.Equal(t, msg.Env.ID, got.Env.ID)
	assert.Equal(t, a.uri, got.Env.Source)
	assert.Equal(t, testType, got.Env.Type)
	assert.True(t, msg.Env.Date.Equal(got.Env.Date))
	assert.Equal(t, []string{b.uri}, got.Env.Receivers)
	assert.Equal(t, []string{"x|y", `back\slash`, "plain"}, got.Env.Metadata.Get("tags"))
	assert.Equal(t, []string{"3"}, got.Env.Metadata.Get("previous-version"))
	assert.Equal(t, "hello beta", string(got.Body))
	require.NotNil(t, got.From)
	assert.Equal(t, a.uri, got.From.URI)

	testutil.Eventually(t, 2*time.Second, func() bool { return a.sender.QueueLengths()[b.uri] == 0 }, "queue not drained")
}

func TestDuplicateMessageAcceptedOnce(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	link(t, a, b)

	msg := note(a.uri, "once")
	ctx := context.Background()
	require.NoError(t, a.client.Send(ctx, b.uri, msg))
	require.NoError(t, a.client.Send(ctx, b.uri, msg))

	testutil.Eventually(t, 5*time.Second, func() bool { return len(b.messages()) == 1 }, "message not handled")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, b.messages(), 1)
}

func TestMessageFromUnknownInstance(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)

	err := a.client.Send(context.Background(), b.uri, note(a.uri, "who am I"))
	require.Error(t, err)
	assert.True(t, client.IsStatus(err, http.StatusNotFound))
	assert.ErrorIs(t, err, registry.ErrUnknownInstance)
	assert.Empty(t, b.messages())
}

func TestMessageFromPendingInstanceRejected(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	_, err := a.registry.Register(context.Background(), b.uri)
	require.NoError(t, err)

	err = a.client.Send(context.Background(), b.uri, note(a.uri, "too early"))
	assert.True(t, client.IsStatus(err, http.StatusNotFound))
}

func TestBadSignatureForbidden(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	link(t, a, b)

	// an impostor claims a's URI but signs with its own key
	impostorKeys, err := trust.NewKeyStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	impostor := client.New(client.Config{
		SelfURI:    a.uri,
		SelfName:   "alpha",
		Keys:       impostorKeys,
		HTTPClient: b.ts.Client(),
		Logger:     zerolog.Nop(),
	})

	err = impostor.Send(context.Background(), b.uri, note(a.uri, "forged"))
	assert.True(t, client.IsStatus(err, http.StatusForbidden))
	err = impostor.Ping(context.Background(), b.uri)
	assert.True(t, client.IsStatus(err, http.StatusForbidden))
	assert.Empty(t, b.messages())
}

func TestUnsignedCallForbidden(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	link(t, a, b)

	q := url.Values{}
	q.Set(proto.ParamURI, a.uri)
	resp, err := http.Post(b.uri+proto.DefaultEndpointRoot+proto.PathPing+"?"+q.Encode(), "text/plain", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestInvalidMessageRejected(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	link(t, a, b)

	msg := note(a.uri, "bad date")
	msg.Env.Date = time.Time{}
	err := a.client.Send(context.Background(), b.uri, msg)
	assert.True(t, client.IsStatus(err, http.StatusBadRequest))
}

func TestRateLimitedMessages(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", func(c *nodeConfig) {
		c.Server.RateLimit = 0.001
		c.Server.RateBurst = 1
	})
	link(t, a, b)

	ctx := context.Background()
	require.NoError(t, a.client.Send(ctx, b.uri, note(a.uri, "first")))
	err := a.client.Send(ctx, b.uri, note(a.uri, "second"))
	assert.True(t, client.IsStatus(err, http.StatusTooManyRequests))

	// handshake calls are not limited
	require.NoError(t, a.client.Ping(ctx, b.uri))
}

func TestResetSendKeyKeepsLinkWorking(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	link(t, a, b)
	ctx := context.Background()

	before, err := a.keys.PublicKey(b.uri)
	require.NoError(t, err)
	require.NoError(t, a.registry.ResetSendKey(ctx, b.uri))
	after, err := a.keys.PublicKey(b.uri)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	instA, err := b.registry.Get(a.uri)
	require.NoError(t, err)
	assert.Equal(t, after, instA.ReceiveKey)

	require.NoError(t, a.client.Send(ctx, b.uri, note(a.uri, "after rotation")))
	testutil.Eventually(t, 5*time.Second, func() bool { return len(b.messages()) == 1 }, "message not handled")
}

func TestUnregisterDowngradesBothSides(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)
	link(t, a, b)
	ctx := context.Background()

	require.NoError(t, a.registry.Unregister(ctx, b.uri))
	assert.Equal(t, registry.StatusRelayed, a.status(t, b.uri))
	assert.Equal(t, registry.StatusRelayed, b.status(t, a.uri))

	err := a.client.Send(ctx, b.uri, note(a.uri, "gone"))
	assert.True(t, client.IsStatus(err, http.StatusNotFound))

	// the link can be built again
	link(t, a, b)
}

func TestPingWakesWaitingQueue(t *testing.T) {
	a := newTestNode(t, "alpha", func(c *nodeConfig) {
		c.Backoff = replication.Backoff{Base: time.Hour, Max: time.Hour}
	})
	b := newTestNode(t, "beta", nil)
	link(t, a, b)

	b.down.Store(true)
	_, err := a.sender.Send(note(a.uri, "while down"), nil).Wait(context.Background())
	require.NoError(t, err)
	testutil.Eventually(t, 2*time.Second, func() bool { return b.refused.Load() > 0 }, "delivery not attempted")
	assert.Equal(t, 1, a.sender.QueueLengths()[b.uri])

	// back up; the queue waits for an hour unless b pings
	b.down.Store(false)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, b.messages())

	require.NoError(t, b.client.Ping(context.Background(), a.uri))
	testutil.Eventually(t, 5*time.Second, func() bool { return len(b.messages()) == 1 }, "ping did not wake the queue")
}

func TestPingUnknownInstance(t *testing.T) {
	a := newTestNode(t, "alpha", nil)
	b := newTestNode(t, "beta", nil)

	err := a.client.Ping(context.Background(), b.uri)
	assert.ErrorIs(t, err, registry.ErrUnknownInstance)
}

func TestRegisterSelfConflict(t *testing.T) {
	a := newTestNode(t, "alpha", nil)

	status, _, err := a.client.Register(context.Background(), a.uri, "key", "")
	assert.Zero(t, status)
	assert.True(t, client.IsStatus(err, http.StatusConflict))
}

func TestHealth(t *testing.T) {
	a := newTestNode(t, "alpha", nil)

	resp, err := http.Get(a.uri + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestNode(t, "alpha", func(c *nodeConfig) { c.Server.MetricsPath = "/metrics" })

	resp, err := http.Get(a.uri + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	b := newTestNode(t, "beta", nil)
	resp2, err := http.Get(b.uri + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	a := newTestNode(t, "alpha", nil)

	tests := []struct {
		method string
		path   string
		allow  string
	}{
		{http.MethodGet, proto.PathRegister, http.MethodPut},
		{http.MethodGet, proto.PathPing, http.MethodPost},
		{http.MethodPost, proto.PathMessage, http.MethodPut},
		{http.MethodPut, proto.PathUpdateKey, http.MethodPost},
		{http.MethodDelete, proto.PathUnregister, http.MethodPut},
	}
	for _, tt := range tests {
		t.Run(strings.TrimPrefix(tt.path, "/"), func(t *testing.T) {
			req, err := http.NewRequest(tt.method, a.uri+proto.DefaultEndpointRoot+tt.path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
			assert.Equal(t, tt.allow, resp.Header.Get("Allow"))
		})
	}
}

func TestCustomEndpointRoot(t *testing.T) {
	a := newTestNode(t, "alpha", func(c *nodeConfig) { c.Server.EndpointRoot = "sync/" })

	req, err := http.NewRequest(http.MethodGet, a.uri+"/sync"+proto.PathRegister, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
