package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/replimesh/replimesh/internal/events"
	"github.com/replimesh/replimesh/internal/metrics"
	"github.com/replimesh/replimesh/internal/registry"
	"github.com/replimesh/replimesh/internal/replerr"
)

// ErrNoHandler is reported for messages whose type has no registered handler.
var ErrNoHandler = errors.New("no handler for message type")

// Handler processes one inbound message. A nil return deletes the message from the
// receiver store.
type Handler interface {
	Handle(ctx context.Context, msg ReceiverMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg ReceiverMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg ReceiverMessage) error { return f(ctx, msg) }

// Handlers maps message types to their handler.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]Handler
}

// NewHandlers creates an empty handler registry.
func NewHandlers() *Handlers {
	return &Handlers{m: make(map[string]Handler)}
}

// Register binds h to msgType. Each type has at most one handler.
func (h *Handlers) Register(msgType string, handler Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.m[msgType]; ok {
		return fmt.Errorf("handler for %q already registered", msgType)
	}
	h.m[msgType] = handler
	return nil
}

// Get returns the handler of msgType.
func (h *Handlers) Get(msgType string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.m[msgType]
	return handler, ok
}

// Types returns the handled message types, sorted.
func (h *Handlers) Types() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	types := make([]string, 0, len(h.m))
	for t := range h.m {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// InstanceResolver looks up the instance that transmitted a message.
type InstanceResolver interface {
	Get(uri string) (*registry.Instance, error)
}

// SourceRecorder is implemented by resolvers that keep track of the sources of relayed
// messages we are not linked with.
type SourceRecorder interface {
	ResolveRelayed(ctx context.Context, uri string) (*registry.Instance, error)
}

// ReceiverConfig contains configuration for the receiver.
type ReceiverConfig struct {
	Store     *Store
	Handlers  *Handlers
	Instances InstanceResolver
	Events    *events.Bus
	Metrics   *metrics.ReplicationMetrics
	Logger    zerolog.Logger

	QueueCapacity   int           // default 10000
	RedriveAttempts int           // automatic retries of a failed message, default 3
	RedriveDelay    time.Duration // default 30s
	DedupeSize      int           // recently handled ids remembered, default 4096
}

// Receiver persists inbound messages and hands them to their handler one at a time, in
// arrival order. A message leaves the store only once its handler succeeded.
type Receiver struct {
	store     *Store
	handlers  *Handlers
	instances InstanceResolver
	bus       *events.Bus
	metrics   *metrics.ReplicationMetrics
	logger    zerolog.Logger

	redriveAttempts int
	redriveDelay    time.Duration

	queue  chan *StoredMessage
	recent *lru.Cache[string, struct{}]

	mu       sync.Mutex
	attempts map[string]int // messages queued or waiting for a redrive

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReceiver creates a receiver. Call Start before adding messages.
func NewReceiver(config ReceiverConfig) (*Receiver, error) {
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = 10000
	}
	if config.RedriveAttempts < 0 {
		config.RedriveAttempts = 0
	}
	if config.RedriveDelay <= 0 {
		config.RedriveDelay = 30 * time.Second
	}
	if config.DedupeSize <= 0 {
		config.DedupeSize = 4096
	}
	if config.Handlers == nil {
		config.Handlers = NewHandlers()
	}

	recent, err := lru.New[string, struct{}](config.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}

	return &Receiver{
		store:           config.Store,
		handlers:        config.Handlers,
		instances:       config.Instances,
		bus:             config.Events,
		metrics:         config.Metrics,
		logger:          config.Logger.With().Str("component", "receiver").Logger(),
		redriveAttempts: config.RedriveAttempts,
		redriveDelay:    config.RedriveDelay,
		queue:           make(chan *StoredMessage, config.QueueCapacity),
		recent:          recent,
		attempts:        make(map[string]int),
	}, nil
}

// Handlers returns the handler registry.
func (r *Receiver) Handlers() *Handlers { return r.handlers }

// Start starts the worker and queues the messages left in the store, oldest first,
// ahead of any new arrival.
func (r *Receiver) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.logger.Info().Strs("types", r.handlers.Types()).Msg("Starting receiver")

	pending, err := r.store.Load()
	if err != nil {
		r.cancel()
		return err
	}

	r.wg.Add(1)
	go r.run()

	for _, msg := range pending.Drain() {
		if err := r.enqueue(r.ctx, msg, 0); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops the worker. Unhandled messages stay in the store.
func (r *Receiver) Stop() error {
	if r.cancel == nil {
		return nil
	}
	r.logger.Info().Msg("Stopping receiver")
	r.cancel()
	r.wg.Wait()
	return nil
}

// Add persists an inbound message transmitted by from and queues it. It returns once
// the message is durable. Messages already stored or recently handled are accepted
// and ignored.
func (r *Receiver) Add(ctx context.Context, env *Envelope, body io.Reader, from *registry.Instance) error {
	if r.recent.Contains(env.ID) || r.store.Exists(env.ID) {
		r.logger.Debug().Str("id", env.ID).Msg("Ignoring duplicate message")
		return nil
	}

	transmitter := ""
	if from != nil {
		transmitter = from.URI
	}
	msg, err := r.store.Store(env, transmitter, body)
	if errors.Is(err, ErrDuplicateMessage) {
		r.logger.Debug().Str("id", env.ID).Msg("Ignoring duplicate message")
		return nil
	}
	if err != nil {
		return err
	}
	if from != nil {
		msg = msg.withInstance(from)
	}
	r.metrics.Received(env.Type)

	return r.enqueue(ctx, msg, 0)
}

// Redrive queues every stored message that is neither queued nor waiting for an
// automatic retry. It returns the number of messages queued.
func (r *Receiver) Redrive(ctx context.Context) (int, error) {
	pending, err := r.store.Load()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, msg := range pending.Drain() {
		r.mu.Lock()
		_, busy := r.attempts[msg.env.ID]
		r.mu.Unlock()
		if busy {
			continue
		}
		if err := r.enqueue(ctx, msg, 0); err != nil {
			return n, err
		}
		n++
	}
	r.logger.Info().Int("messages", n).Msg("Redrive requested")
	return n, nil
}

// Pending returns the number of queued messages.
func (r *Receiver) Pending() int {
	return len(r.queue)
}

func (r *Receiver) enqueue(ctx context.Context, msg *StoredMessage, attempt int) error {
	id := msg.env.ID
	r.mu.Lock()
	if _, ok := r.attempts[id]; ok && attempt == 0 {
		r.mu.Unlock()
		return nil
	}
	r.attempts[id] = attempt
	r.mu.Unlock()

	select {
	case r.queue <- msg:
		r.metrics.SetReceiverQueueDepth(len(r.queue))
		return nil
	case <-ctx.Done():
		r.release(id)
		return replerr.New("queue message "+id, ctx.Err())
	case <-r.ctx.Done():
		r.release(id)
		return replerr.New("queue message "+id, r.ctx.Err())
	}
}

func (r *Receiver) release(id string) {
	r.mu.Lock()
	delete(r.attempts, id)
	r.mu.Unlock()
}

func (r *Receiver) run() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.queue:
			r.metrics.SetReceiverQueueDepth(len(r.queue))
			r.process(msg)
		}
	}
}

func (r *Receiver) process(msg *StoredMessage) {
	env := msg.Envelope()
	logger := r.logger.With().Str("id", env.ID).Str("type", env.Type).Logger()

	if msg.instance == nil {
		msg = msg.withInstance(r.resolve(msg.transmitter))
	}
	r.recordSource(env, msg.transmitter, logger)

	handler, ok := r.handlers.Get(env.Type)
	if !ok {
		logger.Error().Msg("No handler for message type, message kept in store")
		r.metrics.Handled(env.Type, ErrNoHandler)
		r.release(env.ID)
		return
	}

	ctx := WithOrigin(r.ctx, Origin{
		MessageID:   env.ID,
		Type:        env.Type,
		Source:      env.Source,
		Transmitter: msg.transmitter,
	})
	err := r.invoke(ctx, handler, msg)
	r.metrics.Handled(env.Type, err)

	if err == nil {
		r.recent.Add(env.ID, struct{}{})
		_ = r.store.Delete(msg)
		r.release(env.ID)
		r.bus.Publish(&events.Event{
			Kind:        events.MessageHandled,
			MessageID:   env.ID,
			MessageType: env.Type,
			Source:      env.Source,
			Metadata:    env.Metadata,
		})
		logger.Debug().Msg("Message handled")
		return
	}
	if r.ctx.Err() != nil {
		return
	}

	if replerr.IsInvalidMessage(err) {
		logger.Error().Err(err).Msg("Invalid message, kept in store")
		r.release(env.ID)
		return
	}

	r.mu.Lock()
	attempt := r.attempts[env.ID] + 1
	r.mu.Unlock()
	if attempt > r.redriveAttempts {
		logger.Error().Err(err).Int("attempts", attempt).Msg("Handler failed, message kept in store")
		r.release(env.ID)
		return
	}

	logger.Warn().Err(err).
		Int("attempt", attempt).
		Dur("retry_in", r.redriveDelay).
		Msg("Handler failed, will retry")
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		timer := time.NewTimer(r.redriveDelay)
		defer timer.Stop()
		select {
		case <-r.ctx.Done():
			return
		case <-timer.C:
		}
		_ = r.enqueue(r.ctx, msg, attempt)
	}()
}

// invoke runs the handler, turning a panic into an error.
func (r *Receiver) invoke(ctx context.Context, h Handler, msg ReceiverMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, msg)
}

// recordSource registers the source of a relayed message as RELAYED when we do not
// know it, so later owner lookups resolve.
func (r *Receiver) recordSource(env *Envelope, transmitter string, logger zerolog.Logger) {
	recorder, ok := r.instances.(SourceRecorder)
	if !ok || env.Source == "" || env.Source == transmitter {
		return
	}
	if _, err := recorder.ResolveRelayed(r.ctx, env.Source); err != nil && !errors.Is(err, registry.ErrSelf) {
		logger.Warn().Err(err).Str("source", env.Source).Msg("Failed to record message source")
	}
}

func (r *Receiver) resolve(uri string) *registry.Instance {
	if r.instances != nil && uri != "" {
		if inst, err := r.instances.Get(uri); err == nil {
			return inst
		}
	}
	return &registry.Instance{URI: uri}
}
