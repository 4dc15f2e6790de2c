package replication

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/replimesh/replimesh/internal/events"
	"github.com/replimesh/replimesh/internal/metrics"
	"github.com/replimesh/replimesh/internal/msglog"
	"github.com/replimesh/replimesh/internal/registry"
	"github.com/replimesh/replimesh/internal/replerr"
	"github.com/replimesh/replimesh/pkg/proto"
)

// ErrSenderStopped is returned for messages sent after Stop.
var ErrSenderStopped = errors.New("sender stopped")

// Directory is the view of the instance registry the queues need.
type Directory interface {
	Self() string
	Registered() []*registry.Instance
	IsRegistered(uri string) bool
}

// Transport delivers a message to one destination.
type Transport interface {
	Send(ctx context.Context, destination string, msg SenderMessage) error
}

// MessageLog keeps a copy of sent messages for replay.
type MessageLog interface {
	Record(ctx context.Context, e *msglog.Entry) error
	Find(ctx context.Context, q msglog.Query) ([]*msglog.Entry, error)
}

// SenderConfig contains configuration for the sender.
type SenderConfig struct {
	Store     *SenderStore
	Directory Directory
	Transport Transport
	Log       MessageLog // optional
	Events    *events.Bus
	Metrics   *metrics.ReplicationMetrics
	Logger    zerolog.Logger

	DispatchCapacity    int           // default 1000
	DestinationCapacity int           // default 10000
	Backoff             Backoff       // default 1m doubling to 120m
	ShutdownTimeout     time.Duration // dispatch drain on Stop, default 60s
}

// Future completes once a message was persisted and queued for every destination.
// It does not wait for delivery.
type Future struct {
	done    chan struct{}
	targets []string
	err     error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(targets []string, err error) {
	f.targets = targets
	f.err = err
	close(f.done)
}

// Done is closed when the future completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the message is queued and returns its destinations.
func (f *Future) Wait(ctx context.Context) ([]string, error) {
	select {
	case <-f.done:
		return f.targets, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type dispatchRequest struct {
	msg     SenderMessage
	targets []string
	future  *Future
}

// outbound is a queued delivery. record is nil when persistence failed and the message
// only lives in memory.
type outbound struct {
	msg    SenderMessage
	record *StoredMessage
}

// Sender persists outbound messages once and delivers them to every destination with
// one ordered, retrying queue per destination.
type Sender struct {
	store     *SenderStore
	directory Directory
	transport Transport
	log       MessageLog
	bus       *events.Bus
	metrics   *metrics.ReplicationMetrics
	logger    zerolog.Logger

	destinationCapacity int
	backoff             Backoff
	shutdownTimeout     time.Duration

	dispatch     chan *dispatchRequest
	dispatchDone chan struct{}

	stateMu sync.RWMutex
	started bool
	stopped bool

	destMu       sync.Mutex
	destinations map[string]*destination

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a sender. Call Start before sending.
func NewSender(config SenderConfig) *Sender {
	if config.DispatchCapacity <= 0 {
		config.DispatchCapacity = 1000
	}
	if config.DestinationCapacity <= 0 {
		config.DestinationCapacity = 10000
	}
	if config.Backoff == (Backoff{}) {
		config.Backoff = DefaultBackoff()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 60 * time.Second
	}

	return &Sender{
		store:               config.Store,
		directory:           config.Directory,
		transport:           config.Transport,
		log:                 config.Log,
		bus:                 config.Events,
		metrics:             config.Metrics,
		logger:              config.Logger.With().Str("component", "sender").Logger(),
		destinationCapacity: config.DestinationCapacity,
		backoff:             config.Backoff,
		shutdownTimeout:     config.ShutdownTimeout,
		dispatch:            make(chan *dispatchRequest, config.DispatchCapacity),
		dispatchDone:        make(chan struct{}),
		destinations:        make(map[string]*destination),
	}
}

// Start reloads undelivered messages from the store, refills their destination
// queues and starts the dispatch worker.
func (s *Sender) Start(ctx context.Context) error {
	s.stateMu.Lock()
	if s.started {
		s.stateMu.Unlock()
		return errors.New("sender already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stateMu.Unlock()

	s.logger.Info().Msg("Starting sender")

	pending, err := s.store.Load()
	if err != nil {
		return err
	}
	reloaded := 0
	for _, msg := range pending.Drain() {
		targets := s.store.Targets(msg)
		if len(targets) == 0 {
			// delivered everywhere before the record could be removed
			_ = s.store.Delete(msg)
			continue
		}
		for _, target := range targets {
			s.enqueue(target, &outbound{msg: msg, record: msg})
		}
		reloaded++
	}
	if reloaded > 0 {
		s.logger.Info().Int("messages", reloaded).Msg("Reloaded undelivered messages")
	}

	go s.runDispatchWorker()
	return nil
}

// Stop drains the dispatch queue (bounded by the shutdown timeout) and then stops
// every destination worker. Undelivered messages stay in the store.
func (s *Sender) Stop() error {
	s.stateMu.Lock()
	if !s.started || s.stopped {
		s.stateMu.Unlock()
		return nil
	}
	s.stopped = true
	s.stateMu.Unlock()

	s.logger.Info().Msg("Stopping sender")

	// sentinel: everything queued before it is dispatched first
	select {
	case s.dispatch <- nil:
	case <-time.After(s.shutdownTimeout):
	}

	select {
	case <-s.dispatchDone:
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().Dur("timeout", s.shutdownTimeout).Msg("Dispatch did not drain in time, interrupting")
	}

	s.cancel()
	s.wg.Wait()
	return nil
}

// Send queues msg for delivery. A nil targets list means the message's explicit
// receivers, or every registered instance when it has none.
func (s *Sender) Send(msg SenderMessage, targets []string) *Future {
	f := newFuture()

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if !s.started || s.stopped {
		f.complete(nil, replerr.New("send", ErrSenderStopped))
		return f
	}

	select {
	case s.dispatch <- &dispatchRequest{msg: msg, targets: targets, future: f}:
	case <-s.ctx.Done():
		f.complete(nil, replerr.New("send", ErrSenderStopped))
	}
	return f
}

// Ping wakes the queue of destination if it is waiting to retry.
func (s *Sender) Ping(destination string) {
	destination = proto.NormalizeURI(destination)
	s.destMu.Lock()
	d, ok := s.destinations[destination]
	s.destMu.Unlock()
	if ok {
		d.wakeUp()
	}
}

// QueueLengths returns the number of messages waiting per destination.
func (s *Sender) QueueLengths() map[string]int {
	s.destMu.Lock()
	defer s.destMu.Unlock()
	out := make(map[string]int, len(s.destinations))
	for uri, d := range s.destinations {
		out[uri] = d.pending()
	}
	return out
}

func (s *Sender) runDispatchWorker() {
	defer close(s.dispatchDone)

	for {
		select {
		case <-s.ctx.Done():
			s.failQueued()
			return
		case req := <-s.dispatch:
			if req == nil {
				return
			}
			s.dispatchMessage(req)
		}
	}
}

// failQueued completes the futures of requests that were never dispatched.
func (s *Sender) failQueued() {
	for {
		select {
		case req := <-s.dispatch:
			if req != nil {
				req.future.complete(nil, replerr.New("send", ErrSenderStopped))
			}
		default:
			return
		}
	}
}

func (s *Sender) dispatchMessage(req *dispatchRequest) {
	env := req.msg.Envelope()
	if env.Source == "" {
		env.Source = s.directory.Self()
	}

	targets := s.resolveTargets(env, req.targets)
	if len(targets) == 0 {
		s.logger.Debug().Str("id", env.ID).Str("type", env.Type).Msg("No destination for message")
		req.future.complete(nil, nil)
		return
	}

	item := &outbound{msg: req.msg}
	record, err := s.store.StoreTargets(req.msg, targets)
	if err != nil {
		s.logger.Error().Err(err).
			Str("id", env.ID).
			Str("type", env.Type).
			Msg("Failed to persist message, delivering from memory (lost on restart)")
		// the body is copied now: a relayed source record is deleted once its handler returns
		var body bytes.Buffer
		if werr := req.msg.WriteBody(&body); werr != nil {
			s.logger.Error().Err(werr).Str("id", env.ID).Msg("Failed to buffer message body")
		} else {
			item.msg = &Message{Env: env.Clone(), Body: body.Bytes()}
		}
	} else {
		item.msg = record
		item.record = record
	}

	s.record(req.msg)

	s.bus.Publish(&events.Event{
		Kind:        events.MessageStored,
		MessageID:   env.ID,
		MessageType: env.Type,
		Source:      env.Source,
		Metadata:    env.Metadata,
		Targets:     targets,
	})

	for _, target := range targets {
		s.enqueue(target, item)
	}
	s.metrics.Dispatched()

	s.logger.Debug().
		Str("id", env.ID).
		Str("type", env.Type).
		Strs("targets", targets).
		Msg("Message queued")
	req.future.complete(targets, nil)
}

// resolveTargets returns the destinations of a message, never including ourselves.
func (s *Sender) resolveTargets(env *Envelope, explicit []string) []string {
	self := s.directory.Self()
	seen := make(map[string]bool)
	var out []string
	add := func(uri string) {
		uri = proto.NormalizeURI(uri)
		if uri == "" || uri == self || seen[uri] {
			return
		}
		seen[uri] = true
		out = append(out, uri)
	}

	switch {
	case explicit != nil:
		for _, t := range explicit {
			add(t)
		}
	case len(env.Receivers) > 0:
		for _, r := range env.Receivers {
			if s.directory.IsRegistered(r) {
				add(r)
			}
		}
	default:
		for _, inst := range s.directory.Registered() {
			add(inst.URI)
		}
	}
	return out
}

func (s *Sender) record(msg SenderMessage) {
	if s.log == nil {
		return
	}
	env := msg.Envelope()
	// replays stay out of the log so a later resend of the same range does not repeat them
	if _, ok := env.Metadata.First(KeyResendOf); ok {
		return
	}
	var body bytes.Buffer
	if err := msg.WriteBody(&body); err != nil {
		s.logger.Warn().Err(err).Str("id", env.ID).Msg("Failed to read message for the log")
		return
	}
	entry := &msglog.Entry{
		ID:        env.ID,
		Type:      env.Type,
		Source:    env.Source,
		Date:      env.Date,
		Receivers: env.Receivers,
		Metadata:  env.Metadata.Clone(),
		Body:      body.Bytes(),
	}
	if err := s.log.Record(s.ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("id", env.ID).Msg("Failed to log message")
	}
}

// Resend replays logged messages matching q through the normal pipeline. Each replay
// gets a fresh id and a resend-of reference to the original. receivers, when not nil,
// overrides the destinations. It returns the number of messages queued.
func (s *Sender) Resend(ctx context.Context, q msglog.Query, receivers []string) (int, error) {
	if s.log == nil {
		return 0, replerr.Newf("resend", "no message log configured")
	}
	entries, err := s.log.Find(ctx, q)
	if err != nil {
		return 0, replerr.New("resend", err)
	}

	futures := make([]*Future, 0, len(entries))
	for _, e := range entries {
		env := NewEnvelope(e.Type, e.Source)
		env.Date = e.Date
		env.Receivers = e.Receivers
		env.Metadata = Metadata(e.Metadata).Clone()
		env.Metadata.Set(KeyResendOf, e.ID)
		futures = append(futures, s.Send(&Message{Env: env, Body: e.Body}, receivers))
	}

	queued := 0
	for _, f := range futures {
		targets, err := f.Wait(ctx)
		if err != nil {
			return queued, err
		}
		if len(targets) > 0 {
			queued++
		}
	}
	s.logger.Info().Int("messages", queued).Msg("Resent logged messages")
	return queued, nil
}

// destinationFor returns the queue of uri, creating and starting it on first use.
func (s *Sender) destinationFor(uri string) *destination {
	s.destMu.Lock()
	defer s.destMu.Unlock()

	if d, ok := s.destinations[uri]; ok {
		return d
	}
	d := newDestination(s, uri)
	s.destinations[uri] = d
	s.wg.Add(1)
	go d.run(s.ctx)
	return d
}

func (s *Sender) enqueue(target string, item *outbound) {
	d := s.destinationFor(target)
	if !d.push(item) {
		s.logger.Error().
			Str("destination", target).
			Str("id", item.msg.Envelope().ID).
			Msg("Destination queue full, message kept in store until next start")
	}
}

// delivered removes target from the persisted target set of item.
func (s *Sender) delivered(item *outbound, target string) {
	if item.record == nil {
		return
	}
	if _, err := s.store.RemoveTarget(item.record, target); err != nil {
		s.logger.Error().Err(err).
			Str("destination", target).
			Str("id", item.record.env.ID).
			Msg("Failed to update delivery state")
	}
}
