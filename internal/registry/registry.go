package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/replimesh/replimesh/internal/events"
	"github.com/replimesh/replimesh/internal/logging/audit"
	"github.com/replimesh/replimesh/internal/metrics"
	"github.com/replimesh/replimesh/internal/replerr"
	"github.com/replimesh/replimesh/internal/trust"
	"github.com/replimesh/replimesh/pkg/proto"
)

// Keys is the per-peer key pair store.
type Keys interface {
	PublicKey(peer string) (string, error)
	Rotate(peer string, announce func(old *trust.KeyPair, newPublic string) error) error
	Forget(peer string) error
}

// PeerClient performs the handshake calls against a peer.
type PeerClient interface {
	Register(ctx context.Context, peer, receiveKey, requestKey string) (proto.RegisterStatus, *proto.RegisterResponse, error)
	Unregister(ctx context.Context, peer string) error
	UpdateKey(ctx context.Context, peer string, old *trust.KeyPair, newReceiveKey string) error
}

// Options configures a Registry.
type Options struct {
	SelfURI  string
	SelfName string
	Store    Store
	Keys     Keys
	Client   PeerClient
	Events   *events.Bus
	Audit    *audit.Logger
	Metrics  *metrics.ReplicationMetrics
	Logger   zerolog.Logger
}

// Registry tracks peer instances and drives the link handshake. Reads are concurrent,
// mutations are serialized and written through to the Store. Remote calls are made
// without holding the lock; the state is re-checked when they return.
type Registry struct {
	self    string
	name    string
	store   Store
	keys    Keys
	client  PeerClient
	bus     *events.Bus
	audit   *audit.Logger
	metrics *metrics.ReplicationMetrics
	logger  zerolog.Logger

	mu        sync.RWMutex
	instances map[string]*Instance
}

// New creates a registry and loads the persisted instances.
func New(ctx context.Context, opts Options) (*Registry, error) {
	if opts.SelfURI == "" {
		return nil, errors.New("registry: self URI is required")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}

	r := &Registry{
		self:      proto.NormalizeURI(opts.SelfURI),
		name:      opts.SelfName,
		store:     opts.Store,
		keys:      opts.Keys,
		client:    opts.Client,
		bus:       opts.Events,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With().Str("component", "registry").Logger(),
		instances: make(map[string]*Instance),
	}

	loaded, err := opts.Store.LoadAll(ctx)
	if err != nil {
		return nil, replerr.New("load instances", err)
	}
	for _, inst := range loaded {
		r.instances[inst.URI] = inst
	}
	r.updateMetricsLocked()

	r.logger.Info().Int("instances", len(loaded)).Str("self", r.self).Msg("registry loaded")
	return r, nil
}

// SetClient sets the transport used for handshake calls.
func (r *Registry) SetClient(c PeerClient) {
	r.mu.Lock()
	r.client = c
	r.mu.Unlock()
}

// Self returns the URI of the local instance.
func (r *Registry) Self() string { return r.self }

// SelfName returns the display name of the local instance.
func (r *Registry) SelfName() string { return r.name }

// IsSelf reports whether uri designates the local instance.
func (r *Registry) IsSelf(uri string) bool {
	return proto.NormalizeURI(uri) == r.self
}

// Get returns a copy of the instance for uri.
func (r *Registry) Get(uri string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[proto.NormalizeURI(uri)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, uri)
	}
	return inst.Clone(), nil
}

// GetByName returns the first instance with the given display name.
func (r *Registry) GetByName(name string) (*Instance, error) {
	for _, inst := range r.All() {
		if inst.Name == name {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: name %q", ErrUnknownInstance, name)
}

// FindByProperty returns instances whose property key equals value.
func (r *Registry) FindByProperty(key, value string) []*Instance {
	var out []*Instance
	for _, inst := range r.All() {
		if inst.Property(key) == value {
			out = append(out, inst)
		}
	}
	return out
}

// All returns every known instance sorted by URI.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// Registered returns the instances the link handshake completed with.
func (r *Registry) Registered() []*Instance {
	var out []*Instance
	for _, inst := range r.All() {
		if inst.Status == StatusRegistered {
			out = append(out, inst)
		}
	}
	return out
}

// IsRegistered reports whether uri is a registered peer.
func (r *Registry) IsRegistered(uri string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[proto.NormalizeURI(uri)]
	return ok && inst.Status == StatusRegistered
}

// Register asks the peer at uri to link with us. If the peer had already asked us,
// this is an Accept.
func (r *Registry) Register(ctx context.Context, uri string) (*Instance, error) {
	uri = proto.NormalizeURI(uri)
	if r.IsSelf(uri) {
		return nil, replerr.New("register", ErrSelf)
	}

	r.mu.Lock()
	current, known := r.instances[uri]
	if known {
		switch current.Status {
		case StatusRequested:
			r.mu.Unlock()
			return r.Accept(ctx, uri)
		case StatusRegistered:
			r.mu.Unlock()
			return current.Clone(), nil
		}
	}

	inst := &Instance{URI: uri, Status: StatusRequesting, Properties: map[string]string{}}
	if known {
		inst = current.Clone()
		inst.Status = StatusRequesting
		inst.ReceiveKey = ""
	}
	previous := statusOf(current)
	if err := r.saveLocked(ctx, inst); err != nil {
		r.mu.Unlock()
		return nil, replerr.New("register", err)
	}
	r.mu.Unlock()
	r.changed(inst, previous, "register", "local")

	return r.callRegister(ctx, uri, "register")
}

// Accept completes a link the peer at uri requested.
func (r *Registry) Accept(ctx context.Context, uri string) (*Instance, error) {
	uri = proto.NormalizeURI(uri)
	inst, err := r.Get(uri)
	if err != nil {
		return nil, replerr.New("accept", err)
	}
	if inst.Status != StatusRequested {
		return nil, replerr.Newf("accept", "%w: %s is %s", ErrInvalidState, uri, inst.Status)
	}
	return r.callRegister(ctx, uri, "accept")
}

// callRegister sends our register call and applies the answer.
func (r *Registry) callRegister(ctx context.Context, uri, action string) (*Instance, error) {
	client, err := r.peerClient()
	if err != nil {
		return nil, replerr.New(action, err)
	}
	ourKey, err := r.keys.PublicKey(uri)
	if err != nil {
		return nil, replerr.New(action, err)
	}
	requestKey := ""
	if inst, err := r.Get(uri); err == nil {
		requestKey = inst.ReceiveKey
	}

	status, resp, err := client.Register(ctx, uri, ourKey, requestKey)
	if err != nil {
		return nil, replerr.New(action, err)
	}

	r.logger.Info().Str("instance", uri).Str("answer", status.String()).Msg("register answered")

	if status != proto.RegisterComplete {
		return r.awaitPeer(ctx, uri, action)
	}

	r.mu.Lock()
	current, ok := r.instances[uri]
	if !ok || (current.Status != StatusRequesting && current.Status != StatusRequested && current.Status != StatusRegistered) {
		r.mu.Unlock()
		return nil, replerr.Newf(action, "%w: %s changed state during handshake", ErrInvalidState, uri)
	}
	previous := current.Status
	inst := current.Clone()
	inst.Status = StatusRegistered
	if resp != nil {
		if resp.RequestKey != "" {
			inst.ReceiveKey = resp.RequestKey
		}
		if resp.Name != "" {
			inst.Name = resp.Name
		}
	}
	if err := r.saveLocked(ctx, inst); err != nil {
		r.mu.Unlock()
		return nil, replerr.New(action, err)
	}
	r.mu.Unlock()

	r.changed(inst, previous, action, "local")
	return inst.Clone(), nil
}

// awaitPeer records that our request is pending on the peer. An accept answered with a
// new request means the peer lost our original request, so we are now the requester.
func (r *Registry) awaitPeer(ctx context.Context, uri, action string) (*Instance, error) {
	r.mu.Lock()
	current, ok := r.instances[uri]
	if !ok {
		r.mu.Unlock()
		return nil, replerr.New(action, fmt.Errorf("%w: %s", ErrUnknownInstance, uri))
	}
	if current.Status != StatusRequested {
		r.mu.Unlock()
		return current.Clone(), nil
	}
	inst := current.Clone()
	inst.Status = StatusRequesting
	if err := r.saveLocked(ctx, inst); err != nil {
		r.mu.Unlock()
		return nil, replerr.New(action, err)
	}
	r.mu.Unlock()

	r.changed(inst, StatusRequested, action, "local")
	return inst.Clone(), nil
}

// Decline rejects a link the peer at uri requested and forgets it.
func (r *Registry) Decline(ctx context.Context, uri string) error {
	return r.drop(ctx, proto.NormalizeURI(uri), StatusRequested, "decline")
}

// Cancel withdraws our own pending link request to uri.
func (r *Registry) Cancel(ctx context.Context, uri string) error {
	return r.drop(ctx, proto.NormalizeURI(uri), StatusRequesting, "cancel")
}

func (r *Registry) drop(ctx context.Context, uri string, want Status, action string) error {
	r.mu.Lock()
	current, ok := r.instances[uri]
	if !ok {
		r.mu.Unlock()
		return replerr.New(action, fmt.Errorf("%w: %s", ErrUnknownInstance, uri))
	}
	if current.Status != want {
		r.mu.Unlock()
		return replerr.Newf(action, "%w: %s is %s", ErrInvalidState, uri, current.Status)
	}
	if err := r.deleteLocked(ctx, uri); err != nil {
		r.mu.Unlock()
		return replerr.New(action, err)
	}
	r.mu.Unlock()

	r.removed(current, action, "local")
	r.notifyPeer(ctx, uri, action)
	r.forgetKey(uri)
	return nil
}

// Unregister ends a completed link. The instance is kept as RELAYED so historical
// references to it still resolve.
func (r *Registry) Unregister(ctx context.Context, uri string) error {
	uri = proto.NormalizeURI(uri)
	inst, err := r.Get(uri)
	if err != nil {
		return replerr.New("unregister", err)
	}
	if inst.Status != StatusRegistered {
		return replerr.Newf("unregister", "%w: %s is %s", ErrInvalidState, uri, inst.Status)
	}

	// The call is signed with our current key, so tell the peer before forgetting it.
	r.notifyPeer(ctx, uri, "unregister")

	if err := r.downgrade(ctx, uri, "unregister", "local"); err != nil {
		return replerr.New("unregister", err)
	}
	return nil
}

// ResetSendKey rotates the key pair we sign calls to uri with. The announcement is
// signed with the old key; the new key is only used once the peer accepted it.
func (r *Registry) ResetSendKey(ctx context.Context, uri string) error {
	uri = proto.NormalizeURI(uri)
	inst, err := r.Get(uri)
	if err != nil {
		return replerr.New("reset send key", err)
	}
	if inst.Status != StatusRegistered {
		return replerr.Newf("reset send key", "%w: %s is %s", ErrInvalidState, uri, inst.Status)
	}
	client, err := r.peerClient()
	if err != nil {
		return replerr.New("reset send key", err)
	}

	var newPublic string
	err = r.keys.Rotate(uri, func(old *trust.KeyPair, next string) error {
		newPublic = next
		return client.UpdateKey(ctx, uri, old, next)
	})
	if err != nil {
		return replerr.New("reset send key", err)
	}

	r.audit.LogKey(uri, "rotate", fingerprint(newPublic))
	r.logger.Info().Str("instance", uri).Msg("send key rotated")
	return nil
}

// ResolveRelayed returns the instance for uri, recording it as RELAYED if it was
// unknown. Used for the provenance of relayed messages.
func (r *Registry) ResolveRelayed(ctx context.Context, uri string) (*Instance, error) {
	uri = proto.NormalizeURI(uri)
	if uri == "" {
		return nil, replerr.Newf("resolve relayed", "empty instance uri")
	}
	if r.IsSelf(uri) {
		return nil, replerr.New("resolve relayed", ErrSelf)
	}
	r.mu.Lock()
	if inst, ok := r.instances[uri]; ok {
		r.mu.Unlock()
		return inst.Clone(), nil
	}
	inst := &Instance{URI: uri, Status: StatusRelayed, Properties: map[string]string{}}
	if err := r.saveLocked(ctx, inst); err != nil {
		r.mu.Unlock()
		return nil, replerr.New("resolve relayed", err)
	}
	r.mu.Unlock()

	r.changed(inst, "", "relayed", "remote")
	return inst.Clone(), nil
}

// Update applies an instance_update sent by the instance itself.
func (r *Registry) Update(ctx context.Context, uri, name string, props map[string]string) error {
	uri = proto.NormalizeURI(uri)
	r.mu.Lock()
	current, ok := r.instances[uri]
	if !ok {
		r.mu.Unlock()
		return replerr.New("update instance", fmt.Errorf("%w: %s", ErrUnknownInstance, uri))
	}
	inst := current.Clone()
	if name != "" {
		inst.Name = name
	}
	if props != nil {
		inst.Properties = normalizeProperties(props)
	}
	err := r.saveLocked(ctx, inst)
	r.mu.Unlock()
	if err != nil {
		return replerr.New("update instance", err)
	}
	return nil
}

// HandleRegister applies a register call received from the peer at uri and returns the
// answer to send back. requestKey is the receive key the caller holds for us, if any.
// Register calls are not signed, so a call only completes our pending request when
// requestKey is the key we sent with it, and it never changes the key of a registered
// instance; keys of registered instances change through updatekey only.
func (r *Registry) HandleRegister(ctx context.Context, uri, name, receiveKey, requestKey string) (proto.RegisterStatus, *proto.RegisterResponse, error) {
	uri = proto.NormalizeURI(uri)
	if uri == "" {
		return 0, nil, replerr.Invalid("", "register without %s", proto.ParamURI)
	}
	if r.IsSelf(uri) {
		return 0, nil, replerr.New("handle register", ErrSelf)
	}
	if receiveKey != "" {
		if _, err := trust.DecodeED25519PublicKey(receiveKey); err != nil {
			return 0, nil, replerr.Invalid("", "register from %s with bad receive key: %v", uri, err)
		}
	}

	r.mu.Lock()
	current, known := r.instances[uri]
	previous := statusOf(current)

	if known && current.Status == StatusRegistered {
		r.mu.Unlock()
		return r.answerRegistered(uri, requestKey)
	}

	inst := &Instance{URI: uri, Properties: map[string]string{}}
	if known {
		inst = current.Clone()
	}
	var status proto.RegisterStatus
	switch {
	case !known || current.Status == StatusRelayed:
		inst.Status = StatusRequested
		status = proto.RegisterNewRequest
	case current.Status == StatusRequested:
		status = proto.RegisterAlreadyRequested
	case requestKey == "":
		// our request never reached the peer; this is its own request
		inst.Status = StatusRequested
		status = proto.RegisterNewRequest
	default:
		ourKey, err := r.keys.PublicKey(uri)
		if err != nil {
			r.mu.Unlock()
			return 0, nil, replerr.New("handle register", err)
		}
		if requestKey != ourKey || receiveKey == "" {
			r.mu.Unlock()
			return 0, nil, replerr.Invalid("", "register from %s does not answer our request", uri)
		}
		inst.Status = StatusRegistered
		status = proto.RegisterComplete
	}
	inst.ReceiveKey = receiveKey
	if name != "" {
		inst.Name = name
	}
	if err := r.saveLocked(ctx, inst); err != nil {
		r.mu.Unlock()
		return 0, nil, replerr.New("handle register", err)
	}
	r.mu.Unlock()

	action := "register"
	if status == proto.RegisterComplete {
		action = "accept"
	}
	if previous != inst.Status {
		r.changed(inst, previous, action, "remote")
	}

	if status != proto.RegisterComplete {
		return status, nil, nil
	}
	ourKey, err := r.keys.PublicKey(uri)
	if err != nil {
		return 0, nil, replerr.New("handle register", err)
	}
	return status, &proto.RegisterResponse{Name: r.name, RequestKey: ourKey}, nil
}

// answerRegistered answers a register call from an instance we are already linked with.
// Nothing is stored; our key is only repeated to a caller that already holds it.
func (r *Registry) answerRegistered(uri, requestKey string) (proto.RegisterStatus, *proto.RegisterResponse, error) {
	answer := &proto.RegisterResponse{Name: r.name}
	ourKey, err := r.keys.PublicKey(uri)
	if err != nil {
		return 0, nil, replerr.New("handle register", err)
	}
	if requestKey == ourKey {
		answer.RequestKey = ourKey
	}
	return proto.RegisterComplete, answer, nil
}

// HandleUnregister applies an unregister call received from the peer at uri.
func (r *Registry) HandleUnregister(ctx context.Context, uri string) error {
	uri = proto.NormalizeURI(uri)
	r.mu.Lock()
	current, ok := r.instances[uri]
	if !ok || current.Status == StatusRelayed {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownInstance, uri)
	}
	status := current.Status
	r.mu.Unlock()

	if status == StatusRegistered {
		return r.downgrade(ctx, uri, "unregister", "remote")
	}

	r.mu.Lock()
	err := r.deleteLocked(ctx, uri)
	r.mu.Unlock()
	if err != nil {
		return replerr.New("handle unregister", err)
	}
	r.removed(current, "unregister", "remote")
	r.forgetKey(uri)
	return nil
}

// HandleUpdateKey installs the new receive key announced by a registered peer. The
// caller must already have verified the announcement against the old key.
func (r *Registry) HandleUpdateKey(ctx context.Context, uri, newReceiveKey string) error {
	uri = proto.NormalizeURI(uri)
	if _, err := trust.DecodeED25519PublicKey(newReceiveKey); err != nil {
		return replerr.Invalid("", "key update from %s with bad key: %v", uri, err)
	}

	r.mu.Lock()
	current, ok := r.instances[uri]
	if !ok || current.Status != StatusRegistered {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownInstance, uri)
	}
	inst := current.Clone()
	inst.ReceiveKey = newReceiveKey
	err := r.saveLocked(ctx, inst)
	r.mu.Unlock()
	if err != nil {
		return replerr.New("handle update key", err)
	}

	r.audit.LogKey(uri, "update", fingerprint(newReceiveKey))
	r.bus.Publish(&events.Event{
		Kind:     events.InstanceChanged,
		Instance: uri,
		Status:   string(inst.Status),
	})
	return nil
}

// Verify authenticates a signed call claiming to come from uri and returns the caller.
// Instances without a receive key are accepted unsigned.
func (r *Registry) Verify(uri, key, signedKey string) (*Instance, error) {
	inst, err := r.Get(uri)
	if err != nil {
		return nil, err
	}
	if inst.ReceiveKey == "" {
		return inst, nil
	}
	if err := trust.VerifySignedKey(inst.ReceiveKey, inst.URI, r.self, key, signedKey); err != nil {
		return nil, replerr.Invalid("", "call from %s: %v", inst.URI, err)
	}
	return inst, nil
}

func (r *Registry) downgrade(ctx context.Context, uri, action, initiator string) error {
	r.mu.Lock()
	current, ok := r.instances[uri]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownInstance, uri)
	}
	inst := current.Clone()
	inst.Status = StatusRelayed
	inst.ReceiveKey = ""
	if err := r.saveLocked(ctx, inst); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	r.changed(inst, current.Status, action, initiator)
	r.forgetKey(uri)
	return nil
}

func (r *Registry) notifyPeer(ctx context.Context, uri, action string) {
	client, err := r.peerClient()
	if err != nil {
		return
	}
	if err := client.Unregister(ctx, uri); err != nil {
		r.logger.Warn().Err(err).Str("instance", uri).Str("action", action).Msg("could not notify peer")
	}
}

func (r *Registry) forgetKey(uri string) {
	if r.keys == nil {
		return
	}
	if err := r.keys.Forget(uri); err != nil {
		r.logger.Warn().Err(err).Str("instance", uri).Msg("could not remove key pair")
	}
}

func (r *Registry) peerClient() (PeerClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return nil, errors.New("no transport client configured")
	}
	return r.client, nil
}

// saveLocked persists inst and installs it. Callers hold r.mu.
func (r *Registry) saveLocked(ctx context.Context, inst *Instance) error {
	inst.UpdatedAt = time.Now().UTC()
	if inst.Properties == nil {
		inst.Properties = map[string]string{}
	}
	if err := r.store.Save(ctx, inst); err != nil {
		return err
	}
	r.instances[inst.URI] = inst
	r.updateMetricsLocked()
	return nil
}

func (r *Registry) deleteLocked(ctx context.Context, uri string) error {
	if err := r.store.Delete(ctx, uri); err != nil {
		return err
	}
	delete(r.instances, uri)
	r.updateMetricsLocked()
	return nil
}

func (r *Registry) updateMetricsLocked() {
	if r.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, inst := range r.instances {
		counts[string(inst.Status)]++
	}
	r.metrics.SetInstances(counts)
}

func (r *Registry) changed(inst *Instance, previous Status, action, initiator string) {
	r.audit.LogTrust(inst.URI, action, string(previous), string(inst.Status), initiator)
	r.bus.Publish(&events.Event{
		Kind:           events.InstanceChanged,
		Instance:       inst.URI,
		Status:         string(inst.Status),
		PreviousStatus: string(previous),
	})
}

func (r *Registry) removed(inst *Instance, action, initiator string) {
	r.audit.LogTrust(inst.URI, action, string(inst.Status), "", initiator)
	r.bus.Publish(&events.Event{
		Kind:           events.InstanceChanged,
		Instance:       inst.URI,
		PreviousStatus: string(inst.Status),
	})
}

func statusOf(inst *Instance) Status {
	if inst == nil {
		return ""
	}
	return inst.Status
}

func fingerprint(publicKey string) string {
	key, err := trust.DecodePublicKey(publicKey)
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(key)
}
