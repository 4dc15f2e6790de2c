package content

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/replimesh/replimesh/internal/replication"
	"github.com/replimesh/replimesh/pkg/proto"
)

// Relayer forwards received messages to further instances.
type Relayer interface {
	Relay(msg replication.ReceiverMessage, targets []string, metadata replication.Metadata) *replication.Future
}

// HandlerConfig contains configuration for the entity handlers.
type HandlerConfig struct {
	Self      string
	Store     *Store
	Resolver  Resolver
	Relayer   Relayer
	Publisher *Publisher
	Logger    zerolog.Logger
}

// Handlers applies replicated entity messages to the store and relays them to the
// targets of the entity that did not receive them yet.
type Handlers struct {
	self      string
	store     *Store
	resolver  Resolver
	relayer   Relayer
	publisher *Publisher
	logger    zerolog.Logger
}

// NewHandlers creates the entity handlers.
func NewHandlers(config HandlerConfig) *Handlers {
	return &Handlers{
		self:      proto.NormalizeURI(config.Self),
		store:     config.Store,
		resolver:  config.Resolver,
		relayer:   config.Relayer,
		publisher: config.Publisher,
		logger:    config.Logger.With().Str("component", "content-handlers").Logger(),
	}
}

// Register binds the entity message types.
func (h *Handlers) Register(r *replication.Handlers) error {
	for msgType, fn := range map[string]replication.HandlerFunc{
		replication.TypeEntityUpdate:   h.handleUpdate,
		replication.TypeEntityDelete:   h.handleDelete,
		replication.TypeEntityConflict: h.handleConflict,
		replication.TypeEntityRepair:   h.handleRepair,
	} {
		if err := r.Register(msgType, fn); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) handleUpdate(ctx context.Context, msg replication.ReceiverMessage) error {
	env := msg.Envelope()
	k, err := replication.DecodeEntityUpdate(env)
	if err != nil {
		return err
	}

	change := Change{
		MessageID:       env.ID,
		Entity:          k.Entity,
		Owner:           k.Owner,
		Version:         k.Version,
		PreviousVersion: k.PreviousVersion,
		Reference:       k.Level == replication.LevelReference,
		Date:            env.Date,
	}
	if !change.Reference {
		body, err := msg.Open()
		if err != nil {
			return err
		}
		defer func() { _ = body.Close() }()
		change.Body = body
	}

	res, err := h.store.Apply(change)
	if err != nil {
		return err
	}
	if res.Duplicate {
		h.logger.Debug().Str("id", env.ID).Msg("Update already applied")
		return nil
	}
	if res.Conflict {
		h.logger.Warn().
			Str("entity", k.Entity).
			Str("version", k.Version).
			Str("source", env.Source).
			Msg("Conflicting update, entity flagged")
	}

	full, reference := split(h.resolver.Targets(k.Entity))
	if change.Reference {
		return h.relay(ctx, msg, reference)
	}
	if err := h.relay(ctx, msg, full); err != nil {
		return err
	}
	// reference peers never see the body; announce the version to them instead
	reference = replication.RelayedInstances(h.self, msg, reference)
	if len(reference) == 0 || h.publisher == nil {
		return nil
	}
	return h.publisher.publishUpdate(ctx, *k, nil, nil, reference)
}

func (h *Handlers) handleDelete(ctx context.Context, msg replication.ReceiverMessage) error {
	env := msg.Envelope()
	k, err := replication.DecodeEntityDelete(env)
	if err != nil {
		return err
	}
	res, err := h.store.Delete(env.ID, k.Entity, k.Versions)
	if err != nil || res.Duplicate {
		return err
	}
	return h.relay(ctx, msg, uris(h.resolver.Targets(k.Entity)))
}

func (h *Handlers) handleConflict(ctx context.Context, msg replication.ReceiverMessage) error {
	env := msg.Envelope()
	k, err := replication.DecodeEntityConflict(env)
	if err != nil {
		return err
	}
	res, err := h.store.SetConflict(env.ID, k.Entity, k.Conflict)
	if errors.Is(err, ErrNotFound) {
		h.logger.Debug().Str("entity", k.Entity).Msg("Conflict flag for unknown entity ignored")
		return nil
	}
	if err != nil || res.Duplicate {
		return err
	}
	return h.relay(ctx, msg, uris(h.resolver.Targets(k.Entity)))
}

func (h *Handlers) handleRepair(ctx context.Context, msg replication.ReceiverMessage) error {
	env := msg.Envelope()
	k, err := replication.DecodeEntityRepairRequest(env)
	if err != nil {
		return err
	}
	if owner := h.resolver.Owner(k.Entity); owner != h.self {
		h.logger.Warn().
			Str("entity", k.Entity).
			Str("owner", owner).
			Str("requester", env.Source).
			Msg("Repair requested from an instance that does not own the entity")
		return nil
	}
	if h.publisher == nil {
		return nil
	}
	_, err = h.publisher.Repair(ctx, k.Entity, k.Versions, env.Source)
	if errors.Is(err, ErrNotFound) {
		h.logger.Warn().Str("entity", k.Entity).Msg("Repair requested for unknown entity")
		return nil
	}
	return err
}

// relay forwards msg to the candidates that did not already get it.
func (h *Handlers) relay(ctx context.Context, msg replication.ReceiverMessage, candidates []string) error {
	if h.relayer == nil {
		return nil
	}
	targets := replication.RelayedInstances(h.self, msg, candidates)
	if len(targets) == 0 {
		return nil
	}
	_, err := h.relayer.Relay(msg, targets, nil).Wait(ctx)
	return err
}

func uris(targets []Target) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.URI)
	}
	return out
}
