package content

import (
	"bytes"
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/replimesh/replimesh/internal/replerr"
	"github.com/replimesh/replimesh/internal/replication"
	"github.com/replimesh/replimesh/pkg/proto"
)

// Sender queues outbound messages.
type Sender interface {
	Send(msg replication.SenderMessage, targets []string) *replication.Future
}

// Publisher applies local changes to the store and replicates them to the targets
// the resolver lists.
type Publisher struct {
	self     string
	store    *Store
	resolver Resolver
	sender   Sender
	logger   zerolog.Logger
}

// NewPublisher creates a publisher for the local instance self.
func NewPublisher(self string, store *Store, resolver Resolver, sender Sender, logger zerolog.Logger) *Publisher {
	return &Publisher{
		self:     proto.NormalizeURI(self),
		store:    store,
		resolver: resolver,
		sender:   sender,
		logger:   logger.With().Str("component", "publisher").Logger(),
	}
}

// Update stores a new version of entity and replicates it. Reference targets get an
// update without body.
func (p *Publisher) Update(ctx context.Context, entity, version string, body []byte) error {
	owner := p.resolver.Owner(entity)
	previous := ""
	if e, err := p.store.Get(entity); err == nil {
		if latest, ok := e.Latest(); ok && latest.Version != version {
			previous = latest.Version
		}
		if e.Owner != "" {
			owner = e.Owner
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if _, err := p.store.Apply(Change{
		Entity:          entity,
		Owner:           owner,
		Version:         version,
		PreviousVersion: previous,
		Body:            bytes.NewReader(body),
	}); err != nil {
		return err
	}

	update := replication.EntityUpdate{
		Entity:          entity,
		Owner:           owner,
		Version:         version,
		PreviousVersion: previous,
	}
	full, reference := split(p.resolver.Targets(entity))
	return p.publishUpdate(ctx, update, body, full, reference)
}

func (p *Publisher) publishUpdate(ctx context.Context, update replication.EntityUpdate, body []byte, full, reference []string) error {
	if len(full) > 0 {
		update.Level = replication.LevelFull
		if err := p.send(ctx, replication.NewMessage(update, p.self, body), full); err != nil {
			return err
		}
	}
	if len(reference) > 0 {
		update.Level = replication.LevelReference
		update.Complete = false
		if err := p.send(ctx, replication.NewMessage(update, p.self, nil), reference); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes versions of entity, or all of it, and replicates the deletion.
func (p *Publisher) Delete(ctx context.Context, entity string, versions []string) error {
	owner := p.resolver.Owner(entity)
	if _, err := p.store.Delete("", entity, versions); err != nil {
		return err
	}
	msg := replication.NewMessage(replication.EntityDelete{Entity: entity, Owner: owner, Versions: versions}, p.self, nil)
	return p.sendToAll(ctx, msg, entity)
}

// SetConflict flags or clears a conflict on entity and tells its targets.
func (p *Publisher) SetConflict(ctx context.Context, entity string, conflict bool) error {
	if _, err := p.store.SetConflict("", entity, conflict); err != nil {
		return err
	}
	msg := replication.NewMessage(replication.EntityConflict{Entity: entity, Conflict: conflict}, p.self, nil)
	return p.sendToAll(ctx, msg, entity)
}

// RequestRepair asks the owner of entity to send the given versions again, or every
// version when none are given.
func (p *Publisher) RequestRepair(ctx context.Context, entity string, versions []string) error {
	owner := p.resolver.Owner(entity)
	if owner == p.self {
		return replerr.Newf("request repair", "%s is owned locally", entity)
	}
	msg := replication.NewMessage(replication.EntityRepairRequest{Entity: entity, Versions: versions}, p.self, nil)
	return p.send(ctx, msg, []string{owner})
}

// Repair sends stored versions of entity to requester. Every version is sent when
// versions is empty. Unknown versions are skipped.
func (p *Publisher) Repair(ctx context.Context, entity string, versions []string, requester string) (int, error) {
	e, err := p.store.Get(entity)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		for _, v := range e.Versions {
			versions = append(versions, v.Version)
		}
	}

	sent := 0
	previous := ""
	for _, v := range e.Versions {
		if !contains(versions, v.Version) || v.Reference {
			previous = v.Version
			continue
		}
		body, err := p.store.Read(entity, v.Version)
		if err != nil {
			return sent, err
		}
		update := replication.EntityUpdate{
			Entity:          entity,
			Owner:           e.Owner,
			Version:         v.Version,
			PreviousVersion: previous,
			Level:           replication.LevelFull,
			Complete:        len(versions) == len(e.Versions),
		}
		msg := replication.NewMessage(update, p.self, body)
		msg.Env.Date = v.Date
		if err := p.send(ctx, msg, []string{requester}); err != nil {
			return sent, err
		}
		previous = v.Version
		sent++
	}
	p.logger.Info().
		Str("entity", entity).
		Str("requester", requester).
		Int("versions", sent).
		Msg("Repair sent")
	return sent, nil
}

func (p *Publisher) sendToAll(ctx context.Context, msg *replication.Message, entity string) error {
	var targets []string
	for _, t := range p.resolver.Targets(entity) {
		targets = append(targets, t.URI)
	}
	if len(targets) == 0 {
		return nil
	}
	return p.send(ctx, msg, targets)
}

func (p *Publisher) send(ctx context.Context, msg *replication.Message, targets []string) error {
	msg.Env.Receivers = targets
	queued, err := p.sender.Send(msg, targets).Wait(ctx)
	if err != nil {
		return err
	}
	p.logger.Debug().
		Str("id", msg.Env.ID).
		Str("type", msg.Env.Type).
		Strs("targets", queued).
		Msg("Change published")
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
