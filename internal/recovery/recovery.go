// Package recovery asks peers to send again the messages they sent in a date range,
// for instances restored from a backup or that lost their receiver store.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/replimesh/replimesh/internal/msglog"
	"github.com/replimesh/replimesh/internal/registry"
	"github.com/replimesh/replimesh/internal/replerr"
	"github.com/replimesh/replimesh/internal/replication"
	"github.com/replimesh/replimesh/pkg/proto"
)

// DefaultTypes are the message types replayed for a recover request.
var DefaultTypes = []string{
	replication.TypeEntityUpdate,
	replication.TypeEntityDelete,
	replication.TypeEntityConflict,
	replication.TypeInstanceUpdate,
}

// Sender queues outbound messages and replays logged ones.
type Sender interface {
	Send(msg replication.SenderMessage, targets []string) *replication.Future
	Resend(ctx context.Context, q msglog.Query, receivers []string) (int, error)
}

// Directory is the view of the registry recovery needs.
type Directory interface {
	Self() string
	Registered() []*registry.Instance
	IsRegistered(uri string) bool
}

// Config contains configuration for the recovery manager.
type Config struct {
	Sender    Sender
	Directory Directory
	Answers   *replication.AnswerManager
	Types     []string // replayed types, default DefaultTypes
	Logger    zerolog.Logger
}

// Manager sends recover requests and serves the ones it receives.
type Manager struct {
	sender    Sender
	directory Directory
	answers   *replication.AnswerManager
	types     []string
	logger    zerolog.Logger
}

// Result is the outcome of a recovery.
type Result struct {
	QuestionID string
	Counts     map[string]int // messages resent, per answering instance
	Missing    []string       // instances that did not answer
}

// Total returns the number of messages resent by every instance that answered.
func (r *Result) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// New creates a recovery manager.
func New(config Config) *Manager {
	if len(config.Types) == 0 {
		config.Types = DefaultTypes
	}
	if config.Answers == nil {
		config.Answers = replication.NewAnswerManager(config.Logger)
	}
	return &Manager{
		sender:    config.Sender,
		directory: config.Directory,
		answers:   config.Answers,
		types:     config.Types,
		logger:    config.Logger.With().Str("component", "recovery").Logger(),
	}
}

// Register binds the recover_request and recover_answer handlers.
func (m *Manager) Register(h *replication.Handlers) error {
	if err := h.Register(replication.TypeRecoverRequest, replication.HandlerFunc(m.handleRequest)); err != nil {
		return err
	}
	return h.Register(replication.TypeRecoverAnswer, replication.HandlerFunc(m.handleAnswer))
}

// Recover asks peers to send again what they sent between from and to, both
// inclusive, and waits for every answer or ctx. An empty peers list asks every
// registered instance. On timeout the partial result is returned with the error.
func (m *Manager) Recover(ctx context.Context, from, to time.Time, peers []string) (*Result, error) {
	if to.Before(from) {
		return nil, replerr.Newf("recover", "end %s is before start %s", proto.FormatDate(to), proto.FormatDate(from))
	}
	targets, err := m.targets(peers)
	if err != nil {
		return nil, err
	}

	qid := uuid.NewString()
	result := &Result{QuestionID: qid, Counts: make(map[string]int)}
	if len(targets) == 0 {
		return result, nil
	}

	// ask before sending so no answer can arrive unexpected
	pending := m.answers.Ask(qid, targets)

	msg := replication.NewMessage(replication.RecoverRequest{
		DateMin:    from,
		DateMax:    to,
		QuestionID: qid,
	}, m.directory.Self(), nil)
	msg.Env.Receivers = targets

	if _, err := m.sender.Send(msg, targets).Wait(ctx); err != nil {
		m.answers.Cancel(qid)
		return nil, replerr.New("recover", err)
	}

	m.logger.Info().
		Str("question_id", qid).
		Strs("peers", targets).
		Time("from", from).
		Time("to", to).
		Msg("Recover request sent")

	answers, waitErr := pending.Wait(ctx)
	for _, a := range answers {
		k, err := replication.DecodeRecoverAnswer(&a.Envelope)
		if err != nil {
			m.logger.Warn().Err(err).Str("from", a.From).Msg("Ignoring malformed recover answer")
			continue
		}
		result.Counts[a.From] = k.Count
	}
	result.Missing = pending.Missing()

	if waitErr != nil {
		m.answers.Cancel(qid)
		return result, replerr.New("recover", waitErr)
	}
	m.logger.Info().
		Str("question_id", qid).
		Int("messages", result.Total()).
		Msg("Recovery complete")
	return result, nil
}

func (m *Manager) targets(peers []string) ([]string, error) {
	self := m.directory.Self()
	seen := make(map[string]bool)
	var out []string

	if len(peers) == 0 {
		for _, inst := range m.directory.Registered() {
			if inst.URI != self && !seen[inst.URI] {
				seen[inst.URI] = true
				out = append(out, inst.URI)
			}
		}
		sort.Strings(out)
		return out, nil
	}

	for _, p := range peers {
		uri := proto.NormalizeURI(p)
		if uri == "" || uri == self || seen[uri] {
			continue
		}
		if !m.directory.IsRegistered(uri) {
			return nil, replerr.New("recover", fmt.Errorf("%w: %s is not registered", registry.ErrUnknownInstance, uri))
		}
		seen[uri] = true
		out = append(out, uri)
	}
	return out, nil
}

// handleRequest resends what we logged in the requested range to the requester, then
// answers. The answer is queued behind the resent messages.
func (m *Manager) handleRequest(ctx context.Context, msg replication.ReceiverMessage) error {
	env := msg.Envelope()
	req, err := replication.DecodeRecoverRequest(env)
	if err != nil {
		return err
	}
	requester := env.Source

	count, err := m.sender.Resend(ctx, msglog.Query{
		Types: m.types,
		Since: req.DateMin,
		Until: req.DateMax,
	}, []string{requester})
	if err != nil {
		return err
	}

	answer := replication.NewMessage(replication.RecoverAnswer{
		QuestionID: req.QuestionID,
		Count:      count,
	}, m.directory.Self(), nil)
	answer.Env.Receivers = []string{requester}
	if _, err := m.sender.Send(answer, []string{requester}).Wait(ctx); err != nil {
		return err
	}

	m.logger.Info().
		Str("requester", requester).
		Str("question_id", req.QuestionID).
		Int("messages", count).
		Msg("Served recover request")
	return nil
}

func (m *Manager) handleAnswer(_ context.Context, msg replication.ReceiverMessage) error {
	return m.answers.OnReceive(msg)
}
