package replication

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/replimesh/replimesh/internal/replerr"
	"github.com/replimesh/replimesh/pkg/proto"
)

// ErrQuestionCancelled completes a pending question that was cancelled.
var ErrQuestionCancelled = errors.New("question cancelled")

// Answer is one reply to a question.
type Answer struct {
	From     string
	Envelope Envelope
	Body     []byte
}

// Pending is an open question. It completes once every expected instance answered.
type Pending struct {
	questionID string

	mu       sync.Mutex
	expected map[string]bool
	answers  []*Answer
	err      error
	done     chan struct{}
}

// QuestionID returns the correlation id.
func (p *Pending) QuestionID() string { return p.questionID }

// Done is closed once the question completed or was cancelled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until all answers arrived, the question was cancelled or ctx ended.
func (p *Pending) Wait(ctx context.Context) ([]*Answer, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return append([]*Answer(nil), p.answers...), p.err
	case <-ctx.Done():
		return p.Answers(), ctx.Err()
	}
}

// Answers returns the answers received so far.
func (p *Pending) Answers() []*Answer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Answer(nil), p.answers...)
}

// Missing returns the instances that have not answered yet, sorted.
func (p *Pending) Missing() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.expected))
	for uri := range p.expected {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

// AnswerManager correlates answers with the questions this instance asked.
type AnswerManager struct {
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*Pending
}

// NewAnswerManager creates an answer manager.
func NewAnswerManager(logger zerolog.Logger) *AnswerManager {
	return &AnswerManager{
		logger:  logger.With().Str("component", "answers").Logger(),
		pending: make(map[string]*Pending),
	}
}

// Ask opens questionID expecting one answer from each of expected. With nothing
// expected the question is complete at once.
func (m *AnswerManager) Ask(questionID string, expected []string) *Pending {
	p := &Pending{
		questionID: questionID,
		expected:   make(map[string]bool, len(expected)),
		done:       make(chan struct{}),
	}
	for _, uri := range expected {
		if uri = proto.NormalizeURI(uri); uri != "" {
			p.expected[uri] = true
		}
	}
	if len(p.expected) == 0 {
		close(p.done)
		return p
	}

	m.mu.Lock()
	m.pending[questionID] = p
	m.mu.Unlock()
	return p
}

// OnReceive records an answer. The question id comes from the question-id metadata
// and the answerer is the message source; an unknown question or an answerer that was
// not asked is an invalid message.
func (m *AnswerManager) OnReceive(msg ReceiverMessage) error {
	env := msg.Envelope()
	questionID, err := NewMetadataReader(env).MustString(KeyQuestionID)
	if err != nil {
		return err
	}
	from := proto.NormalizeURI(env.Source)

	m.mu.Lock()
	p, ok := m.pending[questionID]
	m.mu.Unlock()
	if !ok {
		return replerr.Invalid(env.ID, "answer to unknown question %q", questionID)
	}

	body, err := ReadBody(msg)
	if err != nil {
		return replerr.New("read answer "+env.ID, err)
	}

	p.mu.Lock()
	if !p.expected[from] {
		p.mu.Unlock()
		return replerr.Invalid(env.ID, "unexpected answer from %q to question %q", from, questionID)
	}
	delete(p.expected, from)
	p.answers = append(p.answers, &Answer{From: from, Envelope: env.Clone(), Body: body})
	complete := len(p.expected) == 0
	p.mu.Unlock()

	m.logger.Debug().
		Str("question", questionID).
		Str("from", from).
		Bool("complete", complete).
		Msg("Answer received")

	if complete {
		m.finish(questionID, nil)
	}
	return nil
}

// Cancel abandons questionID. Waiters get ErrQuestionCancelled.
func (m *AnswerManager) Cancel(questionID string) {
	m.finish(questionID, ErrQuestionCancelled)
}

// Open returns the number of unanswered questions.
func (m *AnswerManager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *AnswerManager) finish(questionID string, err error) {
	m.mu.Lock()
	p, ok := m.pending[questionID]
	delete(m.pending, questionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}
