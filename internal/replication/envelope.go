// Package replication implements durable, signed, at-least-once message exchange
// between federated instances: the message stores, the sender and receiver queues,
// relaying and request/answer correlation.
package replication

import (
	"bytes"
	"io"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/replimesh/replimesh/internal/registry"
	"github.com/replimesh/replimesh/internal/replerr"
	"github.com/replimesh/replimesh/pkg/proto"
)

// Envelope is the routing part of a replication message.
type Envelope struct {
	ID        string
	Date      time.Time
	Source    string   // originating instance, kept across relays
	Type      string   // selects the receiver handler
	Receivers []string // explicit destinations; nil means every registered instance
	Metadata  Metadata
}

// NewEnvelope creates an envelope with a fresh id, dated now.
func NewEnvelope(msgType, source string) Envelope {
	return Envelope{
		ID:       uuid.NewString(),
		Date:     time.Now().UTC(),
		Source:   proto.NormalizeURI(source),
		Type:     msgType,
		Metadata: Metadata{},
	}
}

// Validate checks the mandatory fields.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return replerr.Invalid("", "message without id")
	}
	if e.Type == "" {
		return replerr.Invalid(e.ID, "message without type")
	}
	if e.Date.IsZero() {
		return replerr.Invalid(e.ID, "message without date")
	}
	for key := range e.Metadata {
		if !ValidMetadataKey(key) {
			return replerr.Invalid(e.ID, "invalid metadata key %q", key)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (e Envelope) Clone() Envelope {
	c := e
	c.Receivers = slices.Clone(e.Receivers)
	c.Metadata = e.Metadata.Clone()
	return c
}

// IsReceiver reports whether uri is one of the explicit receivers.
func (e *Envelope) IsReceiver(uri string) bool {
	uri = proto.NormalizeURI(uri)
	for _, r := range e.Receivers {
		if proto.NormalizeURI(r) == uri {
			return true
		}
	}
	return false
}

var metadataKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidMetadataKey reports whether key can travel as a header name and be persisted.
func ValidMetadataKey(key string) bool {
	return metadataKeyPattern.MatchString(key)
}

// Metadata maps lower-cased keys to ordered value lists.
type Metadata map[string][]string

// Get returns the values of key.
func (m Metadata) Get(key string) []string {
	return m[strings.ToLower(key)]
}

// First returns the first value of key.
func (m Metadata) First(key string) (string, bool) {
	values := m.Get(key)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// Set replaces the values of key.
func (m Metadata) Set(key string, values ...string) {
	m[strings.ToLower(key)] = values
}

// Add appends values to key.
func (m Metadata) Add(key string, values ...string) {
	key = strings.ToLower(key)
	m[key] = append(m[key], values...)
}

// Del removes key.
func (m Metadata) Del(key string) {
	delete(m, strings.ToLower(key))
}

// Keys returns the keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy. The copy of a nil map is an empty map.
func (m Metadata) Clone() Metadata {
	c := make(Metadata, len(m))
	for k, v := range m {
		c[k] = slices.Clone(v)
	}
	return c
}

// Only returns a copy restricted to the given keys.
func (m Metadata) Only(keys ...string) Metadata {
	c := make(Metadata, len(keys))
	for _, k := range keys {
		k = strings.ToLower(k)
		if v, ok := m[k]; ok {
			c[k] = slices.Clone(v)
		}
	}
	return c
}

// SenderMessage is an outbound message. WriteBody may be called once per destination
// and must write the same payload every time.
type SenderMessage interface {
	Envelope() *Envelope
	WriteBody(w io.Writer) error
}

// ReceiverMessage is an inbound message handed to a handler.
type ReceiverMessage interface {
	Envelope() *Envelope
	// Open returns the payload. The caller closes it.
	Open() (io.ReadCloser, error)
	// Instance is the instance that transmitted the message to us, which differs from
	// Source when the message was relayed.
	Instance() *registry.Instance
}

// Message is an in-memory SenderMessage.
type Message struct {
	Env  Envelope
	Body []byte
}

// NewMessage builds a message of the given kind from source with an optional payload.
func NewMessage(kind Kind, source string, body []byte) *Message {
	env := NewEnvelope(kind.MessageType(), source)
	kind.encode(env.Metadata)
	return &Message{Env: env, Body: body}
}

func (m *Message) Envelope() *Envelope { return &m.Env }

func (m *Message) WriteBody(w io.Writer) error {
	if len(m.Body) == 0 {
		return nil
	}
	_, err := w.Write(m.Body)
	return err
}

// Inbound is an in-memory ReceiverMessage.
type Inbound struct {
	Env  Envelope
	Body []byte
	From *registry.Instance
}

func (m *Inbound) Envelope() *Envelope          { return &m.Env }
func (m *Inbound) Instance() *registry.Instance { return m.From }

func (m *Inbound) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.Body)), nil
}

// ReadBody reads the whole payload of msg.
func ReadBody(msg ReceiverMessage) ([]byte, error) {
	rc, err := msg.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}
