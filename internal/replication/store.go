package replication

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/magiconair/properties"
	"github.com/rs/zerolog"

	"github.com/replimesh/replimesh/internal/metrics"
	"github.com/replimesh/replimesh/internal/registry"
	"github.com/replimesh/replimesh/internal/replerr"
	"github.com/replimesh/replimesh/pkg/proto"
)

// Record file names.
const (
	metadataFile = "metadata.properties"
	customFile   = "custom.properties"
	dataFile     = "data"
	targetsFile  = "targets.properties"
	tempPrefix   = ".tmp-"
)

// Standard metadata property keys.
const (
	propID          = "id"
	propType        = "type"
	propSource      = "source"
	propDate        = "date"
	propReceivers   = "receivers"
	propTransmitter = "transmitter"
	propTargetFmt   = "target.%d"
)

// ErrDuplicateMessage is returned when a message id is already stored.
var ErrDuplicateMessage = errors.New("message already stored")

var (
	encoderPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
)

// StoreKey is the directory name of a message: 128 bits of the SHA-256 of its id.
func StoreKey(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16])
}

// StoredMessage is a message persisted in a Store. It serves as both a sender and a
// receiver message, streaming its payload from disk.
type StoredMessage struct {
	env         Envelope
	dir         string
	transmitter string
	instance    *registry.Instance

	// remaining destinations, sender records only; guarded by the owning SenderStore
	targets []string
}

func (m *StoredMessage) Envelope() *Envelope { return &m.env }

// Dir is the record directory.
func (m *StoredMessage) Dir() string { return m.dir }

// Transmitter is the URI of the instance that handed us the message.
func (m *StoredMessage) Transmitter() string { return m.transmitter }

// Instance returns the resolved transmitter, set by the receiver before handling.
func (m *StoredMessage) Instance() *registry.Instance {
	if m.instance == nil {
		return &registry.Instance{URI: m.transmitter}
	}
	return m.instance
}

// withInstance returns a shallow copy bound to the resolved transmitter.
func (m *StoredMessage) withInstance(inst *registry.Instance) *StoredMessage {
	c := *m
	c.instance = inst
	return &c
}

// Open streams the decompressed payload.
func (m *StoredMessage) Open() (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(m.dir, dataFile))
	if err != nil {
		return nil, replerr.New("open payload", err)
	}
	dec := decoderPool.Get().(*zstd.Decoder)
	if err := dec.Reset(f); err != nil {
		decoderPool.Put(dec)
		_ = f.Close()
		return nil, replerr.New("open payload", err)
	}
	return &payloadReader{dec: dec, f: f}, nil
}

// WriteBody copies the payload to w.
func (m *StoredMessage) WriteBody(w io.Writer) error {
	rc, err := m.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	_, err = io.Copy(w, rc)
	return err
}

type payloadReader struct {
	dec    *zstd.Decoder
	f      *os.File
	closed bool
}

func (r *payloadReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, os.ErrClosed
	}
	return r.dec.Read(p)
}

func (r *payloadReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	_ = r.dec.Reset(nil)
	decoderPool.Put(r.dec)
	return r.f.Close()
}

// Store is the filesystem store of in-flight messages. Each message is a directory
// named by StoreKey holding its standard metadata, custom metadata and compressed
// payload. Records are assembled in a temporary directory and renamed into place, so a
// crash never leaves a partial record behind.
type Store struct {
	root    string
	name    string
	logger  zerolog.Logger
	metrics *metrics.ReplicationMetrics
}

// NewStore opens the store rooted at root. name labels logs and metrics
// ("receiver", "sender").
func NewStore(root, name string, logger zerolog.Logger, m *metrics.ReplicationMetrics) (*Store, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, replerr.New("create store", err)
	}
	return &Store{
		root:    root,
		name:    name,
		logger:  logger.With().Str("component", name+"-store").Logger(),
		metrics: m,
	}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Exists reports whether a record for id is present.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(filepath.Join(s.root, StoreKey(id)))
	return err == nil
}

// Store persists an inbound message received from transmitter.
func (s *Store) Store(env *Envelope, transmitter string, body io.Reader) (*StoredMessage, error) {
	return s.write(env, transmitter, nil, func(w io.Writer) error {
		if body == nil {
			return nil
		}
		_, err := io.Copy(w, body)
		return err
	})
}

func (s *Store) write(env *Envelope, transmitter string, targets []string, body func(io.Writer) error) (*StoredMessage, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	final := filepath.Join(s.root, StoreKey(env.ID))
	if _, err := os.Stat(final); err == nil {
		return nil, replerr.New("store message "+env.ID, ErrDuplicateMessage)
	}

	tmp, err := os.MkdirTemp(s.root, tempPrefix)
	if err != nil {
		s.metrics.StoreError(s.name, "store")
		return nil, replerr.New("store message "+env.ID, err)
	}

	if err := s.writeRecord(tmp, env, transmitter, targets, body); err != nil {
		_ = os.RemoveAll(tmp)
		s.metrics.StoreError(s.name, "store")
		return nil, replerr.New("store message "+env.ID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.RemoveAll(tmp)
		s.metrics.StoreError(s.name, "store")
		if _, statErr := os.Stat(final); statErr == nil {
			err = ErrDuplicateMessage
		}
		return nil, replerr.New("store message "+env.ID, err)
	}

	s.logger.Debug().Str("id", env.ID).Str("type", env.Type).Msg("stored message")
	return &StoredMessage{
		env:         env.Clone(),
		dir:         final,
		transmitter: transmitter,
		targets:     append([]string(nil), targets...),
	}, nil
}

func (s *Store) writeRecord(dir string, env *Envelope, transmitter string, targets []string, body func(io.Writer) error) error {
	std := properties.NewProperties()
	std.DisableExpansion = true
	set(std, propID, env.ID)
	set(std, propType, env.Type)
	set(std, propSource, env.Source)
	set(std, propDate, proto.FormatDate(env.Date))
	if len(env.Receivers) > 0 {
		set(std, propReceivers, proto.JoinValues(env.Receivers))
	}
	if transmitter != "" {
		set(std, propTransmitter, transmitter)
	}
	if err := writeProperties(filepath.Join(dir, metadataFile), std); err != nil {
		return err
	}

	custom := properties.NewProperties()
	custom.DisableExpansion = true
	for _, key := range env.Metadata.Keys() {
		set(custom, key, proto.JoinValues(env.Metadata[key]))
	}
	if err := writeProperties(filepath.Join(dir, customFile), custom); err != nil {
		return err
	}

	if targets != nil {
		if err := writeTargets(dir, targets); err != nil {
			return err
		}
	}

	return writePayload(filepath.Join(dir, dataFile), body)
}

func writePayload(path string, body func(io.Writer) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0640)
	if err != nil {
		return fmt.Errorf("create payload: %w", err)
	}
	enc := encoderPool.Get().(*zstd.Encoder)
	enc.Reset(f)
	defer encoderPool.Put(enc)

	if err := body(enc); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return fmt.Errorf("write payload: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("compress payload: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync payload: %w", err)
	}
	return f.Close()
}

func writeTargets(dir string, targets []string) error {
	p := properties.NewProperties()
	p.DisableExpansion = true
	for i, t := range targets {
		set(p, fmt.Sprintf(propTargetFmt, i), t)
	}
	// replaced atomically, it is rewritten as deliveries complete
	tmp := filepath.Join(dir, targetsFile+".tmp")
	if err := writeProperties(tmp, p); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, targetsFile))
}

func set(p *properties.Properties, key, value string) {
	// expansion is disabled, so Set cannot fail
	_, _, _ = p.Set(key, value)
}

func writeProperties(path string, p *properties.Properties) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := p.Write(f, properties.UTF8); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func loadProperties(path string) (*properties.Properties, error) {
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	return l.LoadFile(path)
}

// Load scans the store and returns its records ordered by date. Records that fail to
// parse are logged and skipped; leftovers of interrupted writes are removed.
func (s *Store) Load() (*MessageQueue, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, replerr.New("load store", err)
	}

	q := NewMessageQueue()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		if strings.HasPrefix(e.Name(), tempPrefix) {
			s.logger.Warn().Str("dir", e.Name()).Msg("removing incomplete record")
			_ = os.RemoveAll(dir)
			continue
		}
		msg, err := s.read(dir)
		if err != nil {
			s.metrics.StoreError(s.name, "load")
			s.logger.Error().Err(err).Str("dir", e.Name()).Msg("skipping unreadable record")
			continue
		}
		q.Push(msg)
	}

	s.logger.Info().Int("messages", q.Len()).Msg("store loaded")
	return q, nil
}

func (s *Store) read(dir string) (*StoredMessage, error) {
	std, err := loadProperties(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	env := Envelope{Metadata: Metadata{}}
	env.ID, _ = std.Get(propID)
	env.Type, _ = std.Get(propType)
	env.Source, _ = std.Get(propSource)
	date, _ := std.Get(propDate)
	if env.Date, err = proto.ParseDate(date); err != nil {
		return nil, err
	}
	if receivers, ok := std.Get(propReceivers); ok {
		env.Receivers = proto.SplitValues(receivers)
	}
	if StoreKey(env.ID) != filepath.Base(dir) {
		return nil, fmt.Errorf("record %s holds message %q", filepath.Base(dir), env.ID)
	}

	custom, err := loadProperties(filepath.Join(dir, customFile))
	if err != nil {
		return nil, err
	}
	for _, key := range custom.Keys() {
		v, _ := custom.Get(key)
		env.Metadata[strings.ToLower(key)] = proto.SplitValues(v)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, dataFile)); err != nil {
		return nil, err
	}

	msg := &StoredMessage{env: env, dir: dir}
	msg.transmitter, _ = std.Get(propTransmitter)

	if targets, err := loadProperties(filepath.Join(dir, targetsFile)); err == nil {
		for i := 0; ; i++ {
			t, ok := targets.Get(fmt.Sprintf(propTargetFmt, i))
			if !ok {
				break
			}
			msg.targets = append(msg.targets, t)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return msg, nil
}

// Delete removes the record of msg. Failures are logged and returned.
func (s *Store) Delete(msg *StoredMessage) error {
	if err := os.RemoveAll(msg.dir); err != nil {
		s.metrics.StoreError(s.name, "delete")
		s.logger.Error().Err(err).Str("id", msg.env.ID).Msg("failed to delete message")
		return replerr.New("delete message "+msg.env.ID, err)
	}
	s.logger.Debug().Str("id", msg.env.ID).Msg("deleted message")
	return nil
}

// SenderStore is the Store of outbound messages. Each record also tracks the
// destinations that have not confirmed delivery yet.
type SenderStore struct {
	*Store

	mu sync.Mutex
}

// NewSenderStore opens the sender store rooted at root.
func NewSenderStore(root string, logger zerolog.Logger, m *metrics.ReplicationMetrics) (*SenderStore, error) {
	s, err := NewStore(root, "sender", logger, m)
	if err != nil {
		return nil, err
	}
	return &SenderStore{Store: s}, nil
}

// StoreTargets persists msg with the destinations it must reach.
func (s *SenderStore) StoreTargets(msg SenderMessage, targets []string) (*StoredMessage, error) {
	if len(targets) == 0 {
		return nil, replerr.Newf("store message", "no targets for %s", msg.Envelope().ID)
	}
	return s.write(msg.Envelope(), "", targets, msg.WriteBody)
}

// Targets returns the destinations msg still has to reach.
func (s *SenderStore) Targets(msg *StoredMessage) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), msg.targets...)
}

// RemoveTarget records delivery of msg to uri. The record is deleted once every
// destination confirmed. It returns the number of destinations left.
func (s *SenderStore) RemoveTarget(msg *StoredMessage, uri string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := make([]string, 0, len(msg.targets))
	for _, t := range msg.targets {
		if t != uri {
			remaining = append(remaining, t)
		}
	}
	if len(remaining) == len(msg.targets) {
		return len(remaining), nil
	}

	if len(remaining) == 0 {
		if err := s.Delete(msg); err != nil {
			return 0, err
		}
		msg.targets = nil
		return 0, nil
	}

	if err := writeTargets(msg.dir, remaining); err != nil {
		s.metrics.StoreError(s.name, "remove_target")
		s.logger.Error().Err(err).Str("id", msg.env.ID).Str("target", uri).Msg("failed to update targets")
		return len(msg.targets), replerr.New("remove target "+uri, err)
	}
	msg.targets = remaining
	return len(remaining), nil
}

// Count returns the number of records, used for diagnostics.
func (s *Store) Count() int {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), tempPrefix) {
			n++
		}
	}
	return n
}

// Get loads the record of id.
func (s *Store) Get(id string) (*StoredMessage, error) {
	dir := filepath.Join(s.root, StoreKey(id))
	if _, err := os.Stat(dir); err != nil {
		return nil, replerr.New("get message "+id, err)
	}
	msg, err := s.read(dir)
	if err != nil {
		return nil, replerr.New("get message "+id, err)
	}
	return msg, nil
}
