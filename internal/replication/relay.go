package replication

import (
	"io"

	"github.com/replimesh/replimesh/pkg/proto"
)

// RelayedInstances returns the candidates that may still need msg: everyone except
// self, the source, the transmitter and the explicit receivers, which all have it.
func RelayedInstances(self string, msg ReceiverMessage, candidates []string) []string {
	env := msg.Envelope()
	exclude := map[string]bool{
		proto.NormalizeURI(self):       true,
		proto.NormalizeURI(env.Source): true,
	}
	if inst := msg.Instance(); inst != nil {
		exclude[proto.NormalizeURI(inst.URI)] = true
	}
	for _, r := range env.Receivers {
		exclude[proto.NormalizeURI(r)] = true
	}

	var out []string
	for _, c := range candidates {
		c = proto.NormalizeURI(c)
		if c == "" || exclude[c] {
			continue
		}
		exclude[c] = true
		out = append(out, c)
	}
	return out
}

// relayedMessage forwards a received message, streaming its payload from the
// receiver store.
type relayedMessage struct {
	env Envelope
	src ReceiverMessage
}

func (m *relayedMessage) Envelope() *Envelope { return &m.env }

func (m *relayedMessage) WriteBody(w io.Writer) error {
	rc, err := m.src.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	_, err = io.Copy(w, rc)
	return err
}

// Relay forwards msg to targets, keeping its id, date, source and type. The targets
// are added to the receivers so later hops skip them. A non-nil metadata replaces the
// custom metadata, letting the relay narrow what it passes on.
func (s *Sender) Relay(msg ReceiverMessage, targets []string, metadata Metadata) *Future {
	env := msg.Envelope().Clone()
	if metadata != nil {
		env.Metadata = metadata.Clone()
	}

	seen := make(map[string]bool, len(env.Receivers)+len(targets))
	receivers := make([]string, 0, len(env.Receivers)+len(targets))
	for _, r := range append(append([]string(nil), env.Receivers...), targets...) {
		r = proto.NormalizeURI(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		receivers = append(receivers, r)
	}
	env.Receivers = receivers

	if targets == nil {
		targets = []string{}
	}
	return s.Send(&relayedMessage{env: env, src: msg}, targets)
}
