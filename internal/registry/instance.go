// Package registry is the directory of known peer instances and the trust handshake
// state machine that links them.
package registry

import (
	"errors"
	"maps"
	"strings"
	"time"
)

// Status is the trust status of a peer instance.
type Status string

const (
	// StatusRequesting means we asked the peer to link and have no answer yet.
	StatusRequesting Status = "REQUESTING"
	// StatusRequested means the peer asked us and waits for our decision.
	StatusRequested Status = "REQUESTED"
	// StatusRegistered means both sides accepted the link.
	StatusRegistered Status = "REGISTERED"
	// StatusRelayed means the instance is only known as the source of relayed messages.
	StatusRelayed Status = "RELAYED"
)

// ParseStatus converts a persisted status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(s)); st {
	case StatusRequesting, StatusRequested, StatusRegistered, StatusRelayed:
		return st, nil
	default:
		return "", errors.New("unknown instance status: " + s)
	}
}

var (
	// ErrUnknownInstance is returned when no instance is known for a URI.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrInvalidState is returned when an operation is not allowed in the current status.
	ErrInvalidState = errors.New("invalid instance state")
	// ErrSelf is returned when an operation targets the local instance.
	ErrSelf = errors.New("operation targets the local instance")
)

// Instance is a peer known to the registry.
type Instance struct {
	URI        string
	Name       string
	Status     Status
	ReceiveKey string // public key verifying calls from this peer; empty accepts unsigned calls
	Properties map[string]string
	UpdatedAt  time.Time
}

// Clone returns a deep copy safe to hand out of the registry.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Properties = maps.Clone(i.Properties)
	return &c
}

// Property returns a property value by case-insensitive key.
func (i *Instance) Property(key string) string {
	return i.Properties[strings.ToLower(key)]
}

// IsRegistered reports whether the link handshake completed.
func (i *Instance) IsRegistered() bool {
	return i != nil && i.Status == StatusRegistered
}

// DisplayName returns the name, falling back to the URI.
func (i *Instance) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.URI
}

func normalizeProperties(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[strings.ToLower(k)] = v
	}
	return out
}
