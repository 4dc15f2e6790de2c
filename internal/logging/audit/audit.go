package audit

import (
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for inter-instance trust events.
// All audit events are logged with structured fields for easy filtering and analysis.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// Nop returns an audit logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// LogAuth logs the verification of a signed call from a peer instance.
// instance: the URI the caller claimed
// endpoint: the protocol endpoint called (e.g., "message", "ping", "updatekey")
// result: "allowed" or "denied"
// details: additional context (e.g., verification error)
// sourceIP: remote address of the request
func (l *Logger) LogAuth(instance, endpoint, result, details, sourceIP string) {
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("instance", instance).
		Str("endpoint", endpoint).
		Str("result", result).
		Str("source_ip", sourceIP)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Instance authentication")
}

// LogTrust logs a trust state transition for a peer instance.
// instance: the peer URI
// action: what triggered the change (e.g., "register", "accept", "decline", "unregister")
// from, to: previous and new status; from is empty for new instances, to is empty when removed
// initiator: "local" when triggered by an administrator, "remote" when triggered by the peer
func (l *Logger) LogTrust(instance, action, from, to, initiator string) {
	event := l.logger.Info().
		Str("event_type", "trust").
		Str("instance", instance).
		Str("action", action).
		Str("initiator", initiator)

	if from != "" {
		event = event.Str("from", from)
	}
	if to != "" {
		event = event.Str("to", to)
	}

	event.Msg("Trust change")
}

// LogKey logs a key change for a peer relationship.
// instance: the peer URI
// action: "rotate" for our own send key, "update" for a receive key announced by the peer
// fingerprint: fingerprint of the new key, when known
func (l *Logger) LogKey(instance, action, fingerprint string) {
	event := l.logger.Info().
		Str("event_type", "key").
		Str("instance", instance).
		Str("action", action)

	if fingerprint != "" {
		event = event.Str("fingerprint", fingerprint)
	}

	event.Msg("Key change")
}
