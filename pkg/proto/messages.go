// Package proto defines the instance-to-instance replication wire protocol.
package proto

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ProtocolVersion is sent in HeaderProtocol on every call.
const ProtocolVersion = "v1"

// DefaultEndpointRoot is where the replication endpoints are mounted.
const DefaultEndpointRoot = "/replication"

// Endpoint paths, relative to the endpoint root.
const (
	PathRegister   = "/register"
	PathPing       = "/ping"
	PathMessage    = "/message"
	PathUpdateKey  = "/updatekey"
	PathUnregister = "/unregister"
)

// Query parameters.
const (
	ParamURI           = "uri"
	ParamName          = "name"
	ParamReceiveKey    = "receivekey"
	ParamRequestKey    = "requestkey"
	ParamKey           = "key"
	ParamSignedKey     = "signedkey"
	ParamNewReceiveKey = "newreceivekey"
	ParamID            = "id"
	ParamType          = "type"
	ParamDate          = "date"
	ParamSource        = "source"
)

// Headers.
const (
	HeaderProtocol       = "X-Replication-Protocol"
	HeaderMetadataPrefix = "X-Replication-Metadata-"
	HeaderReceivers      = "X-Replication-Receivers"
)

// RegisterResponse is the body of a 200 answer to a register call. RequestKey is the
// receive key the answering instance sent when it originally asked to be linked.
type RegisterResponse struct {
	Name       string `json:"name,omitempty"`
	RequestKey string `json:"requestkey,omitempty"`
}

// RegisterStatus is the outcome of a register call.
type RegisterStatus int

const (
	// RegisterNewRequest means the peer recorded a new pending request (201).
	RegisterNewRequest RegisterStatus = iota + 1
	// RegisterAlreadyRequested means a request was already pending (202).
	RegisterAlreadyRequested
	// RegisterComplete means both sides are now registered (200).
	RegisterComplete
)

func (s RegisterStatus) String() string {
	switch s {
	case RegisterNewRequest:
		return "new_request"
	case RegisterAlreadyRequested:
		return "already_requested"
	case RegisterComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a register outcome to its response code.
func (s RegisterStatus) HTTPStatus() int {
	switch s {
	case RegisterNewRequest:
		return http.StatusCreated
	case RegisterAlreadyRequested:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

// RegisterStatusFromHTTP is the inverse of HTTPStatus.
func RegisterStatusFromHTTP(code int) (RegisterStatus, error) {
	switch code {
	case http.StatusCreated:
		return RegisterNewRequest, nil
	case http.StatusAccepted:
		return RegisterAlreadyRequested, nil
	case http.StatusOK:
		return RegisterComplete, nil
	default:
		return 0, fmt.Errorf("unexpected register status %d", code)
	}
}

// JoinValues encodes a value list into a single header value. Values are separated by
// '|'; backslash and pipe inside a value are backslash-escaped.
func JoinValues(values []string) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte('|')
		}
		for _, r := range v {
			if r == '\\' || r == '|' {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SplitValues decodes a header value produced by JoinValues.
func SplitValues(s string) []string {
	values := []string{}
	var cur strings.Builder
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '|':
			values = append(values, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		// dangling escape is kept literally
		cur.WriteByte('\\')
	}
	return append(values, cur.String())
}

// MetadataHeader returns the header name carrying custom metadata key.
func MetadataHeader(key string) string {
	return HeaderMetadataPrefix + key
}

// MetadataKey extracts the custom metadata key from a header name, lower-cased.
// ok is false for headers that do not carry metadata.
func MetadataKey(header string) (key string, ok bool) {
	if len(header) <= len(HeaderMetadataPrefix) ||
		!strings.EqualFold(header[:len(HeaderMetadataPrefix)], HeaderMetadataPrefix) {
		return "", false
	}
	return strings.ToLower(header[len(HeaderMetadataPrefix):]), true
}

// FormatDate is the canonical text form of dates on the wire and in metadata.
func FormatDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseDate parses a date produced by FormatDate. Unix milliseconds are accepted too.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// NormalizeURI trims whitespace and trailing slashes so the same instance always maps
// to the same registry key.
func NormalizeURI(uri string) string {
	return strings.TrimRight(strings.TrimSpace(uri), "/")
}
