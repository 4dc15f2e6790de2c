package replication

import (
	"strconv"
	"time"

	"github.com/replimesh/replimesh/internal/replerr"
	"github.com/replimesh/replimesh/pkg/proto"
)

// MetadataReader converts metadata values to typed fields. Missing or malformed
// mandatory values fail with an InvalidMessageError naming the message and the key.
type MetadataReader struct {
	id string
	md Metadata
}

// NewMetadataReader reads the metadata of env.
func NewMetadataReader(env *Envelope) *MetadataReader {
	return &MetadataReader{id: env.ID, md: env.Metadata}
}

// String returns the first value of key.
func (r *MetadataReader) String(key string) (string, bool) {
	return r.md.First(key)
}

// MustString returns the first value of a mandatory key.
func (r *MetadataReader) MustString(key string) (string, error) {
	v, ok := r.md.First(key)
	if !ok || v == "" {
		return "", r.missing(key)
	}
	return v, nil
}

// Strings returns every value of key.
func (r *MetadataReader) Strings(key string) []string {
	return r.md.Get(key)
}

// Bool returns key as a boolean; missing means false.
func (r *MetadataReader) Bool(key string) (bool, error) {
	v, ok := r.md.First(key)
	if !ok || v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, r.invalid(key, v)
	}
	return b, nil
}

// Int returns key as an integer; missing means 0.
func (r *MetadataReader) Int(key string) (int, error) {
	v, ok := r.md.First(key)
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, r.invalid(key, v)
	}
	return n, nil
}

// Date returns key as a date. Dates use their own codec rather than the generic
// string conversion; ok is false when the key is absent.
func (r *MetadataReader) Date(key string) (t time.Time, ok bool, err error) {
	v, present := r.md.First(key)
	if !present || v == "" {
		return time.Time{}, false, nil
	}
	t, err = proto.ParseDate(v)
	if err != nil {
		return time.Time{}, false, r.invalid(key, v)
	}
	return t, true, nil
}

// MustDate returns a mandatory date.
func (r *MetadataReader) MustDate(key string) (time.Time, error) {
	t, ok, err := r.Date(key)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, r.missing(key)
	}
	return t, nil
}

func (r *MetadataReader) missing(key string) error {
	return replerr.Invalid(r.id, "missing mandatory metadata %q", key)
}

func (r *MetadataReader) invalid(key, value string) error {
	return replerr.Invalid(r.id, "invalid value %q for metadata %q", value, key)
}

// SetDate stores t under key with the date codec.
func SetDate(md Metadata, key string, t time.Time) {
	md.Set(key, proto.FormatDate(t))
}
