package replication

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/replimesh/replimesh/internal/replerr"
)

// Message types.
const (
	TypeEntityUpdate   = "entity_update"
	TypeEntityDelete   = "entity_delete"
	TypeEntityConflict = "entity_conflict"
	TypeEntityRepair   = "entity_repair"
	TypeInstanceUpdate = "instance_update"
	TypeRecoverRequest = "recover_request"
	TypeRecoverAnswer  = "recover_answer"
)

// Metadata keys of the typed kinds.
const (
	KeyEntity          = "entity"
	KeyOwner           = "owner"
	KeyVersion         = "version"
	KeyPreviousVersion = "previous-version"
	KeyVersions        = "versions"
	KeyLevel           = "level"
	KeyComplete        = "complete"
	KeyConflict        = "conflict"
	KeyQuestionID      = "question-id"
	KeyInstanceName    = "instance-name"
	KeyInstanceProps   = "instance-properties"
	KeyDateMin         = "recover-date-min"
	KeyDateMax         = "recover-date-max"
	KeyCount           = "count"
	KeyResendOf        = "resend-of"
)

// Level is how much of an entity a peer receives.
type Level string

const (
	LevelFull      Level = "full"
	LevelReference Level = "reference"
)

// ParseLevel parses a replication level; empty means full.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(s)) {
	case "", LevelFull:
		return LevelFull, nil
	case LevelReference:
		return LevelReference, nil
	default:
		return "", replerr.Newf("parse level", "unknown replication level %q", s)
	}
}

// Kind is a strongly typed message. Kinds only meet the metadata map when a message
// is built or decoded.
type Kind interface {
	MessageType() string
	encode(md Metadata)
}

// EntityUpdate announces a new version of an entity.
type EntityUpdate struct {
	Entity          string
	Owner           string
	Version         string
	PreviousVersion string
	Level           Level
	Complete        bool // the payload carries every version, not just the latest
}

func (EntityUpdate) MessageType() string { return TypeEntityUpdate }

func (k EntityUpdate) encode(md Metadata) {
	md.Set(KeyEntity, k.Entity)
	md.Set(KeyOwner, k.Owner)
	md.Set(KeyVersion, k.Version)
	if k.PreviousVersion != "" {
		md.Set(KeyPreviousVersion, k.PreviousVersion)
	}
	level := k.Level
	if level == "" {
		level = LevelFull
	}
	md.Set(KeyLevel, string(level))
	if k.Complete {
		md.Set(KeyComplete, "true")
	}
}

// DecodeEntityUpdate reads an entity_update envelope.
func DecodeEntityUpdate(env *Envelope) (*EntityUpdate, error) {
	if err := expectType(env, TypeEntityUpdate); err != nil {
		return nil, err
	}
	r := NewMetadataReader(env)
	var (
		k   EntityUpdate
		err error
	)
	if k.Entity, err = r.MustString(KeyEntity); err != nil {
		return nil, err
	}
	if k.Owner, err = r.MustString(KeyOwner); err != nil {
		return nil, err
	}
	if k.Version, err = r.MustString(KeyVersion); err != nil {
		return nil, err
	}
	k.PreviousVersion, _ = r.String(KeyPreviousVersion)
	level, _ := r.String(KeyLevel)
	if k.Level, err = ParseLevel(level); err != nil {
		return nil, replerr.Invalid(env.ID, "invalid value %q for metadata %q", level, KeyLevel)
	}
	if k.Complete, err = r.Bool(KeyComplete); err != nil {
		return nil, err
	}
	return &k, nil
}

// EntityDelete removes versions of an entity, or the whole entity when Versions is empty.
type EntityDelete struct {
	Entity   string
	Owner    string
	Versions []string
}

func (EntityDelete) MessageType() string { return TypeEntityDelete }

func (k EntityDelete) encode(md Metadata) {
	md.Set(KeyEntity, k.Entity)
	md.Set(KeyOwner, k.Owner)
	if len(k.Versions) > 0 {
		md.Set(KeyVersions, k.Versions...)
	}
}

// DecodeEntityDelete reads an entity_delete envelope.
func DecodeEntityDelete(env *Envelope) (*EntityDelete, error) {
	if err := expectType(env, TypeEntityDelete); err != nil {
		return nil, err
	}
	r := NewMetadataReader(env)
	var (
		k   EntityDelete
		err error
	)
	if k.Entity, err = r.MustString(KeyEntity); err != nil {
		return nil, err
	}
	if k.Owner, err = r.MustString(KeyOwner); err != nil {
		return nil, err
	}
	k.Versions = r.Strings(KeyVersions)
	return &k, nil
}

// EntityConflict flags or clears a replication conflict on an entity.
type EntityConflict struct {
	Entity   string
	Conflict bool
}

func (EntityConflict) MessageType() string { return TypeEntityConflict }

func (k EntityConflict) encode(md Metadata) {
	md.Set(KeyEntity, k.Entity)
	md.Set(KeyConflict, strconv.FormatBool(k.Conflict))
}

// DecodeEntityConflict reads an entity_conflict envelope.
func DecodeEntityConflict(env *Envelope) (*EntityConflict, error) {
	if err := expectType(env, TypeEntityConflict); err != nil {
		return nil, err
	}
	r := NewMetadataReader(env)
	var (
		k   EntityConflict
		err error
	)
	if k.Entity, err = r.MustString(KeyEntity); err != nil {
		return nil, err
	}
	if _, err = r.MustString(KeyConflict); err != nil {
		return nil, err
	}
	if k.Conflict, err = r.Bool(KeyConflict); err != nil {
		return nil, err
	}
	return &k, nil
}

// EntityRepairRequest asks the owner of an entity to send the listed versions again.
type EntityRepairRequest struct {
	Entity     string
	Versions   []string
	QuestionID string
}

func (EntityRepairRequest) MessageType() string { return TypeEntityRepair }

func (k EntityRepairRequest) encode(md Metadata) {
	md.Set(KeyEntity, k.Entity)
	if len(k.Versions) > 0 {
		md.Set(KeyVersions, k.Versions...)
	}
	if k.QuestionID != "" {
		md.Set(KeyQuestionID, k.QuestionID)
	}
}

// DecodeEntityRepairRequest reads an entity_repair envelope.
func DecodeEntityRepairRequest(env *Envelope) (*EntityRepairRequest, error) {
	if err := expectType(env, TypeEntityRepair); err != nil {
		return nil, err
	}
	r := NewMetadataReader(env)
	var (
		k   EntityRepairRequest
		err error
	)
	if k.Entity, err = r.MustString(KeyEntity); err != nil {
		return nil, err
	}
	k.Versions = r.Strings(KeyVersions)
	k.QuestionID, _ = r.String(KeyQuestionID)
	return &k, nil
}

// InstanceUpdate announces a change of the sending instance's name or properties.
type InstanceUpdate struct {
	Name       string
	Properties map[string]string
}

func (InstanceUpdate) MessageType() string { return TypeInstanceUpdate }

func (k InstanceUpdate) encode(md Metadata) {
	if k.Name != "" {
		md.Set(KeyInstanceName, k.Name)
	}
	if len(k.Properties) > 0 {
		props := make([]string, 0, len(k.Properties))
		for name, value := range k.Properties {
			props = append(props, strings.ToLower(name)+"="+value)
		}
		sort.Strings(props)
		md.Set(KeyInstanceProps, props...)
	}
}

// DecodeInstanceUpdate reads an instance_update envelope.
func DecodeInstanceUpdate(env *Envelope) (*InstanceUpdate, error) {
	if err := expectType(env, TypeInstanceUpdate); err != nil {
		return nil, err
	}
	r := NewMetadataReader(env)
	k := InstanceUpdate{}
	k.Name, _ = r.String(KeyInstanceName)
	if props := r.Strings(KeyInstanceProps); props != nil {
		k.Properties = make(map[string]string, len(props))
		for _, p := range props {
			name, value, ok := strings.Cut(p, "=")
			if !ok || name == "" {
				return nil, replerr.Invalid(env.ID, "invalid value %q for metadata %q", p, KeyInstanceProps)
			}
			k.Properties[strings.ToLower(name)] = value
		}
	}
	return &k, nil
}

// RecoverRequest asks peers to send again every message they sent in a date range.
type RecoverRequest struct {
	DateMin    time.Time
	DateMax    time.Time
	QuestionID string
}

func (RecoverRequest) MessageType() string { return TypeRecoverRequest }

func (k RecoverRequest) encode(md Metadata) {
	SetDate(md, KeyDateMin, k.DateMin)
	SetDate(md, KeyDateMax, k.DateMax)
	md.Set(KeyQuestionID, k.QuestionID)
}

// DecodeRecoverRequest reads a recover_request envelope. Both bounds are mandatory.
func DecodeRecoverRequest(env *Envelope) (*RecoverRequest, error) {
	if err := expectType(env, TypeRecoverRequest); err != nil {
		return nil, err
	}
	r := NewMetadataReader(env)
	var (
		k   RecoverRequest
		err error
	)
	if k.DateMin, err = r.MustDate(KeyDateMin); err != nil {
		return nil, err
	}
	if k.DateMax, err = r.MustDate(KeyDateMax); err != nil {
		return nil, err
	}
	if k.DateMax.Before(k.DateMin) {
		return nil, replerr.Invalid(env.ID, "%s is before %s", KeyDateMax, KeyDateMin)
	}
	if k.QuestionID, err = r.MustString(KeyQuestionID); err != nil {
		return nil, err
	}
	return &k, nil
}

// RecoverAnswer reports how many messages a peer sent again for a RecoverRequest.
type RecoverAnswer struct {
	QuestionID string
	Count      int
}

func (RecoverAnswer) MessageType() string { return TypeRecoverAnswer }

func (k RecoverAnswer) encode(md Metadata) {
	md.Set(KeyQuestionID, k.QuestionID)
	md.Set(KeyCount, strconv.Itoa(k.Count))
}

// DecodeRecoverAnswer reads a recover_answer envelope.
func DecodeRecoverAnswer(env *Envelope) (*RecoverAnswer, error) {
	if err := expectType(env, TypeRecoverAnswer); err != nil {
		return nil, err
	}
	r := NewMetadataReader(env)
	var (
		k   RecoverAnswer
		err error
	)
	if k.QuestionID, err = r.MustString(KeyQuestionID); err != nil {
		return nil, err
	}
	if k.Count, err = r.Int(KeyCount); err != nil {
		return nil, err
	}
	return &k, nil
}

func expectType(env *Envelope, want string) error {
	if env.Type != want {
		return replerr.Invalid(env.ID, "expected type %s, got %s", want, env.Type)
	}
	return nil
}
