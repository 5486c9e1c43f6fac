package task

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
)

const (
	FieldType       = "type"
	FieldIdentity   = "task_identity"
	FieldIngestedAt = "ingested_at"
	FieldOrigin     = "origin"

	// IngestedAtLayout is RFC3339 with microsecond precision.
	IngestedAtLayout = "2006-01-02T15:04:05.000000Z07:00"
)

var (
	// ErrInvalidFormat is returned by Parse when the bytes are not a JSON object.
	ErrInvalidFormat = errors.New("invalid format")
	// ErrMissingType is returned by Parse when the object has no non-empty string "type".
	ErrMissingType = errors.New("missing type field")
)

// Descriptor is a unit of work: a JSON object with a required "type" and any number of
// type-specific fields, which are carried through untouched.
type Descriptor map[string]interface{}

// Parse decodes data into a Descriptor. The returned error is ErrInvalidFormat or ErrMissingType
// (possibly wrapped); use errors.Is to tell them apart.
//
// Numbers are kept as json.Number so that type-specific fields are republished exactly as submitted.
func Parse(data []byte) (Descriptor, error) {
	var d Descriptor
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&d); err != nil {
		return nil, errors.WithMessage(ErrInvalidFormat, err.Error())
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, errors.WithMessage(ErrInvalidFormat, "unexpected data after the JSON object")
	}
	// "null" decodes without error into a nil map.
	if d == nil {
		return nil, ErrInvalidFormat
	}
	if d.Type() == "" {
		return nil, ErrMissingType
	}
	return d, nil
}

// Unmarshal decodes a descriptor previously produced by Marshal. It applies the same checks as Parse.
func Unmarshal(data []byte) (Descriptor, error) {
	return Parse(data)
}

func (d Descriptor) Marshal() ([]byte, error) {
	data, err := json.Marshal(d)
	return data, errors.WithStack(err)
}

// Type returns the "type" field, or "" if it is absent or not a string.
func (d Descriptor) Type() string {
	return d.stringField(FieldType)
}

// Identity returns the task identity assigned at ingestion, or "" if the descriptor was never enriched.
func (d Descriptor) Identity() string {
	return d.stringField(FieldIdentity)
}

func (d Descriptor) Origin() string {
	return d.stringField(FieldOrigin)
}

// IngestedAt returns the parsed ingestion time, or the zero time if absent or malformed.
func (d Descriptor) IngestedAt() time.Time {
	t, err := time.Parse(IngestedAtLayout, d.stringField(FieldIngestedAt))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Enrich returns a copy of d with identity, ingestion time and origin set. d itself is not modified.
func (d Descriptor) Enrich(identity string, at time.Time, origin string) Descriptor {
	enriched := make(Descriptor, len(d)+3)
	for k, v := range d {
		enriched[k] = v
	}
	enriched[FieldIdentity] = identity
	enriched[FieldIngestedAt] = at.Format(IngestedAtLayout)
	enriched[FieldOrigin] = origin
	return enriched
}

// Fields returns the type-specific fields, i.e. everything except type and the ingestion metadata.
func (d Descriptor) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, len(d))
	for k, v := range d {
		switch k {
		case FieldType, FieldIdentity, FieldIngestedAt, FieldOrigin:
		default:
			fields[k] = v
		}
	}
	return fields
}

func (d Descriptor) stringField(key string) string {
	s, _ := d[key].(string)
	return s
}
