package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// Wire field names shared by every synced collection
const (
	FieldID        = "id"
	FieldTenantID  = "business_id"
	FieldUpdatedAt = "updated_at"
	FieldIsDeleted = "is_deleted"
)

var ErrMissingUpdatedAt = errors.New("entity has no updated_at")

// Entity is a schema-agnostic snapshot of a domain record.
// Domain code owns the typed (de)serialization; the engine only reads the sync fields.
type Entity map[string]any

// DecodeEntity parses JSON keeping numbers as json.Number so monetary values keep their precision
func DecodeEntity(data []byte) (Entity, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var e Entity
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return e, nil
}

// DecodeEntities parses a JSON array of entities with the same number handling as DecodeEntity
func DecodeEntities(data []byte) ([]Entity, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out []Entity
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	return out, nil
}

// Clone returns a shallow copy; nested values are shared and must be treated as immutable
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	return maps.Clone(e)
}

func (e Entity) ID() string {
	return stringField(e, FieldID)
}

func (e Entity) TenantID() string {
	return stringField(e, FieldTenantID)
}

// IsDeleted reports the tombstone flag. Anything but a true boolean counts as live.
func (e Entity) IsDeleted() bool {
	switch v := e[FieldIsDeleted].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// UpdatedAt parses the authoritative last-modified timestamp
func (e Entity) UpdatedAt() (time.Time, error) {
	switch v := e[FieldUpdatedAt].(type) {
	case nil:
		return time.Time{}, ErrMissingUpdatedAt
	case time.Time:
		return v.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse updated_at %q: %w", v, err)
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("updated_at has unsupported type %T", v)
	}
}

// TimestampPrecision is the finest updated_at resolution every store keeps
// (Postgres timestamptz stops at microseconds).
const TimestampPrecision = time.Microsecond

// SetUpdatedAt stores t, cut to TimestampPrecision, in the canonical RFC 3339 UTC form used on the wire
func (e Entity) SetUpdatedAt(t time.Time) {
	e[FieldUpdatedAt] = FormatTimestamp(t.Truncate(TimestampPrecision))
}

// FormatTimestamp renders t the way every timestamp crosses the wire
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func stringField(e Entity, key string) string {
	switch v := e[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
