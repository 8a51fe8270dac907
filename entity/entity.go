// Package entity defines the closed set of record types tracked by the sales
// dashboard, and their conversion to and from local (camelCase) field maps.
//
// Each type is keyed by an opaque string identifier which is unique within its
// table. Records are validated before they enter a collection, whether they
// arrive from the remote store or from a local mutation.
package entity

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"go.salesops.dev/core/codec"
)

// IDField is the local (and wire) name of the identifier field.
const IDField = "id"

// ErrInvalid is the cause of all validation failures.
var ErrInvalid = errors.New("invalid record")

// Record is implemented by each entity type T (with a value receiver).
type Record[T any] interface {
	// Table is the remote table of the entity type.
	Table() string
	// EntityID returns the record identifier.
	EntityID() string
	// WithEntityID returns a copy of the record having identifier |id|.
	WithEntityID(id string) T
	// Validate returns an error wrapping ErrInvalid if the record is malformed.
	Validate() error
}

// TableOf returns the table name of entity type T.
func TableOf[T Record[T]]() string {
	var zero T
	return zero.Table()
}

// Decode a local field map into a validated T.
func Decode[T Record[T]](local codec.Record) (T, error) {
	var out T

	var normalized = normalizeID(local)
	if b, err := json.Marshal(normalized); err != nil {
		return out, errors.WithMessage(err, "encoding fields")
	} else if err = json.Unmarshal(b, &out); err != nil {
		return out, errors.WithMessage(err, "decoding fields")
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

// Encode a T into its local field map.
func Encode[T Record[T]](v T) (codec.Record, error) {
	var out codec.Record

	if b, err := json.Marshal(v); err != nil {
		return nil, errors.WithMessage(err, "encoding record")
	} else if err = json.Unmarshal(b, &out); err != nil {
		return nil, errors.WithMessage(err, "decoding record")
	}
	return out, nil
}

// Merge overlays the fields present in |partial| onto |cur|. Fields absent
// from |partial| keep their current values, and a nil field value clears the
// field. The identifier of |cur| is never changed by a Merge.
func Merge[T Record[T]](cur T, partial codec.Record) (T, error) {
	var base, err = Encode(cur)
	if err != nil {
		return cur, err
	}
	for k, v := range partial {
		if k == IDField {
			if id, ok := stringID(v); !ok || id != cur.EntityID() {
				return cur, errors.WithMessagef(ErrInvalid, "merge cannot change id %q to %v", cur.EntityID(), v)
			}
			continue
		}
		base[k] = v
	}
	if next, err := Decode[T](base); err != nil {
		return cur, err
	} else {
		return next, nil
	}
}

// Fields returns the local field map of |v| with the identifier removed,
// suitable for sending as the fields of an insert.
func Fields[T Record[T]](v T) (codec.Record, error) {
	var out, err = Encode(v)
	if err == nil {
		delete(out, IDField)
	}
	return out, err
}

// normalizeID returns |local| with a non-string identifier (such as a
// numeric serial key) rendered as a string.
func normalizeID(local codec.Record) codec.Record {
	var v, ok = local[IDField]
	if !ok {
		return local
	} else if _, isStr := v.(string); isStr {
		return local
	}
	var out = make(codec.Record, len(local))
	for k, vv := range local {
		out[k] = vv
	}
	if id, ok := stringID(v); ok {
		out[IDField] = id
	}
	return out
}

func stringID(v any) (string, bool) {
	switch vv := v.(type) {
	case string:
		return vv, true
	case float64:
		if vv == float64(int64(vv)) {
			return fmt.Sprintf("%d", int64(vv)), true
		}
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%d", vv), true
	case json.Number:
		return vv.String(), true
	}
	return "", false
}

func invalid(table, id, format string, args ...any) error {
	return errors.WithMessagef(ErrInvalid, "%s %q: %s", table, id, fmt.Sprintf(format, args...))
}
