// Package codec converts records between the remote store's wire naming
// convention (snake_case keys) and the in-memory naming convention (camelCase
// keys). Conversion recurses through nested records and sequences, and passes
// every other value through unchanged.
//
// Renaming is strictly invertible: keys which could not survive a round-trip
// are rejected with ErrUnsupportedKey, and a record whose renamed keys would
// collide is rejected with ErrKeyCollision. As a consequence, for any record
// |x| which LocalToWire accepts, WireToLocal(LocalToWire(x)) equals |x|.
package codec

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Record is a mapping of field names to values. Whether its keys are in wire
// or local form depends on the side of the codec it's found on.
type Record map[string]any

var (
	// ErrKeyCollision is returned when two keys of a record rename to the same key.
	ErrKeyCollision = errors.New("key collision")
	// ErrUnsupportedKey is returned for keys which cannot round-trip.
	ErrUnsupportedKey = errors.New("unsupported key")
)

// WireToLocal converts |v| from wire to local naming.
func WireToLocal(v any) (any, error) { return convert(v, wireToLocalKey) }

// LocalToWire converts |v| from local to wire naming.
func LocalToWire(v any) (any, error) { return convert(v, localToWireKey) }

// RecordToLocal is WireToLocal for a single Record.
func RecordToLocal(r Record) (Record, error) {
	var out, err = convertMap(r, wireToLocalKey)
	return Record(out), err
}

// RecordToWire is LocalToWire for a single Record.
func RecordToWire(r Record) (Record, error) {
	var out, err = convertMap(r, localToWireKey)
	return Record(out), err
}

type renameFn func(string) (string, error)

func convert(v any, rename renameFn) (any, error) {
	switch vv := v.(type) {
	case Record:
		if vv == nil {
			return vv, nil
		}
		var out, err = convertMap(vv, rename)
		return Record(out), err
	case map[string]any:
		if vv == nil {
			return vv, nil
		}
		return convertMap(vv, rename)
	case []Record:
		if vv == nil {
			return vv, nil
		}
		var out = make([]Record, len(vv))
		for i := range vv {
			if m, err := convertMap(vv[i], rename); err != nil {
				return nil, errors.WithMessagef(err, "index %d", i)
			} else {
				out[i] = m
			}
		}
		return out, nil
	case []map[string]any:
		if vv == nil {
			return vv, nil
		}
		var out = make([]map[string]any, len(vv))
		for i := range vv {
			if m, err := convertMap(vv[i], rename); err != nil {
				return nil, errors.WithMessagef(err, "index %d", i)
			} else {
				out[i] = m
			}
		}
		return out, nil
	case []any:
		if vv == nil {
			return vv, nil
		}
		var out = make([]any, len(vv))
		for i := range vv {
			var err error
			if out[i], err = convert(vv[i], rename); err != nil {
				return nil, errors.WithMessagef(err, "index %d", i)
			}
		}
		return out, nil
	default:
		return v, nil
	}
}

func convertMap(m map[string]any, rename renameFn) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	var out = make(map[string]any, len(m))
	var origin = make(map[string]string, len(m))

	for k, v := range m {
		var nk, err = rename(k)
		if err != nil {
			return nil, err
		}
		if prev, ok := origin[nk]; ok {
			// Report the pair in a stable order, as map iteration isn't.
			if prev > k {
				prev, k = k, prev
			}
			return nil, errors.WithMessagef(ErrKeyCollision, "%q and %q both map to %q", prev, k, nk)
		}
		origin[nk] = k

		if out[nk], err = convert(v, rename); err != nil {
			return nil, errors.WithMessagef(err, "key %q", k)
		}
	}
	return out, nil
}

// wireToLocalKey maps "sale_date" to "saleDate". Each underscore must be
// interior and followed by a lower-case letter, and the key may not contain
// upper-case letters.
func wireToLocalKey(k string) (string, error) {
	var b strings.Builder
	b.Grow(len(k))

	var upperNext bool
	for i, r := range k {
		if r == utf8.RuneError {
			return "", errors.WithMessagef(ErrUnsupportedKey, "%q is not valid UTF-8", k)
		}
		switch {
		case r == '_':
			if i == 0 || upperNext || i == len(k)-1 {
				return "", errors.WithMessagef(ErrUnsupportedKey, "%q has a misplaced underscore", k)
			}
			upperNext = true
		case unicode.IsUpper(r):
			return "", errors.WithMessagef(ErrUnsupportedKey, "wire key %q has an upper-case letter", k)
		case upperNext:
			if !isCaseInvertible(r) {
				return "", errors.WithMessagef(ErrUnsupportedKey, "%q: underscore must precede a lower-case letter", k)
			}
			b.WriteRune(unicode.ToUpper(r))
			upperNext = false
		default:
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

// localToWireKey maps "saleDate" to "sale_date". The key may not contain
// underscores, nor begin with an upper-case letter.
func localToWireKey(k string) (string, error) {
	var b strings.Builder
	b.Grow(len(k) + 4)

	for i, r := range k {
		if r == utf8.RuneError {
			return "", errors.WithMessagef(ErrUnsupportedKey, "%q is not valid UTF-8", k)
		}
		switch {
		case r == '_':
			return "", errors.WithMessagef(ErrUnsupportedKey, "local key %q has an underscore", k)
		case unicode.IsUpper(r):
			var lower = unicode.ToLower(r)
			if i == 0 || !isCaseInvertible(lower) || unicode.ToUpper(lower) != r {
				return "", errors.WithMessagef(ErrUnsupportedKey, "%q has a misplaced upper-case letter", k)
			}
			b.WriteByte('_')
			b.WriteRune(lower)
		default:
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

// isCaseInvertible is true of lower-case runes whose upper-case mapping maps back.
func isCaseInvertible(r rune) bool {
	var u = unicode.ToUpper(r)
	return unicode.IsLower(r) && u != r && unicode.ToLower(u) == r
}
