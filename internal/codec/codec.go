// Package codec converts column values between their application and
// storage representations. Scalars pass through; dates become ISO-8601
// strings, json columns become serialized text, vectors become dense
// float32 slices. Every pair round-trips: Decode(Encode(v)) == v for valid
// values.
package codec

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"columnist/internal/domain"
)

// isoPattern matches the canonical ISO-8601 form produced by Encode. Only
// strings matching it are decoded back to timestamps; anything else is
// application data that merely looks date-ish.
var isoPattern = regexp.MustCompile(
	`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`)

// EncodeValue converts one application value to its storage form.
func EncodeValue(typ domain.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case domain.TypeString, domain.TypeNumber, domain.TypeBoolean:
		return v, nil
	case domain.TypeDate:
		ts, ok := AsTime(v)
		if !ok {
			return nil, fmt.Errorf("not a date value: %T", v)
		}
		return ts.UTC().Format(time.RFC3339Nano), nil
	case domain.TypeJSON:
		switch v.(type) {
		case string, bool, float64, float32, int, int64, uint64:
			// Scalars store natively; only nested values serialize.
			return v, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("serialize json column: %w", err)
		}
		return string(data), nil
	case domain.TypeVector:
		vec, ok := AsVector(v)
		if !ok {
			return nil, fmt.Errorf("not a vector value: %T", v)
		}
		return vec, nil
	default:
		return v, nil
	}
}

// DecodeValue converts one storage value back to its application form.
// Unrecognized shapes pass through unchanged; decode never fails.
func DecodeValue(typ domain.ColumnType, v any) any {
	if v == nil {
		return nil
	}
	switch typ {
	case domain.TypeDate:
		if s, ok := v.(string); ok && isoPattern.MatchString(s) {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return ts
			}
		}
		return v
	case domain.TypeJSON:
		if s, ok := v.(string); ok && looksSerialized(s) {
			var out any
			if err := json.Unmarshal([]byte(s), &out); err == nil {
				return out
			}
		}
		return v
	case domain.TypeVector:
		if vec, ok := AsVector(v); ok {
			return vec
		}
		return v
	default:
		return v
	}
}

// EncodeRecord returns the storage form of rec for table t. The input map
// is not mutated.
func EncodeRecord(t *domain.Table, rec domain.Record) (domain.Record, error) {
	out := make(domain.Record, len(rec))
	for field, v := range rec {
		typ, declared := t.Columns[field]
		if !declared {
			out[field] = v
			continue
		}
		enc, err := EncodeValue(typ, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", field, err)
		}
		out[field] = enc
	}
	return out, nil
}

// DecodeRecord returns the application form of a stored record.
func DecodeRecord(t *domain.Table, rec domain.Record) domain.Record {
	out := make(domain.Record, len(rec))
	for field, v := range rec {
		typ, declared := t.Columns[field]
		if !declared {
			out[field] = v
			continue
		}
		out[field] = DecodeValue(typ, v)
	}
	return out
}

// AsTime normalizes the accepted date inputs: time.Time, canonical ISO
// strings, or numeric epoch-milliseconds.
func AsTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		if isoPattern.MatchString(x) {
			if ts, err := time.Parse(time.RFC3339Nano, x); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	case float64:
		return time.UnixMilli(int64(x)).UTC(), true
	case int64:
		return time.UnixMilli(x).UTC(), true
	case int:
		return time.UnixMilli(int64(x)).UTC(), true
	default:
		return time.Time{}, false
	}
}

// AsVector normalizes vector inputs: []float32, []float64, or the []any
// form that json.Unmarshal produces. The result is always a fresh buffer.
func AsVector(v any) ([]float32, bool) {
	switch x := v.(type) {
	case []float32:
		out := make([]float32, len(x))
		copy(out, x)
		return out, true
	case []float64:
		out := make([]float32, len(x))
		for i, f := range x {
			out[i] = float32(f)
		}
		return out, true
	case []any:
		out := make([]float32, len(x))
		for i, e := range x {
			f, ok := e.(float64)
			if !ok {
				return nil, false
			}
			out[i] = float32(f)
		}
		return out, true
	default:
		return nil, false
	}
}

// IndexableValue converts a decoded value into the scalar handed to the
// order-preserving index key codec. Dates index as epoch-milliseconds so
// range predicates work numerically.
func IndexableValue(typ domain.ColumnType, v any) any {
	if typ == domain.TypeDate {
		if ts, ok := AsTime(v); ok {
			return float64(ts.UnixMilli())
		}
	}
	return v
}

// looksSerialized reports whether s appears to be a serialized object or
// array.
func looksSerialized(s string) bool {
	s = strings.TrimSpace(s)
	return (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")) ||
		(strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"))
}
