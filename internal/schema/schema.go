// Package schema derives and applies record validators. When a table
// carries no user validator the engine validates mechanically: scalar
// columns go through a compiled JSON schema, date/vector/json columns
// through typed checks the JSON-schema vocabulary cannot express (date
// parse, fixed vector dimension).
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"columnist/internal/codec"
	"columnist/internal/domain"
)

// TableValidator validates records against one table definition.
type TableValidator struct {
	table  *domain.Table
	scalar *jsonschema.Schema // scalar-column constraints; nil when none
}

// Compile builds the derived validator for t.
func Compile(t *domain.Table) (*TableValidator, error) {
	props := map[string]any{}
	for name, typ := range t.Columns {
		if name == t.PK() {
			continue // auto-assigned; checked separately when present
		}
		switch typ {
		case domain.TypeString:
			props[name] = map[string]any{"type": "string"}
		case domain.TypeNumber:
			props[name] = map[string]any{"type": "number"}
		case domain.TypeBoolean:
			props[name] = map[string]any{"type": "boolean"}
		}
	}

	v := &TableValidator{table: t}
	if len(props) > 0 {
		doc, err := json.Marshal(map[string]any{
			"type":                 "object",
			"properties":           props,
			"additionalProperties": true,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", t.Name, err)
		}
		compiled, err := jsonschema.NewCompiler().Compile(doc)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", t.Name, err)
		}
		v.scalar = compiled
	}
	return v, nil
}

// Validate checks rec. In partial mode (updates) every field is optional;
// the checks are per-present-field either way, so the two modes differ
// only in how the primary key is treated by the caller.
func (v *TableValidator) Validate(rec domain.Record, partial bool) error {
	t := v.table

	if pk, ok := rec[t.PK()]; ok && pk != nil {
		if _, isNum := toID(pk); !isNum {
			return &domain.ValidationError{
				Table: t.Name, Field: t.PK(),
				Message: fmt.Sprintf("primary key must be a positive integer, got %T", pk),
			}
		}
	}

	// Scalar columns through the compiled JSON schema.
	if v.scalar != nil {
		scalars := map[string]any{}
		for name, typ := range t.Columns {
			if val, ok := rec[name]; ok && val != nil {
				switch typ {
				case domain.TypeString, domain.TypeNumber, domain.TypeBoolean:
					scalars[name] = normalizeScalar(val)
				}
			}
		}
		if len(scalars) > 0 {
			result := v.scalar.Validate(scalars)
			if !result.IsValid() {
				return &domain.ValidationError{
					Table:   t.Name,
					Message: fmt.Sprintf("%s", result.Error()),
				}
			}
		}
	}

	// Typed checks for the shapes JSON schema cannot see.
	for name, typ := range t.Columns {
		val, ok := rec[name]
		if !ok || val == nil {
			continue
		}
		switch typ {
		case domain.TypeDate:
			if _, ok := codec.AsTime(val); !ok {
				return &domain.ValidationError{
					Table: t.Name, Field: name,
					Message: fmt.Sprintf("not a date value: %T", val),
				}
			}
		case domain.TypeVector:
			vec, ok := codec.AsVector(val)
			if !ok {
				return &domain.ValidationError{
					Table: t.Name, Field: name,
					Message: fmt.Sprintf("not a vector value: %T", val),
				}
			}
			if spec := t.Vector; spec != nil && spec.Column == name && len(vec) != spec.Dimensions {
				return &domain.DimensionError{Table: t.Name, Want: spec.Dimensions, Got: len(vec)}
			}
		}
	}
	return nil
}

// Apply runs the table's validator chain on a write: the user validator's
// forward transform when present (it takes precedence), then the derived
// checks.
func (v *TableValidator) Apply(rec domain.Record, partial bool) (domain.Record, error) {
	t := v.table
	if t.Validator != nil && t.Validator.Forward != nil {
		out, err := t.Validator.Forward(domain.CloneRecord(rec))
		if err != nil {
			return nil, &domain.ValidationError{Table: t.Name, Message: err.Error()}
		}
		rec = out
	}
	if err := v.Validate(rec, partial); err != nil {
		return nil, err
	}
	return rec, nil
}

// Restore runs the user validator's reverse transform on a read.
func (v *TableValidator) Restore(rec domain.Record) domain.Record {
	t := v.table
	if t.Validator != nil && t.Validator.Reverse != nil {
		return t.Validator.Reverse(rec)
	}
	return rec
}

// normalizeScalar widens Go integer kinds to float64 so the JSON-schema
// number check sees what json.Unmarshal would produce.
func normalizeScalar(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

// toID normalizes a primary-key value to uint64.
func toID(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case int64:
		if x > 0 {
			return uint64(x), true
		}
	case int:
		if x > 0 {
			return uint64(x), true
		}
	case float64:
		if x > 0 && x == float64(uint64(x)) {
			return uint64(x), true
		}
	}
	return 0, false
}

// ID exposes the primary-key normalization for the engine.
func ID(v any) (uint64, bool) { return toID(v) }
