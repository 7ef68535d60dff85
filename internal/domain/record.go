package domain

import (
	"fmt"
	"strings"
)

// ColumnType enumerates the declarable column types.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeNumber  ColumnType = "number"
	TypeBoolean ColumnType = "boolean"
	TypeDate    ColumnType = "date"
	TypeJSON    ColumnType = "json"
	TypeVector  ColumnType = "vector"
)

// DefaultPrimaryKey is the auto-assigned integer primary key column.
const DefaultPrimaryKey = "id"

// Record is a single row. Field values are the application-side
// representations: time.Time for dates, []float32 for vectors, plain
// string/float64/bool for scalars, arbitrary JSON-able values for json
// columns.
type Record = map[string]any

// Validator transforms records between application and storage shape.
// Forward runs on writes (validate + derive storage fields); Reverse runs
// on reads (restore derived fields). Either may be nil. When a validator is
// attached it takes precedence over the mechanically derived one.
type Validator struct {
	Forward func(Record) (Record, error) `json:"-" yaml:"-"`
	Reverse func(Record) Record          `json:"-" yaml:"-"`
}

// VectorSpec configures the vector column of a table.
type VectorSpec struct {
	Column     string `json:"column" yaml:"column"`           // column holding the embedding
	Source     string `json:"source" yaml:"source"`           // text column fed to the embedder
	Dimensions int    `json:"dimensions" yaml:"dimensions"`   // fixed dimension D
	Metric     string `json:"metric,omitempty" yaml:"metric"` // cosine (default), dot, euclidean
}

// Table declares a named collection. The zero value is not usable; tables
// come from a Schema passed to the engine at init time.
//
// Validator is deliberately excluded from serialization: the persisted
// schema descriptor in the meta store carries everything else.
type Table struct {
	Name             string                `json:"name"`
	Columns          map[string]ColumnType `json:"columns"`
	PrimaryKey       string                `json:"primaryKey,omitempty"`
	SecondaryIndexes []string              `json:"secondaryIndexes,omitempty"`
	Searchable       []string              `json:"searchable,omitempty"`
	Vector           *VectorSpec           `json:"vector,omitempty"`
	Validator        *Validator            `json:"-"`
}

// Schema maps table name to definition.
type Schema map[string]*Table

// PK returns the table's primary key column name.
func (t *Table) PK() string {
	if t.PrimaryKey == "" {
		return DefaultPrimaryKey
	}
	return t.PrimaryKey
}

// sensitivePatterns mark column names whose values are ciphertext at rest
// whenever an encryption key is configured. Matching is substring,
// case-insensitive.
var sensitivePatterns = []string{"password", "secret", "key", "token", "auth"}

// SensitiveField reports whether a column name matches a sensitive
// pattern.
func SensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range sensitivePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// SearchableFields returns the tokenized columns: the declared list, or
// every non-sensitive string column when none is declared.
func (t *Table) SearchableFields() []string {
	if len(t.Searchable) > 0 {
		return t.Searchable
	}
	var fields []string
	for name, typ := range t.Columns {
		if typ == TypeString && name != t.PK() && !SensitiveField(name) {
			fields = append(fields, name)
		}
	}
	return fields
}

// IsIndexed reports whether field carries a secondary index.
func (t *Table) IsIndexed(field string) bool {
	for _, f := range t.SecondaryIndexes {
		if f == field {
			return true
		}
	}
	return false
}

// Validate checks the table definition itself.
func (t *Table) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: table name is empty", ErrInvalidInput)
	}
	if strings.HasPrefix(t.Name, "_") {
		return fmt.Errorf("%w: table name %q: leading underscore is reserved", ErrInvalidInput, t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("%w: table %q has no columns", ErrInvalidInput, t.Name)
	}
	for name, typ := range t.Columns {
		switch typ {
		case TypeString, TypeNumber, TypeBoolean, TypeDate, TypeJSON, TypeVector:
		default:
			return fmt.Errorf("%w: table %q column %q: unknown type %q", ErrInvalidInput, t.Name, name, typ)
		}
	}
	for _, f := range t.SecondaryIndexes {
		if _, ok := t.Columns[f]; !ok {
			return fmt.Errorf("%w: table %q indexes unknown column %q", ErrInvalidInput, t.Name, f)
		}
	}
	for _, f := range t.Searchable {
		if t.Columns[f] != TypeString {
			return fmt.Errorf("%w: table %q searchable column %q is not a string", ErrInvalidInput, t.Name, f)
		}
	}
	if v := t.Vector; v != nil {
		if t.Columns[v.Column] != TypeVector {
			return fmt.Errorf("%w: table %q vector column %q is not vector-typed", ErrInvalidInput, t.Name, v.Column)
		}
		if v.Dimensions <= 0 {
			return fmt.Errorf("%w: table %q vector dimensions must be positive", ErrInvalidInput, t.Name)
		}
		if v.Source != "" && t.Columns[v.Source] != TypeString {
			return fmt.Errorf("%w: table %q vector source %q is not a string column", ErrInvalidInput, t.Name, v.Source)
		}
	}
	return nil
}

// Validate checks every table in the schema.
func (s Schema) Validate() error {
	for name, t := range s {
		if t == nil {
			return fmt.Errorf("%w: table %q is nil", ErrInvalidInput, name)
		}
		if t.Name == "" {
			t.Name = name
		}
		if t.Name != name {
			return fmt.Errorf("%w: schema key %q does not match table name %q", ErrInvalidInput, name, t.Name)
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TableStats tracks per-table accounting, kept in sync on every commit.
type TableStats struct {
	Count      int64 `json:"count"`
	TotalBytes int64 `json:"totalBytes"`
}

// CloneRecord returns a shallow copy of r. Vector values are copied so the
// caller can never alias a buffer owned by a cache or the substrate.
func CloneRecord(r Record) Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if vec, ok := v.([]float32); ok {
			cp := make([]float32, len(vec))
			copy(cp, vec)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}
