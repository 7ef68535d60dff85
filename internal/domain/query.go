package domain

import "time"

// Comparison operator keys accepted inside a where predicate value.
const (
	OpGT  = "$gt"
	OpGTE = "$gte"
	OpLT  = "$lt"
	OpLTE = "$lte"
	OpIn  = "$in"
)

// OrderBy names a sort field and direction.
type OrderBy struct {
	Field     string
	Direction string // "asc" (default) or "desc"
}

// Desc reports whether the sort is descending.
func (o OrderBy) Desc() bool { return o.Direction == "desc" }

// FindOptions selects records by predicate.
//
// Where values are either a bare value (equality) or a map using the $gt,
// $gte, $lt, $lte, $in operator keys.
type FindOptions struct {
	Table   string
	Where   map[string]any
	OrderBy *OrderBy
	Limit   int
	Offset  int
}

// PageOptions extends FindOptions with an opaque keyset cursor.
type PageOptions struct {
	FindOptions
	Cursor string
}

// Page is one keyset-paginated result slab.
type Page struct {
	Data       []Record
	NextCursor string // empty when exhausted
}

// TimeRange bounds the canonical timestamp column. Zero bounds are open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// SearchOptions tunes a lexical search. Filters entries are equality
// predicates applied after scoring.
type SearchOptions struct {
	Table     string
	Limit     int
	Filters   map[string]any
	TimeRange *TimeRange
}

// Vector index access modes.
type VectorMode string

const (
	VectorModeAuto  VectorMode = ""      // use the built index, else exact
	VectorModeExact VectorMode = "exact" // full scan
	VectorModeIVF   VectorMode = "ivf"
	VectorModeHNSW  VectorMode = "hnsw"
)

// Distance metrics.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricDot       Metric = "dot"
	MetricEuclidean Metric = "euclidean"
)

// VectorSearchOptions tunes a similarity search.
type VectorSearchOptions struct {
	Limit  int
	Mode   VectorMode
	Metric Metric
	EF     int // HNSW search beam; 0 = default
	Probes int // IVF clusters to visit; 0 = default (3)
}

// ScoredRecord pairs a record with its relevance score.
type ScoredRecord struct {
	Record Record
	Score  float64
}

// BulkError reports one failed record in a bulk operation.
type BulkError struct {
	Index int    `json:"index"`
	Err   string `json:"error"`
}

// BulkResult accumulates per-record outcomes. Success + len(Errors) always
// equals the input length.
type BulkResult struct {
	Success int         `json:"success"`
	Errors  []BulkError `json:"errors"`
}
