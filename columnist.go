// Package columnist is an embeddable, schema-aware document store. It
// combines columnar record storage, a TF-IDF inverted index, and an ANN
// vector index (HNSW with IVF and exact-scan fallbacks) in one
// transactional engine over an ordered key-value substrate, with at-rest
// encryption of sensitive fields, live change subscriptions, and a
// replication tracker hook.
package columnist

import (
	"context"
	"log/slog"

	"columnist/internal/domain"
	"columnist/internal/infra/config"
)

// Re-exported domain types: the public API speaks these.
type (
	Record              = domain.Record
	Schema              = domain.Schema
	Table               = domain.Table
	ColumnType          = domain.ColumnType
	VectorSpec          = domain.VectorSpec
	Validator           = domain.Validator
	ChangeEvent         = domain.ChangeEvent
	ChangeType          = domain.ChangeType
	Subscriber          = domain.Subscriber
	Embedder            = domain.Embedder
	EmbedderFunc        = domain.EmbedderFunc
	AuthHook            = domain.AuthHook
	FindOptions         = domain.FindOptions
	PageOptions         = domain.PageOptions
	Page                = domain.Page
	OrderBy             = domain.OrderBy
	SearchOptions       = domain.SearchOptions
	TimeRange           = domain.TimeRange
	VectorSearchOptions = domain.VectorSearchOptions
	VectorMode          = domain.VectorMode
	Metric              = domain.Metric
	ScoredRecord        = domain.ScoredRecord
	BulkResult          = domain.BulkResult
	BulkError           = domain.BulkError
	TableStats          = domain.TableStats
	Config              = config.Config
)

// Column types.
const (
	TypeString  = domain.TypeString
	TypeNumber  = domain.TypeNumber
	TypeBoolean = domain.TypeBoolean
	TypeDate    = domain.TypeDate
	TypeJSON    = domain.TypeJSON
	TypeVector  = domain.TypeVector
)

// Change types.
const (
	ChangeInsert = domain.ChangeInsert
	ChangeUpdate = domain.ChangeUpdate
	ChangeDelete = domain.ChangeDelete
)

// Vector modes and metrics.
const (
	VectorModeAuto  = domain.VectorModeAuto
	VectorModeExact = domain.VectorModeExact
	VectorModeIVF   = domain.VectorModeIVF
	VectorModeHNSW  = domain.VectorModeHNSW

	MetricCosine    = domain.MetricCosine
	MetricDot       = domain.MetricDot
	MetricEuclidean = domain.MetricEuclidean
)

// Error sentinels, re-exported for errors.Is checks by embedders.
var (
	ErrValidation        = domain.ErrValidation
	ErrNotFound          = domain.ErrNotFound
	ErrDimensionMismatch = domain.ErrDimensionMismatch
	ErrStorage           = domain.ErrStorage
	ErrNetwork           = domain.ErrNetwork
	ErrAuthentication    = domain.ErrAuthentication
	ErrTransient         = domain.ErrTransient
	ErrPermanent         = domain.ErrPermanent
	ErrInvalidInput      = domain.ErrInvalidInput
	ErrTableNotFound     = domain.ErrTableNotFound
	ErrDecryption        = domain.ErrDecryption
	ErrWeakPassphrase    = domain.ErrWeakPassphrase
	ErrCircuitOpen       = domain.ErrCircuitOpen
	ErrRateLimited       = domain.ErrRateLimited
	ErrInvalidCursor     = domain.ErrInvalidCursor
	ErrClosed            = domain.ErrClosed
)

// ErrorCodeOf resolves any engine error to its stable code string.
func ErrorCodeOf(err error) string { return string(domain.ErrorCodeOf(err)) }

// WithClient tags ctx with a client identity for auth-hook failure
// accounting.
func WithClient(ctx context.Context, id string) context.Context {
	return domain.WithClient(ctx, id)
}

// Migration upgrades persisted data for one schema version step. It runs
// inside the migration transaction; oldVersion is the version being
// upgraded from.
type Migration func(ctx context.Context, tx *Txn, oldVersion int) error

// Options configures Open.
type Options struct {
	// Schema declares the tables. Required.
	Schema Schema
	// Version is the schema version; Migrations with keys in
	// (storedVersion, Version] run in order at open. Zero means 1.
	Version int
	// Migrations maps target version to its upgrade step.
	Migrations map[int]Migration
	// Config tunes storage, resilience, vector cache, health, metrics.
	// Nil uses defaults (bolt backend in the working directory).
	Config *Config
	// Logger overrides the config-built logger.
	Logger *slog.Logger
	// ReplicationBuffer bounds the change-tracker queue. 0 = default.
	ReplicationBuffer int
}
