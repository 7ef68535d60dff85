package columnist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"columnist/internal/changebus"
	"columnist/internal/codec"
	"columnist/internal/domain"
	"columnist/internal/index/vector"
	"columnist/internal/infra/config"
	"columnist/internal/infra/metrics"
	"columnist/internal/infra/tracer"
	"columnist/internal/resilience"
	"columnist/internal/schema"
	"columnist/internal/security"
	"columnist/internal/storage"
)

// Reserved store names and prefixes of the persisted layout.
const (
	metaSchemaStore = "_meta_schema"
	metaStatsStore  = "_meta_stats"

	iiPrefix   = "_ii_"
	vecPrefix  = "_vec_"
	ivfPrefix  = "_ivf_"
	hnswPrefix = "_hnsw_"
	idxPrefix  = "_idx_"

	schemaKeyPrefix = "schema:"
	statsKeyPrefix  = "stats:"
	versionKey      = "version"
	encSaltKey      = "encsalt"
)

func iiStore(table string) string   { return iiPrefix + table }
func vecStore(table string) string  { return vecPrefix + table }
func ivfStore(table string) string  { return ivfPrefix + table }
func hnswStore(table string) string { return hnswPrefix + table }
func idxStore(table, field string) string {
	return idxPrefix + table + "_" + field
}

// tableVectorIndex is the in-memory ANN index for one table, mirrored to
// its persisted stores by BuildOptimalVectorIndex.
type tableVectorIndex struct {
	mode domain.VectorMode
	hnsw *vector.HNSW
	ivf  *vector.IVF
}

// Engine is one open database. A process may hold several engines over
// distinct databases; no state is shared between them.
type Engine struct {
	name   string
	opts   Options
	cfg    *config.Config
	logger *slog.Logger

	mu         sync.RWMutex
	schema     domain.Schema
	validators map[string]*schema.TableValidator

	primary    storage.KV // nil when the persistent path never opened
	fallback   *storage.Memory
	inFallback atomic.Bool

	exec     *resilience.Executor
	metrics  *metrics.Tracker
	health   *metrics.HealthMonitor
	bus      *changebus.Bus
	tracker  *changebus.Tracker
	gate     *security.HookGate
	enc      *security.Encryptor
	embedder *vector.CachedEmbedder

	vmu      sync.Mutex
	vindexes map[string]*tableVectorIndex

	closed         atomic.Bool
	logClose       func() error
	tracerShutdown func(context.Context) error
}

// Open creates or opens the named database. When the persistent substrate
// cannot be opened the engine comes up on the in-memory substrate in
// fallback mode instead of failing.
func Open(ctx context.Context, name string, opts Options) (*Engine, error) {
	if name == "" {
		return nil, domain.WrapOp("columnist.Open", fmt.Errorf("%w: empty database name", domain.ErrInvalidInput))
	}
	if err := opts.Schema.Validate(); err != nil {
		return nil, domain.WrapOp("columnist.Open", err)
	}
	if opts.Version <= 0 {
		opts.Version = 1
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	} else {
		cfg.Normalize()
	}

	log := opts.Logger
	logClose := func() error { return nil }
	if log == nil {
		var err error
		log, logClose, err = cfg.Logger.Build(name)
		if err != nil {
			return nil, domain.WrapOp("columnist.Open", err)
		}
	}

	shutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, domain.WrapOp("columnist.Open", err)
	}

	e := &Engine{
		name:           name,
		opts:           opts,
		cfg:            cfg,
		logger:         log,
		validators:     make(map[string]*schema.TableValidator),
		exec:           resilience.NewExecutor(cfg.Resilience, log),
		metrics:        metrics.New(cfg.Metrics.TimingHistory),
		bus:            changebus.New(log),
		tracker:        changebus.NewTracker(opts.ReplicationBuffer),
		gate:           security.NewHookGate(),
		enc:            security.NewEncryptor(),
		vindexes:       make(map[string]*tableVectorIndex),
		logClose:       logClose,
		tracerShutdown: shutdown,
	}

	e.embedder, err = vector.NewCachedEmbedder(cfg.Vector.CacheSize, e.metrics)
	if err != nil {
		return nil, domain.WrapOp("columnist.Open", err)
	}

	e.openSubstrate()
	e.exec.SetOnStorageFailure(e.enterFallback)

	if err := e.initSchema(ctx); err != nil {
		e.Close()
		return nil, domain.WrapOp("columnist.Open", err)
	}

	e.health = metrics.NewHealthMonitor(e.healthProbe, cfg.Health.Interval, log)
	e.health.SetFallback(e.inFallback.Load())
	e.health.SetOnRecover(e.exitFallback)
	if err := e.health.Start(); err != nil {
		e.Close()
		return nil, domain.WrapOp("columnist.Open", err)
	}

	return e, nil
}

// openSubstrate opens the configured backend, falling back to memory when
// the persistent path is unavailable.
func (e *Engine) openSubstrate() {
	var (
		kv  storage.KV
		err error
	)
	switch e.cfg.Storage.Backend {
	case "memory":
		e.fallback = storage.NewMemory()
		e.inFallback.Store(true)
		return
	case "sqlite":
		kv, err = storage.OpenSQLite(filepath.Join(e.cfg.Storage.Dir, e.name+".sqlite"))
	default:
		kv, err = storage.OpenBolt(filepath.Join(e.cfg.Storage.Dir, e.name+".db"))
	}
	if err != nil {
		e.logger.Warn("persistent substrate unavailable, using in-memory fallback",
			"backend", e.cfg.Storage.Backend, "error", err)
		e.fallback = storage.NewMemory()
		e.inFallback.Store(true)
		return
	}
	e.primary = kv
}

// active returns the substrate serving requests right now.
func (e *Engine) active() storage.KV {
	if e.inFallback.Load() {
		return e.fallback
	}
	return e.primary
}

// enterFallback switches to the in-memory substrate after repeated
// storage-class failures. Durability degrades; the public API does not.
func (e *Engine) enterFallback() {
	if e.inFallback.Load() {
		return
	}
	e.logger.Error("entering fallback mode: storage failures exhausted retries")
	mem := storage.NewMemory()
	if err := mem.EnsureStores(e.allStores()...); err != nil {
		e.logger.Error("fallback substrate init failed", "error", err)
		return
	}
	e.fallback = mem
	e.inFallback.Store(true)
	if e.health != nil {
		e.health.SetFallback(true)
	}
}

// exitFallback returns to the primary substrate once the health probe
// succeeds against it.
func (e *Engine) exitFallback() {
	if !e.inFallback.Load() || e.primary == nil {
		return
	}
	e.logger.Info("exiting fallback mode: primary substrate healthy")
	e.inFallback.Store(false)
	if e.health != nil {
		e.health.SetFallback(false)
	}
}

// healthProbe is the inexpensive round-trip: a count on the meta store.
// In fallback mode it probes the primary substrate directly, so recovery
// is detected.
func (e *Engine) healthProbe(ctx context.Context) error {
	kv := e.primary
	if kv == nil {
		kv = e.fallback
	}
	return kv.View(ctx, []string{metaSchemaStore}, func(tx storage.Tx) error {
		_, err := tx.Count(metaSchemaStore, nil)
		return err
	})
}

// allStores lists every store the current schema needs.
func (e *Engine) allStores() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stores := []string{metaSchemaStore, metaStatsStore}
	for name, t := range e.schema {
		stores = append(stores, name, iiStore(name), vecStore(name), ivfStore(name), hnswStore(name))
		for _, f := range t.SecondaryIndexes {
			stores = append(stores, idxStore(name, f))
		}
	}
	return stores
}

// tableStores lists the stores one table's write transaction enlists.
func tableStores(t *domain.Table) []string {
	stores := []string{t.Name, iiStore(t.Name), metaStatsStore, vecStore(t.Name)}
	for _, f := range t.SecondaryIndexes {
		stores = append(stores, idxStore(t.Name, f))
	}
	return stores
}

// initSchema installs the schema, runs pending migrations, and persists
// the descriptors.
func (e *Engine) initSchema(ctx context.Context) error {
	e.mu.Lock()
	e.schema = e.opts.Schema
	for name, t := range e.schema {
		v, err := schema.Compile(t)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		e.validators[name] = v
	}
	e.mu.Unlock()

	if err := e.active().EnsureStores(e.allStores()...); err != nil {
		return err
	}

	return e.active().Update(ctx, e.allStores(), func(tx storage.Tx) error {
		oldVersion := 0
		if raw, err := tx.Get(metaSchemaStore, []byte(versionKey)); err == nil {
			json.Unmarshal(raw, &oldVersion) //nolint:errcheck
		} else if !errors.Is(err, storage.ErrKeyNotFound) {
			return err
		}

		for v := oldVersion + 1; v <= e.opts.Version; v++ {
			mig, ok := e.opts.Migrations[v]
			if !ok {
				continue
			}
			txn := &Txn{e: e, ctx: ctx, tx: tx}
			if err := mig(ctx, txn, oldVersion); err != nil {
				return fmt.Errorf("migration to version %d: %w", v, err)
			}
		}

		// Persist descriptors (validators excluded by their json tag).
		for name, t := range e.schema {
			raw, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("%w: marshal schema %s: %v", domain.ErrStorage, name, err)
			}
			if err := tx.Put(metaSchemaStore, []byte(schemaKeyPrefix+name), raw); err != nil {
				return err
			}
			// Seed stats for new tables.
			if _, err := tx.Get(metaStatsStore, []byte(statsKeyPrefix+name)); errors.Is(err, storage.ErrKeyNotFound) {
				if err := putStats(tx, name, domain.TableStats{}); err != nil {
					return err
				}
			}
		}

		raw, _ := json.Marshal(e.opts.Version)
		return tx.Put(metaSchemaStore, []byte(versionKey), raw)
	})
}

// table resolves a table definition.
func (e *Engine) table(name string) (*domain.Table, *schema.TableValidator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.schema[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrTableNotFound, name)
	}
	return t, e.validators[name], nil
}

// run executes fn inside an instrumented, resilience-wrapped transaction.
func (e *Engine) run(ctx context.Context, op string, write bool, stores []string, fn func(storage.Tx) error) error {
	if e.closed.Load() {
		return domain.WrapOp(op, domain.ErrClosed)
	}
	ctx, span := tracer.StartSpan(ctx, op)
	defer span.End()

	start := time.Now()
	err := e.exec.Execute(ctx, op, func(ctx context.Context) error {
		kv := e.active()
		if write {
			return kv.Update(ctx, stores, fn)
		}
		return kv.View(ctx, stores, fn)
	})
	e.metrics.Observe(op, time.Since(start), err)
	tracer.RecordError(span, err)
	return domain.WrapOp(op, err)
}

// publish delivers committed events: subscribers first, then the
// replication tracker, in commit order.
func (e *Engine) publish(events []domain.ChangeEvent) {
	for _, ev := range events {
		e.bus.Publish(ev)
		e.tracker.Track(ev)
	}
}

// Close stops the health monitor, zeroizes key material, and closes the
// substrates. Idempotent.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	if e.health != nil {
		e.health.Stop()
	}
	e.enc.Zeroize()

	var firstErr error
	if e.primary != nil {
		if err := e.primary.Close(); err != nil {
			firstErr = err
		}
	}
	if e.fallback != nil {
		if err := e.fallback.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.tracerShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.logClose(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// --- stats helpers ---

func getStats(tx storage.Tx, table string) (domain.TableStats, error) {
	var s domain.TableStats
	raw, err := tx.Get(metaStatsStore, []byte(statsKeyPrefix+table))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("%w: corrupt stats for %s: %v", domain.ErrStorage, table, err)
	}
	return s, nil
}

func putStats(tx storage.Tx, table string, s domain.TableStats) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: marshal stats: %v", domain.ErrStorage, err)
	}
	return tx.Put(metaStatsStore, []byte(statsKeyPrefix+table), raw)
}

// --- stored-record helpers ---

// decodeStored turns raw stored bytes into the application-form record:
// unmarshal, decrypt sensitive fields, decode column values, run the
// reverse validator, and normalize the primary key to uint64.
func (e *Engine) decodeStored(t *domain.Table, v *schema.TableValidator, raw []byte) (domain.Record, error) {
	var rec domain.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt record in %s: %v", domain.ErrStorage, t.Name, err)
	}
	if err := e.decryptRecord(rec); err != nil {
		return nil, err
	}
	rec = codec.DecodeRecord(t, rec)
	rec = v.Restore(rec)
	if id, ok := schema.ID(rec[t.PK()]); ok {
		rec[t.PK()] = id
	}
	return rec, nil
}

// encryptRecord seals sensitive string fields in place when a key is
// configured.
func (e *Engine) encryptRecord(rec domain.Record) error {
	if !e.enc.Configured() {
		return nil
	}
	for field, val := range rec {
		s, ok := val.(string)
		if !ok || s == "" || !security.SensitiveField(field) {
			continue
		}
		if e.enc.IsEncrypted(s) {
			continue
		}
		ct, err := e.enc.Encrypt(s)
		if err != nil {
			return err
		}
		rec[field] = ct
	}
	return nil
}

// decryptRecord opens sensitive fields in place. A failed decryption is
// fatal for the read.
func (e *Engine) decryptRecord(rec domain.Record) error {
	for field, val := range rec {
		s, ok := val.(string)
		if !ok || !security.SensitiveField(field) || !e.enc.IsEncrypted(s) {
			continue
		}
		pt, err := e.enc.Decrypt(s)
		if err != nil {
			return err
		}
		rec[field] = pt
	}
	return nil
}
