package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// opStats accumulates one operation's counters and a capped timing history.
type opStats struct {
	Count     int64
	Errors    int64
	Durations []time.Duration // ring, capped at historyCap
	next      int
	full      bool
}

// OpSnapshot is the exported view of one operation's stats.
type OpSnapshot struct {
	Count      int64           `json:"count"`
	Errors     int64           `json:"errors"`
	AvgLatency time.Duration   `json:"avgLatency"`
	Timings    []time.Duration `json:"timings"`
}

// Snapshot is the full metrics view returned by the engine's Metrics call.
type Snapshot struct {
	Operations      map[string]OpSnapshot `json:"operations"`
	CacheHits       int64                 `json:"cacheHits"`
	CacheMisses     int64                 `json:"cacheMisses"`
	CacheHitRate    float64               `json:"cacheHitRate"`
	AvgResponseTime time.Duration         `json:"avgResponseTime"`
	Throughput      float64               `json:"throughputPerSec"`
	HeapBytes       uint64                `json:"heapBytes"`
	MemorySamples   []MemorySample        `json:"memorySamples"`
}

// MemorySample is one point of heap usage over time.
type MemorySample struct {
	At        time.Time `json:"at"`
	HeapBytes uint64    `json:"heapBytes"`
}

const maxMemorySamples = 60

// Tracker records operation counters, timings, and cache statistics. All
// methods are safe for concurrent use; updates take an exclusive lock.
type Tracker struct {
	mu          sync.Mutex
	ops         map[string]*opStats
	historyCap  int
	cacheHits   int64
	cacheMisses int64
	memSamples  []MemorySample

	// Throughput window: operation completions in the last minute.
	window []time.Time

	opsTotal  *prometheus.CounterVec
	errsTotal *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	registry  *prometheus.Registry
}

// New creates a tracker keeping historyCap timing samples per operation.
func New(historyCap int) *Tracker {
	if historyCap <= 0 {
		historyCap = 100
	}
	t := &Tracker{
		ops:        make(map[string]*opStats),
		historyCap: historyCap,
		registry:   prometheus.NewRegistry(),
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "columnist", Name: "operations_total",
			Help: "Engine operations by name.",
		}, []string{"op"}),
		errsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "columnist", Name: "operation_errors_total",
			Help: "Engine operation errors by name.",
		}, []string{"op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "columnist", Name: "operation_duration_seconds",
			Help:    "Engine operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	t.registry.MustRegister(t.opsTotal, t.errsTotal, t.latency)
	return t
}

// Registry exposes the private prometheus registry so the embedding
// application can mount it on its own /metrics handler.
func (t *Tracker) Registry() *prometheus.Registry { return t.registry }

// Observe records one completed operation.
func (t *Tracker) Observe(op string, d time.Duration, err error) {
	t.opsTotal.WithLabelValues(op).Inc()
	t.latency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		t.errsTotal.WithLabelValues(op).Inc()
	}

	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.ops[op]
	if s == nil {
		s = &opStats{Durations: make([]time.Duration, 0, t.historyCap)}
		t.ops[op] = s
	}
	s.Count++
	if err != nil {
		s.Errors++
	}
	if len(s.Durations) < t.historyCap {
		s.Durations = append(s.Durations, d)
	} else {
		s.Durations[s.next] = d
		s.full = true
	}
	s.next = (s.next + 1) % t.historyCap

	cutoff := now.Add(-time.Minute)
	t.window = append(t.window, now)
	for len(t.window) > 0 && t.window[0].Before(cutoff) {
		t.window = t.window[1:]
	}
}

// CacheHit / CacheMiss record embedder cache outcomes.
func (t *Tracker) CacheHit() {
	t.mu.Lock()
	t.cacheHits++
	t.mu.Unlock()
}

func (t *Tracker) CacheMiss() {
	t.mu.Lock()
	t.cacheMisses++
	t.mu.Unlock()
}

// SampleMemory appends a heap usage sample, keeping a bounded history.
func (t *Tracker) SampleMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	t.mu.Lock()
	t.memSamples = append(t.memSamples, MemorySample{At: time.Now(), HeapBytes: ms.HeapAlloc})
	if len(t.memSamples) > maxMemorySamples {
		t.memSamples = t.memSamples[len(t.memSamples)-maxMemorySamples:]
	}
	t.mu.Unlock()
}

// SnapshotNow returns a copy of all tracked metrics.
func (t *Tracker) SnapshotNow() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Operations:  make(map[string]OpSnapshot, len(t.ops)),
		CacheHits:   t.cacheHits,
		CacheMisses: t.cacheMisses,
		HeapBytes:   ms.HeapAlloc,
		Throughput:  float64(len(t.window)) / 60.0,
	}
	if total := t.cacheHits + t.cacheMisses; total > 0 {
		snap.CacheHitRate = float64(t.cacheHits) / float64(total)
	}
	snap.MemorySamples = append([]MemorySample(nil), t.memSamples...)

	var sum time.Duration
	var n int64
	for op, s := range t.ops {
		timings := append([]time.Duration(nil), s.Durations...)
		var opSum time.Duration
		for _, d := range timings {
			opSum += d
		}
		avg := time.Duration(0)
		if len(timings) > 0 {
			avg = opSum / time.Duration(len(timings))
		}
		snap.Operations[op] = OpSnapshot{
			Count:      s.Count,
			Errors:     s.Errors,
			AvgLatency: avg,
			Timings:    timings,
		}
		sum += opSum
		n += int64(len(timings))
	}
	if n > 0 {
		snap.AvgResponseTime = sum / time.Duration(n)
	}
	return snap
}
