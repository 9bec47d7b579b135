// Package stats tracks the process's running counters and a bounded
// in-memory log buffer for the admin surface, mirroring every counter
// into Prometheus and periodically flushing to statsdb.
package stats

import (
	"container/ring"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirrorkeep/apt-cache-proxy/internal/statsdb"
)

// maxLogBuffer bounds the in-memory admin log ring, matching the
// original implementation's MAX_LOG_BUFFER.
const maxLogBuffer = 100

// bytesServedFlushThreshold triggers an async persist once bytes_served
// has advanced by this many bytes since the last threshold-triggered
// persist (or since LoadFromDB); an explicit Flush does not reset that
// count.
const bytesServedFlushThreshold = 10 << 20

// Counters holds the live, mutex-protected request/byte counters.
type Counters struct {
	mu sync.Mutex

	requestsTotal int64
	cacheHits     int64
	cacheMisses   int64
	bytesServed   int64
	startTime     int64

	lastFlushedBytes int64
}

// Snapshot is a point-in-time copy of Counters, safe to serialize.
type Snapshot struct {
	RequestsTotal int64
	CacheHits     int64
	CacheMisses   int64
	BytesServed   int64
	StartTime     int64
}

// Tracker combines the live counters, a bounded log ring, Prometheus
// metrics, and a statsdb handle for durability.
type Tracker struct {
	counters *Counters

	logMu   sync.Mutex
	logRing *ring.Ring

	db  *statsdb.DB
	log *slog.Logger

	promRequests prometheus.Counter
	promHits     prometheus.Counter
	promMisses   prometheus.Counter
	promBytes    prometheus.Counter
}

// LogEntry is one bounded admin-surface log line.
type LogEntry struct {
	Time    time.Time
	Level   string
	Message string
}

// New constructs a Tracker. startTime should be the process start unix
// timestamp — callers own the clock since this package must stay
// deterministic for tests.
func New(db *statsdb.DB, log *slog.Logger, startTime int64, reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		counters: &Counters{startTime: startTime},
		logRing:  ring.New(maxLogBuffer),
		db:       db,
		log:      log,
		promRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apt_cache_proxy_requests_total",
			Help: "Total proxied requests.",
		}),
		promHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apt_cache_proxy_cache_hits_total",
			Help: "Requests served from the local cache.",
		}),
		promMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apt_cache_proxy_cache_misses_total",
			Help: "Requests that required an upstream fetch.",
		}),
		promBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apt_cache_proxy_bytes_served_total",
			Help: "Total response bytes streamed to clients.",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.promRequests, t.promHits, t.promMisses, t.promBytes)
	}
	return t
}

// LoadFromDB seeds the counters from persisted values, used at startup
// so a restart doesn't reset the totals.
func (t *Tracker) LoadFromDB(ctx context.Context) error {
	values, err := t.db.LoadCounters(ctx)
	if err != nil {
		return err
	}

	t.counters.mu.Lock()
	t.counters.requestsTotal = values[statsdb.KeyRequestsTotal]
	t.counters.cacheHits = values[statsdb.KeyCacheHits]
	t.counters.cacheMisses = values[statsdb.KeyCacheMisses]
	t.counters.bytesServed = values[statsdb.KeyBytesServed]
	t.counters.lastFlushedBytes = t.counters.bytesServed
	if start := values[statsdb.KeyStartTime]; start != 0 {
		t.counters.startTime = start
	}
	t.counters.mu.Unlock()

	t.promRequests.Add(float64(values[statsdb.KeyRequestsTotal]))
	t.promHits.Add(float64(values[statsdb.KeyCacheHits]))
	t.promMisses.Add(float64(values[statsdb.KeyCacheMisses]))
	t.promBytes.Add(float64(values[statsdb.KeyBytesServed]))
	return nil
}

// RecordHit accounts one cache-hit (304/served-from-cache) request.
// Call once per request, independent of how many chunks its body ends
// up streamed in.
func (t *Tracker) RecordHit() {
	t.recordRequest(true)
}

// RecordMiss accounts one cache-miss (upstream-fetched) request. Call
// once per request.
func (t *Tracker) RecordMiss() {
	t.recordRequest(false)
}

func (t *Tracker) recordRequest(hit bool) {
	t.counters.mu.Lock()
	t.counters.requestsTotal++
	if hit {
		t.counters.cacheHits++
	} else {
		t.counters.cacheMisses++
	}
	t.counters.mu.Unlock()

	t.promRequests.Inc()
	if hit {
		t.promHits.Inc()
	} else {
		t.promMisses.Inc()
	}
}

// AddBytesServed adds n to the running bytes_served counter. Called once
// per streamed chunk on the hot path, so it must never block on I/O: a
// flush, when triggered, runs on its own goroutine.
func (t *Tracker) AddBytesServed(ctx context.Context, n int64) {
	t.counters.mu.Lock()
	t.counters.bytesServed += n
	shouldFlush := t.counters.bytesServed-t.counters.lastFlushedBytes >= bytesServedFlushThreshold
	if shouldFlush {
		t.counters.lastFlushedBytes = t.counters.bytesServed
	}
	t.counters.mu.Unlock()

	t.promBytes.Add(float64(n))

	if shouldFlush {
		go t.flush(context.WithoutCancel(ctx))
	}
}

// Snapshot returns a copy of the live counters.
func (t *Tracker) Snapshot() Snapshot {
	t.counters.mu.Lock()
	defer t.counters.mu.Unlock()
	return Snapshot{
		RequestsTotal: t.counters.requestsTotal,
		CacheHits:     t.counters.cacheHits,
		CacheMisses:   t.counters.cacheMisses,
		BytesServed:   t.counters.bytesServed,
		StartTime:     t.counters.startTime,
	}
}

// Flush persists the current counters to statsdb immediately.
func (t *Tracker) Flush(ctx context.Context) error {
	return t.flush(ctx)
}

func (t *Tracker) flush(ctx context.Context) error {
	snap := t.Snapshot()
	err := t.db.SaveCounters(ctx, map[string]int64{
		statsdb.KeyRequestsTotal: snap.RequestsTotal,
		statsdb.KeyCacheHits:     snap.CacheHits,
		statsdb.KeyCacheMisses:   snap.CacheMisses,
		statsdb.KeyBytesServed:   snap.BytesServed,
		statsdb.KeyStartTime:     snap.StartTime,
	})
	if err != nil && t.log != nil {
		t.log.Error("stats: failed to flush counters", "error", err)
	}
	return err
}

// AddLog appends an entry to the bounded admin log ring, evicting the
// oldest entry once full.
func (t *Tracker) AddLog(level, message string) {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	t.logRing.Value = LogEntry{Time: time.Now(), Level: level, Message: message}
	t.logRing = t.logRing.Next()
}

// RecentLogs returns up to maxLogBuffer most recent entries, oldest first.
func (t *Tracker) RecentLogs() []LogEntry {
	t.logMu.Lock()
	defer t.logMu.Unlock()

	var out []LogEntry
	t.logRing.Do(func(v any) {
		if v == nil {
			return
		}
		out = append(out, v.(LogEntry))
	})
	return out
}
