package observability

import (
	"errors"
	"sync"
	"time"

	"tripledger/internal/ledger"
	"tripledger/internal/ledger/store"
)

type OpSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	Conflicts     int64   `json:"conflicts"`
	Transient     int64   `json:"transient"`
	Permanent     int64   `json:"permanent"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec       int64                 `json:"uptime_sec"`
	TotalCalls      int64                 `json:"total_calls"`
	TotalErrors     int64                 `json:"total_errors"`
	TotalConflicts  int64                 `json:"total_conflicts"`
	InFlight        int64                 `json:"in_flight"`
	RateLimitWaits  int64                 `json:"rate_limit_waits"`
	RateLimitWaitMs int64                 `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot    `json:"lifecycle,omitempty"`
	Ops             map[string]OpSnapshot `json:"ops"`
}

type opStats struct {
	count        int64
	errors       int64
	conflicts    int64
	transient    int64
	permanent    int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics aggregates per-operation call statistics for the ledger and its transport.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	ops            map[string]*opStats
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

// CallSpan measures one call from Start to End.
type CallSpan struct {
	metrics *Metrics
	op      string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start: time.Now(),
		ops:   make(map[string]*opStats),
	}
}

func (m *Metrics) Start(op string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureOp(op)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		op:      op,
		start:   time.Now(),
	}
}

// End records the call outcome. Conflicts are expected under retries and are
// counted apart from errors.
func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.finish(s.op, time.Since(s.start), err)
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(time.Since(m.start).Seconds()),
		Ops:             make(map[string]OpSnapshot, len(m.ops)),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for op, stats := range m.ops {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Ops[op] = OpSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			Conflicts:     stats.conflicts,
			Transient:     stats.transient,
			Permanent:     stats.permanent,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalCalls += stats.count
		snap.TotalErrors += stats.errors
		snap.TotalConflicts += stats.conflicts
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}

func (m *Metrics) ensureOp(op string) *opStats {
	stats, ok := m.ops[op]
	if !ok {
		stats = &opStats{}
		m.ops[op] = stats
	}
	return stats
}

func (m *Metrics) finish(op string, dur time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.ensureOp(op)
	stats.inFlight--
	stats.count++
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrConflict),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, store.ErrConditionFailed):
		stats.conflicts++
	case errors.Is(err, ledger.ErrTransientStore), store.IsTransient(err):
		stats.errors++
		stats.transient++
	case errors.Is(err, ledger.ErrPermanentStore), store.IsPermanent(err):
		stats.errors++
		stats.permanent++
	default:
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
}
