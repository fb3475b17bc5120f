// Package monitor tracks orchestrator-wide counters and latency histograms
// exposed through the management API.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks overall orchestrator performance.
type Metrics struct {
	// Latency histograms
	TickLatency    *LatencyHistogram
	TrackerLatency *LatencyHistogram
	APILatency     *LatencyHistogram

	// Counters
	cycles           uint64
	actions          uint64
	ordersPlaced     uint64
	apiRequests      uint64
	apiErrors        uint64
	backgroundErrors uint64
}

// NewMetrics creates a metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		TickLatency:    NewLatencyHistogram(1000),
		TrackerLatency: NewLatencyHistogram(1000),
		APILatency:     NewLatencyHistogram(1000),
	}
}

// LatencyHistogram tracks latency samples with a sliding window and lazily
// recomputed stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Stats returns min, max, avg, p50, p95, p99, recomputing only when samples
// changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// IncrementCycles counts one coordination loop tick.
func (m *Metrics) IncrementCycles() { atomic.AddUint64(&m.cycles, 1) }

// IncrementActions counts one strategy tick dispatch.
func (m *Metrics) IncrementActions() { atomic.AddUint64(&m.actions, 1) }

// IncrementOrders counts one order submitted to the venue.
func (m *Metrics) IncrementOrders() { atomic.AddUint64(&m.ordersPlaced, 1) }

// IncrementAPI counts one management API request.
func (m *Metrics) IncrementAPI() { atomic.AddUint64(&m.apiRequests, 1) }

// IncrementAPIErrors counts one 4xx/5xx API response.
func (m *Metrics) IncrementAPIErrors() { atomic.AddUint64(&m.apiErrors, 1) }

// IncrementBackgroundErrors counts one caught background task error.
func (m *Metrics) IncrementBackgroundErrors() { atomic.AddUint64(&m.backgroundErrors, 1) }

// Cycles returns the coordination cycle count.
func (m *Metrics) Cycles() uint64 { return atomic.LoadUint64(&m.cycles) }

// Actions returns the dispatched action count.
func (m *Metrics) Actions() uint64 { return atomic.LoadUint64(&m.actions) }

// Snapshot is a point-in-time metrics view.
type Snapshot struct {
	Cycles           uint64       `json:"cycles"`
	Actions          uint64       `json:"actions"`
	OrdersPlaced     uint64       `json:"orders_placed"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	BackgroundErrors uint64       `json:"background_errors"`
	TickLatency      LatencyStats `json:"tick_latency"`
	TrackerLatency   LatencyStats `json:"tracker_latency"`
	APILatency       LatencyStats `json:"api_latency"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		Cycles:           atomic.LoadUint64(&m.cycles),
		Actions:          atomic.LoadUint64(&m.actions),
		OrdersPlaced:     atomic.LoadUint64(&m.ordersPlaced),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		BackgroundErrors: atomic.LoadUint64(&m.backgroundErrors),
		TickLatency:      m.TickLatency.Stats(),
		TrackerLatency:   m.TrackerLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Timestamp:        time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to the histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
