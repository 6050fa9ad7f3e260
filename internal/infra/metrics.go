package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability for the view pipeline.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	pushesReceived  atomic.Uint64
	pushesCoalesced atomic.Uint64 // Discarded intermediate snapshots
	framesRendered  atomic.Uint64
	errorsTotal     atomic.Uint64

	// Lifecycle setup latency (dial through subscribe)
	fetchSumNs atomic.Int64
	fetchCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	activeSessions    atomic.Int32
	circuitOpen       atomic.Int32 // 1 = open, 0 = closed
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordPush records a snapshot pushed by the feed.
func (m *Metrics) RecordPush() {
	m.pushesReceived.Add(1)
}

// RecordCoalesced records snapshots dropped in favour of a fresher one.
func (m *Metrics) RecordCoalesced(n uint64) {
	m.pushesCoalesced.Add(n)
}

// RecordFrame records a frame sent to a view.
func (m *Metrics) RecordFrame() {
	m.framesRendered.Add(1)
}

// RecordFetch records a completed lifecycle setup with its latency.
func (m *Metrics) RecordFetch(latencyNs int64) {
	m.fetchSumNs.Add(latencyNs)
	m.fetchCount.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// IncrementConnections increments active feed connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active feed connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// IncrementSessions increments open view sessions by 1.
func (m *Metrics) IncrementSessions() {
	m.activeSessions.Add(1)
}

// DecrementSessions decrements open view sessions by 1.
func (m *Metrics) DecrementSessions() {
	m.activeSessions.Add(-1)
}

// SetCircuitState sets the circuit breaker state (true = open).
func (m *Metrics) SetCircuitState(open bool) {
	if open {
		m.circuitOpen.Store(1)
	} else {
		m.circuitOpen.Store(0)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	PushesReceived    uint64
	PushesCoalesced   uint64
	FramesRendered    uint64
	ErrorsTotal       uint64
	FetchCount        uint64
	AvgFetchLatencyNs int64
	ActiveConnections int32
	ActiveSessions    int32
	CircuitOpen       bool
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.fetchCount.Load()
	if count > 0 {
		avgLatency = m.fetchSumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		PushesReceived:    m.pushesReceived.Load(),
		PushesCoalesced:   m.pushesCoalesced.Load(),
		FramesRendered:    m.framesRendered.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		FetchCount:        count,
		AvgFetchLatencyNs: avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		ActiveSessions:    m.activeSessions.Load(),
		CircuitOpen:       m.circuitOpen.Load() == 1,
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.pushesReceived.Store(0)
	m.pushesCoalesced.Store(0)
	m.framesRendered.Store(0)
	m.errorsTotal.Store(0)
	m.fetchSumNs.Store(0)
	m.fetchCount.Store(0)
	m.activeConnections.Store(0)
	m.activeSessions.Store(0)
	m.circuitOpen.Store(0)
}
