package infra

import (
	"testing"
)

func TestMetrics_RecordFetch(t *testing.T) {
	m := &Metrics{}

	m.RecordFetch(1000)
	m.RecordFetch(2000)
	m.RecordFetch(3000)

	snap := m.Snapshot()

	if snap.FetchCount != 3 {
		t.Errorf("Expected 3 fetches, got %d", snap.FetchCount)
	}

	// Average latency: (1000 + 2000 + 3000) / 3 = 2000
	if snap.AvgFetchLatencyNs != 2000 {
		t.Errorf("Expected avg latency 2000, got %d", snap.AvgFetchLatencyNs)
	}
}

func TestMetrics_Pushes(t *testing.T) {
	m := &Metrics{}

	for i := 0; i < 5; i++ {
		m.RecordPush()
	}
	m.RecordCoalesced(4)
	m.RecordFrame()

	snap := m.Snapshot()
	if snap.PushesReceived != 5 {
		t.Errorf("Expected 5 pushes, got %d", snap.PushesReceived)
	}
	if snap.PushesCoalesced != 4 {
		t.Errorf("Expected 4 coalesced, got %d", snap.PushesCoalesced)
	}
	if snap.FramesRendered != 1 {
		t.Errorf("Expected 1 frame, got %d", snap.FramesRendered)
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := &Metrics{}

	m.IncrementConnections()
	m.IncrementConnections()
	m.IncrementConnections()

	snap := m.Snapshot()
	if snap.ActiveConnections != 3 {
		t.Errorf("Expected 3 connections, got %d", snap.ActiveConnections)
	}

	m.DecrementConnections()
	snap = m.Snapshot()
	if snap.ActiveConnections != 2 {
		t.Errorf("Expected 2 connections, got %d", snap.ActiveConnections)
	}
}

func TestMetrics_Sessions(t *testing.T) {
	m := &Metrics{}

	m.IncrementSessions()
	m.IncrementSessions()
	m.DecrementSessions()

	if snap := m.Snapshot(); snap.ActiveSessions != 1 {
		t.Errorf("Expected 1 session, got %d", snap.ActiveSessions)
	}
}

func TestMetrics_CircuitState(t *testing.T) {
	m := &Metrics{}

	snap := m.Snapshot()
	if snap.CircuitOpen {
		t.Error("Expected circuit closed initially")
	}

	m.SetCircuitState(true)
	snap = m.Snapshot()
	if !snap.CircuitOpen {
		t.Error("Expected circuit open")
	}

	m.SetCircuitState(false)
	snap = m.Snapshot()
	if snap.CircuitOpen {
		t.Error("Expected circuit closed")
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := &Metrics{}

	m.RecordPush()
	m.RecordError()
	m.IncrementConnections()

	m.Reset()
	snap := m.Snapshot()

	if snap.PushesReceived != 0 {
		t.Error("Expected 0 pushes after reset")
	}
	if snap.ErrorsTotal != 0 {
		t.Error("Expected 0 errors after reset")
	}
	if snap.ActiveConnections != 0 {
		t.Error("Expected 0 connections after reset")
	}
}

func TestMetricsRegistry_Exposes(t *testing.T) {
	m := &Metrics{}
	m.RecordPush()
	m.RecordPush()
	m.IncrementSessions()

	reg := NewMetricsRegistry(m)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}

	if values["orderbook_pushes_received_total"] != 2 {
		t.Errorf("Expected 2 pushes, got %v", values["orderbook_pushes_received_total"])
	}
	if values["orderbook_view_sessions"] != 1 {
		t.Errorf("Expected 1 session, got %v", values["orderbook_view_sessions"])
	}
}
