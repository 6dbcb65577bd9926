package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestNodeWindowSnapshot(t *testing.T) {
	w := newNodeWindow(8)
	w.Observe("retrieve_context", 100, false)
	w.Observe("retrieve_context", 200, true)
	w.Observe("retrieve_context", 300, false)
	w.Observe("retrieve_context", 400, true)

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Nodes) != 1 {
		t.Fatalf("len(Nodes) = %d, want 1", len(snap.Nodes))
	}
	s := snap.Nodes[0]
	if s.Node != "retrieve_context" {
		t.Fatalf("Node = %q, want %q", s.Node, "retrieve_context")
	}
	if s.Samples != 4 || s.Degraded != 2 {
		t.Fatalf("Samples = %d Degraded = %d, want 4 and 2", s.Samples, s.Degraded)
	}
	if s.DegradedRate != 0.5 {
		t.Fatalf("DegradedRate = %.2f, want 0.5", s.DegradedRate)
	}
	if s.LastMS != 400 {
		t.Fatalf("LastMS = %.2f, want 400", s.LastMS)
	}
	if s.P50MS != 250 {
		t.Fatalf("P50MS = %.2f, want 250", s.P50MS)
	}
	if s.TargetP95MS != 400 || s.OverTarget {
		t.Fatalf("TargetP95MS = %.2f OverTarget = %v, want 400 and false", s.TargetP95MS, s.OverTarget)
	}
	if len(snap.Hotspots) != 1 || snap.Hotspots[0] != "retrieve_context" {
		t.Fatalf("Hotspots = %v, want [retrieve_context]", snap.Hotspots)
	}
}

func TestNodeWindowWrapsAround(t *testing.T) {
	w := newNodeWindow(2)
	w.Observe("generate_response", 10, true)
	w.Observe("generate_response", 20, false)
	w.Observe("generate_response", 30, false)

	s := w.Snapshot().Nodes[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25", s.AvgMS)
	}
	if s.Degraded != 0 {
		t.Fatalf("Degraded = %d, want the evicted fallback dropped", s.Degraded)
	}
}

func TestNodeWindowRanksHotspots(t *testing.T) {
	w := newNodeWindow(4)
	w.Observe("get_recommendations", 600, false)
	w.Observe("retrieve_context", 800, false)
	w.Observe("extract_query", 1, true)
	w.Observe("generate_suggestions", 1, false)

	snap := w.Snapshot()
	want := []string{"get_recommendations", "retrieve_context", "extract_query"}
	if len(snap.Hotspots) != len(want) {
		t.Fatalf("Hotspots = %v, want %v", snap.Hotspots, want)
	}
	for i := range want {
		if snap.Hotspots[i] != want[i] {
			t.Fatalf("Hotspots = %v, want %v", snap.Hotspots, want)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveSessionEvent("created")
	m.ObserveTurn("dialogue", "shopping", time.Millisecond)
	m.ObserveNode("retrieve_context", time.Millisecond, true)
	m.ObserveExternalError("embedding")
	m.ObserveEscalation("urgent")
	m.ObserveDeliveryGap()
	m.ObserveWSMessage("in", "chat")
	if got := m.NodeSnapshot(); len(got.Nodes) != 0 {
		t.Fatalf("len(Nodes) = %d, want 0", len(got.Nodes))
	}
}

func TestMetricsRecordNodeFailures(t *testing.T) {
	m := NewMetrics("observability_test_node_failures")
	m.ObserveNode("retrieve_context", 5*time.Millisecond, true)
	m.ObserveNode("retrieve_context", 7*time.Millisecond, false)

	snap := m.NodeSnapshot()
	if len(snap.Nodes) != 1 || snap.Nodes[0].Samples != 2 {
		t.Fatalf("Nodes = %+v, want one node with two samples", snap.Nodes)
	}
	if snap.Nodes[0].Degraded != 1 {
		t.Fatalf("Degraded = %d, want 1", snap.Nodes[0].Degraded)
	}

	m.ResetNodeWindow()
	if got := len(m.NodeSnapshot().Nodes); got != 0 {
		t.Fatalf("len(Nodes) after reset = %d, want 0", got)
	}
}

func TestLoggerFromContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	t.Cleanup(func() { logger.Store(prev) })
	SetupLogger(&buf, "debug")

	ctx := WithSessionID(WithRequestID(context.Background(), "req-1"), "sess-1")
	LoggerFromContext(ctx).Debug("turn handled")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if entry["request_id"] != "req-1" {
		t.Fatalf("request_id = %v, want req-1", entry["request_id"])
	}
	if entry["session_id"] != "sess-1" {
		t.Fatalf("session_id = %v, want sess-1", entry["session_id"])
	}
}
