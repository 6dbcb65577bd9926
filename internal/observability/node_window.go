package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// nodeTargetsP95MS is the latency budget of the dialogue nodes that call out
// to a dependency. Nodes without a budget are reported but never flagged.
var nodeTargetsP95MS = map[string]float64{
	"retrieve_context":     400,
	"get_recommendations":  150,
	"handle_order_actions": 800,
	"generate_response":    2500,
	"turn_total":           3000,
}

type NodeLatencyStats struct {
	Node    string `json:"node"`
	Samples int    `json:"samples"`
	// Degraded counts samples in the window where the node fell back.
	Degraded     int     `json:"degraded"`
	DegradedRate float64 `json:"degraded_rate"`
	LastMS       float64 `json:"last_ms"`
	AvgMS        float64 `json:"avg_ms"`
	P50MS        float64 `json:"p50_ms"`
	P95MS        float64 `json:"p95_ms"`
	P99MS        float64 `json:"p99_ms"`
	TargetP95MS  float64 `json:"target_p95_ms,omitempty"`
	OverTarget   bool    `json:"over_target,omitempty"`
}

type NodeLatencySnapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	WindowSize  int                `json:"window_size"`
	Nodes       []NodeLatencyStats `json:"nodes"`
	// Hotspots lists nodes over budget or degrading, worst first.
	Hotspots []string `json:"hotspots,omitempty"`
}

type nodeSample struct {
	ms       float64
	degraded bool
}

// nodeWindow keeps the most recent executions of each dialogue node.
type nodeWindow struct {
	mu         sync.RWMutex
	maxSamples int
	nodes      map[string]*nodeRing
}

type nodeRing struct {
	samples []nodeSample
	next    int
	size    int
	last    float64
}

func (r *nodeRing) add(s nodeSample) {
	r.samples[r.next] = s
	r.last = s.ms
	r.next = (r.next + 1) % len(r.samples)
	if r.size < len(r.samples) {
		r.size++
	}
}

func newNodeWindow(maxSamples int) *nodeWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &nodeWindow{
		maxSamples: maxSamples,
		nodes:      make(map[string]*nodeRing),
	}
}

func (w *nodeWindow) Observe(node string, ms float64, degraded bool) {
	if node == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.nodes[node]
	if !ok {
		ring = &nodeRing{samples: make([]nodeSample, w.maxSamples)}
		w.nodes[node] = ring
	}
	ring.add(nodeSample{ms: ms, degraded: degraded})
}

func (w *nodeWindow) Snapshot() NodeLatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]NodeLatencyStats, 0, len(w.nodes))
	for name, ring := range w.nodes {
		if ring.size == 0 {
			continue
		}
		out = append(out, ring.stats(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })

	return NodeLatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Nodes:       out,
		Hotspots:    hotspots(out),
	}
}

func (r *nodeRing) stats(name string) NodeLatencyStats {
	values := make([]float64, 0, r.size)
	degraded := 0
	sum := 0.0
	for _, s := range r.samples[:r.size] {
		values = append(values, s.ms)
		sum += s.ms
		if s.degraded {
			degraded++
		}
	}
	sort.Float64s(values)

	st := NodeLatencyStats{
		Node:         name,
		Samples:      r.size,
		Degraded:     degraded,
		DegradedRate: round2(float64(degraded) / float64(r.size)),
		LastMS:       round2(r.last),
		AvgMS:        round2(sum / float64(r.size)),
		P50MS:        round2(quantile(values, 0.50)),
		P95MS:        round2(quantile(values, 0.95)),
		P99MS:        round2(quantile(values, 0.99)),
		TargetP95MS:  nodeTargetsP95MS[name],
	}
	st.OverTarget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
	return st
}

// hotspots ranks nodes by how far they exceed their budget, then by
// degraded rate.
func hotspots(stats []NodeLatencyStats) []string {
	type scored struct {
		node  string
		ratio float64
		rate  float64
	}
	var hot []scored
	for _, s := range stats {
		if !s.OverTarget && s.Degraded == 0 {
			continue
		}
		ratio := 0.0
		if s.TargetP95MS > 0 {
			ratio = s.P95MS / s.TargetP95MS
		}
		hot = append(hot, scored{node: s.Node, ratio: ratio, rate: s.DegradedRate})
	}
	sort.Slice(hot, func(i, j int) bool {
		if hot[i].ratio != hot[j].ratio {
			return hot[i].ratio > hot[j].ratio
		}
		if hot[i].rate != hot[j].rate {
			return hot[i].rate > hot[j].rate
		}
		return hot[i].node < hot[j].node
	})
	out := make([]string, 0, len(hot))
	for _, h := range hot {
		out = append(out, h.node)
	}
	return out
}

func (w *nodeWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nodes = make(map[string]*nodeRing)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
