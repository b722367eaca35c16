package telemetry

import (
	"sync"
	"sync/atomic"
)

// MetricsCollector aggregates broker-wide counters. Per-tunnel numbers live
// on the sessions; these are the process totals the admin server exposes.
type MetricsCollector struct {
	activeTunnels atomic.Int64
	totalTunnels  atomic.Int64
	requests      atomic.Int64
	bytesIngress  atomic.Int64
	bytesEgress   atomic.Int64

	subMu   sync.Mutex
	subHits map[string]int64
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{subHits: map[string]int64{}}
}

func (m *MetricsCollector) IncTunnels() {
	m.activeTunnels.Add(1)
	m.totalTunnels.Add(1)
}

func (m *MetricsCollector) DecTunnels() {
	m.activeTunnels.Add(-1)
}

func (m *MetricsCollector) AddRequest(subdomain string) {
	m.requests.Add(1)
	m.subMu.Lock()
	m.subHits[subdomain]++
	m.subMu.Unlock()
}

func (m *MetricsCollector) AddIngress(n int64) {
	m.bytesIngress.Add(n)
}

func (m *MetricsCollector) AddEgress(n int64) {
	m.bytesEgress.Add(n)
}

type MetricsSnapshot struct {
	ActiveTunnels int64            `json:"active_tunnels"`
	TotalTunnels  int64            `json:"total_tunnels"`
	Requests      int64            `json:"requests"`
	BytesIngress  int64            `json:"bytes_ingress"`
	BytesEgress   int64            `json:"bytes_egress"`
	SubdomainHits map[string]int64 `json:"subdomain_hits"`
}

func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.subMu.Lock()
	hits := make(map[string]int64, len(m.subHits))
	for k, v := range m.subHits {
		hits[k] = v
	}
	m.subMu.Unlock()

	return MetricsSnapshot{
		ActiveTunnels: m.activeTunnels.Load(),
		TotalTunnels:  m.totalTunnels.Load(),
		Requests:      m.requests.Load(),
		BytesIngress:  m.bytesIngress.Load(),
		BytesEgress:   m.bytesEgress.Load(),
		SubdomainHits: hits,
	}
}
