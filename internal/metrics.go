package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics counts server activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections      atomic.Uint64
	activeConns      atomic.Int64
	broadcasts       atomic.Uint64
	pruned           atomic.Uint64
	heartbeats       atomic.Uint64
	malformed        atomic.Uint64
	counterErrors    atomic.Uint64
	rejectedUpgrades atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncConn() {
	if m == nil {
		return
	}
	m.connections.Add(1)
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	if m == nil {
		return
	}
	m.activeConns.Add(-1)
}

func (m *Metrics) IncBroadcast() {
	if m != nil {
		m.broadcasts.Add(1)
	}
}

func (m *Metrics) IncPruned() {
	if m != nil {
		m.pruned.Add(1)
	}
}

func (m *Metrics) IncHeartbeat() {
	if m != nil {
		m.heartbeats.Add(1)
	}
}

func (m *Metrics) IncMalformed() {
	if m != nil {
		m.malformed.Add(1)
	}
}

func (m *Metrics) IncCounterError() {
	if m != nil {
		m.counterErrors.Add(1)
	}
}

func (m *Metrics) IncRejectedUpgrade() {
	if m != nil {
		m.rejectedUpgrades.Add(1)
	}
}

// Snapshot returns the current values keyed by metric name.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"connections_total":       m.connections.Load(),
		"active_connections":      m.activeConns.Load(),
		"broadcasts_total":        m.broadcasts.Load(),
		"pruned_total":            m.pruned.Load(),
		"heartbeats_total":        m.heartbeats.Load(),
		"malformed_frames_total":  m.malformed.Load(),
		"counter_errors_total":    m.counterErrors.Load(),
		"rejected_upgrades_total": m.rejectedUpgrades.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
