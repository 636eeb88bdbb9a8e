// Package health tracks connection liveness from heartbeats and inbound
// traffic.
package health

import (
	"sync"
	"time"

	"github.com/jg-phare/tether/pkg/clock"
)

// DefaultStaleAfter is how long a connection may stay silent before it is
// considered unhealthy.
const DefaultStaleAfter = 60 * time.Second

// Monitor records the last time the peer proved it was alive.
type Monitor struct {
	clock     clock.Clock
	createdAt time.Time

	mu            sync.RWMutex
	lastHeartbeat time.Time
}

// NewMonitor creates a Monitor. A nil clock uses the real clock.
func NewMonitor(c clock.Clock) *Monitor {
	if c == nil {
		c = clock.Real()
	}
	return &Monitor{clock: c, createdAt: c.Now()}
}

// RecordHeartbeat marks the peer alive now. The stored timestamp never moves
// backwards.
func (m *Monitor) RecordHeartbeat() {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if now.After(m.lastHeartbeat) {
		m.lastHeartbeat = now
	}
}

// Reset restarts the grace period, as after a fresh connect. The last
// heartbeat timestamp is kept.
func (m *Monitor) Reset() {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if now.After(m.createdAt) {
		m.createdAt = now
	}
}

// LastHeartbeat returns the most recent heartbeat time, or the zero time if
// none has been recorded.
func (m *Monitor) LastHeartbeat() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeartbeat
}

// IsHealthy reports whether a heartbeat arrived within staleAfter. Before the
// first heartbeat (or within staleAfter of the last Reset) the monitor counts
// as healthy. A non-positive staleAfter uses DefaultStaleAfter.
func (m *Monitor) IsHealthy(staleAfter time.Duration) bool {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	now := m.clock.Now()

	m.mu.RLock()
	last := m.lastHeartbeat
	since := m.createdAt
	m.mu.RUnlock()

	if last.After(since) {
		since = last
	}
	return now.Sub(since) < staleAfter
}
