package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jg-phare/tether/pkg/clock"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMonitor_IsHealthy(t *testing.T) {
	t.Run("healthy during grace period", func(t *testing.T) {
		c := clock.NewFake(epoch)
		m := NewMonitor(c)

		assert.True(t, m.IsHealthy(time.Minute))
		c.Advance(59 * time.Second)
		assert.True(t, m.IsHealthy(time.Minute))
		c.Advance(time.Second)
		assert.False(t, m.IsHealthy(time.Minute), "grace period ends at staleAfter")
	})

	t.Run("healthy right after heartbeat, stale later", func(t *testing.T) {
		c := clock.NewFake(epoch)
		m := NewMonitor(c)

		c.Advance(5 * time.Minute)
		assert.False(t, m.IsHealthy(time.Minute))

		m.RecordHeartbeat()
		assert.True(t, m.IsHealthy(time.Minute))

		c.Advance(30 * time.Second)
		assert.True(t, m.IsHealthy(time.Minute))

		c.Advance(30 * time.Second)
		assert.False(t, m.IsHealthy(time.Minute))
	})

	t.Run("default stale window", func(t *testing.T) {
		c := clock.NewFake(epoch)
		m := NewMonitor(c)
		m.RecordHeartbeat()

		c.Advance(DefaultStaleAfter - time.Millisecond)
		assert.True(t, m.IsHealthy(0))
		c.Advance(time.Millisecond)
		assert.False(t, m.IsHealthy(0))
	})

	t.Run("reset restarts grace", func(t *testing.T) {
		c := clock.NewFake(epoch)
		m := NewMonitor(c)
		c.Advance(2 * time.Minute)
		assert.False(t, m.IsHealthy(time.Minute))

		m.Reset()
		assert.True(t, m.IsHealthy(time.Minute))
	})
}

func TestMonitor_LastHeartbeat(t *testing.T) {
	c := clock.NewFake(epoch)
	m := NewMonitor(c)
	assert.True(t, m.LastHeartbeat().IsZero())

	c.Advance(time.Second)
	m.RecordHeartbeat()
	assert.Equal(t, epoch.Add(time.Second), m.LastHeartbeat())
}

type rewindClock struct {
	clock.Clock
	now time.Time
}

func (r *rewindClock) Now() time.Time { return r.now }

func TestMonitor_MonotonicHeartbeat(t *testing.T) {
	rc := &rewindClock{Clock: clock.Real(), now: epoch.Add(time.Hour)}
	m := NewMonitor(rc)
	m.RecordHeartbeat()

	rc.now = epoch
	m.RecordHeartbeat()
	assert.Equal(t, epoch.Add(time.Hour), m.LastHeartbeat(), "heartbeat must not move backwards")
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.RecordHeartbeat()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = m.IsHealthy(time.Minute)
				_ = m.LastHeartbeat()
			}
		}()
	}
	wg.Wait()
	assert.True(t, m.IsHealthy(time.Minute))
}
