package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jg-phare/tether/pkg/connection"
	"github.com/jg-phare/tether/pkg/queue"
)

func TestMetrics_ConnectionState(t *testing.T) {
	m := New()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionState.WithLabelValues("disconnected")))

	m.ObserveState(connection.Disconnected, connection.Connecting, nil)
	m.ObserveState(connection.Connecting, connection.Connected, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connectionState.WithLabelValues("connecting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.reconnectsTotal))

	m.ObserveState(connection.Connected, connection.Reconnecting, nil)
	m.ObserveState(connection.Reconnecting, connection.Connected, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnectsTotal))
}

func TestMetrics_Recorders(t *testing.T) {
	m := New()

	var qr queue.Recorder = m
	var cr connection.Recorder = m

	cr.FrameReceived("heartbeat")
	cr.FrameReceived("task.started")
	cr.FrameMalformed()
	qr.EventEnqueued("task.started")
	qr.EventDropped("task.started", queue.DropOverflow)
	qr.EventDropped("task.started", queue.DropOverflow)
	qr.EventRetried("task.started")
	qr.HandlerFailed("task.started")
	qr.QueueLength(7)
	qr.EventDispatched("task.started", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsReceived.WithLabelValues("heartbeat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.malformedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsDropped.WithLabelValues("overflow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerFailures.WithLabelValues("task.started")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueLength))
	assert.Equal(t, 1, testutil.CollectAndCount(m.dispatchDuration))
}

func TestServer_ServesMetrics(t *testing.T) {
	m := New()
	m.FrameReceived("task.progress")

	srv := NewServer("127.0.0.1:0", m, nil)
	addr, err := srv.Start()
	require.NoError(t, err)
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `tether_events_received_total{kind="task.progress"} 1`))

	health, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
