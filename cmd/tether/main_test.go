package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/jg-phare/tether/pkg/config"
	"github.com/jg-phare/tether/pkg/connection"
	"github.com/jg-phare/tether/pkg/deadletter"
	"github.com/jg-phare/tether/pkg/eventstream"
	"github.com/jg-phare/tether/pkg/queue"
)

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func sampleStats() eventstream.ConnectionStats {
	return eventstream.ConnectionStats{
		State:         connection.Connected,
		Endpoint:      "ws://localhost:5747",
		ConnectionID:  "c-1",
		QueueLength:   2,
		QueueCapacity: 100,
		IsHealthy:     true,
		Queue:         queue.Stats{Length: 2, Capacity: 100, Dispatched: 7, DroppedOverflow: 1},
	}
}

func TestWriteStats(t *testing.T) {
	stats := sampleStats()

	var text bytes.Buffer
	require.NoError(t, writeStats(&text, stats, "text"))
	assert.Contains(t, text.String(), "State:          connected")
	assert.Contains(t, text.String(), "Queue:          2/100")
	assert.Contains(t, text.String(), "Dispatched:     7 (retried 0, dropped 1)")

	var js bytes.Buffer
	require.NoError(t, writeStats(&js, stats, "json"))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, "connected", decoded["state"])
	assert.Equal(t, float64(100), decoded["queueCapacity"])

	var ym bytes.Buffer
	require.NoError(t, writeStats(&ym, stats, "yaml"))
	var fromYAML map[string]any
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &fromYAML))
	assert.Equal(t, "connected", fromYAML["state"])
	assert.Equal(t, "c-1", fromYAML["connection_id"])

	assert.Error(t, writeStats(&text, stats, "xml"))
}

func TestPrintRecords(t *testing.T) {
	records := []deadletter.Record{
		{EventID: "e1", Kind: "task.progress", Reason: "overflow", DroppedAt: time.Unix(0, 0).UTC()},
		{EventID: "e2", Kind: "mcp.call.failed", Reason: "max_retries", Attempts: 3, LastError: "boom", DroppedAt: time.Unix(0, 0).UTC()},
	}

	var out bytes.Buffer
	printRecords(&out, records)
	assert.Contains(t, out.String(), "Dead letters (2)")
	assert.Contains(t, out.String(), `error="boom"`)

	filtered := filterRecords(records, "mcp.*")
	require.Len(t, filtered, 1)
	assert.Equal(t, "e2", filtered[0].EventID)

	out.Reset()
	printRecords(&out, nil)
	assert.Equal(t, "No dead letters.\n", out.String())
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.yaml")
	require.NoError(t, os.WriteFile(path, []byte("endpoint: ws://file-host:1\nlogging:\n  level: warn\n"), 0o644))

	configPath = path
	endpoint = "ws://127.0.0.1:9000"
	metricsAddr = "127.0.0.1:0"
	t.Cleanup(func() {
		configPath = ""
		endpoint = ""
		logLevel = ""
		metricsAddr = ""
	})

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000", cfg.Endpoint)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:0", cfg.Metrics.Address)

	logLevel = "loud"
	_, err = loadConfig()
	assert.Error(t, err)
}

func TestRunWatch_PrintsReplayedEvents(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "capture.jsonl")
	require.NoError(t, os.WriteFile(capture, []byte(strings.Join([]string{
		`{"type":"heartbeat"}`,
		`{"type":"task.started","data":{"sessionID":"s1","taskID":"t1","agentName":"writer"}}`,
		`{"type":"mcp.call.started","data":{"id":"call-1","server":"fs","method":"read"}}`,
	}, "\n")+"\n"), 0o644))

	cfg := config.Default()
	cfg.Endpoint = "file://" + capture
	cfg.Connection.BaseDelay = 10 * time.Millisecond
	cfg.Connection.MaxDelay = 50 * time.Millisecond
	cfg.Queue.ShutdownTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- runWatch(ctx, cfg, zaptest.NewLogger(t), out) }()

	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, `"kind":"task.started"`) && strings.Contains(s, `"kind":"mcp.call.started"`)
	}, 3*time.Second, 10*time.Millisecond)
	assert.NotContains(t, out.String(), `"kind":"heartbeat"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runWatch did not return after cancel")
	}
}
