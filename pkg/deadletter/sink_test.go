package deadletter

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jg-phare/tether/pkg/events"
	"github.com/jg-phare/tether/pkg/queue"
)

func TestFileSink_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dead.jsonl")
	sink, err := NewFileSink(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	droppedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, sink.Write(queue.DeadLetter{
		Event:     events.Event{Kind: events.KindTaskFailed, ID: "e1", Source: "s1"},
		Reason:    queue.DropMaxRetries,
		Attempts:  3,
		LastError: errors.New("handler down"),
		DroppedAt: droppedAt,
	}))
	require.NoError(t, sink.Write(queue.DeadLetter{
		Event:  events.Event{Kind: events.KindTaskProgress, ID: "e2"},
		Reason: queue.DropOverflow,
	}))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close(), "Close is idempotent")

	records, skipped, err := ReadFile(path)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, records, 2)

	assert.Equal(t, "e1", records[0].EventID)
	assert.Equal(t, "s1", records[0].Source)
	assert.Equal(t, "max_retries", records[0].Reason)
	assert.Equal(t, 3, records[0].Attempts)
	assert.Equal(t, "handler down", records[0].LastError)
	assert.True(t, droppedAt.Equal(records[0].DroppedAt))
	assert.Equal(t, "overflow", records[1].Reason)
	assert.Empty(t, records[1].LastError)

	assert.FileExists(t, path+".lock")
}

func TestFileSink_WriteAfterClose(t *testing.T) {
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "dead.jsonl"), nil)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	err = sink.Write(queue.DeadLetter{Event: events.Event{ID: "late"}})
	assert.ErrorIs(t, err, ErrSinkClosed)
}

func TestFileSink_LockErrorNotReportedAsTimeout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dl")
	sink, err := NewFileSink(filepath.Join(dir, "dead.jsonl"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })

	// The lock file cannot be created once its directory is gone.
	require.NoError(t, os.RemoveAll(dir))

	err = sink.append([]byte("{}\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NotErrorIs(t, err, ErrLockTimeout)
}

func TestFileSink_AppendsAcrossSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.jsonl")
	for i, id := range []string{"a", "b"} {
		sink, err := NewFileSink(path, nil)
		require.NoError(t, err, "sink %d", i)
		require.NoError(t, sink.Write(queue.DeadLetter{Event: events.Event{ID: id}, Reason: queue.DropShutdown}))
		require.NoError(t, sink.Close())
	}

	records, _, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].EventID)
	assert.Equal(t, "b", records[1].EventID)
}

func TestReadFile_SkipsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.jsonl")
	content := `{"eventId":"ok","kind":"task.started","reason":"overflow","attempts":0,"droppedAt":"2026-01-01T00:00:00Z","event":{"kind":"task.started","id":"ok","observedAt":"2026-01-01T00:00:00Z"}}
not json

`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	records, skipped, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 1, skipped)
}
