package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jg-phare/tether/pkg/clock"
	"github.com/jg-phare/tether/pkg/events"
)

func mustEvent(t *testing.T, kind string, data any) events.Event {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	return events.Event{Kind: kind, ID: kind, Payload: payload}
}

func TestTracker_TaskLifecycle(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(10_000))
	tr := NewTracker(clk, nil, time.Minute)
	ctx := context.Background()

	require.NoError(t, tr.HandleEvent(ctx, mustEvent(t, events.KindTaskStarted, StartedData{
		SessionID: "s1", TaskID: "t1", AgentName: "reviewer", Description: "review diff", Timestamp: 10_000,
	})))

	task, ok := tr.Get("t1")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, task.Status)
	assert.Equal(t, 1, task.AgentNumber)
	assert.Equal(t, time.UnixMilli(10_000), task.StartTime)

	clk.Advance(3 * time.Second)
	require.NoError(t, tr.HandleEvent(ctx, mustEvent(t, events.KindTaskProgress, ProgressData{
		SessionID: "s1", TaskID: "t1", Progress: 40, Phase: "analyzing", CurrentTool: "grep",
	})))
	task, _ = tr.Get("t1")
	assert.Equal(t, 40, task.Progress)
	assert.Equal(t, "grep", task.CurrentTool)
	assert.Equal(t, 3*time.Second, task.Duration)

	require.NoError(t, tr.HandleEvent(ctx, mustEvent(t, events.KindTaskCompleted, CompletedData{
		SessionID: "s1", TaskID: "t1", Duration: 4500, Success: true, Summary: "ok",
	})))
	task, _ = tr.Get("t1")
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, 4500*time.Millisecond, task.Duration)
	assert.Equal(t, 0, tr.Running())
}

func TestTracker_AgentNumbersPerSession(t *testing.T) {
	tr := NewTracker(clock.NewFake(time.Unix(0, 0)), nil, 0)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		tr.HandleEvent(ctx, mustEvent(t, events.KindTaskStarted, StartedData{SessionID: "s1", TaskID: id}))
	}
	tr.HandleEvent(ctx, mustEvent(t, events.KindTaskStarted, StartedData{SessionID: "s2", TaskID: "c"}))

	a, _ := tr.Get("a")
	b, _ := tr.Get("b")
	c, _ := tr.Get("c")
	assert.Equal(t, 1, a.AgentNumber)
	assert.Equal(t, 2, b.AgentNumber)
	assert.Equal(t, 1, c.AgentNumber)
	assert.Len(t, tr.Tasks("s1"), 2)
	assert.Len(t, tr.Tasks(""), 3)

	tr.ResetAgentCounter("s1")
	tr.HandleEvent(ctx, mustEvent(t, events.KindTaskStarted, StartedData{SessionID: "s1", TaskID: "d"}))
	d, _ := tr.Get("d")
	assert.Equal(t, 1, d.AgentNumber)
}

func TestTracker_FailureAndPrune(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := NewTracker(clk, nil, 30*time.Second)
	ctx := context.Background()

	tr.HandleEvent(ctx, mustEvent(t, events.KindTaskStarted, StartedData{SessionID: "s", TaskID: "t"}))
	tr.HandleEvent(ctx, mustEvent(t, events.KindTaskFailed, FailedData{SessionID: "s", TaskID: "t", Error: "oom", Recoverable: true}))

	task, ok := tr.Get("t")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, "oom", task.Error)
	assert.True(t, task.Recoverable)

	clk.Advance(31 * time.Second)
	tr.Prune()
	_, ok = tr.Get("t")
	assert.False(t, ok, "finished task pruned after retention")
}

func TestTracker_UnknownTaskIgnored(t *testing.T) {
	tr := NewTracker(nil, nil, 0)
	err := tr.HandleEvent(context.Background(), mustEvent(t, events.KindTaskProgress, ProgressData{TaskID: "ghost", Progress: 10}))
	assert.NoError(t, err)
	assert.Empty(t, tr.Tasks(""))
}

func TestTracker_UndecodablePayloadSkipped(t *testing.T) {
	tr := NewTracker(nil, nil, 0)
	ev := events.Event{Kind: events.KindTaskStarted, ID: "x", Payload: json.RawMessage(`"just a string"`)}
	assert.NoError(t, tr.HandleEvent(context.Background(), ev))
	assert.Empty(t, tr.Tasks(""))
}

func TestTracker_MCPCalls(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(5_000))
	tr := NewTracker(clk, nil, 0)
	ctx := context.Background()

	tr.HandleEvent(ctx, mustEvent(t, events.KindMCPCallStarted, events.MCPCallData{
		ID: "c1", Server: "github", Method: "search_issues", Timestamp: 5_000,
	}))
	calls := tr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, events.MCPCallRunning, calls[0].Status)
	assert.Equal(t, "github", calls[0].Server)

	tr.HandleEvent(ctx, mustEvent(t, events.KindMCPCallFailed, events.MCPCallData{
		ID: "c1", Duration: 250, Error: "rate limited",
	}))
	calls = tr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, events.MCPCallFailed, calls[0].Status)
	assert.Equal(t, "search_issues", calls[0].Method, "fields from earlier events are kept")
	assert.Equal(t, "rate limited", calls[0].Error)
	assert.Equal(t, 250*time.Millisecond, calls[0].Duration)
}
