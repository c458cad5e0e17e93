package httpapi

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/popmelt/core-sub002/internal/bridge/capabilities"
	"github.com/popmelt/core-sub002/internal/bridge/decision"
	"github.com/popmelt/core-sub002/internal/bridge/materializer"
	"github.com/popmelt/core-sub002/internal/bridge/model"
	"github.com/popmelt/core-sub002/internal/bridge/plan"
	"github.com/popmelt/core-sub002/internal/bridge/queue"
	"github.com/popmelt/core-sub002/internal/bridge/scratch"
	"github.com/popmelt/core-sub002/internal/bridge/streaming"
	"github.com/popmelt/core-sub002/internal/bridge/supervisor"
	"github.com/popmelt/core-sub002/internal/bridge/thread"
	"github.com/popmelt/core-sub002/internal/common/config"
	"github.com/popmelt/core-sub002/internal/common/logger"
)

// stubHandle is a supervisor.Handle that reports a fixed outcome with no
// streamed events, standing in for a real agent CLI in tests.
type stubHandle struct {
	events  chan supervisor.Event
	outcome *supervisor.Outcome
	err     error
}

func (h *stubHandle) Events() <-chan supervisor.Event { return h.events }
func (h *stubHandle) Cancel()                         {}
func (h *stubHandle) Wait() (*supervisor.Outcome, error) {
	return h.outcome, h.err
}

type stubAdapter struct{ outcome *supervisor.Outcome }

func (a *stubAdapter) Name() string { return "stub" }
func (a *stubAdapter) Spawn(ctx context.Context, req supervisor.Request) (supervisor.Handle, error) {
	events := make(chan supervisor.Event)
	close(events)
	return &stubHandle{events: events, outcome: a.outcome}, nil
}

func newTestService(t *testing.T, outcome *supervisor.Outcome) (*Service, *streaming.Hub, *queue.Queue) {
	t.Helper()
	dir := t.TempDir()
	log := logger.Default()

	q := queue.New(1)
	hub := streaming.New(log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	threads, err := thread.Open(context.Background(), dir, log)
	require.NoError(t, err)
	decisions, err := decision.New(dir, dir, log)
	require.NoError(t, err)
	scr, err := scratch.New(dir, time.Hour, log)
	require.NoError(t, err)
	plans := plan.New(q, log)
	caps := capabilities.New(config.AgentConfig{})
	mat := materializer.New(dir, decisions, log)

	adapters := map[string]supervisor.Adapter{"stub": &stubAdapter{outcome: outcome}}

	svc := New(&config.Config{}, q, hub, threads, decisions, scr, plans, caps, mat, adapters, dir, log)
	t.Cleanup(svc.Close)
	return svc, hub, q
}

// drainFrames reads formatted SSE frames off c until n frames have been
// captured or the client's channel closes; after 2s it fails the test.
func drainFrames(t *testing.T, c *streaming.Client, n int) []string {
	t.Helper()
	var frames []string
	timeout := time.After(2 * time.Second)
	for len(frames) < n {
		select {
		case b, ok := <-c.Send():
			if !ok {
				return frames
			}
			frames = append(frames, string(b))
		case <-timeout:
			t.Fatalf("timed out waiting for frames, got %d of %d: %v", len(frames), n, frames)
		}
	}
	return frames
}

func eventType(frame string) string {
	line := strings.SplitN(frame, "\n", 2)[0]
	return strings.TrimPrefix(line, "event: ")
}

// TestQueueLifecycleEventsReachSSEHub verifies the fix for the dropped
// job_started/done/error/queue_drained events: Service.New must subscribe
// to the queue and forward its lifecycle events onto the hub, not just the
// business events (delta/thinking/tool_use/...) relayEvent emits directly.
func TestQueueLifecycleEventsReachSSEHub(t *testing.T) {
	svc, hub, q := newTestService(t, &supervisor.Outcome{ResponseText: "done", SessionID: "s1"})

	client := hub.Connect("c1", "src-1")
	defer hub.Disconnect(client)

	job := &model.Job{ID: "job-1", SourceID: "src-1", Provider: "stub"}
	q.Enqueue(job)

	// connected, job_started, done, queue_drained
	frames := drainFrames(t, client, 4)
	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = eventType(f)
	}
	require.Equal(t, []string{"connected", "job_started", "done", "queue_drained"}, types)

	var doneData map[string]any
	dataLine := strings.SplitN(frames[2], "\n", 2)[1]
	dataLine = strings.TrimPrefix(dataLine, "data: ")
	dataLine = strings.TrimSuffix(dataLine, "\n\n")
	require.NoError(t, json.Unmarshal([]byte(dataLine), &doneData))
	require.Equal(t, true, doneData["success"])
	require.Equal(t, "done", doneData["responseText"])

	_ = svc
}

func TestQueueErrorEventReachesSSEHub(t *testing.T) {
	_, hub, q := newTestService(t, nil)

	client := hub.Connect("c1", "src-1")
	defer hub.Disconnect(client)

	// An unknown provider makes adapterFor fail inside runJob, so the
	// processor returns an error without ever spawning a subprocess.
	job := &model.Job{ID: "job-2", SourceID: "src-1", Provider: "does-not-exist"}
	q.Enqueue(job)

	frames := drainFrames(t, client, 4)
	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = eventType(f)
	}
	require.Equal(t, []string{"connected", "job_started", "error", "queue_drained"}, types)
}
