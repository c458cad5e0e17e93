package streaming

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popmelt/core-sub002/internal/common/logger"
)

func newTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New(logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, cancel
}

func recvFrame(t *testing.T, c *Client) string {
	t.Helper()
	select {
	case frame, ok := <-c.Send():
		require.True(t, ok, "client channel closed unexpectedly")
		return string(frame)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

func expectNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame := <-c.Send():
		t.Fatalf("expected no frame, got %q", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubSourceScopedRouting(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	c1 := h.Connect("c1", "s1")
	c2 := h.Connect("c2", "s2")
	defer h.Disconnect(c1)
	defer h.Disconnect(c2)

	require.Contains(t, recvFrame(t, c1), "connected")
	require.Contains(t, recvFrame(t, c2), "connected")

	h.Broadcast(Event{Type: "delta", SourceID: "s1", JobID: "j1", Data: map[string]string{"text": "hi"}})

	frame := recvFrame(t, c1)
	assert.Contains(t, frame, "event: delta")
	expectNoFrame(t, c2)
}

func TestHubLegacyClientSeesEverything(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	legacy := h.Connect("legacy", "")
	scoped := h.Connect("scoped", "s1")
	defer h.Disconnect(legacy)
	defer h.Disconnect(scoped)

	require.Contains(t, recvFrame(t, legacy), "connected")
	require.Contains(t, recvFrame(t, scoped), "connected")

	h.Broadcast(Event{Type: "delta", SourceID: "s1", JobID: "j1", Data: map[string]string{}})
	assert.Contains(t, recvFrame(t, legacy), "event: delta")
	assert.Contains(t, recvFrame(t, scoped), "event: delta")

	h.Broadcast(Event{Type: "delta", SourceID: "s2", JobID: "j2", Data: map[string]string{}})
	assert.Contains(t, recvFrame(t, legacy), "event: delta")
	expectNoFrame(t, scoped)
}

func TestHubGlobalEventReachesEveryClient(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	c1 := h.Connect("c1", "s1")
	c2 := h.Connect("c2", "s2")
	defer h.Disconnect(c1)
	defer h.Disconnect(c2)

	require.Contains(t, recvFrame(t, c1), "connected")
	require.Contains(t, recvFrame(t, c2), "connected")

	h.Broadcast(Event{Type: "capabilities_changed", Data: map[string]string{}})
	assert.Contains(t, recvFrame(t, c1), "capabilities_changed")
	assert.Contains(t, recvFrame(t, c2), "capabilities_changed")
}

func TestHubReconnectReplaysBacklogForMatchingSource(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	h.Broadcast(Event{Type: "done", SourceID: "s1", JobID: "j1", Data: map[string]string{}})
	// Give the single-writer loop a moment to record it before connecting.
	time.Sleep(20 * time.Millisecond)

	c := h.Connect("late", "s1")
	defer h.Disconnect(c)

	connectedFrame := recvFrame(t, c)
	require.True(t, strings.Contains(connectedFrame, "connected"))

	backlog := recvFrame(t, c)
	assert.Contains(t, backlog, "event: done")
}

func TestHubBrokenPipeDropsOnlyThatClient(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	c1 := h.Connect("full", "s1")
	_ = recvFrame(t, c1) // drain connected

	// Saturate c1's buffered channel without reading to simulate backpressure.
	for i := 0; i < 300; i++ {
		h.Broadcast(Event{Type: "delta", SourceID: "s1", Data: map[string]string{}})
	}

	// The hub should have dropped c1 rather than blocking forever; a second
	// client on a different source must still receive its own events.
	c2 := h.Connect("ok", "s2")
	defer h.Disconnect(c2)
	require.Contains(t, recvFrame(t, c2), "connected")

	h.Broadcast(Event{Type: "delta", SourceID: "s2", Data: map[string]string{}})
	assert.Contains(t, recvFrame(t, c2), "event: delta")
}
