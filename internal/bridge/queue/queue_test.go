package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popmelt/core-sub002/internal/bridge/model"
)

func waitFor(t *testing.T, ch <-chan Event, pred func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching event")
		}
	}
}

func collectEvents(q *Queue) <-chan Event {
	ch := make(chan Event, 64)
	q.Subscribe(func(ev Event) { ch <- ev })
	return ch
}

func TestQueueEmitsExactlyOneTerminalEventPerJob(t *testing.T) {
	q := New(1)
	events := collectEvents(q)

	q.SetProcessor(func(ctx context.Context, job *model.Job) (*Result, error) {
		return &Result{Success: true}, nil
	})

	job := &model.Job{ID: "j1"}
	q.Enqueue(job)

	done := waitFor(t, events, func(ev Event) bool { return ev.Type == EventDone && ev.Job.ID == "j1" })
	assert.Equal(t, "j1", done.Job.ID)
}

func TestQueuePanicInProcessorBecomesErrorEvent(t *testing.T) {
	q := New(1)
	events := collectEvents(q)

	q.SetProcessor(func(ctx context.Context, job *model.Job) (*Result, error) {
		panic("boom")
	})

	q.Enqueue(&model.Job{ID: "panicky"})

	errEv := waitFor(t, events, func(ev Event) bool { return ev.Type == EventErrored })
	assert.Contains(t, errEv.Message, "panicked")
}

func TestQueueDrainedFiresOnlyWhenIdle(t *testing.T) {
	q := New(2)
	events := collectEvents(q)

	release := make(chan struct{})

	q.SetProcessor(func(ctx context.Context, job *model.Job) (*Result, error) {
		<-release
		return &Result{Success: true}, nil
	})

	q.Enqueue(&model.Job{ID: "a"})
	q.Enqueue(&model.Job{ID: "b"})

	select {
	case ev := <-events:
		if ev.Type == EventQueueDrained {
			t.Fatal("queue_drained fired while jobs still active")
		}
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	drained := waitFor(t, events, func(ev Event) bool { return ev.Type == EventQueueDrained })
	assert.Equal(t, EventQueueDrained, drained.Type)
	assert.Equal(t, 0, q.ActiveCount())
	assert.Equal(t, 0, q.QueueDepth())
}

func TestQueueRespectsMaxConcurrent(t *testing.T) {
	q := New(1)
	q.SetProcessor(func(ctx context.Context, job *model.Job) (*Result, error) {
		time.Sleep(50 * time.Millisecond)
		return &Result{Success: true}, nil
	})

	q.Enqueue(&model.Job{ID: "a"})
	q.Enqueue(&model.Job{ID: "b"})

	time.Sleep(10 * time.Millisecond)
	assert.LessOrEqual(t, q.ActiveCount(), 1)
}

func TestQueueCancelTerminatesActiveJobViaContext(t *testing.T) {
	q := New(1)
	events := collectEvents(q)

	started := make(chan struct{})
	q.SetProcessor(func(ctx context.Context, job *model.Job) (*Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	q.Enqueue(&model.Job{ID: "cancel-me"})
	<-started

	require.True(t, q.Cancel("cancel-me"))

	errEv := waitFor(t, events, func(ev Event) bool { return ev.Type == EventErrored })
	assert.True(t, errEv.Cancelled)
	assert.Equal(t, "Cancelled by user", errEv.Message)
}
