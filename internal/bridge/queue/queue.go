// Package queue implements the bounded-concurrency job queue described in
// spec.md §4.7: a FIFO whose processor is the only component allowed to
// spawn agent subprocesses.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/popmelt/core-sub002/internal/bridge/model"
)

// Cancelable is a live agent subprocess handle the processor registers via
// SetActiveProcess so Cancel can terminate it directly.
type Cancelable interface {
	Cancel()
}

// Result is what a successful Processor run reports back to the queue for
// inclusion in the `done` event.
type Result struct {
	Success      bool
	ResponseText string
	Resolutions  []model.Resolution
	Question     string
	ThreadID     string
}

// Processor runs one job to completion (spawn, stream, parse, persist).
// It is the only function in the system allowed to spawn an agent
// subprocess. Cancellation is delivered via ctx; a processor observing
// ctx.Done() must terminate its subprocess and return a cancellation error.
type Processor func(ctx context.Context, job *model.Job) (*Result, error)

// EventType enumerates the lifecycle events the queue itself emits. Business
// events (delta, thinking, tool_use, question, ...) are emitted directly by
// the processor to the SSE hub; the queue only guarantees the structural
// envelope spec.md §5 and §8 require: job_started first, exactly one
// terminal event last, and queue_drained on quiescence.
type EventType string

const (
	EventJobStarted   EventType = "job_started"
	EventDone         EventType = "done"
	EventErrored      EventType = "error"
	EventQueueDrained EventType = "queue_drained"
)

// Event is published to subscribers on every lifecycle transition.
type Event struct {
	Type      EventType
	Job       *model.Job
	Position  int
	Result    *Result
	Message   string
	Cancelled bool
}

// Listener receives queue lifecycle events.
type Listener func(Event)

type activeJob struct {
	job       *model.Job
	cancel    context.CancelFunc
	proc      Cancelable
	cancelled bool
}

// Queue is a bounded-concurrency FIFO job queue.
type Queue struct {
	mu            sync.Mutex
	items         []*model.Job
	active        map[string]*activeJob
	maxConcurrent int
	processor     Processor

	listeners   map[int]Listener
	listenerSeq int

	destroyed bool
}

// New creates a Queue with the given maximum concurrency. A maxConcurrent
// of zero or less is treated as 1 to avoid a queue that can never drain.
func New(maxConcurrent int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		items:         make([]*model.Job, 0),
		active:        make(map[string]*activeJob),
		maxConcurrent: maxConcurrent,
		listeners:     make(map[int]Listener),
	}
}

// SetProcessor registers the function that runs each dequeued job. It may
// only be set once, before the queue receives traffic.
func (q *Queue) SetProcessor(p Processor) {
	q.mu.Lock()
	q.processor = p
	q.mu.Unlock()
	q.tryScheduleAll()
}

// Subscribe registers a listener for lifecycle events and returns a disposer.
func (q *Queue) Subscribe(listener Listener) (unsubscribe func()) {
	q.mu.Lock()
	id := q.listenerSeq
	q.listenerSeq++
	q.listeners[id] = listener
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

func (q *Queue) publish(ev Event) {
	q.mu.Lock()
	snapshot := make([]Listener, 0, len(q.listeners))
	for _, l := range q.listeners {
		snapshot = append(snapshot, l)
	}
	q.mu.Unlock()

	for _, l := range snapshot {
		l(ev)
	}
}

// Enqueue appends job to the tail of the queue and attempts to schedule it.
// It returns a position hint: the number of jobs already ahead of it
// (0 means it may start immediately, capacity permitting).
func (q *Queue) Enqueue(job *model.Job) int {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return -1
	}
	job.Status = model.JobStatusQueued
	position := len(q.items)
	q.items = append(q.items, job)
	q.mu.Unlock()

	q.tryScheduleAll()
	return position
}

// QueueDepth returns the number of jobs waiting to start.
func (q *Queue) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ActiveCount returns the number of jobs currently running.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// ActiveJobIDs returns the ids of every currently running job.
func (q *Queue) ActiveJobIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.active))
	for id := range q.active {
		ids = append(ids, id)
	}
	return ids
}

// SetActiveProcess registers the live subprocess handle for a running job so
// Cancel can terminate it directly. No-op if the job isn't active.
func (q *Queue) SetActiveProcess(jobID string, proc Cancelable) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if aj, ok := q.active[jobID]; ok {
		aj.proc = proc
	}
}

// Cancel sends a terminate signal to jobID's live subprocess, if active.
// The terminal `error` event is produced asynchronously by the normal
// processor-return path (spec.md §5), not synchronously here.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	aj, ok := q.active[jobID]
	if ok {
		aj.cancelled = true
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	aj.cancel()
	if aj.proc != nil {
		aj.proc.Cancel()
	}
	return true
}

// CancelActive cancels one active job, chosen arbitrarily among those
// running, for the `/cancel` endpoint's "omitted id" case. Returns false if
// no job is active.
func (q *Queue) CancelActive() bool {
	q.mu.Lock()
	var victim string
	for id := range q.active {
		victim = id
		break
	}
	q.mu.Unlock()
	if victim == "" {
		return false
	}
	return q.Cancel(victim)
}

// CancelAll cancels every active job.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	ids := make([]string, 0, len(q.active))
	for id := range q.active {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.Cancel(id)
	}
}

// Destroy cancels every active job and drops anything still queued. The
// queue refuses further enqueues afterward.
func (q *Queue) Destroy() {
	q.CancelAll()
	q.mu.Lock()
	q.items = nil
	q.destroyed = true
	q.mu.Unlock()
}

// tryScheduleAll dequeues and launches jobs while capacity and the queue
// both allow it (spec.md §4.7 scheduling rule).
func (q *Queue) tryScheduleAll() {
	for {
		job, ctx, cancel, ok := q.tryDequeueOne()
		if !ok {
			return
		}
		go q.run(ctx, cancel, job)
	}
}

func (q *Queue) tryDequeueOne() (*model.Job, context.Context, context.CancelFunc, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.processor == nil || q.destroyed {
		return nil, nil, nil, false
	}
	if len(q.active) >= q.maxConcurrent || len(q.items) == 0 {
		return nil, nil, nil, false
	}

	job := q.items[0]
	q.items = q.items[1:]
	job.Status = model.JobStatusRunning

	ctx, cancel := context.WithCancel(context.Background())
	q.active[job.ID] = &activeJob{job: job, cancel: cancel}

	return job, ctx, cancel, true
}

func (q *Queue) run(ctx context.Context, cancel context.CancelFunc, job *model.Job) {
	defer cancel()

	q.publish(Event{Type: EventJobStarted, Job: job, Position: 0})

	result, err := q.invokeProcessor(ctx, job)

	q.mu.Lock()
	wasCancelled := false
	if aj, ok := q.active[job.ID]; ok {
		wasCancelled = aj.cancelled
	}
	delete(q.active, job.ID)
	remaining := len(q.active)
	queued := len(q.items)
	q.mu.Unlock()

	if err != nil {
		job.Status = model.JobStatusError
		// An operator-initiated Cancel always surfaces the fixed message
		// spec.md §4.7/S6 require, regardless of what the underlying
		// subprocess error actually says (e.g. "signal: killed").
		message := err.Error()
		if wasCancelled {
			message = "Cancelled by user"
		}
		q.publish(Event{Type: EventErrored, Job: job, Message: message, Cancelled: wasCancelled})
	} else {
		job.Status = model.JobStatusDone
		q.publish(Event{Type: EventDone, Job: job, Result: result})
	}

	q.tryScheduleAll()

	if remaining == 0 && queued == 0 {
		q.publish(Event{Type: EventQueueDrained})
	}
}

// invokeProcessor runs the processor, converting a panic into an error so it
// can never poison the queue (spec.md §4.7, §7).
func (q *Queue) invokeProcessor(ctx context.Context, job *model.Job) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return q.processor(ctx, job)
}
