package queue

import (
	"sync"
	"time"

	"github.com/popmelt/core-sub002/internal/bridge/model"
)

const (
	recentJobsCapacity = 20
	recentJobsTTL      = 5 * time.Minute
)

// RecentJob is one entry in the bounded ring of recently completed jobs,
// used by GET /status to let a reconnecting client reconcile jobs it still
// thinks are in flight (spec.md §4.8, §9 "Recent-jobs ring").
type RecentJob struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"message,omitempty"`
	Cancelled bool      `json:"cancelled,omitempty"`
	At        time.Time `json:"at"`
}

// JobStatus mirrors model.JobStatus so callers outside this package don't
// need to import model just to read a RecentJob's status.
type JobStatus = model.JobStatus

// RecentJobs is a capacity- and TTL-bounded ring buffer of terminal job
// outcomes, fed by subscribing to a Queue's lifecycle events.
type RecentJobs struct {
	mu      sync.Mutex
	entries []RecentJob
}

// NewRecentJobs creates an empty ring and subscribes it to q's lifecycle
// events. The returned disposer stops tracking.
func NewRecentJobs(q *Queue) (*RecentJobs, func()) {
	r := &RecentJobs{}
	unsubscribe := q.Subscribe(func(ev Event) {
		if ev.Type != EventDone && ev.Type != EventErrored {
			return
		}
		r.record(ev)
	})
	return r, unsubscribe
}

func (r *RecentJobs) record(ev Event) {
	entry := RecentJob{JobID: ev.Job.ID, At: time.Now(), Message: ev.Message, Cancelled: ev.Cancelled}
	if ev.Type == EventDone {
		entry.Status = model.JobStatusDone
	} else {
		entry.Status = model.JobStatusError
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if len(r.entries) > recentJobsCapacity {
		r.entries = r.entries[len(r.entries)-recentJobsCapacity:]
	}
}

// Snapshot returns every not-yet-expired entry, oldest first.
func (r *RecentJobs) Snapshot() []RecentJob {
	cutoff := time.Now().Add(-recentJobsTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RecentJob, 0, len(r.entries))
	for _, e := range r.entries {
		if e.At.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}
