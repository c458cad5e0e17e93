package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popmelt/core-sub002/internal/bridge/model"
)

func TestRecentJobsRecordsDoneAndError(t *testing.T) {
	q := New(2)
	recent, _ := NewRecentJobs(q)

	q.SetProcessor(func(ctx context.Context, job *model.Job) (*Result, error) {
		if job.ID == "fails" {
			return nil, assertError{"boom"}
		}
		return &Result{Success: true}, nil
	})

	q.Enqueue(&model.Job{ID: "ok"})
	q.Enqueue(&model.Job{ID: "fails"})

	require.Eventually(t, func() bool {
		return len(recent.Snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	snap := recent.Snapshot()
	byID := map[string]RecentJob{}
	for _, r := range snap {
		byID[r.JobID] = r
	}
	assert.Equal(t, model.JobStatusDone, byID["ok"].Status)
	assert.Equal(t, model.JobStatusError, byID["fails"].Status)
}

func TestRecentJobsTrimsToCapacity(t *testing.T) {
	r := &RecentJobs{}
	for i := 0; i < recentJobsCapacity+5; i++ {
		r.record(Event{Type: EventDone, Job: &model.Job{ID: "j"}})
	}
	assert.Len(t, r.Snapshot(), recentJobsCapacity)
}

func TestRecentJobsExpiresByTTL(t *testing.T) {
	r := &RecentJobs{}
	r.entries = append(r.entries, RecentJob{
		JobID:  "stale",
		Status: model.JobStatusDone,
		At:     time.Now().Add(-recentJobsTTL - time.Minute),
	})
	r.entries = append(r.entries, RecentJob{
		JobID:  "fresh",
		Status: model.JobStatusDone,
		At:     time.Now(),
	})

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "fresh", snap[0].JobID)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
