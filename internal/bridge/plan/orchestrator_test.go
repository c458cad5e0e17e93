package plan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popmelt/core-sub002/internal/bridge/model"
	"github.com/popmelt/core-sub002/internal/common/logger"
)

// fakeQueue records every enqueued job without running it, so orchestrator
// tests can drive phase transitions directly.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []*model.Job
}

func (f *fakeQueue) Enqueue(job *model.Job) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return len(f.jobs) - 1
}

func (f *fakeQueue) last() *model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return nil
	}
	return f.jobs[len(f.jobs)-1]
}

func newTestOrchestrator() (*Orchestrator, *fakeQueue) {
	q := &fakeQueue{}
	return New(q, logger.Default()), q
}

func TestStartPlanEnqueuesReadOnlyPlannerJob(t *testing.T) {
	o, q := newTestOrchestrator()

	group, job := o.StartPlan("increase density", "shot.png", "https://example.com", "thread-1", "source-1", model.Viewport{})

	assert.Equal(t, model.GroupPlanning, group.Status)
	assert.Equal(t, model.PhasePlanner, job.Phase)
	assert.Equal(t, group.ID, job.PlanID)
	assert.Equal(t, []string{}, job.ToolAllowlist)
	assert.Same(t, job, q.last())
}

func TestOnPlannerDoneWithTasksMovesToAwaitingApproval(t *testing.T) {
	o, _ := newTestOrchestrator()
	group, job := o.StartPlan("goal", "", "", "", "source", model.Viewport{})

	tasks := []model.PlanTask{{ID: "t1", Instruction: "do it"}}
	require.NoError(t, o.OnPlannerDone(job.ID, tasks, ""))

	got, ok := o.Group(group.ID)
	require.True(t, ok)
	assert.Equal(t, model.GroupAwaitingApproval, got.Status)
	assert.Equal(t, tasks, got.Tasks)
}

func TestOnPlannerDoneWithQuestionStaysInPlanning(t *testing.T) {
	o, _ := newTestOrchestrator()
	group, job := o.StartPlan("goal", "", "", "", "source", model.Viewport{})

	require.NoError(t, o.OnPlannerDone(job.ID, nil, "which page?"))

	got, _ := o.Group(group.ID)
	assert.Equal(t, model.GroupPlanning, got.Status)
}

func TestOnPlannerDoneWithNeitherTasksNorQuestionErrors(t *testing.T) {
	o, _ := newTestOrchestrator()
	group, job := o.StartPlan("goal", "", "", "", "source", model.Viewport{})

	require.NoError(t, o.OnPlannerDone(job.ID, nil, ""))

	got, _ := o.Group(group.ID)
	assert.Equal(t, model.GroupError, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestApproveFiltersTasksAndTransitionsToExecuting(t *testing.T) {
	o, _ := newTestOrchestrator()
	group, job := o.StartPlan("goal", "", "", "", "source", model.Viewport{})
	tasks := []model.PlanTask{{ID: "t1"}, {ID: "t2"}}
	require.NoError(t, o.OnPlannerDone(job.ID, tasks, ""))

	got, err := o.Approve(group.ID, []string{"t2"})
	require.NoError(t, err)
	assert.Equal(t, model.GroupExecuting, got.Status)
	require.Len(t, got.ApprovedTasks, 1)
	assert.Equal(t, "t2", got.ApprovedTasks[0].ID)
}

func TestApproveRejectsWrongState(t *testing.T) {
	o, _ := newTestOrchestrator()
	group, _ := o.StartPlan("goal", "", "", "", "source", model.Viewport{})

	_, err := o.Approve(group.ID, nil)
	assert.Error(t, err)
}

func TestExecuteEnqueuesExecutorJobWithoutResumingSession(t *testing.T) {
	o, q := newTestOrchestrator()
	group, job := o.StartPlan("goal", "", "", "", "source", model.Viewport{})
	require.NoError(t, o.OnPlannerDone(job.ID, []model.PlanTask{{ID: "t1"}}, ""))
	_, err := o.Approve(group.ID, nil)
	require.NoError(t, err)

	executorJob, err := o.Execute(group.ID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseExecutor, executorJob.Phase)
	assert.Empty(t, executorJob.ResumeSessionID)
	assert.Same(t, executorJob, q.last())
}

func TestExecutorDoneAdvancesToReviewingOnlyOnTerminalResolution(t *testing.T) {
	o, _ := newTestOrchestrator()
	group, job := o.StartPlan("goal", "", "", "", "source", model.Viewport{})
	require.NoError(t, o.OnPlannerDone(job.ID, []model.PlanTask{{ID: "t1"}}, ""))
	_, err := o.Approve(group.ID, nil)
	require.NoError(t, err)
	executorJob, err := o.Execute(group.ID, "", nil)
	require.NoError(t, err)

	require.NoError(t, o.OnExecutorDone(executorJob.ID, []model.Resolution{{Status: model.ResolutionNeedsReview}}))

	got, _ := o.Group(group.ID)
	assert.Equal(t, model.GroupReviewing, got.Status)
}

func TestExecutorDoneWithNoTerminalResolutionStaysExecuting(t *testing.T) {
	o, _ := newTestOrchestrator()
	group, job := o.StartPlan("goal", "", "", "", "source", model.Viewport{})
	require.NoError(t, o.OnPlannerDone(job.ID, []model.PlanTask{{ID: "t1"}}, ""))
	_, err := o.Approve(group.ID, nil)
	require.NoError(t, err)
	executorJob, err := o.Execute(group.ID, "", nil)
	require.NoError(t, err)

	require.NoError(t, o.OnExecutorDone(executorJob.ID, nil))

	got, _ := o.Group(group.ID)
	assert.Equal(t, model.GroupExecuting, got.Status)
}

func TestFullPlanCycleReachesDoneOnPassingReview(t *testing.T) {
	o, _ := newTestOrchestrator()
	group, plannerJob := o.StartPlan("increase density", "", "", "", "source", model.Viewport{})
	require.NoError(t, o.OnPlannerDone(plannerJob.ID, []model.PlanTask{{ID: "t1"}}, ""))
	_, err := o.Approve(group.ID, nil)
	require.NoError(t, err)

	executorJob, err := o.Execute(group.ID, "", nil)
	require.NoError(t, err)
	require.NoError(t, o.OnExecutorDone(executorJob.ID, []model.Resolution{{Status: model.ResolutionResolved}}))

	reviewerJob, err := o.Review(group.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseReviewer, reviewerJob.Phase)
	assert.Equal(t, []string{}, reviewerJob.ToolAllowlist)

	require.NoError(t, o.OnReviewerDone(reviewerJob.ID, &model.Review{Verdict: model.VerdictPass}))

	got, _ := o.Group(group.ID)
	assert.Equal(t, model.GroupDone, got.Status)
}

func TestFailingReviewReturnsGroupToExecuting(t *testing.T) {
	o, _ := newTestOrchestrator()
	group, plannerJob := o.StartPlan("goal", "", "", "", "source", model.Viewport{})
	require.NoError(t, o.OnPlannerDone(plannerJob.ID, []model.PlanTask{{ID: "t1"}}, ""))
	_, err := o.Approve(group.ID, nil)
	require.NoError(t, err)
	executorJob, err := o.Execute(group.ID, "", nil)
	require.NoError(t, err)
	require.NoError(t, o.OnExecutorDone(executorJob.ID, []model.Resolution{{Status: model.ResolutionResolved}}))
	reviewerJob, err := o.Review(group.ID, "")
	require.NoError(t, err)

	require.NoError(t, o.OnReviewerDone(reviewerJob.ID, &model.Review{Verdict: model.VerdictFail, Issues: []string{"still crowded"}}))

	got, _ := o.Group(group.ID)
	assert.Equal(t, model.GroupExecuting, got.Status)
	assert.Equal(t, model.VerdictFail, got.LastReview.Verdict)
}

func TestFailPinsGroupToError(t *testing.T) {
	o, _ := newTestOrchestrator()
	group, job := o.StartPlan("goal", "", "", "", "source", model.Viewport{})

	require.NoError(t, o.Fail(job.ID, "spawn failed"))

	got, _ := o.Group(group.ID)
	assert.Equal(t, model.GroupError, got.Status)
	assert.Equal(t, "spawn failed", got.Error)
}

func TestGroupForJobResolvesAcrossPhases(t *testing.T) {
	o, _ := newTestOrchestrator()
	group, plannerJob := o.StartPlan("goal", "", "", "", "source", model.Viewport{})

	got, ok := o.GroupForJob(plannerJob.ID)
	require.True(t, ok)
	assert.Equal(t, group.ID, got.ID)

	_, ok = o.GroupForJob("nonexistent")
	assert.False(t, ok)
}
