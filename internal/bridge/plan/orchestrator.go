// Package plan implements the planner → executor → reviewer JobGroup state
// machine (spec.md §4.10): planning, awaiting_approval, executing,
// reviewing, done/error. It owns JobGroup lifecycle and enqueues the
// constituent jobs onto the shared queue; it never spawns a subprocess
// itself.
package plan

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/popmelt/core-sub002/internal/bridge/model"
	"github.com/popmelt/core-sub002/internal/common/logger"
)

// Enqueuer is the subset of queue.Queue the orchestrator needs, so tests can
// substitute a fake.
type Enqueuer interface {
	Enqueue(job *model.Job) int
}

// Orchestrator tracks in-flight JobGroups and advances them in response to
// queue.Event notifications routed to it by internal/httpapi.
type Orchestrator struct {
	queue Enqueuer
	log   *logger.Logger

	mu     sync.Mutex
	groups map[string]*model.JobGroup
	// jobToGroup indexes which group a given job id belongs to.
	jobToGroup map[string]string
}

// New creates an Orchestrator that enqueues jobs onto q.
func New(q Enqueuer, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		queue:      q,
		log:        log.WithFields(zap.String("component", "plan_orchestrator")),
		groups:     make(map[string]*model.JobGroup),
		jobToGroup: make(map[string]string),
	}
}

// StartPlan creates a new JobGroup in the planning state and enqueues its
// planner job on threadID, so a later planner question can be answered as a
// normal thread reply.
func (o *Orchestrator) StartPlan(goal, screenshotPath, pageURL, threadID, sourceID string, viewport model.Viewport) (*model.JobGroup, *model.Job) {
	group := &model.JobGroup{
		ID:             uuid.NewString(),
		Goal:           goal,
		Status:         model.GroupPlanning,
		ScreenshotPath: screenshotPath,
		PageURL:        pageURL,
		Viewport:       viewport,
		ThreadID:       threadID,
		SourceID:       sourceID,
	}

	plannerJob := &model.Job{
		ID:             uuid.NewString(),
		ScreenshotPath: screenshotPath,
		ThreadID:       threadID,
		SourceID:       sourceID,
		PlanID:         group.ID,
		Phase:          model.PhasePlanner,
		ToolAllowlist:  []string{}, // planner is read-only
		PromptOverride: formatPlannerPrompt(goal, pageURL, viewport),
	}
	group.PlannerJobID = plannerJob.ID

	o.mu.Lock()
	o.groups[group.ID] = group
	o.jobToGroup[plannerJob.ID] = group.ID
	o.mu.Unlock()

	o.queue.Enqueue(plannerJob)
	return group, plannerJob
}

// Group returns the JobGroup with the given id.
func (o *Orchestrator) Group(id string) (*model.JobGroup, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.groups[id]
	return g, ok
}

// OnPlannerDone advances a group once its planner job finishes (spec.md
// §4.10): a non-empty task list moves it to awaiting_approval; an empty
// task list alongside a pending question leaves it in planning so a
// follow-up human reply can be appended to the planner thread; an empty
// task list with no question is a planner failure, pinning the group to
// error.
func (o *Orchestrator) OnPlannerDone(jobID string, tasks []model.PlanTask, question string) error {
	group, err := o.groupForJob(jobID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if group.Status != model.GroupPlanning {
		return fmt.Errorf("plan: group %s not in planning state (got %s)", group.ID, group.Status)
	}
	if len(tasks) > 0 {
		group.Tasks = tasks
		group.Status = model.GroupAwaitingApproval
		return nil
	}
	if question != "" {
		return nil // stays in planning, awaiting a follow-up reply
	}
	group.Status = model.GroupError
	group.Error = "planner produced neither a plan nor a question"
	return nil
}

// Approve moves an awaiting_approval group into executing, filtering its
// parsed tasks down to approvedTaskIDs (a nil/empty slice keeps every
// task). It does not itself enqueue a job — the executor phase starts only
// once /plan/execute is called (spec.md §6).
func (o *Orchestrator) Approve(groupID string, approvedTaskIDs []string) (*model.JobGroup, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	group, ok := o.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("plan: group %s not found", groupID)
	}
	if group.Status != model.GroupAwaitingApproval {
		return nil, fmt.Errorf("plan: group %s not awaiting approval (got %s)", groupID, group.Status)
	}
	group.ApprovedTasks = filterTasks(group.Tasks, approvedTaskIDs)
	group.Status = model.GroupExecuting
	return group, nil
}

func filterTasks(tasks []model.PlanTask, ids []string) []model.PlanTask {
	if len(ids) == 0 {
		return tasks
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]model.PlanTask, 0, len(tasks))
	for _, t := range tasks {
		if want[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// Execute handles POST /plan/execute: enqueues the executor job for an
// executing group. tasks, when non-empty, overrides the group's approved
// task list (the client may resend a trimmed or reordered set); otherwise
// the previously approved tasks are used. The executor job carries no
// ResumeSessionID of its own; it shares the group's thread, so the
// processor resumes whatever session that thread last recorded.
func (o *Orchestrator) Execute(groupID, screenshotPath string, tasks []model.PlanTask) (*model.Job, error) {
	o.mu.Lock()
	group, ok := o.groups[groupID]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("plan: group %s not found", groupID)
	}
	if group.Status != model.GroupExecuting {
		o.mu.Unlock()
		return nil, fmt.Errorf("plan: group %s not executing (got %s)", groupID, group.Status)
	}
	if len(tasks) > 0 {
		group.ApprovedTasks = tasks
	}
	if screenshotPath == "" {
		screenshotPath = group.ScreenshotPath
	}

	executorJob := &model.Job{
		ID:             uuid.NewString(),
		ScreenshotPath: screenshotPath,
		ThreadID:       group.ThreadID,
		SourceID:       group.SourceID,
		PlanID:         group.ID,
		Phase:          model.PhaseExecutor,
		PromptOverride: formatExecutorPrompt(group.Goal, group.ApprovedTasks),
	}
	group.ExecutorJobID = executorJob.ID
	o.jobToGroup[executorJob.ID] = groupID
	o.mu.Unlock()

	o.queue.Enqueue(executorJob)
	return executorJob, nil
}

// OnExecutorDone records that the executor phase finished with resolutions
// and, once at least one reached a terminal status, moves the group into
// reviewing (spec.md §4.10's executing→reviewing transition). The reviewer
// job itself is launched separately by /plan/review.
func (o *Orchestrator) OnExecutorDone(jobID string, resolutions []model.Resolution) error {
	group, err := o.groupForJob(jobID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if group.Status != model.GroupExecuting {
		return fmt.Errorf("plan: group %s not executing (got %s)", group.ID, group.Status)
	}
	if !anyTerminal(resolutions) {
		return nil
	}
	group.Status = model.GroupReviewing
	return nil
}

func anyTerminal(resolutions []model.Resolution) bool {
	for _, r := range resolutions {
		if r.Status == model.ResolutionResolved || r.Status == model.ResolutionNeedsReview {
			return true
		}
	}
	return false
}

// Review handles POST /plan/review: enqueues the read-only reviewer job for
// a reviewing group. The reviewer never resumes a prior agent session
// (spec.md §4.10) — it must see only the review prompt.
func (o *Orchestrator) Review(groupID, screenshotPath string) (*model.Job, error) {
	o.mu.Lock()
	group, ok := o.groups[groupID]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("plan: group %s not found", groupID)
	}
	if group.Status != model.GroupReviewing {
		o.mu.Unlock()
		return nil, fmt.Errorf("plan: group %s not reviewing (got %s)", groupID, group.Status)
	}
	if screenshotPath == "" {
		screenshotPath = group.ScreenshotPath
	}

	reviewerJob := &model.Job{
		ID:             uuid.NewString(),
		ScreenshotPath: screenshotPath,
		SourceID:       group.SourceID,
		PlanID:         group.ID,
		Phase:          model.PhaseReviewer,
		ToolAllowlist:  []string{}, // reviewer is read-only
		PromptOverride: formatReviewerPrompt(group.Goal, group.ApprovedTasks),
	}
	group.ReviewerJobID = reviewerJob.ID
	o.jobToGroup[reviewerJob.ID] = group.ID
	o.mu.Unlock()

	o.queue.Enqueue(reviewerJob)
	return reviewerJob, nil
}

// OnReviewerDone records the review verdict and finalizes the group: pass
// moves it to done; fail surfaces the verdict and returns the group to
// executing so the client can re-run /plan/execute against the issues
// raised, rather than looping automatically (spec.md §4.10's reviewing→
// executing transition is implementation-defined in how many times to
// loop — the bridge leaves that decision to the caller).
func (o *Orchestrator) OnReviewerDone(jobID string, review *model.Review) error {
	group, err := o.groupForJob(jobID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if group.Status != model.GroupReviewing {
		return fmt.Errorf("plan: group %s not reviewing (got %s)", group.ID, group.Status)
	}
	group.LastReview = review
	if review.Verdict == model.VerdictPass {
		group.Status = model.GroupDone
	} else {
		group.Status = model.GroupExecuting
	}
	return nil
}

// Fail moves a group directly to the error state, e.g. because one of its
// phase jobs errored out.
func (o *Orchestrator) Fail(jobID string, message string) error {
	group, err := o.groupForJob(jobID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	group.Status = model.GroupError
	group.Error = message
	return nil
}

// GroupForJob returns the JobGroup that jobID belongs to, if any.
func (o *Orchestrator) GroupForJob(jobID string) (*model.JobGroup, bool) {
	g, err := o.groupForJob(jobID)
	return g, err == nil
}

func (o *Orchestrator) groupForJob(jobID string) (*model.JobGroup, error) {
	o.mu.Lock()
	groupID, ok := o.jobToGroup[jobID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("plan: job %s is not part of any group", jobID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	group, ok := o.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("plan: group %s not found", groupID)
	}
	return group, nil
}
