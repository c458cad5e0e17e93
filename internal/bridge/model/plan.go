package model

// GroupStatus is the JobGroup (plan) state machine's current state
// (spec.md §4.10).
type GroupStatus string

const (
	GroupPlanning         GroupStatus = "planning"
	GroupAwaitingApproval GroupStatus = "awaiting_approval"
	GroupExecuting        GroupStatus = "executing"
	GroupReviewing        GroupStatus = "reviewing"
	GroupDone             GroupStatus = "done"
	GroupError            GroupStatus = "error"
)

// JobGroup coordinates a planner → executor → reviewer job chain sharing a
// goal (spec.md §3, §4.10).
type JobGroup struct {
	ID     string
	Goal   string
	Status GroupStatus

	ScreenshotPath string
	PageURL        string
	Viewport       Viewport
	SourceID       string

	PlannerJobID  string
	ExecutorJobID string
	ReviewerJobID string

	ThreadID string

	Tasks         []PlanTask
	ApprovedTasks []PlanTask

	LastReview *Review

	Error string
}
