// Package model defines the core data types shared across the bridge's
// subsystems: jobs, threads, resolutions, decision records, and job groups
// (spec.md §3).
package model

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
)

// Phase tags a job launched by the plan orchestrator (C10) with which phase
// of planner → executor → reviewer it belongs to.
type Phase string

const (
	PhaseNone     Phase = ""
	PhasePlanner  Phase = "planner"
	PhaseExecutor Phase = "executor"
	PhaseReviewer Phase = "reviewer"
)

// Job is a single agent invocation: the unit of queueing, cancellation, and
// SSE event routing (spec.md §3). It is mutated only by the queue's
// processor and has no durable form of its own — its shadow is the
// DecisionRecord persisted on completion.
type Job struct {
	ID        string
	Status    JobStatus
	CreatedAt time.Time

	SourceID string // routes SSE events to the originating browser tab

	ScreenshotPath string
	Feedback       *FeedbackPayload

	ThreadID     string
	AnnotationIDs []string

	// ReplyText carries a /reply's free-text reply when the request had no
	// fresh FeedbackPayload to attach it to (the JSON-body form of /reply;
	// spec.md §6).
	ReplyText string

	Provider string
	Model    string

	// PastedImages maps an annotation id to the paths of images pasted
	// alongside that annotation's instruction.
	PastedImages map[string][]string

	PlanID string
	Phase  Phase

	// PromptOverride, when set, replaces the normally-formatted prompt
	// (used by plan/execute and plan/review, which build their own prompts).
	PromptOverride string

	// ToolAllowlist, when non-nil, restricts which tools the agent subprocess
	// may invoke (planner and reviewer phases run read-only).
	ToolAllowlist []string

	// ResumeSessionID, when set, asks the agent adapter to resume a prior
	// session instead of starting a fresh one. Never set for reviewer jobs
	// (spec.md §4.10: "never resumes a prior agent session").
	ResumeSessionID string
}
