package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/popmelt/core-sub002/internal/bridge/model"
	"github.com/popmelt/core-sub002/internal/bridge/parser"
	"github.com/popmelt/core-sub002/internal/bridge/queue"
	"github.com/popmelt/core-sub002/internal/bridge/streaming"
	"github.com/popmelt/core-sub002/internal/bridge/supervisor"
)

// finalizeJob parses the agent's final response for structured-output
// blocks (spec.md §4.5), applies the annotation-id remap defense, appends
// the result to the job's thread, persists a DecisionRecord, advances the
// plan orchestrator for phase jobs, and builds the queue.Result the queue
// publishes in its `done` event.
func (s *Service) finalizeJob(ctx context.Context, job *model.Job, outcome *supervisor.Outcome) (*queue.Result, error) {
	resolutions := parser.ParseResolutions(outcome.ResponseText)
	resolutions = parser.RemapAnnotationIDs(resolutions, job.AnnotationIDs)
	question, _ := parser.ParseQuestion(outcome.ResponseText)
	novel := parser.ParseNovelPatterns(outcome.ResponseText)

	now := time.Now()

	if job.ThreadID != "" {
		_, err := s.threads.AppendMessage(job.ThreadID, model.Message{
			Role:         model.RoleAssistant,
			Timestamp:    now,
			ResponseText: outcome.ResponseText,
			Resolutions:  resolutions,
			Question:     question,
			ToolsUsed:    outcome.ToolsUsed,
			SessionID:    outcome.SessionID,
		})
		if err != nil {
			s.log.Warn("httpapi: failed to append assistant message to thread")
		}
	}

	rec := &model.DecisionRecord{
		JobID:        job.ID,
		ThreadID:     job.ThreadID,
		PlanID:       job.PlanID,
		Phase:        job.Phase,
		CreatedAt:    now,
		Provider:     job.Provider,
		Model:        job.Model,
		SessionID:    outcome.SessionID,
		ResponseText: outcome.ResponseText,
		Resolutions:  resolutions,
		Question:     question,
		ToolsUsed:    outcome.ToolsUsed,
	}
	if job.Feedback != nil {
		rec.URL = job.Feedback.URL
		rec.Viewport = job.Feedback.Viewport
		rec.Feedback = job.Feedback
		rec.Annotations = job.Feedback.Annotations
	}
	rec.ScreenshotPath = job.ScreenshotPath
	if job.PastedImages != nil {
		rec.PastedImages = flattenFirstImage(job.PastedImages)
	}

	s.persistDecisionAsync(rec)

	s.advancePlan(job, outcome, resolutions, question)

	if question != "" {
		s.hub.Broadcast(streaming.Event{Type: "question", SourceID: job.SourceID, JobID: job.ID, Data: map[string]any{
			"threadId": job.ThreadID, "question": question, "annotationIds": job.AnnotationIDs,
		}})
	}
	if len(novel) > 0 {
		s.hub.Broadcast(streaming.Event{Type: "novel_patterns", SourceID: job.SourceID, JobID: job.ID, Data: map[string]any{
			"patterns": novel, "threadId": job.ThreadID,
		}})
	}

	return &queue.Result{
		Success:      true,
		ResponseText: outcome.ResponseText,
		Resolutions:  resolutions,
		Question:     question,
		ThreadID:     job.ThreadID,
	}, nil
}

// advancePlan drives the JobGroup state machine for phase jobs (spec.md
// §4.10) and broadcasts the plan-specific SSE events. Non-phase jobs are a
// no-op here. Orchestrator errors are logged, never surfaced as a job
// failure — a stale or already-terminal group must not un-do a completed
// agent turn.
func (s *Service) advancePlan(job *model.Job, outcome *supervisor.Outcome, resolutions []model.Resolution, question string) {
	if job.Phase == model.PhaseNone {
		return
	}

	switch job.Phase {
	case model.PhasePlanner:
		tasks := parser.ParsePlan(outcome.ResponseText)
		if err := s.plans.OnPlannerDone(job.ID, tasks, question); err != nil {
			s.log.Warn("httpapi: plan orchestrator rejected planner completion", zap.Error(err))
			return
		}
		if len(tasks) > 0 {
			s.hub.Broadcast(streaming.Event{Type: "plan_ready", SourceID: job.SourceID, JobID: job.ID, Data: map[string]any{
				"planId": job.PlanID, "tasks": tasks, "threadId": job.ThreadID,
			}})
		}

	case model.PhaseExecutor:
		if err := s.plans.OnExecutorDone(job.ID, resolutions); err != nil {
			s.log.Warn("httpapi: plan orchestrator rejected executor completion", zap.Error(err))
			return
		}
		s.hub.Broadcast(streaming.Event{Type: "task_resolved", SourceID: job.SourceID, JobID: job.ID, Data: map[string]any{
			"planId": job.PlanID, "resolutions": resolutions, "threadId": job.ThreadID,
		}})

	case model.PhaseReviewer:
		review, ok := parser.ParseReview(outcome.ResponseText)
		if !ok {
			s.log.Warn("httpapi: reviewer job produced no parseable <review> block", zap.String("job_id", job.ID))
			return
		}
		if err := s.plans.OnReviewerDone(job.ID, review); err != nil {
			s.log.Warn("httpapi: plan orchestrator rejected reviewer completion", zap.Error(err))
			return
		}
		s.hub.Broadcast(streaming.Event{Type: "plan_review", SourceID: job.SourceID, JobID: job.ID, Data: map[string]any{
			"planId": job.PlanID, "verdict": review.Verdict, "summary": review.Summary, "issues": review.Issues,
		}})
	}
}

func flattenFirstImage(images map[string][]string) map[string]string {
	out := make(map[string]string, len(images))
	for annotationID, paths := range images {
		if len(paths) > 0 {
			out[annotationID] = paths[0]
		}
	}
	return out
}
