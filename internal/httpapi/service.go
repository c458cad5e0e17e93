// Package httpapi wires the bridge's components into gin HTTP handlers
// (spec.md §6), following the teacher's thin-handler style
// (internal/orchestrator/api/handlers.go): handlers parse the request,
// delegate to a component, and translate its result or error to JSON.
package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/popmelt/core-sub002/internal/bridge/bridgeerr"
	"github.com/popmelt/core-sub002/internal/bridge/capabilities"
	"github.com/popmelt/core-sub002/internal/bridge/decision"
	"github.com/popmelt/core-sub002/internal/bridge/materializer"
	"github.com/popmelt/core-sub002/internal/bridge/model"
	"github.com/popmelt/core-sub002/internal/bridge/multipart"
	"github.com/popmelt/core-sub002/internal/bridge/plan"
	"github.com/popmelt/core-sub002/internal/bridge/queue"
	"github.com/popmelt/core-sub002/internal/bridge/scratch"
	"github.com/popmelt/core-sub002/internal/bridge/streaming"
	"github.com/popmelt/core-sub002/internal/bridge/supervisor"
	"github.com/popmelt/core-sub002/internal/bridge/thread"
	"github.com/popmelt/core-sub002/internal/common/appctx"
	"github.com/popmelt/core-sub002/internal/common/config"
	"github.com/popmelt/core-sub002/internal/common/logger"
	"github.com/popmelt/core-sub002/internal/common/portutil"
)

// Service bundles every bridge component the HTTP layer needs. It owns no
// business logic itself beyond request/response translation.
type Service struct {
	cfg       *config.Config
	queue     *queue.Queue
	hub       *streaming.Hub
	threads   *thread.Store
	decisions *decision.Store
	scratch   *scratch.Manager
	plans     *plan.Orchestrator
	caps      *capabilities.Provider
	mat       *materializer.Materializer
	adapters  map[string]supervisor.Adapter
	recent     *queue.RecentJobs
	projectID  string
	projectDir string
	log        *logger.Logger

	// stopCh bounds detached best-effort writes (decision persistence,
	// spec.md §9) so they don't outlive process shutdown indefinitely.
	stopCh chan struct{}
}

// New assembles a Service from its already-constructed components.
func New(
	cfg *config.Config,
	q *queue.Queue,
	hub *streaming.Hub,
	threads *thread.Store,
	decisions *decision.Store,
	scr *scratch.Manager,
	plans *plan.Orchestrator,
	caps *capabilities.Provider,
	mat *materializer.Materializer,
	adapters map[string]supervisor.Adapter,
	projectDir string,
	log *logger.Logger,
) *Service {
	recent, _ := queue.NewRecentJobs(q)

	svc := &Service{
		cfg: cfg, queue: q, hub: hub, threads: threads, decisions: decisions,
		scratch: scr, plans: plans, caps: caps, mat: mat, adapters: adapters,
		recent:     recent,
		projectID:  portutil.ProjectID(projectDir),
		projectDir: projectDir,
		log:        log,
		stopCh:     make(chan struct{}),
	}

	// A job that errors before finalizeJob runs (spawn failure, cancellation)
	// never reaches advancePlan; pin its JobGroup to error here instead so a
	// plan doesn't hang silently in executing/reviewing forever.
	q.Subscribe(func(ev queue.Event) {
		if ev.Type != queue.EventErrored || ev.Job == nil || ev.Job.PlanID == "" {
			return
		}
		if err := plans.Fail(ev.Job.ID, ev.Message); err != nil {
			log.Warn("httpapi: failed to pin plan group to error")
		}
	})

	// Forward the queue's own lifecycle events onto the SSE hub (spec.md §2,
	// §6): job_started/done/error/queue_drained are the structural envelope
	// browser clients rely on for S1/S2/S3/S6, on top of the business events
	// (delta/thinking/tool_use/...) relayEvent/finalizeJob broadcast directly.
	q.Subscribe(func(ev queue.Event) {
		switch ev.Type {
		case queue.EventJobStarted:
			hub.Broadcast(streaming.Event{Type: "job_started", SourceID: ev.Job.SourceID, JobID: ev.Job.ID, Data: map[string]any{
				"jobId": ev.Job.ID, "position": ev.Position, "threadId": ev.Job.ThreadID,
			}})
		case queue.EventDone:
			data := map[string]any{"jobId": ev.Job.ID, "responseText": "", "threadId": ev.Job.ThreadID}
			if ev.Result != nil {
				data["success"] = ev.Result.Success
				data["resolutions"] = ev.Result.Resolutions
				data["responseText"] = ev.Result.ResponseText
				data["threadId"] = ev.Result.ThreadID
			}
			hub.Broadcast(streaming.Event{Type: "done", SourceID: ev.Job.SourceID, JobID: ev.Job.ID, Data: data})
		case queue.EventErrored:
			hub.Broadcast(streaming.Event{Type: "error", SourceID: ev.Job.SourceID, JobID: ev.Job.ID, Data: map[string]any{
				"jobId": ev.Job.ID, "message": ev.Message, "cancelled": ev.Cancelled,
			}})
		case queue.EventQueueDrained:
			hub.Broadcast(streaming.Event{Type: "queue_drained", Data: map[string]any{}})
		}
	})

	q.SetProcessor(svc.runJob)

	return svc
}

// Close stops any detached best-effort writes still in flight from
// finishing indefinitely past process shutdown.
func (s *Service) Close() {
	close(s.stopCh)
}

// persistDecisionAsync writes rec off the job's own lifecycle (spec.md §9
// "Best-effort persistence": decision and materialization writes must never
// block the job path). It runs as a detached task bounded by its own
// timeout rather than the job's context, which may already be near
// cancellation by the time this fires.
func (s *Service) persistDecisionAsync(rec *model.DecisionRecord) {
	go func() {
		ctx, cancel := appctx.Detached(s.stopCh, 30*time.Second)
		defer cancel()
		s.decisions.Save(ctx, rec)
	}()
}

// resolveThread finds a continuation thread for the given element
// identifiers, or creates a fresh one, implementing spec.md §4.3's
// continuation rule.
func (s *Service) resolveThread(elementIDs []string) (*model.Thread, error) {
	if t, ok := s.threads.FindContinuation(elementIDs); ok {
		if _, err := s.threads.AddElementIdentifiers(t.ID, elementIDs); err != nil {
			return nil, err
		}
		return t, nil
	}
	return s.threads.CreateThread(elementIDs)
}

// saveScreenshot persists multipart screenshot bytes to scratch and returns
// its path, or "" if none was uploaded.
func (s *Service) saveScreenshot(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	return s.scratch.Write(data, ".png")
}

// savePastedImages persists every pasted image keyed by annotation id.
func (s *Service) savePastedImages(images map[string][][]byte) (map[string][]string, error) {
	out := make(map[string][]string, len(images))
	for annotationID, files := range images {
		for _, data := range files {
			path, err := s.scratch.Write(data, ".png")
			if err != nil {
				return nil, err
			}
			out[annotationID] = append(out[annotationID], path)
		}
	}
	return out, nil
}

// newJobFromFeedback builds the Job for a /send or /reply request.
func (s *Service) newJobFromFeedback(parsed *multipart.Parsed, threadID string) (*model.Job, error) {
	screenshotPath, err := s.saveScreenshot(parsed.Screenshot)
	if err != nil {
		return nil, fmt.Errorf("httpapi: save screenshot: %w", err)
	}
	pastedImages, err := s.savePastedImages(parsed.PastedImages)
	if err != nil {
		return nil, fmt.Errorf("httpapi: save pasted images: %w", err)
	}
	if len(parsed.ReplyImages) > 0 {
		replyPaths, err := s.savePastedImages(map[string][][]byte{"reply": parsed.ReplyImages})
		if err != nil {
			return nil, fmt.Errorf("httpapi: save reply images: %w", err)
		}
		if pastedImages == nil {
			pastedImages = make(map[string][]string, 1)
		}
		pastedImages["reply"] = replyPaths["reply"]
	}

	var annotationIDs []string
	if parsed.Feedback != nil {
		annotationIDs = parsed.Feedback.AnnotationIDs()
	}

	return &model.Job{
		ID:             uuid.NewString(),
		CreatedAt:      time.Now(),
		SourceID:       parsed.SourceID,
		ScreenshotPath: screenshotPath,
		Feedback:       parsed.Feedback,
		ThreadID:       threadID,
		AnnotationIDs:  annotationIDs,
		Provider:       parsed.Provider,
		Model:          parsed.Model,
		PastedImages:   pastedImages,
	}, nil
}

// adapterFor resolves which supervisor.Adapter to use for a job. An empty
// provider selects one of the registered adapters; which one is not
// defined (it follows map iteration order).
func (s *Service) adapterFor(provider string) (supervisor.Adapter, error) {
	if provider == "" {
		for name := range s.adapters {
			provider = name
			break
		}
	}
	a, ok := s.adapters[provider]
	if !ok {
		return nil, bridgeerr.New(bridgeerr.KindInvalidRequest, fmt.Sprintf("unknown provider %q", provider))
	}
	return a, nil
}

// runJob is the queue.Processor registered for the bridge's queue: it spawns
// the right adapter, streams its events to the SSE hub, parses structured
// output, persists the thread/decision records, and reports the result back
// to the queue (spec.md §4.4, §4.6, §4.7).
func (s *Service) runJob(ctx context.Context, job *model.Job) (*queue.Result, error) {
	adapter, err := s.adapterFor(job.Provider)
	if err != nil {
		return nil, err
	}

	history := s.threads.History(job.ThreadID)
	req := supervisor.ForJob(job, history)
	req.WorkingDir = s.projectDir
	if req.ResumeSessionID == "" {
		req.ResumeSessionID = lastSessionID(history)
	}

	handle, err := adapter.Spawn(ctx, req)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindSpawnFailure, "failed to start agent", err)
	}
	s.queue.SetActiveProcess(job.ID, handle)

	for ev := range handle.Events() {
		s.relayEvent(job, ev)
	}

	outcome, err := handle.Wait()
	if err != nil {
		return nil, err
	}

	return s.finalizeJob(ctx, job, outcome)
}

// lastSessionID scans history for the most recent assistant message's
// session id, so a continuation job resumes the same underlying agent
// session rather than starting fresh every turn (spec.md §1, §4.6).
func lastSessionID(history []model.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == model.RoleAssistant && history[i].SessionID != "" {
			return history[i].SessionID
		}
	}
	return ""
}

func (s *Service) relayEvent(job *model.Job, ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.EventDelta:
		s.hub.Broadcast(streaming.Event{Type: "delta", SourceID: job.SourceID, JobID: job.ID, Data: map[string]string{"text": ev.Text}})
	case supervisor.EventThinking:
		s.hub.Broadcast(streaming.Event{Type: "thinking", SourceID: job.SourceID, JobID: job.ID, Data: map[string]string{"text": ev.Text}})
	case supervisor.EventToolUse:
		s.hub.Broadcast(streaming.Event{Type: "tool_use", SourceID: job.SourceID, JobID: job.ID, Data: map[string]string{"name": ev.ToolName, "input": ev.ToolInput}})
	}
}
