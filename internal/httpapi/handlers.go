package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/popmelt/core-sub002/internal/bridge/bridgeerr"
	"github.com/popmelt/core-sub002/internal/bridge/materializer"
	"github.com/popmelt/core-sub002/internal/bridge/model"
	"github.com/popmelt/core-sub002/internal/bridge/multipart"
	"github.com/popmelt/core-sub002/internal/bridge/streaming"
)

// writeError translates a bridgeerr.Error (or any error) into the JSON body
// and status code spec.md §7 describes.
func (s *Service) writeError(c *gin.Context, err error) {
	c.JSON(bridgeerr.HTTPStatus(err), gin.H{"error": err.Error()})
}

// Send handles POST /send: a fresh piece of visual feedback, starting or
// continuing a thread (spec.md §4.1, §4.3, §6).
func (s *Service) Send(c *gin.Context) {
	parsed, err := multipart.Parse(c, true)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if parsed.Feedback == nil {
		s.writeError(c, bridgeerr.New(bridgeerr.KindInvalidRequest, "feedback field is required"))
		return
	}

	elementIDs := parsed.Feedback.ElementIdentifiers()
	th, err := s.resolveThread(elementIDs)
	if err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindPersistenceFailure, "failed to resolve thread", err))
		return
	}

	job, err := s.newJobFromFeedback(parsed, th.ID)
	if err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "failed to stage job inputs", err))
		return
	}

	if _, err := s.threads.AppendMessage(th.ID, model.Message{
		Role:            model.RoleHuman,
		Timestamp:       time.Now(),
		ScreenshotPath:  job.ScreenshotPath,
		AnnotationIDs:   job.AnnotationIDs,
		FeedbackSummary: summarizeFeedback(parsed.Feedback),
		Feedback:        parsed.Feedback,
	}); err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindPersistenceFailure, "failed to append to thread", err))
		return
	}

	position := s.queue.Enqueue(job)
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "threadId": th.ID, "position": position})
}

// replyRequest is the shape of a JSON-body /reply (spec.md §6), the
// alternative to the multipart form the same endpoint also accepts.
type replyRequest struct {
	ThreadID string `json:"threadId"`
	Reply    string `json:"reply"`
	Color    string `json:"color"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	SourceID string `json:"sourceId"`
}

// Reply handles POST /reply: a follow-up message on an existing thread,
// accepted either as multipart/form-data (carrying a new screenshot and/or
// pasted reply images) or as a plain JSON body (spec.md §6).
func (s *Service) Reply(c *gin.Context) {
	parsed, err := parseReplyBody(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if parsed.ThreadID == "" {
		s.writeError(c, bridgeerr.New(bridgeerr.KindInvalidRequest, "threadId is required"))
		return
	}
	th, ok := s.threads.GetThread(parsed.ThreadID)
	if !ok {
		s.writeError(c, bridgeerr.New(bridgeerr.KindNotFound, "thread not found"))
		return
	}

	job, err := s.newJobFromFeedback(parsed, th.ID)
	if err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "failed to stage job inputs", err))
		return
	}
	job.ReplyText = parsed.Reply

	replyToMsg := ""
	if len(th.Messages) > 0 {
		replyToMsg = fmt.Sprintf("%d", len(th.Messages)-1)
	}
	if parsed.Feedback != nil {
		if _, err := s.threads.AddElementIdentifiers(th.ID, parsed.Feedback.ElementIdentifiers()); err != nil {
			s.writeError(c, bridgeerr.Wrap(bridgeerr.KindPersistenceFailure, "failed to update thread", err))
			return
		}
	}

	summary := summarizeFeedback(parsed.Feedback)
	if summary == "" {
		summary = parsed.Reply
	}
	if _, err := s.threads.AppendMessage(th.ID, model.Message{
		Role:            model.RoleHuman,
		Timestamp:       time.Now(),
		ScreenshotPath:  job.ScreenshotPath,
		AnnotationIDs:   job.AnnotationIDs,
		FeedbackSummary: summary,
		Feedback:        parsed.Feedback,
		ReplyTo:         replyToMsg,
	}); err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindPersistenceFailure, "failed to append to thread", err))
		return
	}

	position := s.queue.Enqueue(job)
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "threadId": th.ID, "position": position})
}

// parseReplyBody dispatches on Content-Type: multipart/form-data goes
// through multipart.Parse (screenshot optional — a reply need not attach a
// fresh one), anything else is decoded as the JSON replyRequest shape.
func parseReplyBody(c *gin.Context) (*multipart.Parsed, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		return multipart.Parse(c, false)
	}

	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "invalid JSON reply body", err)
	}
	return &multipart.Parsed{
		ThreadID: req.ThreadID,
		Reply:    req.Reply,
		Color:    req.Color,
		Provider: req.Provider,
		Model:    req.Model,
		SourceID: req.SourceID,
	}, nil
}

// Cancel handles POST /cancel?jobId=. Omitting jobId cancels the active job.
func (s *Service) Cancel(c *gin.Context) {
	jobID := c.Query("jobId")
	var cancelled bool
	if jobID == "" {
		cancelled = s.queue.CancelActive()
	} else {
		cancelled = s.queue.Cancel(jobID)
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// Status handles GET /status: liveness, the project identity used by port
// arbitration (spec.md §4.11) to recognize this instance, and the recently
// completed job ring a reconnecting client uses to reconcile jobs it still
// thinks are in flight (spec.md §4.8, §9).
func (s *Service) Status(c *gin.Context) {
	activeJobIDs := s.queue.ActiveJobIDs()
	var activeJob string
	if len(activeJobIDs) > 0 {
		activeJob = activeJobIDs[0]
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"projectId":   s.projectID,
		"activeJob":   activeJob,
		"activeJobs":  activeJobIDs,
		"queueDepth":  s.queue.QueueDepth(),
		"recentJobs":  s.recent.Snapshot(),
	})
}

// Capabilities handles GET /capabilities.
func (s *Service) Capabilities(c *gin.Context) {
	c.JSON(http.StatusOK, s.caps.Snapshot())
}

// Materialize handles POST /materialize: kicks off the background run and
// returns immediately (spec.md §4.12, §6); completion is reported over SSE
// as materialize_started/materialize_done rather than on this response.
func (s *Service) Materialize(c *gin.Context) {
	// spec.md §6 documents /materialize's body as "—" (none); a jobIds list
	// is an optional override, never required, so an empty or absent body
	// must not be rejected as InvalidRequest.
	var req struct {
		JobIDs []string `json:"jobIds"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "invalid request body", err))
			return
		}
	}

	jobIDs := req.JobIDs
	if len(jobIDs) == 0 {
		all, err := s.decisions.List()
		if err != nil {
			s.writeError(c, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "failed to list decisions", err))
			return
		}
		jobIDs = all
	}

	started, reason := s.mat.StartAsync(context.Background(), jobIDs, func(result *materializer.Result, err error) {
		done := gin.H{"decisionIds": jobIDs, "success": err == nil}
		if err != nil {
			done["error"] = err.Error()
		}
		s.hub.Broadcast(streaming.Event{Type: "materialize_done", Data: done})
	})
	if !started {
		c.JSON(http.StatusOK, gin.H{"skipped": true, "reason": reason})
		return
	}

	s.hub.Broadcast(streaming.Event{Type: "materialize_started", Data: gin.H{}})
	c.JSON(http.StatusAccepted, gin.H{"started": true})
}

// ModelLast handles GET /model/last: the most recently materialized tokens.
func (s *Service) ModelLast(c *gin.Context) {
	tokens, ok := s.mat.Last()
	if !ok {
		s.writeError(c, bridgeerr.New(bridgeerr.KindNotFound, "no materialization has run yet"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

// ModelPatch handles PATCH /model/:key: trivial CRUD over the materialized
// token set (spec.md §6).
func (s *Service) ModelPatch(c *gin.Context) {
	key := c.Param("key")
	var req struct {
		Value any `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "invalid request body", err))
		return
	}
	added, err := s.mat.PatchKey(key, req.Value)
	if err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindPersistenceFailure, "failed to persist model", err))
		return
	}
	if added {
		c.JSON(http.StatusOK, gin.H{"added": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// ModelDelete handles DELETE /model/:key.
func (s *Service) ModelDelete(c *gin.Context) {
	key := c.Param("key")
	removed, err := s.mat.DeleteKey(key)
	if err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindPersistenceFailure, "failed to persist model", err))
		return
	}
	if !removed {
		s.writeError(c, bridgeerr.New(bridgeerr.KindNotFound, "key not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// Thread handles GET /thread/:id. Screenshot paths are stripped from the
// returned messages (spec.md §6) — they're scratch-local filesystem paths,
// meaningless to a browser client and not meant to leak outside the host.
func (s *Service) Thread(c *gin.Context) {
	id := c.Param("id")
	th, ok := s.threads.GetThread(id)
	if !ok {
		s.writeError(c, bridgeerr.New(bridgeerr.KindNotFound, "thread not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         th.ID,
		"createdAt":  th.CreatedAt,
		"updatedAt":  th.UpdatedAt,
		"elementIds": th.ElementIDSlice(),
		"messages":   stripScreenshotPaths(th.Messages),
	})
}

// stripScreenshotPaths returns a copy of messages with ScreenshotPath
// cleared, leaving the originals (and the on-disk thread store) untouched.
func stripScreenshotPaths(messages []model.Message) []model.Message {
	out := make([]model.Message, len(messages))
	for i, m := range messages {
		m.ScreenshotPath = ""
		out[i] = m
	}
	return out
}

func summarizeFeedback(fb *model.FeedbackPayload) string {
	if fb == nil || len(fb.Annotations) == 0 {
		return ""
	}
	return fb.Annotations[0].Instruction
}
