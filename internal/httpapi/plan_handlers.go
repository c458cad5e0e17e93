package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/popmelt/core-sub002/internal/bridge/bridgeerr"
	"github.com/popmelt/core-sub002/internal/bridge/multipart"
)

// PlanStart handles POST /plan: begins a planner → executor → reviewer
// JobGroup from a multipart screenshot + goal (spec.md §4.10, §6).
func (s *Service) PlanStart(c *gin.Context) {
	parsed, err := multipart.Parse(c, true)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if parsed.Goal == "" {
		s.writeError(c, bridgeerr.New(bridgeerr.KindInvalidRequest, "goal is required"))
		return
	}

	screenshotPath, err := s.saveScreenshot(parsed.Screenshot)
	if err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "failed to stage screenshot", err))
		return
	}

	elementIDs := parsed.Feedback.ElementIdentifiers()
	th, err := s.resolveThread(elementIDs)
	if err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindPersistenceFailure, "failed to resolve thread", err))
		return
	}

	group, plannerJob := s.plans.StartPlan(parsed.Goal, screenshotPath, parsed.PageURL, th.ID, parsed.SourceID, parsed.Viewport)
	c.JSON(http.StatusAccepted, gin.H{"planId": group.ID, "jobId": plannerJob.ID, "position": s.queue.QueueDepth(), "threadId": th.ID})
}

// PlanApprove handles POST /plan/approve: filters the planner's proposed
// tasks down to approvedTaskIds (all of them if omitted) and transitions
// the group from awaiting_approval to executing.
func (s *Service) PlanApprove(c *gin.Context) {
	var req struct {
		PlanID          string   `json:"planId"`
		ApprovedTaskIDs []string `json:"approvedTaskIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "invalid request body", err))
		return
	}
	group, err := s.plans.Approve(req.PlanID, req.ApprovedTaskIDs)
	if err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, err.Error(), err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"planId": group.ID, "tasks": group.ApprovedTasks, "status": group.Status})
}

// PlanExecute handles POST /plan/execute: launches the executor job for an
// executing group.
func (s *Service) PlanExecute(c *gin.Context) {
	parsed, err := multipart.Parse(c, true)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if parsed.PlanID == "" {
		s.writeError(c, bridgeerr.New(bridgeerr.KindInvalidRequest, "planId is required"))
		return
	}

	screenshotPath, err := s.saveScreenshot(parsed.Screenshot)
	if err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "failed to stage screenshot", err))
		return
	}

	job, err := s.plans.Execute(parsed.PlanID, screenshotPath, parsed.Tasks)
	if err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, err.Error(), err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "planId": parsed.PlanID, "position": s.queue.QueueDepth()})
}

// PlanReview handles POST /plan/review: launches the read-only reviewer job
// for a reviewing group.
func (s *Service) PlanReview(c *gin.Context) {
	parsed, err := multipart.Parse(c, true)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if parsed.PlanID == "" {
		s.writeError(c, bridgeerr.New(bridgeerr.KindInvalidRequest, "planId is required"))
		return
	}

	screenshotPath, err := s.saveScreenshot(parsed.Screenshot)
	if err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "failed to stage screenshot", err))
		return
	}

	job, err := s.plans.Review(parsed.PlanID, screenshotPath)
	if err != nil {
		s.writeError(c, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, err.Error(), err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "planId": parsed.PlanID, "position": s.queue.QueueDepth()})
}

// PlanStatus handles GET /plan/:id.
func (s *Service) PlanStatus(c *gin.Context) {
	id := c.Param("id")
	group, ok := s.plans.Group(id)
	if !ok {
		s.writeError(c, bridgeerr.New(bridgeerr.KindNotFound, "plan group not found"))
		return
	}
	c.JSON(http.StatusOK, group)
}
