package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/popmelt/core-sub002/internal/common/httpmw"
	"github.com/popmelt/core-sub002/internal/common/logger"
)

// NewRouter builds the gin engine for the bridge daemon: loopback-only CORS,
// request logging and panic recovery (spec.md §4.9), and every endpoint in
// spec.md §6, grounded on the teacher's SetupRoutes
// (internal/orchestrator/api/router.go).
func NewRouter(svc *Service, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(httpmw.Recovery(log), httpmw.RequestLogger(log), httpmw.OtelTracing("popmelt-bridge"), httpmw.CORS())

	r.POST("/send", svc.Send)
	r.POST("/reply", svc.Reply)
	r.POST("/cancel", svc.Cancel)
	r.GET("/events", svc.Events)
	r.GET("/status", svc.Status)
	r.GET("/capabilities", svc.Capabilities)
	r.POST("/materialize", svc.Materialize)
	r.GET("/model/last", svc.ModelLast)
	r.PATCH("/model/:key", svc.ModelPatch)
	r.DELETE("/model/:key", svc.ModelDelete)
	r.GET("/thread/:id", svc.Thread)

	r.POST("/plan", svc.PlanStart)
	r.POST("/plan/approve", svc.PlanApprove)
	r.POST("/plan/execute", svc.PlanExecute)
	r.POST("/plan/review", svc.PlanReview)
	r.GET("/plan/:id", svc.PlanStatus)

	return r
}
