package httpapi

import (
	"io"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Events handles GET /events?sourceId=...: the SSE stream for one browser
// tab (spec.md §4.8). sourceId is optional: a client that omits it is
// "legacy" and receives every event regardless of routing. The connection
// stays open until the client disconnects; gin's streaming response writer
// and c.Stream loop follow the same pattern the teacher uses for its
// WebSocket client's write pump (internal/orchestrator/streaming/hub.go),
// adapted to one-way SSE frames.
func (s *Service) Events(c *gin.Context) {
	sourceID := c.Query("sourceId")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	client := s.hub.Connect(uuid.NewString(), sourceID)
	defer s.hub.Disconnect(client)

	clientGone := c.Request.Context().Done()

	c.Stream(func(w io.Writer) bool {
		select {
		case frame, ok := <-client.Send():
			if !ok {
				return false
			}
			_, _ = w.Write(frame)
			return true
		case <-clientGone:
			return false
		}
	})
}
