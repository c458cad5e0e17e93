package httpmw

import (
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS sets permissive cross-origin headers only when the request's Origin
// is loopback (localhost/127.0.0.1/[::1], any port). Per spec.md §4.9,
// preflight requests always get a 204, and non-loopback origins get no
// CORS headers at all — the bridge never authenticates clients beyond
// binding to the loopback interface, so it must not widen that trust
// boundary via CORS.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && isLoopbackOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}
