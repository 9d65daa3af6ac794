// Package security provides HTTP hardening middleware and origin checks
// shared by the REST API and the websocket upgrader.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses. The service only
// serves JSON and websocket upgrades, so the content policy denies everything else.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

// Origins is an allow-list of browser origins. A "*" entry or an empty list
// allows any origin.
type Origins struct {
	any     bool
	allowed map[string]bool
}

// NewOrigins builds an allow-list from configured origins.
func NewOrigins(origins []string) Origins {
	o := Origins{allowed: make(map[string]bool, len(origins))}
	if len(origins) == 0 {
		o.any = true
	}
	for _, origin := range origins {
		if origin == "*" {
			o.any = true
			continue
		}
		o.allowed[strings.TrimRight(origin, "/")] = true
	}
	return o
}

// Allowed reports whether origin may call the API. Requests without an
// Origin header (non-browser clients) are always allowed.
func (o Origins) Allowed(origin string) bool {
	if origin == "" || o.any {
		return true
	}
	return o.allowed[strings.TrimRight(origin, "/")]
}

// CheckOrigin adapts the allow-list to websocket.Upgrader.CheckOrigin.
func (o Origins) CheckOrigin(r *http.Request) bool {
	return o.Allowed(r.Header.Get("Origin"))
}

// CORSMiddleware handles CORS for API endpoints
func CORSMiddleware(origins Origins) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if origin != "" && origins.Allowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
			// Wildcard origins never get credentials.
			if !origins.any {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
