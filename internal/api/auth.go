package api

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Bearer token authentication for the dashboard API.
//
// Reads DASHBOARD_AUTH_TOKEN from the environment. When set, every
// protected route requires "Authorization: Bearer <token>". The
// websocket stream and /metrics stay public.

// AuthMiddleware validates bearer tokens. With no token configured all
// requests pass (dev mode); in release mode that state is logged loudly.
func AuthMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	token := os.Getenv("DASHBOARD_AUTH_TOKEN")

	if token == "" && os.Getenv("GIN_MODE") == "release" {
		logger.Warn("DASHBOARD_AUTH_TOKEN is not set in release mode; " +
			"dashboard endpoints are publicly accessible")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization header",
				"hint":  "Use: Authorization: Bearer <DASHBOARD_AUTH_TOKEN>",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid Authorization header format"})
			c.Abort()
			return
		}

		// Constant-time comparison prevents timing-based token probing.
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
