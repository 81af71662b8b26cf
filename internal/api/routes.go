// Package api serves the dashboard: journal queries, learned-pattern
// inspection, an ad-hoc validation endpoint, and the live event stream.
package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/bandaid/internal/learning"
	"github.com/rawblock/bandaid/internal/security"
	"github.com/rawblock/bandaid/internal/storage"
	"github.com/rawblock/bandaid/pkg/models"
)

type Handler struct {
	journal *storage.Journal
	memory  *learning.PatternMemory
	orch    *security.Orchestrator
	hub     *Hub
	log     *logrus.Entry
}

// SetupRouter builds the dashboard engine with CORS, auth and rate
// limiting applied to the API group.
func SetupRouter(logger *logrus.Logger, journal *storage.Journal, memory *learning.PatternMemory, orch *security.Orchestrator, hub *Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS is configurable via ALLOWED_ORIGINS (comma-separated).
	// Empty or "*" allows everything, which is fine for the local-first
	// default of binding the dashboard to loopback.
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	handler := &Handler{
		journal: journal,
		memory:  memory,
		orch:    orch,
		hub:     hub,
		log:     logger.WithField("component", "dashboard_api"),
	}

	limiter := NewRateLimiter(120, 30)

	apiGroup := r.Group("/api/v1")
	apiGroup.Use(limiter.Middleware(), AuthMiddleware(logger))
	{
		apiGroup.GET("/events", handler.handleListEvents)
		apiGroup.GET("/stats", handler.handleStats)
		apiGroup.GET("/patterns", handler.handleListPatterns)
		apiGroup.GET("/patterns/top", handler.handleTopPatterns)
		apiGroup.POST("/validate", handler.handleValidate)
	}

	// Public surface: liveness, live stream, prometheus scrape.
	r.GET("/api/v1/health", handler.handleHealth)
	r.GET("/api/v1/stream", hub.Subscribe)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Static dashboard assets.
	r.Static("/dashboard", "./public")

	return r
}

// handleListEvents pages through the journal newest-first.
// GET /api/v1/events?page=1&limit=50&event_type=blocked&threat_kind=...&severity=...&since=...&until=...
func (h *Handler) handleListEvents(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	filter := storage.EventFilter{
		EventType:  models.EventType(c.Query("event_type")),
		ThreatKind: models.ThreatKind(c.Query("threat_kind")),
		Severity:   models.Severity(c.Query("severity")),
	}
	if raw := c.Query("request_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request_id"})
			return
		}
		filter.RequestID = &id
	}
	for param, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		if raw := c.Query(param); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + param + ", want RFC3339"})
				return
			}
			*dst = &ts
		}
	}

	events, total, err := h.journal.QueryEvents(c.Request.Context(), filter, page, limit)
	if err != nil {
		h.log.WithError(err).Error("event query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       events,
		"totalCount": total,
		"page":       page,
		"limit":      limit,
	})
}

// handleStats returns journal aggregates for the dashboard landing page.
func (h *Handler) handleStats(c *gin.Context) {
	stats, err := h.journal.GetStats(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("stats query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute stats"})
		return
	}
	stats.PatternsTotal = h.memory.Count()
	c.JSON(http.StatusOK, stats)
}

// handleListPatterns pages through learned patterns, newest first.
func (h *Handler) handleListPatterns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       h.memory.List(limit, offset),
		"totalCount": h.memory.Count(),
		"limit":      limit,
		"offset":     offset,
	})
}

// handleTopPatterns returns the most re-detected patterns.
func (h *Handler) handleTopPatterns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	patterns, err := h.journal.TopPatterns(c.Request.Context(), limit)
	if err != nil {
		h.log.WithError(err).Error("top patterns query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query patterns"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": patterns})
}

// handleValidate runs the pipeline over arbitrary text so operators can
// probe the detectors from the dashboard. The call journals an event
// like any proxied request would.
func (h *Handler) handleValidate(c *gin.Context) {
	var req struct {
		Text     string `json:"text" binding:"required"`
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {text, provider?, model?}"})
		return
	}

	decision, err := h.orch.ValidateRequest(c.Request.Context(), security.ValidateInput{
		Text:      req.Text,
		RequestID: uuid.New(),
		Provider:  req.Provider,
		Model:     req.Model,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"allowed": decision.Allowed,
		"event":   decision.Event,
		"results": decision.Results,
	})
}

// handleHealth reports process status for service discovery.
func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "operational",
		"service":  "bandaid security core",
		"patterns": h.memory.Count(),
	})
}
