package gateway

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rawblock/botwall/internal/db"
	"github.com/rawblock/botwall/internal/history"
	"github.com/rawblock/botwall/internal/learning"
	"github.com/rawblock/botwall/internal/policy"
	"github.com/rawblock/botwall/internal/store"
	"github.com/rawblock/botwall/pkg/models"
)

// Admin API. Served on its own listener, never on the proxied port.
// Everything except the health check sits behind bearer auth and a
// per-client rate limit.

type AdminDeps struct {
	Gateway    *Gateway
	Hub        *Hub
	Alerts     *AlertSink // nil disables the webhook endpoints
	Policies   *policy.Registry
	Learning   *learning.Coordinator
	History    *history.Tracker
	Reputation *store.Reputation
	Weights    *store.Weights
	Store      *db.PostgresStore // nil when no database is configured
}

type adminHandler struct {
	deps AdminDeps
}

// SetupAdminRouter wires the admin surface: health, live event stream,
// operational stats, the event log, and the feedback endpoint.
func SetupAdminRouter(deps AdminDeps) *gin.Engine {
	r := gin.Default()
	h := &adminHandler{deps: deps}

	r.GET("/api/v1/health", h.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limited := r.Group("/api/v1", NewRateLimiter(120, 30).Middleware(), authMiddleware())
	{
		limited.GET("/stream", deps.Hub.Subscribe)
		limited.GET("/stats", h.handleStats)
		limited.GET("/reputation", h.handleReputation)
		limited.GET("/weights", h.handleWeights)
		limited.GET("/policies", h.handlePolicies)
		limited.GET("/detections", h.handleDetections)
		limited.POST("/feedback", h.handleFeedback)
		limited.GET("/alerts", h.handleAlerts)
		limited.GET("/webhooks", h.handleListWebhooks)
		limited.POST("/webhooks", h.handleRegisterWebhook)
		limited.DELETE("/webhooks/:name", h.handleRemoveWebhook)
	}
	return r
}

// authMiddleware validates Authorization: Bearer <ADMIN_AUTH_TOKEN>.
// An unset token allows everything (development mode) and warns loudly
// in release mode.
func authMiddleware() gin.HandlerFunc {
	token := os.Getenv("ADMIN_AUTH_TOKEN")
	if token == "" && os.Getenv("GIN_MODE") == "release" {
		log.Println("[SECURITY WARNING] ADMIN_AUTH_TOKEN is not set in release mode. " +
			"The admin API is publicly accessible.")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		auth := c.GetHeader("Authorization")
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing or malformed Authorization header"})
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (h *adminHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"dbConnected": h.deps.Store != nil,
		"capabilities": gin.H{
			"wave_pipeline": true,
			"verdict_cache": true,
			"learning":      h.deps.Learning != nil,
			"event_stream":  true,
			"pii_masking":   true,
			"verified_bots": true,
		},
	})
}

func (h *adminHandler) handleStats(c *gin.Context) {
	stats := gin.H{
		"trackedSignatures":  h.deps.History.Len(),
		"reputationPatterns": h.deps.Reputation.Len(),
		"eventSubscribers":   h.deps.Hub.SubscriberCount(),
		"recentVerdicts":     h.deps.Gateway.recent.len(),
	}
	if h.deps.Learning != nil {
		stats["learning"] = h.deps.Learning.AllStats()
	}
	c.JSON(http.StatusOK, stats)
}

func (h *adminHandler) handleReputation(c *gin.Context) {
	rows := h.deps.Reputation.Snapshot()
	c.JSON(http.StatusOK, gin.H{"patterns": rows, "count": len(rows)})
}

func (h *adminHandler) handleWeights(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"weights": h.deps.Weights.Snapshot()})
}

// handleDetections pages the persisted event log, newest first.
func (h *adminHandler) handleDetections(c *gin.Context) {
	if h.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	events, total, err := h.deps.Store.RecentDetections(c.Request.Context(), page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch detections", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       events,
		"totalCount": total,
		"page":       page,
		"limit":      limit,
	})
}

// handlePolicies lists the registered detection and action policies.
func (h *adminHandler) handlePolicies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"detectionPolicies":   h.deps.Policies.DetectionPolicies(),
		"actionPolicies":      h.deps.Policies.ActionPolicyNames(),
		"globalDefaultAction": h.deps.Policies.GlobalDefaultAction(),
	})
}

func (h *adminHandler) handleAlerts(c *gin.Context) {
	if h.deps.Alerts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Alerting is disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	alerts := h.deps.Alerts.RecentAlerts(limit)
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (h *adminHandler) handleListWebhooks(c *gin.Context) {
	if h.deps.Alerts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Alerting is disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": h.deps.Alerts.Webhooks()})
}

func (h *adminHandler) handleRegisterWebhook(c *gin.Context) {
	if h.deps.Alerts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Alerting is disabled"})
		return
	}
	var req struct {
		Name        string            `json:"name" binding:"required"`
		URL         string            `json:"url" binding:"required"`
		MinRiskBand string            `json:"minRiskBand"`
		Headers     map[string]string `json:"headers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {name, url, minRiskBand?, headers?}"})
		return
	}
	if err := h.deps.Alerts.RegisterWebhook(req.Name, req.URL, models.RiskBand(req.MinRiskBand), req.Headers); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name})
}

func (h *adminHandler) handleRemoveWebhook(c *gin.Context) {
	if h.deps.Alerts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Alerting is disabled"})
		return
	}
	if !h.deps.Alerts.RemoveWebhook(c.Param("name")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No such webhook"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleFeedback accepts a ground-truth label for a recent request and
// feeds it to the learning pipeline.
func (h *adminHandler) handleFeedback(c *gin.Context) {
	var req struct {
		RequestID string `json:"requestId" binding:"required"`
		WasBot    *bool  `json:"wasBot" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {requestId, wasBot}"})
		return
	}
	if h.deps.Learning == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Learning is disabled"})
		return
	}

	ev, sigs, ok := h.deps.Gateway.Recent(req.RequestID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Request id not found in the recent window"})
		return
	}

	accepted := learning.EmitFeedback(h.deps.Learning, ev, sigs, *req.WasBot)
	c.JSON(http.StatusOK, gin.H{
		"requestId": req.RequestID,
		"accepted":  accepted,
	})
}
