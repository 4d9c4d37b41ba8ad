package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/finguard/decision-engine/internal/auth"
	"github.com/finguard/decision-engine/internal/models"
	"github.com/finguard/decision-engine/internal/orchestrator"
	"github.com/finguard/decision-engine/internal/ratelimit"
	"github.com/finguard/decision-engine/internal/secmon"
	"github.com/finguard/decision-engine/internal/session"
	"github.com/finguard/decision-engine/internal/store"
)

// decisionResponse is the wire shape of POST /v1/decision.
type decisionResponse struct {
	DecisionCode int                          `json:"decision_code"`
	Decision     string                       `json:"decision"`
	Score        float64                      `json:"score"`
	MLScore      *models.MLScore              `json:"ml_score,omitempty"`
	RuleFlags    []string                     `json:"rule_flags"`
	Reasons      []string                     `json:"reasons"`
	LatencyMs    float64                      `json:"latency_ms"`
	TopFeatures  []models.FeatureContribution `json:"top_features"`
	SessionRisk  *orchestrator.SessionRisk    `json:"session_risk,omitempty"`
}

// sourceFrom keys the caller: X-Source-ID wins, else the client address.
func sourceFrom(c *gin.Context) string {
	if source := c.GetHeader("X-Source-ID"); source != "" {
		return source
	}
	return c.ClientIP()
}

func envelopeFrom(c *gin.Context) secmon.Request {
	records, _ := strconv.Atoi(c.GetHeader("X-Records-Accessed"))
	return secmon.Request{
		Source:          sourceFrom(c),
		Endpoint:        c.FullPath(),
		Method:          c.Request.Method,
		Timestamp:       time.Now(),
		AuthFailed:      c.GetHeader("X-Auth-Result") == "failed",
		RecordsAccessed: records,
		OffHours:        c.GetHeader("X-Access-Time") == "off-hours",
		Privileged:      c.GetHeader("X-Endpoint-Type") == "privileged",
	}
}

func decisionHandler(orch *orchestrator.Orchestrator, bypassToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tx models.Transaction
		if err := c.ShouldBindJSON(&tx); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		if tx.Amount < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount must not be negative"})
			return
		}

		env := envelopeFrom(c)
		bypass := bypassToken != "" && c.GetHeader("X-Security-Test") == bypassToken

		result, err := orch.HandleDecision(c.Request.Context(), env, &tx, bypass)
		if err != nil {
			var limited *orchestrator.ErrRateLimited
			if errors.As(err, &limited) {
				retryAfter := int(limited.Observation.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				c.Header("Retry-After", strconv.Itoa(retryAfter))
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error":       "rate_limited",
					"retry_after": retryAfter,
					"observation": limited.Observation,
				})
				return
			}
			log.Error().Err(err).Str("transaction_id", tx.TransactionID).Msg("Decision request failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "pipeline_error", "message": "decision could not be computed"})
			return
		}

		d := result.Decision
		resp := decisionResponse{
			DecisionCode: int(d.Code),
			Decision:     d.Code.String(),
			Score:        d.Score,
			MLScore:      d.ML,
			RuleFlags:    d.Rules.Triggered,
			Reasons:      d.Reasons,
			LatencyMs:    d.LatencyMs,
			TopFeatures:  d.TopFeatures,
			SessionRisk:  result.SessionRisk,
		}
		if resp.RuleFlags == nil {
			resp.RuleFlags = []string{}
		}
		if resp.Reasons == nil {
			resp.Reasons = []string{}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// Session handlers.

func listActiveSessionsHandler(sessions *session.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		active, err := sessions.ListActive(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": active, "count": len(active)})
	}
}

func getSessionHandler(sessions *session.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := sessions.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

func getSessionRiskHandler(sessions *session.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := sessions.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id":         s.ID,
			"risk_score":         s.RiskScore,
			"risk_band":          models.RiskBand(s.RiskScore),
			"anomalies_detected": s.Anomalies,
			"is_terminated":      s.Terminated,
			"termination_reason": s.TerminationReason,
			"transaction_count":  s.TransactionCount,
		})
	}
}

func terminateSessionHandler(sessions *session.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Reason    string `json:"reason" binding:"required"`
			AnalystID string `json:"analyst_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}

		actor := req.AnalystID
		if email, ok := auth.AnalystEmailFromContext(c); ok {
			actor = email
		}
		if actor == "" {
			actor = models.SystemActor
		}

		err := sessions.Terminate(c.Request.Context(), c.Param("id"), req.Reason, actor, time.Now())
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "terminated", "session_id": c.Param("id")})
	}
}

func listSuspiciousSessionsHandler(sessions *session.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		minRisk, _ := strconv.Atoi(c.DefaultQuery("min_risk_score", "60"))
		suspicious, err := sessions.ListSuspicious(c.Request.Context(), minRisk)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": suspicious, "count": len(suspicious)})
	}
}

func sessionEventsHandler(sessions *session.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := sessions.Events(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "events": events})
	}
}

// Security handlers.

func listEventsHandler(events *store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := store.EventFilter{Source: c.Query("source_id")}
		filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))

		if raw := c.Query("min_threat_level"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "min_threat_level must be an integer"})
				return
			}
			level := models.ThreatLevel(n)
			filter.MinLevel = &level
		}
		if raw := c.Query("threat_type"); raw != "" {
			kind, ok := models.ParseThreatKind(raw)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": fmt.Sprintf("unknown threat_type %q", raw)})
				return
			}
			filter.Kind = &kind
		}

		list, err := events.RecentEvents(c.Request.Context(), filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": list, "count": len(list)})
	}
}

func reviewQueueHandler(events *store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		queue, err := events.ReviewQueue(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": queue, "count": len(queue)})
	}
}

var validReviewActions = map[string]bool{
	"dismiss":     true,
	"investigate": true,
	"escalate":    true,
}

func reviewEventHandler(events *store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid event id"})
			return
		}

		var req struct {
			AnalystID string `json:"analyst_id" binding:"required"`
			Action    string `json:"action" binding:"required"`
			Notes     string `json:"notes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		if !validReviewActions[req.Action] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "action must be dismiss, investigate, or escalate"})
			return
		}

		err = events.ReviewEvent(c.Request.Context(), id, req.AnalystID, req.Action, req.Notes)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrEventNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "event_not_found"})
			case errors.Is(err, store.ErrAlreadyReviewed):
				c.JSON(http.StatusConflict, gin.H{"error": "already_reviewed"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "reviewed", "event_id": id})
	}
}

func clearReviewQueueHandler(events *store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			AnalystID string `json:"analyst_id"`
		}
		_ = c.ShouldBindJSON(&req)

		actor := req.AnalystID
		if email, ok := auth.AnalystEmailFromContext(c); ok {
			actor = email
		}
		if actor == "" {
			actor = models.SystemActor
		}

		cleared, err := events.ClearReviewQueue(c.Request.Context(), actor)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cleared", "count": cleared})
	}
}

func dashboardHandler(events *store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := events.Dashboard(c.Request.Context(), 10)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func sourceRiskHandler(events *store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		risk, err := events.SourceRisk(c.Request.Context(), c.Param("id"), 24*time.Hour)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}
		c.JSON(http.StatusOK, risk)
	}
}

func listBlockedHandler(events *store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		blocked, err := events.ListBlocked(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}
		if blocked == nil {
			blocked = []models.BlockedSource{}
		}
		c.JSON(http.StatusOK, gin.H{"blocked_sources": blocked, "count": len(blocked)})
	}
}

func unblockSourceHandler(events *store.EventStore, limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			AnalystID string `json:"analyst_id" binding:"required"`
			Reason    string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}

		source := c.Param("id")
		if err := events.UnblockSource(c.Request.Context(), source, req.AnalystID, req.Reason); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}
		limiter.Unblock(source)
		c.JSON(http.StatusOK, gin.H{"status": "unblocked", "source_id": source})
	}
}

func resetSourceHandler(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			AnalystID string `json:"analyst_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}

		source := c.Param("id")
		limiter.Reset(source, req.AnalystID)
		c.JSON(http.StatusOK, gin.H{"status": "reset", "source_id": source})
	}
}

func rateLimitStatusHandler(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		obs := limiter.Status(c.Param("id"), time.Now())
		c.JSON(http.StatusOK, gin.H{"source_id": c.Param("id"), "observation": obs})
	}
}

func setTierHandler(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		tier, err := ratelimit.ParseTier(c.Query("tier"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}

		actor := c.Query("analyst_id")
		if email, ok := auth.AnalystEmailFromContext(c); ok {
			actor = email
		}
		if actor == "" {
			actor = models.SystemActor
		}

		source := c.Param("id")
		limiter.SetTier(source, tier, actor)
		c.JSON(http.StatusOK, gin.H{"status": "updated", "source_id": source, "tier": tier.String()})
	}
}

func auditTrailHandler(events *store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		trail, err := events.AuditTrail(c.Request.Context(), c.Query("actor"), c.Query("resource"), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": trail, "count": len(trail)})
	}
}

// Auth handlers.

func loginHandler(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req auth.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}

		resp, err := authService.Login(c.Request.Context(), &req)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func healthHandler(db *store.Database, orch *orchestrator.Orchestrator, monitor *secmon.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "healthy"
		code := http.StatusOK
		if err := db.Health(c.Request.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		c.JSON(code, gin.H{
			"status":       status,
			"timestamp":    time.Now().Format(time.RFC3339),
			"orchestrator": orch.Stats(),
			"monitor":      monitor.Stats(),
		})
	}
}
