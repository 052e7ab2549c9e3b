package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"call-screening/internal/audit"
	"call-screening/internal/auth"
	"call-screening/internal/calls"
	"call-screening/internal/rbac"
	"call-screening/internal/reporting"
	"call-screening/internal/resilience"
	"call-screening/internal/screening"
	"call-screening/pkg/logger"

	"github.com/gin-gonic/gin"
)

// SessionLister exposes live screening sessions.
type SessionLister interface {
	List(ownerID string) []screening.Snapshot
}

// BreakerSnapshotter exposes circuit breaker state per dependency.
type BreakerSnapshotter interface {
	Snapshot() []resilience.CircuitBreakerState
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Calls    calls.Store
	Reports  *reporting.Service
	Sessions SessionLister
	Breakers BreakerSnapshotter
	// Audit records admin actions on owner data. Optional.
	Audit *audit.Service
	Now   func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type loginRequest struct {
	UserID  string `json:"user_id"`
	OwnerID string `json:"owner_id"`
	Role    string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: development only. Credentials are not checked; routes do not mount it in production.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.OwnerID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, owner_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.OwnerID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

// callSummary is the list view of a call record; the transcript is only on the detail view.
type callSummary struct {
	ID              string           `json:"id"`
	CallSID         string           `json:"call_sid"`
	PhoneNumber     string           `json:"phone_number"`
	StartedAt       time.Time        `json:"started_at"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	DurationSeconds int              `json:"duration_seconds"`
	Summary         string           `json:"summary"`
	CallerName      string           `json:"caller_name"`
	Purpose         string           `json:"purpose"`
	Urgency         calls.Urgency    `json:"urgency"`
	Sentiment       calls.Sentiment  `json:"sentiment"`
	ActionRequired  bool             `json:"action_required"`
	FollowUpNeeded  bool             `json:"follow_up_needed"`
	Status          calls.CallStatus `json:"status"`
}

func toSummary(r calls.CallRecord) callSummary {
	return callSummary{
		ID:              r.ID,
		CallSID:         r.CallSID,
		PhoneNumber:     r.PhoneNumber,
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
		DurationSeconds: r.DurationSeconds,
		Summary:         r.Summary,
		CallerName:      r.CallerName,
		Purpose:         r.Purpose,
		Urgency:         r.Urgency,
		Sentiment:       r.Sentiment,
		ActionRequired:  r.ActionRequired,
		FollowUpNeeded:  r.FollowUpNeeded,
		Status:          r.Status,
	}
}

// ListCalls pages an owner's calls newest first. ?before= is the next_before of the previous page.
func (h Handlers) ListCalls(c *gin.Context) {
	ownerID, ok := h.ownerScope(c)
	if !ok {
		return
	}
	opts := calls.ListOptions{}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		opts.Limit = n
	}
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "before must be RFC3339"})
			return
		}
		opts.Before = t
	}

	recs, err := h.Calls.ListByOwner(c.Request.Context(), ownerID, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]callSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, toSummary(r))
	}
	resp := gin.H{"calls": out}
	if len(recs) > 0 {
		resp["next_before"] = recs[len(recs)-1].StartedAt.Format(time.RFC3339Nano)
	}
	c.JSON(http.StatusOK, resp)
}

func (h Handlers) GetCall(c *gin.Context) {
	ownerID, ok := h.ownerScope(c)
	if !ok {
		return
	}
	rec, err := h.Calls.Get(c.Request.Context(), ownerID, c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DeleteCall hides a call from the owner. The row is kept.
func (h Handlers) DeleteCall(c *gin.Context) {
	ownerID, ok := h.ownerScope(c)
	if !ok {
		return
	}
	if err := h.Calls.SoftDelete(c.Request.Context(), ownerID, c.Param("call_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HardDeleteCall removes the row. RBAC: admin.
func (h Handlers) HardDeleteCall(c *gin.Context) {
	ownerID, ok := h.ownerScope(c)
	if !ok {
		return
	}
	callID := c.Param("call_id")
	if err := h.Calls.HardDelete(c.Request.Context(), ownerID, callID); err != nil {
		writeError(c, err)
		return
	}
	by := actor(c)
	logger.FromGin(c).Info("call record hard deleted", "owner_id", ownerID, "call_id", callID, "by", by.UserID)
	if h.Audit != nil {
		if err := h.Audit.LogHardDelete(c.Request.Context(), ownerID, callID, by); err != nil {
			logger.FromGin(c).Warn("audit append failed", "err", err)
		}
	}
	c.Status(http.StatusNoContent)
}

// --- Stats ---

const defaultStatsWindow = 7 * 24 * time.Hour

// GetStats summarizes an owner's calls over ?from=&to= (RFC3339), default the last 7 days.
func (h Handlers) GetStats(c *gin.Context) {
	ownerID, ok := h.ownerScope(c)
	if !ok {
		return
	}
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	to := h.now().UTC()
	from := to.Add(-defaultStatsWindow)
	for key, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		if v := c.Query(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": key + " must be RFC3339"})
				return
			}
			*dst = t
		}
	}

	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		OwnerID: ownerID,
		Range:   reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Live sessions ---

func (h Handlers) ListSessions(c *gin.Context) {
	ownerID, ok := h.ownerScope(c)
	if !ok {
		return
	}
	if h.Sessions == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []screening.Snapshot{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": h.Sessions.List(ownerID)})
}

// Dependencies reports circuit breaker state. RBAC: admin, support.
func (h Handlers) Dependencies(c *gin.Context) {
	out := []resilience.CircuitBreakerState{}
	if h.Breakers != nil {
		out = h.Breakers.Snapshot()
	}
	c.JSON(http.StatusOK, gin.H{"dependencies": out})
}

// AuditLog lists audit events for the scoped owner. RBAC: admin, support.
func (h Handlers) AuditLog(c *gin.Context) {
	ownerID, ok := h.ownerScope(c)
	if !ok {
		return
	}
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	q := audit.Query{OwnerID: ownerID, CallID: c.Query("call_id"), Type: audit.EventType(c.Query("type"))}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		q.Limit = n
	}
	evs, err := h.Audit.History(c.Request.Context(), q)
	if err != nil {
		logger.FromGin(c).Error("audit history failed", "err", err, "owner_id", ownerID)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if evs == nil {
		evs = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// ownerScope returns the owner every query is filtered by: the token's owner, or for
// admins an explicit ?owner_id=.
func (h Handlers) ownerScope(c *gin.Context) (string, bool) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call store not configured"})
		return "", false
	}
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "owner_id required"})
		return "", false
	}
	ownerID := id.OwnerID
	if rbac.IsAdmin(id.Role) {
		if override := c.Query("owner_id"); override != "" && override != ownerID {
			ownerID = override
			if h.Audit != nil {
				if err := h.Audit.LogOwnerOverride(c.Request.Context(), ownerID, c.Request.Method+" "+c.FullPath(), actor(c)); err != nil {
					logger.FromGin(c).Warn("audit append failed", "err", err)
				}
			}
		}
	}
	return ownerID, true
}

func actor(c *gin.Context) audit.Actor {
	id, _ := auth.IdentityFrom(c.Request.Context())
	return audit.Actor{UserID: id.UserID, Role: id.Role, IP: c.ClientIP()}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, calls.ErrInvalidArgument), errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	case errors.Is(err, calls.ErrVersionConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "version conflict"})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Convenience middleware bundles.

func RequireOwnerAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireOwner(), rbac.RequireAnyRole(roles...)}
}
