package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"policygov/internal/audit"
	"policygov/internal/auth"
	"policygov/internal/governance"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Governance *governance.Service
	Auth       *auth.Manager
	Cron       CronSecrets
}

// caller resolves the workspace and actor from the verified token.
func caller(c *gin.Context) (string, governance.Actor, bool) {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil || id.WorkspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return "", governance.Actor{}, false
	}
	return id.WorkspaceID, governance.Actor{ID: id.UserID, Role: id.Role, Agent: id.IsAgent()}, true
}

func (h Handlers) ready(c *gin.Context) bool {
	if h.Governance == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "governance not configured"})
		return false
	}
	return true
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return audit.ClampLimit(n), true
}

// --- Requests ---

func (h Handlers) CreateRequest(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	workspaceID, actor, ok := caller(c)
	if !ok {
		return
	}
	var req governance.CreateRequestInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	r, err := h.Governance.CreateRequest(c.Request.Context(), workspaceID, actor, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h Handlers) ListRequests(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	workspaceID, _, ok := caller(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	rs, err := h.Governance.ListRequests(c.Request.Context(), governance.RequestFilter{
		WorkspaceID: workspaceID,
		Status:      governance.RequestStatus(strings.TrimSpace(c.Query("status"))),
		AgentID:     strings.TrimSpace(c.Query("agent_id")),
		Limit:       limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": rs})
}

func (h Handlers) ApproveRequest(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	workspaceID, actor, ok := caller(c)
	if !ok {
		return
	}
	var req governance.ApproveInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Governance.ApproveRequest(c.Request.Context(), workspaceID, actor, c.Param("request_id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type denyRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) DenyRequest(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	workspaceID, actor, ok := caller(c)
	if !ok {
		return
	}
	var req denyRequest
	// The body is optional.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	r, err := h.Governance.DenyRequest(c.Request.Context(), workspaceID, actor, c.Param("request_id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// --- Grants ---

func (h Handlers) ListGrants(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	workspaceID, _, ok := caller(c)
	if !ok {
		return
	}
	gs, err := h.Governance.GetActiveGrants(c.Request.Context(), workspaceID, strings.TrimSpace(c.Query("agent_id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"grants": gs})
}

func (h Handlers) ApplyDelegatedChange(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	workspaceID, actor, ok := caller(c)
	if !ok {
		return
	}
	var req governance.DelegatedChange
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Governance.ApplyDelegatedChange(c.Request.Context(), workspaceID, actor, c.Param("grant_id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) RevokeGrant(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	workspaceID, actor, ok := caller(c)
	if !ok {
		return
	}
	var req revokeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	g, err := h.Governance.RevokeGrant(c.Request.Context(), workspaceID, actor, c.Param("grant_id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// --- Rollback ---

type rollbackRequest struct {
	AuditEntryID string `json:"audit_entry_id"`
}

func (h Handlers) Rollback(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	workspaceID, actor, ok := caller(c)
	if !ok {
		return
	}
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Governance.RollbackChange(c.Request.Context(), workspaceID, actor, req.AuditEntryID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Audit ---

func (h Handlers) AuditTrail(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	workspaceID, _, ok := caller(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	evs, err := h.Governance.AuditTrail(c.Request.Context(), audit.Filter{
		WorkspaceID: workspaceID,
		Type:        audit.EventType(strings.TrimSpace(c.Query("event_type"))),
		AgentID:     strings.TrimSpace(c.Query("agent_id")),
		Limit:       limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": evs})
}

func (h Handlers) RecordTaskEvent(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	workspaceID, actor, ok := caller(c)
	if !ok {
		return
	}
	var req governance.TaskEventInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	e, err := h.Governance.RecordTaskEvent(c.Request.Context(), workspaceID, actor, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// --- Boundaries ---

func (h Handlers) Boundaries(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	workspaceID, _, ok := caller(c)
	if !ok {
		return
	}
	b, err := h.Governance.BoundariesFor(c.Request.Context(), workspaceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}
