package httpapi

import (
	"errors"
	"net/http"
	"time"

	"policygov/internal/auth"
	"policygov/internal/governance"

	"github.com/gin-gonic/gin"
)

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new pair. Refresh tokens carry no
// role, so the role is derived again from the workspace as it is now.
func (h Handlers) Refresh(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}

	now := time.Now()
	claims, err := h.Auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, now)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	id := claims.Identity()
	role, err := h.Governance.RoleFor(c.Request.Context(), id.WorkspaceID, id.UserID, id.IsAgent())
	if errors.Is(err, governance.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity is no longer valid"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	id.Role = role

	pair, err := h.Auth.IssuePair(now, id)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken, "role": role})
}
