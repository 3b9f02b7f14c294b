package httpapi

import (
	"policygov/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register mounts the governance API. authMW must verify the access token;
// limiter may be nil.
func Register(r gin.IRouter, h Handlers, authMW gin.HandlerFunc, limiter *CallerLimiter) {
	r.POST("/internal/cron/expire", h.ExpireSweep)
	r.POST("/v1/auth/refresh", h.Refresh)

	gov := r.Group("/v1/governance")
	gov.Use(authMW, rbac.RequireWorkspace(), limiter.Middleware())

	readers := rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleMember, rbac.RoleAgent, rbac.RoleService)
	human, owner := rbac.RequireHuman(), rbac.RequireAnyRole(rbac.RoleOwner)

	gov.POST("/requests", rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleOwner, rbac.RoleMember), h.CreateRequest)
	gov.GET("/requests", readers, h.ListRequests)
	gov.POST("/requests/:request_id/approve", human, owner, h.ApproveRequest)
	gov.POST("/requests/:request_id/deny", human, owner, h.DenyRequest)

	gov.GET("/grants", readers, h.ListGrants)
	gov.POST("/grants/:grant_id/apply", rbac.RequireAnyRole(rbac.RoleAgent), h.ApplyDelegatedChange)
	gov.POST("/grants/:grant_id/revoke", human, owner, h.RevokeGrant)

	gov.POST("/rollback", human, owner, h.Rollback)

	gov.GET("/audit", readers, h.AuditTrail)
	gov.POST("/task-events", rbac.RequireAnyRole(rbac.RoleService, rbac.RoleOwner), h.RecordTaskEvent)

	gov.GET("/boundaries", readers, h.Boundaries)
}
