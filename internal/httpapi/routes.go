package httpapi

import (
	"call-screening/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Mount registers the owner API on an already authenticated group.
//
// Owners and delegates read; only owners delete; hard delete and dependency state are
// admin only. The hidden support role may read dependency state and the audit log.
func (h Handlers) Mount(v1 *gin.RouterGroup) {
	readers := RequireOwnerAndAnyRole(rbac.RoleOwner, rbac.RoleDelegate)

	callsGroup := v1.Group("/calls")
	callsGroup.GET("", append(readers, h.ListCalls)...)
	callsGroup.GET("/:call_id", append(readers, h.GetCall)...)
	callsGroup.DELETE("/:call_id", append(RequireOwnerAndAnyRole(rbac.RoleOwner), h.DeleteCall)...)
	callsGroup.DELETE("/:call_id/hard", append(RequireOwnerAndAnyRole(rbac.RoleAdmin), h.HardDeleteCall)...)

	v1.GET("/stats", append(readers, h.GetStats)...)
	v1.GET("/sessions", append(readers, h.ListSessions)...)

	admin := v1.Group("/admin")
	admin.Use(RequireOwnerAndAnyRole(rbac.RoleAdmin, rbac.RoleSupport)...)
	admin.GET("/dependencies", h.Dependencies)
	admin.GET("/audit", h.AuditLog)
}
