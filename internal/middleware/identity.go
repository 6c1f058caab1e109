package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/atmoworks/prism-backend/internal/logger"
)

const (
	usernameHeader = "X-Request-User"
	groupsHeader   = "X-Request-Groups"
	adminGroup     = "admin"

	ContextUsernameKey = "username"
	ContextIsAdminKey  = "is_admin"
)

// IdentityMiddleware trusts the identity headers stamped by the edge
// gateway. Requests without a username are rejected before they reach
// a handler.
type IdentityMiddleware struct {
	log *logger.Logger
}

func NewIdentityMiddleware(baseLog *logger.Logger) *IdentityMiddleware {
	return &IdentityMiddleware{log: baseLog.With("middleware", "Identity")}
}

func (m *IdentityMiddleware) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		username := strings.TrimSpace(c.GetHeader(usernameHeader))
		if username == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "request is missing a user identity", "code": "unauthorized"},
			})
			return
		}
		isAdmin := false
		for _, group := range strings.Split(c.GetHeader(groupsHeader), ",") {
			if strings.TrimSpace(group) == adminGroup {
				isAdmin = true
				break
			}
		}
		c.Set(ContextUsernameKey, username)
		c.Set(ContextIsAdminKey, isAdmin)
		c.Next()
	}
}

// RequestUser returns the identity established by RequireUser.
func RequestUser(c *gin.Context) (string, bool) {
	username := c.GetString(ContextUsernameKey)
	return username, c.GetBool(ContextIsAdminKey)
}
