package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Elias-FSILVA/VirAll/internal/identity"
)

// HeaderUserID carries the acting user. It stands in for a session layer.
const HeaderUserID = "X-User-ID"

// Identity reads the acting user from X-User-ID and attaches it to both the
// Gin context (key "userID", used by logging and rate limiting) and the
// request context (identity.CurrentUser). Requests without the header pass
// through anonymous; handlers decide whether a user is required.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(HeaderUserID)); id != "" {
			c.Set("userID", id)
			c.Request = c.Request.WithContext(identity.WithUser(c.Request.Context(), identity.User{ID: id}))
		}
		c.Next()
	}
}
