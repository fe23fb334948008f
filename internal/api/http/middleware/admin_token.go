package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AdminToken guards admin routes with a static bearer token from config.
// Real operator authentication lives outside this service; the token is
// the narrow contract the deployment supplies.
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"ok": false, "error": "admin access is not configured"})
			return
		}

		header := c.GetHeader("Authorization")
		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"ok": false, "error": "invalid admin token"})
			return
		}

		c.Next()
	}
}
