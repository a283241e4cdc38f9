package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	AdminKeyHeader = "X-Admin-Key"
	// AdminKey is the gin context key set once a request authenticated as admin.
	AdminKey = "admin"
)

// AdminAuth admits requests carrying the configured admin key, either in
// X-Admin-Key or as a Bearer token. An empty key disables the admin API.
func AdminAuth(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin api disabled"})
			return
		}
		got := c.GetHeader(AdminKeyHeader)
		if got == "" {
			got = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing admin key"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		c.Set(AdminKey, true)
		c.Next()
	}
}

// IsAdmin reports whether AdminAuth admitted the request.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(AdminKey)
}
