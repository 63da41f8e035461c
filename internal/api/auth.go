package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// authScheme prefixes the API token in the Authorization header.
const authScheme = "tahoe-lafs "

// Middleware rejects requests that do not carry the API token.
func Middleware(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, authScheme) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"reason": "missing authorization"})
			return
		}
		got := []byte(strings.TrimPrefix(header, authScheme))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"reason": "invalid authorization"})
			return
		}
		c.Next()
	}
}
