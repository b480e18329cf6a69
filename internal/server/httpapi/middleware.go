package httpapi

import (
	"net/http"
	"strings"

	"github.com/dmitrijs2005/gophbot/internal/server/auth"
	"github.com/gin-gonic/gin"
)

const subjectContextKey = "subject"

func SubjectFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(subjectContextKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// RequireAuth accepts "Authorization: Bearer <jwt>" signed with secret.
func RequireAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		subject, err := auth.GetSubjectFromToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		c.Set(subjectContextKey, subject)
		c.Next()
	}
}
