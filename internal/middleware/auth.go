package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"zing-server/internal/repositories"
	"zing-server/internal/security"
)

// UserIDKey is the gin context key the authenticated user id is stored under.
const UserIDKey = "userID"

// Auth validates the Bearer token and confirms the referenced user still
// exists. Any defect aborts with a generic 401.
func Auth(tokens *security.TokenService, users repositories.UserRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "unauthorized", "message": "missing authorization"}})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "unauthorized", "message": "invalid authorization header"}})
			return
		}

		userID, err := tokens.Parse(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "unauthorized", "message": "invalid token"}})
			return
		}

		exists, err := users.Exists(c.Request.Context(), userID)
		if err != nil || !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "unauthorized", "message": "invalid token"}})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}
