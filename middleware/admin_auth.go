package middleware

import (
	"net/http"
	"os"
	"strings"

	"sitepulse/api/utils"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// AdminRequired guards the operator surface (geo reload, cache invalidation,
// buffer stats). It accepts the shared X-API-KEY used by the workspace
// directory for invalidation RPCs, or an operator-issued admin JWT.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := os.Getenv("ADMIN_API_KEY")
		if apiKey != "" && c.GetHeader("X-API-KEY") == apiKey {
			c.Next()
			return
		}

		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: no credentials provided"})
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		claims, err := utils.ValidateAdminJWT(tokenString)
		if err != nil {
			log.Warn().Err(err).Msg("admin auth rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: invalid or expired token"})
			return
		}

		c.Set("admin_subject", claims.Subject)
		c.Next()
	}
}
