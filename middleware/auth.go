package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const actorContextKey = "staff_actor"

// StaffAuthMiddleware validates the bearer token issued by the identity
// service and exposes the staff identity as the transition actor. The core
// trusts the claims once the signature verifies; authorization beyond "is
// staff" is the identity service's problem.
func StaffAuthMiddleware(logger *zap.Logger) gin.HandlerFunc {
	secret := []byte(getEnvOr("STAFF_JWT_SECRET", "staff-secret-change-in-production"))

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			logger.Warn("Rejected staff token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		actor, _ := claims["email"].(string)
		if actor == "" {
			actor, _ = claims["sub"].(string)
		}
		if actor == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(actorContextKey, "staff:"+actor)
		c.Next()
	}
}

// GetActor returns the authenticated staff actor set by StaffAuthMiddleware.
func GetActor(c *gin.Context) string {
	if actor, ok := c.Get(actorContextKey); ok {
		if s, ok := actor.(string); ok {
			return s
		}
	}
	return "staff:unknown"
}
