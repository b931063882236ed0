package middleware

import (
	"strings"

	"tradeassist/gateway/internal/util"
	"tradeassist/gateway/pkg/jwt"

	"github.com/gin-gonic/gin"
)

// Auth verifies the Bearer token minted for gateway clients and places
// the claims in the request context
func Auth(manager *jwt.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get token from Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			util.AbortWithCustomError(c, 401, util.ErrCodeUnauthorized, "Missing authorization header")
			return
		}

		// Check if Bearer token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			util.AbortWithCustomError(c, 401, util.ErrCodeUnauthorized, "Invalid authorization header format")
			return
		}

		claims, err := manager.ValidateToken(parts[1])
		if err != nil {
			if jwt.IsExpired(err) {
				util.AbortWithCustomError(c, 401, util.ErrCodeTokenExpired, "Token expired")
				return
			}
			util.AbortWithCustomError(c, 401, util.ErrCodeTokenInvalid, "Invalid token")
			return
		}

		// Set client identity in context
		c.Set("client_id", claims.ClientID)
		c.Set("client_name", claims.Name)

		c.Next()
	}
}
