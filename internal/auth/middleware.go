package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "
	AnalystIDKey        = "analyst_id"
	AnalystEmailKey     = "analyst_email"
	AnalystRoleKey      = "analyst_role"
)

// Middleware validates the bearer token and stores the analyst identity
// in the request context. When required is false requests without a
// token pass through unauthenticated.
func Middleware(jwtManager *JWTManager, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthorizationHeader)
		if authHeader == "" {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "missing authorization header",
				})
				return
			}
			c.Next()
			return
		}

		if !strings.HasPrefix(authHeader, BearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid authorization header format",
			})
			return
		}

		tokenString := strings.TrimPrefix(authHeader, BearerPrefix)
		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			message := "invalid token"
			if errors.Is(err, ErrExpiredToken) {
				message = "token has expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": message,
			})
			return
		}

		c.Set(AnalystIDKey, claims.AnalystID)
		c.Set(AnalystEmailKey, claims.Email)
		c.Set(AnalystRoleKey, claims.Role)

		c.Next()
	}
}

// RoleMiddleware restricts a route group to the given roles. Requests
// without an authenticated role are rejected only when auth is
// required; otherwise they pass through for the handler to decide.
func RoleMiddleware(required bool, allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get(AnalystRoleKey)
		if !exists {
			if required {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "role not found in context",
				})
				return
			}
			c.Next()
			return
		}

		analystRole := role.(string)
		for _, allowed := range allowedRoles {
			if analystRole == allowed {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "insufficient permissions",
		})
	}
}

// AnalystEmailFromContext extracts the authenticated analyst's email.
func AnalystEmailFromContext(c *gin.Context) (string, bool) {
	email, exists := c.Get(AnalystEmailKey)
	if !exists {
		return "", false
	}
	return email.(string), true
}
