// Package middleware provides Gin HTTP middleware for admin authentication,
// rate limiting, security headers, request IDs, and metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Security → RequestID → Metrics → RateLimit → Auth → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting runs before auth to block brute-force attacks before any
// signature verification. Auth populates the admin identity in the context.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/usbgate/usbgate/internal/auth"
)

// AdminUsernameKey is the context key under which AdminAuthMiddleware stores
// the authenticated admin's username.
const AdminUsernameKey = "admin_username"

// AdminAuthMiddleware validates the admin session token on protected routes.
// The token is read from the Authorization header as a Bearer credential;
// a missing, malformed, or invalid token aborts with 401.
func AdminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or malformed authorization header",
			})
			return
		}

		claims, err := auth.ValidateAdminToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired session token",
			})
			return
		}

		c.Set(AdminUsernameKey, claims.Username)
		c.Next()
	}
}

// extractBearerToken pulls the token out of the Authorization header.
// Returns "" when the header is absent or not a Bearer credential.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}
