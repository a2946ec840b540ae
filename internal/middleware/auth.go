// Authentication middleware: validates the bearer token a request carries
// and stores its claims in the gin.Context for downstream handlers.

package middleware

import (
	"errors"
	"net/http"
	"strings"

	"apex-orchestrator/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireAuth validates the request's bearer token and aborts with 401 if
// it is missing, malformed, expired, or otherwise invalid.
func RequireAuth(tokens auth.Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header is required",
				"code":  "AUTH_HEADER_MISSING",
			})
			c.Abort()
			return
		}

		token, err := extractBearerToken(authHeader)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
				"code":  "INVALID_AUTH_HEADER",
			})
			c.Abort()
			return
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
				"code":  "TOKEN_VALIDATION_FAILED",
			})
			c.Abort()
			return
		}

		userID, err := claims.UserID()
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token subject",
				"code":  "INVALID_TOKEN",
			})
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Set("email", claims.Email)
		c.Set("role", claims.Role)
		c.Set("token_claims", claims)
		c.Set("authenticated", true)

		c.Next()
	}
}

// RequireRole aborts with 403 unless the authenticated request's role
// matches exactly.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRole, exists := c.Get("role")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "user role not found in context",
				"code":  "ROLE_NOT_FOUND",
			})
			c.Abort()
			return
		}

		if userRole.(string) != role {
			c.JSON(http.StatusForbidden, gin.H{
				"error":         "insufficient permissions",
				"code":          "INSUFFICIENT_PERMISSIONS",
				"required_role": role,
				"user_role":     userRole,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequireAnyRole aborts with 403 unless the authenticated request's role
// matches one of roles.
func RequireAnyRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRole, exists := c.Get("role")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "user role not found in context",
				"code":  "ROLE_NOT_FOUND",
			})
			c.Abort()
			return
		}

		userRoleStr := userRole.(string)
		for _, role := range roles {
			if userRoleStr == role {
				c.Next()
				return
			}
		}

		c.JSON(http.StatusForbidden, gin.H{
			"error":          "insufficient permissions",
			"code":           "INSUFFICIENT_PERMISSIONS",
			"required_roles": roles,
			"user_role":      userRoleStr,
		})
		c.Abort()
	}
}

// OptionalAuth validates the bearer token if present, but never aborts the
// request for a missing or invalid one — for read endpoints spec.md
// §6.1 allows both authenticated and anonymous callers to reach. No route in
// this module installs it.
func OptionalAuth(tokens auth.Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		token, err := extractBearerToken(authHeader)
		if err != nil {
			c.Next()
			return
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			c.Next()
			return
		}

		userID, err := claims.UserID()
		if err != nil {
			c.Next()
			return
		}

		c.Set("user_id", userID)
		c.Set("email", claims.Email)
		c.Set("role", claims.Role)
		c.Set("token_claims", claims)
		c.Set("authenticated", true)

		c.Next()
	}
}

// extractBearerToken extracts the token from a Bearer authorization header.
func extractBearerToken(authHeader string) (string, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", errors.New("invalid authorization header format: expected 'Bearer <token>'")
	}

	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if token == "" {
		return "", errors.New("token cannot be empty")
	}

	return token, nil
}

// GetUserID extracts the authenticated user id from the context.
func GetUserID(c *gin.Context) (uint, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}
	id, ok := userID.(uint)
	return id, ok
}

// GetUserEmail extracts the authenticated user's email from the context.
func GetUserEmail(c *gin.Context) (string, bool) {
	email, exists := c.Get("email")
	if !exists {
		return "", false
	}
	addr, ok := email.(string)
	return addr, ok
}

// GetUserRole extracts the authenticated user's role from the context.
func GetUserRole(c *gin.Context) (string, bool) {
	role, exists := c.Get("role")
	if !exists {
		return "", false
	}
	r, ok := role.(string)
	return r, ok
}

// IsAuthenticated reports whether the request carried a valid bearer token.
func IsAuthenticated(c *gin.Context) bool {
	authenticated, exists := c.Get("authenticated")
	if !exists {
		return false
	}
	ok, _ := authenticated.(bool)
	return ok
}
