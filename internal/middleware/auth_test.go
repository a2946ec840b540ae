package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"apex-orchestrator/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func setupAuthTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestRequireAuth(t *testing.T) {
	tokens := auth.NewJWTTokens("test-secret-key-for-auth-middleware", "apex-orchestrator")
	validToken, err := tokens.Issue(1, "test@example.com", "admin", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
		expectedCode   string
		checkContext   bool
	}{
		{
			name:           "valid token",
			authHeader:     "Bearer " + validToken,
			expectedStatus: http.StatusOK,
			checkContext:   true,
		},
		{
			name:           "missing auth header",
			authHeader:     "",
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "AUTH_HEADER_MISSING",
		},
		{
			name:           "invalid auth header format - no bearer",
			authHeader:     validToken,
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "INVALID_AUTH_HEADER",
		},
		{
			name:           "invalid auth header format - wrong prefix",
			authHeader:     "Token " + validToken,
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "INVALID_AUTH_HEADER",
		},
		{
			name:           "empty token after bearer",
			authHeader:     "Bearer ",
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "INVALID_AUTH_HEADER",
		},
		{
			name:           "invalid token",
			authHeader:     "Bearer invalid.token.here",
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "TOKEN_VALIDATION_FAILED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupAuthTestRouter()
			router.Use(RequireAuth(tokens))
			router.GET("/protected", func(c *gin.Context) {
				userID, _ := GetUserID(c)
				email, _ := GetUserEmail(c)
				c.JSON(http.StatusOK, gin.H{
					"user_id": userID,
					"email":   email,
				})
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/protected", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedCode != "" {
				assert.Contains(t, w.Body.String(), tt.expectedCode)
			}

			if tt.checkContext && w.Code == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"user_id":1`)
				assert.Contains(t, w.Body.String(), `"email":"test@example.com"`)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name           string
		userRole       string
		requiredRole   string
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "matching role",
			userRole:       "admin",
			requiredRole:   "admin",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "non-matching role",
			userRole:       "user",
			requiredRole:   "admin",
			expectedStatus: http.StatusForbidden,
			expectedCode:   "INSUFFICIENT_PERMISSIONS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupAuthTestRouter()

			router.Use(func(c *gin.Context) {
				c.Set("role", tt.userRole)
				c.Next()
			})
			router.Use(RequireRole(tt.requiredRole))
			router.GET("/admin", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/admin", nil)
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedCode != "" {
				assert.Contains(t, w.Body.String(), tt.expectedCode)
			}
		})
	}
}

func TestRequireAnyRole(t *testing.T) {
	tests := []struct {
		name           string
		userRole       string
		requiredRoles  []string
		expectedStatus int
	}{
		{
			name:           "has first required role",
			userRole:       "admin",
			requiredRoles:  []string{"admin", "moderator"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "has none of the required roles",
			userRole:       "user",
			requiredRoles:  []string{"admin", "moderator"},
			expectedStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupAuthTestRouter()

			router.Use(func(c *gin.Context) {
				c.Set("role", tt.userRole)
				c.Next()
			})
			router.Use(RequireAnyRole(tt.requiredRoles...))
			router.GET("/endpoint", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/endpoint", nil)
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestOptionalAuth(t *testing.T) {
	tokens := auth.NewJWTTokens("test-secret-key", "apex-orchestrator")
	validToken, err := tokens.Issue(1, "test@example.com", "user", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
		expectUserID   bool
	}{
		{
			name:           "valid token - user authenticated",
			authHeader:     "Bearer " + validToken,
			expectedStatus: http.StatusOK,
			expectUserID:   true,
		},
		{
			name:           "no token - still proceeds",
			authHeader:     "",
			expectedStatus: http.StatusOK,
			expectUserID:   false,
		},
		{
			name:           "invalid token - still proceeds",
			authHeader:     "Bearer invalid-token",
			expectedStatus: http.StatusOK,
			expectUserID:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupAuthTestRouter()
			router.Use(OptionalAuth(tokens))
			router.GET("/public", func(c *gin.Context) {
				userID, exists := GetUserID(c)
				c.JSON(http.StatusOK, gin.H{
					"authenticated": exists,
					"user_id":       userID,
				})
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/public", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectUserID {
				assert.Contains(t, w.Body.String(), `"authenticated":true`)
				assert.Contains(t, w.Body.String(), `"user_id":1`)
			} else {
				assert.Contains(t, w.Body.String(), `"authenticated":false`)
			}
		})
	}
}

func TestGetUserID(t *testing.T) {
	t.Run("user ID exists in context", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		router := gin.New()
		router.GET("/test", func(c *gin.Context) {
			c.Set("user_id", uint(42))
			userID, exists := GetUserID(c)
			assert.True(t, exists)
			assert.Equal(t, uint(42), userID)
			c.JSON(http.StatusOK, gin.H{"user_id": userID})
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("user ID does not exist in context", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		router := gin.New()
		router.GET("/test", func(c *gin.Context) {
			userID, exists := GetUserID(c)
			assert.False(t, exists)
			assert.Equal(t, uint(0), userID)
			c.JSON(http.StatusOK, gin.H{"exists": exists})
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestGetUserEmail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/test", func(c *gin.Context) {
		c.Set("email", "test@example.com")
		email, exists := GetUserEmail(c)
		assert.True(t, exists)
		assert.Equal(t, "test@example.com", email)
		c.JSON(http.StatusOK, gin.H{"email": email})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetUserRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/test", func(c *gin.Context) {
		c.Set("role", "admin")
		role, exists := GetUserRole(c)
		assert.True(t, exists)
		assert.Equal(t, "admin", role)
		c.JSON(http.StatusOK, gin.H{"role": role})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIsAuthenticated(t *testing.T) {
	tests := []struct {
		name        string
		setupCtx    func(*gin.Context)
		expectedVal bool
	}{
		{
			name: "authenticated flag set to true",
			setupCtx: func(c *gin.Context) {
				c.Set("authenticated", true)
			},
			expectedVal: true,
		},
		{
			name:        "nothing set",
			setupCtx:    func(c *gin.Context) {},
			expectedVal: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			router := gin.New()
			router.GET("/test", func(c *gin.Context) {
				tt.setupCtx(c)
				isAuth := IsAuthenticated(c)
				assert.Equal(t, tt.expectedVal, isAuth)
				c.JSON(http.StatusOK, gin.H{"authenticated": isAuth})
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name        string
		authHeader  string
		expectToken string
		expectError bool
	}{
		{
			name:        "valid bearer token",
			authHeader:  "Bearer eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9",
			expectToken: "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9",
			expectError: false,
		},
		{
			name:        "no bearer prefix",
			authHeader:  "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9",
			expectToken: "",
			expectError: true,
		},
		{
			name:        "empty token after bearer",
			authHeader:  "Bearer ",
			expectToken: "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := extractBearerToken(tt.authHeader)

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expectToken, token)
			}
		})
	}
}

func TestRequireRoleNoRoleInContext(t *testing.T) {
	router := setupAuthTestRouter()
	router.Use(RequireRole("admin"))
	router.GET("/admin", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/admin", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "ROLE_NOT_FOUND")
}

func TestExpiredToken(t *testing.T) {
	tokens := auth.NewJWTTokens("test-secret-key", "apex-orchestrator")
	expiredToken, err := tokens.Issue(1, "test@example.com", "user", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	router := setupAuthTestRouter()
	router.Use(RequireAuth(tokens))
	router.GET("/protected", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+expiredToken)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFullAuthFlow(t *testing.T) {
	tokens := auth.NewJWTTokens("integration-test-secret", "apex-orchestrator")

	token, err := tokens.Issue(100, "integration@test.com", "pro", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequireAuth(tokens))
	router.Use(RequireRole("pro"))

	router.GET("/pro-feature", func(c *gin.Context) {
		userID, _ := GetUserID(c)
		role, _ := GetUserRole(c)

		c.JSON(http.StatusOK, gin.H{
			"user_id": userID,
			"role":    role,
			"feature": "pro-only",
		})
	})

	t.Run("full flow with valid token and role", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/pro-feature", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"user_id":100`)
		assert.Contains(t, w.Body.String(), `"role":"pro"`)
	})
}
