package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finguard/decision-engine/internal/models"
)

func newRoleRouter(m *JWTManager, required bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	g := r.Group("/analyst")
	g.Use(Middleware(m, required))
	g.Use(RoleMiddleware(required, models.RoleAnalyst, models.RoleAdmin))
	g.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

func doGet(router *gin.Engine, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/analyst/ping", nil)
	if token != "" {
		req.Header.Set(AuthorizationHeader, BearerPrefix+token)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestRoleMiddlewareAllowsListedRoles(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	router := newRoleRouter(m, true)

	for _, role := range []string{models.RoleAnalyst, models.RoleAdmin} {
		token, err := m.GenerateToken(uuid.New(), "soc@example.com", role)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, doGet(router, token).Code, role)
	}
}

func TestRoleMiddlewareRejectsUnknownRole(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	token, err := m.GenerateToken(uuid.New(), "viewer@example.com", "viewer")
	require.NoError(t, err)

	w := doGet(newRoleRouter(m, true), token)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRoleMiddlewareRequiredRejectsTokenless(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	w := doGet(newRoleRouter(m, true), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoleMiddlewareOptionalPassesTokenless(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	w := doGet(newRoleRouter(m, false), "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	m := NewJWTManager("test-secret", -time.Minute)
	token, err := m.GenerateToken(uuid.New(), "soc@example.com", models.RoleAnalyst)
	require.NoError(t, err)

	w := doGet(newRoleRouter(m, true), token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
