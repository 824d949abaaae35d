package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/landx-api/internal/auth"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimiterPerParticipantAndRoute(t *testing.T) {
	rl := NewRateLimiter(2, 1, nil)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		SetPrincipal(c, policy.Principal{ParticipantID: c.GetHeader("X-Participant"), Role: policy.RoleBuyer})
	})
	r.Use(rl.Handler())
	r.GET("/a", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/b", func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(path, participant string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Participant", participant)
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("/a", "p1"))
	assert.Equal(t, http.StatusOK, call("/a", "p1"))
	assert.Equal(t, http.StatusTooManyRequests, call("/a", "p1"))

	assert.Equal(t, http.StatusOK, call("/b", "p1"))
	assert.Equal(t, http.StatusOK, call("/a", "p2"))
}

func TestRateLimiterCleanupEvictsIdle(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.getLimiter("p1:/a")
	rl.visitors["p1:/a"].lastSeen = time.Now().Add(-time.Hour)
	rl.getLimiter("p2:/a")

	rl.cleanup()
	assert.NotContains(t, rl.visitors, "p1:/a")
	assert.Contains(t, rl.visitors, "p2:/a")
}

func TestJWTAuthSetsPrincipal(t *testing.T) {
	authService := auth.NewService("secret", time.Hour)
	tok, err := authService.IssueToken(policy.Principal{
		ParticipantID: "dev-1",
		Role:          policy.RoleDeveloper,
		Workflow:      types.WorkflowSaleable,
	})
	require.NoError(t, err)

	var got policy.Principal
	r := gin.New()
	r.GET("/me", JWTAuth(authService), func(c *gin.Context) {
		got = GetPrincipal(c)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dev-1", got.ParticipantID)
	assert.Equal(t, policy.RoleDeveloper, got.Role)
}

func TestRequireProjectParsesScope(t *testing.T) {
	var got types.Scope
	r := gin.New()
	r.GET("/w/:workflow/p/:project_id/rounds/:t", RequireProject(), func(c *gin.Context) {
		got = GetScope(c)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/w/Saleable/p/proj-1/rounds/3", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.Scope{Workflow: types.WorkflowSaleable, ProjectID: "proj-1", T: 3}, got)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/w/barter/p/proj-1/rounds/0", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/w/slum/p/proj-1/rounds/-1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
