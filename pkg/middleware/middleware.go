package middleware

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/landx-api/internal/auth"
	"github.com/ksred/landx-api/internal/metrics"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/types"
	"github.com/ksred/landx-api/pkg/response"
	"golang.org/x/time/rate"
)

const (
	principalKey = "principal"
	scopeKey     = "scope"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a token bucket per (participant, route). It is built once
// at startup and shared by every request.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	metrics  *metrics.Metrics
}

// NewRateLimiter allows capacity requests in a burst, refilled at perMinute
func NewRateLimiter(capacity int, perMinute float64, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perMinute / 60.0),
		burst:    capacity,
		idleTTL:  3 * time.Minute,
		metrics:  m,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Start evicts idle buckets until ctx is cancelled
func (rl *RateLimiter) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > rl.idleTTL {
			delete(rl.visitors, key)
		}
	}
}

// Handler rejects requests beyond the caller's budget with 429. It keys on
// the authenticated participant, falling back to the client IP.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := GetPrincipal(c).ParticipantID
		if caller == "" {
			caller = c.ClientIP()
		}

		route := c.FullPath()
		if !rl.getLimiter(caller + ":" + route).Allow() {
			rl.metrics.RateLimited(route)
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and stores the caller's principal
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(principalKey, claims.Principal())
		c.Next()
	}
}

// RequireProject parses :workflow and :project_id into the request scope
func RequireProject() gin.HandlerFunc {
	return func(c *gin.Context) {
		workflow, err := types.ParseWorkflow(c.Param("workflow"))
		if err != nil {
			response.Handle(c, nil, err)
			c.Abort()
			return
		}

		scope := types.Scope{Workflow: workflow, ProjectID: strings.TrimSpace(c.Param("project_id"))}
		if tParam := c.Param("t"); tParam != "" {
			t, err := strconv.Atoi(tParam)
			if err != nil {
				response.Handle(c, nil, types.Invalid("round index t must be an integer"))
				c.Abort()
				return
			}
			scope.T = t
		}

		if err := scope.Validate(); err != nil {
			response.Handle(c, nil, err)
			c.Abort()
			return
		}

		c.Set(scopeKey, scope)
		c.Next()
	}
}

// GetPrincipal returns the authenticated caller, or the zero principal
func GetPrincipal(c *gin.Context) policy.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(policy.Principal); ok {
			return p
		}
	}
	return policy.Principal{}
}

// SetPrincipal is used by tests and alternative identity adapters
func SetPrincipal(c *gin.Context, p policy.Principal) {
	c.Set(principalKey, p)
}

// GetScope returns the scope parsed by RequireProject
func GetScope(c *gin.Context) types.Scope {
	if v, ok := c.Get(scopeKey); ok {
		if s, ok := v.(types.Scope); ok {
			return s
		}
	}
	return types.Scope{}
}

// GetProject is GetScope for routes that carry no round index
func GetProject(c *gin.Context) types.Scope {
	s := GetScope(c)
	s.T = 0
	return s
}
