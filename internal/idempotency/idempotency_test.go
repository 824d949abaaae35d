package idempotency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/types"
	"github.com/ksred/landx-api/pkg/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newService(t *testing.T, ttl time.Duration) *Service {
	t.Helper()
	store := database.NewTestStore(t)
	require.NoError(t, Migrate(store.DB))
	return NewService(store, ttl, nil)
}

// newRouter counts handler executions behind the middleware
func newRouter(svc *Service, calls *int32, status int) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		middleware.SetPrincipal(c, policy.Principal{ParticipantID: c.GetHeader("X-Participant"), Role: policy.RoleBuyer})
	})
	r.POST("/w/:workflow/p/:project_id/quote", middleware.RequireProject(), svc.Middleware("quote"),
		func(c *gin.Context) {
			n := atomic.AddInt32(calls, 1)
			c.JSON(status, gin.H{"call": n})
		})
	return r
}

func post(r *gin.Engine, participant, key, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/w/saleable/p/p1/quote", strings.NewReader(body))
	req.Header.Set("X-Participant", participant)
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestReplayReturnsStoredResponse(t *testing.T) {
	var calls int32
	r := newRouter(newService(t, time.Hour), &calls, http.StatusCreated)

	first := post(r, "buyer-1", "k1", `{"qbundle_inr":"6000000","note":"a"}`)
	second := post(r, "buyer-1", "k1", `{"note":"a", "qbundle_inr":"6000000"}`)

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	var calls int32
	r := newRouter(newService(t, time.Hour), &calls, http.StatusCreated)

	require.Equal(t, http.StatusCreated, post(r, "buyer-1", "k1", `{"qbundle_inr":"6000000"}`).Code)
	w := post(r, "buyer-1", "k1", `{"qbundle_inr":"6500000"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestKeysAreScopedPerParticipant(t *testing.T) {
	var calls int32
	r := newRouter(newService(t, time.Hour), &calls, http.StatusCreated)

	post(r, "buyer-1", "k1", `{}`)
	post(r, "buyer-2", "k1", `{}`)
	post(r, "buyer-1", "", `{}`)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestKeysAreScopedPerRound(t *testing.T) {
	var calls int32
	r := gin.New()
	r.Use(func(c *gin.Context) {
		middleware.SetPrincipal(c, policy.Principal{ParticipantID: "gov-1", Role: policy.RoleGovAuthority})
	})
	svc := newService(t, time.Hour)
	r.POST("/w/:workflow/p/:project_id/rounds/:t/close", middleware.RequireProject(), svc.Middleware("rounds.close"),
		func(c *gin.Context) {
			atomic.AddInt32(&calls, 1)
			c.JSON(http.StatusOK, gin.H{"t": c.Param("t")})
		})

	closeRound := func(t string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/w/saleable/p/p1/rounds/"+t+"/close", nil)
		req.Header.Set(HeaderKey, "k1")
		r.ServeHTTP(w, req)
		return w
	}

	first := closeRound("0")
	second := closeRound("1")
	replay := closeRound("1")

	assert.JSONEq(t, `{"t":"0"}`, first.Body.String())
	assert.JSONEq(t, `{"t":"1"}`, second.Body.String())
	assert.Empty(t, second.Header().Get("Idempotent-Replay"))
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replay"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFailedResponsesAreNotStored(t *testing.T) {
	var calls int32
	r := newRouter(newService(t, time.Hour), &calls, http.StatusConflict)

	post(r, "buyer-1", "k1", `{}`)
	post(r, "buyer-1", "k1", `{}`)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExpiredRecordsAreIgnoredAndPurged(t *testing.T) {
	svc := newService(t, -time.Second)
	ctx := context.Background()
	k := Key{Workflow: types.WorkflowSaleable, ProjectID: "p1", ParticipantID: "buyer-1", Endpoint: "quote", Key: "k1"}

	require.NoError(t, svc.Save(ctx, k, "h1", http.StatusCreated, []byte(`{}`)))
	rec, err := svc.Lookup(ctx, k, "h2")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, svc.Save(ctx, k, "h1", http.StatusCreated, []byte(`{}`)))
	n, err := svc.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSaveNeverOverwrites(t *testing.T) {
	svc := newService(t, time.Hour)
	ctx := context.Background()
	k := Key{Workflow: types.WorkflowSaleable, ProjectID: "p1", ParticipantID: "buyer-1", Endpoint: "quote", Key: "k1"}

	require.NoError(t, svc.Save(ctx, k, "h1", http.StatusCreated, []byte(`{"v":1}`)))
	require.NoError(t, svc.Save(ctx, k, "h1", http.StatusCreated, []byte(`{"v":2}`)))

	rec, err := svc.Lookup(ctx, k, "h1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"v":1}`, string(rec.ResponseBody))
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a, err := Fingerprint("action=draft", []byte(`{"a":1,"b":[1,2]}`))
	require.NoError(t, err)
	b, err := Fingerprint("action=draft", []byte("{ \"b\": [1,2], \"a\": 1 }"))
	require.NoError(t, err)
	c, err := Fingerprint("", []byte(`{"a":1,"b":[1,2]}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
