package rounds

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/phase"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var authority = policy.Principal{ParticipantID: "gov-1", Role: policy.RoleGovAuthority}

type fakeBidLocker struct {
	calls []types.Scope
	err   error
}

func (f *fakeBidLocker) LockAllInTx(tx *gorm.DB, scope types.Scope) (LockSummary, error) {
	f.calls = append(f.calls, scope)
	if f.err != nil {
		return nil, f.err
	}
	return LockSummary{"quote": 2, "ask": 1}, nil
}

func newService(t *testing.T) (*Service, *fakeBidLocker) {
	t.Helper()
	store := database.NewTestStore(t)
	require.NoError(t, Migrate(store.DB))
	require.NoError(t, phase.Migrate(store.DB))
	locker := &fakeBidLocker{}
	return NewService(store, locker, nil), locker
}

func scopeAt(t int) types.Scope {
	return types.Scope{Workflow: types.WorkflowSaleable, ProjectID: "p1", T: t}
}

func TestRoundLifecycle(t *testing.T) {
	svc, locker := newService(t)
	ctx := context.Background()

	rnd, err := svc.OpenNext(ctx, authority, types.WorkflowSaleable, "p1", Window{})
	require.NoError(t, err)
	assert.Equal(t, 0, rnd.T)
	assert.True(t, rnd.IsOpen)
	assert.Equal(t, StateDraft, rnd.State)
	assert.NotNil(t, rnd.WindowStart)

	_, err = svc.OpenNext(ctx, authority, types.WorkflowSaleable, "p1", Window{})
	assert.True(t, types.IsKind(err, types.KindStateConflict), "round 0 still open")

	_, err = svc.Lock(ctx, authority, scopeAt(0))
	assert.True(t, types.IsKind(err, types.KindStateConflict), "lock requires closed")

	rnd, err = svc.Close(ctx, authority, scopeAt(0))
	require.NoError(t, err)
	assert.False(t, rnd.IsOpen)
	assert.Equal(t, StateSubmitted, rnd.State)

	_, err = svc.Close(ctx, authority, scopeAt(0))
	assert.True(t, types.IsKind(err, types.KindStateConflict), "already closed")

	_, err = svc.OpenNext(ctx, authority, types.WorkflowSaleable, "p1", Window{})
	assert.True(t, types.IsKind(err, types.KindStateConflict), "round 0 not locked")

	rnd, err = svc.Lock(ctx, authority, scopeAt(0))
	require.NoError(t, err)
	assert.True(t, rnd.IsLocked)
	assert.Equal(t, StateLocked, rnd.State)
	assert.Equal(t, []types.Scope{scopeAt(0)}, locker.calls)

	_, err = svc.Lock(ctx, authority, scopeAt(0))
	assert.True(t, types.IsKind(err, types.KindStateConflict), "duplicate lock")
	_, err = svc.Close(ctx, authority, scopeAt(0))
	assert.True(t, types.IsKind(err, types.KindStateConflict), "closing a locked round")

	rnd, err = svc.OpenNext(ctx, authority, types.WorkflowSaleable, "p1", Window{})
	require.NoError(t, err)
	assert.Equal(t, 1, rnd.T)

	list, err := svc.List(ctx, types.WorkflowSaleable, "p1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 0, list[0].T)
	assert.Equal(t, 1, list[1].T)
}

func TestSeededRoundOpensInPlace(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	seeded, err := svc.Seed(ctx, authority, types.WorkflowSaleable, "p1")
	require.NoError(t, err)
	assert.False(t, seeded.IsOpen)
	assert.Equal(t, StateDraft, seeded.State)

	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)
	opened, err := svc.OpenNext(ctx, authority, types.WorkflowSaleable, "p1", Window{Start: &start, End: &end})
	require.NoError(t, err)
	assert.Equal(t, seeded.RoundID, opened.RoundID)
	assert.Equal(t, 0, opened.T)
	assert.True(t, opened.IsOpen)
	assert.True(t, start.Equal(*opened.WindowStart))

	list, err := svc.List(ctx, types.WorkflowSaleable, "p1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestLockRollsBackWhenBidLockFails(t *testing.T) {
	svc, locker := newService(t)
	ctx := context.Background()

	_, err := svc.OpenNext(ctx, authority, types.WorkflowSaleable, "p1", Window{})
	require.NoError(t, err)
	_, err = svc.Close(ctx, authority, scopeAt(0))
	require.NoError(t, err)

	locker.err = assert.AnError
	_, err = svc.Lock(ctx, authority, scopeAt(0))
	require.Error(t, err)

	rnd, err := svc.Get(ctx, scopeAt(0))
	require.NoError(t, err)
	assert.False(t, rnd.IsLocked)
	assert.Equal(t, StateSubmitted, rnd.State)
}

func TestConcurrentOpenHasSingleWinner(t *testing.T) {
	svc, _ := newService(t)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.OpenNext(context.Background(), authority, types.WorkflowSaleable, "p1", Window{})
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			assert.True(t, types.IsKind(err, types.KindStateConflict), err.Error())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)

	var open int64
	require.NoError(t, svc.store.DB.Model(&Round{}).
		Where("workflow = ? AND project_id = ? AND is_open = ? AND is_locked = ?", types.WorkflowSaleable, "p1", true, false).
		Count(&open).Error)
	assert.Equal(t, int64(1), open)
}

func TestSingleOpenRoundIndex(t *testing.T) {
	svc, _ := newService(t)

	first := newRound(types.WorkflowSaleable, "p1", 0)
	first.IsOpen = true
	require.NoError(t, svc.store.DB.Create(first).Error)

	second := newRound(types.WorkflowSaleable, "p1", 1)
	second.IsOpen = true
	assert.Error(t, svc.store.DB.Create(second).Error)
}

func TestClearlandOpenRequiresPhase(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	phases := phase.NewService(svc.store)

	_, err := svc.OpenNext(ctx, authority, types.WorkflowClearland, "c1", Window{})
	assert.True(t, types.IsKind(err, types.KindStateConflict))

	_, err = phases.Transition(ctx, authority, "c1", phase.Init, "")
	require.NoError(t, err)
	_, err = svc.OpenNext(ctx, authority, types.WorkflowClearland, "c1", Window{})
	assert.True(t, types.IsKind(err, types.KindStateConflict))

	_, err = phases.Transition(ctx, authority, "c1", phase.DeveloperAskOpen, "")
	require.NoError(t, err)
	rnd, err := svc.OpenNext(ctx, authority, types.WorkflowClearland, "c1", Window{})
	require.NoError(t, err)
	assert.Equal(t, 0, rnd.T)
}

func TestRoundOperationsRequireAuthority(t *testing.T) {
	svc, _ := newService(t)
	dev := policy.Principal{ParticipantID: "dev-1", Role: policy.RoleDeveloper}

	_, err := svc.OpenNext(context.Background(), dev, types.WorkflowSaleable, "p1", Window{})
	assert.True(t, types.IsKind(err, types.KindPermissionDenied))

	scopedGov := policy.Principal{ParticipantID: "gov-2", Role: policy.RoleGovAuthority, Workflow: types.WorkflowSlum}
	_, err = svc.OpenNext(context.Background(), scopedGov, types.WorkflowSaleable, "p1", Window{})
	assert.True(t, types.IsKind(err, types.KindPermissionDenied))

	_, err = svc.Close(context.Background(), authority, types.Scope{Workflow: "bogus", ProjectID: "p1"})
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestGetMissingRound(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Get(context.Background(), scopeAt(4))
	assert.True(t, types.IsKind(err, types.KindNotFound))
	_, err = svc.Latest(context.Background(), types.WorkflowSaleable, "p1")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}
