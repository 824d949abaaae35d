package phase

import (
	"context"
	"sync"
	"testing"

	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var authority = policy.Principal{ParticipantID: "gov-1", Role: policy.RoleGovAuthority}

func newService(t *testing.T) *Service {
	t.Helper()
	store := database.NewTestStore(t)
	require.NoError(t, Migrate(store.DB))
	return NewService(store)
}

func advance(t *testing.T, svc *Service, project string, phases ...Phase) {
	t.Helper()
	for _, ph := range phases {
		_, err := svc.Transition(context.Background(), authority, project, ph, "")
		require.NoError(t, err, ph)
	}
}

func TestTransitionWalksLinearGraph(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.Transition(ctx, authority, "p1", DeveloperAskOpen, "")
	assert.True(t, types.IsKind(err, types.KindStateConflict), "first transition must be INIT")

	advance(t, svc, "p1", Init, DeveloperAskOpen)

	_, err = svc.Transition(ctx, authority, "p1", PreferencesCollected, "")
	assert.True(t, types.IsKind(err, types.KindStateConflict), "skipping is refused")

	_, err = svc.Transition(ctx, authority, "p1", Init, "")
	assert.True(t, types.IsKind(err, types.KindStateConflict), "reverse is refused")

	advance(t, svc, "p1", BuyerBiddingOpen, PreferencesCollected, Locked, Settled, Closed)

	_, err = svc.Transition(ctx, authority, "p1", Init, "")
	assert.True(t, types.IsKind(err, types.KindStateConflict), "closed is terminal")

	history, err := svc.History(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, history, 7)
	for i, row := range history {
		if i < len(history)-1 {
			assert.NotNil(t, row.EffectiveTo, row.Phase)
		} else {
			assert.Nil(t, row.EffectiveTo)
			assert.Equal(t, Closed, row.Phase)
		}
	}
}

func TestTransitionToCurrentIsNoop(t *testing.T) {
	svc := newService(t)
	advance(t, svc, "p1", Init, DeveloperAskOpen)

	again, err := svc.Transition(context.Background(), authority, "p1", DeveloperAskOpen, "repeat")
	require.NoError(t, err)
	assert.Equal(t, DeveloperAskOpen, again.Phase)

	history, err := svc.History(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestTransitionRequiresAuthority(t *testing.T) {
	svc := newService(t)
	buyer := policy.Principal{ParticipantID: "b1", Role: policy.RoleBuyer}

	_, err := svc.Transition(context.Background(), buyer, "p1", Init, "")
	assert.True(t, types.IsKind(err, types.KindPermissionDenied))

	_, err = svc.Transition(context.Background(), authority, "p1", Phase("OPEN_SESAME"), "")
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestConcurrentTransitionsKeepOneActiveRow(t *testing.T) {
	svc := newService(t)
	advance(t, svc, "p1", Init)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Transition(context.Background(), authority, "p1", DeveloperAskOpen, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var active int64
	require.NoError(t, svc.store.DB.Model(&ClearlandPhase{}).
		Where("project_id = ? AND effective_to IS NULL", "p1").Count(&active).Error)
	assert.Equal(t, int64(1), active)

	history, err := svc.History(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestGate(t *testing.T) {
	svc := newService(t)
	db := svc.store.DB

	assert.NoError(t, Gate(db, types.WorkflowSaleable, "p1", policy.ActionSubmitAsk), "non-clearland is not gated")
	assert.True(t, types.IsKind(Gate(db, types.WorkflowClearland, "p1", policy.ActionSubmitAsk), types.KindStateConflict))

	advance(t, svc, "p1", Init, DeveloperAskOpen)
	assert.NoError(t, Gate(db, types.WorkflowClearland, "p1", policy.ActionSubmitAsk))
	assert.True(t, types.IsKind(Gate(db, types.WorkflowClearland, "p1", policy.ActionSubmitQuote), types.KindStateConflict))

	advance(t, svc, "p1", BuyerBiddingOpen)
	assert.NoError(t, Gate(db, types.WorkflowClearland, "p1", policy.ActionSubmitQuote))
	assert.Error(t, Gate(db, types.WorkflowClearland, "p1", policy.ActionSubmitAsk))

	advance(t, svc, "p1", PreferencesCollected)
	assert.NoError(t, Gate(db, types.WorkflowClearland, "p1", policy.ActionSubmitPreferences))

	assert.Error(t, RequireIn(db, types.WorkflowClearland, "p1", Locked, Settled, Closed))
	advance(t, svc, "p1", Locked)
	assert.NoError(t, RequireIn(db, types.WorkflowClearland, "p1", Locked, Settled, Closed))
}

func TestCurrentNotFound(t *testing.T) {
	svc := newService(t)
	_, err := svc.Current(context.Background(), "nope")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}
