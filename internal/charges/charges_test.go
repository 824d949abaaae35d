package charges

import (
	"context"
	"testing"

	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/phase"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/rounds"
	"github.com/ksred/landx-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var authority = policy.Principal{ParticipantID: "gov-1", Role: policy.RoleGovAuthority}

type noBids struct{}

func (noBids) LockAllInTx(*gorm.DB, types.Scope) (rounds.LockSummary, error) {
	return rounds.LockSummary{}, nil
}

func setup(t *testing.T) (*Service, *rounds.Service, *database.Store) {
	t.Helper()
	store := database.NewTestStore(t)
	require.NoError(t, rounds.Migrate(store.DB))
	require.NoError(t, phase.Migrate(store.DB))
	require.NoError(t, Migrate(store.DB))
	return NewService(store), rounds.NewService(store, noBids{}, nil), store
}

func TestResolveGCUPrefersRoundOverride(t *testing.T) {
	svc, roundSvc, store := setup(t)
	ctx := context.Background()

	rnd, err := roundSvc.OpenNext(ctx, authority, types.WorkflowSubsidized, "s1", rounds.Window{})
	require.NoError(t, err)
	scope := rnd.Scope()

	_, err = ResolveGCUInTx(store.DB, scope)
	assert.True(t, types.IsKind(err, types.KindStateConflict))

	_, err = svc.PublishModel(ctx, authority, types.WorkflowSubsidized, "s1", decimal.RequireFromString("100000"))
	require.NoError(t, err)
	v2, err := svc.PublishModel(ctx, authority, types.WorkflowSubsidized, "s1", decimal.RequireFromString("150000"))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	resolved, err := ResolveGCUInTx(store.DB, scope)
	require.NoError(t, err)
	assert.Equal(t, SourcePublishedModel, resolved.Source)
	assert.True(t, resolved.Value.Equal(decimal.RequireFromString("150000")))

	var published int64
	require.NoError(t, store.DB.Model(&EconomicModel{}).Where("published = ?", true).Count(&published).Error)
	assert.Equal(t, int64(1), published)

	_, err = svc.SetRoundCharge(ctx, authority, scope, ChargeGCU, decimal.RequireFromString("120000"))
	require.NoError(t, err)
	_, err = svc.SetRoundCharge(ctx, authority, scope, ChargeGCU, decimal.RequireFromString("125000"))
	require.NoError(t, err)

	resolved, err = ResolveGCUInTx(store.DB, scope)
	require.NoError(t, err)
	assert.Equal(t, SourceRoundOverride, resolved.Source)
	assert.True(t, resolved.Value.Equal(decimal.RequireFromString("125000")))
}

func TestRoundChargeFrozenAfterLock(t *testing.T) {
	svc, roundSvc, _ := setup(t)
	ctx := context.Background()

	rnd, err := roundSvc.OpenNext(ctx, authority, types.WorkflowSubsidized, "s1", rounds.Window{})
	require.NoError(t, err)
	_, err = roundSvc.Close(ctx, authority, rnd.Scope())
	require.NoError(t, err)
	_, err = roundSvc.Lock(ctx, authority, rnd.Scope())
	require.NoError(t, err)

	_, err = svc.SetRoundCharge(ctx, authority, rnd.Scope(), ChargeGCU, decimal.NewFromInt(1))
	assert.True(t, types.IsKind(err, types.KindStateConflict))
}

func TestChargeValidation(t *testing.T) {
	svc, roundSvc, _ := setup(t)
	ctx := context.Background()
	rnd, err := roundSvc.OpenNext(ctx, authority, types.WorkflowSubsidized, "s1", rounds.Window{})
	require.NoError(t, err)

	_, err = svc.SetRoundCharge(ctx, authority, rnd.Scope(), ChargeType("XYZ"), decimal.NewFromInt(1))
	assert.True(t, types.IsKind(err, types.KindValidation))
	_, err = svc.SetRoundCharge(ctx, authority, rnd.Scope(), ChargeGC, decimal.NewFromInt(-1))
	assert.True(t, types.IsKind(err, types.KindValidation))

	buyer := policy.Principal{ParticipantID: "b1", Role: policy.RoleBuyer}
	_, err = svc.SetRoundCharge(ctx, buyer, rnd.Scope(), ChargeGC, decimal.NewFromInt(1))
	assert.True(t, types.IsKind(err, types.KindPermissionDenied))
}
