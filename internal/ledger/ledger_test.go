package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ksred/landx-api/internal/canonical"
	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var auditor = policy.Principal{ParticipantID: "audit-1", Role: policy.RoleAuditor}

func newService(t *testing.T) *Service {
	t.Helper()
	store := database.NewTestStore(t)
	require.NoError(t, Migrate(store.DB))
	return NewService(store, nil)
}

func appendN(t *testing.T, svc *Service, w types.Workflow, project string, n int) []*LedgerEntry {
	t.Helper()
	var out []*LedgerEntry
	for i := 0; i < n; i++ {
		e, err := svc.Append(context.Background(), w, project, "CTR_1", EntrySettlementExecuted, map[string]any{
			"round":            i,
			"second_price_inr": "5500000",
			"note":             fmt.Sprintf("entry-%d", i),
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppendBuildsChainFromGenesis(t *testing.T) {
	svc := newService(t)
	entries := appendN(t, svc, types.WorkflowSaleable, "p1", 3)

	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, canonical.Genesis, entries[0].PrevHash)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, int64(i+1), entries[i].Seq)
		assert.Equal(t, entries[i-1].EntryHash, entries[i].PrevHash)
	}

	want, err := canonical.ChainHash(canonical.Genesis, map[string]any{
		"note": "entry-0", "round": 0, "second_price_inr": "5500000",
	})
	require.NoError(t, err)
	assert.Equal(t, want, entries[0].EntryHash)

	result, err := svc.Verify(context.Background(), auditor, types.WorkflowSaleable, "p1")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.Entries)
}

func TestChainsAreIndependentPerProject(t *testing.T) {
	svc := newService(t)
	appendN(t, svc, types.WorkflowSaleable, "p1", 2)
	other := appendN(t, svc, types.WorkflowSlum, "p1", 1)

	assert.Equal(t, int64(1), other[0].Seq)
	assert.Equal(t, canonical.Genesis, other[0].PrevHash)
}

func TestGetEntryIsScopedToChain(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	entries := appendN(t, svc, types.WorkflowSaleable, "p1", 2)

	got, err := svc.Get(ctx, auditor, types.WorkflowSaleable, "p1", entries[1].EntryID)
	require.NoError(t, err)
	assert.Equal(t, entries[1].EntryHash, got.EntryHash)

	_, err = svc.Get(ctx, auditor, types.WorkflowSaleable, "p2", entries[1].EntryID)
	assert.True(t, types.IsKind(err, types.KindNotFound))
	_, err = svc.Get(ctx, auditor, types.WorkflowSaleable, "p1", "LED_missing")
	assert.True(t, types.IsKind(err, types.KindNotFound))
	_, err = svc.Get(ctx, policy.Principal{ParticipantID: "buyer-1", Role: policy.RoleBuyer}, types.WorkflowSaleable, "p1", entries[0].EntryID)
	assert.True(t, types.IsKind(err, types.KindPermissionDenied))
}

func TestVerifyDetectsPayloadTampering(t *testing.T) {
	svc := newService(t)
	entries := appendN(t, svc, types.WorkflowSaleable, "p1", 3)

	require.NoError(t, svc.store.DB.Exec(
		"UPDATE ledger_entries SET payload = ? WHERE entry_id = ?",
		`{"note":"entry-1","round":1,"second_price_inr":"1"}`, entries[1].EntryID,
	).Error)

	result, err := svc.Verify(context.Background(), auditor, types.WorkflowSaleable, "p1")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(2), result.BrokenAtSeq)
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	svc := newService(t)
	entries := appendN(t, svc, types.WorkflowSaleable, "p1", 3)

	require.NoError(t, svc.store.DB.Exec(
		"UPDATE ledger_entries SET prev_hash = ? WHERE entry_id = ?",
		canonical.Genesis, entries[2].EntryID,
	).Error)

	result, err := svc.Verify(context.Background(), auditor, types.WorkflowSaleable, "p1")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, int64(3), result.BrokenAtSeq)
}

func TestAppendRefusesCorruptedTail(t *testing.T) {
	svc := newService(t)
	entries := appendN(t, svc, types.WorkflowSaleable, "p1", 2)

	require.NoError(t, svc.store.DB.Exec(
		"UPDATE ledger_entries SET payload = ? WHERE entry_id = ?", `{"forged":true}`, entries[1].EntryID,
	).Error)

	_, err := svc.Append(context.Background(), types.WorkflowSaleable, "p1", "", EntryContractCreated, map[string]any{"x": 1})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindIntegrity))
}

func TestEntriesAreImmutableThroughORM(t *testing.T) {
	svc := newService(t)
	entries := appendN(t, svc, types.WorkflowSaleable, "p1", 1)

	e := entries[0]
	e.EntryType = "FORGED"
	assert.ErrorIs(t, svc.store.DB.Save(e).Error, ErrImmutable)
	assert.ErrorIs(t, svc.store.DB.Delete(e).Error, ErrImmutable)

	result, err := svc.VerifyChain(context.Background(), types.WorkflowSaleable, "p1")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestConcurrentAppendsKeepSequence(t *testing.T) {
	svc := newService(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Append(context.Background(), types.WorkflowClearland, "p9", "", EntryContractCreated, map[string]any{"i": i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	result, err := svc.VerifyChain(context.Background(), types.WorkflowClearland, "p9")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 10, result.Entries)
}

func TestListAndVerifyRequireLedgerRole(t *testing.T) {
	svc := newService(t)
	appendN(t, svc, types.WorkflowSaleable, "p1", 1)

	buyer := policy.Principal{ParticipantID: "b1", Role: policy.RoleBuyer}
	_, err := svc.List(context.Background(), buyer, types.WorkflowSaleable, "p1")
	assert.True(t, types.IsKind(err, types.KindPermissionDenied))

	authority := policy.Principal{ParticipantID: "gov", Role: policy.RoleGovAuthority}
	entries, err := svc.List(context.Background(), authority, types.WorkflowSaleable, "p1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAuditorFlagsBrokenChains(t *testing.T) {
	svc := newService(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	appendN(t, svc, types.WorkflowSaleable, "good", 2)
	bad := appendN(t, svc, types.WorkflowSaleable, "bad", 2)
	require.NoError(t, svc.store.DB.Exec(
		"UPDATE ledger_entries SET entry_hash = ? WHERE entry_id = ?", canonical.Genesis, bad[0].EntryID,
	).Error)

	a := NewAuditor(svc, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(a.Broken()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	broken := a.Broken()
	assert.Equal(t, "bad", broken[0].ProjectID)
	assert.Equal(t, int64(1), broken[0].BrokenAtSeq)
}

func TestReplayEmptyChainIsValid(t *testing.T) {
	result := Replay(nil)
	assert.True(t, result.Valid)
	assert.Zero(t, result.Entries)
}
