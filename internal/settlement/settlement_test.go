package settlement_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ksred/landx-api/internal/bids"
	"github.com/ksred/landx-api/internal/contracts"
	"github.com/ksred/landx-api/internal/ledger"
	"github.com/ksred/landx-api/internal/matching"
	"github.com/ksred/landx-api/internal/phase"
	"github.com/ksred/landx-api/internal/settlement"
	"github.com/ksred/landx-api/internal/testutil"
	"github.com/ksred/landx-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engine struct {
	*testutil.Stack
	ledger     *ledger.Service
	settlement *settlement.Service
}

func newEngine(t *testing.T) *engine {
	st := testutil.NewStack(t)
	ledgerSvc := ledger.NewService(st.Store, nil)
	return &engine{
		Stack:  st,
		ledger: ledgerSvc,
		settlement: settlement.NewService(st.Store,
			matching.NewService(st.Store, nil),
			contracts.NewService(st.Store, ledgerSvc),
			ledgerSvc, nil),
	}
}

func (e *engine) entries(t *testing.T, w types.Workflow, project string) []ledger.LedgerEntry {
	t.Helper()
	rows, err := e.ledger.List(context.Background(), testutil.Auditor, w, project)
	require.NoError(t, err)
	return rows
}

func TestVickreySettlementWorkedScenario(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	scope := e.Open(t, types.WorkflowSaleable, "p1")

	ask := e.Ask(t, scope, "dev-1", "100", "50000")
	q1 := e.Quote(t, scope, "buyer-1", "6000000")
	q2 := e.Quote(t, scope, "buyer-2", "5500000")
	e.CloseAndLock(t, scope)

	res, err := e.settlement.ComputeOrGet(ctx, testutil.Authority, scope)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.Equal(t, settlement.StatusSettled, res.Status)
	assert.Equal(t, q1.BidID, res.WinnerQuoteID)
	assert.Equal(t, ask.BidID, res.WinningAskID)
	assert.Equal(t, q2.BidID, res.SecondPriceQuoteID)
	assert.Equal(t, "buyer-1", res.BuyerParticipantID)
	assert.Equal(t, "dev-1", res.DeveloperParticipantID)
	assert.True(t, res.MaxQuote.Decimal.Equal(decimal.RequireFromString("6000000")))
	assert.True(t, res.SecondPrice.Decimal.Equal(decimal.RequireFromString("5500000")))
	require.NotEmpty(t, res.ContractID)

	var receipt map[string]any
	require.NoError(t, json.Unmarshal(res.Receipt, &receipt))
	assert.Equal(t, settlement.VickreyRule, receipt["vickrey_rule"])
	assert.Equal(t, "settled", receipt["status"])

	var contract contracts.ContractRecord
	require.NoError(t, e.Store.DB.Where("contract_id = ?", res.ContractID).Take(&contract).Error)
	assert.Equal(t, 1, contract.Version)
	assert.Equal(t, res.SettlementID, contract.SettlementID)
	assert.True(t, contract.SettlementPrice.Equal(decimal.RequireFromString("5500000")))
	own, txn, obl, err := contract.Sections()
	require.NoError(t, err)
	want, err := contracts.ContentHash(own, txn, obl)
	require.NoError(t, err)
	assert.Equal(t, want, contract.ContentHash)

	entries := e.entries(t, types.WorkflowSaleable, "p1")
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntrySettlementExecuted, entries[0].EntryType)
	assert.Equal(t, res.ContractID, entries[0].ContractID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
	lockedQ1, err := bids.GetInTx(e.Store.DB, q1.BidID)
	require.NoError(t, err)
	assert.Equal(t, lockedQ1.SignatureHash, payload["winner_quote_signature_hash"])
	assert.NotEmpty(t, payload["winning_ask_signature_hash"])
	assert.NotEmpty(t, payload["second_quote_signature_hash"])
	assert.Equal(t, "5500000", payload["second_price_inr"])
}

func TestSettlementReplayHasNoSideEffects(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	scope := e.Open(t, types.WorkflowSaleable, "p1")
	e.Ask(t, scope, "dev-1", "100", "50000")
	e.Quote(t, scope, "buyer-1", "6000000")
	e.Quote(t, scope, "buyer-2", "5500000")
	e.CloseAndLock(t, scope)

	first, err := e.settlement.ComputeOrGet(ctx, testutil.Authority, scope)
	require.NoError(t, err)
	second, err := e.settlement.ComputeOrGet(ctx, testutil.Authority, scope)
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.JSONEq(t, string(a), string(b))

	var contractCount int64
	require.NoError(t, e.Store.DB.Model(&contracts.ContractRecord{}).Count(&contractCount).Error)
	assert.Equal(t, int64(1), contractCount)
	assert.Len(t, e.entries(t, types.WorkflowSaleable, "p1"), 1)
}

func TestSingleQuoteHasNoSecondPrice(t *testing.T) {
	e := newEngine(t)
	scope := e.Open(t, types.WorkflowSaleable, "p1")
	e.Ask(t, scope, "dev-1", "100", "50000")
	e.Quote(t, scope, "buyer-1", "6000000")
	e.CloseAndLock(t, scope)

	res, err := e.settlement.ComputeOrGet(context.Background(), testutil.Authority, scope)
	require.NoError(t, err)
	assert.False(t, res.Settled)
	assert.Equal(t, settlement.StatusNoSecondPrice, res.Status)
	assert.NotEmpty(t, res.WinnerQuoteID)
	assert.Empty(t, res.ContractID)
	assert.Empty(t, e.entries(t, types.WorkflowSaleable, "p1"))
}

func TestUnmatchedRoundIsNotSettled(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	scope := e.Open(t, types.WorkflowSaleable, "p1")
	e.Ask(t, scope, "dev-1", "100", "50000")
	e.Quote(t, scope, "buyer-1", "4000000")
	e.Quote(t, scope, "buyer-2", "3000000")
	e.CloseAndLock(t, scope)

	res, err := e.settlement.ComputeOrGet(ctx, testutil.Authority, scope)
	require.NoError(t, err)
	assert.False(t, res.Settled)
	assert.Equal(t, settlement.StatusNoSettlement, res.Status)
	assert.Empty(t, res.WinnerQuoteID)

	got, err := e.settlement.Get(ctx, testutil.Buyer("buyer-1"), scope)
	require.NoError(t, err)
	assert.Equal(t, res.SettlementID, got.SettlementID)
}

func TestSettlementRequiresLockedRound(t *testing.T) {
	e := newEngine(t)
	scope := e.Open(t, types.WorkflowSaleable, "p1")

	_, err := e.settlement.ComputeOrGet(context.Background(), testutil.Authority, scope)
	assert.True(t, types.IsKind(err, types.KindStateConflict))

	var count int64
	require.NoError(t, e.Store.DB.Model(&matching.MatchingResult{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestListOrdersByRound(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		scope := e.Open(t, types.WorkflowSaleable, "p1")
		e.CloseAndLock(t, scope)
		_, err := e.settlement.ComputeOrGet(ctx, testutil.Authority, scope)
		require.NoError(t, err)
	}

	rows, err := e.settlement.List(ctx, testutil.Auditor, types.WorkflowSaleable, "p1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 0, rows[0].T)
	assert.Equal(t, 1, rows[1].T)
}

func TestClearlandSettlementInLockedPhase(t *testing.T) {
	e := newEngine(t)
	e.Advance(t, "c1", phase.DeveloperAskOpen)
	scope := e.Open(t, types.WorkflowClearland, "c1")
	e.Ask(t, scope, "dev-1", "100", "50000")
	e.Advance(t, "c1", phase.BuyerBiddingOpen)
	e.Quote(t, scope, "buyer-1", "6000000")
	e.Quote(t, scope, "buyer-2", "5500000")
	e.CloseAndLock(t, scope)
	e.Advance(t, "c1", phase.Locked)

	res, err := e.settlement.ComputeOrGet(context.Background(), testutil.Authority, scope)
	require.NoError(t, err)
	assert.True(t, res.Settled)
}
