// Package testutil wires a full exchange stack on a throwaway sqlite
// database for package tests that sit above bids and rounds.
package testutil

import (
	"context"
	"testing"

	"github.com/ksred/landx-api/internal/bids"
	"github.com/ksred/landx-api/internal/charges"
	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/database/migrations"
	"github.com/ksred/landx-api/internal/phase"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/rounds"
	"github.com/ksred/landx-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	Authority = policy.Principal{ParticipantID: "gov-1", Role: policy.RoleGovAuthority}
	Auditor   = policy.Principal{ParticipantID: "audit-1", Role: policy.RoleAuditor}
)

func Buyer(id string) policy.Principal {
	return policy.Principal{ParticipantID: id, Role: policy.RoleBuyer}
}

func Developer(id string) policy.Principal {
	return policy.Principal{ParticipantID: id, Role: policy.RoleDeveloper}
}

type Stack struct {
	Store   *database.Store
	Rounds  *rounds.Service
	Bids    *bids.Service
	Phases  *phase.Service
	Charges *charges.Service
}

func NewStack(t *testing.T) *Stack {
	t.Helper()
	store := database.NewTestStore(t)
	require.NoError(t, migrations.Run(store.DB))

	bidSvc := bids.NewService(store)
	return &Stack{
		Store:   store,
		Rounds:  rounds.NewService(store, bidSvc, nil),
		Bids:    bidSvc,
		Phases:  phase.NewService(store),
		Charges: charges.NewService(store),
	}
}

func (s *Stack) Open(t *testing.T, w types.Workflow, projectID string) types.Scope {
	t.Helper()
	rnd, err := s.Rounds.OpenNext(context.Background(), Authority, w, projectID, rounds.Window{})
	require.NoError(t, err)
	return rnd.Scope()
}

func (s *Stack) CloseAndLock(t *testing.T, scope types.Scope) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Rounds.Close(ctx, Authority, scope)
	require.NoError(t, err)
	_, err = s.Rounds.Lock(ctx, Authority, scope)
	require.NoError(t, err)
}

func (s *Stack) Quote(t *testing.T, scope types.Scope, participantID, qbundle string) *bids.Bid {
	t.Helper()
	b, err := s.Bids.Submit(context.Background(), Buyer(participantID), scope,
		&bids.QuotePayload{QBundle: decimal.RequireFromString(qbundle)})
	require.NoError(t, err)
	return b
}

func (s *Stack) Ask(t *testing.T, scope types.Scope, participantID, units, price string) *bids.Bid {
	t.Helper()
	return s.AskWith(t, scope, participantID, &bids.AskPayload{
		Units:        decimal.RequireFromString(units),
		PricePerUnit: decimal.RequireFromString(price),
	})
}

func (s *Stack) AskWith(t *testing.T, scope types.Scope, participantID string, payload *bids.AskPayload) *bids.Bid {
	t.Helper()
	b, err := s.Bids.Submit(context.Background(), Developer(participantID), scope, payload)
	require.NoError(t, err)
	return b
}

// Advance walks the clearland phase machine from its current position to target
func (s *Stack) Advance(t *testing.T, projectID string, target phase.Phase) {
	t.Helper()
	ctx := context.Background()
	current := phase.Phase("")
	if cur, err := s.Phases.Current(ctx, projectID); err == nil {
		current = cur.Phase
	}
	for current != target {
		next := phase.Init
		if current != "" {
			var ok bool
			next, ok = current.Next()
			require.True(t, ok, "no phase after %s", current)
		}
		_, err := s.Phases.Transition(ctx, Authority, projectID, next, "")
		require.NoError(t, err)
		current = next
	}
}
