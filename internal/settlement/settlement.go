package settlement

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/landx-api/internal/bids"
	"github.com/ksred/landx-api/internal/contracts"
	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/ledger"
	"github.com/ksred/landx-api/internal/matching"
	"github.com/ksred/landx-api/internal/metrics"
	"github.com/ksred/landx-api/internal/phase"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/rounds"
	"github.com/ksred/landx-api/internal/types"
	"github.com/ksred/landx-api/pkg/middleware"
	"github.com/ksred/landx-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	store     *database.Store
	matching  *matching.Service
	contracts *contracts.Service
	ledger    *ledger.Service
	metrics   *metrics.Metrics
}

func NewService(store *database.Store, matchingService *matching.Service, contractService *contracts.Service, ledgerService *ledger.Service, m *metrics.Metrics) *Service {
	return &Service{
		store:     store,
		matching:  matchingService,
		contracts: contractService,
		ledger:    ledgerService,
		metrics:   m,
	}
}

// secondQuote is the best locked quote other than the winner
func secondQuote(quotes []bids.Bid, winnerID string) *bids.Bid {
	for i := range quotes {
		if quotes[i].BidID != winnerID {
			return &quotes[i]
		}
	}
	return nil
}

func decimalString(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ContractTerms builds the contract terms a settled round produces, with
// no cascade obligations yet.
func ContractTerms(row *SettlementResult) (*contracts.Terms, error) {
	if !row.Settled {
		return nil, types.Conflict(fmt.Sprintf("settlement for round %d is %s", row.T, row.Status))
	}
	var receipt map[string]any
	if err := json.Unmarshal(row.Receipt, &receipt); err != nil {
		return nil, fmt.Errorf("failed to decode settlement receipt: %w", err)
	}
	return &contracts.Terms{
		Scope:                  row.Scope(),
		SettlementID:           row.SettlementID,
		BuyerParticipantID:     row.BuyerParticipantID,
		DeveloperParticipantID: row.DeveloperParticipantID,
		SettlementPrice:        row.SecondPrice.Decimal,
		Ownership: map[string]any{
			"workflow":                 row.Workflow.String(),
			"project_id":               row.ProjectID,
			"round_t":                  row.T,
			"winner_quote_bid_id":      optional(row.WinnerQuoteID),
			"winning_ask_bid_id":       optional(row.WinningAskID),
			"buyer_participant_id":     row.BuyerParticipantID,
			"developer_participant_id": row.DeveloperParticipantID,
			"note":                     "ownership is represented by winning bid references and subsequent ledger events",
		},
		Transaction: map[string]any{
			"vickrey": map[string]any{
				"max_quote_inr":             decimalString(row.MaxQuote),
				"second_price_inr":          decimalString(row.SecondPrice),
				"second_price_quote_bid_id": optional(row.SecondPriceQuoteID),
			},
			"settlement_receipt": receipt,
		},
		Obligations: contracts.BaseObligations(),
	}, nil
}

// ComputeInTx returns the round's stored settlement or computes it. A full
// settlement also issues a contract version and a ledger entry in tx. The
// caller must hold the scope lock.
func (s *Service) ComputeInTx(tx *gorm.DB, scope types.Scope) (*SettlementResult, bool, error) {
	logger := log.With().
		Str("workflow", scope.Workflow.String()).
		Str("project_id", scope.ProjectID).
		Int("t", scope.T).
		Str("service", "settlement").
		Logger()

	existing, err := FindInTx(tx, scope)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	rnd, err := rounds.RequireLockedInTx(tx, scope)
	if err != nil {
		return nil, false, err
	}
	if err := phase.RequireIn(tx, scope.Workflow, scope.ProjectID, phase.Locked, phase.Settled, phase.Closed); err != nil {
		return nil, false, err
	}

	match, _, err := s.matching.ComputeInTx(tx, scope)
	if err != nil {
		return nil, false, err
	}

	row := &SettlementResult{
		SettlementID: "STL_" + uuid.New().String(),
		MatchingID:   match.MatchingID,
		Workflow:     scope.Workflow,
		ProjectID:    scope.ProjectID,
		T:            scope.T,
		RoundID:      rnd.RoundID,
		MaxQuote:     match.MaxQuote,
		MinAsk:       match.MinAsk,
	}
	receipt := map[string]any{
		"vickrey_rule": VickreyRule,
		"matching_id":  match.MatchingID,
	}

	var winner, ask, second *bids.Bid
	switch {
	case !match.Matched || match.SelectedQuoteID == "" || match.SelectedAskID == "":
		row.Status = StatusNoSettlement
	default:
		if winner, err = bids.GetInTx(tx, match.SelectedQuoteID); err != nil {
			return nil, false, err
		}
		if ask, err = bids.GetInTx(tx, match.SelectedAskID); err != nil {
			return nil, false, err
		}
		row.WinnerQuoteID = winner.BidID
		row.WinningAskID = ask.BidID
		row.BuyerParticipantID = winner.ParticipantID
		row.DeveloperParticipantID = ask.ParticipantID

		quotes, err := bids.LockedQuotesInTx(tx, scope)
		if err != nil {
			return nil, false, err
		}
		second = secondQuote(quotes, winner.BidID)
		if second == nil {
			row.Status = StatusNoSecondPrice
			break
		}
		row.Status = StatusSettled
		row.Settled = true
		row.SecondPriceQuoteID = second.BidID
		row.SecondPrice = second.QBundle
	}
	receipt["status"] = row.Status

	b, err := json.Marshal(receipt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode settlement receipt: %w", err)
	}
	row.Receipt = datatypes.JSON(b)

	if row.Settled {
		terms, err := ContractTerms(row)
		if err != nil {
			return nil, false, err
		}
		contract, err := s.contracts.CreateInTx(tx, terms)
		if err != nil {
			return nil, false, err
		}
		row.ContractID = contract.ContractID
	}

	if err := tx.Create(row).Error; err != nil {
		logger.Error().Err(err).Msg("failed to store settlement")
		return nil, false, fmt.Errorf("failed to store settlement: %w", err)
	}

	if row.Settled {
		_, err := s.ledger.AppendInTx(tx, scope.Workflow, scope.ProjectID, row.ContractID, ledger.EntrySettlementExecuted, map[string]any{
			"round":                       scope.T,
			"contract_id":                 row.ContractID,
			"settlement_id":               row.SettlementID,
			"winner_quote_bid_id":         winner.BidID,
			"winning_ask_bid_id":          ask.BidID,
			"second_price_quote_bid_id":   second.BidID,
			"second_price_inr":            row.SecondPrice.Decimal.String(),
			"winner_quote_signature_hash": winner.SignatureHash,
			"winning_ask_signature_hash":  ask.SignatureHash,
			"second_quote_signature_hash": second.SignatureHash,
		})
		if err != nil {
			return nil, false, err
		}
	}

	stored, err := RequireInTx(tx, scope)
	if err != nil {
		return nil, false, err
	}

	logger.Info().
		Str("settlement_id", stored.SettlementID).
		Str("status", stored.Status).
		Msg("settlement computed")
	return stored, true, nil
}

// ComputeOrGet settles the round once; replays return the stored result
// with no further side effects.
func (s *Service) ComputeOrGet(ctx context.Context, p policy.Principal, scope types.Scope) (*SettlementResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Authorize(p, scope.Workflow, policy.ActionRunEngines); err != nil {
		return nil, err
	}

	row, created, err := database.ComputeOnce(ctx, s.store, scope.Key(),
		func(tx *gorm.DB) (*SettlementResult, bool, error) {
			return s.ComputeInTx(tx, scope)
		},
		func(db *gorm.DB) (*SettlementResult, error) {
			return RequireInTx(db, scope)
		},
	)
	if err != nil {
		return nil, err
	}
	if created {
		s.metrics.ComputeResult("settlement", metrics.OutcomeComputed)
	} else {
		s.metrics.ComputeResult("settlement", metrics.OutcomeExisting)
	}
	return row, nil
}

func (s *Service) Get(ctx context.Context, p policy.Principal, scope types.Scope) (*SettlementResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := policy.RequireWorkflow(p, scope.Workflow); err != nil {
		return nil, err
	}
	return NewDatabase(s.store.DB.WithContext(ctx)).GetSettlement(scope)
}

// List returns every settlement of the project by round
func (s *Service) List(ctx context.Context, p policy.Principal, w types.Workflow, projectID string) ([]SettlementResult, error) {
	if err := policy.RequireWorkflow(p, w); err != nil {
		return nil, err
	}
	return NewDatabase(s.store.DB.WithContext(ctx)).ListSettlements(w, projectID)
}

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) ComputeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		row, err := h.service.ComputeOrGet(c.Request.Context(), middleware.GetPrincipal(c), middleware.GetScope(c))
		response.Handle(c, row, err)
	}
}

func (h *GinHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		row, err := h.service.Get(c.Request.Context(), middleware.GetPrincipal(c), middleware.GetScope(c))
		response.Handle(c, row, err)
	}
}

func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := middleware.GetProject(c)
		rows, err := h.service.List(c.Request.Context(), middleware.GetPrincipal(c), scope.Workflow, scope.ProjectID)
		response.Handle(c, rows, err)
	}
}
