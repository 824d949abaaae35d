package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/landx-api/internal/bids"
	"github.com/ksred/landx-api/internal/charges"
	"github.com/ksred/landx-api/internal/database"
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
	store   *database.Store
	metrics *metrics.Metrics
}

func NewService(store *database.Store, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		metrics: m,
	}
}

// FindInTx returns the stored result for scope, or nil
func FindInTx(tx *gorm.DB, scope types.Scope) (*MatchingResult, error) {
	var row MatchingResult
	err := tx.Where("workflow = ? AND project_id = ? AND t = ?", scope.Workflow, scope.ProjectID, scope.T).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load matching result: %w", err)
	}
	return &row, nil
}

// ComputeInTx returns the stored result for the round or computes and
// stores it. The caller must hold the scope lock.
func (s *Service) ComputeInTx(tx *gorm.DB, scope types.Scope) (*MatchingResult, bool, error) {
	logger := log.With().
		Str("workflow", scope.Workflow.String()).
		Str("project_id", scope.ProjectID).
		Int("t", scope.T).
		Str("service", "matching").
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

	asks, err := bids.LockedAsksInTx(tx, scope)
	if err != nil {
		return nil, false, err
	}
	quotes, err := bids.LockedQuotesInTx(tx, scope)
	if err != nil {
		return nil, false, err
	}

	row := &MatchingResult{
		MatchingID: "MTC_" + uuid.New().String(),
		Workflow:   scope.Workflow,
		ProjectID:  scope.ProjectID,
		T:          scope.T,
		RoundID:    rnd.RoundID,
		Status:     StatusComputed,
	}

	notes := map[string]any{}
	charge := decimal.Zero
	if scope.Workflow == types.WorkflowSubsidized {
		resolved, err := charges.ResolveGCUInTx(tx, scope)
		if err != nil {
			return nil, false, err
		}
		charge = resolved.Value
		row.Charge = decimal.NewNullDecimal(charge)
		notes["rule"] = "min(ask.total_ask_inr + gcu) vs max(quote.qbundle_inr)"
		notes["gcu"] = charge.String()
		notes["gcu_source"] = resolved.Source
		notes["tiebreak"] = "id asc"
	} else {
		notes["rule"] = "min(ask.total_ask_inr) vs max(quote.qbundle_inr)"
		notes["tiebreak"] = "id asc"
	}

	// the charge is constant per round, so the cheapest ask stays cheapest
	if len(asks) == 0 {
		notes["reason"] = "no_locked_asks_with_total"
	} else {
		row.SelectedAskID = asks[0].BidID
		row.MinAsk = asks[0].Total
		row.EffectiveAsk = decimal.NewNullDecimal(asks[0].Total.Decimal.Add(charge))
	}
	if len(quotes) == 0 {
		notes["reason_quote"] = "no_locked_quotes_with_qbundle"
	} else {
		row.SelectedQuoteID = quotes[0].BidID
		row.MaxQuote = quotes[0].QBundle
	}

	if row.EffectiveAsk.Valid && row.MaxQuote.Valid {
		row.Matched = row.MaxQuote.Decimal.GreaterThanOrEqual(row.EffectiveAsk.Decimal)
		if scope.Workflow == types.WorkflowSubsidized {
			notes["condition"] = "max_quote_inr >= min_ask_total_inr + gcu"
		} else {
			notes["condition"] = "max_quote_inr >= min_ask_total_inr"
		}
	}

	logger.Debug().
		Int("locked_asks", len(asks)).
		Int("locked_quotes", len(quotes)).
		Str("selected_ask", row.SelectedAskID).
		Str("selected_quote", row.SelectedQuoteID).
		Msg("matching candidates selected")

	b, err := json.Marshal(notes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode matching notes: %w", err)
	}
	row.Notes = datatypes.JSON(b)

	if err := tx.Create(row).Error; err != nil {
		logger.Error().Err(err).Msg("failed to store matching result")
		return nil, false, fmt.Errorf("failed to store matching result: %w", err)
	}

	stored, err := FindInTx(tx, scope)
	if err != nil {
		return nil, false, err
	}

	logger.Info().
		Bool("matched", stored.Matched).
		Str("matching_id", stored.MatchingID).
		Msg("matching result computed")
	return stored, true, nil
}

// ComputeOrGet computes the round's matching result once; later calls
// return the stored row unchanged.
func (s *Service) ComputeOrGet(ctx context.Context, p policy.Principal, scope types.Scope) (*MatchingResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Authorize(p, scope.Workflow, policy.ActionRunEngines); err != nil {
		return nil, err
	}

	row, created, err := database.ComputeOnce(ctx, s.store, scope.Key(),
		func(tx *gorm.DB) (*MatchingResult, bool, error) {
			return s.ComputeInTx(tx, scope)
		},
		func(db *gorm.DB) (*MatchingResult, error) {
			return s.get(db, scope)
		},
	)
	if err != nil {
		return nil, err
	}
	s.metrics.ComputeResult("matching", outcome(created))
	return row, nil
}

func outcome(created bool) string {
	if created {
		return metrics.OutcomeComputed
	}
	return metrics.OutcomeExisting
}

func (s *Service) get(db *gorm.DB, scope types.Scope) (*MatchingResult, error) {
	row, err := FindInTx(db, scope)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, types.NotFound(fmt.Sprintf("matching result for round %d not found", scope.T))
	}
	return row, nil
}

// Get returns the stored matching result without computing
func (s *Service) Get(ctx context.Context, p policy.Principal, scope types.Scope) (*MatchingResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := policy.RequireWorkflow(p, scope.Workflow); err != nil {
		return nil, err
	}
	return s.get(s.store.DB.WithContext(ctx), scope)
}

// GinHandlers contains HTTP handlers for matching endpoints
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
