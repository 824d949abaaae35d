package defaulting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/landx-api/internal/bids"
	"github.com/ksred/landx-api/internal/contracts"
	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/metrics"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/rounds"
	"github.com/ksred/landx-api/internal/settlement"
	"github.com/ksred/landx-api/internal/types"
	"github.com/ksred/landx-api/pkg/middleware"
	"github.com/ksred/landx-api/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	store      *database.Store
	settlement *settlement.Service
	metrics    *metrics.Metrics
}

func NewService(store *database.Store, settlementService *settlement.Service, m *metrics.Metrics) *Service {
	return &Service{
		store:      store,
		settlement: settlementService,
		metrics:    m,
	}
}

func findInTx[T any](tx *gorm.DB, scope types.Scope) (*T, error) {
	var row T
	err := tx.Where("workflow = ? AND project_id = ? AND t = ?", scope.Workflow, scope.ProjectID, scope.T).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cascade event: %w", err)
	}
	return &row, nil
}

func requireInTx[T any](tx *gorm.DB, scope types.Scope, what string) (*T, error) {
	row, err := findInTx[T](tx, scope)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, types.NotFound(fmt.Sprintf("%s for round %d not found", what, scope.T))
	}
	return row, nil
}

func notesJSON(notes map[string]any) (datatypes.JSON, error) {
	b, err := json.Marshal(notes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notes: %w", err)
	}
	return datatypes.JSON(b), nil
}

func scopeLogger(scope types.Scope, op string) zerolog.Logger {
	return log.With().
		Str("workflow", scope.Workflow.String()).
		Str("project_id", scope.ProjectID).
		Int("t", scope.T).
		Str("op", op).
		Str("service", "defaulting").
		Logger()
}

// run executes one compute-once cascade step under the scope lock
func run[T any](ctx context.Context, s *Service, p policy.Principal, scope types.Scope, action policy.Action, kind, what string, compute func(tx *gorm.DB) (*T, bool, error)) (*T, error) {
	logger := scopeLogger(scope, kind)

	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Authorize(p, scope.Workflow, action); err != nil {
		return nil, err
	}

	row, created, err := database.ComputeOnce(ctx, s.store, scope.Key(), compute,
		func(db *gorm.DB) (*T, error) {
			return requireInTx[T](db, scope, what)
		},
	)
	if err != nil {
		logger.Error().Err(err).Msg("cascade step failed")
		return nil, err
	}
	if created {
		s.metrics.ComputeResult(kind, metrics.OutcomeComputed)
		logger.Info().Msg("cascade event recorded")
	} else {
		s.metrics.ComputeResult(kind, metrics.OutcomeExisting)
	}
	return row, nil
}

// DeclareDefault records the winning buyer's default. The round is settled
// first if needed; a second declaration returns the first.
func (s *Service) DeclareDefault(ctx context.Context, p policy.Principal, scope types.Scope, reason string) (*DefaultEvent, error) {
	return run(ctx, s, p, scope, policy.ActionDeclareDefault, "default", "default event",
		func(tx *gorm.DB) (*DefaultEvent, bool, error) {
			rnd, err := rounds.RequireLockedInTx(tx, scope)
			if err != nil {
				return nil, false, err
			}
			stl, _, err := s.settlement.ComputeInTx(tx, scope)
			if err != nil {
				return nil, false, err
			}
			if !stl.Settled || stl.WinnerQuoteID == "" {
				return nil, false, types.Conflict("no winner exists; cannot declare default")
			}
			existing, err := findInTx[DefaultEvent](tx, scope)
			if err != nil || existing != nil {
				return existing, false, err
			}

			ev := &DefaultEvent{
				EventID:       "DEF_" + uuid.New().String(),
				Workflow:      scope.Workflow,
				ProjectID:     scope.ProjectID,
				T:             scope.T,
				RoundID:       rnd.RoundID,
				SettlementID:  stl.SettlementID,
				WinnerQuoteID: stl.WinnerQuoteID,
				DeclaredBy:    p.ParticipantID,
				Reason:        reason,
			}
			if err := tx.Create(ev).Error; err != nil {
				return nil, false, fmt.Errorf("failed to store default event: %w", err)
			}
			stored, err := requireInTx[DefaultEvent](tx, scope, "default event")
			return stored, err == nil, err
		})
}

// DeclareDeveloperDefault records the winning developer's default
func (s *Service) DeclareDeveloperDefault(ctx context.Context, p policy.Principal, scope types.Scope, reason string) (*DeveloperDefaultEvent, error) {
	return run(ctx, s, p, scope, policy.ActionDeclareDeveloperDefault, "developer_default", "developer default event",
		func(tx *gorm.DB) (*DeveloperDefaultEvent, bool, error) {
			rnd, err := rounds.RequireLockedInTx(tx, scope)
			if err != nil {
				return nil, false, err
			}
			stl, _, err := s.settlement.ComputeInTx(tx, scope)
			if err != nil {
				return nil, false, err
			}
			if !stl.Settled || stl.WinningAskID == "" {
				return nil, false, types.Conflict("no winning developer ask exists; cannot declare developer default")
			}
			existing, err := findInTx[DeveloperDefaultEvent](tx, scope)
			if err != nil || existing != nil {
				return existing, false, err
			}

			ev := &DeveloperDefaultEvent{
				EventID:      "DDF_" + uuid.New().String(),
				Workflow:     scope.Workflow,
				ProjectID:    scope.ProjectID,
				T:            scope.T,
				RoundID:      rnd.RoundID,
				SettlementID: stl.SettlementID,
				WinningAskID: stl.WinningAskID,
				DeclaredBy:   p.ParticipantID,
				Reason:       reason,
			}
			if err := tx.Create(ev).Error; err != nil {
				return nil, false, fmt.Errorf("failed to store developer default event: %w", err)
			}
			stored, err := requireInTx[DeveloperDefaultEvent](tx, scope, "developer default event")
			return stored, err == nil, err
		})
}

// ComputePenalty confiscates bmax - bsecond from the defaulting winner. Both
// operands are read from the stored settlement.
func (s *Service) ComputePenalty(ctx context.Context, p policy.Principal, scope types.Scope) (*PenaltyEvent, error) {
	return run(ctx, s, p, scope, policy.ActionRunEngines, "penalty", "penalty event",
		func(tx *gorm.DB) (*PenaltyEvent, bool, error) {
			existing, err := findInTx[PenaltyEvent](tx, scope)
			if err != nil || existing != nil {
				return existing, false, err
			}
			def, err := findInTx[DefaultEvent](tx, scope)
			if err != nil {
				return nil, false, err
			}
			if def == nil {
				return nil, false, types.Conflict("no default recorded; penalty not applicable")
			}
			stl, err := settlement.RequireInTx(tx, scope)
			if err != nil {
				return nil, false, err
			}
			if stl.WinnerQuoteID == "" || stl.SecondPriceQuoteID == "" || !stl.MaxQuote.Valid || !stl.SecondPrice.Valid {
				return nil, false, types.Conflict("settlement has no winner or second price; cannot compute penalty")
			}

			notes, err := notesJSON(map[string]any{
				"formula":        PenaltyFormula,
				"bmax_source":    "settlement.max_quote_inr",
				"bsecond_source": "settlement.second_price_inr",
			})
			if err != nil {
				return nil, false, err
			}
			ev := &PenaltyEvent{
				EventID:            "PEN_" + uuid.New().String(),
				Workflow:           scope.Workflow,
				ProjectID:          scope.ProjectID,
				T:                  scope.T,
				RoundID:            stl.RoundID,
				SettlementID:       stl.SettlementID,
				DefaultEventID:     def.EventID,
				WinnerQuoteID:      stl.WinnerQuoteID,
				SecondPriceQuoteID: stl.SecondPriceQuoteID,
				BMax:               stl.MaxQuote.Decimal,
				BSecond:            stl.SecondPrice.Decimal,
				Penalty:            stl.MaxQuote.Decimal.Sub(stl.SecondPrice.Decimal),
				EnforcementStatus:  EnforcementPending,
				Notes:              notes,
			}
			if err := tx.Create(ev).Error; err != nil {
				return nil, false, fmt.Errorf("failed to store penalty event: %w", err)
			}
			stored, err := requireInTx[PenaltyEvent](tx, scope, "penalty event")
			return stored, err == nil, err
		})
}

// ComputeCompensatory reallocates a defaulted round among the remaining
// locked quotes. The new second price never exceeds the original one.
func (s *Service) ComputeCompensatory(ctx context.Context, p policy.Principal, scope types.Scope) (*CompensatoryEvent, error) {
	return run(ctx, s, p, scope, policy.ActionRunEngines, "compensatory", "compensatory event",
		func(tx *gorm.DB) (*CompensatoryEvent, bool, error) {
			existing, err := findInTx[CompensatoryEvent](tx, scope)
			if err != nil || existing != nil {
				return existing, false, err
			}
			def, err := findInTx[DefaultEvent](tx, scope)
			if err != nil {
				return nil, false, err
			}
			if def == nil {
				return nil, false, types.Conflict("no default recorded; compensatory reallocation not applicable")
			}
			if _, err := rounds.RequireLockedInTx(tx, scope); err != nil {
				return nil, false, err
			}
			stl, err := settlement.RequireInTx(tx, scope)
			if err != nil {
				return nil, false, err
			}
			if stl.WinnerQuoteID == "" || stl.SecondPriceQuoteID == "" || !stl.SecondPrice.Valid {
				return nil, false, types.Conflict("settlement has no winner or second price; cannot enforce bsecond constraint")
			}
			original := stl.SecondPrice.Decimal

			quotes, err := bids.LockedQuotesInTx(tx, scope)
			if err != nil {
				return nil, false, err
			}
			eligible := make([]bids.Bid, 0, len(quotes))
			for _, q := range quotes {
				if q.BidID != stl.WinnerQuoteID {
					eligible = append(eligible, q)
				}
			}

			notes := map[string]any{
				"trigger":     "default_event",
				"constraint":  CompensatoryConstraint,
				"enforcement": "if bsecond,new > bsecond then set to bsecond",
				"original_sources": map[string]any{
					"winner_quote_bid_id":       stl.WinnerQuoteID,
					"second_price_quote_bid_id": stl.SecondPriceQuoteID,
					"bsecond_source":            "settlement.second_price_inr",
				},
			}
			ev := &CompensatoryEvent{
				EventID:               "CMP_" + uuid.New().String(),
				Workflow:              scope.Workflow,
				ProjectID:             scope.ProjectID,
				T:                     scope.T,
				RoundID:               stl.RoundID,
				SettlementID:          stl.SettlementID,
				DefaultEventID:        def.EventID,
				OriginalWinnerQuoteID: stl.WinnerQuoteID,
				OriginalSecondQuoteID: stl.SecondPriceQuoteID,
				OriginalBSecond:       original,
				EnforcementAction:     ActionNone,
			}

			switch len(eligible) {
			case 0:
				ev.Status = StatusNoEligibleBidders
				notes["result"] = "no_eligible_quotes"
			case 1:
				ev.Status = StatusInsufficientBidders
				ev.NewWinnerQuoteID = eligible[0].BidID
				ev.NewWinnerValue = eligible[0].QBundle
				notes["result"] = "only_one_eligible_quote_remaining"
			default:
				ev.Status = StatusComputed
				ev.NewWinnerQuoteID = eligible[0].BidID
				ev.NewWinnerValue = eligible[0].QBundle
				ev.NewSecondQuoteID = eligible[1].BidID
				raw := eligible[1].QBundle.Decimal
				enforced, action := ClampSecondPrice(raw, original)
				ev.EnforcementAction = action
				if action == ActionClampedToOriginal {
					notes["clamp"] = map[string]any{
						"bsecond_new_raw_inr":      raw.String(),
						"bsecond_original_inr":     original.String(),
						"bsecond_new_enforced_inr": enforced.String(),
					}
				}
				ev.BSecondNewRaw = decimal.NewNullDecimal(raw)
				ev.BSecondNewEnforced = decimal.NewNullDecimal(enforced)
			}

			if ev.Notes, err = notesJSON(notes); err != nil {
				return nil, false, err
			}
			if err := tx.Create(ev).Error; err != nil {
				return nil, false, fmt.Errorf("failed to store compensatory event: %w", err)
			}
			stored, err := requireInTx[CompensatoryEvent](tx, scope, "compensatory event")
			return stored, err == nil, err
		})
}

// ComputeDeveloperCompensatory transfers a defaulted ask to the cheapest
// remaining locked ask. The compensatory terms are the ones the original
// winning ask registered at submission.
func (s *Service) ComputeDeveloperCompensatory(ctx context.Context, p policy.Principal, scope types.Scope) (*DeveloperCompensatoryEvent, error) {
	return run(ctx, s, p, scope, policy.ActionRunEngines, "developer_compensatory", "developer compensatory event",
		func(tx *gorm.DB) (*DeveloperCompensatoryEvent, bool, error) {
			existing, err := findInTx[DeveloperCompensatoryEvent](tx, scope)
			if err != nil || existing != nil {
				return existing, false, err
			}
			def, err := findInTx[DeveloperDefaultEvent](tx, scope)
			if err != nil {
				return nil, false, err
			}
			if def == nil {
				return nil, false, types.Conflict("no developer default recorded; compensatory transfer not applicable")
			}
			if _, err := rounds.RequireLockedInTx(tx, scope); err != nil {
				return nil, false, err
			}
			stl, err := settlement.RequireInTx(tx, scope)
			if err != nil {
				return nil, false, err
			}
			if stl.WinningAskID == "" {
				return nil, false, types.Conflict("settlement has no winning developer ask")
			}
			original, err := bids.GetInTx(tx, stl.WinningAskID)
			if err != nil {
				return nil, false, err
			}

			asks, err := bids.LockedAsksInTx(tx, scope)
			if err != nil {
				return nil, false, err
			}
			var next *bids.Bid
			for i := range asks {
				if asks[i].BidID != original.BidID {
					next = &asks[i]
					break
				}
			}

			notes := map[string]any{
				"trigger":             "developer_default_event",
				"rule":                "transfer rights to the remaining locked ask with minimum total_ask_inr",
				"compensatory_terms":  "copied from the original winning ask",
				"original_ask_bid_id": original.BidID,
			}
			ev := &DeveloperCompensatoryEvent{
				EventID:                 "DCP_" + uuid.New().String(),
				Workflow:                scope.Workflow,
				ProjectID:               scope.ProjectID,
				T:                       scope.T,
				RoundID:                 stl.RoundID,
				SettlementID:            stl.SettlementID,
				DeveloperDefaultEventID: def.EventID,
				OriginalWinningAskID:    original.BidID,
				OriginalMinAsk:          original.Total,
				CompUnits:               original.CompUnits,
				CompPricePerUnit:        original.CompPricePerUnit,
			}
			if next == nil {
				ev.Status = StatusNoEligibleDevelopers
				notes["result"] = "no_other_locked_asks"
			} else {
				ev.Status = StatusComputed
				ev.NewWinningAskID = next.BidID
				ev.NewMinAsk = next.Total
			}

			if ev.Notes, err = notesJSON(notes); err != nil {
				return nil, false, err
			}
			if err := tx.Create(ev).Error; err != nil {
				return nil, false, fmt.Errorf("failed to store developer compensatory event: %w", err)
			}
			stored, err := requireInTx[DeveloperCompensatoryEvent](tx, scope, "developer compensatory event")
			return stored, err == nil, err
		})
}

func cascadeInTx(tx *gorm.DB, scope types.Scope) (*Cascade, error) {
	var (
		c   Cascade
		err error
	)
	if c.Default, err = findInTx[DefaultEvent](tx, scope); err != nil {
		return nil, err
	}
	if c.DeveloperDefault, err = findInTx[DeveloperDefaultEvent](tx, scope); err != nil {
		return nil, err
	}
	if c.Penalty, err = findInTx[PenaltyEvent](tx, scope); err != nil {
		return nil, err
	}
	if c.Compensatory, err = findInTx[CompensatoryEvent](tx, scope); err != nil {
		return nil, err
	}
	if c.DeveloperCompensatory, err = findInTx[DeveloperCompensatoryEvent](tx, scope); err != nil {
		return nil, err
	}
	return &c, nil
}

// ClampSecondPrice enforces bsecond,new <= bsecond on a reallocation
func ClampSecondPrice(raw, original decimal.Decimal) (decimal.Decimal, string) {
	if raw.GreaterThan(original) {
		return original, ActionClampedToOriginal
	}
	return raw, ActionNone
}

// Get returns every cascade event recorded for the round
func (s *Service) Get(ctx context.Context, p policy.Principal, scope types.Scope) (*Cascade, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := policy.RequireWorkflow(p, scope.Workflow); err != nil {
		return nil, err
	}
	return cascadeInTx(s.store.DB.WithContext(ctx), scope)
}

func optionalDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func optionalString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// TermsInTx builds contract terms for the project's latest settled round,
// with obligations from any cascade events recorded against it.
func (s *Service) TermsInTx(tx *gorm.DB, w types.Workflow, projectID string) (*contracts.Terms, error) {
	stl, err := settlement.LatestSettledInTx(tx, w, projectID)
	if err != nil {
		return nil, err
	}
	terms, err := settlement.ContractTerms(stl)
	if err != nil {
		return nil, err
	}
	c, err := cascadeInTx(tx, stl.Scope())
	if err != nil {
		return nil, err
	}

	if pen := c.Penalty; pen != nil {
		terms.Obligations["default_penalty"] = map[string]any{
			"penalty_event_id":   pen.EventID,
			"formula":            PenaltyFormula,
			"bmax_inr":           pen.BMax.String(),
			"bsecond_inr":        pen.BSecond.String(),
			"penalty_inr":        pen.Penalty.String(),
			"enforcement_status": pen.EnforcementStatus,
		}
	}
	if cmp := c.Compensatory; cmp != nil {
		terms.Obligations["buyer_compensatory_reallocation"] = map[string]any{
			"compensatory_event_id":    cmp.EventID,
			"status":                   cmp.Status,
			"constraint":               CompensatoryConstraint,
			"enforcement_action":       cmp.EnforcementAction,
			"bsecond_new_raw_inr":      optionalDecimal(cmp.BSecondNewRaw),
			"bsecond_new_enforced_inr": optionalDecimal(cmp.BSecondNewEnforced),
			"new_winner_quote_bid_id":  optionalString(cmp.NewWinnerQuoteID),
		}
	}
	if dev := c.DeveloperCompensatory; dev != nil {
		terms.Obligations["developer_compensatory_transfer"] = map[string]any{
			"developer_compensatory_event_id": dev.EventID,
			"status":                          dev.Status,
			"original_winning_ask_bid_id":     dev.OriginalWinningAskID,
			"new_winning_ask_bid_id":          optionalString(dev.NewWinningAskID),
			"compensatory_reference": map[string]any{
				"compensatory_dcu_units":              optionalDecimal(dev.CompUnits),
				"compensatory_ask_price_per_unit_inr": optionalDecimal(dev.CompPricePerUnit),
			},
		}
	}
	return terms, nil
}

// GinHandlers contains HTTP handlers for the default cascade
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func bindDeclare(c *gin.Context) (DeclareRequest, bool) {
	var req DeclareRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body")
		return req, false
	}
	return req, true
}

func (h *GinHandlers) DeclareDefaultHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindDeclare(c)
		if !ok {
			return
		}
		ev, err := h.service.DeclareDefault(c.Request.Context(), middleware.GetPrincipal(c), middleware.GetScope(c), req.Reason)
		response.Handle(c, ev, err)
	}
}

func (h *GinHandlers) DeclareDeveloperDefaultHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindDeclare(c)
		if !ok {
			return
		}
		ev, err := h.service.DeclareDeveloperDefault(c.Request.Context(), middleware.GetPrincipal(c), middleware.GetScope(c), req.Reason)
		response.Handle(c, ev, err)
	}
}

func (h *GinHandlers) PenaltyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ev, err := h.service.ComputePenalty(c.Request.Context(), middleware.GetPrincipal(c), middleware.GetScope(c))
		response.Handle(c, ev, err)
	}
}

func (h *GinHandlers) CompensatoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ev, err := h.service.ComputeCompensatory(c.Request.Context(), middleware.GetPrincipal(c), middleware.GetScope(c))
		response.Handle(c, ev, err)
	}
}

func (h *GinHandlers) DeveloperCompensatoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ev, err := h.service.ComputeDeveloperCompensatory(c.Request.Context(), middleware.GetPrincipal(c), middleware.GetScope(c))
		response.Handle(c, ev, err)
	}
}

func (h *GinHandlers) CascadeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cascade, err := h.service.Get(c.Request.Context(), middleware.GetPrincipal(c), middleware.GetScope(c))
		response.Handle(c, cascade, err)
	}
}
