package charges

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/rounds"
	"github.com/ksred/landx-api/internal/types"
	"github.com/ksred/landx-api/pkg/middleware"
	"github.com/ksred/landx-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	store *database.Store
}

func NewService(store *database.Store) *Service {
	return &Service{store: store}
}

// SetRoundCharge records a round-level override. Locked rounds are frozen.
func (s *Service) SetRoundCharge(ctx context.Context, p policy.Principal, scope types.Scope, chargeType ChargeType, value decimal.Decimal) (*GovernmentCharge, error) {
	logger := log.With().
		Str("workflow", scope.Workflow.String()).
		Str("project_id", scope.ProjectID).
		Int("t", scope.T).
		Str("charge_type", string(chargeType)).
		Str("service", "charges").
		Logger()

	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Authorize(p, scope.Workflow, policy.ActionManageCharges); err != nil {
		return nil, err
	}
	if !chargeType.Valid() {
		return nil, types.Invalid(fmt.Sprintf("unknown charge type %q", chargeType))
	}
	if value.IsNegative() {
		return nil, types.Invalid("charge value must be non-negative")
	}

	var result *GovernmentCharge
	err := s.store.WithExclusiveLock(ctx, scope.Key(), func(tx *gorm.DB) error {
		rnd, err := rounds.GetInTx(tx, scope)
		if err != nil {
			return err
		}
		if rnd.IsLocked {
			return types.Conflict("charges cannot change after the round is locked")
		}

		var charge GovernmentCharge
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("workflow = ? AND project_id = ? AND t = ? AND charge_type = ?",
				scope.Workflow, scope.ProjectID, scope.T, chargeType).
			Take(&charge).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			charge = GovernmentCharge{
				ChargeID:   "CHG_" + uuid.New().String(),
				Workflow:   scope.Workflow,
				ProjectID:  scope.ProjectID,
				T:          scope.T,
				ChargeType: chargeType,
				RoundID:    rnd.RoundID,
			}
		case err != nil:
			return fmt.Errorf("failed to load charge: %w", err)
		}

		charge.Value = value
		charge.SetBy = p.ParticipantID
		if err := tx.Save(&charge).Error; err != nil {
			return fmt.Errorf("failed to save charge: %w", err)
		}
		result = &charge
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to set round charge")
		return nil, err
	}

	logger.Info().Str("value_inr", value.String()).Msg("round charge set")
	return result, nil
}

// PublishModel publishes a new GCU default version and retires the previous one
func (s *Service) PublishModel(ctx context.Context, p policy.Principal, w types.Workflow, projectID string, gcu decimal.Decimal) (*EconomicModel, error) {
	if err := (types.Scope{Workflow: w, ProjectID: projectID}).Validate(); err != nil {
		return nil, err
	}
	if err := policy.Authorize(p, w, policy.ActionManageCharges); err != nil {
		return nil, err
	}
	if gcu.IsNegative() {
		return nil, types.Invalid("gcu must be non-negative")
	}

	var result *EconomicModel
	err := s.store.WithExclusiveLock(ctx, types.ProjectKey(w, projectID), func(tx *gorm.DB) error {
		var maxVersion int
		if err := tx.Model(&EconomicModel{}).
			Where("workflow = ? AND project_id = ?", w, projectID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return fmt.Errorf("failed to read model version: %w", err)
		}

		if err := tx.Model(&EconomicModel{}).
			Where("workflow = ? AND project_id = ? AND published = ?", w, projectID, true).
			Update("published", false).Error; err != nil {
			return fmt.Errorf("failed to retire model: %w", err)
		}

		model := &EconomicModel{
			ModelID:   "ECM_" + uuid.New().String(),
			Workflow:  w,
			ProjectID: projectID,
			Version:   maxVersion + 1,
			GCU:       gcu,
			Published: true,
			CreatedBy: p.ParticipantID,
		}
		if err := tx.Create(model).Error; err != nil {
			return fmt.Errorf("failed to publish model: %w", err)
		}
		result = model
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("workflow", w.String()).
		Str("project_id", projectID).
		Int("version", result.Version).
		Str("service", "charges").
		Msg("economic model published")
	return result, nil
}

// ResolveGCUInTx returns the round override if one exists, else the
// published model value. Having neither is a conflict.
func ResolveGCUInTx(tx *gorm.DB, scope types.Scope) (*Resolved, error) {
	var charge GovernmentCharge
	err := tx.Where("workflow = ? AND project_id = ? AND t = ? AND charge_type = ?",
		scope.Workflow, scope.ProjectID, scope.T, ChargeGCU).
		Take(&charge).Error
	if err == nil {
		return &Resolved{Value: charge.Value, Source: SourceRoundOverride, RefID: charge.ChargeID}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load round charge: %w", err)
	}

	var model EconomicModel
	err = tx.Where("workflow = ? AND project_id = ? AND published = ?", scope.Workflow, scope.ProjectID, true).
		Order("version DESC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Conflict("no GCU charge resolved: set a round charge or publish an economic model")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load economic model: %w", err)
	}
	return &Resolved{Value: model.GCU, Source: SourcePublishedModel, RefID: model.ModelID}, nil
}

// GinHandlers contains HTTP handlers for charge endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) SetRoundChargeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SetChargeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		charge, err := h.service.SetRoundCharge(c.Request.Context(), middleware.GetPrincipal(c), middleware.GetScope(c), req.ChargeType, req.Value)
		response.Handle(c, charge, err)
	}
}

func (h *GinHandlers) PublishModelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PublishModelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		project := middleware.GetProject(c)
		model, err := h.service.PublishModel(c.Request.Context(), middleware.GetPrincipal(c), project.Workflow, project.ProjectID, req.GCU)
		response.Handle(c, model, err)
	}
}
