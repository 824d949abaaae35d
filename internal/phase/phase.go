package phase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/types"
	"github.com/ksred/landx-api/pkg/middleware"
	"github.com/ksred/landx-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// submissionPhase is the phase in which each bid action is accepted
var submissionPhase = map[policy.Action]Phase{
	policy.ActionSubmitAsk:         DeveloperAskOpen,
	policy.ActionSubmitQuote:       BuyerBiddingOpen,
	policy.ActionSubmitPreferences: PreferencesCollected,
}

type Service struct {
	store *database.Store
}

func NewService(store *database.Store) *Service {
	return &Service{store: store}
}

func active(tx *gorm.DB, projectID string) (*ClearlandPhase, error) {
	var row ClearlandPhase
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("project_id = ? AND effective_to IS NULL", projectID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active phase: %w", err)
	}
	return &row, nil
}

// Transition moves the project one step forward. Requesting the current
// phase is a no-op; skipping or reversing is a conflict.
func (s *Service) Transition(ctx context.Context, p policy.Principal, projectID string, target Phase, notes string) (*ClearlandPhase, error) {
	logger := log.With().
		Str("project_id", projectID).
		Str("target_phase", string(target)).
		Str("service", "phase").
		Logger()

	if err := policy.Authorize(p, types.WorkflowClearland, policy.ActionManagePhase); err != nil {
		return nil, err
	}
	if projectID == "" {
		return nil, types.Invalid("project_id is required")
	}
	if !target.Valid() {
		return nil, types.Invalid(fmt.Sprintf("unknown phase %q", target))
	}

	var result *ClearlandPhase
	err := s.store.WithExclusiveLock(ctx, types.ProjectKey(types.WorkflowClearland, projectID), func(tx *gorm.DB) error {
		current, err := active(tx, projectID)
		if err != nil {
			return err
		}

		switch {
		case current == nil && target != Init:
			return types.Conflict(fmt.Sprintf("project has no phase; first transition must be to %s", Init))
		case current != nil && current.Phase == target:
			result = current
			return nil
		case current != nil:
			next, ok := current.Phase.Next()
			if !ok || next != target {
				return types.Conflict(fmt.Sprintf("invalid phase transition %s -> %s", current.Phase, target))
			}
		}

		now := time.Now().UTC()
		if current != nil {
			if err := tx.Model(current).Update("effective_to", now).Error; err != nil {
				return fmt.Errorf("failed to close current phase: %w", err)
			}
		}

		row := &ClearlandPhase{
			PhaseID:       "PHS_" + uuid.New().String(),
			ProjectID:     projectID,
			Phase:         target,
			EffectiveFrom: now,
			CreatedBy:     p.ParticipantID,
			Notes:         notes,
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("failed to insert phase: %w", err)
		}
		result = row
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("phase transition failed")
		return nil, err
	}

	logger.Info().Str("phase", string(result.Phase)).Msg("phase transition applied")
	return result, nil
}

// Current returns the active phase of the project
func (s *Service) Current(ctx context.Context, projectID string) (*ClearlandPhase, error) {
	row, err := active(s.store.DB.WithContext(ctx), projectID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, types.NotFound("clearland phase not initialized for project")
	}
	return row, nil
}

// History returns every phase row of the project, oldest first
func (s *Service) History(ctx context.Context, projectID string) ([]ClearlandPhase, error) {
	var rows []ClearlandPhase
	if err := s.store.DB.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("effective_from ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load phase history: %w", err)
	}
	return rows, nil
}

// Gate checks that the project's phase accepts action. Workflows other than
// clearland are not gated.
func Gate(tx *gorm.DB, w types.Workflow, projectID string, action policy.Action) error {
	if w != types.WorkflowClearland {
		return nil
	}
	want, ok := submissionPhase[action]
	if !ok {
		return nil
	}
	return RequireIn(tx, w, projectID, want)
}

// RequireIn fails with a conflict unless the clearland project is in one of phases
func RequireIn(tx *gorm.DB, w types.Workflow, projectID string, phases ...Phase) error {
	if w != types.WorkflowClearland {
		return nil
	}
	current, err := active(tx, projectID)
	if err != nil {
		return err
	}
	if current == nil {
		return types.Conflict("clearland phase not initialized for project")
	}
	for _, ph := range phases {
		if current.Phase == ph {
			return nil
		}
	}
	return types.Conflict(fmt.Sprintf("clearland phase %s does not allow this operation (need one of %v)", current.Phase, phases))
}

// GinHandlers contains HTTP handlers for phase endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func requireClearland(c *gin.Context) (types.Scope, bool) {
	project := middleware.GetProject(c)
	if project.Workflow != types.WorkflowClearland {
		response.Handle(c, nil, types.Invalid("phase gate applies to the clearland workflow only"))
		return project, false
	}
	return project, true
}

func (h *GinHandlers) TransitionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := requireClearland(c)
		if !ok {
			return
		}

		var req TransitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		row, err := h.service.Transition(c.Request.Context(), middleware.GetPrincipal(c), project.ProjectID, req.TargetPhase, req.Notes)
		response.Handle(c, row, err)
	}
}

func (h *GinHandlers) CurrentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := requireClearland(c)
		if !ok {
			return
		}

		row, err := h.service.Current(c.Request.Context(), project.ProjectID)
		response.Handle(c, row, err)
	}
}

func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := requireClearland(c)
		if !ok {
			return
		}

		rows, err := h.service.History(c.Request.Context(), project.ProjectID)
		response.Handle(c, rows, err)
	}
}
