package rounds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/metrics"
	"github.com/ksred/landx-api/internal/phase"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/types"
	"github.com/ksred/landx-api/pkg/middleware"
	"github.com/ksred/landx-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BidLocker freezes every bid of a round as part of the round lock
type BidLocker interface {
	LockAllInTx(tx *gorm.DB, scope types.Scope) (LockSummary, error)
}

type Service struct {
	store   *database.Store
	bids    BidLocker
	metrics *metrics.Metrics
}

func NewService(store *database.Store, bids BidLocker, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		bids:    bids,
		metrics: m,
	}
}

// GetInTx loads and row-locks the round at scope
func GetInTx(tx *gorm.DB, scope types.Scope) (*Round, error) {
	var rnd Round
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("workflow = ? AND project_id = ? AND t = ?", scope.Workflow, scope.ProjectID, scope.T).
		Take(&rnd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NotFound(fmt.Sprintf("round %d not found", scope.T))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load round: %w", err)
	}
	return &rnd, nil
}

// RequireLockedInTx loads the round and fails unless it is locked
func RequireLockedInTx(tx *gorm.DB, scope types.Scope) (*Round, error) {
	rnd, err := GetInTx(tx, scope)
	if err != nil {
		return nil, err
	}
	if !rnd.IsLocked {
		return nil, types.Conflict(fmt.Sprintf("round %d is not locked", scope.T))
	}
	return rnd, nil
}

// RequireMutableInTx loads the round and fails unless it accepts bids
func RequireMutableInTx(tx *gorm.DB, scope types.Scope) (*Round, error) {
	rnd, err := GetInTx(tx, scope)
	if err != nil {
		return nil, err
	}
	if rnd.IsLocked {
		return nil, types.Conflict("round is locked; bids are append-only, submit in the next round")
	}
	if !rnd.IsOpen {
		return nil, types.Conflict("round is not open for bid submissions")
	}
	return rnd, nil
}

func latestInTx(tx *gorm.DB, w types.Workflow, projectID string) (*Round, error) {
	var rnd Round
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("workflow = ? AND project_id = ?", w, projectID).
		Order("t DESC").
		Take(&rnd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest round: %w", err)
	}
	return &rnd, nil
}

func newRound(w types.Workflow, projectID string, t int) *Round {
	return &Round{
		RoundID:   "RND_" + uuid.New().String(),
		Workflow:  w,
		ProjectID: projectID,
		T:         t,
		State:     StateDraft,
	}
}

func openWindow(rnd *Round, window Window) {
	start := time.Now().UTC()
	if window.Start != nil {
		start = window.Start.UTC()
	}
	rnd.WindowStart = &start
	rnd.WindowEnd = window.End
	rnd.IsOpen = true
}

// Seed creates round 0 as an unopened draft. An existing project is left
// untouched and its latest round returned.
func (s *Service) Seed(ctx context.Context, p policy.Principal, w types.Workflow, projectID string) (*Round, error) {
	if err := (types.Scope{Workflow: w, ProjectID: projectID}).Validate(); err != nil {
		return nil, err
	}
	if err := policy.Authorize(p, w, policy.ActionManageRounds); err != nil {
		return nil, err
	}

	var result *Round
	err := s.store.WithExclusiveLock(ctx, types.ProjectKey(w, projectID), func(tx *gorm.DB) error {
		latest, err := latestInTx(tx, w, projectID)
		if err != nil {
			return err
		}
		if latest != nil {
			result = latest
			return nil
		}

		rnd := newRound(w, projectID, 0)
		if err := tx.Create(rnd).Error; err != nil {
			return fmt.Errorf("failed to seed round: %w", err)
		}
		result = rnd
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// OpenNext opens round 0, or round t+1 once round t is locked. At most one
// round per project is ever open and unlocked.
func (s *Service) OpenNext(ctx context.Context, p policy.Principal, w types.Workflow, projectID string, window Window) (*Round, error) {
	logger := log.With().
		Str("workflow", w.String()).
		Str("project_id", projectID).
		Str("service", "rounds").
		Logger()

	if err := (types.Scope{Workflow: w, ProjectID: projectID}).Validate(); err != nil {
		return nil, err
	}
	if err := policy.Authorize(p, w, policy.ActionManageRounds); err != nil {
		return nil, err
	}
	if window.Start != nil && window.End != nil && window.End.Before(*window.Start) {
		return nil, types.Invalid("window_end must not precede window_start")
	}

	var result *Round
	err := s.store.WithExclusiveLock(ctx, types.ProjectKey(w, projectID), func(tx *gorm.DB) error {
		if err := phase.RequireIn(tx, w, projectID, phase.DeveloperAskOpen, phase.BuyerBiddingOpen); err != nil {
			return err
		}

		latest, err := latestInTx(tx, w, projectID)
		if err != nil {
			return err
		}

		switch {
		case latest == nil:
			rnd := newRound(w, projectID, 0)
			openWindow(rnd, window)
			if err := tx.Create(rnd).Error; err != nil {
				return fmt.Errorf("failed to create round: %w", err)
			}
			result = rnd
			return nil

		case latest.T == 0 && latest.State == StateDraft && !latest.IsOpen && !latest.IsLocked:
			openWindow(latest, window)
			if err := tx.Save(latest).Error; err != nil {
				return fmt.Errorf("failed to open round: %w", err)
			}
			result = latest
			return nil

		case latest.IsOpen && !latest.IsLocked:
			return types.Conflict(fmt.Sprintf("round %d is still open", latest.T))

		case !latest.IsLocked:
			return types.Conflict(fmt.Sprintf("round %d must be locked before opening the next round", latest.T))
		}

		rnd := newRound(w, projectID, latest.T+1)
		openWindow(rnd, window)
		if err := tx.Create(rnd).Error; err != nil {
			return fmt.Errorf("failed to create round: %w", err)
		}
		result = rnd
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open round")
		return nil, err
	}

	s.metrics.RoundTransition("open", w.String())
	logger.Info().Int("t", result.T).Str("round_id", result.RoundID).Msg("round opened")
	return result, nil
}

// Close moves an open round to submitted
func (s *Service) Close(ctx context.Context, p policy.Principal, scope types.Scope) (*Round, error) {
	logger := log.With().
		Str("workflow", scope.Workflow.String()).
		Str("project_id", scope.ProjectID).
		Int("t", scope.T).
		Str("service", "rounds").
		Logger()

	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Authorize(p, scope.Workflow, policy.ActionManageRounds); err != nil {
		return nil, err
	}

	var result *Round
	err := s.store.WithExclusiveLock(ctx, scope.Key(), func(tx *gorm.DB) error {
		rnd, err := GetInTx(tx, scope)
		if err != nil {
			return err
		}
		if rnd.IsLocked {
			return types.Conflict("cannot close a locked round")
		}
		if !rnd.IsOpen {
			return types.Conflict("round is already closed")
		}

		now := time.Now().UTC()
		rnd.IsOpen = false
		rnd.State = StateSubmitted
		rnd.ClosedAt = &now
		if err := tx.Save(rnd).Error; err != nil {
			return fmt.Errorf("failed to close round: %w", err)
		}
		result = rnd
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to close round")
		return nil, err
	}

	s.metrics.RoundTransition("close", scope.Workflow.String())
	logger.Info().Msg("round closed")
	return result, nil
}

// Lock freezes a closed round together with every one of its bids. Locking
// an already locked round is a conflict.
func (s *Service) Lock(ctx context.Context, p policy.Principal, scope types.Scope) (*Round, error) {
	logger := log.With().
		Str("workflow", scope.Workflow.String()).
		Str("project_id", scope.ProjectID).
		Int("t", scope.T).
		Str("service", "rounds").
		Logger()

	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Authorize(p, scope.Workflow, policy.ActionManageRounds); err != nil {
		return nil, err
	}

	var (
		result  *Round
		summary LockSummary
	)
	err := s.store.WithExclusiveLock(ctx, scope.Key(), func(tx *gorm.DB) error {
		rnd, err := GetInTx(tx, scope)
		if err != nil {
			return err
		}
		if rnd.IsLocked {
			return types.Conflict(fmt.Sprintf("round %d is already locked", scope.T))
		}
		if rnd.IsOpen || rnd.State != StateSubmitted {
			return types.Conflict("round must be closed before locking")
		}

		summary, err = s.bids.LockAllInTx(tx, scope)
		if err != nil {
			return fmt.Errorf("failed to lock bids: %w", err)
		}

		now := time.Now().UTC()
		rnd.IsLocked = true
		rnd.State = StateLocked
		rnd.LockedAt = &now
		if err := tx.Save(rnd).Error; err != nil {
			return fmt.Errorf("failed to lock round: %w", err)
		}
		result = rnd
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to lock round")
		return nil, err
	}

	s.metrics.RoundTransition("lock", scope.Workflow.String())
	logger.Info().Interface("locked_bids", summary).Msg("round locked")
	return result, nil
}

// Get returns the round at scope
func (s *Service) Get(ctx context.Context, scope types.Scope) (*Round, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var rnd Round
	err := s.store.DB.WithContext(ctx).
		Where("workflow = ? AND project_id = ? AND t = ?", scope.Workflow, scope.ProjectID, scope.T).
		Take(&rnd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NotFound(fmt.Sprintf("round %d not found", scope.T))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load round: %w", err)
	}
	return &rnd, nil
}

// Latest returns the round with the highest t
func (s *Service) Latest(ctx context.Context, w types.Workflow, projectID string) (*Round, error) {
	rnd, err := latestInTx(s.store.DB.WithContext(ctx), w, projectID)
	if err != nil {
		return nil, err
	}
	if rnd == nil {
		return nil, types.NotFound("project has no rounds")
	}
	return rnd, nil
}

// List returns every round of the project in t order
func (s *Service) List(ctx context.Context, w types.Workflow, projectID string) ([]Round, error) {
	var out []Round
	if err := s.store.DB.WithContext(ctx).
		Where("workflow = ? AND project_id = ?", w, projectID).
		Order("t ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	return out, nil
}

// GinHandlers contains HTTP handlers for round endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) SeedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		project := middleware.GetProject(c)

		rnd, err := h.service.Seed(c.Request.Context(), middleware.GetPrincipal(c), project.Workflow, project.ProjectID)
		response.Handle(c, rnd, err)
	}
}

func (h *GinHandlers) OpenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		project := middleware.GetProject(c)

		var window Window
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&window); err != nil {
				response.BadRequest(c, "Invalid request body")
				return
			}
		}

		rnd, err := h.service.OpenNext(c.Request.Context(), middleware.GetPrincipal(c), project.Workflow, project.ProjectID, window)
		response.Handle(c, rnd, err)
	}
}

func (h *GinHandlers) CloseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rnd, err := h.service.Close(c.Request.Context(), middleware.GetPrincipal(c), middleware.GetScope(c))
		response.Handle(c, rnd, err)
	}
}

func (h *GinHandlers) LockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rnd, err := h.service.Lock(c.Request.Context(), middleware.GetPrincipal(c), middleware.GetScope(c))
		response.Handle(c, rnd, err)
	}
}

func (h *GinHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rnd, err := h.service.Get(c.Request.Context(), middleware.GetScope(c))
		response.Handle(c, rnd, err)
	}
}

func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		project := middleware.GetProject(c)

		list, err := h.service.List(c.Request.Context(), project.Workflow, project.ProjectID)
		response.Handle(c, list, err)
	}
}
