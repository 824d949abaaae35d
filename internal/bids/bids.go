package bids

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/landx-api/internal/canonical"
	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/phase"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/rounds"
	"github.com/ksred/landx-api/internal/types"
	"github.com/ksred/landx-api/pkg/middleware"
	"github.com/ksred/landx-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	store *database.Store
}

func NewService(store *database.Store) *Service {
	return &Service{store: store}
}

// SaveDraft stores payload as the caller's draft bid for the round
func (s *Service) SaveDraft(ctx context.Context, p policy.Principal, scope types.Scope, payload Payload) (*Bid, error) {
	return s.put(ctx, p, scope, payload, false)
}

// Submit stores payload as the caller's submitted bid for the round
func (s *Service) Submit(ctx context.Context, p policy.Principal, scope types.Scope, payload Payload) (*Bid, error) {
	return s.put(ctx, p, scope, payload, true)
}

func (s *Service) put(ctx context.Context, p policy.Principal, scope types.Scope, payload Payload, submit bool) (*Bid, error) {
	logger := log.With().
		Str("workflow", scope.Workflow.String()).
		Str("project_id", scope.ProjectID).
		Int("t", scope.T).
		Str("participant_id", p.ParticipantID).
		Str("kind", string(payload.Kind())).
		Str("service", "bids").
		Logger()

	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Authorize(p, scope.Workflow, payload.action()); err != nil {
		return nil, err
	}
	if err := payload.validate(p, scope.Workflow); err != nil {
		return nil, err
	}

	body, err := canonical.Marshal(payload)
	if err != nil {
		return nil, types.Invalid(fmt.Sprintf("payload is not serializable: %v", err))
	}

	var result *Bid
	err = s.store.WithExclusiveLock(ctx, scope.Key(), func(tx *gorm.DB) error {
		if err := phase.Gate(tx, scope.Workflow, scope.ProjectID, payload.action()); err != nil {
			return err
		}

		existing, err := findInTx(tx, payload.Kind(), scope, p.ParticipantID)
		if err != nil {
			return err
		}
		if existing != nil && existing.State == StateLocked {
			return types.Conflict("bid is locked and can no longer be changed")
		}

		rnd, err := rounds.RequireMutableInTx(tx, scope)
		if err != nil {
			return err
		}

		bid := existing
		if bid == nil {
			bid = &Bid{
				BidID:         "BID_" + uuid.New().String(),
				Kind:          payload.Kind(),
				Workflow:      scope.Workflow,
				ProjectID:     scope.ProjectID,
				T:             scope.T,
				ParticipantID: p.ParticipantID,
				RoundID:       rnd.RoundID,
			}
		}

		bid.Payload = datatypes.JSON(body)
		payload.project(bid)
		bid.State = StateDraft
		bid.SubmittedAt = nil
		if submit {
			now := time.Now().UTC()
			bid.State = StateSubmitted
			bid.SubmittedAt = &now
		}

		if err := tx.Save(bid).Error; err != nil {
			return fmt.Errorf("failed to save bid: %w", err)
		}
		result = bid
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to store bid")
		return nil, err
	}

	logger.Info().
		Str("bid_id", result.BidID).
		Str("state", result.State).
		Msg("bid stored")
	return result, nil
}

func findInTx(tx *gorm.DB, kind Kind, scope types.Scope, participantID string) (*Bid, error) {
	var bid Bid
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("kind = ? AND workflow = ? AND project_id = ? AND t = ? AND participant_id = ?",
			kind, scope.Workflow, scope.ProjectID, scope.T, participantID).
		Take(&bid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bid: %w", err)
	}
	return &bid, nil
}

// Signature is the canonical digest frozen into a bid when its round locks
func Signature(b *Bid) (string, error) {
	return canonical.Hash(map[string]any{
		"workflow":       b.Workflow,
		"project_id":     b.ProjectID,
		"t":              b.T,
		"participant_id": b.ParticipantID,
		"payload":        json.RawMessage(b.Payload),
	})
}

// LockAllInTx signs and locks every bid of the round that is not yet
// locked, drafts included.
func (s *Service) LockAllInTx(tx *gorm.DB, scope types.Scope) (rounds.LockSummary, error) {
	var pending []Bid
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("workflow = ? AND project_id = ? AND t = ? AND state <> ?",
			scope.Workflow, scope.ProjectID, scope.T, StateLocked).
		Order("id ASC").
		Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("failed to load bids to lock: %w", err)
	}

	summary := rounds.LockSummary{
		string(KindQuote):      0,
		string(KindAsk):        0,
		string(KindPreference): 0,
	}
	now := time.Now().UTC()
	for i := range pending {
		b := &pending[i]
		sig, err := Signature(b)
		if err != nil {
			return nil, fmt.Errorf("failed to sign bid %s: %w", b.BidID, err)
		}
		if err := tx.Model(b).Updates(map[string]any{
			"signature_hash": sig,
			"state":          StateLocked,
			"locked_at":      now,
		}).Error; err != nil {
			return nil, fmt.Errorf("failed to lock bid %s: %w", b.BidID, err)
		}
		summary[string(b.Kind)]++
	}
	return summary, nil
}

func listInTx(tx *gorm.DB, kind Kind, scope types.Scope, lockedOnly bool) ([]Bid, error) {
	q := tx.Where("kind = ? AND workflow = ? AND project_id = ? AND t = ?",
		kind, scope.Workflow, scope.ProjectID, scope.T)
	if lockedOnly {
		q = q.Where("state = ?", StateLocked)
	}
	var out []Bid
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	return out, nil
}

// LockedAsksInTx returns the locked asks carrying a total, cheapest first
// and ties broken by ascending bid id
func LockedAsksInTx(tx *gorm.DB, scope types.Scope) ([]Bid, error) {
	all, err := listInTx(tx, KindAsk, scope, true)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, b := range all {
		if b.Total.Valid {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Total.Decimal.Cmp(out[j].Total.Decimal); c != 0 {
			return c < 0
		}
		return out[i].BidID < out[j].BidID
	})
	return out, nil
}

// LockedQuotesInTx returns the locked quotes carrying a bundle value,
// highest first and ties broken by ascending bid id
func LockedQuotesInTx(tx *gorm.DB, scope types.Scope) ([]Bid, error) {
	all, err := listInTx(tx, KindQuote, scope, true)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, b := range all {
		if b.QBundle.Valid {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].QBundle.Decimal.Cmp(out[j].QBundle.Decimal); c != 0 {
			return c > 0
		}
		return out[i].BidID < out[j].BidID
	})
	return out, nil
}

// GetInTx loads a bid by its business id
func GetInTx(tx *gorm.DB, bidID string) (*Bid, error) {
	var bid Bid
	err := tx.Where("bid_id = ?", bidID).Take(&bid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NotFound(fmt.Sprintf("bid %s not found", bidID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bid: %w", err)
	}
	return &bid, nil
}

// Mine returns the caller's own bids for the round
func (s *Service) Mine(ctx context.Context, p policy.Principal, scope types.Scope) ([]Bid, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if p.ParticipantID == "" {
		return nil, types.Denied("unauthenticated principal")
	}
	if err := policy.RequireWorkflow(p, scope.Workflow); err != nil {
		return nil, err
	}

	var out []Bid
	if err := s.store.DB.WithContext(ctx).
		Where("workflow = ? AND project_id = ? AND t = ? AND participant_id = ?",
			scope.Workflow, scope.ProjectID, scope.T, p.ParticipantID).
		Order("kind ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	return out, nil
}

// GinHandlers contains HTTP handlers for bid endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// PutHandler stores a bid of kind; ?action=draft saves without submitting
func (h *GinHandlers) PutHandler(kind Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		payload, err := DecodePayload(kind, body)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		principal := middleware.GetPrincipal(c)
		scope := middleware.GetScope(c)

		var bid *Bid
		switch c.DefaultQuery("action", "submit") {
		case "draft", "save":
			bid, err = h.service.SaveDraft(c.Request.Context(), principal, scope, payload)
		case "submit":
			bid, err = h.service.Submit(c.Request.Context(), principal, scope, payload)
		default:
			response.BadRequest(c, "action must be draft or submit")
			return
		}
		response.Handle(c, bid, err)
	}
}

func (h *GinHandlers) MineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := h.service.Mine(c.Request.Context(), middleware.GetPrincipal(c), middleware.GetScope(c))
		response.Handle(c, list, err)
	}
}
