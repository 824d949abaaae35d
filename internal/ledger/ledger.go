package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/landx-api/internal/canonical"
	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/metrics"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/types"
	"github.com/ksred/landx-api/pkg/middleware"
	"github.com/ksred/landx-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	store   *database.Store
	db      *Database
	metrics *metrics.Metrics
}

func NewService(store *database.Store, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		db:      NewDatabase(store.DB),
		metrics: m,
	}
}

// AppendInTx links a new entry onto the chain of (w, projectID). The caller
// must hold the scope lock for (w, projectID) and own tx.
func (s *Service) AppendInTx(tx *gorm.DB, w types.Workflow, projectID, contractID, entryType string, payload any) (*LedgerEntry, error) {
	logger := log.With().
		Str("workflow", w.String()).
		Str("project_id", projectID).
		Str("entry_type", entryType).
		Str("service", "ledger").
		Logger()

	last, err := tail(tx, w, projectID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read ledger tail")
		return nil, fmt.Errorf("failed to read ledger tail: %w", err)
	}

	prevHash := canonical.Genesis
	seq := int64(1)
	if last != nil {
		// Never extend a chain whose tip no longer matches its content
		expected, err := canonical.ChainHashRaw(last.PrevHash, last.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to rehash ledger tail: %w", err)
		}
		if expected != last.EntryHash {
			logger.Error().Int64("seq", last.Seq).Msg("ledger tail failed integrity check")
			s.metrics.LedgerVerifyFailure()
			return nil, types.Integrity(fmt.Sprintf("ledger tail seq %d does not match its hash", last.Seq))
		}
		prevHash = last.EntryHash
		seq = last.Seq + 1
	}

	body, err := canonical.Marshal(payload)
	if err != nil {
		return nil, types.Invalid(fmt.Sprintf("ledger payload is not serializable: %v", err))
	}
	entryHash, err := canonical.ChainHashRaw(prevHash, body)
	if err != nil {
		return nil, fmt.Errorf("failed to hash ledger entry: %w", err)
	}

	entry := &LedgerEntry{
		EntryID:    "LED_" + uuid.New().String(),
		Workflow:   w,
		ProjectID:  projectID,
		Seq:        seq,
		ContractID: contractID,
		EntryType:  entryType,
		PrevHash:   prevHash,
		EntryHash:  entryHash,
		Payload:    datatypes.JSON(body),
		CreatedAt:  time.Now().UTC(),
	}
	if err := tx.Create(entry).Error; err != nil {
		logger.Error().Err(err).Msg("failed to append ledger entry")
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	s.metrics.LedgerAppend(entryType)
	logger.Info().
		Int64("seq", seq).
		Str("entry_hash", entryHash).
		Msg("ledger entry appended")

	return entry, nil
}

// Append is AppendInTx under its own scope lock and transaction
func (s *Service) Append(ctx context.Context, w types.Workflow, projectID, contractID, entryType string, payload any) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := s.store.WithExclusiveLock(ctx, types.ProjectKey(w, projectID), func(tx *gorm.DB) error {
		var err error
		entry, err = s.AppendInTx(tx, w, projectID, contractID, entryType, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// List returns the chain in sequence order
func (s *Service) List(ctx context.Context, p policy.Principal, w types.Workflow, projectID string) ([]LedgerEntry, error) {
	if err := policy.Authorize(p, w, policy.ActionReadLedger); err != nil {
		return nil, err
	}
	entries, err := NewDatabase(s.store.DB.WithContext(ctx)).ListEntries(w, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

// Get returns one entry of the project's chain
func (s *Service) Get(ctx context.Context, p policy.Principal, w types.Workflow, projectID, entryID string) (*LedgerEntry, error) {
	if err := policy.Authorize(p, w, policy.ActionReadLedger); err != nil {
		return nil, err
	}
	entry, err := NewDatabase(s.store.DB.WithContext(ctx)).GetEntry(entryID)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && (entry.Workflow != w || entry.ProjectID != projectID)) {
		return nil, types.NotFound(fmt.Sprintf("ledger entry %s not found", entryID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entry: %w", err)
	}
	return entry, nil
}

// Verify replays the chain from genesis. A broken chain is reported in the
// result, never repaired.
func (s *Service) Verify(ctx context.Context, p policy.Principal, w types.Workflow, projectID string) (*VerifyResult, error) {
	if err := policy.Authorize(p, w, policy.ActionReadLedger); err != nil {
		return nil, err
	}
	return s.VerifyChain(ctx, w, projectID)
}

// VerifyChain is Verify without the caller check, for the auditor and CLI
func (s *Service) VerifyChain(ctx context.Context, w types.Workflow, projectID string) (*VerifyResult, error) {
	entries, err := NewDatabase(s.store.DB.WithContext(ctx)).ListEntries(w, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entries: %w", err)
	}

	result := Replay(entries)
	result.Workflow = w
	result.ProjectID = projectID

	if !result.Valid {
		s.metrics.LedgerVerifyFailure()
		log.Error().
			Str("workflow", w.String()).
			Str("project_id", projectID).
			Int64("broken_at_seq", result.BrokenAtSeq).
			Str("reason", result.Reason).
			Str("service", "ledger").
			Msg("ledger chain verification failed")
	}
	return result, nil
}

// Replay recomputes every link of entries, which must be in sequence order
func Replay(entries []LedgerEntry) *VerifyResult {
	result := &VerifyResult{Valid: true, Entries: len(entries)}

	prev := canonical.Genesis
	for i, e := range entries {
		fail := func(reason string) *VerifyResult {
			result.Valid = false
			result.BrokenAtSeq = e.Seq
			result.Reason = reason
			return result
		}

		if e.Seq != int64(i+1) {
			return fail(fmt.Sprintf("expected seq %d, found %d", i+1, e.Seq))
		}
		if e.PrevHash != prev {
			return fail("prev_hash does not match previous entry_hash")
		}
		computed, err := canonical.ChainHashRaw(e.PrevHash, e.Payload)
		if err != nil {
			return fail("payload is not valid JSON")
		}
		if computed != e.EntryHash {
			return fail("entry_hash does not match recomputed hash")
		}
		prev = e.EntryHash
	}
	return result
}

// GinHandlers contains HTTP handlers for ledger endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) ListEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		project := middleware.GetProject(c)

		entries, err := h.service.List(c.Request.Context(), middleware.GetPrincipal(c), project.Workflow, project.ProjectID)
		response.Handle(c, entries, err)
	}
}

func (h *GinHandlers) GetEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		project := middleware.GetProject(c)

		entry, err := h.service.Get(c.Request.Context(), middleware.GetPrincipal(c), project.Workflow, project.ProjectID, c.Param("entry_id"))
		response.Handle(c, entry, err)
	}
}

func (h *GinHandlers) VerifyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		project := middleware.GetProject(c)

		result, err := h.service.Verify(c.Request.Context(), middleware.GetPrincipal(c), project.Workflow, project.ProjectID)
		response.Handle(c, result, err)
	}
}
