package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/landx-api/internal/canonical"
	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/ledger"
	"github.com/ksred/landx-api/internal/policy"
	"github.com/ksred/landx-api/internal/types"
	"github.com/ksred/landx-api/pkg/middleware"
	"github.com/ksred/landx-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TermsSource assembles the current terms of a project's latest settled round
type TermsSource interface {
	TermsInTx(tx *gorm.DB, w types.Workflow, projectID string) (*Terms, error)
}

type Service struct {
	store  *database.Store
	ledger *ledger.Service
}

func NewService(store *database.Store, ledgerService *ledger.Service) *Service {
	return &Service{
		store:  store,
		ledger: ledgerService,
	}
}

// ContentHash is the sha256 of the canonical form of the three sections
func ContentHash(ownership, transaction, obligations any) (string, error) {
	return canonical.Hash(map[string]any{
		"ownership_details": ownership,
		"transaction_data":  transaction,
		"legal_obligations": obligations,
	})
}

func latestInTx(tx *gorm.DB, w types.Workflow, projectID string) (*ContractRecord, error) {
	var row ContractRecord
	err := tx.Where("workflow = ? AND project_id = ?", w, projectID).
		Order("version desc").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest contract: %w", err)
	}
	return &row, nil
}

func encode(section map[string]any) (datatypes.JSON, error) {
	b, err := canonical.Marshal(section)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// CreateInTx stores a new contract version for terms. The caller must hold
// the project lock and is responsible for the ledger entry.
func (s *Service) CreateInTx(tx *gorm.DB, terms *Terms) (*ContractRecord, error) {
	scope := terms.Scope
	prior, err := latestInTx(tx, scope.Workflow, scope.ProjectID)
	if err != nil {
		return nil, err
	}

	hash, err := ContentHash(terms.Ownership, terms.Transaction, terms.Obligations)
	if err != nil {
		return nil, fmt.Errorf("failed to hash contract: %w", err)
	}

	row := &ContractRecord{
		ContractID:             "CTR_" + uuid.New().String(),
		Workflow:               scope.Workflow,
		ProjectID:              scope.ProjectID,
		Version:                1,
		T:                      scope.T,
		SettlementID:           terms.SettlementID,
		BuyerParticipantID:     terms.BuyerParticipantID,
		DeveloperParticipantID: terms.DeveloperParticipantID,
		SettlementPrice:        terms.SettlementPrice,
		ContentHash:            hash,
	}
	if prior != nil {
		row.Version = prior.Version + 1
		row.PriorContractID = prior.ContractID
	}
	if row.OwnershipDetails, err = encode(terms.Ownership); err != nil {
		return nil, err
	}
	if row.TransactionData, err = encode(terms.Transaction); err != nil {
		return nil, err
	}
	if row.LegalObligations, err = encode(terms.Obligations); err != nil {
		return nil, err
	}

	if err := tx.Create(row).Error; err != nil {
		return nil, fmt.Errorf("failed to store contract: %w", err)
	}

	log.Info().
		Str("contract_id", row.ContractID).
		Int("version", row.Version).
		Str("workflow", scope.Workflow.String()).
		Str("project_id", scope.ProjectID).
		Str("service", "contracts").
		Msg("Contract version created")
	return row, nil
}

// Create issues a new contract version from the terms src reports for the
// project. When the terms are unchanged the latest version is returned.
func (s *Service) Create(ctx context.Context, p policy.Principal, w types.Workflow, projectID string, src TermsSource) (*ContractRecord, error) {
	logger := log.With().
		Str("workflow", w.String()).
		Str("project_id", projectID).
		Str("service", "contracts").
		Logger()

	if err := policy.Authorize(p, w, policy.ActionManageContracts); err != nil {
		return nil, err
	}

	var result *ContractRecord
	err := s.store.WithExclusiveLock(ctx, types.ProjectKey(w, projectID), func(tx *gorm.DB) error {
		terms, err := src.TermsInTx(tx, w, projectID)
		if err != nil {
			return err
		}

		latest, err := latestInTx(tx, w, projectID)
		if err != nil {
			return err
		}
		if latest != nil {
			hash, err := ContentHash(terms.Ownership, terms.Transaction, terms.Obligations)
			if err != nil {
				return fmt.Errorf("failed to hash contract: %w", err)
			}
			if hash == latest.ContentHash {
				result = latest
				return nil
			}
		}

		row, err := s.CreateInTx(tx, terms)
		if err != nil {
			return err
		}
		_, err = s.ledger.AppendInTx(tx, w, projectID, row.ContractID, ledger.EntryContractCreated, map[string]any{
			"entry_type":    ledger.EntryContractCreated,
			"contract_id":   row.ContractID,
			"contract_hash": row.ContentHash,
			"settlement_id": row.SettlementID,
			"round_t":       row.T,
			"version":       row.Version,
		})
		if err != nil {
			return err
		}
		result = row
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create contract")
		return nil, err
	}
	return result, nil
}

// List returns the project's contract versions, newest first
func (s *Service) List(ctx context.Context, p policy.Principal, w types.Workflow, projectID string) ([]ContractRecord, error) {
	if err := policy.RequireWorkflow(p, w); err != nil {
		return nil, err
	}
	var rows []ContractRecord
	err := s.store.DB.WithContext(ctx).
		Where("workflow = ? AND project_id = ?", w, projectID).
		Order("version desc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	return rows, nil
}

// Get returns one contract version scoped to its project
func (s *Service) Get(ctx context.Context, p policy.Principal, w types.Workflow, projectID, contractID string) (*ContractRecord, error) {
	if err := policy.RequireWorkflow(p, w); err != nil {
		return nil, err
	}
	var row ContractRecord
	err := s.store.DB.WithContext(ctx).
		Where("contract_id = ? AND workflow = ? AND project_id = ?", contractID, w, projectID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NotFound(fmt.Sprintf("contract %s not found", contractID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contract: %w", err)
	}
	return &row, nil
}

// Sections decodes the stored sections of a contract
func (c *ContractRecord) Sections() (ownership, transaction, obligations map[string]any, err error) {
	for _, pair := range []struct {
		raw datatypes.JSON
		dst *map[string]any
	}{
		{c.OwnershipDetails, &ownership},
		{c.TransactionData, &transaction},
		{c.LegalObligations, &obligations},
	} {
		if err = json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to decode contract section: %w", err)
		}
	}
	return ownership, transaction, obligations, nil
}

// GinHandlers contains HTTP handlers for contract endpoints
type GinHandlers struct {
	service *Service
	terms   TermsSource
}

func NewGinHandlers(service *Service, terms TermsSource) *GinHandlers {
	return &GinHandlers{
		service: service,
		terms:   terms,
	}
}

func (h *GinHandlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := middleware.GetProject(c)
		row, err := h.service.Create(c.Request.Context(), middleware.GetPrincipal(c), scope.Workflow, scope.ProjectID, h.terms)
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

func (h *GinHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := middleware.GetProject(c)
		row, err := h.service.Get(c.Request.Context(), middleware.GetPrincipal(c), scope.Workflow, scope.ProjectID, c.Param("contract_id"))
		response.Handle(c, row, err)
	}
}
