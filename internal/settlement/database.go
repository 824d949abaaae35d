package settlement

import (
	"errors"
	"fmt"

	"github.com/ksred/landx-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// FindInTx returns the round's settlement, or nil
func FindInTx(tx *gorm.DB, scope types.Scope) (*SettlementResult, error) {
	var row SettlementResult
	err := tx.Where("workflow = ? AND project_id = ? AND t = ?", scope.Workflow, scope.ProjectID, scope.T).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settlement: %w", err)
	}
	return &row, nil
}

// RequireInTx returns the round's settlement or a not-found error
func RequireInTx(tx *gorm.DB, scope types.Scope) (*SettlementResult, error) {
	row, err := FindInTx(tx, scope)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, types.NotFound(fmt.Sprintf("settlement for round %d not found", scope.T))
	}
	return row, nil
}

// LatestSettledInTx returns the project's most recent settled round
func LatestSettledInTx(tx *gorm.DB, w types.Workflow, projectID string) (*SettlementResult, error) {
	var row SettlementResult
	err := tx.Where("workflow = ? AND project_id = ? AND settled = ?", w, projectID, true).
		Order("t desc").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Conflict("project has no settled round")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest settlement: %w", err)
	}
	return &row, nil
}

func (d *Database) GetSettlement(scope types.Scope) (*SettlementResult, error) {
	return RequireInTx(d.db, scope)
}

func (d *Database) ListSettlements(w types.Workflow, projectID string) ([]SettlementResult, error) {
	var rows []SettlementResult
	if err := d.db.Where("workflow = ? AND project_id = ?", w, projectID).Order("t asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	return rows, nil
}
