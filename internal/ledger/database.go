package ledger

import (
	"errors"

	"github.com/ksred/landx-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// tail returns the last entry of the chain, or nil for an empty chain
func tail(tx *gorm.DB, w types.Workflow, projectID string) (*LedgerEntry, error) {
	var entry LedgerEntry
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("workflow = ? AND project_id = ?", w, projectID).
		Order("seq DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func listEntries(db *gorm.DB, w types.Workflow, projectID string) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	if err := db.Where("workflow = ? AND project_id = ?", w, projectID).
		Order("seq ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ListEntries returns a chain in sequence order
func (d *Database) ListEntries(w types.Workflow, projectID string) ([]LedgerEntry, error) {
	return listEntries(d.db, w, projectID)
}

func (d *Database) GetEntry(entryID string) (*LedgerEntry, error) {
	var entry LedgerEntry
	if err := d.db.Where("entry_id = ?", entryID).First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListChains returns every (workflow, project) pair that has at least one entry
func (d *Database) ListChains() ([]Chain, error) {
	var chains []Chain
	if err := d.db.Model(&LedgerEntry{}).
		Distinct("workflow", "project_id").
		Order("workflow, project_id").
		Scan(&chains).Error; err != nil {
		return nil, err
	}
	return chains, nil
}
