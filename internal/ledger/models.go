package ledger

import (
	"errors"
	"time"

	"github.com/ksred/landx-api/internal/types"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EntrySettlementExecuted = "SETTLEMENT_EXECUTED"
	EntryContractCreated    = "CONTRACT_CREATED"
)

var ErrImmutable = errors.New("ledger entries are append-only")

// LedgerEntry is one link of the per-(workflow, project) hash chain.
// It carries no UpdatedAt/DeletedAt: rows are never changed once written.
type LedgerEntry struct {
	ID         uint           `gorm:"primarykey" json:"-"`
	EntryID    string         `gorm:"uniqueIndex" json:"entry_id"`
	Workflow   types.Workflow `gorm:"uniqueIndex:idx_ledger_chain_seq,priority:1;not null" json:"workflow"`
	ProjectID  string         `gorm:"uniqueIndex:idx_ledger_chain_seq,priority:2;not null" json:"project_id"`
	Seq        int64          `gorm:"uniqueIndex:idx_ledger_chain_seq,priority:3;not null" json:"seq"`
	ContractID string         `gorm:"index" json:"contract_id,omitempty"`
	EntryType  string         `gorm:"not null" json:"entry_type"`
	PrevHash   string         `gorm:"size:64;not null" json:"prev_hash"`
	EntryHash  string         `gorm:"size:64;not null" json:"entry_hash"`
	Payload    datatypes.JSON `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

func (e *LedgerEntry) BeforeUpdate(tx *gorm.DB) error {
	return ErrImmutable
}

func (e *LedgerEntry) BeforeDelete(tx *gorm.DB) error {
	return ErrImmutable
}

// VerifyResult reports the outcome of replaying a chain from genesis
type VerifyResult struct {
	Workflow    types.Workflow `json:"workflow"`
	ProjectID   string         `json:"project_id"`
	Valid       bool           `json:"valid"`
	Entries     int            `json:"entries"`
	BrokenAtSeq int64          `json:"broken_at_seq,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// Chain identifies one ledger
type Chain struct {
	Workflow  types.Workflow
	ProjectID string
}

// Migrate creates the ledger tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&LedgerEntry{})
}
