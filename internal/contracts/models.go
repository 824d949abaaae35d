package contracts

import (
	"errors"
	"time"

	"github.com/ksred/landx-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ImmutabilityClause is recorded in every contract's obligations
const ImmutabilityClause = "append-only; new versions create new records"

var ErrImmutable = errors.New("contract records are append-only")

// ContractRecord is one version of a project's tokenized contract. A
// change of terms always produces a new version linked to its prior.
type ContractRecord struct {
	ID                     uint            `gorm:"primarykey" json:"-"`
	ContractID             string          `gorm:"uniqueIndex" json:"contract_id"`
	Workflow               types.Workflow  `gorm:"uniqueIndex:idx_contract_version,priority:1;not null" json:"workflow"`
	ProjectID              string          `gorm:"uniqueIndex:idx_contract_version,priority:2;not null" json:"project_id"`
	Version                int             `gorm:"uniqueIndex:idx_contract_version,priority:3;not null" json:"version"`
	T                      int             `json:"t"`
	PriorContractID        string          `json:"prior_contract_id,omitempty"`
	SettlementID           string          `gorm:"index" json:"settlement_id"`
	BuyerParticipantID     string          `json:"buyer_participant_id"`
	DeveloperParticipantID string          `json:"developer_participant_id"`
	SettlementPrice        decimal.Decimal `gorm:"type:numeric(20,2)" json:"settlement_price_inr"`
	OwnershipDetails       datatypes.JSON  `json:"ownership_details"`
	TransactionData        datatypes.JSON  `json:"transaction_data"`
	LegalObligations       datatypes.JSON  `json:"legal_obligations"`
	ContentHash            string          `gorm:"not null" json:"contract_hash"`
	CreatedAt              time.Time       `json:"created_at"`
}

func (c *ContractRecord) BeforeUpdate(tx *gorm.DB) error {
	return ErrImmutable
}

func (c *ContractRecord) BeforeDelete(tx *gorm.DB) error {
	return ErrImmutable
}

// Terms are the inputs of a contract version
type Terms struct {
	Scope                  types.Scope
	SettlementID           string
	BuyerParticipantID     string
	DeveloperParticipantID string
	SettlementPrice        decimal.Decimal
	Ownership              map[string]any
	Transaction            map[string]any
	Obligations            map[string]any
}

// BaseObligations returns the obligations section with no cascade events
func BaseObligations() map[string]any {
	return map[string]any{
		"default_penalty":                 nil,
		"buyer_compensatory_reallocation": nil,
		"developer_compensatory_transfer": nil,
		"immutability":                    ImmutabilityClause,
	}
}

// Migrate creates the contract table
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&ContractRecord{})
}
