package charges

import (
	"time"

	"github.com/ksred/landx-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ChargeType names a government charge component
type ChargeType string

const (
	ChargeGC  ChargeType = "GC"
	ChargeGCU ChargeType = "GCU"
)

func (c ChargeType) Valid() bool {
	return c == ChargeGC || c == ChargeGCU
}

const (
	SourceRoundOverride  = "round_override"
	SourcePublishedModel = "published_model"
)

// GovernmentCharge is a round-level override of a charge value
type GovernmentCharge struct {
	ID         uint            `gorm:"primarykey" json:"-"`
	ChargeID   string          `gorm:"uniqueIndex" json:"charge_id"`
	Workflow   types.Workflow  `gorm:"uniqueIndex:idx_charge_scope,priority:1;not null" json:"workflow"`
	ProjectID  string          `gorm:"uniqueIndex:idx_charge_scope,priority:2;not null" json:"project_id"`
	T          int             `gorm:"uniqueIndex:idx_charge_scope,priority:3;not null" json:"t"`
	ChargeType ChargeType      `gorm:"uniqueIndex:idx_charge_scope,priority:4;not null" json:"charge_type"`
	RoundID    string          `gorm:"index" json:"round_id"`
	Value      decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"value_inr"`
	SetBy      string          `json:"set_by"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// EconomicModel is a published project-wide default for the GCU charge
type EconomicModel struct {
	ID        uint            `gorm:"primarykey" json:"-"`
	ModelID   string          `gorm:"uniqueIndex" json:"model_id"`
	Workflow  types.Workflow  `gorm:"uniqueIndex:idx_model_version,priority:1;not null" json:"workflow"`
	ProjectID string          `gorm:"uniqueIndex:idx_model_version,priority:2;not null" json:"project_id"`
	Version   int             `gorm:"uniqueIndex:idx_model_version,priority:3;not null" json:"version"`
	GCU       decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"gcu_inr"`
	Published bool            `gorm:"not null" json:"published"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

// Resolved is the charge value an engine consumes, with its provenance
type Resolved struct {
	Value  decimal.Decimal `json:"value_inr"`
	Source string          `json:"source"`
	RefID  string          `json:"ref_id"`
}

type SetChargeRequest struct {
	ChargeType ChargeType      `json:"charge_type" binding:"required"`
	Value      decimal.Decimal `json:"value_inr"`
}

type PublishModelRequest struct {
	GCU decimal.Decimal `json:"gcu_inr"`
}

// Migrate creates the charge tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&GovernmentCharge{}, &EconomicModel{})
}
