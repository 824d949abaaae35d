package matching

import (
	"time"

	"github.com/ksred/landx-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const StatusComputed = "computed"

// MatchingResult is the stored outcome of matching one locked round
type MatchingResult struct {
	ID              uint                `gorm:"primarykey" json:"-"`
	MatchingID      string              `gorm:"uniqueIndex" json:"matching_id"`
	Workflow        types.Workflow      `gorm:"uniqueIndex:idx_matching_scope,priority:1;not null" json:"workflow"`
	ProjectID       string              `gorm:"uniqueIndex:idx_matching_scope,priority:2;not null" json:"project_id"`
	T               int                 `gorm:"uniqueIndex:idx_matching_scope,priority:3;not null" json:"t"`
	RoundID         string              `gorm:"index" json:"round_id"`
	Status          string              `json:"status"`
	Matched         bool                `json:"matched"`
	SelectedAskID   string              `json:"selected_ask_bid_id,omitempty"`
	SelectedQuoteID string              `json:"selected_quote_bid_id,omitempty"`
	MinAsk          decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"min_ask_total_inr"`
	MaxQuote        decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"max_quote_inr"`
	Charge          decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"charge_inr"`
	EffectiveAsk    decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"effective_ask_inr"`
	Notes           datatypes.JSON      `json:"notes"`
	CreatedAt       time.Time           `json:"created_at"`
}

// Migrate creates the matching table
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&MatchingResult{})
}
