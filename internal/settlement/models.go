package settlement

import (
	"time"

	"github.com/ksred/landx-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatusSettled       = "settled"
	StatusNoSettlement  = "no_settlement"
	StatusNoSecondPrice = "no_second_price"
)

// VickreyRule is recorded in every settlement receipt
const VickreyRule = "winner pays second-highest applicable price"

// SettlementResult is the Vickrey outcome of one locked round
type SettlementResult struct {
	ID                     uint                `gorm:"primarykey" json:"-"`
	SettlementID           string              `gorm:"uniqueIndex" json:"settlement_id"`
	MatchingID             string              `gorm:"index" json:"matching_id"`
	Workflow               types.Workflow      `gorm:"uniqueIndex:idx_settlement_scope,priority:1;not null" json:"workflow"`
	ProjectID              string              `gorm:"uniqueIndex:idx_settlement_scope,priority:2;not null" json:"project_id"`
	T                      int                 `gorm:"uniqueIndex:idx_settlement_scope,priority:3;not null" json:"t"`
	RoundID                string              `json:"round_id"`
	Status                 string              `gorm:"not null" json:"status"`
	Settled                bool                `json:"settled"`
	WinnerQuoteID          string              `json:"winner_quote_bid_id,omitempty"`
	WinningAskID           string              `json:"winning_ask_bid_id,omitempty"`
	SecondPriceQuoteID     string              `json:"second_price_quote_bid_id,omitempty"`
	BuyerParticipantID     string              `json:"buyer_participant_id,omitempty"`
	DeveloperParticipantID string              `json:"developer_participant_id,omitempty"`
	MaxQuote               decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"max_quote_inr"`
	SecondPrice            decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"second_price_inr"`
	MinAsk                 decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"min_ask_total_inr"`
	ContractID             string              `json:"contract_id,omitempty"`
	Receipt                datatypes.JSON      `json:"receipt"`
	CreatedAt              time.Time           `json:"created_at"`
}

func (r *SettlementResult) Scope() types.Scope {
	return types.Scope{Workflow: r.Workflow, ProjectID: r.ProjectID, T: r.T}
}

// Migrate creates the settlement table
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&SettlementResult{})
}
