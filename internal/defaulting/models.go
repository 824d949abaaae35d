package defaulting

import (
	"errors"
	"time"

	"github.com/ksred/landx-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EnforcementPending = "pending"

	StatusComputed             = "computed"
	StatusNoEligibleBidders    = "no_reallocation_no_eligible_bidders"
	StatusInsufficientBidders  = "insufficient_bidders_for_new_second_price"
	StatusNoEligibleDevelopers = "no_transfer_no_eligible_developers"
	ActionNone                 = "none"
	ActionClampedToOriginal    = "clamped_to_original_bsecond"
	PenaltyFormula             = "Pconfiscation = bmax - bsecond"
	CompensatoryConstraint     = "bsecond,new <= bsecond"
)

var ErrImmutable = errors.New("cascade events are append-only")

// appendOnly refuses updates and deletes on the embedding model
type appendOnly struct{}

func (appendOnly) BeforeUpdate(*gorm.DB) error { return ErrImmutable }
func (appendOnly) BeforeDelete(*gorm.DB) error { return ErrImmutable }

// DefaultEvent records the winning buyer's default on a round
type DefaultEvent struct {
	appendOnly    `json:"-"`
	ID            uint           `gorm:"primarykey" json:"-"`
	EventID       string         `gorm:"uniqueIndex" json:"default_event_id"`
	Workflow      types.Workflow `gorm:"uniqueIndex:idx_default_scope,priority:1;not null" json:"workflow"`
	ProjectID     string         `gorm:"uniqueIndex:idx_default_scope,priority:2;not null" json:"project_id"`
	T             int            `gorm:"uniqueIndex:idx_default_scope,priority:3;not null" json:"t"`
	RoundID       string         `json:"round_id"`
	SettlementID  string         `json:"settlement_id"`
	WinnerQuoteID string         `json:"winner_quote_bid_id"`
	DeclaredBy    string         `json:"declared_by_participant_id"`
	Reason        string         `json:"reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// DeveloperDefaultEvent records the winning developer's default on a round
type DeveloperDefaultEvent struct {
	appendOnly   `json:"-"`
	ID           uint           `gorm:"primarykey" json:"-"`
	EventID      string         `gorm:"uniqueIndex" json:"developer_default_event_id"`
	Workflow     types.Workflow `gorm:"uniqueIndex:idx_developer_default_scope,priority:1;not null" json:"workflow"`
	ProjectID    string         `gorm:"uniqueIndex:idx_developer_default_scope,priority:2;not null" json:"project_id"`
	T            int            `gorm:"uniqueIndex:idx_developer_default_scope,priority:3;not null" json:"t"`
	RoundID      string         `json:"round_id"`
	SettlementID string         `json:"settlement_id"`
	WinningAskID string         `json:"winning_ask_bid_id"`
	DeclaredBy   string         `json:"declared_by_participant_id"`
	Reason       string         `json:"reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// PenaltyEvent is the confiscation owed by a defaulting winner
type PenaltyEvent struct {
	appendOnly         `json:"-"`
	ID                 uint            `gorm:"primarykey" json:"-"`
	EventID            string          `gorm:"uniqueIndex" json:"penalty_event_id"`
	Workflow           types.Workflow  `gorm:"uniqueIndex:idx_penalty_scope,priority:1;not null" json:"workflow"`
	ProjectID          string          `gorm:"uniqueIndex:idx_penalty_scope,priority:2;not null" json:"project_id"`
	T                  int             `gorm:"uniqueIndex:idx_penalty_scope,priority:3;not null" json:"t"`
	RoundID            string          `json:"round_id"`
	SettlementID       string          `json:"settlement_id"`
	DefaultEventID     string          `json:"default_event_id"`
	WinnerQuoteID      string          `json:"winner_quote_bid_id"`
	SecondPriceQuoteID string          `json:"second_price_quote_bid_id"`
	BMax               decimal.Decimal `gorm:"type:numeric(20,2)" json:"bmax_inr"`
	BSecond            decimal.Decimal `gorm:"type:numeric(20,2)" json:"bsecond_inr"`
	Penalty            decimal.Decimal `gorm:"type:numeric(20,2)" json:"penalty_inr"`
	EnforcementStatus  string          `json:"enforcement_status"`
	Notes              datatypes.JSON  `json:"notes"`
	CreatedAt          time.Time       `json:"created_at"`
}

// CompensatoryEvent reallocates a defaulted round to the remaining buyers
type CompensatoryEvent struct {
	appendOnly            `json:"-"`
	ID                    uint                `gorm:"primarykey" json:"-"`
	EventID               string              `gorm:"uniqueIndex" json:"compensatory_event_id"`
	Workflow              types.Workflow      `gorm:"uniqueIndex:idx_compensatory_scope,priority:1;not null" json:"workflow"`
	ProjectID             string              `gorm:"uniqueIndex:idx_compensatory_scope,priority:2;not null" json:"project_id"`
	T                     int                 `gorm:"uniqueIndex:idx_compensatory_scope,priority:3;not null" json:"t"`
	RoundID               string              `json:"round_id"`
	SettlementID          string              `json:"settlement_id"`
	DefaultEventID        string              `json:"default_event_id"`
	Status                string              `json:"status"`
	OriginalWinnerQuoteID string              `json:"original_winner_quote_bid_id"`
	OriginalSecondQuoteID string              `json:"original_second_quote_bid_id"`
	OriginalBSecond       decimal.Decimal     `gorm:"type:numeric(20,2)" json:"original_bsecond_inr"`
	NewWinnerQuoteID      string              `json:"new_winner_quote_bid_id,omitempty"`
	NewWinnerValue        decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"new_winner_qbundle_inr"`
	NewSecondQuoteID      string              `json:"new_second_quote_bid_id,omitempty"`
	BSecondNewRaw         decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"bsecond_new_raw_inr"`
	BSecondNewEnforced    decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"bsecond_new_enforced_inr"`
	EnforcementAction     string              `json:"enforcement_action"`
	Notes                 datatypes.JSON      `json:"notes"`
	CreatedAt             time.Time           `json:"created_at"`
}

// DeveloperCompensatoryEvent transfers a defaulted ask to the next developer
type DeveloperCompensatoryEvent struct {
	appendOnly              `json:"-"`
	ID                      uint                `gorm:"primarykey" json:"-"`
	EventID                 string              `gorm:"uniqueIndex" json:"developer_compensatory_event_id"`
	Workflow                types.Workflow      `gorm:"uniqueIndex:idx_developer_compensatory_scope,priority:1;not null" json:"workflow"`
	ProjectID               string              `gorm:"uniqueIndex:idx_developer_compensatory_scope,priority:2;not null" json:"project_id"`
	T                       int                 `gorm:"uniqueIndex:idx_developer_compensatory_scope,priority:3;not null" json:"t"`
	RoundID                 string              `json:"round_id"`
	SettlementID            string              `json:"settlement_id"`
	DeveloperDefaultEventID string              `json:"developer_default_event_id"`
	Status                  string              `json:"status"`
	OriginalWinningAskID    string              `json:"original_winning_ask_bid_id"`
	OriginalMinAsk          decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"original_min_ask_total_inr"`
	NewWinningAskID         string              `json:"new_winning_ask_bid_id,omitempty"`
	NewMinAsk               decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"new_min_ask_total_inr"`
	CompUnits               decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"compensatory_dcu_units"`
	CompPricePerUnit        decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"compensatory_ask_price_per_unit_inr"`
	Notes                   datatypes.JSON      `json:"notes"`
	CreatedAt               time.Time           `json:"created_at"`
}

// Cascade is every event recorded against one round
type Cascade struct {
	Default               *DefaultEvent               `json:"default_event"`
	DeveloperDefault      *DeveloperDefaultEvent      `json:"developer_default_event"`
	Penalty               *PenaltyEvent               `json:"penalty_event"`
	Compensatory          *CompensatoryEvent          `json:"compensatory_event"`
	DeveloperCompensatory *DeveloperCompensatoryEvent `json:"developer_compensatory_event"`
}

type DeclareRequest struct {
	Reason string `json:"reason"`
}

// Migrate creates the cascade tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&DefaultEvent{},
		&DeveloperDefaultEvent{},
		&PenaltyEvent{},
		&CompensatoryEvent{},
		&DeveloperCompensatoryEvent{},
	)
}
