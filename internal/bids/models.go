package bids

import (
	"time"

	"github.com/ksred/landx-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Kind tags which side of the market a bid belongs to
type Kind string

const (
	KindQuote      Kind = "quote"
	KindAsk        Kind = "ask"
	KindPreference Kind = "preference"
)

func (k Kind) Valid() bool {
	return k == KindQuote || k == KindAsk || k == KindPreference
}

const (
	StateDraft     = "draft"
	StateSubmitted = "submitted"
	StateLocked    = "locked"
)

// Bid is one participant's quote, ask or preference for a round. The
// payload is stored canonically; money fields are also projected into
// typed columns for the engines.
type Bid struct {
	ID            uint           `gorm:"primarykey" json:"-"`
	BidID         string         `gorm:"uniqueIndex" json:"bid_id"`
	Kind          Kind           `gorm:"uniqueIndex:idx_bid_scope,priority:1;not null" json:"kind"`
	Workflow      types.Workflow `gorm:"uniqueIndex:idx_bid_scope,priority:2;not null" json:"workflow"`
	ProjectID     string         `gorm:"uniqueIndex:idx_bid_scope,priority:3;not null" json:"project_id"`
	T             int            `gorm:"uniqueIndex:idx_bid_scope,priority:4;not null" json:"t"`
	ParticipantID string         `gorm:"uniqueIndex:idx_bid_scope,priority:5;not null" json:"participant_id"`
	RoundID       string         `gorm:"index" json:"round_id"`
	State         string         `gorm:"not null" json:"state"`
	Payload       datatypes.JSON `json:"payload"`
	SignatureHash string         `json:"signature_hash,omitempty"`

	// ask projection
	Units            decimal.NullDecimal `gorm:"type:numeric(24,4)" json:"dcu_units,omitempty"`
	PricePerUnit     decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"ask_price_per_unit_inr,omitempty"`
	Total            decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"total_ask_inr,omitempty"`
	CompUnits        decimal.NullDecimal `gorm:"type:numeric(24,4)" json:"compensatory_dcu_units,omitempty"`
	CompPricePerUnit decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"compensatory_ask_price_per_unit_inr,omitempty"`
	DeltaNextRound   decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"delta_ask_next_round_inr,omitempty"`

	// quote projection
	QBundle decimal.NullDecimal `gorm:"type:numeric(20,2)" json:"qbundle_inr,omitempty"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Scope returns the round address of the bid
func (b *Bid) Scope() types.Scope {
	return types.Scope{Workflow: b.Workflow, ProjectID: b.ProjectID, T: b.T}
}

// Migrate creates the bids table
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Bid{})
}
