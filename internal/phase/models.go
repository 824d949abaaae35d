package phase

import (
	"time"

	"github.com/ksred/landx-api/internal/database"
	"gorm.io/gorm"
)

// Phase is a step of the clearland project state machine
type Phase string

const (
	Init                 Phase = "INIT"
	DeveloperAskOpen     Phase = "DEVELOPER_ASK_OPEN"
	BuyerBiddingOpen     Phase = "BUYER_BIDDING_OPEN"
	PreferencesCollected Phase = "PREFERENCES_COLLECTED"
	Locked               Phase = "LOCKED"
	Settled              Phase = "SETTLED"
	Closed               Phase = "CLOSED"
)

// successor is the single allowed forward step from each phase
var successor = map[Phase]Phase{
	Init:                 DeveloperAskOpen,
	DeveloperAskOpen:     BuyerBiddingOpen,
	BuyerBiddingOpen:     PreferencesCollected,
	PreferencesCollected: Locked,
	Locked:               Settled,
	Settled:              Closed,
}

func (p Phase) Valid() bool {
	if p == Closed {
		return true
	}
	_, ok := successor[p]
	return ok
}

// Next returns the successor phase, false for the terminal phase
func (p Phase) Next() (Phase, bool) {
	n, ok := successor[p]
	return n, ok
}

// ClearlandPhase is one interval of a project's phase history. The active
// row is the one with no EffectiveTo.
type ClearlandPhase struct {
	ID            uint       `gorm:"primarykey" json:"-"`
	PhaseID       string     `gorm:"uniqueIndex" json:"phase_id"`
	ProjectID     string     `gorm:"index;not null" json:"project_id"`
	Phase         Phase      `gorm:"not null" json:"phase"`
	EffectiveFrom time.Time  `gorm:"not null" json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	CreatedBy     string     `json:"created_by"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TransitionRequest is the body of a phase transition call
type TransitionRequest struct {
	TargetPhase Phase  `json:"target_phase" binding:"required"`
	Notes       string `json:"notes"`
}

// Migrate creates the phase table and its one-active-row-per-project index
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ClearlandPhase{}); err != nil {
		return err
	}
	return database.CreatePartialUniqueIndex(db,
		"idx_clearland_phase_active", "clearland_phases",
		[]string{"project_id"}, "effective_to IS NULL")
}
