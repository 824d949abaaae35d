package rounds

import (
	"time"

	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/types"
	"gorm.io/gorm"
)

const (
	StateDraft     = "draft"
	StateSubmitted = "submitted"
	StateLocked    = "locked"
)

// Round is one bidding cycle t of a project within a workflow
type Round struct {
	ID          uint           `gorm:"primarykey" json:"-"`
	RoundID     string         `gorm:"uniqueIndex" json:"round_id"`
	Workflow    types.Workflow `gorm:"uniqueIndex:idx_round_scope,priority:1;not null" json:"workflow"`
	ProjectID   string         `gorm:"uniqueIndex:idx_round_scope,priority:2;not null" json:"project_id"`
	T           int            `gorm:"uniqueIndex:idx_round_scope,priority:3;not null" json:"t"`
	State       string         `gorm:"not null" json:"state"` // draft, submitted, locked
	IsOpen      bool           `gorm:"not null" json:"is_open"`
	IsLocked    bool           `gorm:"not null" json:"is_locked"`
	WindowStart *time.Time     `json:"bidding_window_start,omitempty"`
	WindowEnd   *time.Time     `json:"bidding_window_end,omitempty"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
	LockedAt    *time.Time     `json:"locked_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Scope returns the address of the round
func (r *Round) Scope() types.Scope {
	return types.Scope{Workflow: r.Workflow, ProjectID: r.ProjectID, T: r.T}
}

// Window is the optional bidding window supplied when a round opens
type Window struct {
	Start *time.Time `json:"window_start"`
	End   *time.Time `json:"window_end"`
}

// LockSummary reports how many bids of each kind a round lock froze
type LockSummary map[string]int

// Migrate creates the rounds table and the one-open-round-per-project index
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Round{}); err != nil {
		return err
	}
	return database.CreatePartialUniqueIndex(db,
		"idx_round_single_open", "rounds",
		[]string{"workflow", "project_id"}, "is_open AND NOT is_locked")
}
