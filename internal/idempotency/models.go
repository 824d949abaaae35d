package idempotency

import (
	"time"

	"github.com/ksred/landx-api/internal/types"
	"gorm.io/gorm"
)

// HeaderKey is the request header that carries the client's idempotency key
const HeaderKey = "Idempotency-Key"

// Record is the stored response of one idempotent write
type Record struct {
	ID             uint           `gorm:"primarykey" json:"-"`
	Workflow       types.Workflow `gorm:"uniqueIndex:idx_idempotency_key,priority:1;not null" json:"workflow"`
	ProjectID      string         `gorm:"uniqueIndex:idx_idempotency_key,priority:2;not null" json:"project_id"`
	ParticipantID  string         `gorm:"uniqueIndex:idx_idempotency_key,priority:3;not null" json:"participant_id"`
	Endpoint       string         `gorm:"uniqueIndex:idx_idempotency_key,priority:4;not null" json:"endpoint"`
	Key            string         `gorm:"column:idem_key;uniqueIndex:idx_idempotency_key,priority:5;not null" json:"key"`
	RequestHash    string         `gorm:"not null" json:"request_hash"`
	ResponseStatus int            `json:"response_status"`
	ResponseBody   []byte         `json:"-"`
	ExpiresAt      time.Time      `gorm:"index" json:"expires_at"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (Record) TableName() string {
	return "idempotency_records"
}

// Key identifies one idempotent write
type Key struct {
	Workflow      types.Workflow
	ProjectID     string
	ParticipantID string
	Endpoint      string
	Key           string
}

func (k Key) lockKey() string {
	return "idem:" + string(k.Workflow) + ":" + k.ProjectID + ":" + k.ParticipantID + ":" + k.Endpoint + ":" + k.Key
}

// Migrate creates the idempotency table
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{})
}
