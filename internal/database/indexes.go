package database

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// CreatePartialUniqueIndex enforces uniqueness of cols only over rows that
// match where. The syntax is shared by sqlite and postgres.
func CreatePartialUniqueIndex(db *gorm.DB, name, table string, cols []string, where string) error {
	stmt := fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s) WHERE %s",
		name, table, strings.Join(cols, ", "), where,
	)
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("failed to create index %s: %w", name, err)
	}
	return nil
}
