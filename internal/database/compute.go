package database

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ComputeOnce runs compute under the exclusive lock for key. compute must
// return the stored row when one exists (created=false) and otherwise
// insert and return a new one. If a writer outside this process wins the
// unique insert, the result resolves to that writer's row.
func ComputeOnce[T any](
	ctx context.Context,
	s *Store,
	key string,
	compute func(tx *gorm.DB) (row *T, created bool, err error),
	reread func(db *gorm.DB) (*T, error),
) (*T, bool, error) {
	var (
		out     *T
		created bool
	)
	err := s.WithExclusiveLock(ctx, key, func(tx *gorm.DB) error {
		var err error
		out, created, err = compute(tx)
		return err
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		row, rerr := reread(s.DB.WithContext(ctx))
		if rerr != nil {
			return nil, false, err
		}
		return row, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}
