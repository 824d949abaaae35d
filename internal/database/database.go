package database

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ksred/landx-api/internal/config"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store bundles the gorm handle with the keyed locker that serializes
// writes per (workflow, project).
type Store struct {
	DB      *gorm.DB
	Locker  *Locker
	Dialect string
}

// NewStore opens the configured database. Schema creation is left to the
// migrations package so that domain packages can own their models.
func NewStore(cfg *config.Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DatabaseDSN)
	case config.DriverSQLite:
		dialector = sqlite.Open(sqliteDSN(cfg.DatabaseDSN))
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.DatabaseDriver)
	}

	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}
	if cfg.Debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	log.Info().
		Str("driver", cfg.DatabaseDriver).
		Msg("Database connection established")

	return &Store{
		DB:      db,
		Locker:  NewLocker(cfg.LockWaitTimeout),
		Dialect: cfg.DatabaseDriver,
	}, nil
}

// sqliteDSN makes every transaction take the write lock up front and wait
// for it instead of failing with SQLITE_BUSY.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_txlock") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=10000&_txlock=immediate&_foreign_keys=1"
}

// WithExclusiveLock runs fn inside a transaction while holding the keyed
// lock. The lock is acquired before the transaction begins and released
// after it commits or rolls back.
func (s *Store) WithExclusiveLock(ctx context.Context, key string, fn func(tx *gorm.DB) error) error {
	release, err := s.Locker.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	return s.DB.WithContext(ctx).Transaction(fn)
}

// IsPostgres reports whether row locks and partial indexes use postgres syntax
func (s *Store) IsPostgres() bool {
	return s.Dialect == config.DriverPostgres
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewTestStore opens a throwaway sqlite database under t.TempDir
func NewTestStore(t testing.TB) *Store {
	t.Helper()

	cfg := config.Default()
	cfg.DatabaseDSN = t.TempDir() + "/landx_test.db"

	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
