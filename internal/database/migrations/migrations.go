package migrations

import (
	"fmt"

	"github.com/ksred/landx-api/internal/bids"
	"github.com/ksred/landx-api/internal/charges"
	"github.com/ksred/landx-api/internal/contracts"
	"github.com/ksred/landx-api/internal/defaulting"
	"github.com/ksred/landx-api/internal/idempotency"
	"github.com/ksred/landx-api/internal/ledger"
	"github.com/ksred/landx-api/internal/matching"
	"github.com/ksred/landx-api/internal/phase"
	"github.com/ksred/landx-api/internal/rounds"
	"github.com/ksred/landx-api/internal/settlement"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type step struct {
	name    string
	migrate func(*gorm.DB) error
}

var steps = []step{
	{"phase", phase.Migrate},
	{"rounds", rounds.Migrate},
	{"bids", bids.Migrate},
	{"charges", charges.Migrate},
	{"matching", matching.Migrate},
	{"settlement", settlement.Migrate},
	{"contracts", contracts.Migrate},
	{"defaulting", defaulting.Migrate},
	{"ledger", ledger.Migrate},
	{"idempotency", idempotency.Migrate},
}

// Run creates or updates every table and index the exchange uses
func Run(db *gorm.DB) error {
	for _, s := range steps {
		if err := s.migrate(db); err != nil {
			log.Error().Err(err).Str("step", s.name).Msg("Migration failed")
			return fmt.Errorf("failed to migrate %s: %w", s.name, err)
		}
	}
	log.Info().Int("steps", len(steps)).Msg("Database migrations completed")
	return nil
}
