package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Auditor periodically replays every chain and reports broken ones
type Auditor struct {
	service  *Service
	interval time.Duration

	mu     sync.Mutex
	broken map[Chain]VerifyResult
}

func NewAuditor(service *Service, interval time.Duration) *Auditor {
	return &Auditor{
		service:  service,
		interval: interval,
		broken:   make(map[Chain]VerifyResult),
	}
}

// Start runs the audit loop until ctx is cancelled
func (a *Auditor) Start(ctx context.Context) {
	logger := log.With().Str("component", "ledger_auditor").Logger()
	logger.Info().Dur("interval", a.interval).Msg("starting ledger auditor")

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down ledger auditor")
			return
		case <-ticker.C:
			if err := a.AuditOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to audit ledger chains")
			}
		}
	}
}

// AuditOnce verifies every chain once
func (a *Auditor) AuditOnce(ctx context.Context) error {
	logger := log.With().Str("component", "ledger_auditor").Logger()

	chains, err := a.service.db.ListChains()
	if err != nil {
		return err
	}

	logger.Debug().Int("chain_count", len(chains)).Msg("auditing ledger chains")

	broken := make(map[Chain]VerifyResult)
	for _, chain := range chains {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := a.service.VerifyChain(ctx, chain.Workflow, chain.ProjectID)
		if err != nil {
			logger.Error().
				Err(err).
				Str("workflow", chain.Workflow.String()).
				Str("project_id", chain.ProjectID).
				Msg("failed to verify chain")
			continue
		}
		if !result.Valid {
			broken[chain] = *result
		}
	}

	a.mu.Lock()
	a.broken = broken
	a.mu.Unlock()

	if len(broken) > 0 {
		logger.Warn().Int("broken_count", len(broken)).Msg("ledger audit found broken chains")
	}
	return nil
}

// Broken returns the chains that failed the most recent audit
func (a *Auditor) Broken() []VerifyResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]VerifyResult, 0, len(a.broken))
	for _, r := range a.broken {
		out = append(out, r)
	}
	return out
}
