package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds process-scoped settings. It is built once at startup and
// handed to constructors; nothing in the core reads it globally.
type Config struct {
	Env                 string        `yaml:"env"                 envconfig:"ENV"`
	Debug               bool          `yaml:"debug"               envconfig:"DEBUG"`
	Port                string        `yaml:"port"                envconfig:"PORT"`
	DatabaseDriver      string        `yaml:"databaseDriver"      split_words:"true"`
	DatabaseDSN         string        `yaml:"databaseDsn"         envconfig:"DATABASE_DSN"`
	JWTSecret           string        `yaml:"jwtSecret"           envconfig:"JWT_SECRET"`
	TokenTTL            time.Duration `yaml:"tokenTtl"            envconfig:"TOKEN_TTL"`
	LockWaitTimeout     time.Duration `yaml:"lockWaitTimeout"     split_words:"true"`
	RateLimitCapacity   int           `yaml:"rateLimitCapacity"   split_words:"true"`
	RateLimitPerMinute  float64       `yaml:"rateLimitPerMinute"  split_words:"true"`
	IdempotencyTTL      time.Duration `yaml:"idempotencyTtl"      envconfig:"IDEMPOTENCY_TTL"`
	LedgerAuditInterval time.Duration `yaml:"ledgerAuditInterval" split_words:"true"`
	ShutdownTimeout     time.Duration `yaml:"shutdownTimeout"     split_words:"true"`
	Participants        []Participant `yaml:"participants"        ignored:"true"`
}

// Participant is an API credential pair bound to one exchange identity
type Participant struct {
	APIKey        string `yaml:"apiKey"`
	APISecret     string `yaml:"apiSecret"`
	ParticipantID string `yaml:"participantId"`
	Role          string `yaml:"role"`
	Workflow      string `yaml:"workflow"`
	DisplayName   string `yaml:"displayName"`
}

// Default returns the settings used when neither file nor environment override them
func Default() *Config {
	return &Config{
		Env:                 "development",
		Port:                "8080",
		DatabaseDriver:      DriverSQLite,
		DatabaseDSN:         "landx.db",
		JWTSecret:           "landx-secret-key",
		TokenTTL:            24 * time.Hour,
		LockWaitTimeout:     5 * time.Second,
		RateLimitCapacity:   10,
		RateLimitPerMinute:  10,
		IdempotencyTTL:      24 * time.Hour,
		LedgerAuditInterval: 5 * time.Minute,
		ShutdownTimeout:     5 * time.Second,
	}
}

// Load overlays an optional YAML file and then LANDX_* environment variables
// onto the defaults.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process("landx", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver: %q", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return errors.New("database dsn is required")
	}
	if c.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if c.LockWaitTimeout <= 0 {
		return errors.New("lock wait timeout must be positive")
	}
	if c.RateLimitCapacity <= 0 || c.RateLimitPerMinute <= 0 {
		return errors.New("rate limit capacity and refill must be positive")
	}
	if c.IdempotencyTTL <= 0 || c.LedgerAuditInterval <= 0 {
		return errors.New("idempotency ttl and ledger audit interval must be positive")
	}
	for i, p := range c.Participants {
		if p.APIKey == "" || p.APISecret == "" || p.ParticipantID == "" {
			return fmt.Errorf("participant %d needs apiKey, apiSecret and participantId", i)
		}
	}
	return nil
}

// IsProduction switches logging to structured JSON output
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DevParticipants are registered by non-production servers that configure
// no participants, so that local tooling can authenticate as every role.
func DevParticipants() []Participant {
	ids := []struct{ id, role string }{
		{"gov-1", "GOV_AUTHORITY"},
		{"audit-1", "AUDITOR"},
		{"buyer-1", "BUYER"},
		{"buyer-2", "BUYER"},
		{"buyer-3", "BUYER"},
		{"dev-1", "DEVELOPER"},
		{"dev-2", "DEVELOPER"},
		{"slum-1", "SLUM_DWELLER"},
	}
	out := make([]Participant, 0, len(ids))
	for _, p := range ids {
		out = append(out, Participant{
			APIKey:        p.id + "-key",
			APISecret:     p.id + "-secret",
			ParticipantID: p.id,
			Role:          p.role,
		})
	}
	return out
}
