package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, 10, cfg.RateLimitCapacity)
	assert.Equal(t, 5*time.Second, cfg.LockWaitTimeout)
}

func TestLoadFileThenEnv(t *testing.T) {
	yamlContent := `
port: "9000"
databaseDriver: sqlite
databaseDsn: "file-from-yaml.db"
lockWaitTimeout: 2s
rateLimitCapacity: 20
`
	tmpFile := filepath.Join(t.TempDir(), "landx.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(yamlContent), 0o644))

	t.Setenv("LANDX_DATABASE_DSN", "file-from-env.db")
	t.Setenv("LANDX_RATE_LIMIT_PER_MINUTE", "30")

	cfg, err := Load(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "file-from-env.db", cfg.DatabaseDSN)
	assert.Equal(t, 2*time.Second, cfg.LockWaitTimeout)
	assert.Equal(t, 20, cfg.RateLimitCapacity)
	assert.Equal(t, 30.0, cfg.RateLimitPerMinute)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Default()
	cfg.DatabaseDriver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.LockWaitTimeout = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadParticipants(t *testing.T) {
	yamlContent := `
participants:
  - apiKey: gov-key
    apiSecret: gov-secret
    participantId: gov-1
    role: GOV_AUTHORITY
  - apiKey: buyer-key
    apiSecret: ""
    participantId: buyer-1
    role: BUYER
`
	tmpFile := filepath.Join(t.TempDir(), "landx.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(yamlContent), 0o644))

	_, err := Load(tmpFile)
	assert.ErrorContains(t, err, "participant 1")

	cfg := Default()
	cfg.Participants = []Participant{{APIKey: "k", APISecret: "s", ParticipantID: "gov-1", Role: "GOV_AUTHORITY"}}
	assert.NoError(t, cfg.Validate())
}
