package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yourorg/form4-ingest/internal/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingUserAgent(t *testing.T) {
	t.Setenv("SEC_USER_AGENT", "")

	cfg, err := LoadConfig("")

	require.Error(t, err)
	assert.Nil(t, cfg)
	var cfgErr *apperror.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Field, "UserAgent")
	assert.Contains(t, cfgErr.Message, "SEC_USER_AGENT")
}

func TestLoadConfigRejectsUserAgentWithoutEmail(t *testing.T) {
	t.Setenv("SEC_USER_AGENT", "Acme Research")

	_, err := LoadConfig("")

	require.Error(t, err)
	assert.True(t, apperror.IsConfiguration(err))
}

func TestLoadConfigRejectsExampleDomain(t *testing.T) {
	t.Setenv("SEC_USER_AGENT", "Acme Research ops@example.com")

	_, err := LoadConfig("")

	require.Error(t, err)
	assert.True(t, apperror.IsConfiguration(err))
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SEC_USER_AGENT", "Acme Research ops@acme.io")

	cfg, err := LoadConfig("does-not-exist.yaml")
	require.NoError(t, err)

	assert.Equal(t, "Acme Research ops@acme.io", cfg.SEC.UserAgent)
	assert.Equal(t, 10, cfg.SEC.RequestsPerSecond)
	assert.Equal(t, "https://data.sec.gov", cfg.SEC.DataBaseURL)
	assert.Equal(t, 30*time.Second, cfg.SEC.Timeout)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, 30, cfg.Scraper.DaysBack)
	assert.Equal(t, time.Second, cfg.Scraper.CompanyDelay)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfigFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: "9090"
database:
  driver: sqlite
  dsn: "file::memory:"
sec:
  userAgent: "Acme Research ops@acme.io"
  requestsPerSecond: 5
scraper:
  watchlist: ["MSFT", "AAPL"]
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("SERVER_PORT", "7070")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "file::memory:", cfg.Database.DatabaseDSN())
	assert.Equal(t, 5, cfg.SEC.RequestsPerSecond)
	assert.Equal(t, []string{"MSFT", "AAPL"}, cfg.Scraper.Watchlist)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsRateAboveSECCeiling(t *testing.T) {
	t.Setenv("SEC_USER_AGENT", "Acme Research ops@acme.io")
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	cfg.SEC.RequestsPerSecond = 25
	err = cfg.Validate()

	require.Error(t, err)
	assert.True(t, apperror.IsConfiguration(err))
}

func TestDatabaseDSNFromParts(t *testing.T) {
	d := DatabaseConfig{
		Driver:   "pgx",
		Host:     "db",
		Port:     "5432",
		User:     "form4",
		Password: "secret",
		DBName:   "form4",
		SSLMode:  "disable",
	}
	assert.Equal(t, "host=db port=5432 user=form4 password=secret dbname=form4 sslmode=disable", d.DatabaseDSN())
}
