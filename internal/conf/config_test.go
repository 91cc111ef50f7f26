package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-search/internal/errors"
)

// resetViper isolates each test from global viper and config file state
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	SetConfigFile("")
	t.Cleanup(func() {
		viper.Reset()
		SetConfigFile("")
	})
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadEmbeddedDefaults(t *testing.T) {
	resetViper(t)
	SetConfigFile(writeConfig(t, getDefaultConfig()))

	settings, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, settings.Database.Driver)
	assert.Equal(t, "cosine", settings.Search.Metric)
	assert.Equal(t, 500, settings.Search.MaxBulkIDs)
	assert.Equal(t, 0.25, settings.Search.UncertaintyLow)
	assert.Equal(t, 10*time.Minute, settings.Search.CacheTTL)
	assert.Equal(t, "info", settings.Logging.DefaultLevel)
	assert.Equal(t, "warn", settings.Logging.ModuleLevels["datastore"])
	assert.Same(t, settings, GetSettings())
}

func TestLoadAppliesDefaultsForMissingKeys(t *testing.T) {
	resetViper(t)
	SetConfigFile(writeConfig(t, "search:\n  easypositivek: 5\n"))

	settings, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, settings.Search.EasyPositiveK)
	assert.Equal(t, 20, settings.Search.BoundaryN)
	assert.Equal(t, "8080", settings.WebServer.Port)
	assert.Equal(t, 200*time.Millisecond, settings.Database.SlowQueryThreshold)
}

func TestEnvironmentOverrides(t *testing.T) {
	resetViper(t)
	t.Setenv("SEARCH_DB_DRIVER", "mysql")
	t.Setenv("SEARCH_MYSQL_HOST", "db.internal")
	t.Setenv("SEARCH_PORT", "9090")
	SetConfigFile(writeConfig(t, getDefaultConfig()))

	settings, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverMySQL, settings.Database.Driver)
	assert.Equal(t, "db.internal", settings.Database.MySQL.Host)
	assert.Equal(t, "9090", settings.WebServer.Port)
}

func TestSecretsResolvedFromEnvAndFile(t *testing.T) {
	resetViper(t)
	dsnFile := filepath.Join(t.TempDir(), "sentry_dsn")
	require.NoError(t, os.WriteFile(dsnFile, []byte("https://key@sentry.example/1\n"), 0o600))
	t.Setenv("SEARCH_TEST_DB_PASSWORD", "from-env")
	SetConfigFile(writeConfig(t, `
database:
  mysql:
    password: ${SEARCH_TEST_DB_PASSWORD}
sentry:
  dsnfile: `+dsnFile+`
`))

	settings, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", settings.Database.MySQL.Password)
	assert.Equal(t, "https://key@sentry.example/1", settings.Sentry.DSN)
}

func TestMissingSecretReferenceFailsLoad(t *testing.T) {
	resetViper(t)
	SetConfigFile(writeConfig(t, `
database:
  mysql:
    password: ${SEARCH_TEST_UNSET_PASSWORD}
`))

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
	assert.Contains(t, err.Error(), "SEARCH_TEST_UNSET_PASSWORD")
}

func TestInvalidEnvironmentValueFailsLoad(t *testing.T) {
	resetViper(t)
	t.Setenv("SEARCH_PORT", "not-a-port")
	SetConfigFile(writeConfig(t, getDefaultConfig()))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SEARCH_PORT")
}

func TestValidateSettingsAggregatesErrors(t *testing.T) {
	resetViper(t)
	SetConfigFile(writeConfig(t, `
database:
  driver: postgres
search:
  metric: manhattan
  uncertaintylow: 0.9
  uncertaintyhigh: 0.1
training:
  minsamples: 1
`))

	_, err := Load()
	require.Error(t, err)

	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 4)
}

func TestSaveYAMLConfigRoundTrip(t *testing.T) {
	resetViper(t)
	SetConfigFile(writeConfig(t, getDefaultConfig()))
	settings, err := Load()
	require.NoError(t, err)

	settings.Search.OthersP = 42
	out := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, SaveYAMLConfig(out, settings))

	resetViper(t)
	SetConfigFile(out)
	reloaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 42, reloaded.Search.OthersP)
}

func TestRedactedMasksSecrets(t *testing.T) {
	s := &Settings{}
	s.Database.MySQL.Password = "hunter2"
	s.Sentry.DSN = "https://key@sentry.example/1"

	out, err := s.Redacted()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "sentry.example")
	assert.Equal(t, "hunter2", s.Database.MySQL.Password)
}
