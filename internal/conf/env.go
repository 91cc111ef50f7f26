// env.go - environment variable configuration and validation
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envPrefix is prepended to every automatically bound variable
const envPrefix = "SEARCH"

// envBinding holds metadata for environment variable bindings
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns explicit environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "SEARCH_DEBUG", validateEnvBool},
		{"logging.default_level", "SEARCH_LOG_LEVEL", validateEnvLogLevel},

		{"webserver.port", "SEARCH_PORT", validateEnvPort},

		{"database.driver", "SEARCH_DB_DRIVER", validateEnvDriver},
		{"database.sqlite.path", "SEARCH_SQLITE_PATH", nil},
		{"database.mysql.host", "SEARCH_MYSQL_HOST", nil},
		{"database.mysql.port", "SEARCH_MYSQL_PORT", validateEnvPort},
		{"database.mysql.username", "SEARCH_MYSQL_USERNAME", nil},
		{"database.mysql.password", "SEARCH_MYSQL_PASSWORD", nil},
		{"database.mysql.database", "SEARCH_MYSQL_DATABASE", nil},

		{"sentry.enabled", "SEARCH_SENTRY_ENABLED", validateEnvBool},
		{"sentry.dsn", "SEARCH_SENTRY_DSN", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation
func bindEnvVars() error {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var warnings []string
	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate == nil {
			continue
		}
		if envValue := os.Getenv(binding.EnvVar); envValue != "" {
			if err := binding.Validate(envValue); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value '%s': %v", binding.EnvVar, envValue, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true/false, 1/0, t/f")
	}
	return nil
}

func validateEnvPort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("port must be numeric: %w", err)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

func validateEnvDriver(value string) error {
	switch value {
	case DriverSQLite, DriverMySQL:
		return nil
	default:
		return fmt.Errorf("driver must be %q or %q", DriverSQLite, DriverMySQL)
	}
}

func validateEnvLogLevel(value string) error {
	switch strings.ToLower(value) {
	case "trace", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level")
	}
}
