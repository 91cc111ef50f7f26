// config.go: settings struct and functions to load and save the search engine configuration.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/secrets"
)

//go:embed config.yaml
var configFiles embed.FS

// MainSettings contains general node settings
type MainSettings struct {
	Name string `yaml:"name"` // name of this node, reported with telemetry events
}

// WebServerSettings contains settings for the HTTP API
type WebServerSettings struct {
	Enabled         bool          `yaml:"enabled"`
	Port            string        `yaml:"port"`
	BodyLimit       string        `yaml:"bodylimit"`       // echo body limit, e.g. "2M"
	RateLimit       float64       `yaml:"ratelimit"`       // requests per second per client, 0 disables
	RateBurst       int           `yaml:"rateburst"`       // burst allowance for the rate limiter
	CORSOrigins     []string      `yaml:"corsorigins"`     // allowed CORS origins
	ShutdownTimeout time.Duration `yaml:"shutdowntimeout"` // graceful shutdown deadline
}

// SQLiteSettings contains settings for the SQLite backend
type SQLiteSettings struct {
	Path string `yaml:"path"` // database file path, ":memory:" for ephemeral
}

// MySQLSettings contains settings for the MySQL backend
type MySQLSettings struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`     // may reference ${ENV_VAR}
	PasswordFile string `yaml:"passwordfile"` // secret file, takes precedence over password
	Database     string `yaml:"database"`
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
}

// DatabaseSettings selects and configures the relational store
type DatabaseSettings struct {
	Driver             string         `yaml:"driver"` // sqlite or mysql
	SQLite             SQLiteSettings `yaml:"sqlite"`
	MySQL              MySQLSettings  `yaml:"mysql"`
	SlowQueryThreshold time.Duration  `yaml:"slowquerythreshold"`
}

// SearchSettings holds default sampling parameters applied to new sessions
type SearchSettings struct {
	EasyPositiveK       int           `yaml:"easypositivek"`
	BoundaryN           int           `yaml:"boundaryn"`
	BoundaryM           int           `yaml:"boundarym"`
	OthersP             int           `yaml:"othersp"`
	Metric              string        `yaml:"metric"` // cosine or euclidean
	SimilarityThreshold float64       `yaml:"similaritythreshold"`
	SamplesPerIteration int           `yaml:"samplesperiteration"`
	UncertaintyLow      float64       `yaml:"uncertaintylow"`
	UncertaintyHigh     float64       `yaml:"uncertaintyhigh"`
	Workers             int           `yaml:"workers"`   // scoring goroutines, 0 uses GOMAXPROCS
	CacheTTL            time.Duration `yaml:"cachettl"`  // lifetime of decoded scope vectors
	MaxBulkIDs          int           `yaml:"maxbulkids"` // upper bound for bulk label/curate/review
	LabelRetries        int           `yaml:"labelretries"`
}

// TrainingSettings holds classifier training limits
type TrainingSettings struct {
	MinSamples       int    `yaml:"minsamples"` // minimum labeled examples before training starts
	DefaultModelType string `yaml:"defaultmodeltype"`
}

// InferenceSettings holds batch inference defaults
type InferenceSettings struct {
	DefaultBatchSize    int     `yaml:"defaultbatchsize"`
	MaxBatchSize        int     `yaml:"maxbatchsize"`
	ConfidenceThreshold float64 `yaml:"confidencethreshold"`
}

// JobSettings controls the background job runner
type JobSettings struct {
	ShutdownTimeout time.Duration `yaml:"shutdowntimeout"`
	RecoverOnStart  bool          `yaml:"recoveronstart"` // resume or fail interrupted jobs at startup
}

// SentrySettings configures optional error telemetry
type SentrySettings struct {
	Enabled          bool    `yaml:"enabled"`
	DSN              string  `yaml:"dsn"`     // may reference ${ENV_VAR}
	DSNFile          string  `yaml:"dsnfile"` // secret file, takes precedence over dsn
	Environment      string  `yaml:"environment"`
	SampleRate       float64 `yaml:"samplerate"`
	AttachStacktrace bool    `yaml:"attachstacktrace"`
}

// Settings is the root configuration
type Settings struct {
	Debug bool `yaml:"debug"`

	Main      MainSettings         `yaml:"main"`
	Logging   logger.LoggingConfig `yaml:"logging"`
	WebServer WebServerSettings    `yaml:"webserver"`
	Database  DatabaseSettings     `yaml:"database"`
	Search    SearchSettings       `yaml:"search"`
	Training  TrainingSettings     `yaml:"training"`
	Inference InferenceSettings    `yaml:"inference"`
	Jobs      JobSettings          `yaml:"jobs"`
	Sentry    SentrySettings       `yaml:"sentry"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
	configFile       string
)

// SetConfigFile forces Load to read a specific file instead of searching default paths.
func SetConfigFile(path string) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()
	configFile = path
}

// Load reads the configuration file and environment variables into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal-settings").
			Build()
	}

	if err := resolveSecrets(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "resolve-secrets").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// resolveSecrets replaces credential fields with values from secret files or
// environment references.
func resolveSecrets(settings *Settings) error {
	mysql := &settings.Database.MySQL
	password, err := secrets.Resolve(mysql.PasswordFile, mysql.Password)
	if err != nil {
		return fmt.Errorf("database.mysql.password: %w", err)
	}
	mysql.Password = password

	dsn, err := secrets.Resolve(settings.Sentry.DSNFile, settings.Sentry.DSN)
	if err != nil {
		return fmt.Errorf("sentry.dsn: %w", err)
	}
	settings.Sentry.DSN = dsn
	return nil
}

// initViper applies defaults, environment bindings and reads the configuration file.
func initViper() error {
	setDefaultConfig()

	if err := bindEnvVars(); err != nil {
		return err
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the embedded default config into dir and reads it back
func createDefaultConfig(dir string) error {
	configPath := filepath.Join(dir, "config.yaml")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(getDefaultConfig()), 0o600); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	viper.SetConfigFile(configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig reads the default configuration from the embedded config.yaml file.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		// embedded at build time; absence is a packaging error
		panic(fmt.Sprintf("embedded config.yaml missing: %v", err))
	}
	return string(data)
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SaveYAMLConfig writes settings to configPath atomically via a temp file and rename.
// Comments and ordering of an existing file are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}

// Redacted renders settings as YAML with secrets masked.
func (s *Settings) Redacted() ([]byte, error) {
	clone := *s
	if clone.Database.MySQL.Password != "" {
		clone.Database.MySQL.Password = "[REDACTED]"
	}
	if clone.Sentry.DSN != "" {
		clone.Sentry.DSN = "[REDACTED]"
	}
	return yaml.Marshal(&clone)
}
