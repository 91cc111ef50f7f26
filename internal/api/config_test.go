package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tphakala/birdnet-search/internal/conf"
)

func TestConfigFromSettings(t *testing.T) {
	cfg := ConfigFromSettings(&conf.Settings{WebServer: conf.WebServerSettings{
		Port:            "9090",
		BodyLimit:       "2M",
		RateLimit:       5,
		RateBurst:       10,
		CORSOrigins:     []string{"https://a.example"},
		ShutdownTimeout: 3 * time.Second,
	}})

	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "2M", cfg.BodyLimit)
	assert.InDelta(t, 5, cfg.RateLimit, 0)
	assert.Equal(t, 10, cfg.RateBurst)
	assert.Equal(t, []string{"https://a.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	cfg := ConfigFromSettings(&conf.Settings{})
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, DefaultBodyLimit, cfg.BodyLimit)
	assert.NoError(t, cfg.Validate())

	cfg.BodyLimit = "lots"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Port = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RateLimit = -1
	assert.Error(t, cfg.Validate())
}
