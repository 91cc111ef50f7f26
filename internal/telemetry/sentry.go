// Package telemetry wires optional Sentry error reporting into the error
// taxonomy. Only reportable categories reach Sentry; events are stripped of
// host and user data before sending.
package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/birdnet-search/internal/conf"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/privacy"
)

var log = logger.Global().Module("telemetry")

var (
	initMu      sync.Mutex
	initialized bool
)

// Init configures Sentry from settings and installs the error reporter.
// It is a no-op when Sentry is disabled. The returned flush function must be
// called before exit so queued events are delivered.
func Init(settings *conf.SentrySettings, release string) (func(time.Duration), error) {
	return initWithTransport(settings, release, nil)
}

func initWithTransport(settings *conf.SentrySettings, release string, transport sentry.Transport) (func(time.Duration), error) {
	noop := func(time.Duration) {}
	if settings == nil || !settings.Enabled {
		return noop, nil
	}
	if settings.DSN == "" {
		return noop, errors.Newf("sentry is enabled but no dsn is configured").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	initMu.Lock()
	defer initMu.Unlock()

	rate := settings.SampleRate
	if rate <= 0 {
		rate = 1.0
	}
	env := settings.Environment
	if env == "" {
		env = "production"
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.DSN,
		SampleRate:       rate,
		AttachStacktrace: settings.AttachStacktrace,
		Environment:      env,
		ServerName:       "",
		Release:          fmt.Sprintf("birdnet-search@%s", release),
		Transport:        transport,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return noop, fmt.Errorf("sentry initialization failed: %w", err)
	}

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	initialized = true
	log.Info("sentry error reporting enabled",
		logger.String("environment", env),
		logger.Float64("sample_rate", rate))

	return func(timeout time.Duration) {
		if !sentry.Flush(timeout) {
			log.Warn("sentry flush timed out", logger.Duration("timeout", timeout))
		}
	}, nil
}

// IsInitialized reports whether Init enabled Sentry in this process.
func IsInitialized() bool {
	initMu.Lock()
	defer initMu.Unlock()
	return initialized
}

// applyPrivacyFilters removes host and user identifying data from an event
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	event.Message = privacy.ScrubMessage(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = privacy.ScrubMessage(event.Exception[i].Value)
	}

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}

	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	return event
}
