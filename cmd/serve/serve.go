package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/birdnet-search/internal/api"
	"github.com/tphakala/birdnet-search/internal/app"
	"github.com/tphakala/birdnet-search/internal/buildinfo"
	"github.com/tphakala/birdnet-search/internal/conf"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/telemetry"
)

const sentryFlushTimeout = 2 * time.Second

// Command creates a new command that runs the HTTP API and job runner.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the search engine API",
		Long:  "Start the HTTP API, resume interrupted jobs and serve until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, settings)
		},
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the serve command.
func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("port", "", "Port for the HTTP API")
	cmd.Flags().Bool("recover", true, "Resolve jobs interrupted by a previous run before serving")

	if err := viper.BindPFlag("webserver.port", cmd.Flags().Lookup("port")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	if err := viper.BindPFlag("jobs.recoveronstart", cmd.Flags().Lookup("recover")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then drains running jobs.
func Run(ctx context.Context, settings *conf.Settings) error {
	log := logger.Global().Module("serve")

	flush, err := telemetry.Init(&settings.Sentry, buildinfo.Current().Version)
	if err != nil {
		return err
	}
	defer flush(sentryFlushTimeout)

	a, err := app.New(settings)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("shutdown incomplete", logger.Error(err))
		}
	}()

	if settings.Jobs.RecoverOnStart {
		if _, err := a.Recover(ctx); err != nil {
			log.Error("startup recovery failed", logger.Error(err))
		}
	}

	srv, err := api.New(settings, api.Services{
		Search:    a.Search,
		Training:  a.Trainer,
		Inference: a.Inference,
	}, api.WithMetrics(a.Metrics), api.WithDatabase(a.DB))
	if err != nil {
		return err
	}

	log.Info("starting search engine",
		logger.String("version", buildinfo.Current().Version),
		logger.String("database", a.DB.Dialect()))
	return srv.Run(ctx)
}
