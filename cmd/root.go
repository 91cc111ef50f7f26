package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/birdnet-search/cmd/embeddings"
	"github.com/tphakala/birdnet-search/cmd/reconcile"
	"github.com/tphakala/birdnet-search/cmd/serve"
	"github.com/tphakala/birdnet-search/cmd/version"
	"github.com/tphakala/birdnet-search/internal/app"
	"github.com/tphakala/birdnet-search/internal/conf"
)

// RootCommand creates and returns the root command. settings is filled from
// the configuration file before any subcommand other than version runs.
func RootCommand(settings *conf.Settings) *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:           "birdnet-search",
		Short:         "Embedding-driven active learning search engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml (default: search standard locations)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output")

	versionCmd := version.Command()
	rootCmd.AddCommand(
		serve.Command(settings),
		embeddings.Command(settings),
		reconcile.Command(settings),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return initialize(cmd, settings, configPath, debug)
	}

	return rootCmd
}

// initialize loads configuration and installs the logger.
func initialize(cmd *cobra.Command, settings *conf.Settings, configPath string, debug bool) error {
	if configPath != "" {
		conf.SetConfigFile(configPath)
	}
	if err := viper.BindPFlag("debug", cmd.Root().PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	loaded, err := conf.Load()
	if err != nil {
		return err
	}
	*settings = *loaded
	if debug {
		settings.Debug = true
	}

	if _, err := app.InitLogging(settings); err != nil {
		return err
	}
	return nil
}
