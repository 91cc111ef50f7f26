package embeddings

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-search/internal/app"
	"github.com/tphakala/birdnet-search/internal/conf"
	"github.com/tphakala/birdnet-search/internal/logger"
)

// Command creates the embeddings command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embeddings",
		Short: "Manage precomputed clip embeddings",
	}
	cmd.AddCommand(importCommand(settings))
	return cmd
}

func importCommand(settings *conf.Settings) *cobra.Command {
	var opts ImportOptions

	cmd := &cobra.Command{
		Use:   "import [file.jsonl]",
		Short: "Import embeddings from a JSONL file",
		Long: "Import one embedding per line as {clip_id, dataset_id, recording_id, offset, vector}. " +
			"Clip ids already present are skipped. Use - to read from stdin.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.Global().Module("embeddings")

			in := os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("error opening %s: %w", args[0], err)
				}
				defer f.Close()
				in = f
			}

			a, err := app.New(settings)
			if err != nil {
				return err
			}
			defer a.Close()

			opts.ProgressEvery = 10000
			opts.Progress = func(s ImportStats) {
				log.Info("import progress",
					logger.Int("lines", s.Lines),
					logger.Int64("inserted", s.Inserted))
			}

			start := time.Now()
			stats, err := Import(cmd.Context(), a.Repo, in, opts)
			if err != nil {
				return err
			}
			log.Info("import finished",
				logger.Int("lines", stats.Lines),
				logger.Int64("inserted", stats.Inserted),
				logger.Int64("duplicates", stats.Duplicates),
				logger.Int("invalid", stats.Invalid),
				logger.Duration("elapsed", time.Since(start)))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d embeddings (%d duplicates, %d invalid)\n",
				stats.Inserted, stats.Duplicates, stats.Invalid)
			return err
		},
	}

	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", defaultBatchSize, "Rows per database insert")
	cmd.Flags().StringVar(&opts.DatasetID, "dataset", "", "Dataset id for lines without dataset_id")
	cmd.Flags().StringVar(&opts.ModelName, "model", "", "Embedding model name for lines without model_name")
	cmd.Flags().BoolVar(&opts.SkipInvalid, "skip-invalid", false, "Skip malformed lines instead of aborting")

	return cmd
}
