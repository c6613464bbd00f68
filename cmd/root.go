// Package cmd defines the CLI commands for the quotes-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/quotes-crawler/internal/app"
	"github.com/JakeFAU/quotes-crawler/internal/config"
	"github.com/JakeFAU/quotes-crawler/internal/pipeline"
)

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// Runner is the part of *app.App the commands depend on.
type Runner interface {
	RunID() string
	Run(ctx context.Context) (pipeline.Report, error)
	Close(ctx context.Context) error
}

// newApp is the application factory. Tests replace it with a fake.
var newApp = func(ctx context.Context, cfg config.Config) (Runner, error) {
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "quotes-crawler",
		Short: "Concurrent crawler for paginated quote listings.",
		Long: `quotes-crawler fetches a range of listing pages concurrently, extracts
one record per quote container and streams the records to stdout, Postgres
or Pub/Sub as they arrive.`,
		SilenceUsage: true,

		// Loads configuration once so every subcommand sees the same values.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and QUOTES_* env vars when empty)")
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute runs the root command with args and returns its error.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
