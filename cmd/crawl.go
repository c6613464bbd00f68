package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/quotes-crawler/internal/config"
)

const shutdownTimeout = 10 * time.Second

type crawlFlags struct {
	first    int
	last     int
	capacity int
	format   string
	strict   bool
}

// newCrawlCmd creates the 'crawl' subcommand. Flags that are set override the
// loaded configuration.
func newCrawlCmd() *cobra.Command {
	var flags crawlFlags

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the configured page range",
		Long: `Fetches every listing page in the configured range with bounded
concurrency and writes the extracted records as they arrive. Page failures are
logged and summarized; they do not change the exit status.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}

	cmd.Flags().IntVar(&flags.first, "first", 0, "first page index (overrides site.first_page)")
	cmd.Flags().IntVar(&flags.last, "last", 0, "last page index (overrides site.last_page)")
	cmd.Flags().IntVar(&flags.capacity, "capacity", 0, "maximum pages in flight (overrides pool.capacity)")
	cmd.Flags().StringVar(&flags.format, "format", "", "record output: debug, json or none (overrides output.format)")
	cmd.Flags().BoolVar(&flags.strict, "strict", false, "drop all records of a page with a malformed quote")
	return cmd
}

func applyFlags(cmd *cobra.Command, cfg config.Config, flags crawlFlags) config.Config {
	f := cmd.Flags()
	if f.Changed("first") {
		cfg.Site.FirstPage = flags.first
	}
	if f.Changed("last") {
		cfg.Site.LastPage = flags.last
	}
	if f.Changed("capacity") {
		cfg.Pool.Capacity = flags.capacity
	}
	if f.Changed("format") {
		cfg.Output.Format = flags.format
	}
	if f.Changed("strict") {
		cfg.Extract.Strict = flags.strict
	}
	return cfg
}

func runCrawl(cmd *cobra.Command, flags crawlFlags) error {
	ctx := cmd.Context()
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	cfg = applyFlags(cmd, cfg, flags)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := a.Close(shutdownCtx); cerr != nil {
			cmd.PrintErrf("shutdown: %v\n", cerr)
		}
	}()

	report, err := a.Run(ctx)
	if err != nil {
		return err
	}
	cmd.PrintErrf("run %s: %d pages, %d succeeded, %d failed, %d records in %s\n",
		report.RunID, report.Pages, report.Succeeded, report.Failed, report.Records,
		report.Duration.Round(time.Millisecond))
	return nil
}
