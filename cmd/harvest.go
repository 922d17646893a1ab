package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/waterwatch/cnemc-harvester/internal/clock"
	"github.com/waterwatch/cnemc-harvester/internal/job"
	"github.com/waterwatch/cnemc-harvester/internal/scraper"
)

// newHarvestCmd creates the 'harvest' subcommand, which performs one full
// scrape-parse-store run and prints the run summary as JSON.
func newHarvestCmd() *cobra.Command {
	var provinces, cities []string

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Runs one harvest over the configured city scopes",
		Long: `Opens the publishing portal in a headless browser, enumerates the
available city scopes, and fetches, parses, and stores each city's
readings. Rerunning over the same data is safe; previously stored
readings are left untouched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, provinces, cities)
		},
	}

	cmd.Flags().StringSliceVar(&provinces, "province", nil, "restrict the run to these provinces (repeatable)")
	cmd.Flags().StringSliceVar(&cities, "city", nil, "restrict the run to these cities (repeatable)")
	return cmd
}

func runHarvest(cmd *cobra.Command, provinces, cities []string) error {
	ctx := cmd.Context()
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	cfg := a.Config

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	if len(provinces) == 0 {
		provinces = cfg.Job.Provinces
	}
	if len(cities) == 0 {
		cities = cfg.Job.Cities
	}

	session, err := scraper.NewSession(scraper.Config{
		URL:                 cfg.Scraper.URL,
		FrameSelector:       cfg.Scraper.FrameSelector,
		UserAgent:           cfg.Scraper.UserAgent,
		Headless:            cfg.Scraper.Headless,
		NavTimeout:          cfg.Scraper.NavTimeout(),
		SettleWait:          cfg.Scraper.SettleWait(),
		MaxScrollIterations: cfg.Scraper.MaxScrollIterations,
		PageSize:            cfg.Scraper.PageSize,
		MaxPages:            cfg.Scraper.MaxPages,
		RequestQPS:          cfg.Scraper.RequestQPS,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("start browser session: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := session.Close(closeCtx); cerr != nil {
			a.Logger.Warn("closing browser session failed", zap.Error(cerr))
		}
	}()

	runner, err := job.NewRunner(session, a.Gateway, a.Snapshots, a.Publisher, clock.NewSystem(), job.Config{
		Provinces: provinces,
		Cities:    cities,
		Retry: job.RetryPolicy{
			MaxAttempts: cfg.Job.MaxAttempts,
			Initial:     cfg.Job.BackoffInitial(),
			Max:         cfg.Job.BackoffMax(),
		},
		Location:     loc,
		PublishTopic: cfg.PubSub.Topic,
	}, a.Logger)
	if err != nil {
		return err
	}

	summary, err := runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("harvest run: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(summary); encErr != nil {
		return fmt.Errorf("encode summary: %w", encErr)
	}

	if summary.Failed > 0 || summary.Aborted > 0 {
		return fmt.Errorf("harvest finished with %d failed and %d aborted cities", summary.Failed, summary.Aborted)
	}
	return err
}
