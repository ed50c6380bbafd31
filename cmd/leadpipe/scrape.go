package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/lead-pipeline/internal/observability"
	"github.com/jonathan/lead-pipeline/internal/orchestrator"
	"github.com/jonathan/lead-pipeline/internal/pipeline"
	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/types"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Scrape, enrich and store leads for industries in locations",
	Long: `Runs a campaign scrape synchronously across every configured source and
prints the per-source summary. New leads are stored and their scoring jobs
are persisted for the serve process to pick up.

With --enqueue the campaign is queued as a scrape job instead.`,
	RunE: runScrape,
}

var (
	scrapeIndustries []string
	scrapeLocations  []string
	scrapeMax        int
	scrapeEnqueue    bool
	scrapePreview    bool
)

func init() {
	scrapeCmd.Flags().StringSliceVarP(&scrapeIndustries, "industry", "i", nil, "Industry to search for (repeatable, required)")
	scrapeCmd.Flags().StringSliceVarP(&scrapeLocations, "location", "l", nil, "Location to search in (repeatable, required)")
	scrapeCmd.Flags().IntVarP(&scrapeMax, "max", "m", 50, "Maximum new leads per industry")
	scrapeCmd.Flags().BoolVar(&scrapeEnqueue, "enqueue", false, "Queue a scrape job instead of running it now")
	scrapeCmd.Flags().BoolVar(&scrapePreview, "score", false, "Print the score of every new lead")

	if err := scrapeCmd.MarkFlagRequired("industry"); err != nil {
		panic(fmt.Sprintf("failed to mark industry flag as required: %v", err))
	}
	if err := scrapeCmd.MarkFlagRequired("location"); err != nil {
		panic(fmt.Sprintf("failed to mark location flag as required: %v", err))
	}

	rootCmd.AddCommand(scrapeCmd)
}

func runScrape(cmd *cobra.Command, _ []string) error {
	req := types.ScrapeRequest{
		Industries:          scrapeIndustries,
		Locations:           scrapeLocations,
		MaxLeadsPerIndustry: scrapeMax,
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid scrape request: %w", err)
	}

	ctx := cmd.Context()
	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Stop()

	out := cmd.OutOrStdout()
	if scrapeEnqueue {
		job, err := p.Enqueue(ctx, types.JobScrape, req, queue.Options{})
		if err != nil {
			return fmt.Errorf("failed to enqueue scrape: %w", err)
		}
		_, _ = fmt.Fprintf(out, "Enqueued scrape job %s\n", job.ID)
		return nil
	}

	var onProgress func(orchestrator.Progress)
	if p.Config().Verbose {
		onProgress = func(pr orchestrator.Progress) {
			_, _ = fmt.Fprintf(os.Stderr, "[%s] %s\n", pr.Stage, pr.Message)
		}
	}

	res, err := p.RunCampaign(ctx, req, onProgress)
	if err != nil {
		return fmt.Errorf("scrape failed: %w", err)
	}

	printer := observability.NewPrinter(out)
	for _, s := range res.Scrapes {
		printer.PrintScrapeResult(s)
	}
	printer.PrintCampaignResult(res)

	if scrapePreview {
		previewScores(ctx, p, res, printer)
	}
	return nil
}

func previewScores(_ context.Context, p *pipeline.Pipeline, res *orchestrator.CampaignResult, printer *observability.Printer) {
	for _, s := range res.Scrapes {
		for _, lead := range s.Leads {
			printer.PrintScore(lead, p.Engine.Score(lead))
		}
	}
}

// openPipeline builds a pipeline from configuration without starting it.
func openPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	p, err := pipeline.New(ctx, cfg, pipeline.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	return p, nil
}
