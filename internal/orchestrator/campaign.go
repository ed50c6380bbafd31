package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/lead-pipeline/internal/types"
)

// CampaignResult aggregates the scrapes of one campaign run.
type CampaignResult struct {
	CampaignRunID uuid.UUID      `json:"campaign_run_id"`
	Scrapes       []*Result      `json:"scrapes"`
	LeadsCreated  map[string]int `json:"leads_created"`
	Duration      time.Duration  `json:"duration"`
}

// Total returns the number of leads created across all industries.
func (r *CampaignResult) Total() int {
	total := 0
	for _, n := range r.LeadsCreated {
		total += n
	}
	return total
}

// RunCampaign scrapes every industry in every location under one campaign
// run, req.CampaignRunID when set. Each industry stops once it holds
// MaxLeadsPerIndustry leads in the run, counting leads an earlier attempt of
// the same run already created.
func (o *Orchestrator) RunCampaign(ctx context.Context, req types.ScrapeRequest, onProgress func(Progress)) (*CampaignResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	start := o.now()
	runID := req.CampaignRunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	out := &CampaignResult{
		CampaignRunID: runID,
		LeadsCreated:  make(map[string]int, len(req.Industries)),
	}
	log.Printf("[scrape] campaign %s: %d industries x %d locations, cap %d per industry",
		out.CampaignRunID, len(req.Industries), len(req.Locations), req.MaxLeadsPerIndustry)

	for _, industry := range req.Industries {
		remaining := req.MaxLeadsPerIndustry
		for _, location := range req.Locations {
			if remaining <= 0 {
				break
			}
			res, err := o.Scrape(ctx, Request{
				Industry:      industry,
				Location:      location,
				MaxResults:    remaining,
				CampaignRunID: out.CampaignRunID,
				OnProgress:    onProgress,
			})
			if err != nil {
				return out, fmt.Errorf("failed to scrape %s in %s: %w", industry, location, err)
			}
			out.Scrapes = append(out.Scrapes, res)
			out.LeadsCreated[industry] += len(res.Leads)
			remaining -= len(res.Leads) + res.Existing
		}
	}

	out.Duration = o.now().Sub(start)
	log.Printf("[scrape] campaign %s finished: %d leads in %s", out.CampaignRunID, out.Total(), out.Duration.Round(time.Millisecond))
	return out, nil
}
