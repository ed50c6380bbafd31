package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/jonathan/lead-pipeline/internal/lifecycle"
	"github.com/jonathan/lead-pipeline/internal/orchestrator"
	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/types"
)

const (
	defaultSweepLimit      = 500
	maxEnrichmentConflicts = 3
)

func (p *Pipeline) registerHandlers() {
	p.Jobs.Handle(types.JobScrape, p.handleScrape)
	p.Jobs.Handle(types.JobScoreLead, p.handleScoreLead)
	p.Jobs.Handle(types.JobRescoreSweep, p.handleRescoreSweep)
	p.Jobs.Handle(types.JobCampaignSweep, p.handleCampaignSweep)
	p.Jobs.Handle(types.JobSendEmail, p.handleSendEmail)
	p.Jobs.Handle(types.JobFollowUp, p.handleFollowUp)
	p.Jobs.Handle(types.JobRefreshEnrichment, p.handleRefreshEnrichment)
	p.Jobs.Handle(types.JobCleanup, p.handleCleanup)
	p.Jobs.Handle(types.JobHealthCheck, p.handleHealthCheck)
}

// decode reads a job payload. A payload that does not decode never will, so
// the failure is permanent.
func decode(job *queue.Job, v any) error {
	if err := job.Decode(v); err != nil {
		return queue.Permanent(fmt.Errorf("failed to decode %s payload: %w", job.Type, err))
	}
	return nil
}

// lifecycleErr stops retries for leads that no longer exist.
func lifecycleErr(err error) error {
	if errors.Is(err, lifecycle.ErrLeadNotFound) {
		return queue.Permanent(err)
	}
	return err
}

func (p *Pipeline) handleScrape(ctx context.Context, job *queue.Job) error {
	var req types.ScrapeRequest
	if err := decode(job, &req); err != nil {
		return err
	}
	// Every attempt of the job records leads under the same run, so a retry
	// after a timeout skips what the earlier attempt stored.
	if req.CampaignRunID == uuid.Nil {
		req.CampaignRunID = job.ID
	}
	res, err := p.RunCampaign(ctx, req, nil)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidRequest) {
			return queue.Permanent(err)
		}
		return err
	}
	log.Printf("[pipeline] campaign %s created %d leads in %s", res.CampaignRunID, res.Total(), res.Duration)
	return nil
}

func (p *Pipeline) handleScoreLead(ctx context.Context, job *queue.Job) error {
	var payload types.LeadPayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	lead, err := p.Store.GetLead(ctx, payload.LeadID)
	if err != nil {
		return err
	}
	if lead == nil {
		return queue.Permanent(fmt.Errorf("%w: %s", lifecycle.ErrLeadNotFound, payload.LeadID))
	}
	res := p.Engine.Score(lead)
	return lifecycleErr(p.Lifecycle.OnScored(ctx, lead.ID, res))
}

func (p *Pipeline) sweepLimit(payload types.SweepPayload) int {
	if payload.Limit > 0 {
		return payload.Limit
	}
	if p.cfg.Campaign.SweepLimit > 0 {
		return p.cfg.Campaign.SweepLimit
	}
	return defaultSweepLimit
}

// handleRescoreSweep enqueues scoring for unscored leads that have no scoring
// job pending already.
func (p *Pipeline) handleRescoreSweep(ctx context.Context, job *queue.Job) error {
	var payload types.SweepPayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	leads, err := p.Store.ListUnscored(ctx, p.sweepLimit(payload))
	if err != nil {
		return err
	}

	enqueued := 0
	for _, lead := range leads {
		key := types.LeadJobKey(lead.ID)
		if len(p.Jobs.Pending(types.JobScoreLead, key)) > 0 {
			continue
		}
		if _, err := p.Enqueue(ctx, types.JobScoreLead, types.LeadPayload{LeadID: lead.ID}, queue.Options{Key: key}); err != nil {
			return fmt.Errorf("failed to enqueue scoring for lead %s: %w", lead.ID, err)
		}
		enqueued++
	}
	log.Printf("[pipeline] rescore sweep: %d unscored, %d enqueued", len(leads), enqueued)
	return nil
}

// handleCampaignSweep schedules outreach for eligible leads that were scored
// while auto-contact was off or whose scheduling failed.
func (p *Pipeline) handleCampaignSweep(ctx context.Context, job *queue.Job) error {
	var payload types.SweepPayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	threshold := p.Lifecycle.Config().AutoContactThreshold
	leads, err := p.Store.ListCampaignCandidates(ctx, threshold, p.sweepLimit(payload))
	if err != nil {
		return err
	}

	scheduled := 0
	var errs []error
	for _, lead := range leads {
		ok, err := p.Lifecycle.ScheduleOutreach(ctx, lead.ID)
		if err != nil {
			if errors.Is(err, lifecycle.ErrLeadNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("lead %s: %w", lead.ID, err))
			continue
		}
		if ok {
			scheduled++
		}
	}
	log.Printf("[pipeline] campaign sweep: %d candidates, %d scheduled, %d failed", len(leads), scheduled, len(errs))
	return errors.Join(errs...)
}

func (p *Pipeline) handleSendEmail(ctx context.Context, job *queue.Job) error {
	var payload types.LeadPayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	return lifecycleErr(p.Lifecycle.SendInitial(ctx, payload.LeadID))
}

func (p *Pipeline) handleFollowUp(ctx context.Context, job *queue.Job) error {
	var payload types.FollowUpPayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	return lifecycleErr(p.Lifecycle.RunFollowUp(ctx, payload.LeadID, payload.Step))
}

// handleRefreshEnrichment re-probes the lead's website, stores the fresh
// signals and enqueues a rescore.
func (p *Pipeline) handleRefreshEnrichment(ctx context.Context, job *queue.Job) error {
	var payload types.LeadPayload
	if err := decode(job, &payload); err != nil {
		return err
	}
	lead, err := p.Store.GetLead(ctx, payload.LeadID)
	if err != nil {
		return err
	}
	if lead == nil {
		return queue.Permanent(fmt.Errorf("%w: %s", lifecycle.ErrLeadNotFound, payload.LeadID))
	}
	if lead.Website == "" {
		return nil
	}

	enrichment, err := p.Prober.Probe(ctx, lead.Website)
	if err != nil {
		return fmt.Errorf("failed to probe %s: %w", lead.Website, err)
	}

	for attempt := 0; ; attempt++ {
		lead.Enrichment = *enrichment
		activity := types.Activity{LeadID: lead.ID, Kind: "enrichment_refreshed", Detail: lead.Website, CreatedAt: p.now()}
		ok, err := p.Store.UpdateLeadIfVersion(ctx, lead, activity)
		if err != nil {
			return fmt.Errorf("failed to store enrichment for lead %s: %w", lead.ID, err)
		}
		if ok {
			break
		}
		if attempt+1 >= maxEnrichmentConflicts {
			return fmt.Errorf("%w: lead %s", lifecycle.ErrConflict, lead.ID)
		}
		if lead, err = p.Store.GetLead(ctx, payload.LeadID); err != nil {
			return err
		}
		if lead == nil {
			return queue.Permanent(fmt.Errorf("%w: %s", lifecycle.ErrLeadNotFound, payload.LeadID))
		}
	}

	_, err = p.Enqueue(ctx, types.JobScoreLead, types.LeadPayload{LeadID: lead.ID}, queue.Options{Key: types.LeadJobKey(lead.ID)})
	return err
}

func (p *Pipeline) handleCleanup(ctx context.Context, _ *queue.Job) error {
	removed, err := p.Jobs.Cleanup(ctx)
	if err != nil {
		return err
	}
	log.Printf("[pipeline] cleanup removed %d finished jobs", removed)
	return nil
}

func (p *Pipeline) handleHealthCheck(ctx context.Context, _ *queue.Job) error {
	h := p.Health.Check(ctx)
	log.Printf("[health] status=%s queues=%d source_runs=%d source_failures=%d", h.Status, len(h.Queues), h.Scrapes.Total, h.Scrapes.Failed)
	return nil
}
