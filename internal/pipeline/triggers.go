package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jonathan/lead-pipeline/internal/config"
	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/scheduler"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// registerTriggers attaches each configured trigger to the job it enqueues.
func (p *Pipeline) registerTriggers() error {
	for _, tc := range p.cfg.TriggerConfigs() {
		fire, err := p.fireFunc(tc.Name)
		if err != nil {
			return err
		}
		if err := p.Scheduler.Register(tc, fire); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) fireFunc(name string) (scheduler.FireFunc, error) {
	jobType, ok := TriggerJobs[name]
	if !ok {
		return nil, fmt.Errorf("trigger %s has no job", name)
	}

	return func(ctx context.Context, boundary time.Time) error {
		payload, ok := p.triggerPayload(name)
		if !ok {
			log.Printf("[trigger] %s: nothing to do", name)
			return nil
		}
		// One job per trigger boundary; Key lets operators find and cancel it.
		key := fmt.Sprintf("trigger:%s:%d", name, boundary.Unix())
		job, err := p.Enqueue(ctx, jobType, payload, queue.Options{Key: key})
		if err != nil {
			return fmt.Errorf("failed to enqueue %s for trigger %s: %w", jobType, name, err)
		}
		log.Printf("[trigger] %s: enqueued %s job %s", name, jobType, job.ID)
		return nil
	}, nil
}

// triggerPayload returns the payload a trigger's job carries. ok is false when
// the trigger has nothing to enqueue.
func (p *Pipeline) triggerPayload(name string) (any, bool) {
	switch name {
	case config.TriggerDailyScrape:
		req, ok := p.cfg.CampaignRequest()
		if !ok {
			return nil, false
		}
		return req, true
	case config.TriggerRescoreUnscored, config.TriggerCampaignSweep:
		return types.SweepPayload{Limit: p.cfg.Campaign.SweepLimit}, true
	default:
		return struct{}{}, true
	}
}
