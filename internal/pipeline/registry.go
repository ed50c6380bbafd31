package pipeline

import (
	"fmt"
	"sort"

	"github.com/jonathan/lead-pipeline/internal/config"
	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// JobDefinition describes a job type and the queue it runs on.
type JobDefinition struct {
	Type        string
	Queue       string
	Description string
}

// JobRegistry contains every job type the workers handle.
var JobRegistry = map[string]JobDefinition{
	types.JobScrape: {
		Type:        types.JobScrape,
		Queue:       queue.QueueScraping,
		Description: "scrape every industry and location of a campaign",
	},
	types.JobScoreLead: {
		Type:        types.JobScoreLead,
		Queue:       queue.QueueScoring,
		Description: "score one lead and schedule outreach when it qualifies",
	},
	types.JobRescoreSweep: {
		Type:        types.JobRescoreSweep,
		Queue:       queue.QueueScoring,
		Description: "enqueue scoring for leads that were never scored",
	},
	types.JobCampaignSweep: {
		Type:        types.JobCampaignSweep,
		Queue:       queue.QueueOutreach,
		Description: "schedule outreach for scored leads that missed it",
	},
	types.JobSendEmail: {
		Type:        types.JobSendEmail,
		Queue:       queue.QueueOutreach,
		Description: "send the initial outreach email",
	},
	types.JobFollowUp: {
		Type:        types.JobFollowUp,
		Queue:       queue.QueueOutreach,
		Description: "send one follow-up email",
	},
	types.JobRefreshEnrichment: {
		Type:        types.JobRefreshEnrichment,
		Queue:       queue.QueueEnrichment,
		Description: "re-probe a lead's website and rescore it",
	},
	types.JobCleanup: {
		Type:        types.JobCleanup,
		Queue:       queue.QueueMaintenance,
		Description: "drop finished jobs past their retention",
	},
	types.JobHealthCheck: {
		Type:        types.JobHealthCheck,
		Queue:       queue.QueueMaintenance,
		Description: "log the health summary",
	},
}

// TriggerJobs maps each trigger to the job type it enqueues.
var TriggerJobs = map[string]string{
	config.TriggerDailyScrape:     types.JobScrape,
	config.TriggerRescoreUnscored: types.JobRescoreSweep,
	config.TriggerCampaignSweep:   types.JobCampaignSweep,
	config.TriggerCleanup:         types.JobCleanup,
	config.TriggerHealthCheck:     types.JobHealthCheck,
}

// UnknownJobError is returned for job types missing from the registry.
type UnknownJobError struct {
	Type string
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("unknown job type: %s", e.Type)
}

// QueueFor returns the queue a job type runs on.
func QueueFor(jobType string) (string, error) {
	def, ok := JobRegistry[jobType]
	if !ok {
		return "", &UnknownJobError{Type: jobType}
	}
	return def.Queue, nil
}

// JobTypes returns every registered job type in name order.
func JobTypes() []string {
	out := make([]string, 0, len(JobRegistry))
	for t := range JobRegistry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateRegistry checks that every job type routes to a configured queue.
func ValidateRegistry(queues []queue.Config) error {
	configured := make(map[string]bool, len(queues))
	for _, q := range queues {
		configured[q.Name] = true
	}
	var missing []string
	for _, t := range JobTypes() {
		if !configured[JobRegistry[t].Queue] {
			missing = append(missing, fmt.Sprintf("%s (%s)", t, JobRegistry[t].Queue))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("job types routed to unconfigured queues: %v", missing)
	}
	return nil
}
