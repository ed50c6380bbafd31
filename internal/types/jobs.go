package types

import "github.com/google/uuid"

// Job types handled by the pipeline workers.
const (
	JobScrape            = "scrape"
	JobScoreLead         = "score_lead"
	JobRescoreSweep      = "rescore_sweep"
	JobCampaignSweep     = "campaign_sweep"
	JobSendEmail         = "send_email"
	JobFollowUp          = "follow_up"
	JobRefreshEnrichment = "refresh_enrichment"
	JobCleanup           = "cleanup"
	JobHealthCheck       = "health_check"
)

// LeadPayload targets a single lead.
type LeadPayload struct {
	LeadID uuid.UUID `json:"lead_id"`
}

// FollowUpPayload schedules one step of the follow-up sequence.
type FollowUpPayload struct {
	LeadID uuid.UUID `json:"lead_id"`
	Step   int       `json:"step"`
	Day    int       `json:"day"`
}

// SweepPayload bounds a batch sweep.
type SweepPayload struct {
	Limit int `json:"limit,omitempty"`
}

// LeadJobKey groups every job that belongs to one lead.
func LeadJobKey(id uuid.UUID) string {
	return "lead:" + id.String()
}
