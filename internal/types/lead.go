// Package types provides type definitions for structured data used throughout the lead pipeline.
//
//nolint:revive // types is a standard Go package name pattern
package types

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status of a lead.
type Status string

// Lead statuses, in forward order. Converted and lost are terminal.
const (
	StatusNew       Status = "new"
	StatusContacted Status = "contacted"
	StatusQualified Status = "qualified"
	StatusConverted Status = "converted"
	StatusLost      Status = "lost"
)

// statusRank orders statuses; a lead may only move to a higher rank.
var statusRank = map[Status]int{
	StatusNew:       0,
	StatusContacted: 1,
	StatusQualified: 2,
	StatusConverted: 3,
	StatusLost:      3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusConverted || s == StatusLost
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// Candidate is a raw result from a single source adapter. It is never persisted directly.
type Candidate struct {
	Name        string   `json:"name"`
	Address     string   `json:"address"`
	Phone       string   `json:"phone,omitempty"`
	Website     string   `json:"website,omitempty"`
	Rating      *float64 `json:"rating,omitempty"`
	ReviewCount *int     `json:"review_count,omitempty"`
	SourceID    string   `json:"source_id"`
	SourceURL   string   `json:"source_url,omitempty"`
}

// IdentityKey is the dedup key of a lead within a campaign run.
type IdentityKey struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// String returns the key in "name|address" form.
func (k IdentityKey) String() string {
	return k.Name + "|" + k.Address
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeIdentityPart lowercases s and strips punctuation and whitespace.
func NormalizeIdentityPart(s string) string {
	return nonAlphanumeric.ReplaceAllString(strings.ToLower(s), "")
}

// Key returns the normalized identity key for the candidate.
func (c *Candidate) Key() IdentityKey {
	return IdentityKey{
		Name:    NormalizeIdentityPart(c.Name),
		Address: NormalizeIdentityPart(c.Address),
	}
}

// Lead is the durable lead record.
type Lead struct {
	ID            uuid.UUID   `json:"id"`
	CampaignRunID uuid.UUID   `json:"campaign_run_id"`
	Key           IdentityKey `json:"identity_key"`

	Name      string   `json:"name"`
	Address   string   `json:"address"`
	Phone     string   `json:"phone,omitempty"`
	Website   string   `json:"website,omitempty"`
	Email     string   `json:"email,omitempty"`
	Industry  string   `json:"industry"`
	Location  string   `json:"location"`
	Source    string   `json:"data_source"`
	SourceURL string   `json:"source_url,omitempty"`
	Rating    *float64 `json:"rating,omitempty"`
	Reviews   *int     `json:"review_count,omitempty"`

	Enrichment Enrichment `json:"enrichment"`

	Score           *int           `json:"score,omitempty"`
	Tier            *string        `json:"tier,omitempty"`
	Components      map[string]int `json:"component_scores,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`

	Status          Status `json:"status"`
	EngagementScore int    `json:"engagement_score"`
	Version         int    `json:"version"`

	ScrapedAt           time.Time  `json:"scraped_at"`
	ScoredAt            *time.Time `json:"scored_at,omitempty"`
	OutreachScheduledAt *time.Time `json:"outreach_scheduled_at,omitempty"`
	ContactedAt         *time.Time `json:"contacted_at,omitempty"`
	FirstOpenedAt       *time.Time `json:"first_opened_at,omitempty"`
	LastEngagedAt       *time.Time `json:"last_engaged_at,omitempty"`
}

// NewLead builds a lead from a candidate for the given campaign run.
func NewLead(c Candidate, campaignRunID uuid.UUID, industry, location string, now time.Time) *Lead {
	return &Lead{
		ID:            uuid.New(),
		CampaignRunID: campaignRunID,
		Key:           c.Key(),
		Name:          strings.TrimSpace(c.Name),
		Address:       strings.TrimSpace(c.Address),
		Phone:         strings.TrimSpace(c.Phone),
		Website:       strings.TrimSpace(c.Website),
		Industry:      industry,
		Location:      location,
		Source:        c.SourceID,
		SourceURL:     c.SourceURL,
		Rating:        c.Rating,
		Reviews:       c.ReviewCount,
		Status:        StatusNew,
		ScrapedAt:     now,
	}
}

// Clone returns a deep copy of the lead.
func (l *Lead) Clone() *Lead {
	if l == nil {
		return nil
	}
	cp := *l
	if l.Components != nil {
		cp.Components = make(map[string]int, len(l.Components))
		for k, v := range l.Components {
			cp.Components[k] = v
		}
	}
	if l.Recommendations != nil {
		cp.Recommendations = append([]string(nil), l.Recommendations...)
	}
	cp.Enrichment = l.Enrichment.Clone()
	return &cp
}

// Contacted reports whether outreach was ever sent or scheduled for the lead.
func (l *Lead) Contacted() bool {
	return l.ContactedAt != nil || l.OutreachScheduledAt != nil
}

// Activity is one append-only entry in a lead's history.
type Activity struct {
	LeadID    uuid.UUID `json:"lead_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
