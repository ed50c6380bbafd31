package types

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ScrapeRequest is a one-off or scheduled campaign scrape.
type ScrapeRequest struct {
	Industries          []string `json:"industries" yaml:"industries" validate:"required,min=1,dive,required,max=100"`
	Locations           []string `json:"locations" yaml:"locations" validate:"required,min=1,dive,required,max=200"`
	MaxLeadsPerIndustry int      `json:"max_leads_per_industry" yaml:"max_leads_per_industry" validate:"required,min=1,max=1000"`
	// CampaignRunID pins the run the leads are recorded under, so a retried
	// scrape finds the leads of its earlier attempts. A new id is used when unset.
	CampaignRunID uuid.UUID `json:"campaign_run_id,omitzero" yaml:"-"`
}

// Validate validates the ScrapeRequest using the validator.
func (r *ScrapeRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// Normalize trims whitespace and drops empty entries.
func (r *ScrapeRequest) Normalize() {
	r.Industries = trimAll(r.Industries)
	r.Locations = trimAll(r.Locations)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// TokenRequest exchanges an operator key for a bearer token.
type TokenRequest struct {
	Subject string `json:"subject" validate:"required,oneof=operator transport"`
	Key     string `json:"key" validate:"required,min=16"`
}

// Validate validates the TokenRequest using the validator.
func (r *TokenRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// TokenResponse is returned by the token endpoint.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}
