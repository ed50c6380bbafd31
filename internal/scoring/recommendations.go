package scoring

import (
	"fmt"
	"strings"

	"github.com/jonathan/lead-pipeline/internal/types"
)

// Priority orders recommendations; lower values come first.
type Priority int

// Recommendation priorities.
const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "High"
	case PriorityMedium:
		return "Medium"
	default:
		return "Low"
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Recommendation is a suggested service pitch for one weak component.
type Recommendation struct {
	Component string   `json:"component"`
	Priority  Priority `json:"priority"`
	Message   string   `json:"message"`
}

func (r Recommendation) String() string {
	return fmt.Sprintf("[%s] %s", r.Priority, r.Message)
}

var componentPriority = map[string]Priority{
	WebsiteQuality: PriorityHigh,
	ReviewScore:    PriorityHigh,
	SEOScore:       PriorityMedium,
	AdPresence:     PriorityMedium,
	SocialPresence: PriorityLow,
}

func recommendationFor(component string, lead *types.Lead) Recommendation {
	return Recommendation{
		Component: component,
		Priority:  componentPriority[component],
		Message:   recommendationMessage(component, lead),
	}
}

func recommendationMessage(component string, lead *types.Lead) string {
	e := lead.Enrichment
	switch component {
	case WebsiteQuality:
		switch {
		case lead.Website == "":
			return "Build a professional website"
		case e.Website == nil || !e.Website.Reachable:
			return "Fix or rebuild the unreachable website"
		}
		var gaps []string
		if !e.Website.HTTPS {
			gaps = append(gaps, "HTTPS")
		}
		if !e.Website.MobileFriendly {
			gaps = append(gaps, "mobile layout")
		}
		if !e.Website.HasContactForm {
			gaps = append(gaps, "contact form")
		}
		if len(gaps) == 0 {
			return "Redesign the outdated website"
		}
		return "Modernize the website: " + strings.Join(gaps, ", ")
	case ReviewScore:
		if lead.Reviews == nil || *lead.Reviews < fewReviews {
			return "Start a review generation campaign"
		}
		return "Improve online reputation and review volume"
	case SEOScore:
		if lead.Website == "" {
			return "Local SEO setup alongside a new website"
		}
		return "On-page SEO optimization"
	case AdPresence:
		return "Launch paid search and social ad campaigns"
	case SocialPresence:
		return "Set up and manage social media profiles"
	}
	return component
}
