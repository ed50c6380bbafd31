package scoring

import (
	"time"

	"github.com/jonathan/lead-pipeline/internal/types"
)

// Every component returns a value in [0,100]. Unknown inputs score as absent,
// which is the maximum opportunity.

const (
	slowLoadMs     = 4000
	sluggishLoadMs = 2000

	// copyright notices older than this many years mark an unmaintained site
	staleSiteYears = 5
	agingSiteYears = 2
)

// computeWebsiteQuality scores the lead's website. No website, no probe data
// or an unreachable site all score 100.
func computeWebsiteQuality(lead *types.Lead, now time.Time) int {
	w := lead.Enrichment.Website
	if lead.Website == "" || w == nil || !w.Reachable {
		return 100
	}

	score := 0
	if !w.HTTPS {
		score += 25
	}
	if !w.MobileFriendly {
		score += 25
	}
	switch {
	case w.LoadTimeMs > slowLoadMs:
		score += 15
	case w.LoadTimeMs > sluggishLoadMs:
		score += 8
	}
	switch {
	case w.CopyrightYear == nil:
		score += 10
	case now.Year()-*w.CopyrightYear >= staleSiteYears:
		score += 20
	case now.Year()-*w.CopyrightYear >= agingSiteYears:
		score += 10
	}
	if !w.HasContactForm {
		score += 15
	}
	return clamp(score)
}

// Review count and rating thresholds.
const (
	fewReviews      = 5
	someReviews     = 20
	moderateReviews = 50

	poorRating     = 3.5
	mediocreRating = 4.2
)

// computeReviewScore combines review volume and average rating.
func computeReviewScore(lead *types.Lead) int {
	score := 0
	switch {
	case lead.Reviews == nil || *lead.Reviews < fewReviews:
		score += 60
	case *lead.Reviews < someReviews:
		score += 40
	case *lead.Reviews < moderateReviews:
		score += 20
	}
	switch {
	case lead.Rating == nil || *lead.Rating < poorRating:
		score += 40
	case *lead.Rating < mediocreRating:
		score += 20
	}
	return clamp(score)
}

const (
	minTitleLength = 10
	maxTitleLength = 70
)

// computeSEOScore scores on-page SEO. Without a website or SEO data it is 100.
func computeSEOScore(lead *types.Lead) int {
	s := lead.Enrichment.SEO
	if lead.Website == "" || s == nil {
		return 100
	}

	score := 0
	switch {
	case !s.HasTitle:
		score += 20
	case s.TitleLength < minTitleLength || s.TitleLength > maxTitleLength:
		score += 10
	}
	if !s.HasMetaDescription {
		score += 20
	}
	if !s.HasH1 {
		score += 15
	}
	if !s.HasStructuredData {
		score += 15
	}
	if !s.HasCanonical {
		score += 10
	}
	if s.Noindex {
		score += 20
	}
	return clamp(score)
}

// computeAdPresence scores the absence of advertising and tracking tags.
func computeAdPresence(lead *types.Lead) int {
	a := lead.Enrichment.Ads
	if a == nil {
		return 100
	}

	score := 0
	if !a.GoogleAds {
		score += 40
	}
	if !a.FacebookPixel {
		score += 25
	}
	if !a.GoogleAnalytics {
		score += 20
	}
	if !a.TagManager {
		score += 15
	}
	return clamp(score)
}

// computeSocialPresence drops 25 points per linked platform.
func computeSocialPresence(lead *types.Lead) int {
	s := lead.Enrichment.Social
	if s == nil {
		return 100
	}
	n := 0
	for _, platform := range types.SocialPlatforms {
		if s.Profiles[platform] != "" {
			n++
		}
	}
	return clamp(100 - 25*n)
}
