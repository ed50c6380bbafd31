// Package scoring rates leads by sales opportunity. Weak digital presence
// (no website, poor reviews, no SEO, no ads, no social profiles) scores high.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/jonathan/lead-pipeline/internal/types"
)

// Component names, also the keys of Result.Components.
const (
	WebsiteQuality = "website_quality"
	ReviewScore    = "review_score"
	SEOScore       = "seo_score"
	AdPresence     = "ad_presence"
	SocialPresence = "social_presence"
)

// Weight is a component's share of the total. Weights sum to 100.
type Weight struct {
	Component string
	Weight    int
}

// Weights lists components in evaluation order.
var Weights = []Weight{
	{WebsiteQuality, 25},
	{ReviewScore, 25},
	{SEOScore, 20},
	{AdPresence, 15},
	{SocialPresence, 15},
}

// Tier names.
const (
	TierHot  = "Hot Lead"
	TierWarm = "Warm Lead"
	TierCold = "Cold Lead"
	TierLow  = "Low Priority"
)

// DefaultRecommendationThreshold is the component score at or above which a
// recommendation is produced.
const DefaultRecommendationThreshold = 60

// Result is the output of scoring one lead.
type Result struct {
	Components      map[string]int   `json:"components"`
	Total           int              `json:"total"`
	Tier            string           `json:"tier"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Engine scores leads. The zero value is not usable; use NewEngine.
type Engine struct {
	// Now anchors time-relative signals such as copyright freshness.
	Now                     func() time.Time
	RecommendationThreshold int
}

// NewEngine creates an engine using the wall clock.
func NewEngine() *Engine {
	return &Engine{Now: time.Now, RecommendationThreshold: DefaultRecommendationThreshold}
}

// Score computes component scores, the weighted total, tier and
// recommendations. It does not modify lead.
func (e *Engine) Score(lead *types.Lead) Result {
	now := e.Now()
	components := map[string]int{
		WebsiteQuality: computeWebsiteQuality(lead, now),
		ReviewScore:    computeReviewScore(lead),
		SEOScore:       computeSEOScore(lead),
		AdPresence:     computeAdPresence(lead),
		SocialPresence: computeSocialPresence(lead),
	}

	weighted := 0.0
	for _, w := range Weights {
		weighted += float64(components[w.Component]*w.Weight) / 100
	}
	total := clamp(int(math.Round(weighted)))

	return Result{
		Components:      components,
		Total:           total,
		Tier:            TierFor(total),
		Recommendations: e.recommend(lead, components),
	}
}

// TierFor maps a total score to its tier.
func TierFor(total int) string {
	switch {
	case total >= 80:
		return TierHot
	case total >= 60:
		return TierWarm
	case total >= 40:
		return TierCold
	default:
		return TierLow
	}
}

// Apply writes the result onto lead.
func (r Result) Apply(lead *types.Lead, scoredAt time.Time) {
	total := r.Total
	tier := r.Tier
	lead.Score = &total
	lead.Tier = &tier
	lead.Components = make(map[string]int, len(r.Components))
	for k, v := range r.Components {
		lead.Components[k] = v
	}
	lead.Recommendations = make([]string, len(r.Recommendations))
	for i, rec := range r.Recommendations {
		lead.Recommendations[i] = rec.String()
	}
	lead.ScoredAt = &scoredAt
}

func (e *Engine) recommend(lead *types.Lead, components map[string]int) []Recommendation {
	threshold := e.RecommendationThreshold
	if threshold <= 0 {
		threshold = DefaultRecommendationThreshold
	}

	var recs []Recommendation
	for _, w := range Weights {
		if components[w.Component] < threshold {
			continue
		}
		recs = append(recs, recommendationFor(w.Component, lead))
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	return recs
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
