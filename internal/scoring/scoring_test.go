package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/lead-pipeline/internal/types"
)

var now2026 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func engineAt(t time.Time) *Engine {
	return &Engine{Now: func() time.Time { return t }, RecommendationThreshold: DefaultRecommendationThreshold}
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func strongLead() *types.Lead {
	return &types.Lead{
		Name:    "Established Co",
		Website: "https://established.example",
		Rating:  floatPtr(4.8),
		Reviews: intPtr(320),
		Enrichment: types.Enrichment{
			Website: &types.WebsiteSignals{
				Reachable: true, HTTPS: true, MobileFriendly: true,
				LoadTimeMs: 500, CopyrightYear: intPtr(2026), HasContactForm: true,
			},
			SEO: &types.SEOSignals{
				HasTitle: true, TitleLength: 32, HasMetaDescription: true,
				HasH1: true, HasStructuredData: true, HasCanonical: true,
			},
			Ads: &types.AdSignals{GoogleAds: true, FacebookPixel: true, GoogleAnalytics: true, TagManager: true},
			Social: &types.SocialSignals{Profiles: map[string]string{
				"facebook":  "https://facebook.com/est",
				"instagram": "https://instagram.com/est",
				"linkedin":  "https://linkedin.com/company/est",
				"youtube":   "https://youtube.com/@est",
			}},
		},
	}
}

func TestWeightsSumTo100(t *testing.T) {
	sum := 0
	for _, w := range Weights {
		sum += w.Weight
	}
	assert.Equal(t, 100, sum)
}

func TestScore_NoWebsiteNoReviews(t *testing.T) {
	lead := &types.Lead{Name: "ABC Plumbing", Address: "1 Main St"}

	r := engineAt(now2026).Score(lead)

	assert.Equal(t, 100, r.Components[WebsiteQuality])
	assert.GreaterOrEqual(t, r.Components[ReviewScore], 40)
	assert.Equal(t, 100, r.Total)
	assert.Equal(t, TierHot, r.Tier)

	require.Len(t, r.Recommendations, 5)
	assert.Equal(t, "Build a professional website", r.Recommendations[0].Message)
	assert.Equal(t, "Start a review generation campaign", r.Recommendations[1].Message)
}

func TestScore_StrongPresenceIsLowPriority(t *testing.T) {
	r := engineAt(now2026).Score(strongLead())

	for name, v := range r.Components {
		assert.Equal(t, 0, v, name)
	}
	assert.Equal(t, 0, r.Total)
	assert.Equal(t, TierLow, r.Tier)
	assert.Empty(t, r.Recommendations)
}

func TestScore_MixedPresence(t *testing.T) {
	lead := &types.Lead{
		Website: "http://mixed.example",
		Rating:  floatPtr(4.0),
		Reviews: intPtr(10),
		Enrichment: types.Enrichment{
			Website: &types.WebsiteSignals{
				Reachable: true, MobileFriendly: true, LoadTimeMs: 2500, CopyrightYear: intPtr(2020),
			},
			SEO:    &types.SEOSignals{HasTitle: true, TitleLength: 30, HasH1: true},
			Ads:    &types.AdSignals{GoogleAnalytics: true},
			Social: &types.SocialSignals{Profiles: map[string]string{"facebook": "https://facebook.com/mixed"}},
		},
	}

	r := engineAt(now2026).Score(lead)

	assert.Equal(t, map[string]int{
		WebsiteQuality: 68,
		ReviewScore:    60,
		SEOScore:       45,
		AdPresence:     80,
		SocialPresence: 75,
	}, r.Components)
	assert.Equal(t, 64, r.Total)
	assert.Equal(t, TierWarm, r.Tier)

	var order []string
	for _, rec := range r.Recommendations {
		order = append(order, rec.Component)
	}
	assert.Equal(t, []string{WebsiteQuality, ReviewScore, AdPresence, SocialPresence}, order)
	assert.Equal(t, "Modernize the website: HTTPS, contact form", r.Recommendations[0].Message)
	assert.Equal(t, PriorityLow, r.Recommendations[3].Priority)
}

func TestScore_UnknownEnrichmentIsMaximumOpportunity(t *testing.T) {
	lead := &types.Lead{Website: "https://unprobed.example", Reviews: intPtr(100), Rating: floatPtr(5)}

	r := engineAt(now2026).Score(lead)
	assert.Equal(t, 100, r.Components[WebsiteQuality])
	assert.Equal(t, 100, r.Components[SEOScore])
	assert.Equal(t, 100, r.Components[AdPresence])
	assert.Equal(t, 100, r.Components[SocialPresence])
	assert.Equal(t, 0, r.Components[ReviewScore])
	assert.Equal(t, 75, r.Total)
}

func TestScore_UnreachableWebsite(t *testing.T) {
	lead := strongLead()
	lead.Enrichment.Website = &types.WebsiteSignals{Reachable: false}

	r := engineAt(now2026).Score(lead)
	assert.Equal(t, 100, r.Components[WebsiteQuality])
	require.NotEmpty(t, r.Recommendations)
	assert.Equal(t, "Fix or rebuild the unreachable website", r.Recommendations[0].Message)
}

func TestScore_IsPure(t *testing.T) {
	lead := strongLead()
	lead.Enrichment.Ads = nil
	before := lead.Clone()

	e := engineAt(now2026)
	a := e.Score(lead)
	b := e.Score(lead)

	assert.Equal(t, a, b)
	assert.Equal(t, before, lead)
}

func TestScore_CopyrightFreshnessUsesInjectedNow(t *testing.T) {
	lead := strongLead()
	lead.Enrichment.Website.CopyrightYear = intPtr(2022)

	fresh := engineAt(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)).Score(lead)
	stale := engineAt(time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC)).Score(lead)

	assert.Equal(t, 0, fresh.Components[WebsiteQuality])
	assert.Equal(t, 20, stale.Components[WebsiteQuality])
}

func TestComputeReviewScore_Branches(t *testing.T) {
	tests := []struct {
		name    string
		reviews *int
		rating  *float64
		want    int
	}{
		{"unknown", nil, nil, 100},
		{"few reviews good rating", intPtr(3), floatPtr(4.9), 60},
		{"some reviews mediocre rating", intPtr(12), floatPtr(3.9), 60},
		{"moderate reviews poor rating", intPtr(30), floatPtr(2.1), 60},
		{"many reviews good rating", intPtr(80), floatPtr(4.5), 0},
		{"many reviews no rating", intPtr(80), nil, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lead := &types.Lead{Reviews: tt.reviews, Rating: tt.rating}
			assert.Equal(t, tt.want, computeReviewScore(lead))
		})
	}
}

func TestComputeSocialPresence(t *testing.T) {
	lead := &types.Lead{Enrichment: types.Enrichment{Social: &types.SocialSignals{Profiles: map[string]string{}}}}
	assert.Equal(t, 100, computeSocialPresence(lead))

	lead.Enrichment.Social.Profiles["facebook"] = "https://facebook.com/x"
	lead.Enrichment.Social.Profiles["twitter"] = "https://x.com/x"
	assert.Equal(t, 50, computeSocialPresence(lead))
}

func TestComponentsAndTotalStayInRange(t *testing.T) {
	e := engineAt(now2026)
	bools := []bool{false, true}
	for _, https := range bools {
		for _, noindex := range bools {
			for _, ads := range bools {
				lead := strongLead()
				lead.Enrichment.Website.HTTPS = https
				lead.Enrichment.Website.LoadTimeMs = 9000
				lead.Enrichment.SEO = &types.SEOSignals{Noindex: noindex}
				lead.Enrichment.Ads = &types.AdSignals{GoogleAds: ads}
				lead.Reviews = intPtr(0)

				r := e.Score(lead)
				for name, v := range r.Components {
					assert.GreaterOrEqual(t, v, 0, name)
					assert.LessOrEqual(t, v, 100, name)
				}
				assert.GreaterOrEqual(t, r.Total, 0)
				assert.LessOrEqual(t, r.Total, 100)
			}
		}
	}
}

func TestTierFor(t *testing.T) {
	assert.Equal(t, TierHot, TierFor(80))
	assert.Equal(t, TierWarm, TierFor(79))
	assert.Equal(t, TierWarm, TierFor(60))
	assert.Equal(t, TierCold, TierFor(59))
	assert.Equal(t, TierCold, TierFor(40))
	assert.Equal(t, TierLow, TierFor(39))
}

func TestResultApply(t *testing.T) {
	lead := &types.Lead{}
	r := engineAt(now2026).Score(lead)
	r.Apply(lead, now2026)

	require.NotNil(t, lead.Score)
	assert.Equal(t, r.Total, *lead.Score)
	require.NotNil(t, lead.Tier)
	assert.Equal(t, TierHot, *lead.Tier)
	assert.Equal(t, r.Components, lead.Components)
	require.Len(t, lead.Recommendations, len(r.Recommendations))
	assert.Equal(t, "[High] Build a professional website", lead.Recommendations[0])
	require.NotNil(t, lead.ScoredAt)
}
