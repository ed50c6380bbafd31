package types

import "time"

// Enrichment groups the optional signal blocks derived by the enrichment probe.
// A nil block means the signals are unknown.
type Enrichment struct {
	Website *WebsiteSignals `json:"website,omitempty"`
	SEO     *SEOSignals     `json:"seo,omitempty"`
	Ads     *AdSignals      `json:"ads,omitempty"`
	Social  *SocialSignals  `json:"social,omitempty"`

	ProbedAt *time.Time `json:"probed_at,omitempty"`
}

// WebsiteSignals describes the technical quality of a lead's website.
type WebsiteSignals struct {
	Reachable      bool     `json:"reachable"`
	HTTPS          bool     `json:"https"`
	MobileFriendly bool     `json:"mobile_friendly"`
	LoadTimeMs     int      `json:"load_time_ms"`
	CopyrightYear  *int     `json:"copyright_year,omitempty"`
	HasContactForm bool     `json:"has_contact_form"`
	Emails         []string `json:"emails,omitempty"`
}

// SEOSignals describes on-page search optimisation.
type SEOSignals struct {
	HasTitle           bool `json:"has_title"`
	TitleLength        int  `json:"title_length"`
	HasMetaDescription bool `json:"has_meta_description"`
	HasH1              bool `json:"has_h1"`
	HasStructuredData  bool `json:"has_structured_data"`
	HasCanonical       bool `json:"has_canonical"`
	Noindex            bool `json:"noindex"`
}

// AdSignals records tracking and advertising tags found on the site.
type AdSignals struct {
	GoogleAds       bool `json:"google_ads"`
	FacebookPixel   bool `json:"facebook_pixel"`
	GoogleAnalytics bool `json:"google_analytics"`
	TagManager      bool `json:"tag_manager"`
}

// SocialSignals lists social profiles linked from the site, keyed by platform.
type SocialSignals struct {
	Profiles map[string]string `json:"profiles"`
}

// SocialPlatforms are the platforms the probe looks for.
var SocialPlatforms = []string{"facebook", "instagram", "linkedin", "twitter", "youtube"}

// Clone returns a deep copy.
func (e Enrichment) Clone() Enrichment {
	out := Enrichment{}
	if e.Website != nil {
		w := *e.Website
		if e.Website.CopyrightYear != nil {
			y := *e.Website.CopyrightYear
			w.CopyrightYear = &y
		}
		w.Emails = append([]string(nil), e.Website.Emails...)
		out.Website = &w
	}
	if e.SEO != nil {
		s := *e.SEO
		out.SEO = &s
	}
	if e.Ads != nil {
		a := *e.Ads
		out.Ads = &a
	}
	if e.Social != nil {
		s := SocialSignals{Profiles: make(map[string]string, len(e.Social.Profiles))}
		for k, v := range e.Social.Profiles {
			s.Profiles[k] = v
		}
		out.Social = &s
	}
	if e.ProbedAt != nil {
		t := *e.ProbedAt
		out.ProbedAt = &t
	}
	return out
}

// PrimaryEmail returns the first discovered contact email, if any.
func (e Enrichment) PrimaryEmail() string {
	if e.Website == nil || len(e.Website.Emails) == 0 {
		return ""
	}
	return e.Website.Emails[0]
}
