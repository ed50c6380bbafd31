package probe

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jonathan/lead-pipeline/internal/fetch"
	"github.com/jonathan/lead-pipeline/internal/types"
)

var (
	copyrightPattern = regexp.MustCompile(`(?i)(?:©|\(c\)|copyright)\s*(?:\d{4}\s*[-–]\s*)?((?:19|20)\d{2})`)
	emailPattern     = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// tag markers are matched against the raw HTML, including inline scripts.
var (
	googleAdsMarkers     = []string{"googleadservices.com", "googlesyndication.com", "'aw-", "\"aw-", "conversion.js"}
	facebookPixelMarkers = []string{"connect.facebook.net", "fbq("}
	analyticsMarkers     = []string{"google-analytics.com", "gtag/js?id=g-", "gtag/js?id=ua-", "'ua-", "\"ua-"}
	tagManagerMarkers    = []string{"googletagmanager.com/gtm.js", "gtm-"}
)

var socialHosts = map[string]string{
	"facebook.com":  "facebook",
	"fb.com":        "facebook",
	"instagram.com": "instagram",
	"linkedin.com":  "linkedin",
	"twitter.com":   "twitter",
	"x.com":         "twitter",
	"youtube.com":   "youtube",
	"youtu.be":      "youtube",
}

// share widgets link to the platform but are not the business's profile
var shareFragments = []string{"sharer", "share.php", "intent/", "shareArticle", "/share"}

var ignoredEmailSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp"}

// Analyze derives enrichment from a fetched page. elapsed is the fetch time
// and now stamps ProbedAt and bounds copyright years.
func Analyze(html, pageURL string, elapsed time.Duration, now time.Time) (*types.Enrichment, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(html)
	probedAt := now

	return &types.Enrichment{
		Website:  websiteSignals(doc, pageURL, elapsed, now),
		SEO:      seoSignals(doc),
		Ads:      adSignals(lower),
		Social:   socialSignals(doc),
		ProbedAt: &probedAt,
	}, nil
}

func websiteSignals(doc *goquery.Document, pageURL string, elapsed time.Duration, now time.Time) *types.WebsiteSignals {
	w := &types.WebsiteSignals{
		Reachable:      true,
		LoadTimeMs:     int(elapsed / time.Millisecond),
		HasContactForm: hasContactForm(doc),
		Emails:         extractEmails(doc),
	}
	if u, err := url.Parse(pageURL); err == nil {
		w.HTTPS = u.Scheme == "https"
	}
	if viewport, ok := doc.Find(`meta[name="viewport"]`).Attr("content"); ok {
		w.MobileFriendly = strings.Contains(strings.ToLower(viewport), "width=device-width")
	}
	w.CopyrightYear = copyrightYear(visibleText(doc), now)
	return w
}

// copyrightYear returns the latest plausible year from copyright notices.
func copyrightYear(text string, now time.Time) *int {
	best := 0
	for _, m := range copyrightPattern.FindAllStringSubmatch(text, -1) {
		y, err := strconv.Atoi(m[1])
		if err != nil || y > now.Year()+1 {
			continue
		}
		if y > best {
			best = y
		}
	}
	if best == 0 {
		return nil
	}
	return &best
}

func hasContactForm(doc *goquery.Document) bool {
	found := false
	doc.Find("form").EachWithBreak(func(_ int, form *goquery.Selection) bool {
		action, _ := form.Attr("action")
		if form.Find(`input[type="email"], textarea`).Length() > 0 ||
			strings.Contains(strings.ToLower(action), "contact") {
			found = true
			return false
		}
		return true
	})
	return found
}

// extractEmails collects addresses from mailto links first, then page text.
// Results are lowercased and deduplicated in discovery order.
func extractEmails(doc *goquery.Document) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(e string) {
		e = strings.ToLower(strings.Trim(e, " .;,<>"))
		if e == "" || seen[e] || !emailPattern.MatchString(e) {
			return
		}
		for _, suffix := range ignoredEmailSuffixes {
			if strings.HasSuffix(e, suffix) {
				return
			}
		}
		seen[e] = true
		out = append(out, e)
	}

	doc.Find(`a[href^="mailto:"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		addr := strings.TrimPrefix(href, "mailto:")
		if i := strings.IndexByte(addr, '?'); i >= 0 {
			addr = addr[:i]
		}
		if decoded, err := url.PathUnescape(addr); err == nil {
			addr = decoded
		}
		add(addr)
	})
	for _, m := range emailPattern.FindAllString(visibleText(doc), -1) {
		add(m)
	}
	return out
}

func seoSignals(doc *goquery.Document) *types.SEOSignals {
	title := fetch.CleanText(doc.Find("title").First().Text())
	desc, _ := doc.Find(`meta[name="description"]`).Attr("content")
	robots, _ := doc.Find(`meta[name="robots"]`).Attr("content")

	return &types.SEOSignals{
		HasTitle:           title != "",
		TitleLength:        len(title),
		HasMetaDescription: strings.TrimSpace(desc) != "",
		HasH1:              strings.TrimSpace(doc.Find("h1").First().Text()) != "",
		HasStructuredData:  doc.Find(`script[type="application/ld+json"]`).Length() > 0,
		HasCanonical:       doc.Find(`link[rel="canonical"]`).Length() > 0,
		Noindex:            strings.Contains(strings.ToLower(robots), "noindex"),
	}
}

func adSignals(lowerHTML string) *types.AdSignals {
	return &types.AdSignals{
		GoogleAds:       containsAny(lowerHTML, googleAdsMarkers),
		FacebookPixel:   containsAny(lowerHTML, facebookPixelMarkers),
		GoogleAnalytics: containsAny(lowerHTML, analyticsMarkers),
		TagManager:      containsAny(lowerHTML, tagManagerMarkers),
	}
}

func socialSignals(doc *goquery.Document) *types.SocialSignals {
	profiles := make(map[string]string)
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		u, err := url.Parse(strings.TrimSpace(href))
		if err != nil || u.Host == "" {
			return
		}
		platform := socialHosts[strings.TrimPrefix(strings.ToLower(u.Host), "www.")]
		if platform == "" {
			if host := strings.ToLower(u.Host); strings.HasSuffix(host, ".linkedin.com") {
				platform = "linkedin"
			}
		}
		if platform == "" || profiles[platform] != "" {
			return
		}
		if containsAny(href, shareFragments) || strings.Trim(u.Path, "/") == "" {
			return
		}
		profiles[platform] = u.String()
	})
	return &types.SocialSignals{Profiles: profiles}
}

// contactLink finds a same-site link whose href or text mentions "contact".
func contactLink(doc *goquery.Document, pageURL string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	var candidates []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		text := strings.ToLower(a.Text())
		if !strings.Contains(strings.ToLower(href), "contact") && !strings.Contains(text, "contact") {
			return
		}
		resolved := fetch.ResolveURL(pageURL, href)
		u, err := url.Parse(resolved)
		if err != nil || !strings.EqualFold(u.Host, base.Host) || resolved == pageURL {
			return
		}
		candidates = append(candidates, resolved)
	})
	if len(candidates) == 0 {
		return ""
	}
	// prefer the shortest path, usually /contact over /contact/thank-you
	sort.SliceStable(candidates, func(i, j int) bool { return len(candidates[i]) < len(candidates[j]) })
	return candidates[0]
}

// visibleText returns the document text without scripts and styles, one text
// node per line. Unlike fetch.MainText it keeps headers and footers, where
// contact details live.
func visibleText(doc *goquery.Document) string {
	root := doc.Selection.Clone()
	root.Find("script, style, noscript").Remove()

	var parts []string
	root.Find("*").Contents().Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) != "#text" {
			return
		}
		if t := strings.TrimSpace(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n")
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
