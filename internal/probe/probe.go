// Package probe derives enrichment signals (website quality, SEO, advertising
// and social presence, contact emails) from a lead's website.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jonathan/lead-pipeline/internal/fetch"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// ErrUnreachable is returned when the site cannot be fetched.
var ErrUnreachable = errors.New("site unreachable")

// ErrInvalidURL is returned for websites that are not http(s) URLs.
var ErrInvalidURL = errors.New("invalid website URL")

// Acquirer gates outbound probe requests.
type Acquirer interface {
	Acquire(ctx context.Context, key string) error
}

// LimiterKey is the rate limiter key used for probe requests.
const LimiterKey = "probe"

// Options configures a Prober.
type Options struct {
	Fetch *fetch.Options
	// UseBrowser enables a headless-browser render when the fetched page has
	// too little text to be representative.
	UseBrowser bool
	Browser    fetch.BrowserOptions
	// FollowContactPage fetches a same-site contact page when the homepage
	// exposes no email address.
	FollowContactPage bool
	Now               func() time.Time
	Verbose           bool
}

// Prober fetches and analyzes lead websites.
type Prober struct {
	opts    Options
	limiter Acquirer
	render  func(ctx context.Context, url string, opts fetch.BrowserOptions) (string, error)
}

// New creates a Prober. limiter may be nil.
func New(opts Options, limiter Acquirer) *Prober {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Prober{opts: opts, limiter: limiter, render: fetch.WithBrowser}
}

// Probe fetches siteURL and returns the derived signals. Any fetch failure,
// including a non-2xx response, is reported as ErrUnreachable.
func (p *Prober) Probe(ctx context.Context, siteURL string) (*types.Enrichment, error) {
	target, err := NormalizeURL(siteURL)
	if err != nil {
		return nil, err
	}

	if err := p.acquire(ctx); err != nil {
		return nil, err
	}

	result, err := fetch.URL(ctx, target, p.opts.Fetch)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	html := result.HTML
	if p.opts.UseBrowser {
		html = p.maybeRender(ctx, result.FinalURL, html)
	}

	enrichment, err := Analyze(html, result.FinalURL, result.Elapsed, p.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to analyze %s: %w", target, err)
	}

	if p.opts.FollowContactPage && len(enrichment.Website.Emails) == 0 {
		if emails := p.contactPageEmails(ctx, html, result.FinalURL); len(emails) > 0 {
			enrichment.Website.Emails = emails
		}
	}

	return enrichment, nil
}

func (p *Prober) acquire(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Acquire(ctx, LimiterKey)
}

// maybeRender swaps in browser-rendered HTML for script-heavy pages. Render
// failures keep the original HTML.
func (p *Prober) maybeRender(ctx context.Context, pageURL, html string) string {
	text, err := fetch.ExtractMainText(html, fetch.DefaultTextSelectors())
	if err != nil || !fetch.ShouldUseBrowser(text) {
		return html
	}
	if p.opts.Verbose {
		log.Printf("[probe] %s has %d chars of text, rendering in browser", pageURL, len(text))
	}
	rendered, err := p.render(ctx, pageURL, p.opts.Browser)
	if err != nil {
		log.Printf("[probe] browser render failed for %s: %v", pageURL, err)
		return html
	}
	return rendered
}

// contactPageEmails fetches the first same-site contact link and returns the
// emails found there.
func (p *Prober) contactPageEmails(ctx context.Context, html, pageURL string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	link := contactLink(doc, pageURL)
	if link == "" {
		return nil
	}
	if err := p.acquire(ctx); err != nil {
		return nil
	}
	res, err := fetch.URL(ctx, link, p.opts.Fetch)
	if err != nil {
		if p.opts.Verbose {
			log.Printf("[probe] contact page %s: %v", link, err)
		}
		return nil
	}
	contact, err := goquery.NewDocumentFromReader(strings.NewReader(res.HTML))
	if err != nil {
		return nil
	}
	return extractEmails(contact)
}

// NormalizeURL adds a scheme to bare hosts and rejects non-web URLs.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidURL
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return u.String(), nil
}
