package sources

import (
	"context"
	"iter"
	"log"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jonathan/lead-pipeline/internal/fetch"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// DirectorySelectors locate listing fields inside a results page.
type DirectorySelectors struct {
	Item        string `json:"item" yaml:"item"`
	Name        string `json:"name" yaml:"name"`
	Address     string `json:"address" yaml:"address"`
	Phone       string `json:"phone" yaml:"phone"`
	Website     string `json:"website" yaml:"website"` // anchor; href is used
	Rating      string `json:"rating" yaml:"rating"`   // text or [data-rating]/[aria-label]
	ReviewCount string `json:"review_count" yaml:"review_count"`
	Link        string `json:"link" yaml:"link"` // anchor to the listing detail page
}

// DirectoryConfig configures an HTML listing directory.
type DirectoryConfig struct {
	ID string
	// SearchURL may contain {term}, {location} and {page} placeholders.
	SearchURL string
	Selectors DirectorySelectors
	MaxPages  int
	Fetch     *fetch.Options
}

// DirectoryAdapter scrapes an HTML business directory.
type DirectoryAdapter struct {
	cfg     DirectoryConfig
	limiter Acquirer
}

// NewDirectoryAdapter creates a directory adapter. limiter may be nil.
func NewDirectoryAdapter(cfg DirectoryConfig, limiter Acquirer) *DirectoryAdapter {
	if limiter == nil {
		limiter = noLimit{}
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if cfg.Selectors.Item == "" {
		cfg.Selectors.Item = ".result"
	}
	if cfg.Selectors.Name == "" {
		cfg.Selectors.Name = ".name"
	}
	return &DirectoryAdapter{cfg: cfg, limiter: limiter}
}

// ID returns the source identifier.
func (a *DirectoryAdapter) ID() string { return a.cfg.ID }

// Search pages through the directory results.
func (a *DirectoryAdapter) Search(ctx context.Context, q Query) iter.Seq2[types.Candidate, error] {
	return paginate(ctx, q.MaxResults, a.cfg.MaxPages, func(ctx context.Context, page int, _ string) ([]types.Candidate, string, error) {
		pageURL := a.searchURL(q, page)

		if err := a.limiter.Acquire(ctx, a.cfg.ID); err != nil {
			return nil, "", err
		}

		result, err := fetch.URL(ctx, pageURL, a.cfg.Fetch)
		if err != nil {
			return nil, "", &Error{Source: a.cfg.ID, Message: "failed to fetch results page", Cause: err}
		}

		items, err := a.parse(result.HTML, result.FinalURL)
		if err != nil {
			return nil, "", &Error{Source: a.cfg.ID, Message: "failed to parse results page", Cause: err}
		}
		return items, strconv.Itoa(page + 1), nil
	})
}

func (a *DirectoryAdapter) searchURL(q Query, page int) string {
	r := strings.NewReplacer(
		"{term}", url.QueryEscape(q.Term),
		"{location}", url.QueryEscape(q.Location),
		"{page}", strconv.Itoa(page),
	)
	return r.Replace(a.cfg.SearchURL)
}

// parse extracts candidates from one results page. Listings without a name
// are skipped; every other field is optional.
func (a *DirectoryAdapter) parse(html, pageURL string) ([]types.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	sel := a.cfg.Selectors
	var out []types.Candidate
	skipped := 0
	doc.Find(sel.Item).Each(func(_ int, item *goquery.Selection) {
		name := fetch.CleanText(item.Find(sel.Name).First().Text())
		if name == "" {
			skipped++
			return
		}

		c := types.Candidate{
			Name:     name,
			SourceID: a.cfg.ID,
		}
		if sel.Address != "" {
			c.Address = fetch.CleanText(item.Find(sel.Address).First().Text())
		}
		if sel.Phone != "" {
			c.Phone = fetch.CleanText(item.Find(sel.Phone).First().Text())
		}
		if sel.Website != "" {
			if href, ok := item.Find(sel.Website).First().Attr("href"); ok {
				c.Website = externalWebsite(pageURL, href)
			}
		}
		if sel.Rating != "" {
			c.Rating = ratingFrom(item.Find(sel.Rating).First())
		}
		if sel.ReviewCount != "" {
			c.ReviewCount = ParseCount(item.Find(sel.ReviewCount).First().Text())
		}
		if sel.Link != "" {
			if href, ok := item.Find(sel.Link).First().Attr("href"); ok {
				c.SourceURL = fetch.ResolveURL(pageURL, href)
			}
		}
		if c.SourceURL == "" {
			c.SourceURL = pageURL
		}

		out = append(out, c)
	})

	if skipped > 0 {
		log.Printf("[source:%s] skipped %d listings without a name", a.cfg.ID, skipped)
	}
	return out, nil
}

// ratingFrom reads a rating from data-rating, aria-label or the element text.
func ratingFrom(s *goquery.Selection) *float64 {
	if s.Length() == 0 {
		return nil
	}
	if v, ok := s.Attr("data-rating"); ok {
		if r := ParseRating(v); r != nil {
			return r
		}
	}
	if v, ok := s.Attr("aria-label"); ok {
		if r := ParseRating(v); r != nil {
			return r
		}
	}
	return ParseRating(s.Text())
}

// externalWebsite resolves href and drops links that point back into the directory.
func externalWebsite(pageURL, href string) string {
	resolved := fetch.ResolveURL(pageURL, href)
	if resolved == "" {
		return ""
	}
	u, err := url.Parse(resolved)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	if p, err := url.Parse(pageURL); err == nil && strings.EqualFold(p.Host, u.Host) {
		return ""
	}
	return resolved
}
