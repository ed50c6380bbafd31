package sources

import (
	"context"
	"iter"
	"net/url"
	"strings"

	"github.com/jonathan/lead-pipeline/internal/fetch"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// PlacesConfig configures a places-style JSON search API.
type PlacesConfig struct {
	ID       string
	Endpoint string // e.g. https://places.example/v1/search
	APIKey   string
	KeyParam string // query parameter carrying the key; defaults to "key"
	MaxPages int
	Fetch    *fetch.Options
}

// placesResponse is the wire format of one search page.
type placesResponse struct {
	Status        string        `json:"status"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Results       []placeResult `json:"results"`
	NextPageToken string        `json:"next_page_token"`
}

type placeResult struct {
	Name             string   `json:"name"`
	FormattedAddress string   `json:"formatted_address"`
	Phone            string   `json:"formatted_phone_number"`
	Website          string   `json:"website"`
	Rating           *float64 `json:"rating"`
	UserRatingsTotal *int     `json:"user_ratings_total"`
	URL              string   `json:"url"`
}

// PlacesAdapter searches a JSON places API with page-token pagination.
type PlacesAdapter struct {
	cfg     PlacesConfig
	limiter Acquirer
}

// NewPlacesAdapter creates a places adapter. limiter may be nil.
func NewPlacesAdapter(cfg PlacesConfig, limiter Acquirer) *PlacesAdapter {
	if limiter == nil {
		limiter = noLimit{}
	}
	if cfg.KeyParam == "" {
		cfg.KeyParam = "key"
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 3
	}
	return &PlacesAdapter{cfg: cfg, limiter: limiter}
}

// ID returns the source identifier.
func (a *PlacesAdapter) ID() string { return a.cfg.ID }

// Search queries "<term> in <location>" and follows next_page_token.
func (a *PlacesAdapter) Search(ctx context.Context, q Query) iter.Seq2[types.Candidate, error] {
	return paginate(ctx, q.MaxResults, a.cfg.MaxPages, func(ctx context.Context, _ int, token string) ([]types.Candidate, string, error) {
		if err := a.limiter.Acquire(ctx, a.cfg.ID); err != nil {
			return nil, "", err
		}

		var resp placesResponse
		if err := fetch.JSON(ctx, a.requestURL(q, token), a.cfg.Fetch, &resp); err != nil {
			return nil, "", &Error{Source: a.cfg.ID, Message: "search request failed", Cause: err}
		}

		switch strings.ToUpper(resp.Status) {
		case "", "OK", "ZERO_RESULTS":
		default:
			return nil, "", &Error{Source: a.cfg.ID, Message: "search rejected: " + resp.Status + " " + resp.ErrorMessage}
		}

		items := make([]types.Candidate, 0, len(resp.Results))
		for _, r := range resp.Results {
			if strings.TrimSpace(r.Name) == "" {
				continue
			}
			items = append(items, types.Candidate{
				Name:        fetch.CleanText(r.Name),
				Address:     fetch.CleanText(r.FormattedAddress),
				Phone:       fetch.CleanText(r.Phone),
				Website:     strings.TrimSpace(r.Website),
				Rating:      r.Rating,
				ReviewCount: r.UserRatingsTotal,
				SourceID:    a.cfg.ID,
				SourceURL:   r.URL,
			})
		}
		return items, resp.NextPageToken, nil
	})
}

func (a *PlacesAdapter) requestURL(q Query, token string) string {
	v := url.Values{}
	v.Set("query", strings.TrimSpace(q.Term+" in "+q.Location))
	if a.cfg.APIKey != "" {
		v.Set(a.cfg.KeyParam, a.cfg.APIKey)
	}
	if token != "" {
		v.Set("pagetoken", token)
	}
	sep := "?"
	if strings.Contains(a.cfg.Endpoint, "?") {
		sep = "&"
	}
	return a.cfg.Endpoint + sep + v.Encode()
}
