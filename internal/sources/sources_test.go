package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/lead-pipeline/internal/types"
)

const directoryPage = `
<html><body>
  <div class="result">
    <a class="link" href="/biz/abc"><h2 class="name">ABC Plumbing</h2></a>
    <span class="addr">12 Main St, Austin</span>
    <span class="phone">555-0100</span>
    <a class="site" href="https://abcplumbing.example">Website</a>
    <span class="stars" data-rating="4.6">4.6 stars</span>
    <span class="reviews">(1,204 reviews)</span>
  </div>
  <div class="result">
    <h2 class="name">Budget Pipes</h2>
    <span class="addr">99 Oak Ave</span>
    <a class="site" href="/internal/redirect">Website</a>
  </div>
  <div class="result">
    <span class="addr">no name here</span>
  </div>
</body></html>`

func directorySelectors() DirectorySelectors {
	return DirectorySelectors{
		Item:        ".result",
		Name:        ".name",
		Address:     ".addr",
		Phone:       ".phone",
		Website:     ".site",
		Rating:      ".stars",
		ReviewCount: ".reviews",
		Link:        ".link",
	}
}

func TestDirectoryAdapter_ParsesListings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Austin TX", r.URL.Query().Get("loc"))
		if r.URL.Query().Get("page") != "1" {
			_, _ = w.Write([]byte("<html><body></body></html>"))
			return
		}
		_, _ = w.Write([]byte(directoryPage))
	}))
	defer server.Close()

	a := NewDirectoryAdapter(DirectoryConfig{
		ID:        "yellow",
		SearchURL: server.URL + "/search?q={term}&loc={location}&page={page}",
		Selectors: directorySelectors(),
	}, nil)

	got, err := Collect(a.Search(context.Background(), Query{Term: "plumbers", Location: "Austin TX"}))
	require.NoError(t, err)
	require.Len(t, got, 2)

	abc := got[0]
	assert.Equal(t, "ABC Plumbing", abc.Name)
	assert.Equal(t, "12 Main St, Austin", abc.Address)
	assert.Equal(t, "555-0100", abc.Phone)
	assert.Equal(t, "https://abcplumbing.example", abc.Website)
	require.NotNil(t, abc.Rating)
	assert.InDelta(t, 4.6, *abc.Rating, 0.001)
	require.NotNil(t, abc.ReviewCount)
	assert.Equal(t, 1204, *abc.ReviewCount)
	assert.Equal(t, server.URL+"/biz/abc", abc.SourceURL)
	assert.Equal(t, "yellow", abc.SourceID)

	budget := got[1]
	assert.Equal(t, "Budget Pipes", budget.Name)
	assert.Empty(t, budget.Website, "same-host links are not business websites")
	assert.Nil(t, budget.Rating)
	assert.Nil(t, budget.ReviewCount)
}

func TestDirectoryAdapter_PaginatesUntilEmpty(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		page := r.URL.Query().Get("page")
		if page == "3" {
			_, _ = w.Write([]byte("<html><body></body></html>"))
			return
		}
		fmt.Fprintf(w, `<div class="result"><span class="name">Biz %s</span></div>`, page)
	}))
	defer server.Close()

	a := NewDirectoryAdapter(DirectoryConfig{
		ID:        "dir",
		SearchURL: server.URL + "/?page={page}",
	}, nil)

	got, err := Collect(a.Search(context.Background(), Query{Term: "x", Location: "y"}))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Biz 1", got[0].Name)
	assert.Equal(t, "Biz 2", got[1].Name)
	assert.Equal(t, int32(3), requests.Load())
}

func TestDirectoryAdapter_StopsAtMaxResults(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte(`<div class="result"><span class="name">A</span></div><div class="result"><span class="name">B</span></div>`))
	}))
	defer server.Close()

	a := NewDirectoryAdapter(DirectoryConfig{ID: "dir", SearchURL: server.URL + "/?page={page}"}, nil)

	got, err := Collect(a.Search(context.Background(), Query{MaxResults: 3}))
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, int32(2), requests.Load())
}

func TestDirectoryAdapter_FetchFailureEndsSequence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	a := NewDirectoryAdapter(DirectoryConfig{ID: "dir", SearchURL: server.URL}, nil)
	_, err := Collect(a.Search(context.Background(), Query{}))
	require.Error(t, err)

	var srcErr *Error
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, "dir", srcErr.Source)
}

type countingLimiter struct{ calls atomic.Int32 }

func (c *countingLimiter) Acquire(context.Context, string) error {
	c.calls.Add(1)
	return nil
}

func TestPlacesAdapter_FollowsPageToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "plumbers in Austin", r.URL.Query().Get("query"))
		assert.Equal(t, "k123", r.URL.Query().Get("key"))
		switch r.URL.Query().Get("pagetoken") {
		case "":
			_, _ = w.Write([]byte(`{"status":"OK","results":[
				{"name":"ABC Plumbing","formatted_address":"12 Main St","rating":4.1,"user_ratings_total":12,"website":"https://abc.example"},
				{"name":"","formatted_address":"skipped"}
			],"next_page_token":"p2"}`))
		case "p2":
			_, _ = w.Write([]byte(`{"status":"OK","results":[{"name":"Drain Pros"}]}`))
		default:
			t.Errorf("unexpected token %q", r.URL.Query().Get("pagetoken"))
		}
	}))
	defer server.Close()

	limiter := &countingLimiter{}
	a := NewPlacesAdapter(PlacesConfig{ID: "places", Endpoint: server.URL, APIKey: "k123"}, limiter)

	got, err := Collect(a.Search(context.Background(), Query{Term: "plumbers", Location: "Austin"}))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ABC Plumbing", got[0].Name)
	require.NotNil(t, got[0].ReviewCount)
	assert.Equal(t, 12, *got[0].ReviewCount)
	assert.Equal(t, "Drain Pros", got[1].Name)
	assert.Nil(t, got[1].Rating)
	assert.Equal(t, int32(2), limiter.calls.Load())
}

func TestPlacesAdapter_RejectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"REQUEST_DENIED","error_message":"bad key"}`))
	}))
	defer server.Close()

	a := NewPlacesAdapter(PlacesConfig{ID: "places", Endpoint: server.URL}, nil)
	_, err := Collect(a.Search(context.Background(), Query{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REQUEST_DENIED")
}

func TestSearch_IsSingleUse(t *testing.T) {
	a := NewStaticAdapter("s", types.Candidate{Name: "One"}, types.Candidate{Name: "Two"})
	seq := a.Search(context.Background(), Query{})

	first, err := Collect(seq)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := Collect(seq)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestStaticAdapter_ErrorAfterCandidates(t *testing.T) {
	boom := errors.New("boom")
	a := NewStaticAdapter("s", types.Candidate{Name: "One"}).WithError(boom)

	got, err := Collect(a.Search(context.Background(), Query{}))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, got, 1)
	assert.Equal(t, "s", got[0].SourceID)
}

func TestStaticAdapter_ErrorOnly(t *testing.T) {
	boom := errors.New("boom")
	_, err := Collect(NewStaticAdapter("s").WithError(boom).Search(context.Background(), Query{}))
	assert.ErrorIs(t, err, boom)
}

func TestStaticAdapter_DelayRespectsContext(t *testing.T) {
	a := NewStaticAdapter("slow", types.Candidate{Name: "Late"}).WithDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Collect(a.Search(ctx, Query{}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockAdapter_Deterministic(t *testing.T) {
	q := Query{Term: "plumbers", Location: "Austin, TX", MaxResults: 5}

	a, err := Collect(NewMockAdapter("m", 1, 10).Search(context.Background(), q))
	require.NoError(t, err)
	b, err := Collect(NewMockAdapter("m", 1, 10).Search(context.Background(), q))
	require.NoError(t, err)

	require.Len(t, a, 5)
	assert.Equal(t, a, b)
	for _, c := range a {
		assert.NotEmpty(t, c.Name)
		assert.Contains(t, c.Address, "Austin, TX")
	}
}

func TestParseRating(t *testing.T) {
	tests := []struct {
		in   string
		want *float64
	}{
		{"4.5 stars", ptr(4.5)},
		{"Rated 4,7 / 5", ptr(4.7)},
		{"5", ptr(5.0)},
		{"no rating", nil},
		{"9.1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseRating(tt.in)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 0.001)
		})
	}
}

func TestParseCount(t *testing.T) {
	got := ParseCount("(1,204 reviews)")
	require.NotNil(t, got)
	assert.Equal(t, 1204, *got)
	assert.Nil(t, ParseCount("no reviews yet"))
}

func ptr(f float64) *float64 { return &f }
