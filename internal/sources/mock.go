package sources

import (
	"context"
	"fmt"
	"hash/fnv"
	"iter"
	"time"

	"github.com/jonathan/lead-pipeline/internal/types"
)

var (
	mockPrefixes = []string{"Acme", "Summit", "Lone Star", "Blue Ridge", "Evergreen", "Pioneer", "Reliable", "Metro", "Hometown", "Precision"}
	mockStreets  = []string{"Main St", "Oak Ave", "Elm St", "Cedar Ln", "Park Blvd", "Lake Dr", "Hill Rd", "River Way"}
)

// MockAdapter produces deterministic offline candidates for local runs. The
// same (seed, term, location) always yields the same listings, and adapters
// with different seeds overlap partially so dedupe is exercised.
type MockAdapter struct {
	id    string
	seed  uint64
	count int
	delay time.Duration
}

// NewMockAdapter creates a mock adapter yielding up to count candidates per query.
func NewMockAdapter(id string, seed uint64, count int) *MockAdapter {
	return &MockAdapter{id: id, seed: seed, count: count}
}

// WithDelay makes each yielded candidate take d, for timeout testing.
func (m *MockAdapter) WithDelay(d time.Duration) *MockAdapter {
	m.delay = d
	return m
}

// ID returns the source identifier.
func (m *MockAdapter) ID() string { return m.id }

// Search yields generated candidates.
func (m *MockAdapter) Search(ctx context.Context, q Query) iter.Seq2[types.Candidate, error] {
	n := m.count
	if q.MaxResults > 0 && q.MaxResults < n {
		n = q.MaxResults
	}
	return paginate(ctx, n, 1, func(ctx context.Context, _ int, _ string) ([]types.Candidate, string, error) {
		out := make([]types.Candidate, 0, n)
		for i := 0; i < n; i++ {
			if m.delay > 0 {
				select {
				case <-time.After(m.delay):
				case <-ctx.Done():
					return nil, "", ctx.Err()
				}
			}
			out = append(out, m.candidate(q, i))
		}
		return out, "", nil
	})
}

func (m *MockAdapter) candidate(q Query, i int) types.Candidate {
	// Listing i depends on the seed only through an offset so that two seeds
	// share part of their index space.
	idx := uint64(i) + m.seed%3
	h := hash64(fmt.Sprintf("%s|%s|%d", q.Term, q.Location, idx))

	name := fmt.Sprintf("%s %s", mockPrefixes[h%uint64(len(mockPrefixes))], titleCase(q.Term))
	address := fmt.Sprintf("%d %s, %s", 100+h%900, mockStreets[(h>>8)%uint64(len(mockStreets))], q.Location)

	c := types.Candidate{
		Name:      name,
		Address:   address,
		Phone:     fmt.Sprintf("555-%04d", h%10000),
		SourceID:  m.id,
		SourceURL: fmt.Sprintf("mock://%s/%d", m.id, h),
	}
	if h%3 != 0 {
		c.Website = fmt.Sprintf("https://%s.example", slug(name))
	}
	if h%4 != 0 {
		rating := float64(25+h%26) / 10
		reviews := int(h % 120)
		c.Rating = &rating
		c.ReviewCount = &reviews
	}
	return c
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func titleCase(s string) string {
	b := []byte(s)
	upper := true
	for i, c := range b {
		if upper && c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
		upper = c == ' '
	}
	return string(b)
}

func slug(s string) string {
	out := make([]byte, 0, len(s))
	for _, c := range []byte(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c-'A'+'a')
		}
	}
	return string(out)
}

// StaticAdapter yields a fixed list of candidates, optionally failing after
// them. It backs fixture sources and tests.
type StaticAdapter struct {
	id         string
	candidates []types.Candidate
	err        error
	delay      time.Duration
}

// NewStaticAdapter creates a static adapter. SourceID is set on every candidate.
func NewStaticAdapter(id string, candidates ...types.Candidate) *StaticAdapter {
	cs := make([]types.Candidate, len(candidates))
	for i, c := range candidates {
		c.SourceID = id
		cs[i] = c
	}
	return &StaticAdapter{id: id, candidates: cs}
}

// WithError makes the sequence end with err after the candidates.
func (s *StaticAdapter) WithError(err error) *StaticAdapter {
	s.err = err
	return s
}

// WithDelay delays the first page by d.
func (s *StaticAdapter) WithDelay(d time.Duration) *StaticAdapter {
	s.delay = d
	return s
}

// ID returns the source identifier.
func (s *StaticAdapter) ID() string { return s.id }

// Search yields the configured candidates.
func (s *StaticAdapter) Search(ctx context.Context, q Query) iter.Seq2[types.Candidate, error] {
	return paginate(ctx, q.MaxResults, 2, func(ctx context.Context, page int, _ string) ([]types.Candidate, string, error) {
		if page == 2 {
			if s.err != nil {
				return nil, "", s.err
			}
			return nil, "", nil
		}
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}
		next := ""
		if s.err != nil {
			if len(s.candidates) == 0 {
				return nil, "", s.err
			}
			next = "err"
		}
		return s.candidates, next, nil
	})
}
