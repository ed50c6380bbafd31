// Package sources provides the listing source adapters that turn a search term
// and location into a lazy sequence of lead candidates.
package sources

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/jonathan/lead-pipeline/internal/types"
)

// Query is a single search against a source.
type Query struct {
	Term       string
	Location   string
	MaxResults int
}

// Adapter is one external listing source.
//
// Search returns a finite, single-use sequence. Iterating it a second time
// yields nothing. A non-nil error is yielded at most once and ends the
// sequence.
type Adapter interface {
	ID() string
	Search(ctx context.Context, q Query) iter.Seq2[types.Candidate, error]
}

// Acquirer gates outbound requests; *ratelimit.Limiter implements it.
type Acquirer interface {
	Acquire(ctx context.Context, key string) error
}

type noLimit struct{}

func (noLimit) Acquire(context.Context, string) error { return nil }

// Error represents a failure of a single source.
type Error struct {
	Source  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("source %s: %s: %v", e.Source, e.Message, e.Cause)
	}
	return fmt.Sprintf("source %s: %s", e.Source, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// pageFunc fetches one page of results. An empty next token ends pagination.
type pageFunc func(ctx context.Context, page int, token string) (items []types.Candidate, next string, err error)

// paginate builds a single-use sequence that fetches pages on demand until
// max candidates were yielded, maxPages were read, or the source runs dry.
func paginate(ctx context.Context, max, maxPages int, fetchPage pageFunc) iter.Seq2[types.Candidate, error] {
	var used atomic.Bool
	return func(yield func(types.Candidate, error) bool) {
		if used.Swap(true) {
			return
		}

		yielded := 0
		token := ""
		for page := 1; maxPages <= 0 || page <= maxPages; page++ {
			if err := ctx.Err(); err != nil {
				yield(types.Candidate{}, err)
				return
			}

			items, next, err := fetchPage(ctx, page, token)
			if err != nil {
				yield(types.Candidate{}, err)
				return
			}
			for _, c := range items {
				if max > 0 && yielded >= max {
					return
				}
				if !yield(c, nil) {
					return
				}
				yielded++
			}
			if len(items) == 0 || next == "" || (max > 0 && yielded >= max) {
				return
			}
			token = next
		}
	}
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[types.Candidate, error]) ([]types.Candidate, error) {
	var out []types.Candidate
	for c, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

var (
	ratingPattern  = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
	integerPattern = regexp.MustCompile(`\d[\d,]*`)
)

// ParseRating extracts a 0-5 rating from text such as "4.5 stars" or
// "Rated 4,7 / 5". Returns nil when no plausible rating is present.
func ParseRating(s string) *float64 {
	m := ratingPattern.FindString(s)
	if m == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64)
	if err != nil || v < 0 || v > 5 {
		return nil
	}
	return &v
}

// ParseCount extracts an integer from text such as "(1,204 reviews)".
func ParseCount(s string) *int {
	m := integerPattern.FindString(s)
	if m == "" {
		return nil
	}
	v, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	if err != nil {
		return nil
	}
	return &v
}
