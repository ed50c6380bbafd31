// Package orchestrator runs a scrape: it fans out to every source adapter,
// merges and dedupes the candidates, probes their websites and persists the
// new leads with a scoring job each.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/lead-pipeline/internal/probe"
	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/sources"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// ErrInvalidRequest is returned for scrape requests missing required fields.
var ErrInvalidRequest = errors.New("invalid scrape request")

// LeadStore persists leads. CreateLeads returns only the leads that were
// inserted; leads whose identity key already exists in the campaign run are
// skipped.
type LeadStore interface {
	CreateLeads(ctx context.Context, leads []*types.Lead) ([]*types.Lead, error)
}

// Enqueuer schedules follow-on work.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload any, opts queue.Options) (*queue.Job, error)
}

// Prober derives enrichment signals from a website.
type Prober interface {
	Probe(ctx context.Context, siteURL string) (*types.Enrichment, error)
}

// Config tunes a scrape.
type Config struct {
	AdapterTimeout   time.Duration `json:"adapter_timeout" yaml:"adapter_timeout"`
	ProbeTimeout     time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	ProbeConcurrency int           `json:"probe_concurrency" yaml:"probe_concurrency"`
	Verbose          bool          `json:"verbose" yaml:"verbose"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = 2 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 30 * time.Second
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = 4
	}
	return c
}

// Request is a single industry and location scrape.
type Request struct {
	Industry      string
	Location      string
	MaxResults    int
	CampaignRunID uuid.UUID
	// OnProgress, when set, receives stage updates.
	OnProgress func(Progress)
}

// Progress is emitted as a scrape moves through its stages.
type Progress struct {
	Stage   string `json:"stage"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// Scrape stages.
const (
	StageSearch  = "search"
	StageMerge   = "merge"
	StageProbe   = "probe"
	StagePersist = "persist"
	StageDone    = "done"
)

// SourceStats describes one adapter's contribution.
type SourceStats struct {
	Source   string        `json:"source"`
	Fetched  int           `json:"fetched"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result summarises a scrape.
type Result struct {
	CampaignRunID uuid.UUID     `json:"campaign_run_id"`
	Industry      string        `json:"industry"`
	Location      string        `json:"location"`
	Candidates    int           `json:"candidates"`
	Duplicates    int           `json:"duplicates"`
	Invalid       int           `json:"invalid"`
	Truncated     int           `json:"truncated"`
	Probed        int           `json:"probed"`
	ProbeFailures int           `json:"probe_failures"`
	Existing      int           `json:"existing"`
	Enqueued      int           `json:"enqueued"`
	Leads         []*types.Lead `json:"leads"`
	Sources       []SourceStats `json:"sources"`
	Duration      time.Duration `json:"duration"`
}

// Orchestrator coordinates adapters, the prober, storage and the queue.
type Orchestrator struct {
	adapters []sources.Adapter
	prober   Prober
	store    LeadStore
	jobs     Enqueuer
	cfg      Config
	now      func() time.Time
}

// New creates an orchestrator. Adapters are merged in the given order. A nil
// prober disables enrichment.
func New(adapters []sources.Adapter, prober Prober, store LeadStore, jobs Enqueuer, cfg Config) *Orchestrator {
	return &Orchestrator{
		adapters: adapters,
		prober:   prober,
		store:    store,
		jobs:     jobs,
		cfg:      cfg.WithDefaults(),
		now:      time.Now,
	}
}

// Sources returns the adapter ids in declaration order.
func (o *Orchestrator) Sources() []string {
	ids := make([]string, len(o.adapters))
	for i, a := range o.adapters {
		ids[i] = a.ID()
	}
	return ids
}

// Scrape runs one industry and location search across every adapter.
//
// Adapter failures and timeouts degrade that adapter to an empty result. The
// merged list keeps adapter declaration order, so when two sources report the
// same business the earlier-declared source wins, and truncation at
// MaxResults is independent of which adapter answered first.
func (o *Orchestrator) Scrape(ctx context.Context, req Request) (*Result, error) {
	if req.Industry == "" || req.Location == "" || req.MaxResults <= 0 {
		return nil, fmt.Errorf("%w: industry, location and a positive max results are required", ErrInvalidRequest)
	}
	if req.CampaignRunID == uuid.Nil {
		req.CampaignRunID = uuid.New()
	}

	start := o.now()
	res := &Result{
		CampaignRunID: req.CampaignRunID,
		Industry:      req.Industry,
		Location:      req.Location,
	}
	emit := func(p Progress) {
		if req.OnProgress != nil {
			req.OnProgress(p)
		}
	}

	log.Printf("[scrape] %s in %s: querying %d sources (max %d)", req.Industry, req.Location, len(o.adapters), req.MaxResults)
	emit(Progress{Stage: StageSearch, Message: fmt.Sprintf("Querying %d sources", len(o.adapters)), Count: len(o.adapters)})

	perSource, stats := o.search(ctx, req, emit)
	res.Sources = stats
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := merge(perSource, req.MaxResults, res)
	emit(Progress{Stage: StageMerge, Message: fmt.Sprintf("%d unique candidates (%d duplicates)", len(candidates), res.Duplicates), Count: len(candidates)})

	now := o.now()
	leads := make([]*types.Lead, len(candidates))
	for i, c := range candidates {
		leads[i] = types.NewLead(c, req.CampaignRunID, req.Industry, req.Location, now)
	}

	if err := o.enrich(ctx, leads, res, emit); err != nil {
		return nil, err
	}

	created, err := o.store.CreateLeads(ctx, leads)
	if err != nil {
		return nil, fmt.Errorf("failed to persist leads: %w", err)
	}
	res.Leads = created
	res.Existing = len(leads) - len(created)
	emit(Progress{Stage: StagePersist, Message: fmt.Sprintf("Saved %d new leads", len(created)), Count: len(created)})

	for _, lead := range created {
		_, err := o.jobs.Enqueue(ctx, queue.QueueScoring, types.JobScoreLead,
			types.LeadPayload{LeadID: lead.ID}, queue.Options{Key: types.LeadJobKey(lead.ID)})
		if err != nil {
			// The rescore sweep picks up leads left unscored here.
			log.Printf("[scrape] failed to enqueue scoring for lead %s: %v", lead.ID, err)
			continue
		}
		res.Enqueued++
	}

	res.Duration = o.now().Sub(start)
	log.Printf("[scrape] %s in %s: %d candidates, %d duplicates, %d new leads, %d existing (%s)",
		req.Industry, req.Location, res.Candidates, res.Duplicates, len(created), res.Existing, res.Duration.Round(time.Millisecond))
	emit(Progress{Stage: StageDone, Message: fmt.Sprintf("Scrape complete: %d new leads", len(created)), Count: len(created)})
	return res, nil
}

// search queries every adapter concurrently and returns their candidates
// indexed by declaration order.
func (o *Orchestrator) search(ctx context.Context, req Request, emit func(Progress)) ([][]types.Candidate, []SourceStats) {
	perSource := make([][]types.Candidate, len(o.adapters))
	stats := make([]SourceStats, len(o.adapters))
	var emitMu sync.Mutex

	var g errgroup.Group
	for i, adapter := range o.adapters {
		g.Go(func() error {
			started := time.Now()
			actx, cancel := context.WithTimeout(ctx, o.cfg.AdapterTimeout)
			defer cancel()

			q := sources.Query{Term: req.Industry, Location: req.Location, MaxResults: req.MaxResults}
			found, err := sources.Collect(adapter.Search(actx, q))

			st := SourceStats{Source: adapter.ID(), Duration: time.Since(started)}
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					err = fmt.Errorf("timed out after %s: %w", o.cfg.AdapterTimeout, err)
				}
				log.Printf("[scrape] source %s failed, discarding %d partial results: %v", adapter.ID(), len(found), err)
				st.Error = err.Error()
				found = nil
			}
			st.Fetched = len(found)
			perSource[i] = found
			stats[i] = st

			if o.cfg.Verbose {
				log.Printf("[scrape] source %s returned %d candidates in %s", adapter.ID(), len(found), st.Duration.Round(time.Millisecond))
			}
			emitMu.Lock()
			emit(Progress{Stage: StageSearch, Source: adapter.ID(), Message: fmt.Sprintf("%s returned %d candidates", adapter.ID(), len(found)), Count: len(found)})
			emitMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return perSource, stats
}

// merge concatenates per-source candidates in declaration order, drops
// duplicates and nameless entries, and truncates to max.
func merge(perSource [][]types.Candidate, max int, res *Result) []types.Candidate {
	seen := make(map[types.IdentityKey]bool)
	var out []types.Candidate
	for _, list := range perSource {
		for _, c := range list {
			res.Candidates++
			key := c.Key()
			if key.Name == "" {
				log.Printf("[scrape] skipping candidate without a usable name from %s", c.SourceID)
				res.Invalid++
				continue
			}
			if seen[key] {
				res.Duplicates++
				continue
			}
			seen[key] = true
			if len(out) >= max {
				res.Truncated++
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

// enrich probes the website of every lead that has one. A failed probe leaves
// the lead without enrichment; an unreachable site is recorded as such.
func (o *Orchestrator) enrich(ctx context.Context, leads []*types.Lead, res *Result, emit func(Progress)) error {
	if o.prober == nil {
		return nil
	}

	var probed, failed int
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ProbeConcurrency)
	for _, lead := range leads {
		if lead.Website == "" {
			continue
		}
		g.Go(func() error {
			enrichment, err := o.probeLead(gCtx, lead)
			mu.Lock()
			defer mu.Unlock()
			probed++
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed++
				return nil
			}
			lead.Enrichment = *enrichment
			lead.Email = enrichment.PrimaryEmail()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	res.Probed = probed
	res.ProbeFailures = failed
	emit(Progress{Stage: StageProbe, Message: fmt.Sprintf("Probed %d websites (%d failed)", probed, failed), Count: probed})
	return nil
}

// probeLead returns enrichment for one lead. An unreachable site yields a
// website block marked unreachable rather than an error.
func (o *Orchestrator) probeLead(ctx context.Context, lead *types.Lead) (*types.Enrichment, error) {
	pctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()

	enrichment, err := o.prober.Probe(pctx, lead.Website)
	now := o.now()
	switch {
	case err == nil:
		enrichment.ProbedAt = &now
		return enrichment, nil
	case errors.Is(err, probe.ErrUnreachable):
		log.Printf("[scrape] %s (%s) is unreachable", lead.Website, lead.Name)
		return &types.Enrichment{
			Website:  &types.WebsiteSignals{Reachable: false},
			ProbedAt: &now,
		}, nil
	default:
		log.Printf("[scrape] probe failed for %s (%s): %v", lead.Website, lead.Name, err)
		return nil, err
	}
}
