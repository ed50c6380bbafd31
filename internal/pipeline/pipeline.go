// Package pipeline wires the lead acquisition and engagement components
// together: storage, sources, the scrape orchestrator, scoring, job queues,
// the lifecycle state machine, triggers and the bounce poller.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	r "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/lead-pipeline/internal/config"
	"github.com/jonathan/lead-pipeline/internal/db"
	"github.com/jonathan/lead-pipeline/internal/fetch"
	"github.com/jonathan/lead-pipeline/internal/lifecycle"
	"github.com/jonathan/lead-pipeline/internal/observability"
	"github.com/jonathan/lead-pipeline/internal/orchestrator"
	"github.com/jonathan/lead-pipeline/internal/probe"
	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/ratelimit"
	"github.com/jonathan/lead-pipeline/internal/rendering"
	"github.com/jonathan/lead-pipeline/internal/scheduler"
	"github.com/jonathan/lead-pipeline/internal/schemas"
	"github.com/jonathan/lead-pipeline/internal/scoring"
	"github.com/jonathan/lead-pipeline/internal/sources"
	"github.com/jonathan/lead-pipeline/internal/transport"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// Options overrides parts of what New would build from configuration.
type Options struct {
	// Store replaces the configured storage. Close does not close it.
	Store db.Store
	// Adapters replaces the configured listing sources.
	Adapters []sources.Adapter
	// Prober replaces the website prober.
	Prober orchestrator.Prober
	// Sender replaces the configured email transport.
	Sender transport.Sender
}

// Pipeline holds the wired components.
type Pipeline struct {
	cfg *config.Config

	Store     db.Store
	Limiter   *ratelimit.Limiter
	Scraper   *orchestrator.Orchestrator
	Prober    orchestrator.Prober
	Engine    *scoring.Engine
	Jobs      *queue.Manager
	Lifecycle *lifecycle.Machine
	Scheduler *scheduler.Scheduler
	Health    *observability.Checker
	Schemas   *schemas.Validator
	Bounces   *transport.BouncePoller

	database *db.DB
	redis    *r.Client
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds a pipeline from cfg. Nothing runs until Start is called.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Pipeline, error) {
	p := &Pipeline{cfg: cfg, Engine: scoring.NewEngine(), now: time.Now}

	if err := p.openStorage(ctx, opts.Store); err != nil {
		return nil, err
	}

	v, err := schemas.Load()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}
	p.Schemas = v

	p.Limiter = ratelimit.NewLimiter(cfg.LimiterConfig())

	adapters := opts.Adapters
	if adapters == nil {
		adapters, err = buildAdapters(cfg, p.Limiter)
		if err != nil {
			p.Close()
			return nil, err
		}
	}
	if len(adapters) == 0 {
		log.Printf("[pipeline] no listing sources configured, scrapes will return nothing")
	}

	p.Prober = opts.Prober
	if p.Prober == nil {
		p.Prober = buildProber(cfg, p.Limiter)
	}

	queues := cfg.QueueConfigs()
	if err := ValidateRegistry(queues); err != nil {
		p.Close()
		return nil, err
	}
	p.Jobs = queue.NewManager(p.Store)
	p.Jobs.SetValidator(p.Schemas.JobPayload)
	for _, qc := range queues {
		p.Jobs.AddQueue(qc)
	}

	p.Scraper = orchestrator.New(adapters, p.Prober, p.Store, p.Jobs, cfg.OrchestratorConfig())

	renderer, err := rendering.NewRenderer(cfg.TemplatesDir, cfg.RendererSender())
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	sender := opts.Sender
	if sender == nil {
		sender = buildSender(cfg)
	}
	p.Lifecycle = lifecycle.New(p.Store, p.Jobs, sender, renderer, cfg.LifecycleConfig())

	var triggerStore scheduler.TriggerStore = p.Store
	if p.redis != nil {
		triggerStore = db.NewRedisTriggerStore(p.redis, cfg.RedisPrefix)
	}
	p.Scheduler = scheduler.New(triggerStore, scheduler.Options{
		Tick:     cfg.Scheduler.Tick,
		Location: cfg.Location(),
		LockPath: cfg.Scheduler.LockPath,
	})
	if err := p.registerTriggers(); err != nil {
		p.Close()
		return nil, err
	}

	p.Health = observability.NewChecker(cfg.Health, p.Store, p.Jobs, p.Scheduler)

	if mcfg := cfg.MailboxConfig(); mcfg.Enabled() {
		p.Bounces = transport.NewBouncePoller(mcfg, func(ctx context.Context, ev types.EngagementEvent) error {
			_, err := p.Lifecycle.ApplyEngagementEvent(ctx, ev)
			return err
		})
	}

	p.registerHandlers()
	return p, nil
}

func (p *Pipeline) openStorage(ctx context.Context, store db.Store) error {
	switch {
	case store != nil:
		p.Store = store
	case p.cfg.DatabaseURL != "":
		database, err := db.Connect(ctx, p.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		p.database = database
		p.Store = database
	default:
		log.Printf("[pipeline] DATABASE_URL not set, using in-memory storage")
		p.Store = db.NewMemoryStore()
	}

	if p.cfg.RedisURL != "" {
		rdb, err := db.ConnectRedis(ctx, p.cfg.RedisURL)
		if err != nil {
			p.Close()
			return err
		}
		p.redis = rdb
	}
	return nil
}

// buildAdapters creates the configured sources in declaration order.
func buildAdapters(cfg *config.Config, limiter *ratelimit.Limiter) ([]sources.Adapter, error) {
	var adapters []sources.Adapter
	for _, id := range cfg.SourceOrder() {
		if dir, ok := cfg.Sources.Directories[id]; ok {
			adapters = append(adapters, sources.NewDirectoryAdapter(sources.DirectoryConfig{
				ID:        id,
				SearchURL: dir.SearchURL,
				Selectors: dir.Selectors,
				MaxPages:  dir.MaxPages,
				Fetch:     fetch.DefaultOptions(),
			}, limiter))
			continue
		}
		if pl, ok := cfg.Sources.Places[id]; ok {
			apiKey := ""
			if pl.APIKeyEnv != "" {
				apiKey = os.Getenv(pl.APIKeyEnv)
				if apiKey == "" {
					return nil, fmt.Errorf("source %s: environment variable %s is not set", id, pl.APIKeyEnv)
				}
			}
			adapters = append(adapters, sources.NewPlacesAdapter(sources.PlacesConfig{
				ID:       id,
				Endpoint: pl.Endpoint,
				APIKey:   apiKey,
				KeyParam: pl.KeyParam,
				MaxPages: pl.MaxPages,
				Fetch:    fetch.DefaultOptions(),
			}, limiter))
			continue
		}
		if id == "mock" && cfg.Sources.Mock.Enabled {
			adapters = append(adapters, sources.NewMockAdapter(id, cfg.Sources.Mock.Seed, cfg.Sources.Mock.Count))
		}
	}
	return adapters, nil
}

func buildProber(cfg *config.Config, limiter *ratelimit.Limiter) *probe.Prober {
	follow := cfg.Probe.FollowContactPage == nil || *cfg.Probe.FollowContactPage
	return probe.New(probe.Options{
		Fetch:             fetch.DefaultOptions(),
		UseBrowser:        cfg.Probe.UseBrowser,
		FollowContactPage: follow,
		Verbose:           cfg.Verbose,
	}, limiter)
}

func buildSender(cfg *config.Config) transport.Sender {
	if cfg.Transport.Endpoint == "" {
		log.Printf("[pipeline] no transport endpoint configured, outreach is logged only")
		return transport.LogSender{}
	}
	return transport.NewHTTPSender(cfg.TransportHTTPConfig())
}

// Config returns the configuration the pipeline was built from.
func (p *Pipeline) Config() *config.Config { return p.cfg }

// Enqueue routes a job to the queue its type is registered on.
func (p *Pipeline) Enqueue(ctx context.Context, jobType string, payload any, opts queue.Options) (*queue.Job, error) {
	queueName, err := QueueFor(jobType)
	if err != nil {
		return nil, err
	}
	return p.Jobs.Enqueue(ctx, queueName, jobType, payload, opts)
}

// RunCampaign scrapes a campaign synchronously and records each scrape for
// the health summary.
func (p *Pipeline) RunCampaign(ctx context.Context, req types.ScrapeRequest, onProgress func(orchestrator.Progress)) (*orchestrator.CampaignResult, error) {
	res, err := p.Scraper.RunCampaign(ctx, req, onProgress)
	if res != nil {
		for _, s := range res.Scrapes {
			p.Health.RecordScrape(s)
		}
	}
	return res, err
}

// Start restores persisted jobs, starts the workers and runs the scheduler
// and bounce poller in the background. It returns once everything is running.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("pipeline already started")
	}

	restored, err := p.Jobs.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore jobs: %w", err)
	}
	if restored > 0 {
		log.Printf("[pipeline] restored %d pending jobs", restored)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.Jobs.Start(runCtx)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return p.Scheduler.Run(gctx) })
	if p.Bounces != nil {
		g.Go(func() error {
			p.Bounces.Run(gctx)
			return nil
		})
	}
	p.group = g
	log.Printf("[pipeline] started with %d queues", len(p.Jobs.Names()))
	return nil
}

// Stop cancels background loops, drains the workers and releases resources.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel, g := p.cancel, p.group
	p.cancel, p.group = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		if err := g.Wait(); err != nil {
			log.Printf("[pipeline] background loop stopped with error: %v", err)
		}
		p.Jobs.Stop()
	}
	p.Close()
}

// Close releases storage connections and the limiter.
func (p *Pipeline) Close() {
	if p.Limiter != nil {
		p.Limiter.Stop()
		p.Limiter = nil
	}
	if p.redis != nil {
		if err := p.redis.Close(); err != nil {
			log.Printf("[pipeline] failed to close redis: %v", err)
		}
		p.redis = nil
	}
	if p.database != nil {
		p.database.Close()
		p.database = nil
	}
}
