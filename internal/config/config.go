// Package config provides configuration loading and validation for the
// pipeline service and CLI.
//
// Values are layered: an optional YAML or JSON file, then environment
// variables, then built-in defaults for anything still unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jonathan/lead-pipeline/internal/lifecycle"
	"github.com/jonathan/lead-pipeline/internal/observability"
	"github.com/jonathan/lead-pipeline/internal/orchestrator"
	"github.com/jonathan/lead-pipeline/internal/probe"
	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/ratelimit"
	"github.com/jonathan/lead-pipeline/internal/rendering"
	"github.com/jonathan/lead-pipeline/internal/scheduler"
	"github.com/jonathan/lead-pipeline/internal/sources"
	"github.com/jonathan/lead-pipeline/internal/transport"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// Trigger names.
const (
	TriggerDailyScrape     = "daily_scrape"
	TriggerRescoreUnscored = "rescore_unscored"
	TriggerCampaignSweep   = "campaign_sweep"
	TriggerCleanup         = "cleanup"
	TriggerHealthCheck     = "health_check"
)

// Config is the full service configuration.
type Config struct {
	DatabaseURL  string `env:"DATABASE_URL" json:"database_url,omitempty" yaml:"database_url,omitempty"`
	RedisURL     string `env:"REDIS_URL" json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	RedisPrefix  string `env:"REDIS_PREFIX" json:"redis_prefix,omitempty" yaml:"redis_prefix,omitempty"`
	Port         int    `env:"PORT" json:"port,omitempty" yaml:"port,omitempty" validate:"min=0,max=65535"`
	TemplatesDir string `env:"TEMPLATES_DIR" json:"templates_dir,omitempty" yaml:"templates_dir,omitempty"`
	Timezone     string `env:"TIMEZONE" json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Verbose      bool   `env:"VERBOSE" json:"verbose,omitempty" yaml:"verbose,omitempty"`

	Sender     SenderConfig               `envPrefix:"SENDER_" json:"sender" yaml:"sender"`
	Sources    SourcesConfig              `envPrefix:"SOURCES_" json:"sources" yaml:"sources"`
	RateLimits map[string]RuleConfig      `json:"rate_limits,omitempty" yaml:"rate_limits,omitempty" validate:"dive"`
	Probe      ProbeConfig                `envPrefix:"PROBE_" json:"probe" yaml:"probe"`
	Scrape     ScrapeConfig               `envPrefix:"SCRAPE_" json:"scrape" yaml:"scrape"`
	Campaign   CampaignConfig             `envPrefix:"CAMPAIGN_" json:"campaign" yaml:"campaign"`
	Queues     map[string]queue.Config    `json:"queues,omitempty" yaml:"queues,omitempty" validate:"dive"`
	Scheduler  SchedulerConfig            `envPrefix:"SCHEDULER_" json:"scheduler" yaml:"scheduler"`
	Lifecycle  LifecycleConfig            `envPrefix:"LIFECYCLE_" json:"lifecycle" yaml:"lifecycle"`
	Transport  TransportConfig            `envPrefix:"TRANSPORT_" json:"transport" yaml:"transport"`
	Mailbox    MailboxConfig              `envPrefix:"MAILBOX_" json:"mailbox" yaml:"mailbox"`
	Auth       AuthConfig                 `envPrefix:"AUTH_" json:"auth" yaml:"auth"`
	Health     observability.HealthConfig `json:"health" yaml:"health"`
}

// SenderConfig identifies who outreach comes from.
type SenderConfig struct {
	Name    string `env:"NAME" json:"name,omitempty" yaml:"name,omitempty"`
	Company string `env:"COMPANY" json:"company,omitempty" yaml:"company,omitempty"`
}

// SourcesConfig declares the listing sources. Order fixes the declaration
// order used for dedupe and truncation; sources missing from Order follow in
// name order.
type SourcesConfig struct {
	Order       []string                         `env:"ORDER" envSeparator:"," json:"order,omitempty" yaml:"order,omitempty"`
	Mock        MockSourceConfig                 `envPrefix:"MOCK_" json:"mock" yaml:"mock"`
	Directories map[string]DirectorySourceConfig `json:"directories,omitempty" yaml:"directories,omitempty" validate:"dive"`
	Places      map[string]PlacesSourceConfig    `json:"places,omitempty" yaml:"places,omitempty" validate:"dive"`
}

// MockSourceConfig enables the deterministic offline source.
type MockSourceConfig struct {
	Enabled bool   `env:"ENABLED" json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Count   int    `env:"COUNT" json:"count,omitempty" yaml:"count,omitempty" validate:"min=0,max=1000"`
	Seed    uint64 `env:"SEED" json:"seed,omitempty" yaml:"seed,omitempty"`
}

// DirectorySourceConfig configures one HTML listing directory.
type DirectorySourceConfig struct {
	SearchURL string                     `json:"search_url" yaml:"search_url" validate:"required"`
	Selectors sources.DirectorySelectors `json:"selectors" yaml:"selectors"`
	MaxPages  int                        `json:"max_pages,omitempty" yaml:"max_pages,omitempty" validate:"min=0,max=50"`
}

// PlacesSourceConfig configures one places-style JSON API. The key is read
// from the environment variable named by APIKeyEnv so it never lives in the file.
type PlacesSourceConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint" validate:"required,url"`
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	KeyParam  string `json:"key_param,omitempty" yaml:"key_param,omitempty"`
	MaxPages  int    `json:"max_pages,omitempty" yaml:"max_pages,omitempty" validate:"min=0,max=20"`
}

// RuleConfig is a rate limit rule for one source key.
type RuleConfig struct {
	Limit      int           `json:"limit" yaml:"limit" validate:"min=0"`
	Window     time.Duration `json:"window" yaml:"window"`
	MinSpacing time.Duration `json:"min_spacing,omitempty" yaml:"min_spacing,omitempty"`
}

// ProbeConfig configures website enrichment.
type ProbeConfig struct {
	UseBrowser        bool  `env:"USE_BROWSER" json:"use_browser,omitempty" yaml:"use_browser,omitempty"`
	FollowContactPage *bool `env:"FOLLOW_CONTACT_PAGE" json:"follow_contact_page,omitempty" yaml:"follow_contact_page,omitempty"`
}

// ScrapeConfig bounds a single scrape.
type ScrapeConfig struct {
	AdapterTimeout   time.Duration `env:"ADAPTER_TIMEOUT" json:"adapter_timeout,omitempty" yaml:"adapter_timeout,omitempty"`
	ProbeTimeout     time.Duration `env:"PROBE_TIMEOUT" json:"probe_timeout,omitempty" yaml:"probe_timeout,omitempty"`
	ProbeConcurrency int           `env:"PROBE_CONCURRENCY" json:"probe_concurrency,omitempty" yaml:"probe_concurrency,omitempty" validate:"min=0,max=32"`
}

// CampaignConfig is what the daily scrape trigger enqueues.
type CampaignConfig struct {
	Industries          []string `env:"INDUSTRIES" envSeparator:"," json:"industries,omitempty" yaml:"industries,omitempty"`
	Locations           []string `env:"LOCATIONS" envSeparator:"," json:"locations,omitempty" yaml:"locations,omitempty"`
	MaxLeadsPerIndustry int      `env:"MAX_LEADS_PER_INDUSTRY" json:"max_leads_per_industry,omitempty" yaml:"max_leads_per_industry,omitempty" validate:"min=0,max=1000"`
	// SweepLimit bounds rescore and campaign sweeps.
	SweepLimit int `env:"SWEEP_LIMIT" json:"sweep_limit,omitempty" yaml:"sweep_limit,omitempty" validate:"min=0"`
}

// SchedulerConfig configures the trigger loop.
type SchedulerConfig struct {
	Tick     time.Duration            `env:"TICK" json:"tick,omitempty" yaml:"tick,omitempty"`
	LockPath string                   `env:"LOCK_PATH" json:"lock_path,omitempty" yaml:"lock_path,omitempty"`
	Triggers map[string]TriggerConfig `json:"triggers,omitempty" yaml:"triggers,omitempty" validate:"dive"`
}

// TriggerConfig is one recurring trigger. A nil Enabled inherits the default.
type TriggerConfig struct {
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// LifecycleConfig configures outreach timing and engagement scoring.
type LifecycleConfig struct {
	AutoContact          *bool         `env:"AUTO_CONTACT" json:"auto_contact,omitempty" yaml:"auto_contact,omitempty"`
	AutoContactThreshold int           `env:"AUTO_CONTACT_THRESHOLD" json:"auto_contact_threshold,omitempty" yaml:"auto_contact_threshold,omitempty" validate:"min=0,max=100"`
	SafetyDelay          time.Duration `env:"SAFETY_DELAY" json:"safety_delay,omitempty" yaml:"safety_delay,omitempty"`
	FollowUpDays         []int         `env:"FOLLOW_UP_DAYS" envSeparator:"," json:"follow_up_days,omitempty" yaml:"follow_up_days,omitempty" validate:"dive,min=1"`
	OpenIncrement        int           `env:"OPEN_INCREMENT" json:"open_increment,omitempty" yaml:"open_increment,omitempty" validate:"min=0,max=100"`
	ClickIncrement       int           `env:"CLICK_INCREMENT" json:"click_increment,omitempty" yaml:"click_increment,omitempty" validate:"min=0,max=100"`
}

// TransportConfig configures the outbound email provider. With no endpoint,
// messages are only logged.
type TransportConfig struct {
	Endpoint string        `env:"ENDPOINT" json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	APIKey   string        `env:"API_KEY" json:"-" yaml:"-"`
	From     string        `env:"FROM" json:"from,omitempty" yaml:"from,omitempty" validate:"omitempty,email"`
	ReplyTo  string        `env:"REPLY_TO" json:"reply_to,omitempty" yaml:"reply_to,omitempty" validate:"omitempty,email"`
	Timeout  time.Duration `env:"TIMEOUT" json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// MailboxConfig configures the IMAP bounce mailbox.
type MailboxConfig struct {
	Addr           string        `env:"ADDR" json:"addr,omitempty" yaml:"addr,omitempty"`
	Username       string        `env:"USERNAME" json:"username,omitempty" yaml:"username,omitempty"`
	Password       string        `env:"PASSWORD" json:"-" yaml:"-"`
	KeyringAccount string        `env:"KEYRING_ACCOUNT" json:"keyring_account,omitempty" yaml:"keyring_account,omitempty"`
	Mailbox        string        `env:"MAILBOX" json:"mailbox,omitempty" yaml:"mailbox,omitempty"`
	MaxMessages    int           `env:"MAX_MESSAGES" json:"max_messages,omitempty" yaml:"max_messages,omitempty" validate:"min=0"`
	Interval       time.Duration `env:"INTERVAL" json:"interval,omitempty" yaml:"interval,omitempty"`
}

// AuthConfig holds bcrypt hashes of the keys exchanged for bearer tokens.
type AuthConfig struct {
	OperatorKeyHash  string `env:"OPERATOR_KEY_HASH" json:"-" yaml:"-"`
	TransportKeyHash string `env:"TRANSPORT_KEY_HASH" json:"-" yaml:"-"`
}

func boolPtr(b bool) *bool { return &b }

// Default returns the built-in configuration.
func Default() Config {
	lc := lifecycle.DefaultConfig()
	return Config{
		Port:     8080,
		Timezone: "UTC",
		Sender:   SenderConfig{Name: "The Team", Company: "Lead Pipeline"},
		Sources:  SourcesConfig{Mock: MockSourceConfig{Count: 20, Seed: 1}},
		RateLimits: map[string]RuleConfig{
			probe.LimiterKey: {Limit: 60, Window: time.Minute, MinSpacing: 250 * time.Millisecond},
		},
		Scrape: ScrapeConfig{
			AdapterTimeout:   2 * time.Minute,
			ProbeTimeout:     30 * time.Second,
			ProbeConcurrency: 4,
		},
		Campaign: CampaignConfig{MaxLeadsPerIndustry: 50, SweepLimit: 500},
		Queues: map[string]queue.Config{
			queue.QueueScraping:    {Concurrency: 2, Timeout: 10 * time.Minute, MaxAttempts: 3, BackoffBase: time.Minute, BackoffMax: 30 * time.Minute},
			queue.QueueScoring:     {Concurrency: 4, Timeout: time.Minute, MaxAttempts: 3, BackoffBase: 5 * time.Second, BackoffMax: 5 * time.Minute},
			queue.QueueOutreach:    {Concurrency: 2, Timeout: 2 * time.Minute, MaxAttempts: 5, BackoffBase: time.Minute, BackoffMax: time.Hour},
			queue.QueueEnrichment:  {Concurrency: 2, Timeout: 2 * time.Minute, MaxAttempts: 3, BackoffBase: 30 * time.Second, BackoffMax: 30 * time.Minute},
			queue.QueueMaintenance: {Concurrency: 1, Timeout: 10 * time.Minute, MaxAttempts: 2, BackoffBase: time.Minute, BackoffMax: 10 * time.Minute},
		},
		Scheduler: SchedulerConfig{
			Tick: 30 * time.Second,
			Triggers: map[string]TriggerConfig{
				TriggerDailyScrape:     {Schedule: "daily 02:00", Enabled: boolPtr(true)},
				TriggerRescoreUnscored: {Schedule: "hourly", Enabled: boolPtr(true)},
				TriggerCampaignSweep:   {Schedule: "weekdays 09:30", Enabled: boolPtr(true)},
				TriggerCleanup:         {Schedule: "daily 03:30", Enabled: boolPtr(true)},
				TriggerHealthCheck:     {Schedule: "every 15m", Enabled: boolPtr(true)},
			},
		},
		Lifecycle: LifecycleConfig{
			AutoContact:          boolPtr(lc.AutoContact),
			AutoContactThreshold: lc.AutoContactThreshold,
			SafetyDelay:          lc.SafetyDelay,
			FollowUpDays:         lc.FollowUpDays,
			OpenIncrement:        lc.OpenIncrement,
			ClickIncrement:       lc.ClickIncrement,
		},
		Transport: TransportConfig{Timeout: 15 * time.Second},
		Mailbox:   MailboxConfig{Mailbox: "INBOX", MaxMessages: 50, Interval: 5 * time.Minute},
		Health:    observability.HealthConfig{MaxFailureRate: 0.5, MinAttempts: 10, ScrapeWindow: 50},
	}
}

// Load reads the optional file at path, applies environment overrides, fills
// the rest from Default and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	merged := cfg.MergeWithDefaults(Default())
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// LoadFile loads configuration from a YAML or JSON file. JSON is parsed as
// YAML, so durations are written as strings ("15m") in both formats.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config error: unknown timezone %q", c.Timezone)
	}

	loc := c.Location()
	for name, t := range c.Scheduler.Triggers {
		if _, err := scheduler.Parse(t.Schedule, loc); err != nil {
			return fmt.Errorf("config error: trigger %s: %w", name, err)
		}
	}

	for _, name := range []string{queue.QueueScraping, queue.QueueScoring, queue.QueueOutreach, queue.QueueEnrichment, queue.QueueMaintenance} {
		if _, ok := c.Queues[name]; !ok {
			return fmt.Errorf("config error: queue %s is not configured", name)
		}
	}

	seen := make(map[string]bool)
	for _, id := range c.Sources.Order {
		if seen[id] {
			return fmt.Errorf("config error: source %s listed twice in order", id)
		}
		seen[id] = true
		if !c.hasSource(id) {
			return fmt.Errorf("config error: source %s in order is not configured", id)
		}
	}
	for id := range c.Sources.Directories {
		if _, dup := c.Sources.Places[id]; dup || id == sourceMock {
			return fmt.Errorf("config error: source id %s is used twice", id)
		}
	}
	if _, ok := c.Sources.Places[sourceMock]; ok {
		return fmt.Errorf("config error: source id %s is reserved", sourceMock)
	}

	if c.Mailbox.Addr != "" && c.Mailbox.Username == "" {
		return fmt.Errorf("config error: 'mailbox.username' is required with 'mailbox.addr'")
	}
	if c.Transport.Endpoint != "" && c.Transport.From == "" {
		return fmt.Errorf("config error: 'transport.from' is required with 'transport.endpoint'")
	}
	return nil
}

const sourceMock = "mock"

func (c *Config) hasSource(id string) bool {
	if id == sourceMock {
		return c.Sources.Mock.Enabled
	}
	if _, ok := c.Sources.Directories[id]; ok {
		return true
	}
	_, ok := c.Sources.Places[id]
	return ok
}

// MergeWithDefaults returns a new Config with unset fields filled from
// defaults. Map sections are merged per key, so a file that tunes one queue
// keeps the defaults for the others.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	result.DatabaseURL = orString(result.DatabaseURL, defaults.DatabaseURL)
	result.RedisURL = orString(result.RedisURL, defaults.RedisURL)
	result.RedisPrefix = orString(result.RedisPrefix, defaults.RedisPrefix)
	result.TemplatesDir = orString(result.TemplatesDir, defaults.TemplatesDir)
	result.Timezone = orString(result.Timezone, defaults.Timezone)
	result.Sender.Name = orString(result.Sender.Name, defaults.Sender.Name)
	result.Sender.Company = orString(result.Sender.Company, defaults.Sender.Company)
	result.Transport.Endpoint = orString(result.Transport.Endpoint, defaults.Transport.Endpoint)
	result.Transport.From = orString(result.Transport.From, defaults.Transport.From)
	result.Mailbox.Mailbox = orString(result.Mailbox.Mailbox, defaults.Mailbox.Mailbox)
	result.Scheduler.LockPath = orString(result.Scheduler.LockPath, defaults.Scheduler.LockPath)

	// Numeric fields: use default if zero
	result.Port = orInt(result.Port, defaults.Port)
	result.Sources.Mock.Count = orInt(result.Sources.Mock.Count, defaults.Sources.Mock.Count)
	if result.Sources.Mock.Seed == 0 {
		result.Sources.Mock.Seed = defaults.Sources.Mock.Seed
	}
	result.Scrape.AdapterTimeout = orDuration(result.Scrape.AdapterTimeout, defaults.Scrape.AdapterTimeout)
	result.Scrape.ProbeTimeout = orDuration(result.Scrape.ProbeTimeout, defaults.Scrape.ProbeTimeout)
	result.Scrape.ProbeConcurrency = orInt(result.Scrape.ProbeConcurrency, defaults.Scrape.ProbeConcurrency)
	result.Campaign.MaxLeadsPerIndustry = orInt(result.Campaign.MaxLeadsPerIndustry, defaults.Campaign.MaxLeadsPerIndustry)
	result.Campaign.SweepLimit = orInt(result.Campaign.SweepLimit, defaults.Campaign.SweepLimit)
	result.Scheduler.Tick = orDuration(result.Scheduler.Tick, defaults.Scheduler.Tick)
	result.Lifecycle.AutoContactThreshold = orInt(result.Lifecycle.AutoContactThreshold, defaults.Lifecycle.AutoContactThreshold)
	result.Lifecycle.SafetyDelay = orDuration(result.Lifecycle.SafetyDelay, defaults.Lifecycle.SafetyDelay)
	result.Lifecycle.OpenIncrement = orInt(result.Lifecycle.OpenIncrement, defaults.Lifecycle.OpenIncrement)
	result.Lifecycle.ClickIncrement = orInt(result.Lifecycle.ClickIncrement, defaults.Lifecycle.ClickIncrement)
	result.Transport.Timeout = orDuration(result.Transport.Timeout, defaults.Transport.Timeout)
	result.Mailbox.MaxMessages = orInt(result.Mailbox.MaxMessages, defaults.Mailbox.MaxMessages)
	result.Mailbox.Interval = orDuration(result.Mailbox.Interval, defaults.Mailbox.Interval)
	if result.Health.MaxFailureRate == 0 {
		result.Health.MaxFailureRate = defaults.Health.MaxFailureRate
	}
	if result.Health.MinAttempts == 0 {
		result.Health.MinAttempts = defaults.Health.MinAttempts
	}
	result.Health.ScrapeWindow = orInt(result.Health.ScrapeWindow, defaults.Health.ScrapeWindow)

	// Slices and pointers: use default if unset
	if len(result.Campaign.Industries) == 0 {
		result.Campaign.Industries = defaults.Campaign.Industries
	}
	if len(result.Campaign.Locations) == 0 {
		result.Campaign.Locations = defaults.Campaign.Locations
	}
	if len(result.Lifecycle.FollowUpDays) == 0 {
		result.Lifecycle.FollowUpDays = defaults.Lifecycle.FollowUpDays
	}
	if result.Lifecycle.AutoContact == nil {
		result.Lifecycle.AutoContact = defaults.Lifecycle.AutoContact
	}
	if result.Probe.FollowContactPage == nil {
		result.Probe.FollowContactPage = defaults.Probe.FollowContactPage
	}

	// Maps: merge per key
	result.RateLimits = mergeMap(result.RateLimits, defaults.RateLimits, func(v, d RuleConfig) RuleConfig {
		if v.Window == 0 && v.Limit == 0 && v.MinSpacing == 0 {
			return d
		}
		return v
	})
	result.Queues = mergeMap(result.Queues, defaults.Queues, func(v, d queue.Config) queue.Config {
		v.Concurrency = orInt(v.Concurrency, d.Concurrency)
		v.Timeout = orDuration(v.Timeout, d.Timeout)
		v.MaxAttempts = orInt(v.MaxAttempts, d.MaxAttempts)
		v.BackoffBase = orDuration(v.BackoffBase, d.BackoffBase)
		v.BackoffMax = orDuration(v.BackoffMax, d.BackoffMax)
		v.KeepCompleted = orInt(v.KeepCompleted, d.KeepCompleted)
		v.KeepFailed = orInt(v.KeepFailed, d.KeepFailed)
		v.RetainFor = orDuration(v.RetainFor, d.RetainFor)
		v.FailedRetainFor = orDuration(v.FailedRetainFor, d.FailedRetainFor)
		return v
	})
	for name, q := range result.Queues {
		q.Name = name
		result.Queues[name] = q
	}
	result.Scheduler.Triggers = mergeMap(result.Scheduler.Triggers, defaults.Scheduler.Triggers, func(v, d TriggerConfig) TriggerConfig {
		v.Schedule = orString(v.Schedule, d.Schedule)
		if v.Enabled == nil {
			v.Enabled = d.Enabled
		}
		return v
	})

	return result
}

func orString(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func orInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func orDuration(v, d time.Duration) time.Duration {
	if v == 0 {
		return d
	}
	return v
}

// mergeMap copies m and fills it from defaults. Keys present in both are
// combined with merge(value, default).
func mergeMap[V any](m, defaults map[string]V, merge func(v, d V) V) map[string]V {
	out := make(map[string]V, len(m)+len(defaults))
	for k, v := range m {
		out[k] = v
	}
	for k, d := range defaults {
		if v, ok := out[k]; ok {
			out[k] = merge(v, d)
		} else {
			out[k] = d
		}
	}
	return out
}

// Location returns the time zone for calendar triggers.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SourceOrder returns the enabled source ids in declaration order.
func (c *Config) SourceOrder() []string {
	order := make([]string, 0, len(c.Sources.Order))
	seen := make(map[string]bool)
	for _, id := range c.Sources.Order {
		if c.hasSource(id) && !seen[id] {
			order = append(order, id)
			seen[id] = true
		}
	}

	var rest []string
	if c.Sources.Mock.Enabled && !seen[sourceMock] {
		rest = append(rest, sourceMock)
	}
	for id := range c.Sources.Directories {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	for id := range c.Sources.Places {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// LimiterConfig returns the source rate limits, with RATE_LIMIT_SOURCE_<ID>
// environment overrides applied.
func (c *Config) LimiterConfig() *ratelimit.Config {
	rules := make(map[string]ratelimit.Rule, len(c.RateLimits))
	for key, r := range c.RateLimits {
		rules[key] = ratelimit.Rule{Limit: r.Limit, Window: r.Window, MinSpacing: r.MinSpacing}
	}
	keys := append(c.SourceOrder(), probe.LimiterKey)
	for key, rule := range ratelimit.SourceRulesFromEnv(keys) {
		rules[key] = rule
	}
	return &ratelimit.Config{
		Default:         ratelimit.Rule{Limit: 30, Window: time.Minute, MinSpacing: time.Second},
		Rules:           rules,
		CleanupInterval: 10 * time.Minute,
	}
}

// QueueConfigs returns the queue configurations sorted by name.
func (c *Config) QueueConfigs() []queue.Config {
	out := make([]queue.Config, 0, len(c.Queues))
	for _, q := range c.Queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TriggerConfigs returns the trigger configurations sorted by name.
func (c *Config) TriggerConfigs() []scheduler.TriggerConfig {
	out := make([]scheduler.TriggerConfig, 0, len(c.Scheduler.Triggers))
	for name, t := range c.Scheduler.Triggers {
		out = append(out, scheduler.TriggerConfig{
			Name:     name,
			Schedule: t.Schedule,
			Enabled:  t.Enabled != nil && *t.Enabled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LifecycleConfig returns the lifecycle machine configuration.
func (c *Config) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		AutoContact:          c.Lifecycle.AutoContact != nil && *c.Lifecycle.AutoContact,
		AutoContactThreshold: c.Lifecycle.AutoContactThreshold,
		SafetyDelay:          c.Lifecycle.SafetyDelay,
		FollowUpDays:         append([]int(nil), c.Lifecycle.FollowUpDays...),
		OpenIncrement:        c.Lifecycle.OpenIncrement,
		ClickIncrement:       c.Lifecycle.ClickIncrement,
	}
}

// OrchestratorConfig returns the scrape orchestrator configuration.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		AdapterTimeout:   c.Scrape.AdapterTimeout,
		ProbeTimeout:     c.Scrape.ProbeTimeout,
		ProbeConcurrency: c.Scrape.ProbeConcurrency,
		Verbose:          c.Verbose,
	}
}

// CampaignRequest returns the request the daily scrape trigger enqueues.
// ok is false when no industries or locations are configured.
func (c *Config) CampaignRequest() (types.ScrapeRequest, bool) {
	req := types.ScrapeRequest{
		Industries:          append([]string(nil), c.Campaign.Industries...),
		Locations:           append([]string(nil), c.Campaign.Locations...),
		MaxLeadsPerIndustry: c.Campaign.MaxLeadsPerIndustry,
	}
	req.Normalize()
	return req, len(req.Industries) > 0 && len(req.Locations) > 0
}

// RendererSender returns who outreach is signed by.
func (c *Config) RendererSender() rendering.Sender {
	return rendering.Sender{Name: c.Sender.Name, Company: c.Sender.Company}
}

// TransportHTTPConfig returns the provider sender configuration.
func (c *Config) TransportHTTPConfig() transport.HTTPConfig {
	return transport.HTTPConfig{
		Endpoint: c.Transport.Endpoint,
		APIKey:   c.Transport.APIKey,
		From:     c.Transport.From,
		ReplyTo:  c.Transport.ReplyTo,
		Timeout:  c.Transport.Timeout,
	}
}

// MailboxConfig returns the bounce mailbox configuration.
func (c *Config) MailboxConfig() transport.MailboxConfig {
	return transport.MailboxConfig{
		Addr:           c.Mailbox.Addr,
		Username:       c.Mailbox.Username,
		Password:       c.Mailbox.Password,
		KeyringAccount: c.Mailbox.KeyringAccount,
		Mailbox:        c.Mailbox.Mailbox,
		MaxMessages:    c.Mailbox.MaxMessages,
		Interval:       c.Mailbox.Interval,
	}
}
