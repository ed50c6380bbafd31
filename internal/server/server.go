package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/lead-pipeline/internal/config"
	"github.com/jonathan/lead-pipeline/internal/db"
	"github.com/jonathan/lead-pipeline/internal/lifecycle"
	"github.com/jonathan/lead-pipeline/internal/observability"
	"github.com/jonathan/lead-pipeline/internal/orchestrator"
	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/ratelimit"
	"github.com/jonathan/lead-pipeline/internal/scheduler"
	"github.com/jonathan/lead-pipeline/internal/server/middleware"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// maxBodyBytes bounds request bodies, webhooks included.
const maxBodyBytes = 1 << 20

// LeadReader is the read side of lead storage.
type LeadReader interface {
	GetLead(ctx context.Context, id uuid.UUID) (*types.Lead, error)
	ListLeads(ctx context.Context, filters db.LeadFilters) ([]*types.Lead, error)
	ListActivities(ctx context.Context, leadID uuid.UUID) ([]types.Activity, error)
}

// JobManager is the queue surface exposed over HTTP.
type JobManager interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload any, opts queue.Options) (*queue.Job, error)
	Get(id uuid.UUID) (*queue.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	List(queueName string, state queue.State, limit int) ([]*queue.Job, error)
	Counts() map[string]queue.Counts
	Stats() map[string]queue.Stats
}

// TriggerRunner reports and fires scheduled triggers.
type TriggerRunner interface {
	Status(ctx context.Context) ([]scheduler.TriggerStatus, error)
	FireNow(ctx context.Context, name string) error
}

// Campaigner runs a campaign scrape synchronously.
type Campaigner interface {
	RunCampaign(ctx context.Context, req types.ScrapeRequest, onProgress func(orchestrator.Progress)) (*orchestrator.CampaignResult, error)
}

// LeadLifecycle applies engagement events and operator status changes.
type LeadLifecycle interface {
	ApplyEngagementEvent(ctx context.Context, ev types.EngagementEvent) (lifecycle.Outcome, error)
	Advance(ctx context.Context, leadID uuid.UUID, status types.Status, reason string) (*types.Lead, error)
}

// HealthChecker builds the health summary.
type HealthChecker interface {
	Check(ctx context.Context) *observability.Health
}

// WebhookValidator validates raw webhook bodies.
type WebhookValidator interface {
	Webhook(body []byte) error
}

// Deps are the pipeline components the server exposes. Health and Schemas
// are optional.
type Deps struct {
	Leads     LeadReader
	Jobs      JobManager
	Triggers  TriggerRunner
	Scraper   Campaigner
	Lifecycle LeadLifecycle
	Health    HealthChecker
	Schemas   WebhookValidator
	JWT       *JWTService
	Keys      *config.KeyConfig
	Auth      config.AuthConfig
	RateLimit *ratelimit.HTTPConfig
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	deps        Deps
	rateLimit   *ratelimit.HTTPConfig
	rateLimiter *ratelimit.Limiter
}

// Config holds server configuration
type Config struct {
	Port int
}

// New creates a new server instance
func New(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Leads == nil, deps.Jobs == nil, deps.Triggers == nil, deps.Scraper == nil, deps.Lifecycle == nil:
		return nil, fmt.Errorf("server requires leads, jobs, triggers, scraper and lifecycle")
	case deps.JWT == nil:
		return nil, fmt.Errorf("server requires a JWT service")
	}

	s := &Server{
		deps:      deps,
		rateLimit: deps.RateLimit,
	}
	if s.rateLimit == nil {
		s.rateLimit = &ratelimit.HTTPConfig{}
	}
	if s.rateLimit.Enabled {
		s.rateLimiter = ratelimit.NewLimiter(&ratelimit.Config{
			Default:         s.rateLimit.Default,
			CleanupInterval: s.rateLimit.Cleanup,
		})
	}

	operator := middleware.AuthMiddleware(deps.JWT.AsTokenValidator(), middleware.RoleOperator)
	webhook := middleware.AuthMiddleware(deps.JWT.AsTokenValidator(), middleware.RoleTransport, middleware.RoleOperator)
	op := func(h http.HandlerFunc) http.Handler { return operator(h) }

	// Setup router
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /auth/token", s.handleToken)

	mux.Handle("POST /webhooks/transport", webhook(http.HandlerFunc(s.handleWebhook)))

	mux.Handle("POST /scrape", op(s.handleScrape))
	mux.Handle("POST /scrape/stream", op(s.handleScrapeStream))

	mux.Handle("GET /queues", op(s.handleListQueues))
	mux.Handle("GET /queues/{name}/jobs", op(s.handleListJobs))
	mux.Handle("GET /jobs/{id}", op(s.handleGetJob))
	mux.Handle("DELETE /jobs/{id}", op(s.handleCancelJob))

	mux.Handle("GET /triggers", op(s.handleListTriggers))
	mux.Handle("POST /triggers/{name}/fire", op(s.handleFireTrigger))

	mux.Handle("GET /leads", op(s.handleListLeads))
	mux.Handle("GET /leads/{id}", op(s.handleGetLead))
	mux.Handle("POST /leads/{id}/status", op(s.handleAdvanceLead))

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.withRateLimit(s.withLogging(s.withCORS(mux))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute, // Streamed campaign scrapes run long
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		s.stopLimiter()
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.stopLimiter()
	log.Println("Server stopped")
	return nil
}

// stopLimiter stops the rate limiter cleanup goroutine.
func (s *Server) stopLimiter() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		// Extract client identifier (IP address)
		clientID := s.extractClientID(r)
		if s.rateLimit.Blacklist[clientID] {
			s.errorResponse(w, http.StatusForbidden, "client is blocked")
			return
		}
		if s.rateLimit.Whitelist[clientID] {
			next.ServeHTTP(w, r)
			return
		}

		rule := s.rateLimit.Default
		bucket := clientID + "|*"
		if match := ratelimit.MatchEndpoint(r.URL.Path, r.Method, s.rateLimit.Endpoints); match != nil {
			rule = match.Rule
			bucket = clientID + "|" + match.Method + " " + match.Path
		}

		info := s.rateLimiter.Allow(bucket, rule)
		s.setRateLimitHeaders(w, info)
		if !info.Allowed {
			s.rateLimitResponse(w, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

// handleHealth returns the pipeline health summary. A down pipeline answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	h := s.deps.Health.Check(r.Context())
	status := http.StatusOK
	if h.Status == observability.StatusDown {
		status = http.StatusServiceUnavailable
	}
	s.jsonResponse(w, status, h)
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// fail maps err onto a status code. Internal errors are logged and not echoed.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("[%s] %s failed: %v", r.Method, r.URL.Path, err)
		s.errorResponse(w, status, "internal error")
		return
	}
	s.errorResponse(w, status, err.Error())
}

// readBody reads a bounded request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &ErrValidation{Field: "body", Message: err.Error()}
	}
	return body, nil
}

// decodeJSON decodes a bounded JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

// pathID parses a uuid path value.
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &ErrValidation{Field: name, Message: fmt.Sprintf("invalid id %q", raw)}
	}
	return id, nil
}

// extractClientID extracts the client identifier from the request.
// This uses the IP address from RemoteAddr; forwarded headers are not trusted.
func (s *Server) extractClientID(r *http.Request) string {
	// Get IP from RemoteAddr (format: "IP:port")
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// If parsing fails, use the whole RemoteAddr
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, info ratelimit.Info) {
	response := map[string]interface{}{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}

	if info.RetryAfter > 0 {
		secs := int(info.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		response["retry_after"] = secs
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}

	log.Printf("[rate-limit] Rate limit exceeded: Limit=%d Remaining=%d Reset=%s",
		info.Limit, info.Remaining, info.ResetTime.Format(time.RFC3339))

	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
