package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/lead-pipeline/internal/config"
	"github.com/jonathan/lead-pipeline/internal/pipeline"
	"github.com/jonathan/lead-pipeline/internal/ratelimit"
	"github.com/jonathan/lead-pipeline/internal/server"
)

var (
	servePort    int
	serveMigrate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server with workers and triggers",
	Long: `Start the job workers, the trigger scheduler, the bounce poller (when a
mailbox is configured) and an HTTP server exposing scrape, queue, trigger,
lead and webhook endpoints. SIGINT or SIGTERM shuts everything down gracefully.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (defaults to PORT or 8080)")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "Apply pending database migrations before starting")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}

	jwtCfg, err := config.NewJWTConfig()
	if err != nil {
		return fmt.Errorf("failed to load JWT config: %w", err)
	}
	keys, err := config.NewKeyConfig()
	if err != nil {
		return fmt.Errorf("failed to load key config: %w", err)
	}
	if cfg.Auth.OperatorKeyHash == "" {
		log.Printf("[serve] AUTH_OPERATOR_KEY_HASH not set, operator tokens cannot be issued")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveMigrate {
		if err := migrate(ctx, cfg); err != nil {
			return err
		}
	}

	p, err := pipeline.New(ctx, cfg, pipeline.Options{})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer p.Stop()

	if err := p.Start(ctx); err != nil {
		return err
	}

	srv, err := server.New(server.Config{Port: cfg.Port}, server.Deps{
		Leads:     p.Store,
		Jobs:      p.Jobs,
		Triggers:  p.Scheduler,
		Scraper:   p,
		Lifecycle: p.Lifecycle,
		Health:    p.Health,
		Schemas:   p.Schemas,
		JWT:       server.NewJWTService(jwtCfg),
		Keys:      keys,
		Auth:      cfg.Auth,
		RateLimit: ratelimit.LoadHTTPConfig(),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start(ctx)
}
