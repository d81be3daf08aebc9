// Package server provides the public entry point for initializing the
// learning control plane server: Kind Registry, Artifact Store, Capability
// Registry + Plan Resolver, Run Orchestrator, and the REST surface over them.
//
// This package exists in pkg/ rather than internal/ so alternate binaries
// (e.g. a Postgres-backed deployment) can import it and compose the server
// with their own store wiring.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/cam-modernize/learning-control-plane/internal/api"
	"github.com/cam-modernize/learning-control-plane/internal/api/handlers"
	"github.com/cam-modernize/learning-control-plane/internal/apikeyauth"
	"github.com/cam-modernize/learning-control-plane/internal/artifactstore"
	"github.com/cam-modernize/learning-control-plane/internal/capreg"
	"github.com/cam-modernize/learning-control-plane/internal/config"
	"github.com/cam-modernize/learning-control-plane/internal/eventbus"
	"github.com/cam-modernize/learning-control-plane/internal/kindreg"
	"github.com/cam-modernize/learning-control-plane/internal/mcpinvoker"
	"github.com/cam-modernize/learning-control-plane/internal/orchestrator"
	"github.com/cam-modernize/learning-control-plane/internal/telemetry"
	"github.com/cam-modernize/learning-control-plane/internal/workspacesub"
)

// Server holds the initialized learning control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Artifacts is the Artifact Store. In-memory unless DATABASE_URL is set.
	Artifacts artifactstore.Store

	// Kinds is the Kind Registry.
	Kinds kindreg.Registry

	// Catalog is the Capability Registry.
	Catalog *capreg.InMemoryCatalog

	// Resolver resolves capability packs + playbooks into execution plans.
	Resolver *capreg.Resolver

	// Engine is the Run Orchestrator's DAG executor.
	Engine *orchestrator.Engine

	// Publisher is the event bus adapter. nil when RABBITMQ_URL could not be
	// reached; writes then proceed with X-Event-Published: false.
	Publisher *eventbus.Publisher

	// Handlers is the HTTP handler collection.
	Handlers *handlers.Handlers

	// Config is the resolved server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// pgPool is non-nil when backed by Postgres; closed on Shutdown.
	pgPool *pgxpool.Pool

	// subCancel stops the workspace-lifecycle event subscriber.
	subCancel context.CancelFunc

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all control plane components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	kinds := kindreg.NewInMemoryRegistry()
	validators := kindreg.NewValidatorCache()
	log.Info().Msg("kind registry initialized")

	artifacts, pgPool, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init artifact store: %w", err)
	}

	catalog := capreg.NewInMemoryCatalog(kinds)
	resolver := capreg.NewResolver(catalog)
	log.Info().Msg("capability registry initialized")

	publisher := newPublisher(cfg.EventBus)

	engine := orchestrator.NewEngine(
		kinds,
		artifacts,
		catalog,
		resolver,
		validators,
		publisher,
		nil, // no LLM provider wired; capability packs using exec_llm steps fail closed
		mcpinvoker.New,
		cfg.Orchestrator,
		cfg.EventBus.RoutingOrg,
	)
	log.Info().Msg("run orchestrator initialized")

	h := handlers.New(kinds, validators, artifacts, catalog, resolver, engine, publisher, cfg.EventBus.RoutingOrg)

	auth := apikeyauth.NewFromEnv()
	if !auth.Enabled() {
		log.Warn().Msg("no API keys configured, all requests accepted unauthenticated")
	}

	router := api.NewRouter(cfg, h, auth)

	subCancel := startWorkspaceSubscriber(cfg.EventBus, artifacts)

	return &Server{
		Handler:      router,
		Artifacts:    artifacts,
		Kinds:        kinds,
		Catalog:      catalog,
		Resolver:     resolver,
		Engine:       engine,
		Publisher:    publisher,
		Handlers:     h,
		Config:       cfg,
		Port:         cfg.Port,
		pgPool:       pgPool,
		subCancel:    subCancel,
		ShutdownFunc: shutdown,
	}, nil
}

// startWorkspaceSubscriber runs the workspace-lifecycle consumer in the background.
// A broker that never becomes reachable just logs and retries; it never blocks
// startup, mirroring the publisher's best-effort posture.
func startWorkspaceSubscriber(cfg config.EventBusConfig, artifacts artifactstore.Store) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := eventbus.NewConsumer(cfg.URL, cfg.Exchange, "learning-control-plane.workspace-lifecycle")
	handler := workspacesub.Handler(artifacts)
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := consumer.Subscribe(ctx, workspacesub.RoutingPatterns(), handler); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("workspace subscriber: disconnected, retrying")
				time.Sleep(5 * time.Second)
			}
		}
	}()
	return cancel
}

// newArtifactStore builds a Postgres-backed store when DATABASE_URL is set in the
// environment, falling back to the in-memory store otherwise (single-process, zero
// config); cfg.Database.URL always carries a default and so isn't itself the signal.
func newArtifactStore(ctx context.Context, cfg *config.Config) (artifactstore.Store, *pgxpool.Pool, error) {
	if os.Getenv("DATABASE_URL") == "" {
		log.Info().Msg("artifact store: in-memory (no DATABASE_URL)")
		return artifactstore.NewInMemoryStore(), nil, nil
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Warn().Err(err).Msg("artifact store: postgres dial failed, falling back to in-memory")
		return artifactstore.NewInMemoryStore(), nil, nil
	}
	store, err := artifactstore.NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres artifact store: %w", err)
	}
	log.Info().Msg("artifact store: postgres")
	return store, pool, nil
}

// newPublisher dials the event bus adapter; a dial failure degrades to a nil
// publisher rather than blocking startup, since event publishing is best-effort.
func newPublisher(cfg config.EventBusConfig) *eventbus.Publisher {
	pub, err := eventbus.NewPublisher(cfg.URL, cfg.Exchange)
	if err != nil {
		log.Warn().Err(err).Msg("event bus: dial failed, publishing disabled")
		return nil
	}
	log.Info().Str("exchange", cfg.Exchange).Msg("event bus connected")
	return pub
}

// Shutdown closes the event bus connection and database pool, then flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.subCancel != nil {
		s.subCancel()
	}
	if s.Publisher != nil {
		_ = s.Publisher.Close()
	}
	if s.pgPool != nil {
		s.pgPool.Close()
	}
	if s.ShutdownFunc != nil {
		return s.ShutdownFunc(ctx)
	}
	return nil
}
