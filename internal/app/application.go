package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"joybridge/internal/adaptation"
	"joybridge/internal/api"
	"joybridge/internal/config"
	"joybridge/internal/content"
	"joybridge/internal/coordinator"
	"joybridge/internal/database"
	"joybridge/internal/hub"
	"joybridge/internal/metrics"
	"joybridge/internal/orchestrator"
	"joybridge/internal/profile"
	"joybridge/internal/registry"
	"joybridge/internal/session"
	"joybridge/internal/websocket"
)

// Application owns the full component graph and its lifecycle. Construction
// is strictly dependency-ordered; every edge points one way, from outer
// surfaces inward.
type Application struct {
	cfg *config.Config

	metrics  *metrics.Metrics
	database *database.Manager
	registry *registry.Registry
	hub      *hub.Hub
	sessions *session.Manager
	engine   *adaptation.Engine
	coord    *coordinator.Coordinator
	orch     *orchestrator.Orchestrator
	server   *api.Server

	cancel context.CancelFunc
}

// New builds the application from configuration. No goroutines start here;
// Start owns all liveness.
func New(cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m := metrics.New()

	db, err := database.NewManager(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	reg := registry.New(cfg.Registry, m)
	h := hub.New(reg)
	contentClient := content.NewClient(cfg.Content)

	sessions := session.NewManager(cfg.Session, reg, contentClient, db, m)
	sessions.SetBroadcaster(h)

	engine := adaptation.NewEngine(cfg.Adaptation, sessions, sessions, contentClient, db, m)
	engine.SetBroadcaster(h)

	profileClient := profile.NewClient(cfg.Redis)
	coord := coordinator.New(sessions, engine, profileClient, m)
	coord.SetBroadcaster(h)
	coord.SetUnhealthyMarker(func(reason string) {
		log.Printf("Data collaborator unhealthy: %s", reason)
	})

	orch := orchestrator.New(sessions, engine, h,
		cfg.Adaptation.EngagementLowThreshold, cfg.Adaptation.EngagementHighThreshold)

	h.Bind(sessions, coord, engine, orch)
	reg.SetNotifier(h.BroadcastToDashboards)

	wsHandler := websocket.NewHandler(h, cfg.WebSocket)
	server := api.NewServer(cfg.HTTP, sessions, engine, coord, orch, reg, db, m, wsHandler)

	return &Application{
		cfg:      cfg,
		metrics:  m,
		database: db,
		registry: reg,
		hub:      h,
		sessions: sessions,
		engine:   engine,
		coord:    coord,
		orch:     orch,
		server:   server,
	}, nil
}

// Start brings the components up in dependency order and blocks serving
// HTTP until Stop.
func (a *Application) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}
	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	probeCtx, probeCancel := context.WithTimeout(ctx, 10*time.Second)
	defer probeCancel()
	if err := a.engine.Initialize(probeCtx); err != nil {
		return fmt.Errorf("failed to initialize adaptation engine: %w", err)
	}
	if err := a.coord.InitializeConnections(probeCtx); err != nil {
		// Profile reads will answer 503 until the collaborator returns.
		log.Printf("Starting with degraded data collaborator: %v", err)
	}

	log.Printf("Application started")
	return a.server.Start()
}

// Stop shuts the application down gracefully: stop accepting work, drain
// active sessions with the shutdown reason, then release collaborators and
// storage.
func (a *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down")

	if err := a.server.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	a.sessions.DrainActiveSessions(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	a.coord.CloseConnections()
	if err := a.database.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Printf("Shutdown complete")
	return nil
}
