package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// Server wires the engine, the API handlers and the HTTP mux together.
type Server struct {
	config      *ConfigManager
	engine      *engine
	logger      *slog.Logger
	authAPI     *AuthAPI
	templateAPI *TemplateAPI
	renderAPI   *RenderAPI
	statsAPI    *StatsAPI
	serverAPI   *ServerAPI
	apiMux      *http.ServeMux
}

// NewServer opens the engine described by the managed config and registers
// every route. ctx bounds background work such as the template watcher.
func NewServer(ctx context.Context, cm *ConfigManager, logger *slog.Logger, actionChan chan string) (*Server, error) {
	cfg := cm.Get()

	e, err := openEngine(ctx, &cfg, logger, true)
	if err != nil {
		return nil, err
	}

	if err = setupAuthSchema(e.db); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("failed to setup auth schema: %w", err)
	}
	if err = setupStatsSchema(e.db); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("failed to setup stats schema: %w", err)
	}

	cm.SetLogger(logger)
	cm.SetProcessor(e.processor)

	statsAPI := NewStatsAPI(e.db, logger)
	server := &Server{
		config:      cm,
		engine:      e,
		logger:      logger,
		authAPI:     NewAuthAPI(e.db, logger),
		templateAPI: NewTemplateAPI(e.store, e.processor, statsAPI, logger),
		renderAPI:   NewRenderAPI(e.processor, statsAPI, logger),
		statsAPI:    statsAPI,
		serverAPI:   NewServerAPI(cm, actionChan, logger),
		apiMux:      http.NewServeMux(),
	}

	apiMux := http.NewServeMux()

	server.authAPI.RegisterRoutes(apiMux)
	server.templateAPI.RegisterRoutes(apiMux)
	server.renderAPI.RegisterRoutes(apiMux)
	server.statsAPI.RegisterRoutes(apiMux)
	server.serverAPI.RegisterRoutes(apiMux)

	// Every API route passes through authentication first
	authedAPI := server.authAPI.Authenticate(limitBody(apiMux, cfg.Server.MaxBodyBytes))
	// ... except for the health check, which stays open for probes.
	server.apiMux.HandleFunc("/api/health", server.serverAPI.handleHealthCheck)
	server.apiMux.Handle("/api/", authedAPI)

	return server, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.apiMux
}

// Close releases the store and database.
func (s *Server) Close() error {
	return s.engine.Close()
}

// limitBody caps request bodies at n bytes. Non-positive n disables the cap.
func limitBody(next http.Handler, n int64) http.Handler {
	if n <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, n)
		next.ServeHTTP(w, r)
	})
}
