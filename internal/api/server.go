// Package api provides the HTTP control surface: a JSON-RPC endpoint over
// websocket plus health and metrics routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/config"
)

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	hub        *Hub
	ipLimiter  *RateLimiter
	upgrader   websocket.Upgrader
	logger     camlog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new API server. metricsHandler may be nil.
func NewServer(cfg *config.Config, hub *Hub, metricsHandler http.Handler, logger camlog.Logger) *Server {
	if logger == nil {
		logger = camlog.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		mux:    http.NewServeMux(),
		hub:    hub,
		logger: logger.Named("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		// Connection attempts per IP
		ipLimiter: NewRateLimiter(1, 5, 10*time.Minute),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.mux.HandleFunc(cfg.RPC.Path, s.ipLimiter.Middleware(s.handleRPC))

	// Health check endpoint
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if cfg.Metrics.Enabled && metricsHandler != nil {
		s.mux.Handle(cfg.Metrics.Path, metricsHandler)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.RPC.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}
	return s
}

// Handler returns the routed handler, used by tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warn("Websocket upgrade failed", camlog.Error(err))
		return
	}
	s.hub.Serve(s.ctx, conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok", "connections": s.hub.Len()}
	if cam := s.hub.camera(); cam != nil {
		body["state"] = cam.State().String()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// checkOrigin accepts non-browser clients and same-host browsers.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowedOrigins := map[string]bool{
		"http://" + r.Host:      true,
		"http://localhost:3000": true,
		"http://127.0.0.1:3000": true,
	}
	return allowedOrigins[origin]
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", camlog.String("addr", s.httpServer.Addr))
	go s.ipLimiter.Run(s.ctx)
	go s.hub.limiter.Run(s.ctx)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Open control connections
// are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}

// StartInBackground starts the server in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", camlog.Error(err))
		}
	}()
}
