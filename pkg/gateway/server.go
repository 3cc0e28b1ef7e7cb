package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"streamgate/internal/logger"
	"streamgate/internal/metrics"
	"streamgate/pkg/registry"
	"streamgate/pkg/websocket"
)

// Catalogue lists the topics clients may subscribe to. *stream.Scheduler
// implements it.
type Catalogue interface {
	Has(topic string) bool
	Topics() []string
}

// Config holds gateway configuration.
type Config struct {
	Addr string
	// Path is the WebSocket endpoint.
	Path             string
	HandshakeTimeout time.Duration
	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string
	Conn           websocket.ConnConfig
	// CommandsPerSecond and CommandBurst limit inbound commands per connection.
	CommandsPerSecond float64
	CommandBurst      int
	ReadTimeout       time.Duration
	IdleTimeout       time.Duration
	// Welcome is the message text of the welcome envelope.
	Welcome string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		Path:              "/ws",
		HandshakeTimeout:  10 * time.Second,
		Conn:              websocket.DefaultConnConfig(),
		CommandsPerSecond: 10,
		CommandBurst:      20,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		Welcome:           "Connected to streamgate real-time data stream",
	}
}

// Server serves the gateway endpoints.
type Server struct {
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	registry   *registry.Registry
	topics     Catalogue
	negotiator *websocket.Negotiator
	router     *mux.Router
	server     *http.Server

	mu      sync.RWMutex
	started bool
}

// New creates a gateway server.
func New(cfg Config, reg *registry.Registry, topics Catalogue) *Server {
	d := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = d.Path
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = d.HandshakeTimeout
	}
	if cfg.CommandsPerSecond <= 0 {
		cfg.CommandsPerSecond = d.CommandsPerSecond
	}
	if cfg.CommandBurst <= 0 {
		cfg.CommandBurst = d.CommandBurst
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.Welcome == "" {
		cfg.Welcome = d.Welcome
	}

	s := &Server{
		cfg:      cfg,
		log:      logger.OrNop(cfg.Logger).Named("gateway"),
		metrics:  cfg.Metrics,
		registry: reg,
		topics:   topics,
		negotiator: &websocket.Negotiator{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      originChecker(cfg.AllowedOrigins),
			Conn:             cfg.Conn,
		},
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.HandshakeTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          zap.NewStdLog(s.log),
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(Chain(
		RecoveryMiddleware(s.log),
		RequestIDMiddleware(),
		LoggingMiddleware(s.log),
		CORSMiddleware(s.cfg.AllowedOrigins),
	)))

	r.HandleFunc(s.cfg.Path, s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/connections/{id}", s.handleConnection).Methods(http.MethodGet)
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe listens on the configured address and serves until
// Shutdown. It returns nil after a graceful shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	s.log.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", s.cfg.Path))

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes every WebSocket connection with
// 1001 going away and waits until each close handshake has finished or ctx
// is done. Upgraded connections are not tracked by net/http, so they are
// closed and drained through the registry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
	err := s.server.Shutdown(ctx)
	if derr := s.registry.Drain(ctx); derr != nil {
		s.log.Warn("connections still open at shutdown", zap.Int("connections", s.registry.Count()))
		if err == nil {
			err = fmt.Errorf("failed to drain connections: %w", derr)
		}
	}
	return err
}

// Started reports whether the server is serving.
func (s *Server) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"connections": s.registry.Count(),
	})
}

// handleReady reports ready once the server is serving and has topics.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	topics := s.topics.Topics()
	if !s.Started() || len(topics) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"streams": topics,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	info, ok := s.registry.Connection(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown connection"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// originChecker allows requests without an Origin header and those whose
// origin is listed. An empty list allows everything.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && slices.Contains(allowed, u.Host)
	}
}
