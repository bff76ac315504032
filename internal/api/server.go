package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"huddle.is/huddle/internal/analytics"
	"huddle.is/huddle/internal/audit"
	"huddle.is/huddle/internal/config"
	"huddle.is/huddle/internal/gateway"
	"huddle.is/huddle/internal/health"
	"huddle.is/huddle/internal/i18n"
	"huddle.is/huddle/internal/logging"
	"huddle.is/huddle/internal/metrics"
	"huddle.is/huddle/internal/ratelimit"
	"huddle.is/huddle/internal/scheduler"
	"huddle.is/huddle/internal/token"
)

// ServerConfig holds the HTTP server hardening knobs.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// DefaultServerConfig returns the default server hardening configuration.
// The read and write timeouts only govern the control endpoints; gorilla
// clears the deadlines on hijacked WebSocket connections.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
}

// Server terminates client WebSockets and serves the control plane.
type Server struct {
	cfg      *config.Config
	logger   *logging.Logger
	manager  *gateway.Manager
	verifier *token.Verifier
	limiter  *ratelimit.Limiter
	auditor  *audit.Store
	collect  *metrics.Collector
	sched    *scheduler.Scheduler
	checker  *health.Checker
	hub      *analytics.Hub
	registry *metrics.Registry
	reboot   func()
	upgrader websocket.Upgrader

	mux     *http.ServeMux
	srv     *http.Server
	httpCfg *ServerConfig
}

// ServerOptions holds the front-end's collaborators. Config, Manager and
// Verifier are required; the rest degrade gracefully when absent.
type ServerOptions struct {
	Config    *config.Config
	Manager   *gateway.Manager
	Verifier  *token.Verifier
	Logger    *logging.Logger
	Limiter   *ratelimit.Limiter
	Audit     *audit.Store
	Collector *metrics.Collector
	Scheduler *scheduler.Scheduler
	Health    *health.Checker
	HTTP      *ServerConfig

	// Reboot is invoked by the manage reboot operation after the audit
	// trail is flushed. The serve command installs the graceful variant.
	Reboot func()
}

// NewServer creates the front-end with the provided options.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("api: config is required")
	}
	if opts.Manager == nil {
		return nil, fmt.Errorf("api: gateway manager is required")
	}
	if opts.Verifier == nil {
		return nil, fmt.Errorf("api: token verifier is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	httpCfg := opts.HTTP
	if httpCfg == nil {
		httpCfg = DefaultServerConfig()
	}

	s := &Server{
		cfg:      opts.Config,
		logger:   logger.WithComponent("api"),
		manager:  opts.Manager,
		verifier: opts.Verifier,
		limiter:  opts.Limiter,
		auditor:  opts.Audit,
		collect:  opts.Collector,
		sched:    opts.Scheduler,
		checker:  opts.Health,
		hub:      opts.Manager.Hub(),
		registry: metrics.Get(),
		reboot:   opts.Reboot,
		httpCfg:  httpCfg,
	}
	if s.reboot == nil {
		s.reboot = func() { os.Exit(0) }
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: opts.Config.EnableCompression,
		// The bearer token in the path is the access control. Clients are
		// editor plugins and native apps, so Origin carries no signal.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	s.initRoutes()
	return s, nil
}

func (s *Server) initRoutes() {
	mux := http.NewServeMux()
	s.mux = mux

	// Control plane
	mux.HandleFunc("GET /api/v1/version", s.limited("control", s.handleVersion))
	mux.HandleFunc("GET /api/v1/statistics", s.limited("control", s.handleStatistics))
	mux.HandleFunc("PUT /api/v1/manage", s.limited("control", s.handleManage))

	// Operational endpoints
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.checker != nil {
		mux.HandleFunc("GET /healthz", s.checker.Handler())
		mux.HandleFunc("GET /readyz", s.checker.ReadinessHandler())
	} else {
		mux.HandleFunc("GET /healthz", health.LivenessHandler())
		mux.HandleFunc("GET /readyz", health.LivenessHandler())
	}
	mux.HandleFunc("GET /livez", health.LivenessHandler())

	// WebSocket handshake. The token is the whole path segment; the
	// literal patterns above win over the wildcard.
	mux.HandleFunc("GET /{token}", s.limited("connect", s.handleConnect))
}

// Handler returns the mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.accessLog(s.recoverer(i18n.Middleware(s.mux)))
}

// limited wraps a handler with the per-IP rate limiter.
func (s *Server) limited(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(getClientIP(r)) {
			s.registry.RateLimited.WithLabelValues(endpoint).Inc()
			WriteErrorCtx(w, r, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next(w, r)
	}
}

// Start listens on the configured address and serves until Shutdown.
// MaxConnections caps concurrently accepted connections at the listener.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.logger.Info("Front-end listening",
		"addr", ln.Addr().String(), "max_connections", s.cfg.MaxConnections)
	return s.Serve(ln)
}

// Serve runs the HTTP server on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.httpCfg.ReadHeaderTimeout,
		ReadTimeout:       s.httpCfg.ReadTimeout,
		WriteTimeout:      s.httpCfg.WriteTimeout,
		IdleTimeout:       s.httpCfg.IdleTimeout,
		MaxHeaderBytes:    s.httpCfg.MaxHeaderBytes,
	}
	return s.srv.Serve(ln)
}

// Shutdown stops accepting new connections and drains in-flight control
// requests. Hijacked WebSocket connections are closed by the manager.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
