package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rickgao/sprite-bridge/internal/auth"
	"github.com/rickgao/sprite-bridge/internal/directory"
	"github.com/rickgao/sprite-bridge/internal/metrics"
	"github.com/rickgao/sprite-bridge/internal/proxy"
	"github.com/rickgao/sprite-bridge/internal/router"
	"github.com/rickgao/sprite-bridge/internal/session"
	"github.com/rickgao/sprite-bridge/internal/version"
)

// Config configures the gateway server.
type Config struct {
	Addr            string
	AuthTimeout     time.Duration // Max wait for the auth frame
	PingInterval    time.Duration // Browser keepalive (0 disables)
	WriteTimeout    time.Duration
	SendBuffer      int      // Frames queued per browser before Send drops
	AllowedOrigins  []string // Empty allows any origin
	MetricsPath     string   // Empty disables /metrics
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		AuthTimeout:     10 * time.Second,
		PingInterval:    30 * time.Second,
		WriteTimeout:    5 * time.Second,
		SendBuffer:      256,
		MetricsPath:     "/metrics",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Registry tracks authenticated tabs. Implemented by session.Registry.
type Registry interface {
	AddTab(tab session.Tab) int
	RemoveTab(tab session.Tab) int
	Stats() session.Stats
}

// Greeter tells a new tab where its session stands.
// Implemented by session.Coordinator.
type Greeter interface {
	Greet(tab session.Tab)
}

// Router handles browser frames after auth.
type Router interface {
	HandleBrowser(tab router.Tab, raw []byte)
}

// Deps are the components the gateway wires together.
type Deps struct {
	Registry  Registry
	Greeter   Greeter
	Router    Router
	Verifier  auth.Verifier
	Directory directory.Directory
	Proxy     *proxy.Handler // Nil leaves the proxy routes unmounted
}

// Server is the gateway HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	engine     *gin.Engine
	upgrader   websocket.Upgrader
	httpServer *http.Server
	started    time.Time

	mu      sync.Mutex
	conns   map[*browserConn]struct{}
	closing bool
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Connections   int    `json:"connections"`
	Users         int    `json:"users"`
	Links         int    `json:"links"`
}

// New creates a gateway server.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultConfig().AuthTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		started: time.Now(),
		conns:   make(map[*browserConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	engine.GET("/health", s.handleHealth)
	engine.GET("/ws", s.handleWS)
	if cfg.MetricsPath != "" {
		engine.GET(cfg.MetricsPath, gin.WrapH(metrics.Handler()))
	}
	if deps.Proxy != nil {
		deps.Proxy.Register(engine)
	}
	s.engine = engine

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes every browser socket with
// 1001 so clients reconnect elsewhere.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	s.closing = true
	conns := make([]*browserConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "gateway shutting down")
	}
	s.logger.Info("gateway stopped", "closed_connections", len(conns))
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.deps.Registry.Stats()
	c.JSON(http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       version.Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Connections:   stats.Tabs,
		Users:         stats.Users,
		Links:         stats.Links,
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// track registers a live socket. It returns false once shutdown has begun.
func (s *Server) track(c *browserConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *browserConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
