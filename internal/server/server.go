package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/genricoloni/nowplayd/internal/artwork"
	"github.com/genricoloni/nowplayd/internal/domain"
	"github.com/genricoloni/nowplayd/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

// Server accepts viewer connections and answers their requests from the
// current snapshot
type Server struct {
	logger   *zap.Logger
	cfg      domain.Config
	source   domain.StateSource
	resolver *artwork.Resolver
	metrics  *metrics.Metrics
	router   *gin.Engine
	started  time.Time

	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	closing bool
	conns   map[*websocket.Conn]struct{}
	wg      sync.WaitGroup // one per live viewer connection
}

// NewServer creates the viewer server and its routes
func NewServer(
	logger *zap.Logger,
	cfg domain.Config,
	source domain.StateSource,
	resolver *artwork.Resolver,
	m *metrics.Metrics,
) *Server {
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		logger:   logger,
		cfg:      cfg,
		source:   source,
		resolver: resolver,
		metrics:  m,
		router:   gin.New(),
		started:  time.Now(),
		conns:    make(map[*websocket.Conn]struct{}),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery(), requestLogger(s.logger))

	// Overlays are loaded from file:// pages and streaming software, so any origin goes
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	s.router.Use(cors.New(corsConfig))
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleViewer)
	s.router.GET("/healthz", s.handleHealth)

	if s.cfg.MetricsEnabled() {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Start binds the configured address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.GetBindAddress()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Viewer server failed", zap.Error(err))
		}
	}()

	s.logger.Info("Viewer server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.GetBindAddress()
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every open viewer connection
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Viewer server stopping...")

	// Hijacked websocket connections are not covered by Shutdown
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	s.closing = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		go func(conn *websocket.Conn) {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Viewer server shutdown complete", zap.Int("closedConnections", len(conns)))
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("viewer connections did not close in time: %w", ctx.Err()))
	}
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.source.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"playbackState": snap.Status,
		"uptime":        time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleViewer(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	if !s.track(conn) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(conn)

	s.serveConn(c.Request.Context(), conn)
}

// track registers conn unless the server is shutting down
func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}
