package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/beamcode/beamcode/internal/broker"
	"github.com/beamcode/beamcode/internal/common/config"
	"github.com/beamcode/beamcode/internal/common/httpmw"
	"github.com/beamcode/beamcode/internal/common/logger"
)

// Server hosts the control API and the WebSocket gateways on one listener.
type Server struct {
	cfg         *config.Config
	coordinator *broker.Coordinator
	logger      *logger.Logger
	engine      *gin.Engine
	httpServer  *http.Server
	addr        string
}

// NewServer builds the engine and registers all routes.
func NewServer(cfg *config.Config, coordinator *broker.Coordinator, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		httpmw.Recovery(log),
		httpmw.RequestLogger(log),
		httpmw.CORS(),
	)

	handler := NewHandler(coordinator, log)
	control := engine.Group("/",
		BearerAuth(cfg.Auth.Token),
		httpmw.BodyLimit(cfg.Server.ControlBodyLimitBytes),
	)
	control.GET("/health", handler.GetHealth)
	control.GET("/sessions", handler.ListSessions)
	control.POST("/sessions", handler.CreateSession)
	control.DELETE("/sessions/:id", handler.DeleteSession)

	// WebSocket endpoints are unauthenticated at the HTTP layer; the broker
	// binds to loopback and the gateways validate paths and origins.
	coordinator.Routes(engine)

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"kind": "INVALID_PATH", "message": "not found"},
		})
	})

	return &Server{
		cfg:         cfg,
		coordinator: coordinator,
		logger:      log.WithFields(zap.String("component", "server")),
		engine:      engine,
	}
}

// Start binds the listener and serves until the context ends or the server
// fails. Blocks.
func (s *Server) Start(ctx context.Context) error {
	// Port 0 lets the OS pick; the bound address is read back from the
	// listener so there is no allocate-then-rebind race.
	bind := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", bind, err)
	}
	s.addr = listener.Addr().String()

	s.coordinator.SetBaseURL("ws://" + s.addr)
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}

	s.logger.Info("listening", zap.String("addr", s.addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound address, available after Start.
func (s *Server) Addr() string { return s.addr }
