package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flocklabs/flock/internal/common/config"
	"github.com/flocklabs/flock/internal/common/logger"
)

// Server is the HTTP front of the gateway: the tool surface under
// /api/v1/tools, the fleet event stream under /ws, health and metrics.
type Server struct {
	dispatcher *Dispatcher
	hub        *Hub
	srv        *http.Server
	logger     *logger.Logger
}

// NewServer builds the gin router and the underlying http.Server.
func NewServer(cfg *config.Config, dispatcher *Dispatcher, hub *Hub, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())

	s := &Server{
		dispatcher: dispatcher,
		hub:        hub,
		logger:     log,
		srv: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		},
	}

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/api/v1/tools/:op", s.handleTool)
	if hub != nil {
		router.GET("/ws", func(c *gin.Context) {
			hub.Serve(c.Writer, c.Request)
		})
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"clients": s.clientCount(),
	})
}

func (s *Server) clientCount() int {
	if s.hub == nil {
		return 0
	}
	return s.hub.ClientCount()
}

// handleTool decodes the parameter map, pulls the reserved caller slot, and
// invokes the operation. The envelope always comes back with HTTP 200; only
// malformed JSON is a transport-level error.
func (s *Server) handleTool(c *gin.Context) {
	var params Params
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, fail("invalid request body: %v", err))
		return
	}
	caller := params.str(CallerParam)
	delete(params, CallerParam)

	result := s.dispatcher.Invoke(c.Request.Context(), c.Param("op"), caller, params)
	c.JSON(http.StatusOK, result)
}

// corsMiddleware allows browser clients on other origins, including
// websocket upgrades.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
