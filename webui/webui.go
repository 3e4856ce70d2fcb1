package webui

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"opcua-gateway/logic"
)

// Server is the HTTP surface of the gateway.
type Server struct {
	dm      *logic.DriverManager
	hub     *Hub
	metrics prometheus.Gatherer
	log     logrus.FieldLogger
	started time.Time

	engine *gin.Engine
	http   *http.Server
}

// New builds the router. gatherer serves /metrics and may be nil.
func New(dm *logic.DriverManager, hub *Hub, gatherer prometheus.Gatherer, log logrus.FieldLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		dm:      dm,
		hub:     hub,
		metrics: gatherer,
		log:     log,
		started: time.Now(),
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes(s.engine)
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on address in the background.
func (s *Server) Start(address string) {
	s.http = &http.Server{Addr: address, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		s.log.Infof("WEBUI: starting HTTP server on %s", address)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("WEBUI: failed to start HTTP server: %v", err)
		}
	}()
}

// Shutdown stops the HTTP server and disconnects all websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugf("WEBUI: %s %s %d (%v)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
