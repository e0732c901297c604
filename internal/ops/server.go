// Package ops serves the operational HTTP surface: health, metrics, stats,
// and the preset management API.
package ops

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/overloewner/trade-bot/internal/service"
	"github.com/overloewner/trade-bot/pkg/faulttolerance"
)

// Server is the ops HTTP server.
type Server struct {
	svc     *service.Service
	monitor *faulttolerance.HealthMonitor
	logger  *slog.Logger
	http    *http.Server
}

// NewServer builds the gin engine and routes.
func NewServer(addr string, svc *service.Service, monitor *faulttolerance.HealthMonitor, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		svc:     svc,
		monitor: monitor,
		logger:  logger,
		http: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	engine.GET("/healthz", s.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/v1")
	api.GET("/stats", s.stats)
	registerPresetRoutes(api, svc)

	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("Ops server listening", "addr", s.http.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// healthz reports the overall health of registered checks. Unhealthy maps
// to 503 so load balancers stop routing; degraded stays 200.
func (s *Server) healthz(c *gin.Context) {
	overall, checks := s.monitor.Report()

	status := http.StatusOK
	if overall == faulttolerance.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status": overall,
		"checks": checks,
	})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Stats())
}
