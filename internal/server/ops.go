package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/config"
	"github.com/plumehq/plume/internal/database"
)

// Ops is the operational HTTP surface: health probes and Prometheus
// metrics. It carries no product endpoints.
type Ops struct {
	config config.ServerConfig
	pool   *pgxpool.Pool
	log    *logrus.Logger
	srv    *http.Server
}

// NewOps creates the ops server.
func NewOps(cfg config.ServerConfig, pool *pgxpool.Pool, log *logrus.Logger) *Ops {
	if log == nil {
		log = logrus.New()
	}
	return &Ops{config: cfg, pool: pool, log: log}
}

// Run serves until ctx is cancelled.
func (o *Ops) Run(ctx context.Context) error {
	gin.SetMode(o.config.Mode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		if err := database.HealthCheck(c.Request.Context(), o.pool); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	o.srv = &http.Server{Addr: o.config.Addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		o.log.WithField("addr", o.config.Addr).Info("Ops server listening")
		if err := o.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return o.srv.Shutdown(shutdownCtx)
	}
}
