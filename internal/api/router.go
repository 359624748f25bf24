// Package api serves the pipeline introspection, manual run and admin
// endpoints over Gin.
package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/metrics"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/server"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/worker"
)

// Pipeline is what the handlers drive. *worker.Service implements it.
type Pipeline interface {
	Health(ctx context.Context) (domain.HealthSnapshot, error)
	Stats(ctx context.Context) (*metrics.Stats, error)
	Jobs(ctx context.Context) ([]*domain.CategoryJob, error)
	RunNow(ctx context.Context, ruleID int64) (domain.RunResult, error)
	RuleStatus(ctx context.Context, ruleID int64) (domain.RuleStatus, error)
	ClearCache(ctx context.Context) (int64, error)
	ForcePrefetch(ctx context.Context, categories ...string) (worker.PrefetchResult, error)
}

// Config configures the router.
type Config struct {
	// JWTSecret guards the admin group; empty leaves it open.
	JWTSecret string
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Router holds the API dependencies.
type Router struct {
	pipeline Pipeline
	cfg      Config
	log      logger.Logger
}

// NewRouter creates a router.
func NewRouter(pipeline Pipeline, cfg Config, log logger.Logger) *Router {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Router{pipeline: pipeline, cfg: cfg, log: log}
}

// ServerOptions configures NewServer.
type ServerOptions struct {
	Name    string
	Version string
	Port    int
	Debug   bool
	// Checks are extra dependency checks for /health; the pipeline check
	// is always added.
	Checks map[string]server.HealthChecker
}

// NewServer builds the HTTP server with health checks and all routes.
func (r *Router) NewServer(opts ServerOptions) *server.Server {
	b := server.NewServerBuilder(opts.Name, opts.Port).
		WithLogger(r.log).
		WithDebug(opts.Debug).
		WithVersion(opts.Version).
		WithHealthCheck("pipeline", server.PingChecker("Pipeline", false, func(ctx context.Context) error {
			_, err := r.pipeline.Health(ctx)
			return err
		})).
		WithRoutes(r.SetupRoutes)

	for name, check := range opts.Checks {
		b.WithHealthCheck(name, check)
	}
	return b.Build()
}

// SetupRoutes registers the service routes on router.
func (r *Router) SetupRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.cfg.Gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")

	pipeline := v1.Group("/pipeline")
	pipeline.GET("/health", r.pipelineHealth)
	pipeline.GET("/stats", r.pipelineStats)
	pipeline.GET("/jobs", r.pipelineJobs)

	rules := v1.Group("/rules")
	rules.POST("/:id/run", r.runRule)
	rules.GET("/:id/status", r.ruleStatus)

	admin := server.ProtectedGroup(v1, "/admin", r.cfg.JWTSecret)
	admin.DELETE("/cache", r.clearCache)
	admin.POST("/prefetch", r.prefetch)
}
