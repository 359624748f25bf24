package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/worker"
)

// pipelineHealth returns tokens available, queue depth and last run time.
// GET /api/v1/pipeline/health
func (r *Router) pipelineHealth(c *gin.Context) {
	snapshot, err := r.pipeline.Health(c.Request.Context())
	if err != nil {
		r.internalError(c, "Failed to read pipeline health", err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// pipelineStats returns the run counters.
// GET /api/v1/pipeline/stats
func (r *Router) pipelineStats(c *gin.Context) {
	stats, err := r.pipeline.Stats(c.Request.Context())
	if err != nil {
		r.internalError(c, "Failed to read pipeline stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// pipelineJobs lists open category jobs.
// GET /api/v1/pipeline/jobs
func (r *Router) pipelineJobs(c *gin.Context) {
	jobs, err := r.pipeline.Jobs(c.Request.Context())
	if err != nil {
		r.internalError(c, "Failed to list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []*domain.CategoryJob{}
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// runRule evaluates one rule immediately.
// POST /api/v1/rules/:id/run
func (r *Router) runRule(c *gin.Context) {
	id, ok := ruleID(c)
	if !ok {
		return
	}

	result, err := r.pipeline.RunNow(c.Request.Context(), id)
	if err != nil {
		r.ruleError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ruleStatus reports idle, running or error for a rule.
// GET /api/v1/rules/:id/status
func (r *Router) ruleStatus(c *gin.Context) {
	id, ok := ruleID(c)
	if !ok {
		return
	}

	status, err := r.pipeline.RuleStatus(c.Request.Context(), id)
	if err != nil {
		r.ruleError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rule_id": id,
		"status":  status,
	})
}

// clearCache drops cached provider payloads.
// DELETE /api/v1/admin/cache
func (r *Router) clearCache(c *gin.Context) {
	removed, err := r.pipeline.ClearCache(c.Request.Context())
	if err != nil {
		r.internalError(c, "Failed to clear cache", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type prefetchRequest struct {
	Categories []string `json:"categories"`
}

// prefetch warms the provider cache. An empty body prefetches every
// active category.
// POST /api/v1/admin/prefetch
func (r *Router) prefetch(c *gin.Context) {
	var req prefetchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request payload",
				"details": err.Error(),
			})
			return
		}
	}

	result, err := r.pipeline.ForcePrefetch(c.Request.Context(), req.Categories...)
	if err != nil {
		r.internalError(c, "Failed to prefetch categories", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func ruleID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid rule ID"})
		return 0, false
	}
	return id, true
}

// ruleError maps pipeline errors to plain user-facing messages.
func (r *Router) ruleError(c *gin.Context, id int64, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Rule not found"})
	case errors.Is(err, worker.ErrInsufficientTokens):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, worker.ErrNoCategory):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		logger.FromContext(c.Request.Context()).Error("Rule request failed",
			logger.Int64("rule_id", id),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Rule run failed, try again later"})
	}
}

func (r *Router) internalError(c *gin.Context, message string, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": message})
}
