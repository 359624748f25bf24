// Package metrics keeps the pipeline run counters in Redis and mirrors them
// into Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/keys"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
)

// Counter names.
const (
	RulesProcessed    = "rules_processed"
	DealsPublished    = "deals_published"
	DuplicatesSkipped = "duplicates_skipped"
	TokenWaits        = "token_waits"
	Errors            = "errors"
)

const (
	// TTLDays bounds how long daily counters are kept.
	TTLDays     = 30
	hoursPerDay = 24
)

// Names lists every counter in display order.
var Names = []string{RulesProcessed, DealsPublished, DuplicatesSkipped, TokenWaits, Errors}

// Stats is a snapshot of all counters.
type Stats struct {
	Totals          map[string]int64 `json:"totals"`
	Today           map[string]int64 `json:"today"`
	LastProcessedAt *time.Time       `json:"last_processed_at,omitempty"`
}

// Tracker implements the run counters on Redis.
type Tracker struct {
	client *redis.Client
	keys   keys.Keys
	logger logger.Logger
	prom   *Metrics
	now    func() time.Time
}

// NewTracker creates a metrics tracker.
func NewTracker(client *redis.Client, k keys.Keys, log logger.Logger) *Tracker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Tracker{client: client, keys: k, logger: log, now: time.Now}
}

// WithPrometheus mirrors every increment into m.
func (t *Tracker) WithPrometheus(m *Metrics) *Tracker {
	t.prom = m
	return t
}

// Prometheus returns the attached collectors, or nil.
func (t *Tracker) Prometheus() *Metrics {
	return t.prom
}

// Increment adds n to the total and today's counter for name.
func (t *Tracker) Increment(ctx context.Context, name string, n int64) error {
	if n <= 0 {
		return nil
	}
	totalKey := t.keys.Metric(name)
	dailyKey := t.keys.MetricDaily(name, t.now())
	ttl := TTLDays * hoursPerDay * time.Hour

	pipe := t.client.TxPipeline()
	pipe.IncrBy(ctx, totalKey, n)
	pipe.IncrBy(ctx, dailyKey, n)
	pipe.Expire(ctx, dailyKey, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Warn("Failed to increment counter",
			logger.String("counter", name),
			logger.String("redis_key", totalKey),
			logger.Error(err),
		)
		return fmt.Errorf("increment %s counter: %w", name, err)
	}

	if t.prom != nil {
		t.prom.Events.WithLabelValues(name).Add(float64(n))
	}
	return nil
}

// GetStats returns totals and today's values in one round trip.
func (t *Tracker) GetStats(ctx context.Context) (*Stats, error) {
	today := t.now()
	pipe := t.client.Pipeline()

	totalCmds := make(map[string]*redis.StringCmd, len(Names))
	dailyCmds := make(map[string]*redis.StringCmd, len(Names))
	for _, name := range Names {
		totalCmds[name] = pipe.Get(ctx, t.keys.Metric(name))
		dailyCmds[name] = pipe.Get(ctx, t.keys.MetricDaily(name, today))
	}
	lastCmd := pipe.Get(ctx, t.keys.LastProcessedAt())

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("execute pipeline: %w", err)
	}

	stats := &Stats{
		Totals: make(map[string]int64, len(Names)),
		Today:  make(map[string]int64, len(Names)),
	}
	for _, name := range Names {
		// Missing keys read as zero.
		total, _ := totalCmds[name].Int64()
		daily, _ := dailyCmds[name].Int64()
		stats.Totals[name] = total
		stats.Today[name] = daily
	}

	if raw, err := lastCmd.Result(); err == nil {
		stats.LastProcessedAt = parseMillis(raw)
	}
	return stats, nil
}

// SetLastProcessed records when a job last completed.
func (t *Tracker) SetLastProcessed(ctx context.Context, at time.Time) error {
	if err := t.client.Set(ctx, t.keys.LastProcessedAt(), at.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("update last processed: %w", err)
	}
	return nil
}

// LastProcessed returns when a job last completed, or nil if none has.
func (t *Tracker) LastProcessed(ctx context.Context) (*time.Time, error) {
	raw, err := t.client.Get(ctx, t.keys.LastProcessedAt()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last processed: %w", err)
	}
	return parseMillis(raw), nil
}

func parseMillis(raw string) *time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return nil
	}
	at := time.UnixMilli(ms).UTC()
	return &at
}
