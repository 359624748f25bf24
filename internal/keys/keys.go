// Package keys builds every Redis key the pipeline reads or writes.
package keys

import (
	"fmt"
	"time"
)

const (
	segmentTokens    = "tokens"
	segmentQueue     = "queue"
	segmentJob       = "job"
	segmentDedup     = "dedup"
	segmentMetrics   = "metrics"
	segmentOutcome   = "outcome"
	segmentCache     = "cache"
	segmentScheduler = "scheduler"
	segmentPublish   = "publish"

	dayLayout = "2006-01-02"
)

// Keys builds namespaced Redis keys.
type Keys struct {
	prefix string
}

// New returns a key builder rooted at prefix.
func New(prefix string) Keys {
	return Keys{prefix: prefix}
}

func (k Keys) join(parts ...string) string {
	key := k.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// TokenBucket is the hash holding tokens and last refill time.
func (k Keys) TokenBucket() string {
	return k.join(segmentTokens, "bucket")
}

// TokensUsedToday is the provider usage counter for day (UTC).
func (k Keys) TokensUsedToday(day time.Time) string {
	return k.join(segmentTokens, "used", day.UTC().Format(dayLayout))
}

// JobQueue is the sorted set of non-terminal category jobs scored by
// creation time.
func (k Keys) JobQueue() string {
	return k.join(segmentQueue, "jobs")
}

// Job is the hash describing the category's current job.
func (k Keys) Job(category string) string {
	return k.join(segmentJob, category)
}

// JobRules is the set of rule ids bound to the category's current job.
func (k Keys) JobRules(category string) string {
	return k.join(segmentJob, category, "rules")
}

// JobPattern matches every job hash and rule set.
func (k Keys) JobPattern() string {
	return k.join(segmentJob, "*")
}

// DedupMarker marks a (job, rule) publish as done.
func (k Keys) DedupMarker(jobID string, ruleID int64) string {
	return k.join(segmentDedup, jobID, fmt.Sprintf("%d", ruleID))
}

// Metric is the all-time counter for name.
func (k Keys) Metric(name string) string {
	return k.join(segmentMetrics, name, "total")
}

// MetricDaily is the per-day counter for name.
func (k Keys) MetricDaily(name string, day time.Time) string {
	return k.join(segmentMetrics, name, day.UTC().Format(dayLayout))
}

// LastProcessedAt holds the unix millis of the last completed job.
func (k Keys) LastProcessedAt() string {
	return k.join(segmentMetrics, "last_processed_at")
}

// CategoryOutcome holds the final status of the category's last job.
func (k Keys) CategoryOutcome(category string) string {
	return k.join(segmentOutcome, category)
}

// ProviderCache holds the cached provider payload for a category.
func (k Keys) ProviderCache(category string) string {
	return k.join(segmentCache, category)
}

// ProviderCachePattern matches every cached provider payload.
func (k Keys) ProviderCachePattern() string {
	return k.join(segmentCache, "*")
}

// SchedulerLeader is the leader election lock for the scheduler tick.
func (k Keys) SchedulerLeader() string {
	return k.join(segmentScheduler, "leader")
}

// PublishStream is the stream the channel delivery service consumes.
func (k Keys) PublishStream() string {
	return k.join(segmentPublish)
}
