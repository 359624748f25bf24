// Package domain contains the core models shared by the ingestion pipeline.
package domain

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an entity is not found.
var ErrNotFound = errors.New("entity not found")

// DefaultRunIntervalMinutes is applied when a rule has no interval set.
const DefaultRunIntervalMinutes = 360

// AutomationRule is a user-defined filter evaluated on schedule against
// normalized deal data.
type AutomationRule struct {
	ID         int64    `db:"id"          json:"id"`
	UserID     string   `db:"user_id"     json:"user_id"`
	Name       string   `db:"name"        json:"name"`
	Categories []string `db:"categories"  json:"categories"`
	MinScore   int      `db:"min_score"   json:"min_score"`
	// MinDiscount is a percentage (20 means 20%).
	MinDiscount float64  `db:"min_discount" json:"min_discount"`
	MaxPrice    *float64 `db:"max_price"    json:"max_price,omitempty"`
	// MinRating uses the provider's x10 scale (45 means 4.5 stars).
	MinRating          *int       `db:"min_rating"           json:"min_rating,omitempty"`
	ChannelID          string     `db:"channel_id"           json:"channel_id"`
	IsActive           bool       `db:"is_active"            json:"is_active"`
	RunIntervalMinutes int        `db:"run_interval_minutes" json:"run_interval_minutes"`
	NextRunAt          time.Time  `db:"next_run_at"          json:"next_run_at"`
	LastRunAt          *time.Time `db:"last_run_at"          json:"last_run_at,omitempty"`
	TotalRuns          int64      `db:"total_runs"           json:"total_runs"`
	DealsPublished     int64      `db:"deals_published"      json:"deals_published"`
	ClicksGenerated    int64      `db:"clicks_generated"     json:"clicks_generated"`
	CreatedAt          time.Time  `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"           json:"updated_at"`
}

// PrimaryCategory returns the category the rule is batched under, or ""
// when the rule has none.
func (r *AutomationRule) PrimaryCategory() string {
	if len(r.Categories) == 0 {
		return ""
	}
	return r.Categories[0]
}

// HasCategory reports whether category is one of the rule's categories.
func (r *AutomationRule) HasCategory(category string) bool {
	for _, c := range r.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// RunInterval returns the rule's schedule interval.
func (r *AutomationRule) RunInterval() time.Duration {
	minutes := r.RunIntervalMinutes
	if minutes <= 0 {
		minutes = DefaultRunIntervalMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// IsDue reports whether the rule should be batched at now.
func (r *AutomationRule) IsDue(now time.Time) bool {
	return r.IsActive && !r.NextRunAt.After(now)
}

// RuleStatus is the user-facing state derived from the rule's category job.
type RuleStatus string

const (
	RuleStatusIdle    RuleStatus = "idle"
	RuleStatusRunning RuleStatus = "running"
	RuleStatusError   RuleStatus = "error"
)

// RunResult is returned by a manual rule run.
type RunResult struct {
	DealsProcessed  int   `json:"deals_processed"`
	DealsPublished  int   `json:"deals_published"`
	ExecutionTimeMs int64 `json:"execution_time_ms"`
}

// HealthSnapshot is the pipeline introspection view.
type HealthSnapshot struct {
	TokensAvailable float64    `json:"tokens_available"`
	QueueDepth      int64      `json:"queue_depth"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}
