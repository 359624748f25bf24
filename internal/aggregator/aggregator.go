// Package aggregator batches due automation rules into category jobs so
// each category costs one provider call per batching window.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
)

// RuleSource lists rules that are active and due.
type RuleSource interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.AutomationRule, error)
}

// Enqueuer binds rule ids to a category job.
type Enqueuer interface {
	Enqueue(ctx context.Context, category string, ruleIDs []int64, estimatedCost int) (domain.EnqueueOutcome, error)
}

// Config configures batching.
type Config struct {
	// BatchSize bounds how many due rules one pass reads.
	BatchSize int
	// EstimatedJobCost is the token cost recorded on new jobs.
	EstimatedJobCost int
}

// Result summarizes one aggregation pass.
type Result struct {
	RulesDue   int `json:"rules_due"`
	Categories int `json:"categories"`
	Created    int `json:"created"`
	Merged     int `json:"merged"`
	Deferred   int `json:"deferred"`
	Skipped    int `json:"skipped"`
}

// Aggregator groups due rules by primary category.
type Aggregator struct {
	rules RuleSource
	queue Enqueuer
	cfg   Config
	log   logger.Logger
}

// New creates an aggregator.
func New(rules RuleSource, queue Enqueuer, cfg Config, log logger.Logger) *Aggregator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Aggregator{rules: rules, queue: queue, cfg: cfg, log: log}
}

// Group buckets rules by primary category, preserving first-seen category
// order. Rules without categories are returned separately.
func Group(rules []domain.AutomationRule) (order []string, groups map[string][]int64, skipped []int64) {
	groups = make(map[string][]int64)
	for i := range rules {
		category := rules[i].PrimaryCategory()
		if category == "" {
			skipped = append(skipped, rules[i].ID)
			continue
		}
		if _, seen := groups[category]; !seen {
			order = append(order, category)
		}
		groups[category] = append(groups[category], rules[i].ID)
	}
	return order, groups, skipped
}

// Aggregate reads due rules and enqueues one job per primary category.
func (a *Aggregator) Aggregate(ctx context.Context, now time.Time) (Result, error) {
	due, err := a.rules.ListDue(ctx, now, a.cfg.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("list due rules: %w", err)
	}

	order, groups, skipped := Group(due)
	result := Result{RulesDue: len(due), Categories: len(order), Skipped: len(skipped)}
	if len(skipped) > 0 {
		a.log.Warn("Skipping due rules without categories", logger.Any("rule_ids", skipped))
	}

	for _, category := range order {
		outcome, enqueueErr := a.queue.Enqueue(ctx, category, groups[category], a.cfg.EstimatedJobCost)
		if enqueueErr != nil {
			return result, fmt.Errorf("enqueue category %s: %w", category, enqueueErr)
		}
		switch outcome {
		case domain.EnqueueCreated:
			result.Created++
		case domain.EnqueueMerged:
			result.Merged++
		case domain.EnqueueDeferred:
			result.Deferred++
		}
	}

	if result.RulesDue > 0 {
		a.log.Info("Aggregated due rules",
			logger.Int("rules_due", result.RulesDue),
			logger.Int("categories", result.Categories),
			logger.Int("created", result.Created),
			logger.Int("merged", result.Merged),
			logger.Int("deferred", result.Deferred),
		)
	}
	return result, nil
}
