package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/matcher"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/metrics"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/normalizer"
)

const manualJobPrefix = "manual-"

// RunNow evaluates a single rule immediately, bypassing batching. A cached
// category payload is reused when present; otherwise one provider call is
// paid for through the shared bucket.
func (s *Service) RunNow(ctx context.Context, ruleID int64) (domain.RunResult, error) {
	start := time.Now()

	rule, err := s.deps.Rules.GetByID(ctx, ruleID)
	if err != nil {
		return domain.RunResult{}, fmt.Errorf("load rule %d: %w", ruleID, err)
	}
	category := rule.PrimaryCategory()
	if category == "" {
		return domain.RunResult{}, ErrNoCategory
	}

	body, err := s.categoryPayload(ctx, category)
	if err != nil {
		return domain.RunResult{}, err
	}

	ranAt := s.cfg.Now()
	resp, err := normalizer.ParseResponse(body, category, ranAt)
	if err != nil {
		return domain.RunResult{}, fmt.Errorf("parse provider response: %w", err)
	}

	selected := matcher.SelectForRule(rule, matcher.Rank(resp.Deals), s.cfg.MaxDealsPerRule)
	jobID := manualJobPrefix + uuid.NewString()
	if len(selected) > 0 {
		pubErr := s.deps.Publisher.Publish(ctx, domain.Publication{
			JobID:       jobID,
			RuleID:      rule.ID,
			UserID:      rule.UserID,
			ChannelID:   rule.ChannelID,
			Category:    category,
			Deals:       selected,
			PublishedAt: ranAt,
		})
		if pubErr != nil {
			return domain.RunResult{}, fmt.Errorf("%w: %w", errPublish, pubErr)
		}
	}

	if _, recordErr := s.deps.Rules.RecordManualRun(ctx, rule.ID, ranAt, len(selected)); recordErr != nil {
		s.log.Error("Failed to record manual run", logger.Int64("rule_id", rule.ID), logger.Error(recordErr))
	}
	s.increment(ctx, metrics.RulesProcessed, 1)
	s.increment(ctx, metrics.DealsPublished, int64(len(selected)))

	result := domain.RunResult{
		DealsProcessed:  len(resp.Deals),
		DealsPublished:  len(selected),
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
	s.log.Info("Manual rule run completed",
		logger.Int64("rule_id", rule.ID),
		logger.String("job_id", jobID),
		logger.Int("deals_processed", result.DealsProcessed),
		logger.Int("deals_published", result.DealsPublished),
	)
	return result, nil
}

// categoryPayload returns a cached payload or fetches and caches a fresh one.
func (s *Service) categoryPayload(ctx context.Context, category string) ([]byte, error) {
	if s.deps.Cache != nil {
		body, ok, err := s.deps.Cache.Get(ctx, category)
		if err != nil {
			s.log.Warn("Provider cache read failed", logger.String("category", category), logger.Error(err))
		} else if ok {
			return body, nil
		}
	}
	return s.fetchPaid(ctx, category)
}

// fetchPaid reserves tokens, calls the provider and settles usage.
func (s *Service) fetchPaid(ctx context.Context, category string) ([]byte, error) {
	cost := s.cfg.EstimatedJobCost
	granted, err := s.deps.Limiter.TryConsume(ctx, cost)
	if err != nil {
		return nil, fmt.Errorf("consume tokens: %w", err)
	}
	if !granted {
		s.increment(ctx, metrics.TokenWaits, 1)
		return nil, ErrInsufficientTokens
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	body, err := s.deps.Provider.FetchCategory(fetchCtx, category)
	if err != nil {
		s.observeProvider("error")
		if usageErr := s.deps.Limiter.RecordUsage(ctx, 0, cost); usageErr != nil {
			s.log.Warn("Failed to refund tokens", logger.Error(usageErr))
		}
		return nil, err
	}
	s.observeProvider("ok")

	actual := cost
	if resp, parseErr := normalizer.ParseResponse(body, category, s.cfg.Now()); parseErr == nil {
		actual = actualCost(resp, cost)
	}
	if usageErr := s.deps.Limiter.RecordUsage(ctx, actual, cost); usageErr != nil {
		s.log.Warn("Failed to record token usage", logger.Error(usageErr))
	}

	s.cacheBody(ctx, category, body)
	return body, nil
}

// PrefetchResult summarizes a prefetch pass.
type PrefetchResult struct {
	Fetched      []string `json:"fetched"`
	AlreadyFresh []string `json:"already_fresh"`
	Failed       []string `json:"failed"`
	TokenLimited bool     `json:"token_limited"`
}

// ForcePrefetch warms the cache for categories, or for every active
// primary category when none are given.
func (s *Service) ForcePrefetch(ctx context.Context, categories ...string) (PrefetchResult, error) {
	if len(categories) == 0 {
		all, err := s.deps.Rules.TopCategories(ctx, 0)
		if err != nil {
			return PrefetchResult{}, fmt.Errorf("list active categories: %w", err)
		}
		categories = all
	}
	return s.prefetch(ctx, categories, 0)
}

func (s *Service) scheduledPrefetch(ctx context.Context) {
	categories, err := s.deps.Rules.TopCategories(ctx, s.cfg.PrefetchTop)
	if err != nil {
		s.log.Error("Scheduled prefetch failed to list categories", logger.Error(err))
		return
	}
	result, err := s.prefetch(ctx, categories, s.cfg.PrefetchMinTokens)
	if err != nil {
		s.log.Error("Scheduled prefetch failed", logger.Error(err))
		return
	}
	s.log.Info("Scheduled prefetch finished",
		logger.Strings("fetched", result.Fetched),
		logger.Int("already_fresh", len(result.AlreadyFresh)),
		logger.Int("failed", len(result.Failed)),
		logger.Bool("token_limited", result.TokenLimited),
	)
}

// prefetch stops as soon as the bucket falls below floor or cannot cover
// the next call, leaving tokens for scheduled jobs.
func (s *Service) prefetch(ctx context.Context, categories []string, floor float64) (PrefetchResult, error) {
	var result PrefetchResult
	if s.deps.Cache == nil {
		return result, nil
	}

	for _, category := range categories {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		_, fresh, err := s.deps.Cache.Get(ctx, category)
		if err == nil && fresh {
			result.AlreadyFresh = append(result.AlreadyFresh, category)
			continue
		}

		if floor > 0 {
			available, availErr := s.deps.Limiter.Available(ctx)
			if availErr != nil {
				return result, fmt.Errorf("read tokens: %w", availErr)
			}
			if available < floor {
				result.TokenLimited = true
				return result, nil
			}
		}

		if _, fetchErr := s.fetchPaid(ctx, category); fetchErr != nil {
			if errors.Is(fetchErr, ErrInsufficientTokens) {
				result.TokenLimited = true
				return result, nil
			}
			s.log.Warn("Prefetch failed", logger.String("category", category), logger.Error(fetchErr))
			result.Failed = append(result.Failed, category)
			continue
		}
		result.Fetched = append(result.Fetched, category)
	}
	return result, nil
}

// ClearCache drops every cached provider payload.
func (s *Service) ClearCache(ctx context.Context) (int64, error) {
	if s.deps.Cache == nil {
		return 0, nil
	}
	return s.deps.Cache.Clear(ctx)
}

// Health returns the pipeline introspection snapshot.
func (s *Service) Health(ctx context.Context) (domain.HealthSnapshot, error) {
	tokens, err := s.deps.Limiter.Available(ctx)
	if err != nil {
		return domain.HealthSnapshot{}, fmt.Errorf("read tokens: %w", err)
	}
	depth, err := s.deps.Queue.Depth(ctx)
	if err != nil {
		return domain.HealthSnapshot{}, fmt.Errorf("read queue depth: %w", err)
	}
	last, err := s.deps.Metrics.LastProcessed(ctx)
	if err != nil {
		return domain.HealthSnapshot{}, err
	}
	return domain.HealthSnapshot{TokensAvailable: tokens, QueueDepth: depth, LastProcessedAt: last}, nil
}

// Stats returns the run counters.
func (s *Service) Stats(ctx context.Context) (*metrics.Stats, error) {
	return s.deps.Metrics.GetStats(ctx)
}

// Jobs lists non-terminal jobs oldest first.
func (s *Service) Jobs(ctx context.Context) ([]*domain.CategoryJob, error) {
	return s.deps.Queue.List(ctx)
}

// RuleStatus derives idle, running or error from the rule's primary
// category job.
func (s *Service) RuleStatus(ctx context.Context, ruleID int64) (domain.RuleStatus, error) {
	rule, err := s.deps.Rules.GetByID(ctx, ruleID)
	if err != nil {
		return "", fmt.Errorf("load rule %d: %w", ruleID, err)
	}
	category := rule.PrimaryCategory()
	if category == "" {
		return domain.RuleStatusIdle, nil
	}
	return s.deps.Queue.CategoryStatus(ctx, category)
}
