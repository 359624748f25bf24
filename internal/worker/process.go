package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/jobqueue"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/matcher"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/metrics"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/normalizer"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/provider"
)

// errPublish marks a publish failure so the job retries.
var errPublish = errors.New("publish deals")

// ruleOutcome is what happened to one bound rule.
type ruleOutcome struct {
	published int
	duplicate bool
	missing   bool
}

// processJob runs one claimed job end to end. reserved tokens were taken
// from the bucket before the claim and are settled here. A non-nil cached
// payload replaces the provider call and costs nothing. It reports whether
// the job completed.
func (s *Service) processJob(ctx context.Context, job *domain.CategoryJob, reserved int, cached []byte) bool {
	ctx, span := s.tracer.Start(ctx, "worker.process_job",
		trace.WithAttributes(
			attribute.String("job_id", job.ID),
			attribute.String("category", job.Category),
			attribute.Int("rules", len(job.RuleIDs)),
			attribute.Int("attempt", job.Attempt),
			attribute.Bool("cached", cached != nil),
		))
	defer span.End()

	start := time.Now()
	log := s.log.With(
		logger.String("job_id", job.ID),
		logger.String("category", job.Category),
		logger.Int("attempt", job.Attempt),
	)
	defer func() {
		if s.prom != nil {
			s.prom.JobDuration.Observe(time.Since(start).Seconds())
		}
	}()

	body := cached
	if body == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
		fetched, err := s.deps.Provider.FetchCategory(fetchCtx, job.Category)
		cancel()
		if err != nil {
			s.observeProvider("error")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return s.failJob(ctx, log, job, 0, reserved, provider.IsRetryable(err), err)
		}
		s.observeProvider("ok")
		body = fetched
	}

	fetchedAt := s.cfg.Now()
	resp, err := normalizer.ParseResponse(body, job.Category, fetchedAt)
	if err != nil {
		span.RecordError(err)
		paid := reserved
		if cached != nil {
			paid = 0
		}
		return s.failJob(ctx, log, job, paid, reserved, false, err)
	}

	actual := 0
	if cached == nil {
		actual = actualCost(resp, reserved)
		s.cacheBody(ctx, job.Category, body)
		s.recordHistory(ctx, log, job.ID, resp.Deals, fetchedAt)
	}

	candidates := matcher.Rank(resp.Deals)
	var rulesProcessed, dealsPublished, duplicates int
	for _, ruleID := range job.RuleIDs {
		outcome, ruleErr := s.processRule(ctx, job, ruleID, candidates, fetchedAt)
		if ruleErr != nil {
			span.RecordError(ruleErr)
			// Rules handled so far keep their markers; count them now.
			s.recordRunCounters(ctx, rulesProcessed, dealsPublished, duplicates)
			return s.failJob(ctx, log, job, actual, reserved, true, ruleErr)
		}
		switch {
		case outcome.duplicate:
			duplicates++
		case outcome.missing:
		default:
			rulesProcessed++
			dealsPublished += outcome.published
		}
	}

	s.recordRunCounters(ctx, rulesProcessed, dealsPublished, duplicates)

	if usageErr := s.deps.Limiter.RecordUsage(ctx, actual, reserved); usageErr != nil {
		log.Warn("Failed to record token usage", logger.Error(usageErr))
	}

	if completeErr := s.deps.Queue.MarkCompleted(ctx, job); completeErr != nil {
		if errors.Is(completeErr, jobqueue.ErrJobMismatch) {
			log.Warn("Lease lost before completion, another worker owns the job")
		} else {
			log.Error("Failed to mark job completed", logger.Error(completeErr))
		}
		s.observeJob("lease_lost")
		return false
	}

	if lastErr := s.deps.Metrics.SetLastProcessed(ctx, s.cfg.Now()); lastErr != nil {
		log.Warn("Failed to record last processed time", logger.Error(lastErr))
	}
	s.observeJob("completed")

	log.Info("Category job completed",
		logger.Int("deals", len(resp.Deals)),
		logger.Int("skipped_products", resp.Skipped),
		logger.Int("rules_processed", rulesProcessed),
		logger.Int("deals_published", dealsPublished),
		logger.Int("duplicates_skipped", duplicates),
		logger.Int("tokens_consumed", actual),
		logger.Duration("duration", time.Since(start)),
	)
	return true
}

// processRule matches and publishes for one rule. The dedup marker is
// claimed before publishing and released if the publish fails, so a
// replayed (job, rule) pair is skipped only after a successful attempt.
// The rule run is recorded through the marker as well, so a replay of a
// pair that published but never recorded still records it once.
func (s *Service) processRule(
	ctx context.Context,
	job *domain.CategoryJob,
	ruleID int64,
	candidates []domain.ScoredDeal,
	ranAt time.Time,
) (ruleOutcome, error) {
	rule, err := s.deps.Rules.GetByID(ctx, ruleID)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Debug("Bound rule no longer exists", logger.Int64("rule_id", ruleID))
		return ruleOutcome{missing: true}, nil
	}
	if err != nil {
		return ruleOutcome{}, fmt.Errorf("load rule %d: %w", ruleID, err)
	}

	first, err := s.deps.Dedup.Claim(ctx, job.ID, ruleID)
	if err != nil {
		return ruleOutcome{}, err
	}
	if !first {
		s.log.Info("Skipping already published rule",
			logger.String("job_id", job.ID),
			logger.Int64("rule_id", ruleID),
		)
		if recordErr := s.recordRun(ctx, job.ID, ruleID, ranAt, -1); recordErr != nil {
			return ruleOutcome{}, recordErr
		}
		return ruleOutcome{duplicate: true}, nil
	}

	selected := matcher.SelectForRule(rule, candidates, s.cfg.MaxDealsPerRule)
	if len(selected) > 0 {
		pubErr := s.deps.Publisher.Publish(ctx, domain.Publication{
			JobID:       job.ID,
			RuleID:      rule.ID,
			UserID:      rule.UserID,
			ChannelID:   rule.ChannelID,
			Category:    job.Category,
			Deals:       selected,
			PublishedAt: ranAt,
		})
		if pubErr != nil {
			if releaseErr := s.deps.Dedup.Release(ctx, job.ID, ruleID); releaseErr != nil {
				s.log.Error("Failed to release dedup marker", logger.Int64("rule_id", ruleID), logger.Error(releaseErr))
			}
			return ruleOutcome{}, fmt.Errorf("%w for rule %d: %w", errPublish, ruleID, pubErr)
		}
	}

	if _, markErr := s.deps.Dedup.MarkPublished(ctx, job.ID, ruleID, len(selected)); markErr != nil {
		s.log.Warn("Failed to mark dedup marker published", logger.Int64("rule_id", ruleID), logger.Error(markErr))
	}

	if recordErr := s.recordRun(ctx, job.ID, ruleID, ranAt, len(selected)); recordErr != nil {
		return ruleOutcome{}, recordErr
	}
	return ruleOutcome{published: len(selected)}, nil
}

// recordRun advances the rule's schedule once per (job, rule). A negative
// published takes the count stored on the dedup marker. When the store
// write fails the record right is handed back and the error fails the
// job, so its retry records the run.
func (s *Service) recordRun(ctx context.Context, jobID string, ruleID int64, ranAt time.Time, published int) error {
	marked, ok, err := s.deps.Dedup.BeginRecord(ctx, jobID, ruleID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if published < 0 {
		published = marked
	}

	found, err := s.deps.Rules.RecordRun(ctx, ruleID, ranAt, published)
	if err != nil {
		if abortErr := s.deps.Dedup.AbortRecord(ctx, jobID, ruleID, published); abortErr != nil {
			s.log.Error("Failed to hand back dedup record", logger.Int64("rule_id", ruleID), logger.Error(abortErr))
		}
		return fmt.Errorf("record run for rule %d: %w", ruleID, err)
	}
	if !found {
		s.log.Debug("Rule deleted during run", logger.Int64("rule_id", ruleID))
	}
	return nil
}

// failJob settles tokens and hands the job back to the queue. It always
// reports false.
func (s *Service) failJob(
	ctx context.Context,
	log logger.Logger,
	job *domain.CategoryJob,
	actual, reserved int,
	retryable bool,
	cause error,
) bool {
	if usageErr := s.deps.Limiter.RecordUsage(ctx, actual, reserved); usageErr != nil {
		log.Warn("Failed to record token usage", logger.Error(usageErr))
	}

	res, err := s.deps.Queue.MarkFailed(ctx, job, retryable, cause.Error())
	if err != nil {
		if errors.Is(err, jobqueue.ErrJobMismatch) {
			log.Warn("Lease lost before failure was recorded", logger.Error(cause))
		} else {
			log.Error("Failed to mark job failed", logger.Error(err))
		}
		s.observeJob("lease_lost")
		return false
	}

	if res.Retrying {
		log.Warn("Category job failed, will retry",
			logger.Error(cause),
			logger.Time("not_before", res.NotBefore),
		)
		s.observeJob("retrying")
		return false
	}

	s.increment(ctx, metrics.Errors, 1)
	s.observeJob("failed")
	log.Error("Category job failed permanently, rules stay due",
		logger.Error(cause),
		logger.Bool("retryable", retryable),
	)
	return false
}

func (s *Service) recordRunCounters(ctx context.Context, rules, deals, duplicates int) {
	s.increment(ctx, metrics.RulesProcessed, int64(rules))
	s.increment(ctx, metrics.DealsPublished, int64(deals))
	s.increment(ctx, metrics.DuplicatesSkipped, int64(duplicates))
}

// actualCost is the provider-reported cost, falling back to the
// reservation when the response omits it.
func actualCost(resp normalizer.Response, reserved int) int {
	if resp.TokensConsumed > 0 {
		return resp.TokensConsumed
	}
	return reserved
}

func (s *Service) cacheBody(ctx context.Context, category string, body []byte) {
	if s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.Set(ctx, category, body); err != nil {
		s.log.Warn("Failed to cache provider payload", logger.String("category", category), logger.Error(err))
	}
}

func (s *Service) recordHistory(ctx context.Context, log logger.Logger, jobID string, deals []domain.ExtractedDealData, at time.Time) {
	if s.deps.History == nil || len(deals) == 0 {
		return
	}
	if _, err := s.deps.History.Record(ctx, jobID, deals, at); err != nil {
		log.Warn("Failed to record deal history", logger.Error(err))
	}
}

func (s *Service) observeJob(outcome string) {
	if s.prom != nil {
		s.prom.JobsTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) observeProvider(result string) {
	if s.prom != nil {
		s.prom.ProviderCalls.WithLabelValues(result).Inc()
	}
}
