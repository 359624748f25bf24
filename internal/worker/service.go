// Package worker runs the two periodic pipeline tasks: the scheduler tick
// that batches due rules into category jobs, and the worker tick that
// spends provider tokens on ready jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/aggregator"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/coordination"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/dedup"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/jobqueue"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/limiter"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/metrics"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/provider"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/publisher"
)

const (
	defaultSchedulerInterval = 60 * time.Second
	defaultWorkerInterval    = 5 * time.Second
	defaultMaxJobsPerTick    = 10
	defaultJobTimeout        = 90 * time.Second
	defaultEstimatedJobCost  = 5
	defaultBatchSize         = 500
)

var (
	// ErrMissingDependency is returned by New when a required collaborator is nil.
	ErrMissingDependency = errors.New("missing worker dependency")
	// ErrInsufficientTokens is returned by manual operations when the
	// shared bucket cannot cover a provider call right now.
	ErrInsufficientTokens = errors.New("not enough provider tokens, try again later")
	// ErrNoCategory is returned for a rule without categories.
	ErrNoCategory = errors.New("rule has no categories")
)

// RuleStore is the rule persistence the pipeline needs.
type RuleStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.AutomationRule, error)
	GetByID(ctx context.Context, id int64) (*domain.AutomationRule, error)
	RecordRun(ctx context.Context, ruleID int64, ranAt time.Time, published int) (bool, error)
	RecordManualRun(ctx context.Context, ruleID int64, ranAt time.Time, published int) (bool, error)
	TopCategories(ctx context.Context, limit int) ([]string, error)
}

// Fetcher performs one provider call for a category.
type Fetcher interface {
	FetchCategory(ctx context.Context, category string) ([]byte, error)
}

// HistoryRecorder persists extracted deals.
type HistoryRecorder interface {
	Record(ctx context.Context, jobID string, deals []domain.ExtractedDealData, fetchedAt time.Time) (int, error)
}

// Config configures the worker service.
type Config struct {
	SchedulerInterval time.Duration
	WorkerInterval    time.Duration
	MaxJobsPerTick    int
	MaxDealsPerRule   int
	JobTimeout        time.Duration
	EstimatedJobCost  int
	BatchSize         int
	// PrefetchSchedule is a five-field cron expression; empty disables it.
	PrefetchSchedule  string
	PrefetchTop       int
	PrefetchMinTokens float64
	Now               func() time.Time
}

// Deps are the collaborators the service drives. Cache, History, Leader
// and Prometheus are optional.
type Deps struct {
	Rules     RuleStore
	Queue     *jobqueue.Queue
	Limiter   *limiter.TokenBucket
	Dedup     *dedup.Tracker
	Metrics   *metrics.Tracker
	Provider  Fetcher
	Publisher publisher.Publisher
	Cache     *provider.Cache
	History   HistoryRecorder
	Leader    *coordination.LeaderElection
	Logger    logger.Logger
}

// Service owns the scheduler and worker loops.
type Service struct {
	cfg        Config
	deps       Deps
	aggregator *aggregator.Aggregator
	prom       *metrics.Metrics
	log        logger.Logger
	tracer     trace.Tracer

	cron     *cron.Cron
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// New creates the worker service.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Rules == nil || deps.Queue == nil || deps.Limiter == nil || deps.Dedup == nil ||
		deps.Metrics == nil || deps.Provider == nil || deps.Publisher == nil {
		return nil, ErrMissingDependency
	}
	applyDefaults(&cfg)

	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With(logger.String("component", "worker"), logger.String("worker_id", deps.Queue.WorkerID()))

	agg := aggregator.New(deps.Rules, deps.Queue, aggregator.Config{
		BatchSize:        cfg.BatchSize,
		EstimatedJobCost: cfg.EstimatedJobCost,
	}, log)

	return &Service{
		cfg:        cfg,
		deps:       deps,
		aggregator: agg,
		prom:       deps.Metrics.Prometheus(),
		log:        log,
		tracer:     otel.Tracer("deal-automation/worker"),
		stopChan:   make(chan struct{}),
	}, nil
}

func applyDefaults(cfg *Config) {
	if cfg.SchedulerInterval <= 0 {
		cfg.SchedulerInterval = defaultSchedulerInterval
	}
	if cfg.WorkerInterval <= 0 {
		cfg.WorkerInterval = defaultWorkerInterval
	}
	if cfg.MaxJobsPerTick <= 0 {
		cfg.MaxJobsPerTick = defaultMaxJobsPerTick
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.EstimatedJobCost <= 0 {
		cfg.EstimatedJobCost = defaultEstimatedJobCost
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// Start launches both loops and, when configured, the prefetch schedule.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if s.cfg.PrefetchSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
		if _, err := c.AddFunc(s.cfg.PrefetchSchedule, func() { s.scheduledPrefetch(ctx) }); err != nil {
			return fmt.Errorf("invalid prefetch schedule %q: %w", s.cfg.PrefetchSchedule, err)
		}
		s.cron = c
		c.Start()
	}

	if s.deps.Leader != nil {
		s.deps.Leader.Start(ctx)
	}

	s.started = true
	s.wg.Add(2)
	go s.loop(ctx, s.cfg.SchedulerInterval, s.runSchedulerTick)
	go s.loop(ctx, s.cfg.WorkerInterval, s.runWorkerTick)

	s.log.Info("Worker service started",
		logger.Duration("scheduler_interval", s.cfg.SchedulerInterval),
		logger.Duration("worker_interval", s.cfg.WorkerInterval),
		logger.Int("max_jobs_per_tick", s.cfg.MaxJobsPerTick),
	)
	return nil
}

// Stop stops the loops and waits for in-flight ticks to finish.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.deps.Leader != nil {
		if err := s.deps.Leader.Stop(ctx); err != nil {
			s.log.Warn("Failed to resign scheduler leadership", logger.Error(err))
		}
	}
	s.log.Info("Worker service stopped")
}

func (s *Service) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick(ctx)

	for {
		select {
		case <-ticker.C:
			tick(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) runSchedulerTick(ctx context.Context) {
	if _, err := s.SchedulerTick(ctx); err != nil {
		s.log.Error("Scheduler tick failed", logger.Error(err))
	}
}

func (s *Service) runWorkerTick(ctx context.Context) {
	if _, err := s.WorkerTick(ctx); err != nil {
		s.log.Error("Worker tick failed", logger.Error(err))
	}
}

// SchedulerTick batches due rules into category jobs. With leader
// election enabled only the leader aggregates; the others return an
// empty result.
func (s *Service) SchedulerTick(ctx context.Context) (aggregator.Result, error) {
	if s.deps.Leader == nil {
		return s.aggregate(ctx)
	}

	var result aggregator.Result
	err := s.deps.Leader.RunIfLeader(ctx, func(ctx context.Context) error {
		var aggErr error
		result, aggErr = s.aggregate(ctx)
		return aggErr
	})
	if errors.Is(err, coordination.ErrNotLeader) {
		s.observeTick("follower")
		return aggregator.Result{}, nil
	}
	return result, err
}

func (s *Service) aggregate(ctx context.Context) (aggregator.Result, error) {
	result, err := s.aggregator.Aggregate(ctx, s.cfg.Now())
	if err != nil {
		s.observeTick("error")
		return result, fmt.Errorf("aggregate due rules: %w", err)
	}
	s.observeTick("ok")
	s.refreshGauges(ctx)
	return result, nil
}

// TickResult summarizes one worker tick.
type TickResult struct {
	Processed int  `json:"processed"`
	Failed    int  `json:"failed"`
	TokenWait bool `json:"token_wait"`
}

// WorkerTick dispatches ready jobs oldest first until the queue is empty,
// the bucket cannot cover the next job, or MaxJobsPerTick is reached.
func (s *Service) WorkerTick(ctx context.Context) (TickResult, error) {
	var result TickResult
	defer s.refreshGauges(ctx)

	for range s.cfg.MaxJobsPerTick {
		if ctx.Err() != nil {
			return result, nil
		}

		next, err := s.deps.Queue.Peek(ctx)
		if err != nil {
			return result, fmt.Errorf("peek queue: %w", err)
		}
		if next == nil {
			return result, nil
		}

		cost := s.jobCost(next)
		cached := s.cachedPayload(ctx, next.Category)
		reserved := 0
		if cached == nil {
			granted, consumeErr := s.deps.Limiter.TryConsume(ctx, cost)
			if consumeErr != nil {
				return result, fmt.Errorf("consume tokens: %w", consumeErr)
			}
			if !granted {
				result.TokenWait = true
				s.increment(ctx, metrics.TokenWaits, 1)
				s.log.Debug("Token budget exhausted, job stays queued",
					logger.String("category", next.Category),
					logger.Int("cost", cost),
				)
				return result, nil
			}
			reserved = cost
		}

		claim, err := s.deps.Queue.DequeueReady(ctx, cost, 1)
		if err != nil {
			s.refund(ctx, reserved)
			return result, fmt.Errorf("claim job: %w", err)
		}
		for range claim.Abandoned {
			result.Failed++
			s.increment(ctx, metrics.Errors, 1)
			s.observeJob("failed")
		}
		if len(claim.Jobs) == 0 {
			// Another worker won the claim or the job was abandoned.
			s.refund(ctx, reserved)
			continue
		}

		job := claim.Jobs[0]
		if job.Category != next.Category {
			// Claimed past the peeked job; an uncached fetch is debited after the call.
			cached = s.cachedPayload(ctx, job.Category)
		}
		if s.processJob(ctx, job, reserved, cached) {
			result.Processed++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

// cachedPayload returns a fresh cached provider body for category, or nil.
func (s *Service) cachedPayload(ctx context.Context, category string) []byte {
	if s.deps.Cache == nil {
		return nil
	}
	body, ok, err := s.deps.Cache.Get(ctx, category)
	if err != nil {
		s.log.Warn("Provider cache read failed", logger.String("category", category), logger.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return body
}

func (s *Service) jobCost(job *domain.CategoryJob) int {
	if job.EstimatedCost > 0 {
		return job.EstimatedCost
	}
	return s.cfg.EstimatedJobCost
}

func (s *Service) refund(ctx context.Context, n int) {
	if err := s.deps.Limiter.Refund(ctx, n); err != nil {
		s.log.Warn("Failed to refund tokens", logger.Int("tokens", n), logger.Error(err))
	}
}

func (s *Service) increment(ctx context.Context, name string, n int64) {
	if err := s.deps.Metrics.Increment(ctx, name, n); err != nil {
		s.log.Warn("Failed to update metric", logger.String("metric", name), logger.Error(err))
	}
}

func (s *Service) observeTick(result string) {
	if s.prom != nil {
		s.prom.SchedulerTicks.WithLabelValues(result).Inc()
	}
}

func (s *Service) refreshGauges(ctx context.Context) {
	if s.prom == nil {
		return
	}
	if depth, err := s.deps.Queue.Depth(ctx); err == nil {
		s.prom.QueueDepth.Set(float64(depth))
	}
	if tokens, err := s.deps.Limiter.Available(ctx); err == nil {
		s.prom.TokensAvail.Set(tokens)
	}
}
