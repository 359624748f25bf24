// Package jobqueue stores category jobs in Redis. A single sorted set,
// scored by creation time, orders every non-terminal job; each job's
// fields live in a hash and its bound rule ids in a set. All transitions
// run as Lua scripts so claims and finalizers are atomic across workers.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/keys"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/retry"
)

const (
	defaultLeaseTimeout = 2 * time.Minute
	defaultMaxAttempts  = 3
	defaultOutcomeTTL   = 7 * 24 * time.Hour

	finalizeMismatch = "mismatch"
	finalizeRetry    = "retry"

	claimClaimed    = "claimed"
	claimAbandoned  = "abandoned"
	claimOverBudget = "over_budget"
)

var (
	// ErrJobMismatch is returned when a finalizer no longer holds the job.
	ErrJobMismatch = errors.New("job no longer held by caller")
	// ErrJobNotFound is returned when a category has no open job.
	ErrJobNotFound = errors.New("job not found")
)

// Config configures the queue.
type Config struct {
	LeaseTimeout time.Duration
	MaxAttempts  int
	Backoff      retry.Config
	OutcomeTTL   time.Duration
	// WorkerID is recorded on every job this queue instance claims.
	WorkerID string
	Now      func() time.Time
}

// Outcome is the final status of a category's last job.
type Outcome struct {
	Status domain.JobStatus `json:"status"`
	JobID  string           `json:"job_id"`
	Reason string           `json:"reason,omitempty"`
	At     time.Time        `json:"at"`
}

// FailResult reports what MarkFailed did.
type FailResult struct {
	Retrying  bool
	NotBefore time.Time
}

// Queue is the Redis-backed category job queue.
type Queue struct {
	client *redis.Client
	keys   keys.Keys
	cfg    Config
	log    logger.Logger
}

// New creates a queue.
func New(client *redis.Client, k keys.Keys, cfg Config, log logger.Logger) *Queue {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = defaultLeaseTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.OutcomeTTL <= 0 {
		cfg.OutcomeTTL = defaultOutcomeTTL
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Queue{client: client, keys: k, cfg: cfg, log: log}
}

// WorkerID returns the identity recorded on claims.
func (q *Queue) WorkerID() string {
	return q.cfg.WorkerID
}

// Enqueue binds ruleIDs to the category's open job. A pending job absorbs
// them, no job means a new one is created, and a dispatched job no longer
// accepts rules so the call is deferred and nothing changes.
func (q *Queue) Enqueue(ctx context.Context, category string, ruleIDs []int64, estimatedCost int) (domain.EnqueueOutcome, error) {
	if category == "" {
		return "", errors.New("enqueue: category is required")
	}

	args := make([]any, 0, 4+len(ruleIDs))
	args = append(args, category, uuid.NewString(), q.cfg.Now().UnixMilli(), estimatedCost)
	for _, id := range ruleIDs {
		args = append(args, id)
	}

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keys.JobQueue(), q.keys.Job(category), q.keys.JobRules(category)},
		args...,
	).Text()
	if err != nil {
		return "", fmt.Errorf("enqueue category %s: %w", category, err)
	}

	outcome := domain.EnqueueOutcome(res)
	q.log.Debug("Category job enqueue",
		logger.String("category", category),
		logger.Int("rules", len(ruleIDs)),
		logger.String("outcome", string(outcome)),
	)
	return outcome, nil
}

// Peek returns the oldest ready job without claiming it, or nil.
func (q *Queue) Peek(ctx context.Context) (*domain.CategoryJob, error) {
	categories, err := q.client.ZRange(ctx, q.keys.JobQueue(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("peek queue: %w", err)
	}

	now := q.cfg.Now()
	for _, category := range categories {
		job, getErr := q.Get(ctx, category)
		if errors.Is(getErr, ErrJobNotFound) {
			continue
		}
		if getErr != nil {
			return nil, getErr
		}
		if isReady(job, now) {
			return job, nil
		}
	}
	return nil, nil
}

// isReady mirrors the readiness test in claimLua.
func isReady(job *domain.CategoryJob, now time.Time) bool {
	switch job.Status {
	case domain.JobStatusPending:
		return !job.NotBefore.After(now)
	case domain.JobStatusDispatched:
		return job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

// Claim is what one DequeueReady call took off the queue.
type Claim struct {
	Jobs []*domain.CategoryJob
	// Abandoned lists ids of jobs dropped because a lapsed lease used up
	// their last attempt.
	Abandoned []string
}

// DequeueReady claims up to limit ready jobs, oldest first, whose summed
// estimated cost fits maxTokens. It stops at the first ready job that does
// not fit so a large job is not starved by smaller ones behind it. Each
// claimed job is dispatched with a lease of LeaseTimeout.
func (q *Queue) DequeueReady(ctx context.Context, maxTokens, limit int) (Claim, error) {
	var claim Claim
	if limit <= 0 || maxTokens < 0 {
		return claim, nil
	}

	categories, err := q.client.ZRange(ctx, q.keys.JobQueue(), 0, -1).Result()
	if err != nil {
		return claim, fmt.Errorf("list queue: %w", err)
	}

	token := uuid.NewString()
	budget := maxTokens
	now := q.cfg.Now().UnixMilli()
	for _, category := range categories {
		if len(claim.Jobs) >= limit {
			break
		}

		res, runErr := claimScript.Run(ctx, q.client,
			[]string{
				q.keys.JobQueue(),
				q.keys.Job(category),
				q.keys.JobRules(category),
				q.keys.CategoryOutcome(category),
			},
			category,
			now,
			budget,
			q.cfg.LeaseTimeout.Milliseconds(),
			q.cfg.WorkerID,
			token,
			q.cfg.MaxAttempts,
			int64(q.cfg.OutcomeTTL.Seconds()),
		).StringSlice()
		if runErr != nil {
			return claim, fmt.Errorf("claim job %s: %w", category, runErr)
		}

		switch res[0] {
		case claimOverBudget:
			return claim, nil
		case claimAbandoned:
			claim.Abandoned = append(claim.Abandoned, res[1])
			q.log.Error("Category job abandoned after repeated lease expiry",
				logger.String("job_id", res[1]),
				logger.String("category", category),
				logger.Int("max_attempts", q.cfg.MaxAttempts),
			)
		case claimClaimed:
			cost, _ := strconv.Atoi(res[1])
			budget -= cost

			job, getErr := q.Get(ctx, category)
			if getErr != nil {
				return claim, fmt.Errorf("load claimed job %s: %w", category, getErr)
			}
			claim.Jobs = append(claim.Jobs, job)
			q.log.Info("Category job dispatched",
				logger.String("job_id", job.ID),
				logger.String("category", category),
				logger.Int("rules", len(job.RuleIDs)),
				logger.Int("attempt", job.Attempt),
			)
		}
	}
	return claim, nil
}

// MarkCompleted removes a finished job and records the category outcome.
func (q *Queue) MarkCompleted(ctx context.Context, job *domain.CategoryJob) error {
	res, err := q.finalize(ctx, job, string(domain.JobStatusCompleted), time.Time{}, "")
	if err != nil {
		return err
	}
	if res == finalizeMismatch {
		return fmt.Errorf("complete job %s: %w", job.ID, ErrJobMismatch)
	}
	return nil
}

// MarkFailed either schedules a retry with backoff (retryable and under
// MaxAttempts) or drops the job and records a failed outcome. Dropped
// jobs leave their rules due so the next scheduler tick rebatches them.
func (q *Queue) MarkFailed(ctx context.Context, job *domain.CategoryJob, retryable bool, reason string) (FailResult, error) {
	mode := string(domain.JobStatusFailed)
	var notBefore time.Time
	if retryable {
		mode = finalizeRetry
		notBefore = q.cfg.Now().Add(retry.Backoff(q.cfg.Backoff, job.Attempt+1))
	}

	res, err := q.finalize(ctx, job, mode, notBefore, reason)
	if err != nil {
		return FailResult{}, err
	}

	switch res {
	case finalizeMismatch:
		return FailResult{}, fmt.Errorf("fail job %s: %w", job.ID, ErrJobMismatch)
	case finalizeRetry:
		q.log.Warn("Category job scheduled for retry",
			logger.String("job_id", job.ID),
			logger.String("category", job.Category),
			logger.Int("attempt", job.Attempt+1),
			logger.Time("not_before", notBefore),
			logger.String("reason", reason),
		)
		return FailResult{Retrying: true, NotBefore: notBefore}, nil
	default:
		q.log.Error("Category job failed",
			logger.String("job_id", job.ID),
			logger.String("category", job.Category),
			logger.Int("attempt", job.Attempt),
			logger.String("reason", reason),
		)
		return FailResult{}, nil
	}
}

func (q *Queue) finalize(ctx context.Context, job *domain.CategoryJob, mode string, notBefore time.Time, reason string) (string, error) {
	var notBeforeMs int64
	if !notBefore.IsZero() {
		notBeforeMs = notBefore.UnixMilli()
	}

	res, err := finalizeScript.Run(ctx, q.client,
		[]string{
			q.keys.JobQueue(),
			q.keys.Job(job.Category),
			q.keys.JobRules(job.Category),
			q.keys.CategoryOutcome(job.Category),
		},
		job.Category,
		job.ID,
		job.ClaimToken,
		q.cfg.Now().UnixMilli(),
		int64(q.cfg.OutcomeTTL.Seconds()),
		mode,
		notBeforeMs,
		reason,
		q.cfg.MaxAttempts,
	).Text()
	if err != nil {
		return "", fmt.Errorf("finalize job %s: %w", job.ID, err)
	}
	return res, nil
}

// Get loads the category's open job.
func (q *Queue) Get(ctx context.Context, category string) (*domain.CategoryJob, error) {
	pipe := q.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, q.keys.Job(category))
	rulesCmd := pipe.SMembers(ctx, q.keys.JobRules(category))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load job %s: %w", category, err)
	}

	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return decodeJob(fields, rulesCmd.Val())
}

// List returns every non-terminal job, oldest first.
func (q *Queue) List(ctx context.Context) ([]*domain.CategoryJob, error) {
	categories, err := q.client.ZRange(ctx, q.keys.JobQueue(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}

	jobs := make([]*domain.CategoryJob, 0, len(categories))
	for _, category := range categories {
		job, getErr := q.Get(ctx, category)
		if errors.Is(getErr, ErrJobNotFound) {
			continue
		}
		if getErr != nil {
			return nil, getErr
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Depth is the number of non-terminal jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.keys.JobQueue()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// LastOutcome returns the final status of the category's last job, or nil
// when none is recorded.
func (q *Queue) LastOutcome(ctx context.Context, category string) (*Outcome, error) {
	fields, err := q.client.HGetAll(ctx, q.keys.CategoryOutcome(category)).Result()
	if err != nil {
		return nil, fmt.Errorf("load outcome %s: %w", category, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	return &Outcome{
		Status: domain.JobStatus(fields["status"]),
		JobID:  fields["job_id"],
		Reason: fields["reason"],
		At:     millisToTime(fields["at"]),
	}, nil
}

func decodeJob(fields map[string]string, members []string) (*domain.CategoryJob, error) {
	job := &domain.CategoryJob{
		ID:         fields["id"],
		Category:   fields["category"],
		Status:     domain.JobStatus(fields["status"]),
		CreatedAt:  millisToTime(fields["created_at"]),
		NotBefore:  millisToTime(fields["not_before"]),
		WorkerID:   fields["worker_id"],
		ClaimToken: fields["claim_token"],
		LastError:  fields["last_error"],
	}

	var err error
	if job.Attempt, err = atoiField(fields, "attempt"); err != nil {
		return nil, err
	}
	if job.EstimatedCost, err = atoiField(fields, "estimated_cost"); err != nil {
		return nil, err
	}
	if lease := millisToTime(fields["lease_expires_at"]); !lease.IsZero() {
		job.LeaseExpiresAt = &lease
	}

	job.RuleIDs = make([]int64, 0, len(members))
	for _, m := range members {
		id, parseErr := strconv.ParseInt(m, 10, 64)
		if parseErr != nil {
			return nil, fmt.Errorf("decode rule id %q: %w", m, parseErr)
		}
		job.RuleIDs = append(job.RuleIDs, id)
	}
	sort.Slice(job.RuleIDs, func(i, j int) bool { return job.RuleIDs[i] < job.RuleIDs[j] })
	return job, nil
}

func atoiField(fields map[string]string, name string) (int, error) {
	v := fields[name]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("decode %s %q: %w", name, v, err)
	}
	return n, nil
}

// millisToTime returns the zero time for empty or non-positive values.
func millisToTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// CategoryStatus derives the user-facing status for rules batched under
// category: running while its job is dispatched, error while it is
// retrying or when the last job failed, idle otherwise.
func (q *Queue) CategoryStatus(ctx context.Context, category string) (domain.RuleStatus, error) {
	job, err := q.Get(ctx, category)
	switch {
	case errors.Is(err, ErrJobNotFound):
	case err != nil:
		return "", err
	case job.Status == domain.JobStatusDispatched:
		return domain.RuleStatusRunning, nil
	case job.IsRetrying():
		return domain.RuleStatusError, nil
	}

	outcome, err := q.LastOutcome(ctx, category)
	if err != nil {
		return "", err
	}
	if outcome != nil && outcome.Status == domain.JobStatusFailed {
		return domain.RuleStatusError, nil
	}
	return domain.RuleStatusIdle, nil
}
