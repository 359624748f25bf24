package aggregator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/aggregator"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/jobqueue"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/keys"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
)

type staticRules struct {
	rules []domain.AutomationRule
	err   error
}

func (s *staticRules) ListDue(_ context.Context, now time.Time, _ int) ([]domain.AutomationRule, error) {
	if s.err != nil {
		return nil, s.err
	}
	var due []domain.AutomationRule
	for _, r := range s.rules {
		if r.IsDue(now) {
			due = append(due, r)
		}
	}
	return due, nil
}

type categorySize struct {
	category string
	count    int
}

// rulesAcross builds count due rules per primary category. Secondary
// categories vary so only the primary decides batching.
func rulesAcross(now time.Time, sizes []categorySize) []domain.AutomationRule {
	var rules []domain.AutomationRule
	id := int64(1)
	for _, s := range sizes {
		for i := range s.count {
			rules = append(rules, domain.AutomationRule{
				ID:         id,
				Categories: []string{s.category, "secondary-" + string(rune('a'+i))},
				IsActive:   true,
				NextRunAt:  now.Add(-time.Minute),
			})
			id++
		}
	}
	return rules
}

func newQueue(t *testing.T, now time.Time) *jobqueue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return jobqueue.New(client, keys.New("test"), jobqueue.Config{
		Now: func() time.Time { return now },
	}, logger.NewNop())
}

func TestAggregate_OneJobPerPrimaryCategory(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	rules := rulesAcross(now, []categorySize{{"electronics", 8}, {"home", 6}, {"toys", 4}, {"books", 2}})
	require.Len(t, rules, 20)

	queue := newQueue(t, now)
	agg := aggregator.New(&staticRules{rules: rules}, queue, aggregator.Config{EstimatedJobCost: 5}, logger.NewNop())
	ctx := context.Background()

	result, err := agg.Aggregate(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, aggregator.Result{RulesDue: 20, Categories: 4, Created: 4}, result)

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), depth)

	job, err := queue.Get(ctx, "electronics")
	require.NoError(t, err)
	assert.Len(t, job.RuleIDs, 8)

	again, err := agg.Aggregate(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 4, again.Merged, "a second pass merges instead of creating")

	depth, err = queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), depth)
}

func TestAggregate_SkipsInactiveAndNotDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	rules := []domain.AutomationRule{
		{ID: 1, Categories: []string{"a"}, IsActive: true, NextRunAt: now},
		{ID: 2, Categories: []string{"a"}, IsActive: false, NextRunAt: now},
		{ID: 3, Categories: []string{"b"}, IsActive: true, NextRunAt: now.Add(time.Hour)},
		{ID: 4, IsActive: true, NextRunAt: now},
	}

	queue := newQueue(t, now)
	agg := aggregator.New(&staticRules{rules: rules}, queue, aggregator.Config{}, nil)

	result, err := agg.Aggregate(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RulesDue)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Skipped)
}

func TestAggregate_SourceError(t *testing.T) {
	t.Parallel()

	agg := aggregator.New(&staticRules{err: errors.New("db down")}, nil, aggregator.Config{}, nil)
	_, err := agg.Aggregate(context.Background(), time.Now())
	require.Error(t, err)
}

func TestGroup(t *testing.T) {
	t.Parallel()

	order, groups, skipped := aggregator.Group([]domain.AutomationRule{
		{ID: 1, Categories: []string{"x", "y"}},
		{ID: 2, Categories: []string{"y"}},
		{ID: 3, Categories: []string{"x"}},
		{ID: 4},
	})

	assert.Equal(t, []string{"x", "y"}, order)
	assert.Equal(t, []int64{1, 3}, groups["x"])
	assert.Equal(t, []int64{2}, groups["y"])
	assert.Equal(t, []int64{4}, skipped)
}
