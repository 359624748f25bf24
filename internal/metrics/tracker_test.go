package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/keys"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/metrics"
)

func setupTracker(t *testing.T) (*metrics.Tracker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return metrics.NewTracker(client, keys.New("test"), logger.NewNop()), mr
}

func TestIncrement_TotalsAndToday(t *testing.T) {
	t.Parallel()

	tracker, mr := setupTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Increment(ctx, metrics.RulesProcessed, 3))
	require.NoError(t, tracker.Increment(ctx, metrics.RulesProcessed, 2))
	require.NoError(t, tracker.Increment(ctx, metrics.TokenWaits, 1))
	require.NoError(t, tracker.Increment(ctx, metrics.Errors, 0))

	stats, err := tracker.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Totals[metrics.RulesProcessed])
	assert.Equal(t, int64(5), stats.Today[metrics.RulesProcessed])
	assert.Equal(t, int64(1), stats.Totals[metrics.TokenWaits])
	assert.Zero(t, stats.Totals[metrics.Errors])
	assert.Nil(t, stats.LastProcessedAt)

	dailyKey := keys.New("test").MetricDaily(metrics.RulesProcessed, time.Now())
	assert.Equal(t, metrics.TTLDays*24*time.Hour, mr.TTL(dailyKey))
	assert.Zero(t, mr.TTL(keys.New("test").Metric(metrics.RulesProcessed)), "totals never expire")
}

func TestLastProcessed(t *testing.T) {
	t.Parallel()

	tracker, _ := setupTracker(t)
	ctx := context.Background()

	last, err := tracker.LastProcessed(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, tracker.SetLastProcessed(ctx, at))

	last, err = tracker.LastProcessed(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, at.Equal(*last))

	stats, err := tracker.GetStats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats.LastProcessedAt)
	assert.True(t, at.Equal(*stats.LastProcessedAt))
}

func TestIncrement_MirrorsPrometheus(t *testing.T) {
	t.Parallel()

	tracker, _ := setupTracker(t)
	prom := metrics.NewMetrics(prometheus.NewRegistry())
	tracker.WithPrometheus(prom)

	require.NoError(t, tracker.Increment(context.Background(), metrics.DealsPublished, 4))
	assert.InDelta(t, 4.0, testutil.ToFloat64(prom.Events.WithLabelValues(metrics.DealsPublished)), 0.001)
}
