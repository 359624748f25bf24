package dedup_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/dedup"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/keys"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
)

func setupTracker(t *testing.T, ttl time.Duration) (*dedup.Tracker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return dedup.NewTracker(client, keys.New("test"), ttl, logger.NewNop()), mr
}

func TestClaim_OnlyFirstWins(t *testing.T) {
	t.Parallel()

	tracker, _ := setupTracker(t, time.Hour)
	ctx := context.Background()

	first, err := tracker.Claim(ctx, "job-1", 7)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := tracker.Claim(ctx, "job-1", 7)
	require.NoError(t, err)
	assert.False(t, second)

	other, err := tracker.Claim(ctx, "job-1", 8)
	require.NoError(t, err)
	assert.True(t, other, "markers are per rule")
}

func TestRelease_AllowsReclaim(t *testing.T) {
	t.Parallel()

	tracker, _ := setupTracker(t, time.Hour)
	ctx := context.Background()

	_, err := tracker.Claim(ctx, "job-2", 1)
	require.NoError(t, err)
	require.NoError(t, tracker.Release(ctx, "job-2", 1))

	again, err := tracker.Claim(ctx, "job-2", 1)
	require.NoError(t, err)
	assert.True(t, again)
}

func TestClaim_MarkerExpires(t *testing.T) {
	t.Parallel()

	tracker, mr := setupTracker(t, time.Minute)
	ctx := context.Background()

	_, err := tracker.Claim(ctx, "job-3", 1)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	assert.False(t, mr.Exists("test:dedup:job-3:1"))

	again, err := tracker.Claim(ctx, "job-3", 1)
	require.NoError(t, err)
	assert.True(t, again)
}

func TestBeginRecord_OncePerPair(t *testing.T) {
	t.Parallel()

	tracker, mr := setupTracker(t, time.Hour)
	ctx := context.Background()

	_, err := tracker.Claim(ctx, "job-4", 1)
	require.NoError(t, err)

	marked, err := tracker.MarkPublished(ctx, "job-4", 1, 3)
	require.NoError(t, err)
	assert.True(t, marked)

	published, ok, err := tracker.BeginRecord(ctx, "job-4", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, published)

	_, ok, err = tracker.BeginRecord(ctx, "job-4", 1)
	require.NoError(t, err)
	assert.False(t, ok, "a recorded pair is not recorded again")

	ttl := mr.TTL("test:dedup:job-4:1")
	assert.Positive(t, ttl)
	assert.LessOrEqual(t, ttl, time.Hour)
}

func TestBeginRecord_AfterCrashBeforeRecord(t *testing.T) {
	t.Parallel()

	tracker, _ := setupTracker(t, time.Hour)
	ctx := context.Background()

	// First attempt published and died before recording the run.
	_, err := tracker.Claim(ctx, "job-5", 2)
	require.NoError(t, err)
	_, err = tracker.MarkPublished(ctx, "job-5", 2, 4)
	require.NoError(t, err)

	// The replay loses the publish claim but wins the record.
	first, err := tracker.Claim(ctx, "job-5", 2)
	require.NoError(t, err)
	assert.False(t, first)

	published, ok, err := tracker.BeginRecord(ctx, "job-5", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, published)
}

func TestBeginRecord_ClaimedWithoutPublish(t *testing.T) {
	t.Parallel()

	tracker, _ := setupTracker(t, time.Hour)
	ctx := context.Background()

	_, err := tracker.Claim(ctx, "job-6", 1)
	require.NoError(t, err)

	published, ok, err := tracker.BeginRecord(ctx, "job-6", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, published)

	marked, err := tracker.MarkPublished(ctx, "job-6", 1, 2)
	require.NoError(t, err)
	assert.False(t, marked, "a recorded marker is not rewound by a late publish")
}

func TestAbortRecord_AllowsRetry(t *testing.T) {
	t.Parallel()

	tracker, _ := setupTracker(t, time.Hour)
	ctx := context.Background()

	_, err := tracker.Claim(ctx, "job-7", 1)
	require.NoError(t, err)
	_, err = tracker.MarkPublished(ctx, "job-7", 1, 5)
	require.NoError(t, err)

	published, ok, err := tracker.BeginRecord(ctx, "job-7", 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, tracker.AbortRecord(ctx, "job-7", 1, published))

	published, ok, err = tracker.BeginRecord(ctx, "job-7", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, published)
}

func TestBeginRecord_MissingMarker(t *testing.T) {
	t.Parallel()

	tracker, _ := setupTracker(t, time.Hour)

	_, ok, err := tracker.BeginRecord(context.Background(), "job-8", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}
