package publisher_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/publisher"
)

func TestStreamPublisher_Publish(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub := publisher.NewStreamPublisher(client, "test:publish", 0, logger.NewNop())
	ctx := context.Background()

	publication := domain.Publication{
		JobID:     "job-1",
		RuleID:    42,
		UserID:    "user-1",
		ChannelID: "chan-1",
		Category:  "Electronics",
		Deals: []domain.ScoredDeal{
			{Deal: domain.ExtractedDealData{ASIN: "B000TEST01", CurrentPrice: 90}, Score: 70, Discount: 25},
		},
		PublishedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, pub.Publish(ctx, publication))

	entries, err := client.XRange(ctx, "test:publish", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	assert.Equal(t, "job-1", values["job_id"])
	assert.Equal(t, "42", values["rule_id"])
	assert.Equal(t, "1", values["deals"])

	var decoded domain.Publication
	payload, ok := values["payload"].(string)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	assert.Equal(t, "B000TEST01", decoded.Deals[0].Deal.ASIN)
	assert.Equal(t, "chan-1", decoded.ChannelID)
}
