// Package publisher hands matched deals to the channel delivery service.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
)

// DefaultMaxLen caps the stream length (approximate trimming).
const DefaultMaxLen = 10000

// Publisher delivers one rule's matched deals.
type Publisher interface {
	Publish(ctx context.Context, pub domain.Publication) error
}

// StreamPublisher appends publications to a Redis stream.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	log    logger.Logger
}

// NewStreamPublisher creates a stream publisher. A non-positive maxLen
// uses DefaultMaxLen.
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64, log logger.Logger) *StreamPublisher {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen, log: log}
}

// Publish sends pub to the stream. The job and rule ids travel as
// separate fields so consumers can dedupe without decoding the payload.
func (p *StreamPublisher) Publish(ctx context.Context, pub domain.Publication) error {
	payload, err := json.Marshal(pub)
	if err != nil {
		return fmt.Errorf("marshal publication: %w", err)
	}

	result := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":     pub.JobID,
			"rule_id":    strconv.FormatInt(pub.RuleID, 10),
			"channel_id": pub.ChannelID,
			"deals":      strconv.Itoa(len(pub.Deals)),
			"payload":    string(payload),
		},
	})

	if publishErr := result.Err(); publishErr != nil {
		p.log.Error("Failed to publish deals",
			logger.String("job_id", pub.JobID),
			logger.Int64("rule_id", pub.RuleID),
			logger.Error(publishErr),
		)
		return fmt.Errorf("publish to stream: %w", publishErr)
	}

	p.log.Info("Published deals",
		logger.String("job_id", pub.JobID),
		logger.Int64("rule_id", pub.RuleID),
		logger.String("channel_id", pub.ChannelID),
		logger.Int("deals", len(pub.Deals)),
		logger.String("stream_id", result.Val()),
	)
	return nil
}
