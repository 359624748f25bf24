// Package dedup keeps short-lived (job, rule) markers so a job replayed
// after a lease expiry does not publish or count a rule twice.
//
// A marker moves claimed -> published:<n> -> recorded. Publishing is
// guarded by Claim, the rule's run bookkeeping by BeginRecord, so a
// replay that finds a published marker still records the run once.
package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/keys"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
)

const (
	defaultTTL = 24 * time.Hour

	stateClaimed  = "claimed"
	stateRecorded = "recorded"
)

// swapLua replaces the marker value when it still holds the expected one,
// keeping the remaining TTL.
//
// KEYS: marker
// ARGV: expected, replacement, fallback ttl ms
const swapLua = `
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl <= 0 then
  ttl = tonumber(ARGV[3])
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
return 1
`

// beginRecordLua flips a claimed or published marker to recorded and
// returns the published count it held. -1 means there is nothing left to
// record.
//
// KEYS: marker
// ARGV: fallback ttl ms
const beginRecordLua = `
local v = redis.call('GET', KEYS[1])
if not v or v == 'recorded' then
  return -1
end
local n = 0
if string.sub(v, 1, 10) == 'published:' then
  n = tonumber(string.sub(v, 11)) or 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl <= 0 then
  ttl = tonumber(ARGV[1])
end
redis.call('SET', KEYS[1], 'recorded', 'PX', ttl)
return n
`

var (
	swapScript        = redis.NewScript(swapLua)
	beginRecordScript = redis.NewScript(beginRecordLua)
)

// Tracker stores dedup markers in Redis.
type Tracker struct {
	client *redis.Client
	keys   keys.Keys
	ttl    time.Duration
	logger logger.Logger
}

// NewTracker creates a tracker. A non-positive ttl falls back to 24h.
func NewTracker(client *redis.Client, k keys.Keys, ttl time.Duration, log logger.Logger) *Tracker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Tracker{client: client, keys: k, ttl: ttl, logger: log}
}

// Claim atomically creates the (job, rule) marker. False means another
// attempt already handled the pair.
func (t *Tracker) Claim(ctx context.Context, jobID string, ruleID int64) (bool, error) {
	key := t.keys.DedupMarker(jobID, ruleID)

	ok, err := t.client.SetNX(ctx, key, stateClaimed, t.ttl).Result()
	if err != nil {
		t.logger.Error("Redis error claiming dedup marker",
			logger.String("job_id", jobID),
			logger.Int64("rule_id", ruleID),
			logger.Error(err),
		)
		return false, fmt.Errorf("claim dedup marker: %w", err)
	}

	if !ok {
		t.logger.Debug("Dedup marker already present",
			logger.String("job_id", jobID),
			logger.Int64("rule_id", ruleID),
		)
	}
	return ok, nil
}

// MarkPublished records that n deals went out for a claimed pair. False
// means the marker was no longer in the claimed state.
func (t *Tracker) MarkPublished(ctx context.Context, jobID string, ruleID int64, n int) (bool, error) {
	swapped, err := t.swap(ctx, jobID, ruleID, stateClaimed, publishedState(n))
	if err != nil {
		return false, fmt.Errorf("mark dedup marker published: %w", err)
	}
	return swapped, nil
}

// BeginRecord takes the right to record the pair's rule run. It returns
// the published count stored on the marker and false when the run is
// already recorded or the marker is gone.
func (t *Tracker) BeginRecord(ctx context.Context, jobID string, ruleID int64) (int, bool, error) {
	key := t.keys.DedupMarker(jobID, ruleID)

	n, err := beginRecordScript.Run(ctx, t.client, []string{key}, t.ttl.Milliseconds()).Int()
	if err != nil {
		return 0, false, fmt.Errorf("begin dedup record: %w", err)
	}
	if n < 0 {
		return 0, false, nil
	}
	return n, true, nil
}

// AbortRecord hands the record right back after the run could not be
// stored, so the next attempt records it.
func (t *Tracker) AbortRecord(ctx context.Context, jobID string, ruleID int64, published int) error {
	if _, err := t.swap(ctx, jobID, ruleID, stateRecorded, publishedState(published)); err != nil {
		return fmt.Errorf("abort dedup record: %w", err)
	}
	return nil
}

// Release removes a marker after a failed publish so a retry can try again.
func (t *Tracker) Release(ctx context.Context, jobID string, ruleID int64) error {
	if err := t.client.Del(ctx, t.keys.DedupMarker(jobID, ruleID)).Err(); err != nil {
		return fmt.Errorf("release dedup marker: %w", err)
	}
	return nil
}

func (t *Tracker) swap(ctx context.Context, jobID string, ruleID int64, from, to string) (bool, error) {
	key := t.keys.DedupMarker(jobID, ruleID)

	n, err := swapScript.Run(ctx, t.client, []string{key}, from, to, t.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	if n == 0 {
		t.logger.Debug("Dedup marker changed under us",
			logger.String("job_id", jobID),
			logger.Int64("rule_id", ruleID),
			logger.String("expected", from),
		)
	}
	return n == 1, nil
}

func publishedState(n int) string {
	return "published:" + strconv.Itoa(n)
}
