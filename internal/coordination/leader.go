// Package coordination elects a single scheduler leader across worker
// processes sharing one Redis.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
)

const (
	// DefaultLeaderTTL is the default leader election TTL.
	DefaultLeaderTTL = 30 * time.Second

	// renewalDivisor derives renewal and retry intervals from the TTL.
	renewalDivisor = 3
)

// ErrNotLeader is returned when a leader-only operation is attempted by a non-leader.
var ErrNotLeader = errors.New("not the leader")

// ErrMissingKey is returned when no lock key is configured.
var ErrMissingKey = errors.New("leader key is required")

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	resignScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// LeaderConfig holds configuration for leader election.
type LeaderConfig struct {
	Key string
	TTL time.Duration
	// ID identifies this process; a random uuid when empty.
	ID string
}

// LeaderElection holds a Redis lock renewed while this process leads.
type LeaderElection struct {
	client   *redis.Client
	key      string
	id       string
	ttl      time.Duration
	interval time.Duration
	logger   logger.Logger

	isLeader atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewLeaderElection creates a new leader election instance.
func NewLeaderElection(client *redis.Client, cfg LeaderConfig, log logger.Logger) (*LeaderElection, error) {
	if cfg.Key == "" {
		return nil, ErrMissingKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLeaderTTL
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &LeaderElection{
		client:   client,
		key:      cfg.Key,
		id:       cfg.ID,
		ttl:      cfg.TTL,
		interval: cfg.TTL / renewalDivisor,
		logger:   log,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start runs an immediate election attempt, then keeps renewing or
// retrying in the background.
func (l *LeaderElection) Start(ctx context.Context) {
	l.Campaign(ctx)

	l.wg.Add(1)
	go l.run(ctx)
}

// Stop stops the election loop and releases leadership if held.
func (l *LeaderElection) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()

	if l.isLeader.Load() {
		return l.resign(ctx)
	}
	return nil
}

// IsLeader returns true if this instance is the leader.
func (l *LeaderElection) IsLeader() bool {
	return l.isLeader.Load()
}

// ID returns the unique identifier for this instance.
func (l *LeaderElection) ID() string {
	return l.id
}

// LeaderID returns the current leader's ID, or empty string if no leader.
func (l *LeaderElection) LeaderID(ctx context.Context) (string, error) {
	val, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get leader: %w", err)
	}
	return val, nil
}

// Campaign renews leadership when held, otherwise tries to acquire it.
// It returns whether this process leads afterwards.
func (l *LeaderElection) Campaign(ctx context.Context) bool {
	if l.isLeader.Load() {
		l.renew(ctx)
	} else {
		l.tryAcquire(ctx)
	}
	return l.isLeader.Load()
}

func (l *LeaderElection) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.lost()
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Campaign(ctx)
		}
	}
}

func (l *LeaderElection) tryAcquire(ctx context.Context) {
	acquired, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		l.logger.Error("Failed to acquire leadership", logger.Error(err))
		return
	}

	if acquired && l.isLeader.CompareAndSwap(false, true) {
		l.logger.Info("Acquired scheduler leadership", logger.String("leader_id", l.id))
	}
}

func (l *LeaderElection) renew(ctx context.Context) {
	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.id, l.ttl.Milliseconds()).Int()
	if err != nil {
		l.logger.Error("Failed to renew leadership", logger.Error(err))
		l.lost()
		return
	}
	if result == 0 {
		l.logger.Warn("Lost leadership, key not held")
		l.lost()
	}
}

func (l *LeaderElection) resign(ctx context.Context) error {
	if _, err := resignScript.Run(ctx, l.client, []string{l.key}, l.id).Int(); err != nil {
		return fmt.Errorf("resign leadership: %w", err)
	}
	l.lost()
	return nil
}

func (l *LeaderElection) lost() {
	if l.isLeader.CompareAndSwap(true, false) {
		l.logger.Info("Released scheduler leadership", logger.String("leader_id", l.id))
	}
}

// RunIfLeader runs fn only if this instance is the leader.
func (l *LeaderElection) RunIfLeader(ctx context.Context, fn func(ctx context.Context) error) error {
	if !l.isLeader.Load() {
		return ErrNotLeader
	}
	return fn(ctx)
}
