package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// userLock is a Redis-backed distributed lock held for the duration of one
// user's Commit Coordinator run, renewed on a ticker so a slow ingest
// doesn't lose the lock mid-flight.
type userLock struct {
	redis     *redis.Client
	key       string
	timeout   time.Duration
	renewTick *time.Ticker
	done      chan struct{}
	logger    *zap.Logger
	userID    string
}

func (l *userLock) acquire(ctx context.Context) error {
	acquired, err := l.redis.SetNX(ctx, l.key, "1", l.timeout).Result()
	if err != nil {
		return fmt.Errorf("ingest lock acquisition failed: %w", err)
	}
	if !acquired {
		return fmt.Errorf("an ingest is already in progress for user %q", l.userID)
	}

	l.renewTick = time.NewTicker(l.timeout / 3)
	go func() {
		for {
			select {
			case <-l.renewTick.C:
				l.redis.Expire(context.Background(), l.key, l.timeout)
			case <-l.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	l.logger.Debug("ingest lock acquired", zap.String("user_id", l.userID), zap.Duration("timeout", l.timeout))
	return nil
}

func (l *userLock) release() {
	close(l.done)
	if l.renewTick != nil {
		l.renewTick.Stop()
	}
	l.redis.Del(context.Background(), l.key)
	l.logger.Debug("ingest lock released", zap.String("user_id", l.userID))
}

// LockManager serializes concurrent UpsertGraphDelta calls for the same
// user, preventing two in-flight deltas from interleaving their graph
// counts reads with their writes.
type LockManager struct {
	redis          *redis.Client
	logger         *zap.Logger
	defaultTimeout time.Duration
}

// NewLockManager wires a LockManager onto an already-connected redis client.
func NewLockManager(redisClient *redis.Client, logger *zap.Logger) *LockManager {
	return &LockManager{
		redis:          redisClient,
		logger:         logger.Named("ingest_lock"),
		defaultTimeout: 30 * time.Second,
	}
}

// AcquireUserLock blocks the caller out of two identical user locks at
// once; it does not wait for a contended lock to free up, it fails fast.
func (lm *LockManager) AcquireUserLock(ctx context.Context, userID string) (*userLock, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	l := &userLock{
		redis:   lm.redis,
		key:     fmt.Sprintf("lock:ingest:%s", userID),
		timeout: lm.defaultTimeout,
		done:    make(chan struct{}),
		logger:  lm.logger,
		userID:  userID,
	}
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	return l, nil
}
