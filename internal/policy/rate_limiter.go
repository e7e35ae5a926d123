// Package policy implements the ambient request-throttling concern guarding
// the core's two store-touching RPCs, UpsertGraphDelta and
// FindEntityCandidates (see internal/transport.Server.rateLimited):
// GetSchema/Health are cheap reads and InitializeUserGraph is self-limiting
// via its own idempotence marker, so only those two need a per-user budget.
package policy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitTier represents a caller's subscription tier. The request
// surface only ever resolves callers to TierFree today (no billing/tenancy
// concept exists in this domain's opaque user_id), but the sliding-window
// accounting below is tier-parametric so a future caller-tier lookup can be
// dropped in without touching the windows themselves.
type RateLimitTier string

const (
	TierFree       RateLimitTier = "free"
	TierPro        RateLimitTier = "pro"
	TierEnterprise RateLimitTier = "enterprise"
	TierUnlimited  RateLimitTier = "unlimited"
)

// RateLimitConfig defines the per-window call budget for one tier.
type RateLimitConfig struct {
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
	BurstSize         int // reserved for a future token-bucket burst allowance; unused by the sliding window below
}

// DefaultRateLimits returns the budget every RateLimiter starts with, sized
// for ingest-style traffic (UpsertGraphDelta/FindEntityCandidates calls),
// not request-per-second API traffic.
func DefaultRateLimits() map[RateLimitTier]RateLimitConfig {
	return map[RateLimitTier]RateLimitConfig{
		TierFree: {
			RequestsPerMinute: 20,
			RequestsPerHour:   200,
			RequestsPerDay:    1000,
			BurstSize:         5,
		},
		TierPro: {
			RequestsPerMinute: 100,
			RequestsPerHour:   2000,
			RequestsPerDay:    20000,
			BurstSize:         20,
		},
		TierEnterprise: {
			RequestsPerMinute: 500,
			RequestsPerHour:   10000,
			RequestsPerDay:    100000,
			BurstSize:         50,
		},
		TierUnlimited: {
			RequestsPerMinute: 0, // 0 = unlimited
			RequestsPerHour:   0,
			RequestsPerDay:    0,
			BurstSize:         0,
		},
	}
}

// RateLimiter throttles UpsertGraphDelta/FindEntityCandidates calls per
// (user_id, endpoint) using Redis-backed sliding windows, one counter per
// window granularity (minute/hour/day).
type RateLimiter struct {
	redis   *redis.Client
	logger  *zap.Logger
	limits  map[RateLimitTier]RateLimitConfig
	enabled bool
}

// RateLimitResult is the outcome of one Allow/checkWindow call.
type RateLimitResult struct {
	Allowed      bool
	Remaining    int
	ResetAt      time.Time
	RetryAfter   time.Duration
	CurrentCount int
	Limit        int
	LimitWindow  string // "minute", "hour", "day"
}

// NewRateLimiter wires a RateLimiter onto an already-connected Redis client,
// the same process-wide connection internal/ingest.LockManager shares.
func NewRateLimiter(redisClient *redis.Client, logger *zap.Logger, enabled bool) *RateLimiter {
	return &RateLimiter{
		redis:   redisClient,
		logger:  logger,
		limits:  DefaultRateLimits(),
		enabled: enabled,
	}
}

// SetLimits overrides tier's budget, letting an operator tighten or loosen
// the free-tier ingest budget without redeploying DefaultRateLimits.
func (rl *RateLimiter) SetLimits(tier RateLimitTier, config RateLimitConfig) {
	rl.limits[tier] = config
}

// Allow checks whether userID may call endpoint (e.g. "upsert_graph_delta",
// "find_entity_candidates") again right now, and if so increments every
// window's counter. A Redis failure fails open (the call is allowed) rather
// than blocking ingestion on a degraded rate-limit store.
func (rl *RateLimiter) Allow(ctx context.Context, userID string, tier RateLimitTier, endpoint string) (*RateLimitResult, error) {
	if !rl.enabled || rl.redis == nil {
		return &RateLimitResult{Allowed: true, Remaining: -1}, nil
	}

	config, ok := rl.limits[tier]
	if !ok {
		config = rl.limits[TierFree] // Default to free tier
	}

	// Check unlimited tier
	if config.RequestsPerMinute == 0 && config.RequestsPerHour == 0 && config.RequestsPerDay == 0 {
		return &RateLimitResult{Allowed: true, Remaining: -1}, nil
	}

	now := time.Now()

	// Check each window (minute, hour, day) - deny if any exceed
	windows := []struct {
		name     string
		duration time.Duration
		limit    int
	}{
		{"minute", time.Minute, config.RequestsPerMinute},
		{"hour", time.Hour, config.RequestsPerHour},
		{"day", 24 * time.Hour, config.RequestsPerDay},
	}

	for _, w := range windows {
		if w.limit == 0 {
			continue // Skip if unlimited for this window
		}

		result, err := rl.checkWindow(ctx, userID, endpoint, w.name, w.duration, w.limit, now)
		if err != nil {
			rl.logger.Warn("Rate limit check failed", zap.Error(err), zap.String("window", w.name))
			continue // Fail open on errors
		}

		if !result.Allowed {
			return result, nil
		}
	}

	// All windows passed - increment counters
	for _, w := range windows {
		if w.limit == 0 {
			continue
		}
		rl.incrementCounter(ctx, userID, endpoint, w.name, w.duration)
	}

	// Return result for the most restrictive window (minute)
	return &RateLimitResult{
		Allowed:     true,
		Remaining:   config.RequestsPerMinute - 1,
		LimitWindow: "minute",
		Limit:       config.RequestsPerMinute,
	}, nil
}

// checkWindow reports whether userID has budget left in one window
// (minute/hour/day) for endpoint, without mutating the counter.
func (rl *RateLimiter) checkWindow(ctx context.Context, userID, endpoint, windowName string, duration time.Duration, limit int, now time.Time) (*RateLimitResult, error) {
	key := rl.buildKey(userID, endpoint, windowName, now, duration)

	countStr, err := rl.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		// Key doesn't exist - request is allowed
		return &RateLimitResult{
			Allowed:      true,
			CurrentCount: 0,
			Remaining:    limit,
			Limit:        limit,
			LimitWindow:  windowName,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	count, _ := strconv.Atoi(countStr)

	if count >= limit {
		// Calculate when the window resets
		resetAt := rl.calculateResetTime(now, duration)
		retryAfter := resetAt.Sub(now)

		return &RateLimitResult{
			Allowed:      false,
			CurrentCount: count,
			Remaining:    0,
			Limit:        limit,
			LimitWindow:  windowName,
			ResetAt:      resetAt,
			RetryAfter:   retryAfter,
		}, nil
	}

	return &RateLimitResult{
		Allowed:      true,
		CurrentCount: count,
		Remaining:    limit - count,
		Limit:        limit,
		LimitWindow:  windowName,
	}, nil
}

// incrementCounter records one more call against userID/endpoint's window.
func (rl *RateLimiter) incrementCounter(ctx context.Context, userID, endpoint, windowName string, duration time.Duration) {
	key := rl.buildKey(userID, endpoint, windowName, time.Now(), duration)

	pipe := rl.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, duration)
	pipe.Exec(ctx)
}

// buildKey derives the Redis key for one (userID, endpoint, window)
// bucket, aligned to the window's boundary so concurrent callers agree on
// which bucket "now" falls into.
func (rl *RateLimiter) buildKey(userID, endpoint, windowName string, now time.Time, duration time.Duration) string {
	// Use window-aligned timestamps for consistent bucket boundaries
	var windowStart int64
	switch windowName {
	case "minute":
		windowStart = now.Truncate(time.Minute).Unix()
	case "hour":
		windowStart = now.Truncate(time.Hour).Unix()
	case "day":
		windowStart = now.Truncate(24 * time.Hour).Unix()
	default:
		windowStart = now.Unix()
	}

	return fmt.Sprintf("ratelimit:%s:%s:%s:%d", userID, endpoint, windowName, windowStart)
}

// calculateResetTime returns when duration's current bucket rolls over.
func (rl *RateLimiter) calculateResetTime(now time.Time, duration time.Duration) time.Time {
	return now.Truncate(duration).Add(duration)
}

// GetStatus reports userID's current budget in every window without
// consuming any of it, used by an operator inspecting why a caller is being
// throttled.
func (rl *RateLimiter) GetStatus(ctx context.Context, userID string, tier RateLimitTier) (map[string]*RateLimitResult, error) {
	if !rl.enabled || rl.redis == nil {
		return nil, nil
	}

	config := rl.limits[tier]
	now := time.Now()

	status := make(map[string]*RateLimitResult)

	windows := []struct {
		name     string
		duration time.Duration
		limit    int
	}{
		{"minute", time.Minute, config.RequestsPerMinute},
		{"hour", time.Hour, config.RequestsPerHour},
		{"day", 24 * time.Hour, config.RequestsPerDay},
	}

	for _, w := range windows {
		if w.limit == 0 {
			continue
		}
		result, _ := rl.checkWindow(ctx, userID, "*", w.name, w.duration, w.limit, now)
		status[w.name] = result
	}

	return status, nil
}

// Reset clears every counter for userID, e.g. after manually upgrading a
// caller's tier mid-window.
func (rl *RateLimiter) Reset(ctx context.Context, userID string) error {
	if rl.redis == nil {
		return nil
	}

	pattern := fmt.Sprintf("ratelimit:%s:*", userID)
	iter := rl.redis.Scan(ctx, 0, pattern, 0).Iterator()

	for iter.Next(ctx) {
		rl.redis.Del(ctx, iter.Val())
	}

	return iter.Err()
}
