package apiversion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	pkgredis "github.com/taxpoynt/messagefabric/pkg/redis"
)

const hourWindowLayout = "2006010215"

// RateLimiter counts requests per (target, channel, hour window) in the
// shared store. Window keys rotate hourly and stale keys are reaped by a
// daily sweep on top of their TTL.
type RateLimiter struct {
	log    *zap.Logger
	client *pkgredis.Client
	keys   *pkgredis.KeyBuilder
	cron   *cron.Cron
}

// NewRateLimiter builds a limiter over the shared store.
func NewRateLimiter(client *pkgredis.Client, log *zap.Logger) *RateLimiter {
	return &RateLimiter{
		log:    log.With(zap.String("module", "rate_limiter")),
		client: client,
		keys:   pkgredis.NewKeyBuilder("taxpoynt", "version_coordinator"),
		cron:   cron.New(),
	}
}

// Start schedules the daily key reap.
func (rl *RateLimiter) Start() error {
	if _, err := rl.cron.AddFunc("@daily", func() {
		if err := rl.ReapStaleWindows(context.Background()); err != nil {
			rl.log.Warn("Rate window reap failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule rate window reap: %w", err)
	}
	rl.cron.Start()
	return nil
}

// Stop halts the reap schedule.
func (rl *RateLimiter) Stop() {
	<-rl.cron.Stop().Done()
}

// Allow increments the current hour's counter and reports whether the
// request fits the limit. A non-positive limit admits everything.
func (rl *RateLimiter) Allow(ctx context.Context, target, channel string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := rl.keys.Build("rate", target, channel, time.Now().UTC().Format(hourWindowLayout))
	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	if count == 1 {
		// Two hours covers the window plus clock skew between replicas.
		if err := rl.client.Expire(ctx, key, 2*time.Hour).Err(); err != nil {
			rl.log.Debug("Failed to set rate counter TTL", zap.Error(err))
		}
	}
	return count <= int64(limit), nil
}

// Remaining reports how many requests are left in the current window.
func (rl *RateLimiter) Remaining(ctx context.Context, target, channel string, limit int) (int, error) {
	if limit <= 0 {
		return limit, nil
	}
	key := rl.keys.Build("rate", target, channel, time.Now().UTC().Format(hourWindowLayout))
	count, err := rl.client.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("failed to read rate counter: %w", err)
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ReapStaleWindows deletes counters older than a day.
func (rl *RateLimiter) ReapStaleWindows(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format(hourWindowLayout)
	keys, err := rl.client.Keys(ctx, rl.keys.BuildPattern("rate", "*")).Result()
	if err != nil {
		return fmt.Errorf("failed to list rate counters: %w", err)
	}
	var stale []string
	for _, key := range keys {
		parts := strings.Split(key, ":")
		window := parts[len(parts)-1]
		if len(window) == len(hourWindowLayout) && window < cutoff {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := rl.client.Del(ctx, stale...).Err(); err != nil {
		return fmt.Errorf("failed to delete stale rate counters: %w", err)
	}
	rl.log.Info("Reaped stale rate windows", zap.Int("count", len(stale)))
	return nil
}
