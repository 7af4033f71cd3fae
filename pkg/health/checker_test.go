package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/pkg/redis"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func fastConfig() CheckConfig {
	return CheckConfig{
		Interval:           20 * time.Millisecond,
		Timeout:            50 * time.Millisecond,
		RetryDelay:         5 * time.Millisecond,
		DegradedThreshold:  time.Second,
		UnhealthyThreshold: 3,
	}
}

func TestHealthyServiceReportsHealthy(t *testing.T) {
	c := NewChecker(nil, zap.NewNop())
	c.Register("banking_integration", func(ctx context.Context) error { return nil }, fastConfig())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	waitFor(t, func() bool {
		return c.GetHealthStatus().Services["banking_integration"].SuccessCount >= 2
	})
	snap := c.GetHealthStatus()
	assert.Equal(t, StatusHealthy, snap.Overall)
	assert.Equal(t, StatusHealthy, snap.Services["banking_integration"].Status)
	assert.Equal(t, float64(100), snap.Services["banking_integration"].UptimePercentage)
}

func TestConsecutiveFailuresTurnUnhealthy(t *testing.T) {
	c := NewChecker(nil, zap.NewNop())
	c.Register("firs_transmitter", func(ctx context.Context) error {
		return errors.New("connection reset")
	}, fastConfig())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	waitFor(t, func() bool {
		return c.GetHealthStatus().Services["firs_transmitter"].Status == StatusUnhealthy
	})
	snap := c.GetHealthStatus()
	assert.Equal(t, StatusUnhealthy, snap.Overall)
	assert.GreaterOrEqual(t, snap.Services["firs_transmitter"].ConsecutiveFailures, 3)
}

func TestSingleFailureDegradesThenRecovers(t *testing.T) {
	var calls int32
	c := NewChecker(nil, zap.NewNop())
	cfg := fastConfig()
	cfg.Retries = 0
	c.Register("flaky", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("cold start")
		}
		return nil
	}, cfg)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	waitFor(t, func() bool {
		m := c.GetHealthStatus().Services["flaky"]
		return m.FailureCount == 1 && m.SuccessCount >= 1 && m.Status == StatusHealthy
	})
}

func TestRetriesMaskTransientFailures(t *testing.T) {
	var calls int32
	c := NewChecker(nil, zap.NewNop())
	cfg := fastConfig()
	cfg.Retries = 2
	// Fails twice per tick, succeeds on the third attempt.
	c.Register("retried", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1)%3 != 0 {
			return errors.New("transient")
		}
		return nil
	}, cfg)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	waitFor(t, func() bool {
		return c.GetHealthStatus().Services["retried"].SuccessCount >= 2
	})
	assert.Zero(t, c.GetHealthStatus().Services["retried"].FailureCount)
}

func TestCheckTimeoutCountsAsFailure(t *testing.T) {
	c := NewChecker(nil, zap.NewNop())
	cfg := fastConfig()
	cfg.Timeout = 10 * time.Millisecond
	c.Register("slow", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, cfg)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	waitFor(t, func() bool {
		return c.GetHealthStatus().Services["slow"].FailureCount >= 1
	})
}

func TestAggregatorWritesSharedStoreStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClientFromExisting(
		goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), zap.NewNop())

	c := NewChecker(client, zap.NewNop())
	c.Register("banking_integration", func(ctx context.Context) error { return nil }, fastConfig())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	waitFor(t, func() bool {
		return c.GetHealthStatus().Services["banking_integration"].SuccessCount >= 1
	})
	c.publishStatus()

	overall, err := client.HGet(context.Background(), statusKey, "overall").Result()
	require.NoError(t, err)
	assert.Contains(t, overall, "HEALTHY")

	ttl := client.TTL(context.Background(), statusKey).Val()
	assert.Greater(t, ttl, time.Minute)
}

func TestUnregisterStopsSupervision(t *testing.T) {
	var calls int32
	c := NewChecker(nil, zap.NewNop())
	c.Register("ephemeral", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, fastConfig())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	waitFor(t, func() bool { return atomic.LoadInt32(&calls) >= 1 })
	c.Unregister("ephemeral")
	settled := atomic.LoadInt32(&calls)
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&calls)-settled, int32(1))
	assert.NotContains(t, c.GetHealthStatus().Services, "ephemeral")
}
