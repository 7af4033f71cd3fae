package breaker

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

var errDownstream = errors.New("downstream unavailable")

func failingCall(ctx context.Context) (interface{}, error) { return nil, errDownstream }
func okCall(ctx context.Context) (interface{}, error)      { return "ok", nil }

func newTestBreaker(t *testing.T, cfg Config) *Breaker {
	t.Helper()
	return New("test-cb", cfg, nil, zap.NewNop())
}

func TestOpensAfterFailureThresholdWithinWindow(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 3,
		RollingWindow:    time.Minute,
		RecoveryTimeout:  10 * time.Second,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Call(ctx, failingCall)
		require.ErrorIs(t, err, errDownstream)
	}
	assert.Equal(t, StateOpen, b.State())

	// Rejected calls never reach the wrapped function.
	var invoked int32
	_, err := b.Call(ctx, func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&invoked, 1)
		return nil, nil
	})
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test-cb", openErr.Name)
	assert.Equal(t, StateOpen, openErr.State)
	assert.Zero(t, atomic.LoadInt32(&invoked))
}

func TestRecoveryProbesCloseTheBreaker(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 3,
		RollingWindow:    time.Minute,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = b.Call(ctx, failingCall)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_, err := b.Call(ctx, okCall)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())

	_, err = b.Call(ctx, okCall)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 2,
		RollingWindow:    time.Minute,
		RecoveryTimeout:  20 * time.Millisecond,
		SuccessThreshold: 2,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = b.Call(ctx, failingCall)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_, err := b.Call(ctx, failingCall)
	require.ErrorIs(t, err, errDownstream)
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenConcurrencyCap(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold:      1,
		RollingWindow:         time.Minute,
		RecoveryTimeout:       20 * time.Millisecond,
		SuccessThreshold:      1,
		MaxConcurrentHalfOpen: 1,
	})
	ctx := context.Background()

	_, _ = b.Call(ctx, failingCall)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	go func() {
		_, _ = b.Call(ctx, func(ctx context.Context) (interface{}, error) {
			close(probeStarted)
			<-release
			return "ok", nil
		})
	}()
	<-probeStarted

	_, err := b.Call(ctx, okCall)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, StateHalfOpen, openErr.State)
	close(release)
}

func TestTimeoutCountsAsFailureAndIncrementsTimeouts(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 5,
		RollingWindow:    time.Minute,
		CallTimeout:      20 * time.Millisecond,
	})
	_, err := b.Call(context.Background(), func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	require.Error(t, err)

	snap := b.Snapshot()
	assert.Equal(t, int64(1), snap.Metrics.Timeouts)
	assert.Equal(t, int64(1), snap.Metrics.TotalFailures)
}

func TestFailuresOutsideRollingWindowDoNotTrip(t *testing.T) {
	b := newTestBreaker(t, Config{
		FailureThreshold: 3,
		RollingWindow:    50 * time.Millisecond,
	})
	ctx := context.Background()

	_, _ = b.Call(ctx, failingCall)
	_, _ = b.Call(ctx, failingCall)
	time.Sleep(60 * time.Millisecond)
	_, _ = b.Call(ctx, failingCall)

	assert.Equal(t, StateClosed, b.State())
}

func TestResetForcesClosedWithFreshMetrics(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 1, RollingWindow: time.Minute})
	ctx := context.Background()

	_, _ = b.Call(ctx, failingCall)
	require.Equal(t, StateOpen, b.State())

	b.Reset(ctx)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Metrics{}, b.Snapshot().Metrics)

	_, err := b.Call(ctx, okCall)
	assert.NoError(t, err)
}

func TestTransitionListenersFire(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 1, RollingWindow: time.Minute})

	type change struct{ from, to State }
	var changes []change
	b.OnTransition(func(_ string, from, to State) {
		changes = append(changes, change{from, to})
	})

	_, _ = b.Call(context.Background(), failingCall)
	require.Len(t, changes, 1)
	assert.Equal(t, change{StateClosed, StateOpen}, changes[0])
}

func TestStatePersistsAcrossReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClientFromExisting(
		goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), zap.NewNop())
	store := NewRedisStateStore(client)

	cfg := Config{FailureThreshold: 2, RollingWindow: time.Minute, RecoveryTimeout: time.Hour}
	first := New("shared-cb", cfg, store, zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = first.Call(ctx, failingCall)
	}
	require.Equal(t, StateOpen, first.State())

	// A replica constructed later reads the open position from the store.
	second := New("shared-cb", cfg, store, zap.NewNop())
	assert.Equal(t, StateOpen, second.State())

	var openErr *OpenError
	_, err := second.Call(ctx, okCall)
	require.ErrorAs(t, err, &openErr)
}
