package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(zap.NewNop())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestEmitDeliversToMatchingHandler(t *testing.T) {
	b := newTestBus(t)

	var got atomic.Value
	_, err := b.Subscribe("invoice.*", func(ctx context.Context, ev *Event) error {
		got.Store(ev.Type)
		return nil
	}, WithSubscriber("test"))
	require.NoError(t, err)

	id, err := b.Emit(context.Background(), "invoice.created", map[string]interface{}{"n": 1})
	require.NoError(t, err)

	waitFor(t, func() bool { return got.Load() != nil })
	assert.Equal(t, "invoice.created", got.Load())

	waitFor(t, func() bool {
		status, err := b.Status(id)
		return err == nil && status == StatusCompleted
	})
}

func TestScopeIsolation(t *testing.T) {
	b := newTestBus(t)

	var siCount, appCount atomic.Int64
	_, err := b.Subscribe("billing.*", func(ctx context.Context, ev *Event) error {
		siCount.Add(1)
		return nil
	}, WithSubscriptionScope(ScopeSI))
	require.NoError(t, err)
	_, err = b.Subscribe("billing.*", func(ctx context.Context, ev *Event) error {
		appCount.Add(1)
		return nil
	}, WithSubscriptionScope(ScopeAPP))
	require.NoError(t, err)

	_, err = b.PublishToScope(context.Background(), "billing.charged", nil, ScopeSI)
	require.NoError(t, err)

	waitFor(t, func() bool { return siCount.Load() == 1 })
	assert.Equal(t, int64(0), appCount.Load())

	// GLOBAL events reach every scope.
	_, err = b.Emit(context.Background(), "billing.charged", nil)
	require.NoError(t, err)
	waitFor(t, func() bool { return siCount.Load() == 2 && appCount.Load() == 1 })
}

func TestHandlerOrderingByPriority(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for _, prio := range []int{1, 10, 5} {
		p := prio
		_, err := b.Subscribe("ordered.event", func(ctx context.Context, ev *Event) error {
			mu.Lock()
			order = append(order, p)
			if len(order) == 3 {
				close(done)
			}
			mu.Unlock()
			return nil
		}, WithHandlerPriority(p))
		require.NoError(t, err)
	}

	_, err := b.Emit(context.Background(), "ordered.event", nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handlers never ran")
	}
	assert.Equal(t, []int{10, 5, 1}, order)
}

func TestRetryThenDeadLetter(t *testing.T) {
	b := newTestBus(t)

	var attempts atomic.Int64
	_, err := b.Subscribe("flaky.op", func(ctx context.Context, ev *Event) error {
		attempts.Add(1)
		return errors.New("downstream unavailable")
	})
	require.NoError(t, err)

	var dead atomic.Value
	_, err = b.Subscribe(DeadLetterEventType, func(ctx context.Context, ev *Event) error {
		dead.Store(ev.Payload["original_event_type"])
		return nil
	})
	require.NoError(t, err)

	id, err := b.Emit(context.Background(), "flaky.op", nil, WithMaxRetries(2))
	require.NoError(t, err)

	waitFor(t, func() bool { return dead.Load() != nil })
	// Initial attempt plus two retries.
	assert.Equal(t, int64(3), attempts.Load())
	assert.Equal(t, "flaky.op", dead.Load())

	status, err := b.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, status)
}

func TestReplayFailed(t *testing.T) {
	b := newTestBus(t)

	var fail atomic.Bool
	fail.Store(true)
	var succeeded atomic.Bool
	_, err := b.Subscribe("replayable.op", func(ctx context.Context, ev *Event) error {
		if fail.Load() {
			return errors.New("still broken")
		}
		succeeded.Store(true)
		return nil
	})
	require.NoError(t, err)

	id, err := b.Emit(context.Background(), "replayable.op", nil, WithMaxRetries(0))
	require.NoError(t, err)

	waitFor(t, func() bool {
		status, err := b.Status(id)
		return err == nil && status == StatusDeadLetter
	})

	fail.Store(false)
	require.NoError(t, b.ReplayFailed(context.Background(), id))
	waitFor(t, func() bool { return succeeded.Load() })
}

func TestPayloadFilters(t *testing.T) {
	b := newTestBus(t)

	var hits atomic.Int64
	_, err := b.Subscribe("tenant.event", func(ctx context.Context, ev *Event) error {
		hits.Add(1)
		return nil
	}, WithFilters(map[string]interface{}{"tenant_id": "t-1"}))
	require.NoError(t, err)

	_, err = b.Emit(context.Background(), "tenant.event", nil, WithTenant("t-2"))
	require.NoError(t, err)
	_, err = b.Emit(context.Background(), "tenant.event", nil, WithTenant("t-1"))
	require.NoError(t, err)

	waitFor(t, func() bool { return hits.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), hits.Load())
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe("panicky.op", func(ctx context.Context, ev *Event) error {
		panic("boom")
	})
	require.NoError(t, err)

	id, err := b.Emit(context.Background(), "panicky.op", nil, WithMaxRetries(0))
	require.NoError(t, err)

	waitFor(t, func() bool {
		status, err := b.Status(id)
		return err == nil && status == StatusDeadLetter
	})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	var hits atomic.Int64
	subID, err := b.Subscribe("once.op", func(ctx context.Context, ev *Event) error {
		hits.Add(1)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Emit(context.Background(), "once.op", nil)
	require.NoError(t, err)
	waitFor(t, func() bool { return hits.Load() == 1 })

	require.NoError(t, b.Unsubscribe(subID))
	_, err = b.Emit(context.Background(), "once.op", nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), hits.Load())
}
