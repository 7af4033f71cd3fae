package queue

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/bus"
)

func newStartedQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q := New("test", cfg, zap.NewNop())
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(q.Stop)
	return q
}

func TestPriorityQueuePopOrder(t *testing.T) {
	q := newStartedQueue(t, Config{Type: TypePriority, MaxSize: 20000})
	ctx := context.Background()

	type entry struct {
		id        string
		priority  bus.Priority
		scheduled time.Time
		seq       int
	}

	base := time.Now().UTC().Add(-time.Hour)
	rng := rand.New(rand.NewSource(42))
	entries := make([]entry, 0, 10000)
	for i := 0; i < 10000; i++ {
		p := bus.Priority(rng.Intn(4))
		sched := base.Add(time.Duration(rng.Intn(1000)) * time.Millisecond)
		id, err := q.Enqueue(ctx, nil, WithPriority(p), WithScheduledAt(sched))
		require.NoError(t, err)
		entries = append(entries, entry{id: id, priority: p, scheduled: sched, seq: i})
	}

	// Expected order: priority desc, scheduled asc, stable by insertion.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority > entries[j].priority
		}
		if !entries[i].scheduled.Equal(entries[j].scheduled) {
			return entries[i].scheduled.Before(entries[j].scheduled)
		}
		return entries[i].seq < entries[j].seq
	})

	for i, want := range entries {
		msg, err := q.Dequeue(ctx, "c1", time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg, "ran dry at %d", i)
		require.Equal(t, want.id, msg.ID, "position %d", i)
		require.NoError(t, q.Ack(msg.ID, nil))
	}
}

func TestPriorityOrderScenario(t *testing.T) {
	// CRITICAL@t0, NORMAL@t0-1s, CRITICAL@t0+1s must pop as
	// CRITICAL@t0, CRITICAL@t0+1s, NORMAL@t0-1s.
	q := newStartedQueue(t, Config{Type: TypePriority})
	ctx := context.Background()
	t0 := time.Now().UTC().Add(-time.Minute)

	idA, err := q.Enqueue(ctx, nil, WithPriority(bus.PriorityCritical), WithScheduledAt(t0))
	require.NoError(t, err)
	idB, err := q.Enqueue(ctx, nil, WithPriority(bus.PriorityNormal), WithScheduledAt(t0.Add(-time.Second)))
	require.NoError(t, err)
	idC, err := q.Enqueue(ctx, nil, WithPriority(bus.PriorityCritical), WithScheduledAt(t0.Add(time.Second)))
	require.NoError(t, err)

	for _, want := range []string{idA, idC, idB} {
		msg, err := q.Dequeue(ctx, "c", time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, want, msg.ID)
		require.NoError(t, q.Ack(msg.ID, nil))
	}
}

func TestFIFOAndLIFOOrder(t *testing.T) {
	ctx := context.Background()

	fifo := newStartedQueue(t, Config{Type: TypeFIFO})
	var fifoIDs []string
	for i := 0; i < 5; i++ {
		id, err := fifo.Enqueue(ctx, nil)
		require.NoError(t, err)
		fifoIDs = append(fifoIDs, id)
	}
	for _, want := range fifoIDs {
		msg, err := fifo.Dequeue(ctx, "c", time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, want, msg.ID)
		require.NoError(t, fifo.Ack(msg.ID, nil))
	}

	lifo := New("lifo", Config{Type: TypeLIFO}, zap.NewNop())
	require.NoError(t, lifo.Start(ctx))
	t.Cleanup(lifo.Stop)
	var lifoIDs []string
	for i := 0; i < 5; i++ {
		id, err := lifo.Enqueue(ctx, nil)
		require.NoError(t, err)
		lifoIDs = append(lifoIDs, id)
	}
	for i := len(lifoIDs) - 1; i >= 0; i-- {
		msg, err := lifo.Dequeue(ctx, "c", time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, lifoIDs[i], msg.ID)
		require.NoError(t, lifo.Ack(msg.ID, nil))
	}
}

func TestNackBackoffSchedule(t *testing.T) {
	delays := []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second, 60 * time.Second}
	q := newStartedQueue(t, Config{Type: TypePriority, MaxRetries: 6, RetryDelays: delays})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, nil)
	require.NoError(t, err)

	for attempt := 1; attempt <= 6; attempt++ {
		q.mu.Lock()
		msg := q.registry[id]
		msg.Status = StatusProcessing
		q.ready.remove(id)
		q.pending.remove(id)
		q.mu.Unlock()

		before := time.Now().UTC()
		require.NoError(t, q.Nack(id, errors.New("fail")))

		q.mu.Lock()
		scheduled := q.registry[id].ScheduledAt
		q.mu.Unlock()

		want := before.Add(delays[minInt(attempt-1, len(delays)-1)])
		assert.WithinDuration(t, want, scheduled, 100*time.Millisecond, "attempt %d", attempt)
	}
}

func TestNackPastRetriesDeadLetters(t *testing.T) {
	q := newStartedQueue(t, Config{Type: TypeFIFO, MaxRetries: 1, RetryDelays: []time.Duration{time.Millisecond}})
	ctx := context.Background()

	var deadMu sync.Mutex
	var dead []*Message
	q.SetDeadLetterFunc(func(msg *Message, reason string) {
		deadMu.Lock()
		dead = append(dead, msg)
		deadMu.Unlock()
	})

	id, err := q.Enqueue(ctx, map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	// First nack reschedules, second exceeds the budget.
	msg, err := q.Dequeue(ctx, "c", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, q.Nack(id, errors.New("boom")))

	msg, err = q.Dequeue(ctx, "c", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, q.Nack(id, errors.New("boom again")))

	deadMu.Lock()
	defer deadMu.Unlock()
	require.Len(t, dead, 1)
	assert.Equal(t, StatusDeadLetter, dead[0].Status)
	assert.Equal(t, 2, dead[0].RetryCount)
}

func TestExpiredMessagesAreDropped(t *testing.T) {
	q := newStartedQueue(t, Config{Type: TypeFIFO})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, nil, WithExpiry(time.Now().Add(-time.Second)))
	require.NoError(t, err)
	liveID, err := q.Enqueue(ctx, nil)
	require.NoError(t, err)

	msg, err := q.Dequeue(ctx, "c", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, liveID, msg.ID)
	assert.Equal(t, uint64(1), q.Stats().Expired)
}

func TestDelayedQueuePromotion(t *testing.T) {
	q := newStartedQueue(t, Config{Type: TypeDelayed})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, nil, WithScheduledAt(time.Now().Add(150*time.Millisecond)))
	require.NoError(t, err)

	msg, err := q.Dequeue(ctx, "c", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg, "message must not be ready before its schedule")

	msg, err = q.Dequeue(ctx, "c", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
}

func TestConsumerWorkersProcessMessages(t *testing.T) {
	q := newStartedQueue(t, Config{Type: TypeFIFO, MaxWorkers: 2})
	ctx := context.Background()

	var processed atomic.Int64
	require.NoError(t, q.RegisterConsumer("c1", func(ctx context.Context, msg *Message) (interface{}, error) {
		processed.Add(1)
		return nil, nil
	}))

	for i := 0; i < 10; i++ {
		_, err := q.Enqueue(ctx, nil)
		require.NoError(t, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && processed.Load() < 10 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int64(10), processed.Load())
	assert.Equal(t, uint64(10), q.Stats().Completed)
}

func TestBatchConsumerPerItemResults(t *testing.T) {
	q := newStartedQueue(t, Config{
		Type:         TypeBatch,
		BatchSize:    3,
		BatchTimeout: 100 * time.Millisecond,
		MaxRetries:   -1,
	})
	ctx := context.Background()

	var mu sync.Mutex
	var batches [][]*Message
	require.NoError(t, q.RegisterBatchConsumer(func(ctx context.Context, msgs []*Message) ([]bool, error) {
		mu.Lock()
		batches = append(batches, msgs)
		mu.Unlock()
		results := make([]bool, len(msgs))
		for i := range results {
			results[i] = i != 1 // reject the middle of each batch
		}
		return results, nil
	}))

	var deadCount atomic.Int64
	q.SetDeadLetterFunc(func(msg *Message, reason string) { deadCount.Add(1) })

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, nil)
		require.NoError(t, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(batches)
		mu.Unlock()
		if n > 0 && deadCount.Load() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, batches)
	assert.Len(t, batches[0], 3)
	assert.Equal(t, int64(1), deadCount.Load())
	assert.Equal(t, uint64(2), q.Stats().Completed)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	q1 := New("orders", Config{Type: TypePriority, Persist: true, PersistDir: dir}, zap.NewNop())
	require.NoError(t, q1.Start(ctx))

	idHigh, err := q1.Enqueue(ctx, map[string]interface{}{"amount": 12.5}, WithPriority(bus.PriorityHigh), WithTenant("t-9"))
	require.NoError(t, err)
	idLow, err := q1.Enqueue(ctx, nil, WithPriority(bus.PriorityLow))
	require.NoError(t, err)
	q1.Stop()

	q2 := New("orders", Config{Type: TypePriority, Persist: true, PersistDir: dir}, zap.NewNop())
	require.NoError(t, q2.Start(ctx))
	t.Cleanup(q2.Stop)

	msg, err := q2.Dequeue(ctx, "c", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, idHigh, msg.ID)
	assert.Equal(t, "t-9", msg.TenantID)
	assert.Equal(t, 12.5, msg.Payload["amount"])
	require.NoError(t, q2.Ack(msg.ID, nil))

	msg, err = q2.Dequeue(ctx, "c", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, idLow, msg.ID)
}

func TestQueueFullOverflow(t *testing.T) {
	q := newStartedQueue(t, Config{Type: TypeFIFO, MaxSize: 2})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPauseResume(t *testing.T) {
	q := newStartedQueue(t, Config{Type: TypeFIFO})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, nil)
	require.NoError(t, err)

	q.Pause()
	msg, err := q.Dequeue(ctx, "c", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)

	q.Resume()
	msg, err = q.Dequeue(ctx, "c", time.Second)
	require.NoError(t, err)
	assert.NotNil(t, msg)
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(t.TempDir(), zap.NewNop())
	_, err := m.Create("a", Config{Type: TypeFIFO})
	require.NoError(t, err)
	_, err = m.Create("a", Config{Type: TypeFIFO})
	assert.Error(t, err)

	q, ok := m.Get("a")
	require.True(t, ok)
	require.NoError(t, m.StartAll(context.Background()))

	_, err = q.Enqueue(context.Background(), nil)
	require.NoError(t, err)
	stats := m.Stats()
	assert.Equal(t, uint64(1), stats["a"].Enqueued)

	require.NoError(t, m.Delete("a"))
	_, ok = m.Get("a")
	assert.False(t, ok)
}
