package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/pkg/metrics"
	"github.com/taxpoynt/messagefabric/pkg/pattern"
)

const (
	defaultQueueSize  = 1024
	defaultMaxRetries = 3
	defaultPoolSize   = 10
	completedRetain   = 24 * time.Hour

	// DeadLetterEventType is emitted when an event exhausts its retries.
	DeadLetterEventType = "system.event.dead_letter"
	// HealthEventType is emitted by the maintenance loop.
	HealthEventType = "system.event_bus.health"
)

var (
	// ErrBusOverflow is returned when a priority queue is full.
	ErrBusOverflow = errors.New("event bus queue full")
	// ErrNotStarted is returned when emitting on a stopped bus.
	ErrNotStarted = errors.New("event bus not started")
	// ErrUnknownEvent is returned for status and replay lookups that miss.
	ErrUnknownEvent = errors.New("unknown event id")
)

// Handler processes an event. A nil return marks the delivery successful.
type Handler func(ctx context.Context, event *Event) error

// Subscription binds a handler to an event type pattern.
type Subscription struct {
	ID         string
	Pattern    string
	Subscriber string
	Scope      Scope
	Priority   int
	Filters    map[string]interface{}
	Blocking   bool
	handler    Handler
}

type eventRecord struct {
	event     *Event
	status    EventStatus
	lastError string
	updatedAt time.Time
}

// Bus is the in-process event plane: one queue per priority level, each
// drained by its own worker, with retry and dead-letter semantics.
type Bus struct {
	log *zap.Logger

	mu      sync.RWMutex
	subs    map[string]*Subscription
	records map[string]*eventRecord
	failed  map[string]*Event

	queues map[Priority]chan *Event
	pool   chan struct{}

	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates an event bus.
func New(log *zap.Logger) *Bus {
	b := &Bus{
		log:     log.With(zap.String("module", "eventbus")),
		subs:    make(map[string]*Subscription),
		records: make(map[string]*eventRecord),
		failed:  make(map[string]*Event),
		queues:  make(map[Priority]chan *Event),
		pool:    make(chan struct{}, defaultPoolSize),
		cron:    cron.New(),
	}
	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow} {
		b.queues[p] = make(chan *Event, defaultQueueSize)
	}
	return b
}

// Start launches the per-priority workers and the maintenance loop.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.started = true
	b.mu.Unlock()

	for prio, q := range b.queues {
		b.wg.Add(1)
		go b.runWorker(runCtx, prio, q)
	}

	if _, err := b.cron.AddFunc("@every 1m", func() {
		b.cleanCompleted()
		b.emitHealth(runCtx)
	}); err != nil {
		return fmt.Errorf("failed to schedule bus maintenance: %w", err)
	}
	b.cron.Start()

	b.log.Info("Event bus started", zap.Int("priority_levels", len(b.queues)))
	return nil
}

// Stop cancels the workers and waits for them to drain.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel := b.cancel
	b.mu.Unlock()

	b.cron.Stop()
	cancel()
	b.wg.Wait()
	b.log.Info("Event bus stopped")
}

// Subscribe registers a handler for an event type pattern.
func (b *Bus) Subscribe(eventPattern string, handler Handler, opts ...SubscribeOption) (string, error) {
	if handler == nil {
		return "", errors.New("handler must not be nil")
	}
	sub := &Subscription{
		ID:      uuid.NewString(),
		Pattern: eventPattern,
		Scope:   ScopeGlobal,
		handler: handler,
	}
	for _, opt := range opts {
		opt(sub)
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	b.log.Debug("Subscribed",
		zap.String("pattern", eventPattern),
		zap.String("subscriber", sub.Subscriber),
		zap.String("subscription_id", sub.ID))
	return sub.ID, nil
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(b.subs, id)
	return nil
}

// Emit queues an event for dispatch and returns its id.
func (b *Bus) Emit(ctx context.Context, eventType string, payload map[string]interface{}, opts ...EmitOption) (string, error) {
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if !started {
		return "", ErrNotStarted
	}

	ev := newEvent(eventType, payload)
	for _, opt := range opts {
		opt(ev)
	}

	b.mu.Lock()
	b.records[ev.ID] = &eventRecord{event: ev, status: StatusPending, updatedAt: time.Now().UTC()}
	b.mu.Unlock()

	if err := b.enqueue(ev); err != nil {
		b.setStatus(ev.ID, StatusFailed, err.Error())
		return "", err
	}
	return ev.ID, nil
}

// PublishToScope emits an event tagged with the given audience scope.
func (b *Bus) PublishToScope(ctx context.Context, eventType string, payload map[string]interface{}, scope Scope, opts ...EmitOption) (string, error) {
	opts = append([]EmitOption{WithScope(scope)}, opts...)
	return b.Emit(ctx, eventType, payload, opts...)
}

// Status returns the lifecycle status of an emitted event.
func (b *Bus) Status(eventID string) (EventStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[eventID]
	if !ok {
		return "", fmt.Errorf("event %s: %w", eventID, ErrUnknownEvent)
	}
	return rec.status, nil
}

// ReplayFailed re-queues a dead-lettered event with a fresh retry budget.
func (b *Bus) ReplayFailed(ctx context.Context, eventID string) error {
	b.mu.Lock()
	ev, ok := b.failed[eventID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("event %s: %w", eventID, ErrUnknownEvent)
	}
	delete(b.failed, eventID)
	ev.RetryCount = 0
	b.records[ev.ID] = &eventRecord{event: ev, status: StatusPending, updatedAt: time.Now().UTC()}
	b.mu.Unlock()
	return b.enqueue(ev)
}

// HandlerCount returns the number of live subscriptions.
func (b *Bus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// QueueSizes returns the pending event count per priority name.
func (b *Bus) QueueSizes() map[string]int {
	sizes := make(map[string]int, len(b.queues))
	for prio, q := range b.queues {
		sizes[prio.String()] = len(q)
	}
	return sizes
}

func (b *Bus) enqueue(ev *Event) error {
	q, ok := b.queues[ev.Priority]
	if !ok {
		q = b.queues[PriorityNormal]
	}
	select {
	case q <- ev:
		return nil
	default:
		b.log.Warn("Event bus queue full, dropping event",
			zap.String("event_type", ev.Type),
			zap.String("priority", ev.Priority.String()))
		return ErrBusOverflow
	}
}

func (b *Bus) runWorker(ctx context.Context, prio Priority, q chan *Event) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q:
			b.dispatch(ctx, ev)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, ev *Event) {
	b.setStatus(ev.ID, StatusProcessing, "")

	matched := b.matchSubscriptions(ev)
	if len(matched) == 0 {
		b.setStatus(ev.ID, StatusCompleted, "")
		metrics.BusEvents.WithLabelValues(ev.Priority.String(), "no_handler").Inc()
		return
	}

	var firstErr error
	for _, sub := range matched {
		var err error
		if sub.Blocking {
			b.pool <- struct{}{}
			err = safeInvoke(ctx, sub.handler, ev)
			<-b.pool
		} else {
			err = safeInvoke(ctx, sub.handler, ev)
		}
		if err != nil && firstErr == nil {
			firstErr = err
			b.log.Warn("Event handler failed",
				zap.String("event_type", ev.Type),
				zap.String("subscriber", sub.Subscriber),
				zap.Error(err))
		}
	}

	if firstErr == nil {
		b.setStatus(ev.ID, StatusCompleted, "")
		metrics.BusEvents.WithLabelValues(ev.Priority.String(), "completed").Inc()
		return
	}

	if ev.RetryCount < ev.MaxRetries {
		ev.RetryCount++
		b.setStatus(ev.ID, StatusRetry, firstErr.Error())
		if err := b.enqueue(ev); err != nil {
			b.deadLetter(ctx, ev, err.Error())
		}
		metrics.BusEvents.WithLabelValues(ev.Priority.String(), "retry").Inc()
		return
	}

	b.deadLetter(ctx, ev, firstErr.Error())
}

func (b *Bus) deadLetter(ctx context.Context, ev *Event, reason string) {
	b.mu.Lock()
	b.failed[ev.ID] = ev
	b.mu.Unlock()
	b.setStatus(ev.ID, StatusDeadLetter, reason)
	metrics.BusEvents.WithLabelValues(ev.Priority.String(), "dead_letter").Inc()

	if ev.Type == DeadLetterEventType {
		// Never dead-letter the dead-letter notification itself.
		return
	}
	if _, err := b.Emit(ctx, DeadLetterEventType, map[string]interface{}{
		"original_event_id":   ev.ID,
		"original_event_type": ev.Type,
		"failure_reason":      reason,
		"retry_count":         ev.RetryCount,
	}, WithPriority(PriorityHigh), WithSource("event_bus"), WithCorrelation(ev.CorrelationID)); err != nil {
		b.log.Error("Failed to emit dead letter event", zap.Error(err))
	}
}

func (b *Bus) matchSubscriptions(ev *Event) []*Subscription {
	b.mu.RLock()
	matched := make([]*Subscription, 0, 4)
	for _, sub := range b.subs {
		if !pattern.MatchTopic(sub.Pattern, ev.Type) {
			continue
		}
		if !sub.Scope.Compatible(ev.Scope) {
			continue
		}
		if !payloadMatches(sub.Filters, ev) {
			continue
		}
		matched = append(matched, sub)
	}
	b.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}

func payloadMatches(filters map[string]interface{}, ev *Event) bool {
	for key, want := range filters {
		switch key {
		case "tenant_id":
			if ev.TenantID != fmt.Sprint(want) {
				return false
			}
		case "source":
			if ev.Source != fmt.Sprint(want) {
				return false
			}
		default:
			got, ok := ev.Payload[key]
			if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
				return false
			}
		}
	}
	return true
}

func (b *Bus) setStatus(id string, status EventStatus, lastError string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.records[id]; ok {
		rec.status = status
		rec.lastError = lastError
		rec.updatedAt = time.Now().UTC()
	}
}

func (b *Bus) cleanCompleted() {
	cutoff := time.Now().UTC().Add(-completedRetain)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, rec := range b.records {
		if rec.status == StatusCompleted && rec.updatedAt.Before(cutoff) {
			delete(b.records, id)
		}
	}
}

func (b *Bus) emitHealth(ctx context.Context) {
	payload := map[string]interface{}{
		"queue_sizes":   b.QueueSizes(),
		"handler_count": b.HandlerCount(),
	}
	if _, err := b.Emit(ctx, HealthEventType, payload, WithSource("event_bus"), WithPriority(PriorityLow)); err != nil && !errors.Is(err, ErrNotStarted) {
		b.log.Warn("Failed to emit bus health event", zap.Error(err))
	}
}

func safeInvoke(ctx context.Context, h Handler, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}
