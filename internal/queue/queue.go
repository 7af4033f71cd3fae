package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/pkg/metrics"
)

var (
	// ErrQueueFull is returned when a bounded queue cannot accept more work.
	ErrQueueFull = errors.New("queue full")
	// ErrQueueStopped is returned after Stop.
	ErrQueueStopped = errors.New("queue stopped")
	// ErrUnknownMessage is returned for ack/nack on an unknown id.
	ErrUnknownMessage = errors.New("unknown message id")
	// ErrNoConsumer signals a dispatch with no registered consumer.
	ErrNoConsumer = errors.New("no consumer registered")
)

// DefaultRetryDelays is the exponential backoff ladder applied on nack.
var DefaultRetryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second, 60 * time.Second}

// Config controls a single queue.
type Config struct {
	Type         Type
	MaxSize      int
	MaxWorkers   int
	MaxRetries   int
	RetryDelays  []time.Duration
	BatchSize    int
	BatchTimeout time.Duration
	Strategy     ConsumerStrategy
	Persist      bool
	PersistDir   string
}

func (c *Config) withDefaults() {
	if c.Type == "" {
		c.Type = TypeFIFO
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 10000
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = DefaultRetryDelays
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}
}

// Consumer processes a single message. A nil error acks the message.
type Consumer func(ctx context.Context, msg *Message) (interface{}, error)

// BatchConsumer processes a batch. The returned slice acks/nacks per item;
// a single-element slice applies to the whole batch.
type BatchConsumer func(ctx context.Context, msgs []*Message) ([]bool, error)

// DeadLetterFunc receives messages that exhausted their retries.
type DeadLetterFunc func(msg *Message, reason string)

// Stats are cumulative queue counters.
type Stats struct {
	Enqueued     uint64 `json:"enqueued"`
	Completed    uint64 `json:"completed"`
	Failed       uint64 `json:"failed"`
	Retried      uint64 `json:"retried"`
	Expired      uint64 `json:"expired"`
	DeadLettered uint64 `json:"dead_lettered"`
	Depth        int    `json:"depth"`
	Processing   int    `json:"processing"`
}

// Queue is a named durable message queue.
type Queue struct {
	name string
	cfg  Config
	log  *zap.Logger

	mu          sync.Mutex
	registry    map[string]*Message
	ready       *msgHeap
	pending     *msgHeap
	seq         uint64
	consumerIDs []string
	consumers   map[string]Consumer
	batch       BatchConsumer
	inflight    map[string]int
	rr          int
	paused      bool
	stopped     bool
	stats       Stats

	signal     chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	deadLetter DeadLetterFunc
}

// New creates a queue with the given configuration.
func New(name string, cfg Config, log *zap.Logger) *Queue {
	cfg.withDefaults()
	return &Queue{
		name:      name,
		cfg:       cfg,
		log:       log.With(zap.String("module", "queue"), zap.String("queue", name)),
		registry:  make(map[string]*Message),
		ready:     newMsgHeap(orderFor(cfg.Type)),
		pending:   newMsgHeap(orderFor(TypeDelayed)),
		consumers: make(map[string]Consumer),
		inflight:  make(map[string]int),
		signal:    make(chan struct{}, 1),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// SetDeadLetterFunc installs the dead-letter sink.
func (q *Queue) SetDeadLetterFunc(fn DeadLetterFunc) {
	q.mu.Lock()
	q.deadLetter = fn
	q.mu.Unlock()
}

// Start restores persisted state and launches workers.
func (q *Queue) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.stopped = false
	q.mu.Unlock()

	if q.cfg.Persist {
		if err := q.load(); err != nil {
			q.log.Warn("Failed to load persisted queue state", zap.Error(err))
		}
	}

	q.wg.Add(1)
	go q.runMaintenance(runCtx)

	if q.cfg.Type == TypeBatch {
		q.wg.Add(1)
		go q.runBatchCollector(runCtx)
	} else {
		for i := 0; i < q.cfg.MaxWorkers; i++ {
			q.wg.Add(1)
			go q.runWorker(runCtx, i)
		}
	}
	return nil
}

// Stop halts workers, persists pending state and rejects further work.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	if q.cfg.Persist {
		if err := q.persist(); err != nil {
			q.log.Warn("Failed to persist queue state on stop", zap.Error(err))
		}
	}
}

// Pause suspends dequeuing without rejecting enqueues.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume reverses Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.wake()
}

// Enqueue adds a message and returns its id.
func (q *Queue) Enqueue(ctx context.Context, payload map[string]interface{}, opts ...EnqueueOption) (string, error) {
	msg := newMessage(q.name, payload, q.cfg.MaxRetries)
	for _, opt := range opts {
		opt(msg)
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrQueueStopped
	}
	if q.depthLocked() >= q.cfg.MaxSize {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s at %d", ErrQueueFull, q.name, q.cfg.MaxSize)
	}
	q.seq++
	msg.seq = q.seq
	q.registry[msg.ID] = msg
	q.stats.Enqueued++
	now := time.Now().UTC()
	if q.cfg.Type == TypeDelayed || msg.ScheduledAt.After(now) {
		q.pending.push(msg)
	} else {
		q.ready.push(msg)
	}
	q.mu.Unlock()

	metrics.QueueMessages.WithLabelValues(q.name, "enqueued").Inc()
	q.wake()
	return msg.ID, nil
}

// Dequeue pops the next ready message for the consumer, waiting up to
// timeout. Returns nil when nothing became ready.
func (q *Queue) Dequeue(ctx context.Context, consumerID string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		if msg := q.tryPop(consumerID); msg != nil {
			return msg, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(minDuration(remaining, 50*time.Millisecond))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack marks a message completed.
func (q *Queue) Ack(id string, result interface{}) error {
	q.mu.Lock()
	msg, ok := q.registry[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("ack %s: %w", id, ErrUnknownMessage)
	}
	now := time.Now().UTC()
	msg.Status = StatusCompleted
	msg.CompletedAt = &now
	delete(q.registry, id)
	q.stats.Completed++
	q.mu.Unlock()

	metrics.QueueMessages.WithLabelValues(q.name, "completed").Inc()
	return nil
}

// Nack records a failure: the message is rescheduled with backoff or, past
// its retry budget, handed to the dead-letter sink.
func (q *Queue) Nack(id string, cause error) error {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}

	q.mu.Lock()
	msg, ok := q.registry[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("nack %s: %w", id, ErrUnknownMessage)
	}
	msg.RetryCount++
	msg.LastError = reason
	msg.ConsumerID = ""
	msg.ProcessingAt = nil

	if msg.RetryCount > msg.MaxRetries {
		msg.Status = StatusDeadLetter
		delete(q.registry, id)
		q.stats.DeadLettered++
		sink := q.deadLetter
		q.mu.Unlock()

		metrics.QueueMessages.WithLabelValues(q.name, "dead_letter").Inc()
		if sink != nil {
			sink(msg, reason)
		}
		return nil
	}

	delay := q.cfg.RetryDelays[minInt(msg.RetryCount-1, len(q.cfg.RetryDelays)-1)]
	msg.Status = StatusRetry
	msg.ScheduledAt = time.Now().UTC().Add(delay)
	q.pending.push(msg)
	q.stats.Retried++
	q.mu.Unlock()

	metrics.QueueMessages.WithLabelValues(q.name, "retried").Inc()
	return nil
}

// RegisterConsumer adds a worker callback under the given consumer id.
func (q *Queue) RegisterConsumer(id string, fn Consumer) error {
	if fn == nil {
		return errors.New("consumer must not be nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.consumers[id]; !exists {
		q.consumerIDs = append(q.consumerIDs, id)
	}
	q.consumers[id] = fn
	return nil
}

// UnregisterConsumer removes a consumer.
func (q *Queue) UnregisterConsumer(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.consumers, id)
	for i, cid := range q.consumerIDs {
		if cid == id {
			q.consumerIDs = append(q.consumerIDs[:i], q.consumerIDs[i+1:]...)
			break
		}
	}
}

// RegisterBatchConsumer installs the batch callback for BATCH queues.
func (q *Queue) RegisterBatchConsumer(fn BatchConsumer) error {
	if fn == nil {
		return errors.New("batch consumer must not be nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batch = fn
	return nil
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = q.depthLocked()
	s.Processing = q.processingLocked()
	return s
}

func (q *Queue) tryPop(consumerID string) *Message {
	now := time.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || q.stopped {
		return nil
	}
	q.promoteLocked(now)
	for {
		msg := q.ready.pop()
		if msg == nil {
			return nil
		}
		if msg.Expired(now) {
			msg.Status = StatusExpired
			delete(q.registry, msg.ID)
			q.stats.Expired++
			metrics.QueueMessages.WithLabelValues(q.name, "expired").Inc()
			continue
		}
		msg.Status = StatusProcessing
		msg.ConsumerID = consumerID
		t := now
		msg.ProcessingAt = &t
		return msg
	}
}

// promoteLocked moves due pending messages into the ready structure.
func (q *Queue) promoteLocked(now time.Time) {
	for {
		top := q.pending.peek()
		if top == nil || top.ScheduledAt.After(now) {
			return
		}
		q.pending.pop()
		top.Status = StatusQueued
		q.ready.push(top)
	}
}

func (q *Queue) depthLocked() int {
	return q.ready.Len() + q.pending.Len()
}

func (q *Queue) processingLocked() int {
	n := 0
	for _, m := range q.registry {
		if m.Status == StatusProcessing {
			n++
		}
	}
	return n
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) runWorker(ctx context.Context, workerID int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		consumerID, consumer := q.pickConsumer(workerID)
		if consumer == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		msg, err := q.Dequeue(ctx, consumerID, 500*time.Millisecond)
		if err != nil || msg == nil {
			continue
		}

		q.trackInflight(consumerID, 1)
		result, cerr := invokeConsumer(ctx, consumer, msg)
		q.trackInflight(consumerID, -1)

		if cerr != nil {
			if nerr := q.Nack(msg.ID, cerr); nerr != nil {
				q.log.Warn("Nack failed", zap.String("message_id", msg.ID), zap.Error(nerr))
			}
			continue
		}
		if aerr := q.Ack(msg.ID, result); aerr != nil {
			q.log.Warn("Ack failed", zap.String("message_id", msg.ID), zap.Error(aerr))
		}
	}
}

func (q *Queue) pickConsumer(workerID int) (string, Consumer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.consumerIDs)
	if n == 0 {
		return "", nil
	}
	var id string
	switch q.cfg.Strategy {
	case StrategySingleConsumer:
		id = q.consumerIDs[0]
	case StrategyLoadBalanced:
		id = q.consumerIDs[0]
		for _, cid := range q.consumerIDs {
			if q.inflight[cid] < q.inflight[id] {
				id = cid
			}
		}
	case StrategyWorkStealing:
		// Workers prefer their own consumer and steal the least busy one
		// when theirs is occupied.
		id = q.consumerIDs[workerID%n]
		if q.inflight[id] > 0 {
			for _, cid := range q.consumerIDs {
				if q.inflight[cid] < q.inflight[id] {
					id = cid
				}
			}
		}
	default: // ROUND_ROBIN
		id = q.consumerIDs[q.rr%n]
		q.rr++
	}
	return id, q.consumers[id]
}

func (q *Queue) trackInflight(consumerID string, delta int) {
	q.mu.Lock()
	q.inflight[consumerID] += delta
	q.mu.Unlock()
}

func (q *Queue) runBatchCollector(ctx context.Context) {
	defer q.wg.Done()
	var buf []*Message
	lastFlush := time.Now()
	for {
		select {
		case <-ctx.Done():
			q.flushBatch(ctx, &buf)
			return
		default:
		}

		msg, err := q.Dequeue(ctx, "batch", 100*time.Millisecond)
		if err == nil && msg != nil {
			buf = append(buf, msg)
		}
		if len(buf) >= q.cfg.BatchSize || (len(buf) > 0 && time.Since(lastFlush) >= q.cfg.BatchTimeout) {
			q.flushBatch(ctx, &buf)
			lastFlush = time.Now()
		}
	}
}

func (q *Queue) flushBatch(ctx context.Context, buf *[]*Message) {
	batch := *buf
	if len(batch) == 0 {
		return
	}
	*buf = nil

	q.mu.Lock()
	fn := q.batch
	q.mu.Unlock()
	if fn == nil {
		for _, m := range batch {
			if err := q.Nack(m.ID, ErrNoConsumer); err != nil {
				q.log.Warn("Batch nack failed", zap.Error(err))
			}
		}
		return
	}

	results, err := fn(ctx, batch)
	for i, m := range batch {
		ok := err == nil
		if ok && len(results) > 0 {
			if len(results) == len(batch) {
				ok = results[i]
			} else {
				ok = results[0]
			}
		}
		if ok {
			if aerr := q.Ack(m.ID, nil); aerr != nil {
				q.log.Warn("Batch ack failed", zap.Error(aerr))
			}
		} else {
			cause := err
			if cause == nil {
				cause = errors.New("batch consumer rejected message")
			}
			if nerr := q.Nack(m.ID, cause); nerr != nil {
				q.log.Warn("Batch nack failed", zap.Error(nerr))
			}
		}
	}
}

func (q *Queue) runMaintenance(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			q.promoteLocked(time.Now().UTC())
			depth := q.depthLocked()
			q.mu.Unlock()
			metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth))
			q.wake()
			if q.cfg.Persist {
				if err := q.persist(); err != nil {
					q.log.Warn("Failed to persist queue state", zap.Error(err))
				}
			}
		}
	}
}

func invokeConsumer(ctx context.Context, fn Consumer, msg *Message) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v", r)
		}
	}()
	return fn(ctx, msg)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
