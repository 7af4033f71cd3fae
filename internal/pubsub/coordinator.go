package pubsub

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/bus"
	"github.com/taxpoynt/messagefabric/pkg/pattern"
)

const (
	historyCap        = 1000
	defaultAckTimeout = 30 * time.Second
	maxRetryDelay     = 60 * time.Second

	// AckEventType clears a pending at-least-once delivery.
	AckEventType = "pubsub.subscription.ack"
	// TopicCreatedEventType announces new topics on the bus.
	TopicCreatedEventType = "pubsub.topic.created"
	// SubscriptionCreatedEventType announces new subscriptions.
	SubscriptionCreatedEventType = "pubsub.subscription.created"
)

var (
	// ErrTopicExists is returned when creating a duplicate topic.
	ErrTopicExists = errors.New("topic already exists")
	// ErrTopicNotFound is returned for operations on unknown topics.
	ErrTopicNotFound = errors.New("topic not found")
	// ErrTopicInUse blocks deletion of a topic with live subscriptions.
	ErrTopicInUse = errors.New("topic has active subscriptions")
	// ErrSubscriberLimit is returned when a topic subscriber cap is reached.
	ErrSubscriberLimit = errors.New("topic subscriber limit reached")
)

type pendingAck struct {
	pub     *Publication
	subID   string
	addedAt time.Time
}

type retryTask struct {
	pub     *Publication
	subID   string
	attempt int
	dueAt   time.Time
}

// Coordinator manages topics, subscriptions and delivery guarantees.
type Coordinator struct {
	log *zap.Logger
	bus *bus.Bus

	mu      sync.RWMutex
	topics  map[string]*Topic // by name
	byID    map[string]string // topic id -> name
	subs    map[string]*Subscription
	history map[string][]*Publication
	rr      map[string]int
	pending map[string]*pendingAck
	retries []retryTask
	failed  map[string]*Publication

	ackTimeout time.Duration
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	ackSubID   string
}

// New creates a pub-sub coordinator wired to the event bus.
func New(eventBus *bus.Bus, log *zap.Logger) *Coordinator {
	return &Coordinator{
		log:        log.With(zap.String("module", "pubsub")),
		bus:        eventBus,
		topics:     make(map[string]*Topic),
		byID:       make(map[string]string),
		subs:       make(map[string]*Subscription),
		history:    make(map[string][]*Publication),
		rr:         make(map[string]int),
		pending:    make(map[string]*pendingAck),
		failed:     make(map[string]*Publication),
		ackTimeout: defaultAckTimeout,
	}
}

// Start launches the retry processor and the ack listener.
func (c *Coordinator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	subID, err := c.bus.Subscribe(AckEventType, func(ctx context.Context, ev *bus.Event) error {
		pubID, _ := ev.Payload["publication_id"].(string)
		subID, _ := ev.Payload["subscription_id"].(string)
		c.Ack(pubID, subID)
		return nil
	}, bus.WithSubscriber("pubsub_coordinator"))
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to ack events: %w", err)
	}
	c.ackSubID = subID

	c.wg.Add(1)
	go c.runRetryProcessor(runCtx)
	return nil
}

// Stop halts background processing.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.ackSubID != "" {
		if err := c.bus.Unsubscribe(c.ackSubID); err != nil {
			c.log.Debug("Ack unsubscribe failed", zap.Error(err))
		}
	}
}

// CreateTopic registers a topic.
func (c *Coordinator) CreateTopic(ctx context.Context, topic *Topic) error {
	if topic.ID == "" {
		topic.ID = uuid.NewString()
	}
	c.mu.Lock()
	if _, exists := c.topics[topic.Name]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTopicExists, topic.Name)
	}
	c.topics[topic.Name] = topic
	c.byID[topic.ID] = topic.Name
	c.mu.Unlock()

	if _, err := c.bus.Emit(ctx, TopicCreatedEventType, map[string]interface{}{
		"topic_id": topic.ID,
		"topic":    topic.Name,
		"type":     string(topic.Type),
	}, bus.WithSource("pubsub_coordinator")); err != nil && !errors.Is(err, bus.ErrNotStarted) {
		c.log.Warn("Failed to emit topic created event", zap.Error(err))
	}
	return nil
}

// DeleteTopic removes a topic. Unless force is set, deletion fails while the
// topic still has matching subscriptions.
func (c *Coordinator) DeleteTopic(ctx context.Context, topicID string, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.byID[topicID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
	}
	if !force {
		for _, sub := range c.subs {
			if pattern.MatchTopic(sub.Pattern, name) {
				return fmt.Errorf("%w: %s", ErrTopicInUse, name)
			}
		}
	}
	delete(c.topics, name)
	delete(c.byID, topicID)
	delete(c.history, name)
	delete(c.rr, name)
	return nil
}

// Subscribe registers a callback for a topic pattern.
func (c *Coordinator) Subscribe(subscriberID, topicPattern string, cb Callback, opts ...SubscribeOption) (string, error) {
	if cb == nil {
		return "", errors.New("callback must not be nil")
	}
	sub := &Subscription{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		Pattern:      topicPattern,
		Type:         SubPersistent,
		Mode:         AtMostOnce,
		Retry:        RetryPolicy{MaxRetries: 3, BackoffFactor: 2},
		callback:     cb,
	}
	for _, opt := range opts {
		opt(sub)
	}

	c.mu.Lock()
	for _, topic := range c.topics {
		if topic.MaxSubscribers <= 0 || !pattern.MatchTopic(topicPattern, topic.Name) {
			continue
		}
		count := 0
		for _, existing := range c.subs {
			if pattern.MatchTopic(existing.Pattern, topic.Name) {
				count++
			}
		}
		if count >= topic.MaxSubscribers {
			c.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrSubscriberLimit, topic.Name)
		}
	}
	c.subs[sub.ID] = sub
	c.mu.Unlock()

	if _, err := c.bus.Emit(context.Background(), SubscriptionCreatedEventType, map[string]interface{}{
		"subscription_id": sub.ID,
		"subscriber_id":   subscriberID,
		"pattern":         topicPattern,
		"mode":            string(sub.Mode),
	}, bus.WithSource("pubsub_coordinator")); err != nil && !errors.Is(err, bus.ErrNotStarted) {
		c.log.Debug("Failed to emit subscription created event", zap.Error(err))
	}
	return sub.ID, nil
}

// Unsubscribe removes a subscription.
func (c *Coordinator) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(c.subs, id)
	return nil
}

// Publish delivers a payload to the topic's subscribers and returns the
// publication id.
func (c *Coordinator) Publish(ctx context.Context, topicName string, payload map[string]interface{}, publisher string, opts ...PublishOption) (string, error) {
	c.mu.RLock()
	topic, ok := c.topics[topicName]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTopicNotFound, topicName)
	}

	pub := &Publication{
		ID:          uuid.NewString(),
		Topic:       topicName,
		Payload:     payload,
		Publisher:   publisher,
		Priority:    bus.PriorityNormal,
		Mode:        AtMostOnce,
		PublishedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(pub)
	}

	c.recordHistory(pub)

	targets := c.selectTargets(topic, pub)
	for _, sub := range targets {
		c.deliver(ctx, pub, sub, 0)
	}
	return pub.ID, nil
}

// Ack clears a pending at-least-once delivery.
func (c *Coordinator) Ack(publicationID, subscriptionID string) {
	c.mu.Lock()
	delete(c.pending, publicationID+"|"+subscriptionID)
	c.mu.Unlock()
}

// ReplayMessages redelivers retained publications of a topic to one
// subscriber. Returns the number of replayed publications.
func (c *Coordinator) ReplayMessages(ctx context.Context, topicName, subscriberID string, from, to time.Time, max int) (int, error) {
	c.mu.RLock()
	_, ok := c.topics[topicName]
	if !ok {
		c.mu.RUnlock()
		return 0, fmt.Errorf("%w: %s", ErrTopicNotFound, topicName)
	}
	hist := append([]*Publication(nil), c.history[topicName]...)
	var subs []*Subscription
	for _, sub := range c.subs {
		if sub.SubscriberID == subscriberID && pattern.MatchTopic(sub.Pattern, topicName) {
			subs = append(subs, sub)
		}
	}
	c.mu.RUnlock()

	if len(subs) == 0 {
		return 0, nil
	}

	replayed := 0
	for _, pub := range hist {
		if max > 0 && replayed >= max {
			break
		}
		if !from.IsZero() && pub.PublishedAt.Before(from) {
			continue
		}
		if !to.IsZero() && pub.PublishedAt.After(to) {
			continue
		}
		for _, sub := range subs {
			c.deliver(ctx, pub, sub, 0)
		}
		replayed++
	}
	return replayed, nil
}

// PendingAcks returns the number of unacknowledged deliveries.
func (c *Coordinator) PendingAcks() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// FailedDeliveries returns publication ids that exhausted their retries.
func (c *Coordinator) FailedDeliveries() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.failed))
	for id := range c.failed {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) recordHistory(pub *Publication) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hist := append(c.history[pub.Topic], pub)
	if len(hist) > historyCap {
		hist = hist[len(hist)-historyCap:]
	}
	c.history[pub.Topic] = hist
}

// selectTargets picks subscriptions per the topic delivery type.
func (c *Coordinator) selectTargets(topic *Topic, pub *Publication) []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []*Subscription
	for _, sub := range c.subs {
		if !pattern.MatchTopic(sub.Pattern, topic.Name) {
			continue
		}
		if !passesFilters(topic.DefaultFilters, pub) || !passesFilters(sub.Filters, pub) {
			continue
		}
		matched = append(matched, sub)
	}
	if len(matched) == 0 {
		return nil
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	switch topic.Type {
	case TopicRoundRobin:
		idx := c.rr[topic.Name] % len(matched)
		c.rr[topic.Name]++
		return matched[idx : idx+1]
	case TopicPriority:
		best := matched[0]
		for _, sub := range matched {
			if sub.Priority > best.Priority {
				best = sub
			}
		}
		return []*Subscription{best}
	case TopicLoadBalanced:
		best := matched[0]
		for _, sub := range matched {
			if sub.running < best.running {
				best = sub
			}
		}
		return []*Subscription{best}
	default:
		return matched
	}
}

// deliver invokes a subscription callback, tracking pending acks and
// scheduling retries per the delivery mode.
func (c *Coordinator) deliver(ctx context.Context, pub *Publication, sub *Subscription, attempt int) {
	if pub.Expired(time.Now().UTC()) {
		return
	}

	mode := pub.Mode
	if mode == AtMostOnce && sub.Mode != AtMostOnce {
		mode = sub.Mode
	}
	if mode != AtMostOnce {
		c.mu.Lock()
		c.pending[pub.ID+"|"+sub.ID] = &pendingAck{pub: pub, subID: sub.ID, addedAt: time.Now().UTC()}
		c.mu.Unlock()
	}

	c.mu.Lock()
	sub.running++
	c.mu.Unlock()

	payload := applyTransforms(sub.Transforms, pub.Payload)
	delivered := *pub
	delivered.Payload = payload
	err := safeCallback(ctx, sub.callback, &delivered)

	c.mu.Lock()
	sub.running--
	c.mu.Unlock()

	if err == nil {
		if mode == AtMostOnce {
			return
		}
		// Pending entry stays until the consumer acks or the timeout fires.
		return
	}

	c.log.Warn("Subscription callback failed",
		zap.String("topic", pub.Topic),
		zap.String("subscriber", sub.SubscriberID),
		zap.Int("attempt", attempt),
		zap.Error(err))

	if mode == AtMostOnce {
		return
	}
	c.scheduleRetry(pub, sub, attempt)
}

func (c *Coordinator) scheduleRetry(pub *Publication, sub *Subscription, attempt int) {
	if attempt >= sub.Retry.MaxRetries {
		c.mu.Lock()
		c.failed[pub.ID] = pub
		delete(c.pending, pub.ID+"|"+sub.ID)
		c.mu.Unlock()
		return
	}
	factor := sub.Retry.BackoffFactor
	if factor <= 1 {
		factor = 2
	}
	delay := time.Duration(math.Pow(factor, float64(attempt))) * time.Second
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	c.mu.Lock()
	c.retries = append(c.retries, retryTask{
		pub:     pub,
		subID:   sub.ID,
		attempt: attempt + 1,
		dueAt:   time.Now().UTC().Add(delay),
	})
	c.mu.Unlock()
}

func (c *Coordinator) runRetryProcessor(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.processRetries(ctx)
			c.expirePending()
		}
	}
}

func (c *Coordinator) processRetries(ctx context.Context) {
	now := time.Now().UTC()
	c.mu.Lock()
	var due []retryTask
	var rest []retryTask
	for _, task := range c.retries {
		if task.dueAt.After(now) {
			rest = append(rest, task)
		} else {
			due = append(due, task)
		}
	}
	c.retries = rest
	c.mu.Unlock()

	for _, task := range due {
		c.mu.RLock()
		sub, ok := c.subs[task.subID]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		c.deliver(ctx, task.pub, sub, task.attempt)
	}
}

// expirePending converts timed-out pending acks into retries.
func (c *Coordinator) expirePending() {
	now := time.Now().UTC()
	c.mu.Lock()
	var expired []*pendingAck
	for key, pa := range c.pending {
		if now.Sub(pa.addedAt) >= c.ackTimeout {
			expired = append(expired, pa)
			delete(c.pending, key)
		}
	}
	c.mu.Unlock()

	for _, pa := range expired {
		c.mu.RLock()
		sub, ok := c.subs[pa.subID]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		c.scheduleRetry(pa.pub, sub, 0)
	}
}

func safeCallback(ctx context.Context, cb Callback, pub *Publication) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return cb(ctx, pub)
}
