package pubsub

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taxpoynt/messagefabric/internal/bus"
)

// TopicType selects how a publication fans out across subscriptions.
type TopicType string

const (
	TopicBroadcast    TopicType = "BROADCAST"
	TopicRoundRobin   TopicType = "ROUND_ROBIN"
	TopicPriority     TopicType = "PRIORITY"
	TopicLoadBalanced TopicType = "LOAD_BALANCED"
)

// SubscriptionType describes subscription durability.
type SubscriptionType string

const (
	SubPersistent SubscriptionType = "PERSISTENT"
	SubTemporary  SubscriptionType = "TEMPORARY"
	SubDurable    SubscriptionType = "DURABLE"
	SubEphemeral  SubscriptionType = "EPHEMERAL"
)

// DeliveryMode is the delivery guarantee requested by a publication.
type DeliveryMode string

const (
	AtMostOnce  DeliveryMode = "AT_MOST_ONCE"
	AtLeastOnce DeliveryMode = "AT_LEAST_ONCE"
	// ExactlyOnce is at-least-once on the wire; consumers are expected to
	// deduplicate on publication id.
	ExactlyOnce DeliveryMode = "EXACTLY_ONCE"
)

// Topic is a named publication channel.
type Topic struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Type           TopicType              `json:"type"`
	Scope          bus.Scope              `json:"scope"`
	Retention      time.Duration          `json:"retention"`
	MaxSubscribers int                    `json:"max_subscribers,omitempty"`
	DefaultFilters map[string]interface{} `json:"default_filters,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// NewTopic builds a topic with defaults applied.
func NewTopic(name string, topicType TopicType) *Topic {
	if topicType == "" {
		topicType = TopicBroadcast
	}
	return &Topic{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      topicType,
		Scope:     bus.ScopeGlobal,
		Retention: 24 * time.Hour,
		CreatedAt: time.Now().UTC(),
	}
}

// RetryPolicy controls redelivery for AT_LEAST_ONCE subscriptions.
type RetryPolicy struct {
	MaxRetries    int     `json:"max_retries"`
	BackoffFactor float64 `json:"backoff_factor"`
}

// TransformRule names a payload transformation applied before delivery.
type TransformRule struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Callback receives matched publications.
type Callback func(ctx context.Context, pub *Publication) error

// Subscription binds a subscriber callback to a topic pattern.
type Subscription struct {
	ID           string
	SubscriberID string
	Pattern      string
	Type         SubscriptionType
	Mode         DeliveryMode
	Priority     int
	Filters      map[string]interface{}
	Transforms   []TransformRule
	Retry        RetryPolicy

	callback Callback
	running  int
}

// Publication is one published message.
type Publication struct {
	ID            string                 `json:"id"`
	Topic         string                 `json:"topic"`
	Payload       map[string]interface{} `json:"payload"`
	Publisher     string                 `json:"publisher"`
	Priority      bus.Priority           `json:"priority"`
	Mode          DeliveryMode           `json:"mode"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	TenantID      string                 `json:"tenant_id,omitempty"`
	Headers       map[string]string      `json:"headers,omitempty"`
	PublishedAt   time.Time              `json:"published_at"`
}

// Expired reports whether the publication expiry has passed.
func (p *Publication) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// PublishOption customises a publication.
type PublishOption func(*Publication)

// WithPriority sets the publication priority.
func WithPriority(p bus.Priority) PublishOption {
	return func(pub *Publication) { pub.Priority = p }
}

// WithMode sets the delivery guarantee.
func WithMode(mode DeliveryMode) PublishOption {
	return func(pub *Publication) { pub.Mode = mode }
}

// WithExpiry sets the publication expiry.
func WithExpiry(t time.Time) PublishOption {
	return func(pub *Publication) {
		u := t.UTC()
		pub.ExpiresAt = &u
	}
}

// WithCorrelation sets the correlation id.
func WithCorrelation(id string) PublishOption {
	return func(pub *Publication) { pub.CorrelationID = id }
}

// WithTenant sets the tenant id.
func WithTenant(id string) PublishOption {
	return func(pub *Publication) { pub.TenantID = id }
}

// WithHeaders attaches headers.
func WithHeaders(h map[string]string) PublishOption {
	return func(pub *Publication) { pub.Headers = h }
}

// SubscribeOption customises a subscription.
type SubscribeOption func(*Subscription)

// WithSubscriptionType sets durability.
func WithSubscriptionType(t SubscriptionType) SubscribeOption {
	return func(s *Subscription) { s.Type = t }
}

// WithDeliveryMode sets the delivery guarantee.
func WithDeliveryMode(mode DeliveryMode) SubscribeOption {
	return func(s *Subscription) { s.Mode = mode }
}

// WithSubscriptionPriority sets selection priority for PRIORITY topics.
func WithSubscriptionPriority(p int) SubscribeOption {
	return func(s *Subscription) { s.Priority = p }
}

// WithFilters sets subscription filters.
func WithFilters(filters map[string]interface{}) SubscribeOption {
	return func(s *Subscription) { s.Filters = filters }
}

// WithTransforms sets the transform chain.
func WithTransforms(rules ...TransformRule) SubscribeOption {
	return func(s *Subscription) { s.Transforms = rules }
}

// WithRetryPolicy overrides the redelivery policy.
func WithRetryPolicy(p RetryPolicy) SubscribeOption {
	return func(s *Subscription) { s.Retry = p }
}
