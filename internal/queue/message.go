package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/taxpoynt/messagefabric/internal/bus"
)

// Type selects the backing discipline of a queue.
type Type string

const (
	TypePriority Type = "PRIORITY"
	TypeFIFO     Type = "FIFO"
	TypeLIFO     Type = "LIFO"
	TypeDelayed  Type = "DELAYED"
	TypeBatch    Type = "BATCH"
)

// Status tracks a message through the queue lifecycle.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRetry      Status = "RETRY"
	StatusDeadLetter Status = "DEAD_LETTER"
	StatusExpired    Status = "EXPIRED"
)

// ConsumerStrategy selects how dequeued messages are assigned to consumers.
type ConsumerStrategy string

const (
	StrategySingleConsumer ConsumerStrategy = "SINGLE_CONSUMER"
	StrategyRoundRobin     ConsumerStrategy = "ROUND_ROBIN"
	StrategyLoadBalanced   ConsumerStrategy = "LOAD_BALANCED"
	StrategyWorkStealing   ConsumerStrategy = "WORK_STEALING"
)

// Message is a queued unit of work.
type Message struct {
	ID            string                 `json:"id"`
	QueueName     string                 `json:"queue_name"`
	Payload       map[string]interface{} `json:"payload"`
	Priority      bus.Priority           `json:"priority"`
	Status        Status                 `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	ScheduledAt   time.Time              `json:"scheduled_at"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	TenantID      string                 `json:"tenant_id,omitempty"`
	ConsumerID    string                 `json:"consumer_id,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	ProcessingAt  *time.Time             `json:"processing_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`

	seq uint64
}

func newMessage(queueName string, payload map[string]interface{}, maxRetries int) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:          uuid.NewString(),
		QueueName:   queueName,
		Payload:     payload,
		Priority:    bus.PriorityNormal,
		Status:      StatusQueued,
		CreatedAt:   now,
		ScheduledAt: now,
		MaxRetries:  maxRetries,
	}
}

// Expired reports whether the message expiry has passed.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// EnqueueOption customises an enqueued message.
type EnqueueOption func(*Message)

// WithPriority sets the message priority.
func WithPriority(p bus.Priority) EnqueueOption {
	return func(m *Message) { m.Priority = p }
}

// WithScheduledAt delays availability until t.
func WithScheduledAt(t time.Time) EnqueueOption {
	return func(m *Message) { m.ScheduledAt = t.UTC() }
}

// WithExpiry drops the message if still queued at t.
func WithExpiry(t time.Time) EnqueueOption {
	return func(m *Message) {
		u := t.UTC()
		m.ExpiresAt = &u
	}
}

// WithCorrelation sets the correlation id.
func WithCorrelation(id string) EnqueueOption {
	return func(m *Message) { m.CorrelationID = id }
}

// WithTenant sets the tenant id.
func WithTenant(id string) EnqueueOption {
	return func(m *Message) { m.TenantID = id }
}

// WithTags attaches tags.
func WithTags(tags ...string) EnqueueOption {
	return func(m *Message) { m.Tags = append(m.Tags, tags...) }
}

// WithMetadata attaches metadata.
func WithMetadata(md map[string]interface{}) EnqueueOption {
	return func(m *Message) { m.Metadata = md }
}

// WithMaxRetries overrides the queue retry budget for this message.
func WithMaxRetries(n int) EnqueueOption {
	return func(m *Message) { m.MaxRetries = n }
}

// WithID forces a message id, used when requeueing recovered messages.
func WithID(id string) EnqueueOption {
	return func(m *Message) { m.ID = id }
}
