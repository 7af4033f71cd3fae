package bus

import (
	"time"

	"github.com/google/uuid"
)

// Scope is the audience tag for an event.
type Scope string

const (
	ScopeGlobal Scope = "GLOBAL"
	ScopeSI     Scope = "SI_SERVICES"
	ScopeAPP    Scope = "APP_SERVICES"
	ScopeHybrid Scope = "HYBRID"
	ScopeTenant Scope = "TENANT"
)

// Compatible reports whether a handler registered with scope s should see an
// event tagged with other. GLOBAL on either side matches everything.
func (s Scope) Compatible(other Scope) bool {
	return s == ScopeGlobal || other == ScopeGlobal || s == other
}

// Priority orders event processing. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityNormal:   "NORMAL",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

func (p Priority) String() string {
	if n, ok := priorityNames[p]; ok {
		return n
	}
	return "NORMAL"
}

// ParsePriority converts a priority name to a Priority, defaulting to NORMAL.
func ParsePriority(s string) Priority {
	switch s {
	case "LOW", "low":
		return PriorityLow
	case "HIGH", "high":
		return PriorityHigh
	case "CRITICAL", "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// MarshalJSON serializes priorities as their string name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// UnmarshalJSON accepts the string name form.
func (p *Priority) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	*p = ParsePriority(s)
	return nil
}

// Event is the immutable record that flows through the bus.
type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Payload       map[string]interface{} `json:"payload"`
	Source        string                 `json:"source"`
	Scope         Scope                  `json:"scope"`
	Priority      Priority               `json:"priority"`
	Timestamp     time.Time              `json:"timestamp"`
	TenantID      string                 `json:"tenant_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
	Tags          []string               `json:"tags,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

func newEvent(eventType string, payload map[string]interface{}) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Payload:    payload,
		Scope:      ScopeGlobal,
		Priority:   PriorityNormal,
		Timestamp:  time.Now().UTC(),
		MaxRetries: defaultMaxRetries,
	}
}

// EventStatus tracks an event through its lifecycle on the bus.
type EventStatus string

const (
	StatusPending    EventStatus = "PENDING"
	StatusProcessing EventStatus = "PROCESSING"
	StatusCompleted  EventStatus = "COMPLETED"
	StatusRetry      EventStatus = "RETRY"
	StatusFailed     EventStatus = "FAILED"
	StatusDeadLetter EventStatus = "DEAD_LETTER"
)
