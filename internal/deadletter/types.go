package deadletter

import (
	"time"

	"github.com/taxpoynt/messagefabric/internal/queue"
)

// FailureReason classifies why a message ended up dead-lettered.
type FailureReason string

const (
	ReasonProcessingError     FailureReason = "PROCESSING_ERROR"
	ReasonTimeout             FailureReason = "TIMEOUT"
	ReasonInvalidFormat       FailureReason = "INVALID_FORMAT"
	ReasonConsumerUnavailable FailureReason = "CONSUMER_UNAVAILABLE"
	ReasonRetryExhausted      FailureReason = "RETRY_EXHAUSTED"
	ReasonPoisonMessage       FailureReason = "POISON_MESSAGE"
	ReasonResourceUnavailable FailureReason = "RESOURCE_UNAVAILABLE"
	ReasonPermissionDenied    FailureReason = "PERMISSION_DENIED"
	ReasonDependencyFailure   FailureReason = "DEPENDENCY_FAILURE"
	ReasonCircuitBreakerOpen  FailureReason = "CIRCUIT_BREAKER_OPEN"
)

// basePriorityScore is the per-reason starting score; urgent-to-recover
// reasons score high, unrecoverable ones score low.
var basePriorityScore = map[FailureReason]float64{
	ReasonCircuitBreakerOpen:  0.9,
	ReasonDependencyFailure:   0.8,
	ReasonResourceUnavailable: 0.7,
	ReasonConsumerUnavailable: 0.6,
	ReasonTimeout:             0.5,
	ReasonProcessingError:     0.4,
	ReasonRetryExhausted:      0.3,
	ReasonPermissionDenied:    0.2,
	ReasonInvalidFormat:       0.1,
	ReasonPoisonMessage:       0.0,
}

// RecoveryAction is one step of a recovery plan.
type RecoveryAction string

const (
	ActionRetry              RecoveryAction = "RETRY"
	ActionRouteAlternative   RecoveryAction = "ROUTE_ALTERNATIVE"
	ActionTransformRetry     RecoveryAction = "TRANSFORM_RETRY"
	ActionManualIntervention RecoveryAction = "MANUAL_INTERVENTION"
	ActionDiscard            RecoveryAction = "DISCARD"
	ActionArchive            RecoveryAction = "ARCHIVE"
)

// RecordStatus tracks a dead letter through its afterlife.
type RecordStatus string

const (
	RecordActive    RecordStatus = "ACTIVE"
	RecordRecovered RecordStatus = "RECOVERED"
	RecordDiscarded RecordStatus = "DISCARDED"
	RecordArchived  RecordStatus = "ARCHIVED"
)

// FailureContext captures the circumstances of one failure.
type FailureContext struct {
	FailureID     string        `json:"failure_id"`
	Reason        FailureReason `json:"reason"`
	ErrorMessage  string        `json:"error_message"`
	SourceService string        `json:"source_service"`
	SourceQueue   string        `json:"source_queue"`
	FailedAt      time.Time     `json:"failed_at"`
	RetryCount    int           `json:"retry_count"`
	StackTrace    string        `json:"stack_trace,omitempty"`
}

// Analysis is the outcome of the per-reason analyzer.
type Analysis struct {
	Transient      bool   `json:"transient"`
	Classification string `json:"classification"`
	ProposedAction RecoveryAction `json:"proposed_action"`
	Detail         string `json:"detail,omitempty"`
}

// RecoveryPlan is an ordered action list with a confidence estimate.
type RecoveryPlan struct {
	Actions              []RecoveryAction `json:"actions"`
	Confidence           float64          `json:"confidence"`
	EstimatedSuccessRate float64          `json:"estimated_success_rate"`
	Reasoning            string           `json:"reasoning"`
}

// DeadLetterMessage wraps the failed message with failure context and the
// handler's assessment.
type DeadLetterMessage struct {
	ID               string         `json:"id"`
	Original         *queue.Message `json:"original"`
	Failure          FailureContext `json:"failure"`
	RecoveryAttempts int            `json:"recovery_attempts"`
	PriorityScore    float64        `json:"priority_score"`
	IsPoison         bool           `json:"is_poison"`
	Analysis         *Analysis      `json:"analysis,omitempty"`
	Plan             *RecoveryPlan  `json:"plan,omitempty"`
	Status           RecordStatus   `json:"status"`
	Tags             []string       `json:"tags,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ListFilter narrows ListDeadLetters results. Zero values match all.
type ListFilter struct {
	Reason        FailureReason
	SourceService string
	SourceQueue   string
	Status        RecordStatus
	PoisonOnly    bool
}

// Stats summarises the handler's registry.
type Stats struct {
	Total       int                   `json:"total"`
	Poison      int                   `json:"poison"`
	ByReason    map[FailureReason]int `json:"by_reason"`
	ByStatus    map[RecordStatus]int  `json:"by_status"`
	Recovered   int                   `json:"recovered"`
	Discarded   int                   `json:"discarded"`
	Archived    int                   `json:"archived"`
	PatternKeys int                   `json:"pattern_keys"`
}
