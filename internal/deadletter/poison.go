package deadletter

import (
	"strings"

	"github.com/taxpoynt/messagefabric/pkg/json"
)

const (
	defaultPoisonThreshold = 5
	recurrenceThreshold    = 3
	oversizeBytes          = 1 << 20
	maxNestingDepth        = 20
)

// formatErrorKeywords mark an error message as a format-class failure.
var formatErrorKeywords = []string{"json", "parse", "decode", "format", "schema", "validation"}

// PoisonDetector flags messages that will never process successfully.
// Detectors receive the handler so they can consult the recurrence registry.
type PoisonDetector func(h *Handler, dlm *DeadLetterMessage) bool

func builtinDetectors() []PoisonDetector {
	return []PoisonDetector{
		detectRetryExcess,
		detectRecurrence,
		detectFormatError,
		detectOversizedPayload,
	}
}

// detectRetryExcess flags messages past the poison retry threshold.
func detectRetryExcess(h *Handler, dlm *DeadLetterMessage) bool {
	return dlm.Failure.RetryCount >= h.cfg.PoisonThreshold
}

// detectRecurrence flags messages whose id or correlation id keeps coming
// back.
func detectRecurrence(h *Handler, dlm *DeadLetterMessage) bool {
	key := dlm.Original.ID
	if dlm.Original.CorrelationID != "" {
		key = dlm.Original.CorrelationID
	}
	return h.recurrence[key] >= recurrenceThreshold
}

// detectFormatError flags format-class failures by reason or by keywords
// in the error message.
func detectFormatError(_ *Handler, dlm *DeadLetterMessage) bool {
	if dlm.Failure.Reason == ReasonInvalidFormat {
		return true
	}
	msg := strings.ToLower(dlm.Failure.ErrorMessage)
	for _, kw := range formatErrorKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// detectOversizedPayload flags payloads over 1 MB serialized or nested
// deeper than the processing layers tolerate.
func detectOversizedPayload(_ *Handler, dlm *DeadLetterMessage) bool {
	if dlm.Original.Payload == nil {
		return false
	}
	if data, err := json.Marshal(dlm.Original.Payload); err == nil && len(data) > oversizeBytes {
		return true
	}
	return nestingDepth(dlm.Original.Payload, 0) > maxNestingDepth
}

func nestingDepth(v interface{}, depth int) int {
	if depth > maxNestingDepth {
		return depth
	}
	deepest := depth
	switch typed := v.(type) {
	case map[string]interface{}:
		for _, child := range typed {
			if d := nestingDepth(child, depth+1); d > deepest {
				deepest = d
			}
		}
	case []interface{}:
		for _, child := range typed {
			if d := nestingDepth(child, depth+1); d > deepest {
				deepest = d
			}
		}
	}
	return deepest
}

// priorityScore ranks a dead letter for recovery attention.
func priorityScore(dlm *DeadLetterMessage) float64 {
	score, ok := basePriorityScore[dlm.Failure.Reason]
	if !ok {
		score = 0.4
	}
	switch dlm.Original.Priority.String() {
	case "CRITICAL":
		score += 0.1
	case "HIGH":
		score += 0.05
	}
	if dlm.Original.TenantID != "" {
		score += 0.05
	}
	if dlm.IsPoison {
		score *= 0.1
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
