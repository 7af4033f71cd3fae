package deadletter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/bus"
	"github.com/taxpoynt/messagefabric/internal/queue"
	"github.com/taxpoynt/messagefabric/pkg/json"
	"github.com/taxpoynt/messagefabric/pkg/metrics"
)

const (
	// ReceivedEventType announces a new dead letter.
	ReceivedEventType = "dead_letter.message.received"
	// ReplayEventType announces a replay into a live queue.
	ReplayEventType = "dead_letter.message.replay"
	// DiscardedEventType announces a terminal discard.
	DiscardedEventType = "dead_letter.message.discarded"
	// ManualInterventionEventType alerts operators.
	ManualInterventionEventType = "dead_letter.alert.manual_intervention"

	recoveryEventPrefix = "dead_letter.recovery."
	patternCap          = 100
)

// Config tunes the handler.
type Config struct {
	StorageDir          string
	PoisonThreshold     int
	MaxRecoveryAttempts int
	Retention           time.Duration
}

func (c Config) withDefaults() Config {
	if c.PoisonThreshold <= 0 {
		c.PoisonThreshold = defaultPoisonThreshold
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 3
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

// Handler owns failed messages after the queues give up on them.
type Handler struct {
	cfg    Config
	log    *zap.Logger
	bus    *bus.Bus
	queues *queue.Manager

	mu         sync.RWMutex
	messages   map[string]*DeadLetterMessage
	patterns   map[string][]string
	recurrence map[string]int

	detectors []PoisonDetector
	analyzers map[FailureReason]Analyzer

	cron     *cron.Cron
	busSubID string
}

// NewHandler builds a dead-letter handler.
func NewHandler(cfg Config, queues *queue.Manager, eventBus *bus.Bus, log *zap.Logger) *Handler {
	return &Handler{
		cfg:        cfg.withDefaults(),
		log:        log.With(zap.String("module", "dead_letter")),
		bus:        eventBus,
		queues:     queues,
		messages:   make(map[string]*DeadLetterMessage),
		patterns:   make(map[string][]string),
		recurrence: make(map[string]int),
		detectors:  builtinDetectors(),
		analyzers:  builtinAnalyzers(),
		cron:       cron.New(),
	}
}

// RegisterDetector appends a custom poison detector.
func (h *Handler) RegisterDetector(d PoisonDetector) {
	h.mu.Lock()
	h.detectors = append(h.detectors, d)
	h.mu.Unlock()
}

// RegisterAnalyzer installs or replaces the analyzer for a reason.
func (h *Handler) RegisterAnalyzer(reason FailureReason, a Analyzer) {
	h.mu.Lock()
	h.analyzers[reason] = a
	h.mu.Unlock()
}

// Start subscribes to event-bus dead letters and schedules cleanup.
func (h *Handler) Start(ctx context.Context) error {
	subID, err := h.bus.Subscribe("system.event.dead_letter", func(ctx context.Context, ev *bus.Event) error {
		return h.consumeBusDeadLetter(ctx, ev)
	}, bus.WithSubscriber("dead_letter_handler"))
	if err != nil {
		return fmt.Errorf("failed to subscribe to bus dead letters: %w", err)
	}
	h.busSubID = subID

	if _, err := h.cron.AddFunc("@daily", func() { h.cleanup() }); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}
	h.cron.Start()
	return nil
}

// Stop halts background work.
func (h *Handler) Stop() {
	<-h.cron.Stop().Done()
	if h.busSubID != "" {
		if err := h.bus.Unsubscribe(h.busSubID); err != nil {
			h.log.Debug("Bus unsubscribe failed", zap.Error(err))
		}
	}
}

// AttachQueue wires a queue's dead-letter sink into the handler.
func (h *Handler) AttachQueue(q *queue.Queue, sourceService string) {
	q.SetDeadLetterFunc(func(msg *queue.Message, reason string) {
		failureReason := ReasonRetryExhausted
		if msg.Expired(time.Now().UTC()) {
			failureReason = ReasonTimeout
		}
		if _, err := h.HandleFailedMessage(context.Background(), msg, failureReason, reason, sourceService); err != nil {
			h.log.Error("Failed to absorb dead-lettered message",
				zap.String("message_id", msg.ID), zap.Error(err))
		}
	})
}

// consumeBusDeadLetter converts a bus-level dead letter into a record.
func (h *Handler) consumeBusDeadLetter(ctx context.Context, ev *bus.Event) error {
	retryCount := 0
	if n, ok := ev.Payload["retry_count"].(int); ok {
		retryCount = n
	}
	msg := &queue.Message{
		ID:         fmt.Sprint(ev.Payload["original_event_id"]),
		QueueName:  "event_bus",
		Payload:    ev.Payload,
		Priority:   ev.Priority,
		Status:     queue.StatusDeadLetter,
		CreatedAt:  ev.Timestamp,
		RetryCount: retryCount,
		TenantID:   ev.TenantID,
	}
	_, err := h.HandleFailedMessage(ctx, msg, ReasonRetryExhausted,
		fmt.Sprint(ev.Payload["failure_reason"]), fmt.Sprint(ev.Payload["original_event_type"]))
	return err
}

// HandleFailedMessage records a failure, runs poison detection and
// analysis, and auto-attempts confident recovery plans.
func (h *Handler) HandleFailedMessage(ctx context.Context, msg *queue.Message, reason FailureReason, errMsg, sourceService string) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message must not be nil")
	}
	now := time.Now().UTC()
	dlm := &DeadLetterMessage{
		ID:       uuid.NewString(),
		Original: msg,
		Failure: FailureContext{
			FailureID:     uuid.NewString(),
			Reason:        reason,
			ErrorMessage:  errMsg,
			SourceService: sourceService,
			SourceQueue:   msg.QueueName,
			FailedAt:      now,
			RetryCount:    msg.RetryCount,
		},
		Status:    RecordActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	h.mu.Lock()
	recurrenceKey := msg.ID
	if msg.CorrelationID != "" {
		recurrenceKey = msg.CorrelationID
	}
	h.recurrence[recurrenceKey]++

	for _, detect := range h.detectors {
		if detect(h, dlm) {
			dlm.IsPoison = true
			break
		}
	}
	dlm.PriorityScore = priorityScore(dlm)

	patternKey := string(reason) + "|" + sourceService
	ids := append(h.patterns[patternKey], dlm.ID)
	if len(ids) > patternCap {
		ids = ids[len(ids)-patternCap:]
	}
	h.patterns[patternKey] = ids

	if analyzer, ok := h.analyzers[reason]; ok {
		analysis := analyzer(dlm)
		dlm.Analysis = &analysis
	}
	dlm.Plan = buildRecoveryPlan(dlm)
	h.messages[dlm.ID] = dlm
	h.mu.Unlock()

	metrics.DeadLetters.WithLabelValues(string(reason)).Inc()
	h.emit(ctx, ReceivedEventType, map[string]interface{}{
		"dead_letter_id": dlm.ID,
		"message_id":     msg.ID,
		"reason":         string(reason),
		"source_service": sourceService,
		"source_queue":   msg.QueueName,
		"is_poison":      dlm.IsPoison,
		"priority_score": dlm.PriorityScore,
	})

	h.log.Warn("Dead letter received",
		zap.String("dead_letter_id", dlm.ID),
		zap.String("reason", string(reason)),
		zap.Bool("poison", dlm.IsPoison),
		zap.Float64("priority_score", dlm.PriorityScore))

	if dlm.Plan.Confidence > 0.8 && dlm.RecoveryAttempts < h.cfg.MaxRecoveryAttempts {
		if err := h.RecoverMessage(ctx, dlm.ID, dlm.Plan.Actions[0]); err != nil {
			h.log.Warn("Automatic recovery failed",
				zap.String("dead_letter_id", dlm.ID), zap.Error(err))
		}
	}
	return dlm.ID, nil
}

// RecoverMessage executes one recovery action against a dead letter.
func (h *Handler) RecoverMessage(ctx context.Context, deadLetterID string, action RecoveryAction) error {
	h.mu.Lock()
	dlm, ok := h.messages[deadLetterID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("dead letter %s not found", deadLetterID)
	}
	if dlm.RecoveryAttempts >= h.cfg.MaxRecoveryAttempts && action != ActionDiscard && action != ActionArchive {
		h.mu.Unlock()
		return fmt.Errorf("dead letter %s exhausted its recovery attempts", deadLetterID)
	}
	dlm.RecoveryAttempts++
	dlm.UpdatedAt = time.Now().UTC()
	h.mu.Unlock()

	h.emit(ctx, recoveryEventPrefix+"attempted", map[string]interface{}{
		"dead_letter_id": deadLetterID,
		"action":         string(action),
		"attempt":        dlm.RecoveryAttempts,
	})

	var err error
	switch action {
	case ActionRetry:
		err = h.requeue(ctx, dlm, dlm.Failure.SourceQueue, dlm.Original.Payload)
	case ActionTransformRetry:
		err = h.requeue(ctx, dlm, dlm.Failure.SourceQueue, normalisePayload(dlm.Original.Payload))
	case ActionRouteAlternative:
		err = h.routeAlternative(ctx, dlm)
	case ActionManualIntervention:
		h.emit(ctx, ManualInterventionEventType, map[string]interface{}{
			"dead_letter_id": deadLetterID,
			"reason":         string(dlm.Failure.Reason),
			"error":          dlm.Failure.ErrorMessage,
			"priority_score": dlm.PriorityScore,
		})
	case ActionDiscard:
		return h.DiscardMessage(ctx, deadLetterID, "recovery plan discard")
	case ActionArchive:
		err = h.archive(dlm, RecordArchived)
	default:
		err = fmt.Errorf("unknown recovery action %q", action)
	}

	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	h.emit(ctx, recoveryEventPrefix+outcome, map[string]interface{}{
		"dead_letter_id": deadLetterID,
		"action":         string(action),
	})
	return err
}

// ReplayMessage re-enqueues the original message into a target queue.
func (h *Handler) ReplayMessage(ctx context.Context, deadLetterID, targetQueue string) error {
	h.mu.RLock()
	dlm, ok := h.messages[deadLetterID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("dead letter %s not found", deadLetterID)
	}
	if err := h.requeue(ctx, dlm, targetQueue, dlm.Original.Payload); err != nil {
		return err
	}
	h.emit(ctx, ReplayEventType, map[string]interface{}{
		"dead_letter_id": deadLetterID,
		"target_queue":   targetQueue,
	})
	return nil
}

// DiscardMessage terminally drops a dead letter, archiving its record.
func (h *Handler) DiscardMessage(ctx context.Context, deadLetterID, reason string) error {
	h.mu.Lock()
	dlm, ok := h.messages[deadLetterID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("dead letter %s not found", deadLetterID)
	}
	dlm.Status = RecordDiscarded
	dlm.UpdatedAt = time.Now().UTC()
	h.mu.Unlock()

	if err := h.writeArchive(dlm); err != nil {
		h.log.Warn("Failed to archive discarded dead letter", zap.Error(err))
	}
	h.emit(ctx, DiscardedEventType, map[string]interface{}{
		"dead_letter_id": deadLetterID,
		"reason":         reason,
	})
	return nil
}

// ListDeadLetters returns matching records sorted by priority score
// descending.
func (h *Handler) ListDeadLetters(filter ListFilter, limit int) []*DeadLetterMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*DeadLetterMessage
	for _, dlm := range h.messages {
		if filter.Reason != "" && dlm.Failure.Reason != filter.Reason {
			continue
		}
		if filter.SourceService != "" && dlm.Failure.SourceService != filter.SourceService {
			continue
		}
		if filter.SourceQueue != "" && dlm.Failure.SourceQueue != filter.SourceQueue {
			continue
		}
		if filter.Status != "" && dlm.Status != filter.Status {
			continue
		}
		if filter.PoisonOnly && !dlm.IsPoison {
			continue
		}
		out = append(out, dlm)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Get returns one record.
func (h *Handler) Get(deadLetterID string) (*DeadLetterMessage, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dlm, ok := h.messages[deadLetterID]
	return dlm, ok
}

// GetStats summarises the registry.
func (h *Handler) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{
		ByReason:    make(map[FailureReason]int),
		ByStatus:    make(map[RecordStatus]int),
		PatternKeys: len(h.patterns),
	}
	for _, dlm := range h.messages {
		stats.Total++
		stats.ByReason[dlm.Failure.Reason]++
		stats.ByStatus[dlm.Status]++
		if dlm.IsPoison {
			stats.Poison++
		}
		switch dlm.Status {
		case RecordRecovered:
			stats.Recovered++
		case RecordDiscarded:
			stats.Discarded++
		case RecordArchived:
			stats.Archived++
		}
	}
	return stats
}

func (h *Handler) requeue(ctx context.Context, dlm *DeadLetterMessage, queueName string, payload map[string]interface{}) error {
	q, ok := h.queues.Get(queueName)
	if !ok {
		return fmt.Errorf("queue %s not found", queueName)
	}
	opts := []queue.EnqueueOption{queue.WithPriority(dlm.Original.Priority)}
	if dlm.Original.CorrelationID != "" {
		opts = append(opts, queue.WithCorrelation(dlm.Original.CorrelationID))
	}
	if dlm.Original.TenantID != "" {
		opts = append(opts, queue.WithTenant(dlm.Original.TenantID))
	}
	if _, err := q.Enqueue(ctx, payload, opts...); err != nil {
		return fmt.Errorf("failed to requeue dead letter: %w", err)
	}
	h.mu.Lock()
	dlm.Status = RecordRecovered
	dlm.UpdatedAt = time.Now().UTC()
	h.mu.Unlock()
	return nil
}

// routeAlternative requeues onto the source queue's fallback sibling.
func (h *Handler) routeAlternative(ctx context.Context, dlm *DeadLetterMessage) error {
	alt := dlm.Failure.SourceQueue + "_fallback"
	if _, ok := h.queues.Get(alt); !ok {
		return fmt.Errorf("no fallback queue %s available", alt)
	}
	return h.requeue(ctx, dlm, alt, dlm.Original.Payload)
}

func (h *Handler) archive(dlm *DeadLetterMessage, status RecordStatus) error {
	h.mu.Lock()
	dlm.Status = status
	dlm.UpdatedAt = time.Now().UTC()
	h.mu.Unlock()
	return h.writeArchive(dlm)
}

// writeArchive persists the record as JSON under <storage>/archived.
func (h *Handler) writeArchive(dlm *DeadLetterMessage) error {
	if h.cfg.StorageDir == "" {
		return nil
	}
	dir := filepath.Join(h.cfg.StorageDir, "archived")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	h.mu.RLock()
	data, err := json.Marshal(dlm)
	h.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	path := filepath.Join(dir, dlm.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write archive file: %w", err)
	}
	return nil
}

// cleanup drops records past the retention window, archived first, and
// removes their files.
func (h *Handler) cleanup() {
	cutoff := time.Now().UTC().Add(-h.cfg.Retention)

	h.mu.Lock()
	var removed []string
	for pass := 0; pass < 2; pass++ {
		for id, dlm := range h.messages {
			if !dlm.UpdatedAt.Before(cutoff) {
				continue
			}
			archivedPass := pass == 0
			isArchived := dlm.Status == RecordArchived || dlm.Status == RecordDiscarded
			if archivedPass != isArchived {
				continue
			}
			delete(h.messages, id)
			removed = append(removed, id)
		}
	}
	h.mu.Unlock()

	if h.cfg.StorageDir != "" {
		for _, id := range removed {
			path := filepath.Join(h.cfg.StorageDir, "archived", id+".json")
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				h.log.Debug("Failed to remove archive file", zap.String("path", path), zap.Error(err))
			}
		}
	}
	if len(removed) > 0 {
		h.log.Info("Dead letter cleanup", zap.Int("removed", len(removed)))
	}
}

func (h *Handler) emit(ctx context.Context, eventType string, payload map[string]interface{}) {
	if _, err := h.bus.Emit(ctx, eventType, payload,
		bus.WithSource("dead_letter_handler"),
		bus.WithPriority(bus.PriorityHigh)); err != nil {
		h.log.Debug("Dead letter event emit failed", zap.String("event", eventType), zap.Error(err))
	}
}

// normalisePayload strips nil values so format-sensitive consumers get a
// cleaner retry payload.
func normalisePayload(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if v == nil {
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = normalisePayload(nested)
			continue
		}
		out[k] = v
	}
	return out
}
