package errorcoord

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/bus"
)

const (
	// ReportedEventType carries error reports from services to the
	// coordinator.
	ReportedEventType = "error.reported"
	// EscalatedEventType announces a critical system error.
	EscalatedEventType = "error.escalated"
	// BreakerOpenRequestEventType asks the owning service to open its
	// circuit breaker after repeated failures.
	BreakerOpenRequestEventType = "circuit_breaker.open.requested"

	maxRetainedRecords = 1000
)

// Config tunes the coordinator.
type Config struct {
	// FailureThreshold is the per-service failure count that triggers a
	// breaker-open request.
	FailureThreshold int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	return c
}

// Coordinator correlates error occurrences into patterns and drives the
// registered per-category handlers. It is a convenience layer: it emits
// escalations and breaker requests but implements neither.
type Coordinator struct {
	cfg Config
	log *zap.Logger
	bus *bus.Bus

	mu              sync.RWMutex
	records         []*Record
	patterns        map[string]*Pattern
	handlers        map[Category][]Handler
	typeHandlers    map[string][]Handler
	serviceFailures map[string]int
	escalations     int
	breakerRequests int

	subID string
}

// New builds an error coordinator with the built-in handlers installed.
func New(cfg Config, eventBus *bus.Bus, log *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:             cfg.withDefaults(),
		log:             log.With(zap.String("module", "error_coordinator")),
		bus:             eventBus,
		patterns:        make(map[string]*Pattern),
		handlers:        builtinHandlers(),
		typeHandlers:    make(map[string][]Handler),
		serviceFailures: make(map[string]int),
	}
}

// RegisterHandler adds a handler for one error category.
func (c *Coordinator) RegisterHandler(category Category, h Handler) {
	c.mu.Lock()
	c.handlers[category] = append(c.handlers[category], h)
	c.mu.Unlock()
}

// RegisterTypeHandler adds a handler keyed on the concrete error type.
func (c *Coordinator) RegisterTypeHandler(errorType string, h Handler) {
	c.mu.Lock()
	c.typeHandlers[errorType] = append(c.typeHandlers[errorType], h)
	c.mu.Unlock()
}

// Start subscribes the coordinator to reported errors on the bus.
func (c *Coordinator) Start(ctx context.Context) error {
	subID, err := c.bus.Subscribe(ReportedEventType, func(ctx context.Context, ev *bus.Event) error {
		var report Report
		if err := mapstructure.Decode(ev.Payload, &report); err != nil {
			c.log.Error("Failed to decode error report", zap.Error(err))
			return nil
		}
		if report.TenantID == "" {
			report.TenantID = ev.TenantID
		}
		_, err := c.ReportError(ctx, report)
		return err
	}, bus.WithSubscriber("error_coordinator"))
	if err != nil {
		return fmt.Errorf("failed to subscribe to error reports: %w", err)
	}
	c.subID = subID
	return nil
}

// Stop detaches the coordinator from the bus.
func (c *Coordinator) Stop() {
	if c.subID != "" {
		if err := c.bus.Unsubscribe(c.subID); err != nil {
			c.log.Debug("Bus unsubscribe failed", zap.Error(err))
		}
	}
}

// ReportError fingerprints one occurrence, folds it into its pattern and
// runs the matching handlers.
func (c *Coordinator) ReportError(ctx context.Context, report Report) (*Record, error) {
	if report.ErrorType == "" {
		return nil, fmt.Errorf("error_type must not be empty")
	}
	if report.Severity == "" {
		report.Severity = SeverityMedium
	}

	template := Template(report.Message)
	rec := &Record{
		ID:          uuid.NewString(),
		Fingerprint: Fingerprint(report.ErrorType, report.Category, report.ServiceName, report.Operation, template),
		Report:      report,
		Template:    template,
		OccurredAt:  time.Now().UTC(),
		Hints:       make(map[string]interface{}),
	}

	c.mu.Lock()
	c.records = append(c.records, rec)
	if len(c.records) > maxRetainedRecords {
		c.records = c.records[len(c.records)-maxRetainedRecords:]
	}

	pattern, ok := c.patterns[rec.Fingerprint]
	if !ok {
		pattern = &Pattern{
			Fingerprint: rec.Fingerprint,
			ErrorType:   report.ErrorType,
			Category:    report.Category,
			ServiceName: report.ServiceName,
			Template:    template,
			FirstSeen:   rec.OccurredAt,
		}
		c.patterns[rec.Fingerprint] = pattern
	}
	pattern.Frequency++
	pattern.LastSeen = rec.OccurredAt
	if report.Operation != "" && !contains(pattern.AffectedOperations, report.Operation) {
		pattern.AffectedOperations = append(pattern.AffectedOperations, report.Operation)
	}

	c.serviceFailures[report.ServiceName]++
	tripBreaker := report.ServiceName != "" && c.serviceFailures[report.ServiceName] >= c.cfg.FailureThreshold
	if tripBreaker {
		c.serviceFailures[report.ServiceName] = 0
		c.breakerRequests++
	}

	handlers := append([]Handler{}, c.handlers[report.Category]...)
	handlers = append(handlers, c.typeHandlers[report.ErrorType]...)
	c.mu.Unlock()

	if tripBreaker {
		c.requestBreakerOpen(ctx, report.ServiceName)
	}
	for _, h := range handlers {
		if err := h(ctx, c, rec); err != nil {
			c.log.Warn("Error handler failed",
				zap.String("fingerprint", rec.Fingerprint), zap.Error(err))
		}
	}

	c.log.Debug("Error reported",
		zap.String("fingerprint", rec.Fingerprint),
		zap.String("error_type", report.ErrorType),
		zap.String("service", report.ServiceName))
	return rec, nil
}

// Pattern returns the aggregate for one fingerprint.
func (c *Coordinator) Pattern(fingerprint string) (*Pattern, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.patterns[fingerprint]
	return p, ok
}

// Patterns returns all patterns sorted by frequency descending.
func (c *Coordinator) Patterns() []*Pattern {
	c.mu.RLock()
	out := make([]*Pattern, 0, len(c.patterns))
	for _, p := range c.patterns {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Records returns the most recent occurrences, newest first.
func (c *Coordinator) Records(limit int) []*Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, c.records[i])
	}
	return out
}

// GetStats summarises the registries.
func (c *Coordinator) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := Stats{
		TotalReports:    len(c.records),
		PatternCount:    len(c.patterns),
		ByCategory:      make(map[Category]int),
		ByService:       make(map[string]int),
		Escalations:     c.escalations,
		BreakerRequests: c.breakerRequests,
	}
	for _, rec := range c.records {
		stats.ByCategory[rec.Report.Category]++
		stats.ByService[rec.Report.ServiceName]++
	}
	return stats
}

// suggestAction appends a deduplicated suggested action to a pattern.
func (c *Coordinator) suggestAction(fingerprint, action string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.patterns[fingerprint]
	if !ok || contains(p.SuggestedActions, action) {
		return
	}
	p.SuggestedActions = append(p.SuggestedActions, action)
}

func (c *Coordinator) escalate(ctx context.Context, rec *Record) {
	c.mu.Lock()
	c.escalations++
	c.mu.Unlock()
	c.emit(ctx, EscalatedEventType, map[string]interface{}{
		"fingerprint": rec.Fingerprint,
		"error_type":  rec.Report.ErrorType,
		"service":     rec.Report.ServiceName,
		"operation":   rec.Report.Operation,
		"severity":    string(rec.Report.Severity),
		"message":     rec.Report.Message,
	}, bus.PriorityCritical)
}

func (c *Coordinator) requestBreakerOpen(ctx context.Context, serviceName string) {
	c.log.Warn("Service failure threshold reached, requesting breaker open",
		zap.String("service", serviceName),
		zap.Int("threshold", c.cfg.FailureThreshold))
	c.emit(ctx, BreakerOpenRequestEventType, map[string]interface{}{
		"service":   serviceName,
		"threshold": c.cfg.FailureThreshold,
	}, bus.PriorityHigh)
}

func (c *Coordinator) emit(ctx context.Context, eventType string, payload map[string]interface{}, priority bus.Priority) {
	if _, err := c.bus.Emit(ctx, eventType, payload,
		bus.WithSource("error_coordinator"),
		bus.WithPriority(priority)); err != nil {
		c.log.Debug("Error event emit failed", zap.String("event", eventType), zap.Error(err))
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
