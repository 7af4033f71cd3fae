// Package health runs periodic supervised checks against registered
// services and aggregates an overall platform status into the shared store.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/pkg/redis"
)

// Status classifies a monitored service.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusUnknown   Status = "UNKNOWN"
)

const (
	historyLimit      = 100
	aggregateInterval = 10 * time.Second
	statusTTL         = 5 * time.Minute
	statusKey         = "taxpoynt:health_status"
)

// CheckFunc probes one service. It must be idempotent.
type CheckFunc func(ctx context.Context) error

// CheckConfig tunes one service's supervision loop.
type CheckConfig struct {
	Interval           time.Duration
	Timeout            time.Duration
	Retries            int
	RetryDelay         time.Duration
	DegradedThreshold  time.Duration
	UnhealthyThreshold int
}

func (c CheckConfig) withDefaults() CheckConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 2 * time.Second
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	return c
}

// HistoryEntry is one completed check.
type HistoryEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Status         Status    `json:"status"`
	ResponseTimeMS float64   `json:"response_time_ms"`
}

// ServiceMetrics is the rolling record for one monitored service.
type ServiceMetrics struct {
	Status              Status         `json:"status"`
	LastCheck           time.Time      `json:"last_check"`
	LastSuccess         time.Time      `json:"last_success"`
	LastFailure         time.Time      `json:"last_failure"`
	ResponseTimeMS      float64        `json:"response_time_ms"`
	SuccessCount        int64          `json:"success_count"`
	FailureCount        int64          `json:"failure_count"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	UptimePercentage    float64        `json:"uptime_percentage"`
	History             []HistoryEntry `json:"history,omitempty"`
}

// Snapshot is the aggregate returned by GetHealthStatus.
type Snapshot struct {
	Overall   Status                    `json:"overall"`
	Services  map[string]ServiceMetrics `json:"services"`
	Timestamp time.Time                 `json:"timestamp"`
}

type monitored struct {
	name    string
	check   CheckFunc
	cfg     CheckConfig
	metrics ServiceMetrics
	cancel  context.CancelFunc
}

// Checker supervises all registered service checks.
type Checker struct {
	log   *zap.Logger
	store *redis.Client

	mu       sync.RWMutex
	services map[string]*monitored

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewChecker builds a checker. The store is optional; without it the
// aggregate status stays in process memory only.
func NewChecker(store *redis.Client, log *zap.Logger) *Checker {
	return &Checker{
		log:      log.With(zap.String("module", "health_checker")),
		store:    store,
		services: make(map[string]*monitored),
	}
}

// Register adds a service. If the checker is running, supervision begins
// immediately.
func (c *Checker) Register(name string, check CheckFunc, cfg CheckConfig) {
	m := &monitored{
		name:  name,
		check: check,
		cfg:   cfg.withDefaults(),
		metrics: ServiceMetrics{
			Status: StatusUnknown,
		},
	}
	c.mu.Lock()
	if old, ok := c.services[name]; ok && old.cancel != nil {
		old.cancel()
	}
	c.services[name] = m
	started := c.started
	c.mu.Unlock()

	if started {
		c.superviseService(m)
	}
}

// Unregister stops supervising a service.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.services[name]; ok {
		if m.cancel != nil {
			m.cancel()
		}
		delete(c.services, name)
	}
}

// Start launches per-service supervisors and the aggregator loop.
func (c *Checker) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.started = true
	services := make([]*monitored, 0, len(c.services))
	for _, m := range c.services {
		services = append(services, m)
	}
	c.mu.Unlock()

	for _, m := range services {
		c.superviseService(m)
	}

	c.wg.Add(1)
	go c.runAggregator()
	return nil
}

// Stop cancels supervision and waits for loops to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Checker) superviseService(m *monitored) {
	runCtx, cancel := context.WithCancel(c.runCtx)
	m.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		c.performCheck(runCtx, m)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.performCheck(runCtx, m)
			}
		}
	}()
}

// performCheck runs one check with retries and updates the metrics.
func (c *Checker) performCheck(ctx context.Context, m *monitored) {
	start := time.Now()
	err := c.checkWithRetries(ctx, m)
	elapsed := time.Since(start)
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	m.metrics.LastCheck = now
	m.metrics.ResponseTimeMS = float64(elapsed.Milliseconds())

	if err != nil {
		m.metrics.FailureCount++
		m.metrics.ConsecutiveFailures++
		m.metrics.LastFailure = now
		c.log.Warn("Health check failed",
			zap.String("service", m.name),
			zap.Int("consecutive_failures", m.metrics.ConsecutiveFailures),
			zap.Error(err))
	} else {
		m.metrics.SuccessCount++
		m.metrics.ConsecutiveFailures = 0
		m.metrics.LastSuccess = now
	}

	total := m.metrics.SuccessCount + m.metrics.FailureCount
	if total > 0 {
		m.metrics.UptimePercentage = float64(m.metrics.SuccessCount) / float64(total) * 100
	}
	m.metrics.Status = deriveStatus(m, elapsed)

	m.metrics.History = append(m.metrics.History, HistoryEntry{
		Timestamp:      now,
		Status:         m.metrics.Status,
		ResponseTimeMS: m.metrics.ResponseTimeMS,
	})
	if len(m.metrics.History) > historyLimit {
		m.metrics.History = m.metrics.History[len(m.metrics.History)-historyLimit:]
	}
}

func (c *Checker) checkWithRetries(ctx context.Context, m *monitored) error {
	var err error
	for attempt := 0; attempt <= m.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.RetryDelay):
			}
		}
		checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		err = m.check(checkCtx)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

func deriveStatus(m *monitored, elapsed time.Duration) Status {
	switch {
	case m.metrics.ConsecutiveFailures >= m.cfg.UnhealthyThreshold:
		return StatusUnhealthy
	case m.metrics.ConsecutiveFailures > 0 || elapsed > m.cfg.DegradedThreshold:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// GetHealthStatus returns the current aggregate snapshot.
func (c *Checker) GetHealthStatus() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Overall:   StatusHealthy,
		Services:  make(map[string]ServiceMetrics, len(c.services)),
		Timestamp: time.Now().UTC(),
	}
	if len(c.services) == 0 {
		snap.Overall = StatusUnknown
	}
	for name, m := range c.services {
		copied := m.metrics
		copied.History = append([]HistoryEntry(nil), m.metrics.History...)
		snap.Services[name] = copied
		switch m.metrics.Status {
		case StatusUnhealthy:
			snap.Overall = StatusUnhealthy
		case StatusDegraded, StatusUnknown:
			if snap.Overall != StatusUnhealthy {
				snap.Overall = StatusDegraded
			}
		}
	}
	return snap
}

func (c *Checker) runAggregator() {
	defer c.wg.Done()
	ticker := time.NewTicker(aggregateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-ticker.C:
			c.publishStatus()
		}
	}
}

// publishStatus mirrors the snapshot to the shared store.
func (c *Checker) publishStatus() {
	if c.store == nil {
		return
	}
	snap := c.GetHealthStatus()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.store.HSetJSON(ctx, statusKey, "overall", snap.Overall); err != nil {
		c.log.Warn("Failed to write overall health status", zap.Error(err))
		return
	}
	for name, m := range snap.Services {
		trimmed := m
		trimmed.History = nil
		if err := c.store.HSetJSON(ctx, statusKey, name, trimmed); err != nil {
			c.log.Warn("Failed to write service health", zap.String("service", name), zap.Error(err))
		}
	}
	if err := c.store.Expire(ctx, statusKey, statusTTL).Err(); err != nil {
		c.log.Warn("Failed to set health status TTL", zap.Error(err))
	}
}
