// Package scaling manages a fleet of router instances, growing and
// shrinking it against throughput, latency, and error-rate targets.
package scaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/bus"
	"github.com/taxpoynt/messagefabric/internal/routing"
	"github.com/taxpoynt/messagefabric/pkg/metrics"
)

// Policy selects the scaling trigger.
type Policy string

const (
	PolicyManual       Policy = "MANUAL"
	PolicyCPUBased     Policy = "CPU_BASED"
	PolicyQueueBased   Policy = "QUEUE_BASED"
	PolicyLatencyBased Policy = "LATENCY_BASED"
	PolicyHybrid       Policy = "HYBRID"
)

// ScaledEventType announces fleet size changes on the bus.
const ScaledEventType = "scaling.scaled"

// Config tunes the coordinator.
type Config struct {
	MinInstances       int
	MaxInstances       int
	TargetCPU          float64
	TargetMPS          float64
	TargetLatencyMS    float64
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	Cooldown           time.Duration
	Policy             Policy
}

func (c Config) withDefaults() Config {
	if c.MinInstances <= 0 {
		c.MinInstances = 1
	}
	if c.MaxInstances < c.MinInstances {
		c.MaxInstances = c.MinInstances * 4
	}
	if c.TargetMPS <= 0 {
		c.TargetMPS = 1000
	}
	if c.TargetLatencyMS <= 0 {
		c.TargetLatencyMS = 500
	}
	if c.ScaleUpThreshold <= 0 {
		c.ScaleUpThreshold = 0.8
	}
	if c.ScaleDownThreshold <= 0 {
		c.ScaleDownThreshold = 0.3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.Policy == "" {
		c.Policy = PolicyHybrid
	}
	return c
}

// InstanceMetrics is the per-instance view used for health and load
// decisions.
type InstanceMetrics struct {
	InstanceID    string    `json:"instance_id"`
	CPU           float64   `json:"cpu"`
	Memory        float64   `json:"memory"`
	MPS           float64   `json:"messages_per_second"`
	LatencyMS     float64   `json:"routing_latency_ms"`
	QueueDepth    int       `json:"queue_depth"`
	HealthScore   float64   `json:"health_score"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	ErrorRate     float64   `json:"error_rate"`
}

// healthScore combines latency, errors, and heartbeat freshness into [0,1].
func healthScore(latencyMS, errorRate float64, lastHeartbeat, now time.Time) float64 {
	freshness := 1.0
	if !lastHeartbeat.IsZero() {
		age := now.Sub(lastHeartbeat).Seconds()
		freshness = 1 - age/300
		if freshness < 0 {
			freshness = 0
		}
	}
	score := 0.3*(1-latencyMS/1000) + 0.4*(1-errorRate) + 0.3*freshness
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// loadScore ranks instances for message distribution; lower is better.
func (m InstanceMetrics) loadScore() float64 {
	return 0.4*(m.LatencyMS/1000) + 0.3*m.ErrorRate + 0.2*(m.MPS/1000) + 0.1*(1-m.HealthScore)
}

// Instance is one managed router replica.
type Instance interface {
	InstanceID() string
	Stats() routing.InstanceStats
	RouteMessage(ctx context.Context, role routing.Role, operation string, payload map[string]interface{}, opts ...routing.RouteOption) (map[string]interface{}, error)
	Stop()
}

// Factory spawns a new router instance.
type Factory func(ctx context.Context, instanceID string) (Instance, error)

// ErrNoInstances is returned when distribution finds an empty fleet.
var ErrNoInstances = errors.New("no router instances available")

type managed struct {
	instance  Instance
	startedAt time.Time
	metrics   InstanceMetrics
}

// Coordinator owns the router fleet.
type Coordinator struct {
	cfg     Config
	log     *zap.Logger
	bus     *bus.Bus
	store   Store
	factory Factory

	mu         sync.RWMutex
	instances  map[string]*managed
	lastAction time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds a coordinator. The store may be nil for single-node setups.
func New(cfg Config, factory Factory, eventBus *bus.Bus, store Store, log *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		log:       log.With(zap.String("module", "scaling_coordinator")),
		bus:       eventBus,
		store:     store,
		factory:   factory,
		instances: make(map[string]*managed),
	}
}

// Start spawns the minimum fleet and launches the maintenance loops.
func (c *Coordinator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	for i := 0; i < c.cfg.MinInstances; i++ {
		if _, err := c.spawn(runCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to spawn initial instance: %w", err)
		}
	}

	c.loop(runCtx, 10*time.Second, func() { c.collectMetrics(runCtx) })
	c.loop(runCtx, time.Minute, func() { c.evaluateHealth(runCtx) })
	c.loop(runCtx, 30*time.Second, func() { c.evaluateScaling(runCtx) })

	c.log.Info("Scaling coordinator started",
		zap.Int("min_instances", c.cfg.MinInstances),
		zap.Int("max_instances", c.cfg.MaxInstances),
		zap.String("policy", string(c.cfg.Policy)))
	return nil
}

// Stop halts the loops and retires every instance.
func (c *Coordinator) Stop() {
	if !c.started {
		return
	}
	c.started = false
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	for id, m := range c.instances {
		m.instance.Stop()
		delete(c.instances, id)
	}
	c.mu.Unlock()
	metrics.ScalingInstances.Set(0)
}

func (c *Coordinator) loop(ctx context.Context, interval time.Duration, tick func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick()
			}
		}
	}()
}

// InstanceCount returns the current fleet size.
func (c *Coordinator) InstanceCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.instances)
}

// DistributeMessage routes through the least loaded instance.
func (c *Coordinator) DistributeMessage(ctx context.Context, role routing.Role, operation string, payload map[string]interface{}, opts ...routing.RouteOption) (map[string]interface{}, error) {
	c.mu.RLock()
	var best *managed
	bestScore := 0.0
	for _, m := range c.instances {
		score := m.metrics.loadScore()
		if best == nil || score < bestScore {
			best = m
			bestScore = score
		}
	}
	c.mu.RUnlock()

	if best == nil {
		return nil, ErrNoInstances
	}
	return best.instance.RouteMessage(ctx, role, operation, payload, opts...)
}

// ManualScale clamps target to the configured bounds and resizes the fleet,
// retiring the lowest-health instances first when shrinking.
func (c *Coordinator) ManualScale(ctx context.Context, target int) error {
	if target < c.cfg.MinInstances {
		target = c.cfg.MinInstances
	}
	if target > c.cfg.MaxInstances {
		target = c.cfg.MaxInstances
	}

	before := c.InstanceCount()
	switch {
	case target > before:
		for i := before; i < target; i++ {
			if _, err := c.spawn(ctx); err != nil {
				return err
			}
		}
	case target < before:
		for i := before; i > target; i-- {
			c.retireWeakest(ctx)
		}
	default:
		return nil
	}
	c.recordScaling(ctx, before, c.InstanceCount(), target, "manual")
	return nil
}

func (c *Coordinator) spawn(ctx context.Context) (string, error) {
	id := "router-" + uuid.NewString()[:8]
	inst, err := c.factory(ctx, id)
	if err != nil {
		return "", fmt.Errorf("instance factory failed: %w", err)
	}
	now := time.Now().UTC()
	c.mu.Lock()
	c.instances[id] = &managed{
		instance:  inst,
		startedAt: now,
		metrics: InstanceMetrics{
			InstanceID:    id,
			HealthScore:   1,
			LastHeartbeat: now,
		},
	}
	count := len(c.instances)
	c.mu.Unlock()

	metrics.ScalingInstances.Set(float64(count))
	c.log.Info("Router instance spawned", zap.String("instance_id", id), zap.Int("fleet_size", count))
	return id, nil
}

func (c *Coordinator) retire(ctx context.Context, id string) {
	c.mu.Lock()
	m, ok := c.instances[id]
	if ok {
		delete(c.instances, id)
	}
	count := len(c.instances)
	c.mu.Unlock()
	if !ok {
		return
	}
	m.instance.Stop()
	metrics.ScalingInstances.Set(float64(count))
	c.log.Info("Router instance retired", zap.String("instance_id", id), zap.Int("fleet_size", count))
}

func (c *Coordinator) retireWeakest(ctx context.Context) {
	c.mu.RLock()
	var weakest string
	lowest := 2.0
	for id, m := range c.instances {
		if m.metrics.HealthScore < lowest {
			weakest = id
			lowest = m.metrics.HealthScore
		}
	}
	c.mu.RUnlock()
	if weakest != "" {
		c.retire(ctx, weakest)
	}
}

// collectMetrics refreshes per-instance metrics and persists them.
func (c *Coordinator) collectMetrics(ctx context.Context) {
	now := time.Now().UTC()
	c.mu.Lock()
	snapshot := make(map[string]InstanceMetrics, len(c.instances))
	for id, m := range c.instances {
		stats := m.instance.Stats()
		m.metrics.MPS = stats.MessagesPerSec
		m.metrics.LatencyMS = stats.AvgLatencyMS
		m.metrics.ErrorRate = stats.ErrorRate
		m.metrics.UptimeSeconds = now.Sub(m.startedAt).Seconds()
		m.metrics.LastHeartbeat = now
		m.metrics.HealthScore = healthScore(m.metrics.LatencyMS, m.metrics.ErrorRate, m.metrics.LastHeartbeat, now)
		snapshot[id] = m.metrics
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveMetrics(ctx, snapshot); err != nil {
			c.log.Warn("Failed to persist instance metrics", zap.Error(err))
		}
	}
}

// evaluateHealth destroys instances whose heartbeat has been missing for
// over five minutes with a collapsed health score, replacing them when the
// fleet falls under the minimum.
func (c *Coordinator) evaluateHealth(ctx context.Context) {
	now := time.Now().UTC()
	c.mu.RLock()
	var doomed []string
	for id, m := range c.instances {
		if m.metrics.HealthScore < 0.3 && now.Sub(m.metrics.LastHeartbeat) > 5*time.Minute {
			doomed = append(doomed, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range doomed {
		c.log.Warn("Destroying unhealthy instance", zap.String("instance_id", id))
		c.retire(ctx, id)
	}
	for c.InstanceCount() < c.cfg.MinInstances {
		if _, err := c.spawn(ctx); err != nil {
			c.log.Error("Failed to replace destroyed instance", zap.Error(err))
			return
		}
	}
}

// scalingFactor is the demand ratio driving scale decisions.
func (c *Coordinator) scalingFactor() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	factor := 0.0
	for _, m := range c.instances {
		if f := m.metrics.MPS / c.cfg.TargetMPS; f > factor {
			factor = f
		}
		if f := m.metrics.LatencyMS / c.cfg.TargetLatencyMS; f > factor {
			factor = f
		}
		if f := m.metrics.ErrorRate / 0.05; f > factor {
			factor = f
		}
	}
	return factor
}

// evaluateScaling applies one scale-up or scale-down step when the demand
// factor crosses a threshold and the cooldown has elapsed.
func (c *Coordinator) evaluateScaling(ctx context.Context) {
	if c.cfg.Policy == PolicyManual {
		return
	}
	c.mu.RLock()
	sinceAction := time.Since(c.lastAction)
	c.mu.RUnlock()
	if sinceAction < c.cfg.Cooldown {
		return
	}

	factor := c.scalingFactor()
	before := c.InstanceCount()

	switch {
	case factor > c.cfg.ScaleUpThreshold && before < c.cfg.MaxInstances:
		if _, err := c.spawn(ctx); err != nil {
			c.log.Error("Scale up failed", zap.Error(err))
			return
		}
		c.recordScaling(ctx, before, before+1, before+1, fmt.Sprintf("factor %.2f above threshold", factor))
	case factor < c.cfg.ScaleDownThreshold && before > c.cfg.MinInstances:
		c.retireWeakest(ctx)
		c.recordScaling(ctx, before, before-1, before-1, fmt.Sprintf("factor %.2f below threshold", factor))
	}
}

func (c *Coordinator) recordScaling(ctx context.Context, before, after, target int, reason string) {
	c.mu.Lock()
	c.lastAction = time.Now().UTC()
	c.mu.Unlock()

	c.log.Info("Fleet scaled",
		zap.Int("before", before),
		zap.Int("after", after),
		zap.String("reason", reason))

	if _, err := c.bus.Emit(ctx, ScaledEventType, map[string]interface{}{
		"before": before,
		"after":  after,
		"target": target,
		"reason": reason,
	}, bus.WithSource("scaling_coordinator"), bus.WithPriority(bus.PriorityHigh)); err != nil {
		c.log.Debug("Failed to emit scaling event", zap.Error(err))
	}
	if c.store != nil {
		if err := c.store.AppendEvent(ctx, ScalingEvent{
			Before:    before,
			After:     after,
			Target:    target,
			Reason:    reason,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			c.log.Warn("Failed to persist scaling event", zap.Error(err))
		}
	}
}

// Metrics returns a copy of the fleet's current metrics.
func (c *Coordinator) Metrics() map[string]InstanceMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]InstanceMetrics, len(c.instances))
	for id, m := range c.instances {
		out[id] = m.metrics
	}
	return out
}

// setInstanceMetrics overrides collected metrics; used by tests to drive
// scaling decisions deterministically.
func (c *Coordinator) setInstanceMetrics(id string, m InstanceMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instances[id]; ok {
		m.InstanceID = id
		inst.metrics = m
	}
}
