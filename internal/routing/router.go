package routing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/bus"
	"github.com/taxpoynt/messagefabric/pkg/metrics"
	"github.com/taxpoynt/messagefabric/pkg/pattern"
)

const (
	defaultCacheTTL   = 60 * time.Second
	staleAfter        = 5 * time.Minute
	unhealthyAfter    = 10 * time.Minute
	heartbeatInterval = 30 * time.Second
)

// Config controls one router replica.
type Config struct {
	InstanceID string
	Production bool
	CacheTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.InstanceID == "" {
		c.InstanceID = "router-" + uuid.NewString()[:8]
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	return c
}

// Router dispatches messages to role-tagged service endpoints using
// rule-selected strategies. Tables live locally and write through to the
// configured backend; replicas converge via periodic cache refresh.
type Router struct {
	cfg  Config
	log  *zap.Logger
	bus  *bus.Bus
	back Backend

	httpDeliver *HTTPDeliverer
	busDeliver  *BusDeliverer
	fallback    Deliverer

	mu           sync.RWMutex
	endpoints    map[string]*ServiceEndpoint
	rules        map[string]*RoutingRule
	roleMappings map[Role][]string
	rr           map[string]int

	statsMu      sync.Mutex
	routed       int64
	failed       int64
	latencySumMS float64

	startedAt time.Time
	cron      *cron.Cron
	running   bool
}

// New builds a router on the given backend.
func New(cfg Config, backend Backend, eventBus *bus.Bus, log *zap.Logger) *Router {
	cfg = cfg.withDefaults()
	return &Router{
		cfg:          cfg,
		log:          log.With(zap.String("module", "message_router"), zap.String("instance", cfg.InstanceID)),
		bus:          eventBus,
		back:         backend,
		httpDeliver:  NewHTTPDeliverer(log),
		busDeliver:   NewBusDeliverer(eventBus),
		endpoints:    make(map[string]*ServiceEndpoint),
		rules:        make(map[string]*RoutingRule),
		roleMappings: make(map[Role][]string),
		rr:           make(map[string]int),
		cron:         cron.New(),
	}
}

// SetFallback installs the development-mode deliverer used when no rule or
// endpoint can serve a route. Production deployments leave it unset.
func (r *Router) SetFallback(d Deliverer) { r.fallback = d }

// InstanceID returns this replica's identifier.
func (r *Router) InstanceID() string { return r.cfg.InstanceID }

// Start hydrates state from the backend and launches maintenance loops.
func (r *Router) Start(ctx context.Context) error {
	if err := r.refresh(ctx); err != nil {
		return fmt.Errorf("failed to load routing state: %w", err)
	}
	r.startedAt = time.Now().UTC()
	r.running = true

	if err := r.back.Heartbeat(ctx, r.cfg.InstanceID, map[string]interface{}{"started_at": r.startedAt.Format(time.RFC3339)}); err != nil {
		r.log.Warn("Initial heartbeat failed", zap.Error(err))
	}

	if _, err := r.cron.AddFunc("@every 1m", func() { r.healthSweep(); r.resetRequestRates() }); err != nil {
		return fmt.Errorf("failed to schedule health loop: %w", err)
	}
	if _, err := r.cron.AddFunc("@every 30s", func() { r.heartbeatTick(context.Background()) }); err != nil {
		return fmt.Errorf("failed to schedule heartbeat loop: %w", err)
	}
	refreshSpec := fmt.Sprintf("@every %ds", int(r.cfg.CacheTTL.Seconds()))
	if _, err := r.cron.AddFunc(refreshSpec, func() {
		if err := r.refresh(context.Background()); err != nil {
			r.log.Warn("Cache refresh failed", zap.Error(err))
		}
		if err := r.back.Cleanup(context.Background()); err != nil {
			r.log.Warn("Active route cleanup failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule refresh loop: %w", err)
	}
	r.cron.Start()

	r.log.Info("Message router started",
		zap.Bool("production", r.cfg.Production),
		zap.Int("rules", len(r.rules)),
		zap.Int("endpoints", len(r.endpoints)))
	return nil
}

// Stop halts maintenance loops and flushes final stats.
func (r *Router) Stop() {
	if !r.running {
		return
	}
	r.running = false
	<-r.cron.Stop().Done()
	r.heartbeatTick(context.Background())
	if err := r.back.Close(); err != nil {
		r.log.Warn("Backend close failed", zap.Error(err))
	}
	r.log.Info("Message router stopped")
}

// refresh merges the backend snapshot into local tables. Endpoints
// registered locally keep their in-process deliverer.
func (r *Router) refresh(ctx context.Context) error {
	state, err := r.back.Load(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ep := range state.Endpoints {
		if local, ok := r.endpoints[id]; ok && local.deliverer != nil {
			ep.deliverer = local.deliverer
		}
		r.endpoints[id] = ep
	}
	for id := range r.endpoints {
		if _, ok := state.Endpoints[id]; !ok && r.endpoints[id].deliverer == nil {
			delete(r.endpoints, id)
		}
	}
	r.rules = state.Rules
	r.roleMappings = state.RoleMappings
	for rule, n := range state.RoundRobin {
		if n > r.rr[rule] {
			r.rr[rule] = n
		}
	}
	return nil
}

// RegisterService adds a delivery endpoint and returns its id.
func (r *Router) RegisterService(ctx context.Context, name string, role Role, opts ...EndpointOption) (string, error) {
	ep := &ServiceEndpoint{
		ID:           uuid.NewString(),
		ServiceName:  name,
		Role:         role,
		Priority:     1,
		Active:       true,
		LoadFactor:   1.0,
		LastActivity: time.Now().UTC(),
		Health:       HealthHealthy,
		RegisteredAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(ep)
	}

	r.mu.Lock()
	r.endpoints[ep.ID] = ep
	r.roleMappings[role] = append(r.roleMappings[role], ep.ID)
	mapping := append([]string(nil), r.roleMappings[role]...)
	r.mu.Unlock()

	if err := r.back.PutEndpoint(ctx, ep); err != nil {
		return "", fmt.Errorf("failed to persist endpoint: %w", err)
	}
	if err := r.back.PutRoleMapping(ctx, role, mapping); err != nil {
		return "", fmt.Errorf("failed to persist role mapping: %w", err)
	}

	r.emitLifecycle(ctx, "service.registered", ep)
	r.log.Info("Service registered",
		zap.String("service", name),
		zap.String("role", string(role)),
		zap.String("endpoint_id", ep.ID))
	return ep.ID, nil
}

// UnregisterService removes an endpoint from its role bucket and the
// endpoint table.
func (r *Router) UnregisterService(ctx context.Context, endpointID string) error {
	r.mu.Lock()
	ep, ok := r.endpoints[endpointID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("endpoint %s not found", endpointID)
	}
	delete(r.endpoints, endpointID)
	mapping := r.roleMappings[ep.Role][:0]
	for _, id := range r.roleMappings[ep.Role] {
		if id != endpointID {
			mapping = append(mapping, id)
		}
	}
	r.roleMappings[ep.Role] = mapping
	persisted := append([]string(nil), mapping...)
	r.mu.Unlock()

	if err := r.back.RemoveEndpoint(ctx, endpointID); err != nil {
		return fmt.Errorf("failed to remove endpoint: %w", err)
	}
	if err := r.back.PutRoleMapping(ctx, ep.Role, persisted); err != nil {
		return fmt.Errorf("failed to update role mapping: %w", err)
	}

	r.emitLifecycle(ctx, "service.unregistered", ep)
	return nil
}

// AddRoutingRule installs a rule.
func (r *Router) AddRoutingRule(ctx context.Context, rule *RoutingRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Strategy == "" {
		rule.Strategy = StrategyRoundRobin
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	rule.Enabled = true

	r.mu.Lock()
	r.rules[rule.ID] = rule
	r.mu.Unlock()

	if err := r.back.PutRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to persist rule: %w", err)
	}
	return nil
}

// RemoveRoutingRule deletes a rule.
func (r *Router) RemoveRoutingRule(ctx context.Context, ruleID string) error {
	r.mu.Lock()
	_, ok := r.rules[ruleID]
	delete(r.rules, ruleID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("rule %s not found", ruleID)
	}
	return r.back.RemoveRule(ctx, ruleID)
}

// RouteMessage routes an operation to the target role.
func (r *Router) RouteMessage(ctx context.Context, targetRole Role, operation string, payload map[string]interface{}, opts ...RouteOption) (map[string]interface{}, error) {
	msg := r.newMessage(targetRole, operation, payload, opts...)
	return r.route(ctx, msg)
}

// RouteToRole is an alias of RouteMessage kept for caller clarity.
func (r *Router) RouteToRole(ctx context.Context, role Role, operation string, payload map[string]interface{}, opts ...RouteOption) (map[string]interface{}, error) {
	return r.RouteMessage(ctx, role, operation, payload, opts...)
}

// RouteToService routes an operation to one named service.
func (r *Router) RouteToService(ctx context.Context, service, operation string, payload map[string]interface{}, opts ...RouteOption) (map[string]interface{}, error) {
	msg := r.newMessage("", operation, payload, opts...)
	msg.Context.TargetServices = []string{service}
	return r.route(ctx, msg)
}

func (r *Router) newMessage(targetRole Role, operation string, payload map[string]interface{}, opts ...RouteOption) *RoutedMessage {
	msg := &RoutedMessage{
		ID:        uuid.NewString(),
		Type:      InferMessageType(operation),
		Operation: operation,
		Payload:   payload,
		Priority:  bus.PriorityNormal,
		Context:   RoutingContext{TargetRole: targetRole},
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(msg)
	}
	return msg
}

func (r *Router) route(ctx context.Context, msg *RoutedMessage) (map[string]interface{}, error) {
	start := time.Now()
	response, rulesApplied, err := r.executeRoute(ctx, msg)
	elapsed := time.Since(start)

	role := string(msg.Context.TargetRole)
	if err != nil {
		r.recordOutcome(false, elapsed)
		metrics.RoutedMessages.WithLabelValues(role, "", "failed").Inc()
		return nil, err
	}
	r.recordOutcome(true, elapsed)
	metrics.DeliveryLatency.WithLabelValues(role).Observe(elapsed.Seconds())

	if err := r.back.TrackActiveRoute(ctx, msg, activeRouteTTL); err != nil {
		r.log.Debug("Active route tracking failed", zap.Error(err))
	}

	response["operation"] = msg.Operation
	response["message_id"] = msg.ID
	response["routing_successful"] = true
	response["rules_applied"] = rulesApplied
	return response, nil
}

func (r *Router) executeRoute(ctx context.Context, msg *RoutedMessage) (map[string]interface{}, int, error) {
	rules := r.applicableRules(msg)

	if len(rules) == 0 {
		if r.cfg.Production {
			return nil, 0, &RoutingFailure{MessageID: msg.ID, Reason: "no applicable rules"}
		}
		if r.fallback != nil {
			return r.deliverFallback(ctx, msg, 0)
		}
		return nil, 0, &RoutingFailure{MessageID: msg.ID, Reason: "no applicable rules"}
	}

	var attempted []string
	var lastErr error
	for _, rule := range rules {
		attempted = append(attempted, rule.ID)
		endpoints := r.endpointsForRule(rule, msg)
		if len(endpoints) == 0 {
			continue
		}
		r.validateOperation(msg.Operation, endpoints)
		response, err := r.executeStrategy(ctx, rule, msg, endpoints)
		if err != nil {
			lastErr = err
			continue
		}
		if len(response) > 0 {
			metrics.RoutedMessages.WithLabelValues(string(msg.Context.TargetRole), string(rule.Strategy), "success").Inc()
			return response, len(attempted), nil
		}
	}

	if r.cfg.Production {
		return nil, len(attempted), &RoutingFailure{
			MessageID:      msg.ID,
			Reason:         "no responses from matched rules",
			AttemptedRules: attempted,
			LastErr:        lastErr,
		}
	}
	if r.fallback != nil {
		return r.deliverFallback(ctx, msg, len(attempted))
	}
	return nil, len(attempted), &RoutingFailure{
		MessageID:      msg.ID,
		Reason:         "no responses from matched rules",
		AttemptedRules: attempted,
		LastErr:        lastErr,
	}
}

func (r *Router) deliverFallback(ctx context.Context, msg *RoutedMessage, rulesApplied int) (map[string]interface{}, int, error) {
	response, err := r.fallback.Deliver(ctx, msg.Operation, msg.Payload, r.deliveryContext(msg, nil))
	if err != nil {
		return nil, rulesApplied, &RoutingFailure{MessageID: msg.ID, Reason: "fallback delivery failed", LastErr: err}
	}
	if rulesApplied == 0 {
		rulesApplied = 1
	}
	return response, rulesApplied, nil
}

// applicableRules returns enabled rules matching the message, sorted by
// priority descending with rule id as the deterministic tiebreak.
func (r *Router) applicableRules(msg *RoutedMessage) []*RoutingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*RoutingRule
	for _, rule := range r.rules {
		if !rule.Enabled {
			continue
		}
		if rule.SourceRole != "" && rule.SourceRole != msg.Context.SourceRole {
			continue
		}
		if rule.TargetRole != "" && msg.Context.TargetRole != "" && rule.TargetRole != msg.Context.TargetRole {
			continue
		}
		if rule.SourcePattern != "" && !pattern.MatchName(rule.SourcePattern, msg.Context.SourceService) {
			continue
		}
		if rule.MessagePattern != "" && !pattern.MatchName(rule.MessagePattern, string(msg.Type)) {
			continue
		}
		if !ruleConditionsMet(rule, msg) || !ruleFiltersPass(rule, msg) {
			continue
		}
		matched = append(matched, rule)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}

// endpointsForRule selects active endpoints satisfying the rule target and
// the message's explicit targets.
func (r *Router) endpointsForRule(rule *RoutingRule, msg *RoutedMessage) []*ServiceEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ServiceEndpoint
	for _, ep := range r.endpoints {
		if !ep.Active {
			continue
		}
		if rule.TargetRole != "" && ep.Role != rule.TargetRole {
			continue
		}
		if msg.Context.TargetRole != "" && ep.Role != msg.Context.TargetRole {
			continue
		}
		if rule.TargetPattern != "" && !pattern.MatchName(rule.TargetPattern, ep.ServiceName) {
			continue
		}
		if len(msg.Context.TargetServices) > 0 && !containsName(msg.Context.TargetServices, ep.ServiceName) {
			continue
		}
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// validateOperation logs operations absent from the union of advertised
// operation sets. Routing proceeds regardless.
func (r *Router) validateOperation(operation string, endpoints []*ServiceEndpoint) {
	advertised := false
	declared := false
	for _, ep := range endpoints {
		ops := ep.AdvertisedOperations()
		if len(ops) == 0 {
			continue
		}
		declared = true
		if containsName(ops, operation) {
			advertised = true
			break
		}
	}
	if declared && !advertised {
		r.log.Warn("Operation not advertised by any matched endpoint",
			zap.String("operation", operation))
	}
}

func (r *Router) deliveryContext(msg *RoutedMessage, ep *ServiceEndpoint) DeliveryContext {
	dctx := DeliveryContext{
		MessageID:     msg.ID,
		MessageType:   msg.Type,
		Operation:     msg.Operation,
		SourceService: msg.Context.SourceService,
		SourceRole:    msg.Context.SourceRole,
		TargetRole:    msg.Context.TargetRole,
		TenantID:      msg.Context.TenantID,
		CorrelationID: msg.Context.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
	if ep != nil {
		dctx.TargetService = ep.ServiceName
		if dctx.TargetRole == "" {
			dctx.TargetRole = ep.Role
		}
	}
	return dctx
}

// deliverTo performs one delivery and updates endpoint accounting.
func (r *Router) deliverTo(ctx context.Context, msg *RoutedMessage, ep *ServiceEndpoint) (map[string]interface{}, error) {
	if msg.ExpiresAt != nil && !msg.ExpiresAt.After(time.Now().UTC()) {
		return nil, fmt.Errorf("message %s expired before delivery", msg.ID)
	}
	dctx := r.deliveryContext(msg, ep)

	r.mu.Lock()
	msg.RouteHistory = append(msg.RouteHistory, ep.ID)
	ep.Metrics.ActiveConnections++
	r.mu.Unlock()

	start := time.Now()
	var response map[string]interface{}
	var err error
	switch {
	case ep.deliverer != nil:
		response, err = ep.deliverer.Deliver(ctx, msg.Operation, msg.Payload, dctx)
	case ep.URL != "":
		response, err = r.httpDeliver.DeliverTo(ctx, ep.URL, msg.Operation, msg.Payload, dctx)
	default:
		response, err = r.busDeliver.Deliver(ctx, msg.Operation, msg.Payload, dctx)
	}
	elapsed := time.Since(start)

	r.mu.Lock()
	ep.Metrics.ActiveConnections--
	ep.Metrics.RequestsPerMinute++
	ep.Metrics.TotalRequests++
	if ep.Metrics.TotalRequests == 1 {
		ep.Metrics.AvgResponseTimeMS = float64(elapsed.Milliseconds())
	} else {
		ep.Metrics.AvgResponseTimeMS = 0.9*ep.Metrics.AvgResponseTimeMS + 0.1*float64(elapsed.Milliseconds())
	}
	if err != nil {
		ep.Metrics.TotalFailures++
	}
	if ep.Metrics.TotalRequests > 0 {
		ep.Metrics.ErrorRate = float64(ep.Metrics.TotalFailures) / float64(ep.Metrics.TotalRequests)
	}
	ep.LastActivity = time.Now().UTC()
	ep.Health = HealthHealthy
	r.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("delivery to %s failed: %w", ep.ServiceName, err)
	}
	if response == nil {
		response = map[string]interface{}{"status": "success"}
	}
	return response, nil
}

func (r *Router) emitLifecycle(ctx context.Context, eventType string, ep *ServiceEndpoint) {
	if _, err := r.bus.Emit(ctx, eventType, map[string]interface{}{
		"endpoint_id":  ep.ID,
		"service_name": ep.ServiceName,
		"role":         string(ep.Role),
		"priority":     ep.Priority,
		"tags":         ep.Tags,
	}, bus.WithSource("message_router")); err != nil {
		r.log.Debug("Lifecycle event emit failed", zap.String("event", eventType), zap.Error(err))
	}
}

// healthSweep marks idle endpoints stale, then unhealthy and inactive.
func (r *Router) healthSweep() {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ep := range r.endpoints {
		idle := now.Sub(ep.LastActivity)
		switch {
		case idle > unhealthyAfter && ep.Health == HealthStale:
			ep.Health = HealthUnhealthy
			ep.Active = false
			r.log.Warn("Endpoint marked unhealthy",
				zap.String("service", ep.ServiceName),
				zap.Duration("idle", idle))
		case idle > staleAfter && ep.Health == HealthHealthy:
			ep.Health = HealthStale
		}
	}
}

// resetRequestRates zeroes the per-minute request counters.
func (r *Router) resetRequestRates() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ep := range r.endpoints {
		ep.Metrics.RequestsPerMinute = 0
	}
}

func (r *Router) heartbeatTick(ctx context.Context) {
	if err := r.back.Heartbeat(ctx, r.cfg.InstanceID, map[string]interface{}{
		"endpoints": len(r.endpoints),
		"rules":     len(r.rules),
	}); err != nil {
		r.log.Debug("Heartbeat write failed", zap.Error(err))
	}
	if err := r.back.WriteStats(ctx, r.cfg.InstanceID, r.localStats()); err != nil {
		r.log.Debug("Stats write failed", zap.Error(err))
	}
}

func (r *Router) recordOutcome(ok bool, elapsed time.Duration) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if ok {
		r.routed++
		r.latencySumMS += float64(elapsed.Milliseconds())
	} else {
		r.failed++
	}
}

func (r *Router) localStats() InstanceStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	stats := InstanceStats{
		MessagesRouted: r.routed,
		MessagesFailed: r.failed,
	}
	if r.routed > 0 {
		stats.AvgLatencyMS = r.latencySumMS / float64(r.routed)
	}
	total := r.routed + r.failed
	if total > 0 {
		stats.ErrorRate = float64(r.failed) / float64(total)
	}
	if !r.startedAt.IsZero() {
		stats.UptimeSeconds = time.Since(r.startedAt).Seconds()
		if stats.UptimeSeconds > 0 {
			stats.MessagesPerSec = float64(total) / stats.UptimeSeconds
		}
	}
	return stats
}

// Stats returns this replica's counters without touching the backend.
func (r *Router) Stats() InstanceStats { return r.localStats() }

// GetRoutingStatistics aggregates per-instance stats from the shared
// backend into cluster totals plus the local snapshot.
func (r *Router) GetRoutingStatistics(ctx context.Context) (*RouterStatistics, error) {
	perInstance, err := r.back.ReadAllStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster stats: %w", err)
	}
	local := r.localStats()
	perInstance[r.cfg.InstanceID] = local

	var cluster InstanceStats
	var latencySum float64
	for _, s := range perInstance {
		cluster.MessagesRouted += s.MessagesRouted
		cluster.MessagesFailed += s.MessagesFailed
		cluster.MessagesPerSec += s.MessagesPerSec
		latencySum += s.AvgLatencyMS
	}
	if n := len(perInstance); n > 0 {
		cluster.AvgLatencyMS = latencySum / float64(n)
	}
	if total := cluster.MessagesRouted + cluster.MessagesFailed; total > 0 {
		cluster.ErrorRate = float64(cluster.MessagesFailed) / float64(total)
	}

	r.mu.RLock()
	mappings := make(map[string][]string, len(r.roleMappings))
	for role, ids := range r.roleMappings {
		mappings[string(role)] = append([]string(nil), ids...)
	}
	ruleCount := len(r.rules)
	endpointCount := len(r.endpoints)
	r.mu.RUnlock()

	return &RouterStatistics{
		InstanceID:    r.cfg.InstanceID,
		Local:         local,
		Cluster:       cluster,
		InstanceCount: len(perInstance),
		RuleCount:     ruleCount,
		EndpointCount: endpointCount,
		RoleMappings:  mappings,
		PerInstance:   perInstance,
		GeneratedAt:   time.Now().UTC(),
	}, nil
}

// Endpoint returns a copy of one endpoint for inspection.
func (r *Router) Endpoint(id string) (*ServiceEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return nil, false
	}
	copied := *ep
	return &copied, true
}

// RoleMembers returns the endpoint ids mapped to a role.
func (r *Router) RoleMembers(role Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.roleMappings[role]...)
}
