package routing

import (
	"context"
	"sync"
	"time"
)

// BackendState is a full snapshot of routing tables.
type BackendState struct {
	Endpoints    map[string]*ServiceEndpoint
	Rules        map[string]*RoutingRule
	RoleMappings map[Role][]string
	RoundRobin   map[string]int
}

func newBackendState() *BackendState {
	return &BackendState{
		Endpoints:    make(map[string]*ServiceEndpoint),
		Rules:        make(map[string]*RoutingRule),
		RoleMappings: make(map[Role][]string),
		RoundRobin:   make(map[string]int),
	}
}

// Backend stores routing tables. The router mutates its local tables and
// writes through to the backend; at startup and on cache refresh it loads
// the backend snapshot back.
type Backend interface {
	Load(ctx context.Context) (*BackendState, error)
	PutEndpoint(ctx context.Context, ep *ServiceEndpoint) error
	RemoveEndpoint(ctx context.Context, id string) error
	PutRule(ctx context.Context, rule *RoutingRule) error
	RemoveRule(ctx context.Context, id string) error
	PutRoleMapping(ctx context.Context, role Role, endpointIDs []string) error
	SetRoundRobin(ctx context.Context, ruleID string, counter int) error
	TrackActiveRoute(ctx context.Context, msg *RoutedMessage, ttl time.Duration) error
	WriteStats(ctx context.Context, instanceID string, stats InstanceStats) error
	ReadAllStats(ctx context.Context) (map[string]InstanceStats, error)
	Heartbeat(ctx context.Context, instanceID string, meta map[string]interface{}) error
	Cleanup(ctx context.Context) error
	Close() error
}

// MemoryBackend keeps routing tables in process memory. It is the backend
// for single-replica deployments and tests.
type MemoryBackend struct {
	mu     sync.RWMutex
	state  *BackendState
	stats  map[string]InstanceStats
	routes map[string]time.Time
}

// NewMemoryBackend builds an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		state:  newBackendState(),
		stats:  make(map[string]InstanceStats),
		routes: make(map[string]time.Time),
	}
}

// Load returns a copy of the current snapshot.
func (b *MemoryBackend) Load(_ context.Context) (*BackendState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := newBackendState()
	for id, ep := range b.state.Endpoints {
		copied := *ep
		out.Endpoints[id] = &copied
	}
	for id, rule := range b.state.Rules {
		copied := *rule
		out.Rules[id] = &copied
	}
	for role, ids := range b.state.RoleMappings {
		out.RoleMappings[role] = append([]string(nil), ids...)
	}
	for id, n := range b.state.RoundRobin {
		out.RoundRobin[id] = n
	}
	return out, nil
}

func (b *MemoryBackend) PutEndpoint(_ context.Context, ep *ServiceEndpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	copied := *ep
	b.state.Endpoints[ep.ID] = &copied
	return nil
}

func (b *MemoryBackend) RemoveEndpoint(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state.Endpoints, id)
	return nil
}

func (b *MemoryBackend) PutRule(_ context.Context, rule *RoutingRule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	copied := *rule
	b.state.Rules[rule.ID] = &copied
	return nil
}

func (b *MemoryBackend) RemoveRule(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state.Rules, id)
	return nil
}

func (b *MemoryBackend) PutRoleMapping(_ context.Context, role Role, endpointIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.RoleMappings[role] = append([]string(nil), endpointIDs...)
	return nil
}

func (b *MemoryBackend) SetRoundRobin(_ context.Context, ruleID string, counter int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.RoundRobin[ruleID] = counter
	return nil
}

func (b *MemoryBackend) TrackActiveRoute(_ context.Context, msg *RoutedMessage, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[msg.ID] = time.Now().UTC().Add(ttl)
	return nil
}

func (b *MemoryBackend) WriteStats(_ context.Context, instanceID string, stats InstanceStats) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats[instanceID] = stats
	return nil
}

func (b *MemoryBackend) ReadAllStats(_ context.Context) (map[string]InstanceStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]InstanceStats, len(b.stats))
	for id, s := range b.stats {
		out[id] = s
	}
	return out, nil
}

func (b *MemoryBackend) Heartbeat(_ context.Context, _ string, _ map[string]interface{}) error {
	return nil
}

// Cleanup drops expired active-route records.
func (b *MemoryBackend) Cleanup(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	for id, expiry := range b.routes {
		if expiry.Before(now) {
			delete(b.routes, id)
		}
	}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
