package scaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/bus"
	"github.com/taxpoynt/messagefabric/internal/routing"
	pkgredis "github.com/taxpoynt/messagefabric/pkg/redis"
)

// fakeInstance stands in for a router replica.
type fakeInstance struct {
	id      string
	mu      sync.Mutex
	stats   routing.InstanceStats
	routed  int
	stopped bool
}

func (f *fakeInstance) InstanceID() string { return f.id }

func (f *fakeInstance) Stats() routing.InstanceStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeInstance) RouteMessage(_ context.Context, _ routing.Role, _ string, _ map[string]interface{}, _ ...routing.RouteOption) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed++
	return map[string]interface{}{"status": "success", "served_by": f.id}, nil
}

func (f *fakeInstance) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

type fleet struct {
	mu        sync.Mutex
	instances []*fakeInstance
}

func (f *fleet) factory(_ context.Context, id string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := &fakeInstance{id: id}
	f.instances = append(f.instances, inst)
	return inst, nil
}

func newTestCoordinator(t *testing.T, cfg Config, store Store) (*Coordinator, *fleet) {
	t.Helper()
	b := bus.New(zap.NewNop())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	f := &fleet{}
	c := New(cfg, f.factory, b, store, zap.NewNop())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c, f
}

func TestStartMaintainsMinimumFleet(t *testing.T) {
	c, f := newTestCoordinator(t, Config{MinInstances: 3, MaxInstances: 6}, nil)
	assert.Equal(t, 3, c.InstanceCount())
	assert.Len(t, f.instances, 3)
}

func TestScaleUpWhenThroughputExceedsTarget(t *testing.T) {
	cfg := Config{
		MinInstances:       3,
		MaxInstances:       6,
		TargetMPS:          1000,
		TargetLatencyMS:    500,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		Cooldown:           time.Hour,
	}
	c, _ := newTestCoordinator(t, cfg, nil)

	mps := []float64{1200, 1500, 1400}
	i := 0
	for id := range c.Metrics() {
		c.setInstanceMetrics(id, InstanceMetrics{MPS: mps[i], HealthScore: 1, LastHeartbeat: time.Now().UTC()})
		i++
	}

	require.Greater(t, c.scalingFactor(), 1.0)
	c.evaluateScaling(context.Background())
	assert.Equal(t, 4, c.InstanceCount())

	// The cooldown suppresses further action even though the factor is
	// still above the threshold.
	c.evaluateScaling(context.Background())
	assert.Equal(t, 4, c.InstanceCount())
}

func TestScaleDownRetiresLowestHealthInstance(t *testing.T) {
	cfg := Config{
		MinInstances:       1,
		MaxInstances:       4,
		TargetMPS:          1000,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		Cooldown:           time.Nanosecond,
	}
	c, f := newTestCoordinator(t, cfg, nil)
	require.NoError(t, c.ManualScale(context.Background(), 3))
	require.Equal(t, 3, c.InstanceCount())

	ids := make([]string, 0, 3)
	for id := range c.Metrics() {
		ids = append(ids, id)
	}
	c.setInstanceMetrics(ids[0], InstanceMetrics{MPS: 10, HealthScore: 0.9, LastHeartbeat: time.Now().UTC()})
	c.setInstanceMetrics(ids[1], InstanceMetrics{MPS: 10, HealthScore: 0.2, LastHeartbeat: time.Now().UTC()})
	c.setInstanceMetrics(ids[2], InstanceMetrics{MPS: 10, HealthScore: 0.8, LastHeartbeat: time.Now().UTC()})

	time.Sleep(time.Millisecond)
	c.evaluateScaling(context.Background())
	assert.Equal(t, 2, c.InstanceCount())

	_, survives := c.Metrics()[ids[1]]
	assert.False(t, survives)
	for _, inst := range f.instances {
		if inst.id == ids[1] {
			assert.True(t, inst.stopped)
		}
	}
}

func TestManualScaleClampsToBounds(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{MinInstances: 2, MaxInstances: 4}, nil)

	require.NoError(t, c.ManualScale(context.Background(), 10))
	assert.Equal(t, 4, c.InstanceCount())

	require.NoError(t, c.ManualScale(context.Background(), 0))
	assert.Equal(t, 2, c.InstanceCount())
}

func TestManualPolicySkipsAutomaticScaling(t *testing.T) {
	cfg := Config{
		MinInstances: 1,
		MaxInstances: 4,
		TargetMPS:    100,
		Policy:       PolicyManual,
		Cooldown:     time.Nanosecond,
	}
	c, _ := newTestCoordinator(t, cfg, nil)
	for id := range c.Metrics() {
		c.setInstanceMetrics(id, InstanceMetrics{MPS: 10000, HealthScore: 1, LastHeartbeat: time.Now().UTC()})
	}
	time.Sleep(time.Millisecond)
	c.evaluateScaling(context.Background())
	assert.Equal(t, 1, c.InstanceCount())
}

func TestDistributeMessagePrefersLeastLoaded(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{MinInstances: 2, MaxInstances: 4}, nil)

	ids := make([]string, 0, 2)
	for id := range c.Metrics() {
		ids = append(ids, id)
	}
	c.setInstanceMetrics(ids[0], InstanceMetrics{LatencyMS: 900, ErrorRate: 0.2, MPS: 900, HealthScore: 0.4, LastHeartbeat: time.Now().UTC()})
	c.setInstanceMetrics(ids[1], InstanceMetrics{LatencyMS: 50, ErrorRate: 0, MPS: 100, HealthScore: 1, LastHeartbeat: time.Now().UTC()})

	resp, err := c.DistributeMessage(context.Background(), routing.RoleSI, "sync_invoices", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, ids[1], resp["served_by"])
}

func TestScalingEventsPersistToStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := pkgredis.NewClientFromExisting(
		goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), zap.NewNop())
	store := NewRedisStore(client)

	c, _ := newTestCoordinator(t, Config{MinInstances: 1, MaxInstances: 4}, store)
	require.NoError(t, c.ManualScale(context.Background(), 3))

	events, err := store.Events(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Before)
	assert.Equal(t, 3, events[0].After)
	assert.Equal(t, "manual", events[0].Reason)
}
