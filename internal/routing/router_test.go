package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/bus"
	pkgredis "github.com/taxpoynt/messagefabric/pkg/redis"
)

func newTestRouter(t *testing.T, production bool) *Router {
	t.Helper()
	b := bus.New(zap.NewNop())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return New(Config{Production: production}, NewMemoryBackend(), b, zap.NewNop())
}

// recordingDeliverer captures deliveries and returns a fixed response.
type recordingDeliverer struct {
	mu       sync.Mutex
	calls    []DeliveryContext
	response map[string]interface{}
	err      error
}

func (d *recordingDeliverer) Deliver(_ context.Context, _ string, _ map[string]interface{}, dctx DeliveryContext) (map[string]interface{}, error) {
	d.mu.Lock()
	d.calls = append(d.calls, dctx)
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	out := make(map[string]interface{}, len(d.response))
	for k, v := range d.response {
		out[k] = v
	}
	return out, nil
}

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func TestRegisterServiceRoleMappingIntegrity(t *testing.T) {
	r := newTestRouter(t, false)
	ctx := context.Background()

	id, err := r.RegisterService(ctx, "banking_integration", RoleSI)
	require.NoError(t, err)

	assert.Contains(t, r.RoleMembers(RoleSI), id)
	for _, role := range []Role{RoleAPP, RoleHybrid, RoleHybridCoordinator, RoleCore} {
		assert.NotContains(t, r.RoleMembers(role), id)
	}

	require.NoError(t, r.UnregisterService(ctx, id))
	assert.NotContains(t, r.RoleMembers(RoleSI), id)
	_, found := r.Endpoint(id)
	assert.False(t, found)
}

func TestApplicableRulesSortedByPriorityDescending(t *testing.T) {
	r := newTestRouter(t, false)
	ctx := context.Background()

	for i, prio := range []int{10, 90, 50, 90} {
		require.NoError(t, r.AddRoutingRule(ctx, &RoutingRule{
			ID:         fmt.Sprintf("rule-%d", i),
			TargetRole: RoleSI,
			Strategy:   StrategyRoundRobin,
			Priority:   prio,
		}))
	}

	msg := r.newMessage(RoleSI, "sync_invoices", nil)
	rules := r.applicableRules(msg)
	require.Len(t, rules, 4)
	for i := 1; i < len(rules); i++ {
		assert.GreaterOrEqual(t, rules[i-1].Priority, rules[i].Priority)
	}
	// Ties break deterministically by rule id.
	assert.Equal(t, "rule-1", rules[0].ID)
	assert.Equal(t, "rule-3", rules[1].ID)
}

func TestRouteToSIEndpointInfersCommand(t *testing.T) {
	r := newTestRouter(t, false)
	ctx := context.Background()

	deliverer := &recordingDeliverer{response: map[string]interface{}{"status": "success"}}
	_, err := r.RegisterService(ctx, "banking_integration", RoleSI,
		WithDeliverer(deliverer),
		WithEndpointMetadata(map[string]interface{}{
			"operations": []string{"sync_banking_transactions"},
		}))
	require.NoError(t, err)
	require.NoError(t, r.InstallDefaultRules(ctx))

	resp, err := r.RouteMessage(ctx, RoleSI, "sync_banking_transactions",
		map[string]interface{}{"account_id": "A1"},
		WithSourceService("api_gateway"))
	require.NoError(t, err)

	require.Equal(t, 1, deliverer.count())
	assert.Equal(t, TypeCommand, deliverer.calls[0].MessageType)
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "sync_banking_transactions", resp["operation"])
	assert.Equal(t, true, resp["routing_successful"])
	assert.GreaterOrEqual(t, resp["rules_applied"].(int), 1)
}

func TestBroadcastMergesResponses(t *testing.T) {
	r := newTestRouter(t, false)
	ctx := context.Background()

	for _, name := range []string{"e1", "e2"} {
		name := name
		_, err := r.RegisterService(ctx, "notifier_"+name, RoleCore,
			WithDeliverer(DelivererFunc(func(_ context.Context, _ string, _ map[string]interface{}, _ DeliveryContext) (map[string]interface{}, error) {
				return map[string]interface{}{
					"status": "success",
					"data":   map[string]interface{}{"ok": true, "id": name},
				}, nil
			})))
		require.NoError(t, err)
	}
	require.NoError(t, r.AddRoutingRule(ctx, &RoutingRule{
		ID:         "broadcast-core",
		TargetRole: RoleCore,
		Strategy:   StrategyBroadcast,
		Priority:   10,
	}))

	resp, err := r.RouteMessage(ctx, RoleCore, "notify_all", map[string]interface{}{})
	require.NoError(t, err)

	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, true, resp["merged_responses"])
	assert.Equal(t, 2, resp["response_count"])
	responses := resp["responses"].([]map[string]interface{})
	assert.Len(t, responses, 2)
	data := resp["data"].([]interface{})
	require.Len(t, data, 2)
	ids := map[string]bool{}
	for _, d := range data {
		ids[fmt.Sprint(d.(map[string]interface{})["id"])] = true
	}
	assert.True(t, ids["e1"] && ids["e2"])
}

func TestRoundRobinFairness(t *testing.T) {
	r := newTestRouter(t, false)
	ctx := context.Background()

	const n, k = 3, 7
	deliverers := make([]*recordingDeliverer, n)
	for i := 0; i < n; i++ {
		deliverers[i] = &recordingDeliverer{response: map[string]interface{}{"status": "success"}}
		_, err := r.RegisterService(ctx, fmt.Sprintf("worker_%d", i), RoleHybrid,
			WithDeliverer(deliverers[i]))
		require.NoError(t, err)
	}
	require.NoError(t, r.AddRoutingRule(ctx, &RoutingRule{
		ID:         "rr-hybrid",
		TargetRole: RoleHybrid,
		Strategy:   StrategyRoundRobin,
		Priority:   10,
	}))

	for i := 0; i < n*k; i++ {
		_, err := r.RouteMessage(ctx, RoleHybrid, "process_batch", map[string]interface{}{"n": i})
		require.NoError(t, err)
	}
	for i, d := range deliverers {
		assert.Equal(t, k, d.count(), "endpoint %d", i)
	}
}

func TestFailoverSkipsFailingEndpoint(t *testing.T) {
	r := newTestRouter(t, false)
	ctx := context.Background()

	primary := &recordingDeliverer{err: errors.New("connection refused")}
	secondary := &recordingDeliverer{response: map[string]interface{}{"status": "success", "served_by": "secondary"}}

	_, err := r.RegisterService(ctx, "primary_app", RoleAPP,
		WithDeliverer(primary), WithEndpointPriority(10))
	require.NoError(t, err)
	_, err = r.RegisterService(ctx, "secondary_app", RoleAPP,
		WithDeliverer(secondary), WithEndpointPriority(5))
	require.NoError(t, err)

	require.NoError(t, r.AddRoutingRule(ctx, &RoutingRule{
		ID:         "failover-app",
		TargetRole: RoleAPP,
		Strategy:   StrategyFailover,
		Priority:   10,
	}))

	resp, err := r.RouteMessage(ctx, RoleAPP, "submit_invoice", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp["served_by"])
	assert.Equal(t, 1, primary.count())
	assert.Equal(t, 1, secondary.count())
}

func TestLoadBalancedPrefersIdleEndpoint(t *testing.T) {
	r := newTestRouter(t, false)
	ctx := context.Background()

	busy := &recordingDeliverer{response: map[string]interface{}{"status": "success", "served_by": "busy"}}
	idle := &recordingDeliverer{response: map[string]interface{}{"status": "success", "served_by": "idle"}}

	busyID, err := r.RegisterService(ctx, "busy_si", RoleSI, WithDeliverer(busy))
	require.NoError(t, err)
	_, err = r.RegisterService(ctx, "idle_si", RoleSI, WithDeliverer(idle))
	require.NoError(t, err)

	r.mu.Lock()
	r.endpoints[busyID].Metrics.RequestsPerMinute = 500
	r.endpoints[busyID].Metrics.AvgResponseTimeMS = 800
	r.mu.Unlock()

	require.NoError(t, r.AddRoutingRule(ctx, &RoutingRule{
		ID:         "lb-si",
		TargetRole: RoleSI,
		Strategy:   StrategyLoadBalanced,
		Priority:   10,
	}))

	resp, err := r.RouteMessage(ctx, RoleSI, "sync_invoices", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "idle", resp["served_by"])
}

func TestProductionFailsFastWithoutRules(t *testing.T) {
	r := newTestRouter(t, true)
	_, err := r.RouteMessage(context.Background(), RoleSI, "sync_invoices", map[string]interface{}{})
	var failure *RoutingFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "no applicable rules", failure.Reason)
}

func TestDevelopmentFallbackServesSyntheticResponse(t *testing.T) {
	r := newTestRouter(t, false)
	r.SetFallback(DelivererFunc(func(_ context.Context, operation string, _ map[string]interface{}, _ DeliveryContext) (map[string]interface{}, error) {
		return map[string]interface{}{"status": "success", "synthetic": true, "operation": operation}, nil
	}))

	resp, err := r.RouteMessage(context.Background(), RoleSI, "get_dashboard", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, true, resp["synthetic"])
	assert.Equal(t, true, resp["routing_successful"])
}

func TestRuleConditionExpressionGatesRouting(t *testing.T) {
	r := newTestRouter(t, true)
	ctx := context.Background()

	deliverer := &recordingDeliverer{response: map[string]interface{}{"status": "success"}}
	_, err := r.RegisterService(ctx, "high_value_processor", RoleSI, WithDeliverer(deliverer))
	require.NoError(t, err)

	require.NoError(t, r.AddRoutingRule(ctx, &RoutingRule{
		ID:         "high-value-only",
		TargetRole: RoleSI,
		Strategy:   StrategyRoundRobin,
		Priority:   10,
		Conditions: map[string]interface{}{"expression": "payload.amount > 1000"},
	}))

	_, err = r.RouteMessage(ctx, RoleSI, "process_invoice", map[string]interface{}{"amount": 50})
	require.Error(t, err)
	assert.Equal(t, 0, deliverer.count())

	_, err = r.RouteMessage(ctx, RoleSI, "process_invoice", map[string]interface{}{"amount": 5000})
	require.NoError(t, err)
	assert.Equal(t, 1, deliverer.count())
}

func TestOperationTypeInference(t *testing.T) {
	cases := map[string]MessageType{
		"get_invoice":       TypeQuery,
		"list_transactions": TypeQuery,
		"health_check":      TypeQuery,
		"dashboard_summary": TypeQuery,
		"create_invoice":    TypeCommand,
		"sync_banking":      TypeCommand,
		"validate_irn":      TypeCommand,
		"notify_customer":   TypeEvent,
		"broadcast_update":  TypeEvent,
		"something_else":    TypeCommand,
	}
	for op, want := range cases {
		assert.Equal(t, want, InferMessageType(op), op)
	}
}

func TestSharedStoreCrashRecovery(t *testing.T) {
	mr := miniredis.RunT(t)
	client := pkgredis.NewClientFromExisting(
		goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), zap.NewNop())
	backend := NewRedisBackend(client, zap.NewNop())

	b := bus.New(zap.NewNop())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	ctx := context.Background()
	first := New(Config{InstanceID: "replica-1"}, backend, b, zap.NewNop())
	epID, err := first.RegisterService(ctx, "banking_integration", RoleSI,
		WithEndpointURL("http://banking.internal/hook"))
	require.NoError(t, err)
	require.NoError(t, first.InstallDefaultRules(ctx))
	require.NoError(t, first.AddRoutingRule(ctx, &RoutingRule{
		ID: "custom-rule", TargetRole: RoleAPP, Strategy: StrategyBroadcast, Priority: 5,
	}))

	// A fresh replica hydrates the same tables from the shared store.
	second := New(Config{InstanceID: "replica-2"}, backend, b, zap.NewNop())
	require.NoError(t, second.Start(ctx))
	t.Cleanup(second.Stop)

	stats, err := second.GetRoutingStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.RuleCount)
	assert.Equal(t, 1, stats.EndpointCount)
	assert.Contains(t, stats.RoleMappings["SI"], epID)

	ep, ok := second.Endpoint(epID)
	require.True(t, ok)
	assert.Equal(t, "banking_integration", ep.ServiceName)
	assert.Equal(t, RoleSI, ep.Role)
	assert.Equal(t, "http://banking.internal/hook", ep.URL)
}

func TestRouteToServiceTargetsNamedEndpointOnly(t *testing.T) {
	r := newTestRouter(t, false)
	ctx := context.Background()

	wanted := &recordingDeliverer{response: map[string]interface{}{"status": "success", "served_by": "wanted"}}
	other := &recordingDeliverer{response: map[string]interface{}{"status": "success", "served_by": "other"}}
	_, err := r.RegisterService(ctx, "wanted_service", RoleSI, WithDeliverer(wanted))
	require.NoError(t, err)
	_, err = r.RegisterService(ctx, "other_service", RoleSI, WithDeliverer(other))
	require.NoError(t, err)

	require.NoError(t, r.AddRoutingRule(ctx, &RoutingRule{
		ID: "any-si", TargetRole: RoleSI, Strategy: StrategyBroadcast, Priority: 10,
	}))

	resp, err := r.RouteToService(ctx, "wanted_service", "get_status", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "wanted", resp["served_by"])
	assert.Equal(t, 0, other.count())
}
