package errorcoord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/bus"
)

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *bus.Bus) {
	t.Helper()
	b := bus.New(zap.NewNop())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	c := New(cfg, b, zap.NewNop())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c, b
}

func collectEvents(t *testing.T, b *bus.Bus, pattern string) func() []*bus.Event {
	t.Helper()
	var mu sync.Mutex
	var events []*bus.Event
	_, err := b.Subscribe(pattern, func(_ context.Context, ev *bus.Event) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return func() []*bus.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]*bus.Event{}, events...)
	}
}

func waitForEvents(t *testing.T, snapshot func() []*bus.Event, n int) []*bus.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events, got %d", n, len(snapshot()))
	return nil
}

func TestFingerprintStableAcrossVariableMessageParts(t *testing.T) {
	a := Fingerprint("IntegrationError", CategoryIntegration, "banking_service", "sync_transactions",
		Template("User 42 at x@y.com failed"))
	b := Fingerprint("IntegrationError", CategoryIntegration, "banking_service", "sync_transactions",
		Template("User 99 at z@w.com failed"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)

	other := Fingerprint("IntegrationError", CategoryIntegration, "banking_service", "list_accounts",
		Template("User 42 at x@y.com failed"))
	assert.NotEqual(t, a, other)
}

func TestTemplateNormalisesVariableTokens(t *testing.T) {
	cases := map[string]string{
		"request 7 took 3.5s":                  "request {number} took {number}s",
		"lookup of 550e8400-e29b-41d4-a716-446655440000 failed": "lookup of {uuid} failed",
		"mail to ops@taxpoynt.com bounced":     "mail to {email} bounced",
		"GET https://api.firs.gov.ng/v1/submit returned 502": "GET {url} returned {number}",
		"cannot open /var/lib/fabric/state.json":             "cannot open {path}",
	}
	for in, want := range cases {
		assert.Equal(t, want, Template(in), in)
	}
}

func TestReportsAggregateIntoPattern(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{FailureThreshold: 100})

	var fingerprint string
	for i, op := range []string{"sync_transactions", "sync_transactions", "list_accounts"} {
		rec, err := c.ReportError(context.Background(), Report{
			ErrorType:   "IntegrationError",
			Category:    CategoryIntegration,
			Message:     "upstream returned 502",
			ServiceName: "banking_service",
			Operation:   op,
		})
		require.NoError(t, err)
		if i == 0 {
			fingerprint = rec.Fingerprint
		} else if op == "sync_transactions" {
			assert.Equal(t, fingerprint, rec.Fingerprint)
		}
	}

	// The third report names a different operation, so it lands in its
	// own pattern.
	p, ok := c.Pattern(fingerprint)
	require.True(t, ok)
	assert.Equal(t, 2, p.Frequency)
	assert.Equal(t, []string{"sync_transactions"}, p.AffectedOperations)
	assert.False(t, p.FirstSeen.After(p.LastSeen))

	assert.Len(t, c.Patterns(), 2)
	assert.Equal(t, fingerprint, c.Patterns()[0].Fingerprint)
}

func TestAuthExpiryGetsTokenRefreshHint(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{FailureThreshold: 100})

	rec, err := c.ReportError(context.Background(), Report{
		ErrorType:   "AuthenticationError",
		Category:    CategoryAuthentication,
		Message:     "access token expired",
		ServiceName: "firs_service",
		Operation:   "submit_invoice",
	})
	require.NoError(t, err)
	assert.Equal(t, "refresh_token", rec.Hints["recovery"])

	p, ok := c.Pattern(rec.Fingerprint)
	require.True(t, ok)
	assert.Contains(t, p.SuggestedActions, "refresh_token")
}

func TestNetworkErrorsGetRetryPlan(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{FailureThreshold: 100})

	rec, err := c.ReportError(context.Background(), Report{
		ErrorType:   "ConnectionError",
		Category:    CategoryNetwork,
		Message:     "connection refused",
		ServiceName: "banking_service",
		Operation:   "sync_transactions",
	})
	require.NoError(t, err)

	plan, ok := rec.Hints["recovery_plan"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "retry_with_backoff", plan["action"])
	assert.Equal(t, 3, plan["max_retries"])
}

func TestConstraintViolationGetsRollbackHint(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{FailureThreshold: 100})

	rec, err := c.ReportError(context.Background(), Report{
		ErrorType:   "IntegrityError",
		Category:    CategoryDatabase,
		Message:     "duplicate key value violates unique constraint",
		ServiceName: "invoice_service",
		Operation:   "create_invoice",
	})
	require.NoError(t, err)
	assert.Equal(t, "rollback_transaction", rec.Hints["recovery"])
}

func TestCriticalSystemErrorEscalates(t *testing.T) {
	c, b := newTestCoordinator(t, Config{FailureThreshold: 100})
	snapshot := collectEvents(t, b, EscalatedEventType)

	_, err := c.ReportError(context.Background(), Report{
		ErrorType:   "OutOfMemory",
		Category:    CategorySystem,
		Message:     "worker pool exhausted",
		ServiceName: "message_router",
		Operation:   "route_message",
		Severity:    SeverityCritical,
	})
	require.NoError(t, err)

	events := waitForEvents(t, snapshot, 1)
	assert.Equal(t, "OutOfMemory", events[0].Payload["error_type"])
	assert.Equal(t, bus.PriorityCritical, events[0].Priority)
	assert.Equal(t, 1, c.GetStats().Escalations)
}

func TestRepeatedServiceFailuresRequestBreakerOpen(t *testing.T) {
	c, b := newTestCoordinator(t, Config{FailureThreshold: 3})
	snapshot := collectEvents(t, b, BreakerOpenRequestEventType)

	for i := 0; i < 3; i++ {
		_, err := c.ReportError(context.Background(), Report{
			ErrorType:   "ExternalAPIError",
			Category:    CategoryExternalAPI,
			Message:     "gateway error",
			ServiceName: "firs_service",
			Operation:   "submit_invoice",
		})
		require.NoError(t, err)
	}

	events := waitForEvents(t, snapshot, 1)
	assert.Equal(t, "firs_service", events[0].Payload["service"])
	assert.Equal(t, 1, c.GetStats().BreakerRequests)

	// The counter resets after a request, so two more failures stay
	// below the threshold.
	for i := 0; i < 2; i++ {
		_, err := c.ReportError(context.Background(), Report{
			ErrorType:   "ExternalAPIError",
			Category:    CategoryExternalAPI,
			Message:     "gateway error",
			ServiceName: "firs_service",
			Operation:   "submit_invoice",
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, c.GetStats().BreakerRequests)
}

func TestBusReportedEventsAreDecoded(t *testing.T) {
	c, b := newTestCoordinator(t, Config{FailureThreshold: 100})

	_, err := b.Emit(context.Background(), ReportedEventType, map[string]interface{}{
		"error_type":   "ValidationError",
		"category":     "validation",
		"message":      "field 42 is out of range",
		"service_name": "invoice_service",
		"operation":    "validate_invoice",
	}, bus.WithSource("invoice_service"), bus.WithTenant("tenant-1"))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.GetStats().TotalReports >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	recs := c.Records(1)
	require.Len(t, recs, 1)
	assert.Equal(t, "ValidationError", recs[0].Report.ErrorType)
	assert.Equal(t, CategoryValidation, recs[0].Report.Category)
	assert.Equal(t, "tenant-1", recs[0].Report.TenantID)
	assert.Equal(t, "field {number} is out of range", recs[0].Template)
}

func TestCustomTypeHandlerRuns(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{FailureThreshold: 100})

	c.RegisterTypeHandler("QuotaExceeded", func(_ context.Context, _ *Coordinator, rec *Record) error {
		rec.Hints["recovery"] = "raise_quota"
		return nil
	})

	rec, err := c.ReportError(context.Background(), Report{
		ErrorType:   "QuotaExceeded",
		Category:    CategoryResource,
		Message:     "tenant quota exceeded",
		ServiceName: "invoice_service",
		Operation:   "submit_invoice",
	})
	require.NoError(t, err)
	assert.Equal(t, "raise_quota", rec.Hints["recovery"])
}
