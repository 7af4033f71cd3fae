package routing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/bus"
	"github.com/taxpoynt/messagefabric/pkg/json"
)

// Deliverer is the single typed delivery surface for in-process consumers
// and remote transports alike.
type Deliverer interface {
	Deliver(ctx context.Context, operation string, payload map[string]interface{}, dctx DeliveryContext) (map[string]interface{}, error)
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, operation string, payload map[string]interface{}, dctx DeliveryContext) (map[string]interface{}, error)

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, operation string, payload map[string]interface{}, dctx DeliveryContext) (map[string]interface{}, error) {
	return f(ctx, operation, payload, dctx)
}

// PayloadFunc adapts a consumer that only looks at the payload.
func PayloadFunc(fn func(payload map[string]interface{}) (map[string]interface{}, error)) Deliverer {
	return DelivererFunc(func(_ context.Context, _ string, payload map[string]interface{}, _ DeliveryContext) (map[string]interface{}, error) {
		return fn(payload)
	})
}

// OperationFunc adapts a consumer that dispatches on the operation name.
func OperationFunc(fn func(operation string, payload map[string]interface{}) (map[string]interface{}, error)) Deliverer {
	return DelivererFunc(func(_ context.Context, operation string, payload map[string]interface{}, _ DeliveryContext) (map[string]interface{}, error) {
		return fn(operation, payload)
	})
}

// BusDeliverer emits message.<type> events for endpoints without an
// in-process callback or URL.
type BusDeliverer struct {
	bus *bus.Bus
}

// NewBusDeliverer wires delivery onto the event bus.
func NewBusDeliverer(b *bus.Bus) *BusDeliverer {
	return &BusDeliverer{bus: b}
}

// Deliver emits the message as an event scoped to the target role.
func (d *BusDeliverer) Deliver(ctx context.Context, operation string, payload map[string]interface{}, dctx DeliveryContext) (map[string]interface{}, error) {
	eventType := fmt.Sprintf("message.%s", dctx.MessageType)
	eventID, err := d.bus.Emit(ctx, eventType, map[string]interface{}{
		"message_id":     dctx.MessageID,
		"message_type":   string(dctx.MessageType),
		"operation":      operation,
		"payload":        payload,
		"source_service": dctx.SourceService,
		"source_role":    string(dctx.SourceRole),
		"target_service": dctx.TargetService,
		"timestamp":      dctx.Timestamp.UTC().Format(time.RFC3339),
		"correlation_id": dctx.CorrelationID,
		"tenant_id":      dctx.TenantID,
	},
		bus.WithSource("message_router"),
		bus.WithScope(dctx.TargetRole.Scope()),
		bus.WithTenant(dctx.TenantID),
		bus.WithCorrelation(dctx.CorrelationID),
	)
	if err != nil {
		return nil, fmt.Errorf("bus delivery failed: %w", err)
	}
	return map[string]interface{}{
		"status":         "accepted",
		"delivery":       "event_bus",
		"event_id":       eventID,
		"target_service": dctx.TargetService,
	}, nil
}

// HTTPDeliverer posts messages to an endpoint URL, guarded per target by a
// circuit breaker so a dead downstream fails fast instead of tying up
// routing workers.
type HTTPDeliverer struct {
	client   *http.Client
	log      *zap.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPDeliverer builds an HTTP transport with a default timeout.
func NewHTTPDeliverer(log *zap.Logger) *HTTPDeliverer {
	return &HTTPDeliverer{
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log.With(zap.String("module", "http_delivery")),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (d *HTTPDeliverer) breakerFor(target string) *gobreaker.CircuitBreaker {
	if cb, ok := d.breakers[target]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn("HTTP delivery breaker state change",
				zap.String("target", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	d.breakers[target] = cb
	return cb
}

// DeliverTo posts the delivery envelope to url.
func (d *HTTPDeliverer) DeliverTo(ctx context.Context, url, operation string, payload map[string]interface{}, dctx DeliveryContext) (map[string]interface{}, error) {
	result, err := d.breakerFor(dctx.TargetService).Execute(func() (interface{}, error) {
		return d.post(ctx, url, operation, payload, dctx)
	})
	if err != nil {
		return nil, err
	}
	resp, _ := result.(map[string]interface{})
	return resp, nil
}

func (d *HTTPDeliverer) post(ctx context.Context, url, operation string, payload map[string]interface{}, dctx DeliveryContext) (map[string]interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{
		"message_id":     dctx.MessageID,
		"message_type":   string(dctx.MessageType),
		"operation":      operation,
		"payload":        payload,
		"source_service": dctx.SourceService,
		"correlation_id": dctx.CorrelationID,
		"tenant_id":      dctx.TenantID,
		"timestamp":      dctx.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode delivery body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Message-ID", dctx.MessageID)
	if dctx.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", dctx.CorrelationID)
	}
	if dctx.TenantID != "" {
		req.Header.Set("X-Tenant-ID", dctx.TenantID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delivery to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read delivery response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("delivery to %s returned status %d", url, resp.StatusCode)
	}

	var decoded map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode delivery response: %w", err)
		}
	}
	if decoded == nil {
		decoded = map[string]interface{}{"status": "success"}
	}
	return decoded, nil
}
