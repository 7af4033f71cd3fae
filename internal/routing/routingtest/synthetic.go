// Package routingtest provides test doubles for the message router. The
// synthetic deliverer stands in for downstream services in development and
// test environments; production routers never reference it.
package routingtest

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taxpoynt/messagefabric/internal/routing"
)

// SyntheticDeliverer fabricates a plausible success response from the
// operation name so development flows can run without real services.
type SyntheticDeliverer struct{}

// NewSyntheticDeliverer builds the development fallback deliverer.
func NewSyntheticDeliverer() *SyntheticDeliverer { return &SyntheticDeliverer{} }

// Deliver returns a synthetic response shaped by the operation prefix.
func (s *SyntheticDeliverer) Deliver(_ context.Context, operation string, payload map[string]interface{}, dctx routing.DeliveryContext) (map[string]interface{}, error) {
	response := map[string]interface{}{
		"status":     "success",
		"operation":  operation,
		"synthetic":  true,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"message_id": dctx.MessageID,
	}

	op := strings.ToLower(operation)
	switch {
	case strings.HasPrefix(op, "get_") || strings.HasPrefix(op, "list_") ||
		strings.HasPrefix(op, "retrieve_") || strings.HasPrefix(op, "fetch_"):
		response["data"] = []interface{}{}
		response["count"] = 0
	case strings.HasPrefix(op, "create_") || strings.HasPrefix(op, "submit_") ||
		strings.HasPrefix(op, "generate_"):
		response["id"] = uuid.NewString()
		response["created"] = true
	case strings.HasPrefix(op, "check_") || strings.HasPrefix(op, "status") ||
		strings.HasPrefix(op, "health"):
		response["healthy"] = true
	case strings.HasPrefix(op, "sync_") || strings.HasPrefix(op, "process_"):
		response["processed"] = len(payload)
		response["sync_complete"] = true
	}
	return response, nil
}

// FailingDeliverer always errors; it exercises failover and retry paths.
type FailingDeliverer struct {
	Err error
}

// Deliver returns the configured error.
func (f *FailingDeliverer) Deliver(context.Context, string, map[string]interface{}, routing.DeliveryContext) (map[string]interface{}, error) {
	return nil, f.Err
}
