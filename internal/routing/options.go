package routing

import (
	"time"

	"github.com/taxpoynt/messagefabric/internal/bus"
)

// EndpointOption customises a service registration.
type EndpointOption func(*ServiceEndpoint)

// WithEndpointURL sets the remote delivery URL.
func WithEndpointURL(url string) EndpointOption {
	return func(ep *ServiceEndpoint) { ep.URL = url }
}

// WithDeliverer attaches an in-process delivery target. Deliverers are
// local to the replica and never serialized.
func WithDeliverer(d Deliverer) EndpointOption {
	return func(ep *ServiceEndpoint) { ep.deliverer = d }
}

// WithEndpointPriority sets the endpoint priority used by PRIORITY and
// FAILOVER strategies.
func WithEndpointPriority(p int) EndpointOption {
	return func(ep *ServiceEndpoint) { ep.Priority = p }
}

// WithLoadFactor sets the relative capacity weight.
func WithLoadFactor(f float64) EndpointOption {
	return func(ep *ServiceEndpoint) {
		if f > 0 {
			ep.LoadFactor = f
		}
	}
}

// WithEndpointTags attaches tags.
func WithEndpointTags(tags ...string) EndpointOption {
	return func(ep *ServiceEndpoint) { ep.Tags = tags }
}

// WithEndpointMetadata attaches metadata, including the advertised
// "operations" set.
func WithEndpointMetadata(md map[string]interface{}) EndpointOption {
	return func(ep *ServiceEndpoint) { ep.Metadata = md }
}

// RouteOption customises one routed message.
type RouteOption func(*RoutedMessage)

// WithRoutePriority sets the message priority.
func WithRoutePriority(p bus.Priority) RouteOption {
	return func(m *RoutedMessage) { m.Priority = p }
}

// WithSourceService records the originating service.
func WithSourceService(name string) RouteOption {
	return func(m *RoutedMessage) { m.Context.SourceService = name }
}

// WithSourceRole records the originating role.
func WithSourceRole(role Role) RouteOption {
	return func(m *RoutedMessage) { m.Context.SourceRole = role }
}

// WithRouteTenant sets the tenant id.
func WithRouteTenant(id string) RouteOption {
	return func(m *RoutedMessage) { m.Context.TenantID = id }
}

// WithRouteCorrelation sets the correlation id.
func WithRouteCorrelation(id string) RouteOption {
	return func(m *RoutedMessage) { m.Context.CorrelationID = id }
}

// WithRouteExpiry sets the message expiry.
func WithRouteExpiry(t time.Time) RouteOption {
	return func(m *RoutedMessage) {
		u := t.UTC()
		m.ExpiresAt = &u
	}
}
