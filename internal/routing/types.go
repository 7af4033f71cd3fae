package routing

import (
	"fmt"
	"strings"
	"time"

	"github.com/taxpoynt/messagefabric/internal/bus"
)

// Role tags a service endpoint with its platform responsibility.
type Role string

const (
	RoleSI                Role = "SI"
	RoleAPP               Role = "APP"
	RoleHybrid            Role = "HYBRID"
	RoleHybridCoordinator Role = "HYBRID_COORDINATOR"
	RoleCore              Role = "CORE"
)

// Scope maps a role to the event-bus scope used for bus-based delivery.
func (r Role) Scope() bus.Scope {
	switch r {
	case RoleSI:
		return bus.ScopeSI
	case RoleAPP:
		return bus.ScopeAPP
	case RoleHybrid, RoleHybridCoordinator:
		return bus.ScopeHybrid
	default:
		return bus.ScopeGlobal
	}
}

// MessageType classifies a routed message.
type MessageType string

const (
	TypeEvent        MessageType = "EVENT"
	TypeCommand      MessageType = "COMMAND"
	TypeQuery        MessageType = "QUERY"
	TypeResponse     MessageType = "RESPONSE"
	TypeNotification MessageType = "NOTIFICATION"
	TypeAlert        MessageType = "ALERT"
)

var (
	queryPrefixes = []string{
		"get_", "list_", "retrieve_", "fetch_", "check_",
		"status", "health", "info", "dashboard",
	}
	commandPrefixes = []string{
		"create_", "submit_", "update_", "delete_", "process_",
		"generate_", "sync_", "register_", "validate_",
		"authenticate", "refresh",
	}
	eventPrefixes = []string{"notify_", "alert_", "broadcast_"}
)

// InferMessageType derives the message type from an operation name.
func InferMessageType(operation string) MessageType {
	op := strings.ToLower(operation)
	for _, p := range queryPrefixes {
		if strings.HasPrefix(op, p) {
			return TypeQuery
		}
	}
	for _, p := range commandPrefixes {
		if strings.HasPrefix(op, p) {
			return TypeCommand
		}
	}
	for _, p := range eventPrefixes {
		if strings.HasPrefix(op, p) {
			return TypeEvent
		}
	}
	return TypeCommand
}

// Strategy selects how a rule distributes a message over its endpoints.
type Strategy string

const (
	StrategyBroadcast    Strategy = "BROADCAST"
	StrategyRoundRobin   Strategy = "ROUND_ROBIN"
	StrategyPriority     Strategy = "PRIORITY"
	StrategyFailover     Strategy = "FAILOVER"
	StrategyLoadBalanced Strategy = "LOAD_BALANCED"
)

// HealthState is the router's view of an endpoint.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthStale     HealthState = "stale"
	HealthUnhealthy HealthState = "unhealthy"
)

// EndpointMetrics feeds the load-balanced strategy.
type EndpointMetrics struct {
	RequestsPerMinute int     `json:"requests_per_minute"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
	ErrorRate         float64 `json:"error_rate"`
	ActiveConnections int     `json:"active_connections"`
	TotalRequests     int64   `json:"total_requests"`
	TotalFailures     int64   `json:"total_failures"`
}

// ServiceEndpoint is a registered delivery target.
type ServiceEndpoint struct {
	ID           string                 `json:"id"`
	ServiceName  string                 `json:"service_name"`
	Role         Role                   `json:"role"`
	URL          string                 `json:"url,omitempty"`
	Priority     int                    `json:"priority"`
	Active       bool                   `json:"active"`
	LoadFactor   float64                `json:"load_factor"`
	LastActivity time.Time              `json:"last_activity"`
	Health       HealthState            `json:"health"`
	Tags         []string               `json:"tags,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Metrics      EndpointMetrics        `json:"metrics"`
	RegisteredAt time.Time              `json:"registered_at"`

	// Callbacks never cross the shared store; each replica reconstructs
	// them from its own local registrations.
	deliverer Deliverer
}

// Deliverer returns the in-process delivery target, if any.
func (e *ServiceEndpoint) Deliverer() Deliverer { return e.deliverer }

// AdvertisedOperations returns the operations the endpoint declared at
// registration.
func (e *ServiceEndpoint) AdvertisedOperations() []string {
	raw, ok := e.Metadata["operations"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

// loadScore ranks an endpoint for LOAD_BALANCED selection; lower is better.
func (e *ServiceEndpoint) loadScore() float64 {
	m := e.Metrics
	score := 0.4*float64(m.RequestsPerMinute) +
		0.3*m.AvgResponseTimeMS +
		20*m.ErrorRate +
		0.1*float64(m.ActiveConnections)
	if e.LoadFactor > 0 {
		score /= e.LoadFactor
	}
	return score
}

// RoutingRule binds source/target patterns to a delivery strategy.
type RoutingRule struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name,omitempty"`
	SourcePattern   string                 `json:"source_pattern"`
	TargetPattern   string                 `json:"target_pattern"`
	MessagePattern  string                 `json:"message_pattern"`
	SourceRole      Role                   `json:"source_role,omitempty"`
	TargetRole      Role                   `json:"target_role,omitempty"`
	Strategy        Strategy               `json:"strategy"`
	Priority        int                    `json:"priority"`
	Conditions      map[string]interface{} `json:"conditions,omitempty"`
	Transformations []string               `json:"transformations,omitempty"`
	Filters         map[string]interface{} `json:"filters,omitempty"`
	Enabled         bool                   `json:"enabled"`
	CreatedAt       time.Time              `json:"created_at"`
}

// RoutingContext carries the origin and destination of one routed message.
type RoutingContext struct {
	SourceService  string   `json:"source_service"`
	SourceRole     Role     `json:"source_role,omitempty"`
	TargetServices []string `json:"target_services,omitempty"`
	TargetRole     Role     `json:"target_role,omitempty"`
	TenantID       string   `json:"tenant_id,omitempty"`
	CorrelationID  string   `json:"correlation_id,omitempty"`
}

// RoutedMessage is one message travelling through the router.
type RoutedMessage struct {
	ID           string                 `json:"id"`
	Type         MessageType            `json:"type"`
	Operation    string                 `json:"operation"`
	Payload      map[string]interface{} `json:"payload"`
	Priority     bus.Priority           `json:"priority"`
	Context      RoutingContext         `json:"context"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
	RouteHistory []string               `json:"route_history"`
	CreatedAt    time.Time              `json:"created_at"`
}

// visited reports whether an endpoint already appears in the route history.
func (m *RoutedMessage) visited(endpointID string) bool {
	for _, id := range m.RouteHistory {
		if id == endpointID {
			return true
		}
	}
	return false
}

// DeliveryContext is handed to deliverers alongside the payload.
type DeliveryContext struct {
	MessageID     string      `json:"message_id"`
	MessageType   MessageType `json:"message_type"`
	Operation     string      `json:"operation"`
	SourceService string      `json:"source_service"`
	SourceRole    Role        `json:"source_role,omitempty"`
	TargetService string      `json:"target_service"`
	TargetRole    Role        `json:"target_role,omitempty"`
	TenantID      string      `json:"tenant_id,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// RoutingFailure is the single error shape route callers observe.
type RoutingFailure struct {
	MessageID      string
	Reason         string
	AttemptedRules []string
	LastErr        error
}

func (f *RoutingFailure) Error() string {
	if f.LastErr != nil {
		return fmt.Sprintf("routing failed for message %s: %s: %v", f.MessageID, f.Reason, f.LastErr)
	}
	return fmt.Sprintf("routing failed for message %s: %s", f.MessageID, f.Reason)
}

func (f *RoutingFailure) Unwrap() error { return f.LastErr }

// RouterStatistics is the aggregate returned by GetRoutingStatistics.
type RouterStatistics struct {
	InstanceID      string                 `json:"instance_id"`
	Local           InstanceStats          `json:"local"`
	Cluster         InstanceStats          `json:"cluster"`
	InstanceCount   int                    `json:"instance_count"`
	RuleCount       int                    `json:"rule_count"`
	EndpointCount   int                    `json:"endpoint_count"`
	RoleMappings    map[string][]string    `json:"role_mappings"`
	PerInstance     map[string]InstanceStats `json:"per_instance,omitempty"`
	GeneratedAt     time.Time              `json:"generated_at"`
}

// InstanceStats are per-replica routing counters.
type InstanceStats struct {
	MessagesRouted   int64   `json:"messages_routed"`
	MessagesFailed   int64   `json:"messages_failed"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
	MessagesPerSec   float64 `json:"messages_per_second"`
	ErrorRate        float64 `json:"error_rate"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}
