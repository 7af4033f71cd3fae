package routing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/pkg/json"
	"github.com/taxpoynt/messagefabric/pkg/redis"
)

const (
	routerNamespace  = "taxpoynt"
	routerContext    = "message_router"
	instanceTTL      = 5 * time.Minute
	statsTTL         = time.Hour
	activeRouteTTL   = 10 * time.Minute
)

// activeRoute is the shared-store record of an in-flight message.
type activeRoute struct {
	MessageID string    `json:"message_id"`
	Operation string    `json:"operation"`
	Target    string    `json:"target"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisBackend mirrors routing tables to the shared store so that every
// router replica observes the same endpoints and rules.
type RedisBackend struct {
	client *redis.Client
	keys   *redis.KeyBuilder
	log    *zap.Logger
}

// NewRedisBackend builds a shared-store backend on an established client.
func NewRedisBackend(client *redis.Client, log *zap.Logger) *RedisBackend {
	return &RedisBackend{
		client: client,
		keys:   redis.NewKeyBuilder(routerNamespace, routerContext),
		log:    log.With(zap.String("module", "routing_backend")),
	}
}

// Load reads the complete routing state written by all replicas.
func (b *RedisBackend) Load(ctx context.Context) (*BackendState, error) {
	state := newBackendState()

	err := b.client.HGetAllJSON(ctx, b.keys.Build("service_endpoints"), func(field string, data []byte) error {
		var ep ServiceEndpoint
		if err := json.Unmarshal(data, &ep); err != nil {
			return err
		}
		state.Endpoints[field] = &ep
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoints: %w", err)
	}

	err = b.client.HGetAllJSON(ctx, b.keys.Build("routing_rules"), func(field string, data []byte) error {
		var rule RoutingRule
		if err := json.Unmarshal(data, &rule); err != nil {
			return err
		}
		state.Rules[field] = &rule
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load routing rules: %w", err)
	}

	err = b.client.HGetAllJSON(ctx, b.keys.Build("role_mappings"), func(field string, data []byte) error {
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return err
		}
		state.RoleMappings[Role(field)] = ids
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load role mappings: %w", err)
	}

	counters, err := b.client.HGetAll(ctx, b.keys.Build("round_robin_state")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load round robin state: %w", err)
	}
	for rule, raw := range counters {
		if n, err := strconv.Atoi(raw); err == nil {
			state.RoundRobin[rule] = n
		}
	}
	return state, nil
}

func (b *RedisBackend) PutEndpoint(ctx context.Context, ep *ServiceEndpoint) error {
	return b.client.HSetJSON(ctx, b.keys.Build("service_endpoints"), ep.ID, ep)
}

func (b *RedisBackend) RemoveEndpoint(ctx context.Context, id string) error {
	if err := b.client.HDel(ctx, b.keys.Build("service_endpoints"), id).Err(); err != nil {
		return fmt.Errorf("failed to remove endpoint %s: %w", id, err)
	}
	return nil
}

func (b *RedisBackend) PutRule(ctx context.Context, rule *RoutingRule) error {
	return b.client.HSetJSON(ctx, b.keys.Build("routing_rules"), rule.ID, rule)
}

func (b *RedisBackend) RemoveRule(ctx context.Context, id string) error {
	if err := b.client.HDel(ctx, b.keys.Build("routing_rules"), id).Err(); err != nil {
		return fmt.Errorf("failed to remove rule %s: %w", id, err)
	}
	return nil
}

func (b *RedisBackend) PutRoleMapping(ctx context.Context, role Role, endpointIDs []string) error {
	return b.client.HSetJSON(ctx, b.keys.Build("role_mappings"), string(role), endpointIDs)
}

func (b *RedisBackend) SetRoundRobin(ctx context.Context, ruleID string, counter int) error {
	if err := b.client.HSet(ctx, b.keys.Build("round_robin_state"), ruleID, counter).Err(); err != nil {
		return fmt.Errorf("failed to persist round robin counter: %w", err)
	}
	return nil
}

func (b *RedisBackend) TrackActiveRoute(ctx context.Context, msg *RoutedMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = activeRouteTTL
	}
	record := activeRoute{
		MessageID: msg.ID,
		Operation: msg.Operation,
		Target:    string(msg.Context.TargetRole),
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	return b.client.HSetJSON(ctx, b.keys.Build("active_routes"), msg.ID, record)
}

func (b *RedisBackend) WriteStats(ctx context.Context, instanceID string, stats InstanceStats) error {
	key := b.keys.Build("stats", instanceID)
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal instance stats: %w", err)
	}
	if err := b.client.HSet(ctx, key, "stats", data).Err(); err != nil {
		return fmt.Errorf("failed to write instance stats: %w", err)
	}
	if err := b.client.Expire(ctx, key, statsTTL).Err(); err != nil {
		return fmt.Errorf("failed to set stats TTL: %w", err)
	}
	return nil
}

func (b *RedisBackend) ReadAllStats(ctx context.Context) (map[string]InstanceStats, error) {
	pattern := b.keys.Build("stats") + ":*"
	keys, err := b.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan stats keys: %w", err)
	}
	prefix := b.keys.Build("stats") + ":"
	out := make(map[string]InstanceStats, len(keys))
	for _, key := range keys {
		raw, err := b.client.HGet(ctx, key, "stats").Bytes()
		if err != nil {
			continue
		}
		var stats InstanceStats
		if err := json.Unmarshal(raw, &stats); err != nil {
			b.log.Warn("Skipping undecodable stats entry", zap.String("key", key), zap.Error(err))
			continue
		}
		out[key[len(prefix):]] = stats
	}
	return out, nil
}

// Heartbeat refreshes this replica's liveness record.
func (b *RedisBackend) Heartbeat(ctx context.Context, instanceID string, meta map[string]interface{}) error {
	key := b.keys.Build("instances", instanceID)
	fields := map[string]interface{}{
		"instance_id": instanceID,
		"last_seen":   time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range meta {
		fields[k] = fmt.Sprint(v)
	}
	if err := b.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	if err := b.client.Expire(ctx, key, instanceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set heartbeat TTL: %w", err)
	}
	return nil
}

// Cleanup removes active-route records whose embedded expiry has passed.
func (b *RedisBackend) Cleanup(ctx context.Context) error {
	key := b.keys.Build("active_routes")
	now := time.Now().UTC()
	var expired []string
	err := b.client.HGetAllJSON(ctx, key, func(field string, data []byte) error {
		var record activeRoute
		if err := json.Unmarshal(data, &record); err != nil {
			expired = append(expired, field)
			return nil
		}
		if record.ExpiresAt.Before(now) {
			expired = append(expired, field)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		if err := b.client.HDel(ctx, key, expired...).Err(); err != nil {
			return fmt.Errorf("failed to remove expired routes: %w", err)
		}
	}
	return nil
}

func (b *RedisBackend) Close() error { return nil }
