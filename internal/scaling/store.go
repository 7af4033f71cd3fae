package scaling

import (
	"context"
	"fmt"
	"time"

	"github.com/taxpoynt/messagefabric/pkg/json"
	"github.com/taxpoynt/messagefabric/pkg/redis"
)

// ScalingEvent records one fleet size change.
type ScalingEvent struct {
	Before    int       `json:"before"`
	After     int       `json:"after"`
	Target    int       `json:"target"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists coordinator state for operators and peer replicas.
type Store interface {
	SaveMetrics(ctx context.Context, metrics map[string]InstanceMetrics) error
	AppendEvent(ctx context.Context, event ScalingEvent) error
	Events(ctx context.Context, limit int64) ([]ScalingEvent, error)
}

// RedisStore writes under taxpoynt:scaling_coordinator.
type RedisStore struct {
	client *redis.Client
	keys   *redis.KeyBuilder
}

// NewRedisStore builds the store on an established client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		keys:   redis.NewKeyBuilder("taxpoynt", "scaling_coordinator"),
	}
}

// SaveMetrics mirrors the per-instance metrics hash.
func (s *RedisStore) SaveMetrics(ctx context.Context, metrics map[string]InstanceMetrics) error {
	key := s.keys.Build("metrics")
	for id, m := range metrics {
		if err := s.client.HSetJSON(ctx, key, id, m); err != nil {
			return err
		}
	}
	if err := s.client.Expire(ctx, key, time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to set metrics TTL: %w", err)
	}
	return nil
}

// AppendEvent pushes the event onto the capped event list.
func (s *RedisStore) AppendEvent(ctx context.Context, event ScalingEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal scaling event: %w", err)
	}
	key := s.keys.Build("events")
	if err := s.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to append scaling event: %w", err)
	}
	if err := s.client.LTrim(ctx, key, 0, 999).Err(); err != nil {
		return fmt.Errorf("failed to trim scaling events: %w", err)
	}
	return nil
}

// Events returns the most recent scaling events, newest first.
func (s *RedisStore) Events(ctx context.Context, limit int64) ([]ScalingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, s.keys.Build("events"), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read scaling events: %w", err)
	}
	out := make([]ScalingEvent, 0, len(raw))
	for _, item := range raw {
		var event ScalingEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue
		}
		out = append(out, event)
	}
	return out, nil
}
