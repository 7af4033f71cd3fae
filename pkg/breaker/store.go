package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/taxpoynt/messagefabric/pkg/redis"
)

const stateTTL = time.Hour

// StateStore mirrors breaker state to a shared store so replicas converge
// on the same position.
type StateStore interface {
	SaveState(ctx context.Context, name string, snap Snapshot) error
	LoadState(ctx context.Context, name string) (Snapshot, bool, error)
	RecordFailure(ctx context.Context, name string, ts, pruneBefore time.Time) error
}

// RedisStateStore persists breaker state under taxpoynt:circuit_breaker.
type RedisStateStore struct {
	client *redis.Client
	keys   *redis.KeyBuilder
}

// NewRedisStateStore builds the store on an established client.
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{
		client: client,
		keys:   redis.NewKeyBuilder("taxpoynt", "circuit_breaker"),
	}
}

// SaveState writes the snapshot with the hourly TTL.
func (s *RedisStateStore) SaveState(ctx context.Context, name string, snap Snapshot) error {
	key := s.keys.Build(name, "state")
	if err := s.client.HSetJSON(ctx, key, "snapshot", snap); err != nil {
		return err
	}
	if err := s.client.Expire(ctx, key, stateTTL).Err(); err != nil {
		return fmt.Errorf("failed to set breaker state TTL: %w", err)
	}
	return nil
}

// LoadState reads a previously persisted snapshot.
func (s *RedisStateStore) LoadState(ctx context.Context, name string) (Snapshot, bool, error) {
	var snap Snapshot
	found, err := s.client.HGetJSON(ctx, s.keys.Build(name, "state"), "snapshot", &snap)
	return snap, found, err
}

// RecordFailure appends a failure timestamp to the rolling sorted set and
// prunes entries that fell out of the window.
func (s *RedisStateStore) RecordFailure(ctx context.Context, name string, ts, pruneBefore time.Time) error {
	key := s.keys.Build(name, "failures")
	score := float64(ts.UnixMilli())
	if err := s.client.ZAdd(ctx, key, goredis.Z{
		Score:  score,
		Member: strconv.FormatInt(ts.UnixNano(), 10),
	}).Err(); err != nil {
		return fmt.Errorf("failed to record breaker failure: %w", err)
	}
	max := strconv.FormatInt(pruneBefore.UnixMilli(), 10)
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", max).Err(); err != nil {
		return fmt.Errorf("failed to prune breaker failures: %w", err)
	}
	if err := s.client.Expire(ctx, key, stateTTL).Err(); err != nil {
		return fmt.Errorf("failed to set breaker failures TTL: %w", err)
	}
	return nil
}
