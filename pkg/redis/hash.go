package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/taxpoynt/messagefabric/pkg/json"
)

// HSetJSON stores a value under a hash field as JSON.
func (c *Client) HSetJSON(ctx context.Context, key, field string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal hash value: %w", err)
	}
	if err := c.HSet(ctx, key, field, data).Err(); err != nil {
		return fmt.Errorf("failed to write hash %s/%s: %w", key, field, err)
	}
	return nil
}

// HGetJSON reads a hash field and unmarshals it into value. Returns false
// when the field does not exist.
func (c *Client) HGetJSON(ctx context.Context, key, field string, value interface{}) (bool, error) {
	data, err := c.HGet(ctx, key, field).Bytes()
	if err != nil {
		if isNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read hash %s/%s: %w", key, field, err)
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("failed to unmarshal hash %s/%s: %w", key, field, err)
	}
	return true, nil
}

// HGetAllJSON reads every field of a hash, unmarshalling each value with
// decode. Fields that fail to decode are skipped and reported.
func (c *Client) HGetAllJSON(ctx context.Context, key string, decode func(field string, data []byte) error) error {
	entries, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to read hash %s: %w", key, err)
	}
	for field, raw := range entries {
		if err := decode(field, []byte(raw)); err != nil {
			return fmt.Errorf("failed to decode hash %s/%s: %w", key, field, err)
		}
	}
	return nil
}

// SetJSONWithTTL stores a JSON value under a plain key with an expiry.
func (c *Client) SetJSONWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := c.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// GetJSON reads a plain key into value. Returns false on a miss.
func (c *Client) GetJSON(ctx context.Context, key string, value interface{}) (bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if isNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func isNil(err error) bool {
	return err != nil && err.Error() == "redis: nil"
}
