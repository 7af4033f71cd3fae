package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	pkgredis "github.com/taxpoynt/messagefabric/pkg/redis"
)

// Redis dials the shared store, retrying with exponential backoff so the
// process survives a store that comes up a little later than it does.
func Redis(ctx context.Context, cfg pkgredis.Config, log *zap.Logger) (*pkgredis.Client, error) {
	var client *pkgredis.Client

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	operation := func() error {
		c, err := pkgredis.NewClient(cfg, log)
		if err != nil {
			log.Warn("Shared store not reachable yet, retrying", zap.Error(err))
			return err
		}
		client = c
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to shared store: %w", err)
	}
	return client, nil
}
