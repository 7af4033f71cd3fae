package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/apiversion"
	"github.com/taxpoynt/messagefabric/internal/bootstrap"
	"github.com/taxpoynt/messagefabric/internal/bus"
	"github.com/taxpoynt/messagefabric/internal/config"
	"github.com/taxpoynt/messagefabric/internal/deadletter"
	"github.com/taxpoynt/messagefabric/internal/errorcoord"
	"github.com/taxpoynt/messagefabric/internal/pubsub"
	"github.com/taxpoynt/messagefabric/internal/queue"
	"github.com/taxpoynt/messagefabric/internal/routing"
	"github.com/taxpoynt/messagefabric/internal/routing/routingtest"
	"github.com/taxpoynt/messagefabric/internal/scaling"
	"github.com/taxpoynt/messagefabric/pkg/breaker"
	"github.com/taxpoynt/messagefabric/pkg/health"
	"github.com/taxpoynt/messagefabric/pkg/metrics"
	pkgredis "github.com/taxpoynt/messagefabric/pkg/redis"
)

// breakerStateEvents maps breaker states to the bus event announcing the
// transition into them.
var breakerStateEvents = map[breaker.State]string{
	breaker.StateOpen:     "circuit_breaker.opened",
	breaker.StateHalfOpen: "circuit_breaker.half_open",
	breaker.StateClosed:   "circuit_breaker.closed",
}

// Platform assembles the messaging fabric: event bus, queues, pub-sub,
// router, scaling, health, dead letters, error coordination and API
// versioning, wired over one shared store.
type Platform struct {
	cfg *config.Config
	log *zap.Logger

	Redis       *pkgredis.Client
	Bus         *bus.Bus
	Queues      *queue.Manager
	PubSub      *pubsub.Coordinator
	Router      *routing.Router
	Scaling     *scaling.Coordinator
	Health      *health.Checker
	DeadLetters *deadletter.Handler
	Errors      *errorcoord.Coordinator
	Versions    *apiversion.Coordinator
	RateLimiter *apiversion.RateLimiter

	rulesWatcher *routing.RulesWatcher

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
}

// New wires the platform from configuration. In development the process
// runs without a shared store when none is reachable; production
// requires it.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Platform, error) {
	p := &Platform{
		cfg:      cfg,
		log:      log.With(zap.String("module", "platform")),
		breakers: make(map[string]*breaker.Breaker),
	}

	// Development tolerates a missing store; cap the dial time so the
	// process comes up quickly without one.
	dialCtx := ctx
	if !cfg.IsProduction() {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	client, err := bootstrap.Redis(dialCtx, pkgredis.Config{
		URL:          cfg.RedisURL,
		Host:         cfg.RedisHost,
		Port:         cfg.RedisPort,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
	}, log)
	if err != nil {
		if cfg.IsProduction() {
			return nil, err
		}
		p.log.Warn("Running without shared store, state is process-local", zap.Error(err))
	} else {
		p.Redis = client
	}

	p.Bus = bus.New(log)
	p.Queues = queue.NewManager(cfg.QueuePersistDir, log)
	p.PubSub = pubsub.New(p.Bus, log)

	var backend routing.Backend
	if p.Redis != nil {
		backend = routing.NewRedisBackend(p.Redis, log)
	} else {
		backend = routing.NewMemoryBackend()
	}
	p.Router = routing.New(routing.Config{Production: cfg.IsProduction()}, backend, p.Bus, log)
	if !cfg.IsProduction() {
		p.Router.SetFallback(routingtest.NewSyntheticDeliverer())
	}

	var scalingStore scaling.Store
	if p.Redis != nil {
		scalingStore = scaling.NewRedisStore(p.Redis)
	}
	p.Scaling = scaling.New(scaling.Config{MinInstances: 1}, p.routerFactory(), p.Bus, scalingStore, log)

	p.Health = health.NewChecker(p.Redis, log)
	p.DeadLetters = deadletter.NewHandler(deadletter.Config{StorageDir: cfg.DeadLetterDir}, p.Queues, p.Bus, log)
	p.Errors = errorcoord.New(errorcoord.Config{}, p.Bus, log)

	p.Versions = apiversion.NewCoordinator("taxpoynt", log)
	if p.Redis != nil {
		p.RateLimiter = apiversion.NewRateLimiter(p.Redis, log)
	}

	return p, nil
}

// routerFactory builds scaled router replicas over the shared backend.
// Replicas serve URL- and bus-delivered endpoints; callback endpoints
// stay local to the replica that registered them.
func (p *Platform) routerFactory() scaling.Factory {
	return func(ctx context.Context, instanceID string) (scaling.Instance, error) {
		var backend routing.Backend
		if p.Redis != nil {
			backend = routing.NewRedisBackend(p.Redis, p.log)
		} else {
			backend = routing.NewMemoryBackend()
		}
		r := routing.New(routing.Config{
			InstanceID: instanceID,
			Production: p.cfg.IsProduction(),
		}, backend, p.Bus, p.log)
		if !p.cfg.IsProduction() {
			r.SetFallback(routingtest.NewSyntheticDeliverer())
		}
		if err := r.Start(ctx); err != nil {
			return nil, err
		}
		return r, nil
	}
}

// Breaker returns the named circuit breaker, creating it on first use.
// Transitions are announced on the bus and mirrored to the state gauge.
func (p *Platform) Breaker(name string, cfg breaker.Config) *breaker.Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.breakers[name]; ok {
		return b
	}

	var store breaker.StateStore
	if p.Redis != nil {
		store = breaker.NewRedisStateStore(p.Redis)
	}
	b := breaker.New(name, cfg, store, p.log)
	b.OnTransition(func(name string, from, to breaker.State) {
		metrics.BreakerState.WithLabelValues(name).Set(stateGaugeValue(to))
		eventType, ok := breakerStateEvents[to]
		if !ok {
			return
		}
		if _, err := p.Bus.Emit(context.Background(), eventType, map[string]interface{}{
			"breaker": name,
			"from":    string(from),
			"to":      string(to),
		}, bus.WithSource("circuit_breaker"), bus.WithPriority(bus.PriorityHigh)); err != nil {
			p.log.Debug("Breaker transition emit failed", zap.Error(err))
		}
	})
	p.breakers[name] = b
	return b
}

func stateGaugeValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 1
	case breaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// CreateQueue registers a queue and wires its dead-letter sink.
func (p *Platform) CreateQueue(name string, cfg queue.Config, sourceService string) (*queue.Queue, error) {
	q, err := p.Queues.Create(name, cfg)
	if err != nil {
		return nil, err
	}
	p.DeadLetters.AttachQueue(q, sourceService)
	return q, nil
}

// Start brings the fabric up in dependency order: bus first, then the
// messaging layers, then the reliability layers that observe them.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.Bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	if err := p.Queues.StartAll(ctx); err != nil {
		return fmt.Errorf("failed to start queues: %w", err)
	}
	if err := p.PubSub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pub-sub coordinator: %w", err)
	}
	if err := p.Router.Start(ctx); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}
	if err := p.Router.InstallDefaultRules(ctx); err != nil {
		return fmt.Errorf("failed to install default routing rules: %w", err)
	}
	if p.cfg.RulesFile != "" {
		watcher := routing.NewRulesWatcher(p.Router, p.cfg.RulesFile, p.log)
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch rules file: %w", err)
		}
		p.rulesWatcher = watcher
	}

	if err := p.Scaling.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scaling coordinator: %w", err)
	}
	if err := p.Health.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health checker: %w", err)
	}
	if p.Redis != nil {
		p.Health.Register("redis", func(ctx context.Context) error {
			return p.Redis.IsAvailable(ctx)
		}, health.CheckConfig{})
	}

	if err := p.DeadLetters.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dead letter handler: %w", err)
	}
	if err := p.Errors.Start(ctx); err != nil {
		return fmt.Errorf("failed to start error coordinator: %w", err)
	}
	if p.RateLimiter != nil {
		if err := p.RateLimiter.Start(); err != nil {
			return fmt.Errorf("failed to start rate limiter: %w", err)
		}
	}

	p.log.Info("Platform started",
		zap.Bool("production", p.cfg.IsProduction()),
		zap.Bool("shared_store", p.Redis != nil))
	return nil
}

// Stop tears the fabric down in reverse order, draining in-flight work
// before the shared store connection closes.
func (p *Platform) Stop() {
	if p.RateLimiter != nil {
		p.RateLimiter.Stop()
	}
	p.Errors.Stop()
	p.DeadLetters.Stop()
	p.Health.Stop()
	p.Scaling.Stop()
	if p.rulesWatcher != nil {
		p.rulesWatcher.Stop()
	}
	p.Router.Stop()
	p.PubSub.Stop()
	p.Queues.StopAll()

	drained := make(chan struct{})
	go func() {
		p.Bus.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.cfg.DrainTimeout):
		p.log.Warn("Bus drain timed out", zap.Duration("timeout", p.cfg.DrainTimeout))
	}

	if p.Redis != nil {
		if err := p.Redis.Close(); err != nil {
			p.log.Warn("Shared store close failed", zap.Error(err))
		}
	}
	p.log.Info("Platform stopped")
}
