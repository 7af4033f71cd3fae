package queue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager owns the named queues of the process.
type Manager struct {
	log        *zap.Logger
	persistDir string

	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewManager creates a queue manager. persistDir is applied to queues created
// with persistence enabled but no explicit directory.
func NewManager(persistDir string, log *zap.Logger) *Manager {
	return &Manager{
		log:        log.With(zap.String("module", "queue_manager")),
		persistDir: persistDir,
		queues:     make(map[string]*Queue),
	}
}

// Create registers a new named queue.
func (m *Manager) Create(name string, cfg Config) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[name]; exists {
		return nil, fmt.Errorf("queue %s already exists", name)
	}
	if cfg.Persist && cfg.PersistDir == "" {
		cfg.PersistDir = m.persistDir
	}
	q := New(name, cfg, m.log)
	m.queues[name] = q
	m.log.Info("Queue created", zap.String("queue", name), zap.String("type", string(cfg.Type)))
	return q, nil
}

// Get returns the queue with the given name.
func (m *Manager) Get(name string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// Delete stops and removes a queue.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	delete(m.queues, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue %s not found", name)
	}
	q.Stop()
	return nil
}

// StartAll starts every registered queue.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, q := range m.queues {
		if err := q.Start(ctx); err != nil {
			return fmt.Errorf("failed to start queue %s: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every registered queue.
func (m *Manager) StopAll() {
	m.mu.RLock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()
	for _, q := range queues {
		q.Stop()
	}
}

// Stats returns per-queue counters.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.queues))
	for name, q := range m.queues {
		out[name] = q.Stats()
	}
	return out
}
