package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/taxpoynt/messagefabric/pkg/json"
)

// snapshot is the on-disk form of a queue: only messages still waiting to be
// processed survive a restart.
type snapshot struct {
	Queue    string     `json:"queue"`
	SavedAt  time.Time  `json:"saved_at"`
	Messages []*Message `json:"messages"`
}

func (q *Queue) snapshotPath() string {
	return filepath.Join(q.cfg.PersistDir, q.name+".json")
}

// persist writes QUEUED and RETRY messages to the queue snapshot file.
func (q *Queue) persist() error {
	q.mu.Lock()
	snap := snapshot{Queue: q.name, SavedAt: time.Now().UTC()}
	for _, m := range q.registry {
		if m.Status == StatusQueued || m.Status == StatusRetry {
			snap.Messages = append(snap.Messages, m)
		}
	}
	q.mu.Unlock()

	if err := os.MkdirAll(q.cfg.PersistDir, 0o755); err != nil {
		return fmt.Errorf("failed to create persist dir: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal queue snapshot: %w", err)
	}
	tmp := q.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write queue snapshot: %w", err)
	}
	if err := os.Rename(tmp, q.snapshotPath()); err != nil {
		return fmt.Errorf("failed to replace queue snapshot: %w", err)
	}
	return nil
}

// load restores messages from the snapshot file, if one exists.
func (q *Queue) load() error {
	data, err := os.ReadFile(q.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read queue snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal queue snapshot: %w", err)
	}

	now := time.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range snap.Messages {
		if _, exists := q.registry[m.ID]; exists {
			continue
		}
		q.seq++
		m.seq = q.seq
		m.Status = StatusQueued
		q.registry[m.ID] = m
		if q.cfg.Type == TypeDelayed || m.ScheduledAt.After(now) {
			q.pending.push(m)
		} else {
			q.ready.push(m)
		}
	}
	return nil
}
