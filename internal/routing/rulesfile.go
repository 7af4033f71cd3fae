package routing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/pkg/json"
)

// rulesFile is the on-disk shape of an operator-managed rule set.
type rulesFile struct {
	Rules []*RoutingRule `json:"rules"`
}

// RulesWatcher hot-reloads routing rules from a JSON file. Rules loaded
// from the file are tagged so a reload can replace them without touching
// rules added through the API.
type RulesWatcher struct {
	router  *Router
	path    string
	log     *zap.Logger
	watcher *fsnotify.Watcher
	loaded  map[string]struct{}
	done    chan struct{}
}

// NewRulesWatcher builds a watcher for path. The file may not exist yet;
// it is picked up on creation.
func NewRulesWatcher(router *Router, path string, log *zap.Logger) *RulesWatcher {
	return &RulesWatcher{
		router: router,
		path:   path,
		log:    log.With(zap.String("module", "rules_watcher"), zap.String("path", path)),
		loaded: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

// Start performs an initial load and begins watching for changes.
func (w *RulesWatcher) Start(ctx context.Context) error {
	if err := w.reload(ctx); err != nil {
		w.log.Warn("Initial rules load failed", zap.Error(err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.watcher = watcher
	// Watch the directory: editors replace files with rename+create, which
	// drops a watch held on the file itself.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch rules directory: %w", err)
	}

	go w.run(ctx)
	return nil
}

// Stop ends watching.
func (w *RulesWatcher) Stop() {
	if w.watcher != nil {
		w.watcher.Close()
	}
	<-w.done
}

func (w *RulesWatcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.reload(ctx); err != nil {
				w.log.Warn("Rules reload failed", zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("Rules watcher error", zap.Error(err))
		}
	}
}

// reload swaps file-sourced rules for the file's current contents.
func (w *RulesWatcher) reload(ctx context.Context) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read rules file: %w", err)
	}

	var parsed rulesFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse rules file: %w", err)
	}

	next := make(map[string]struct{}, len(parsed.Rules))
	for _, rule := range parsed.Rules {
		if rule.ID == "" {
			w.log.Warn("Skipping rule without id", zap.String("name", rule.Name))
			continue
		}
		if err := w.router.AddRoutingRule(ctx, rule); err != nil {
			w.log.Warn("Failed to apply rule from file",
				zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		next[rule.ID] = struct{}{}
	}

	for id := range w.loaded {
		if _, still := next[id]; still {
			continue
		}
		if err := w.router.RemoveRoutingRule(ctx, id); err != nil {
			w.log.Warn("Failed to remove dropped rule", zap.String("rule_id", id), zap.Error(err))
		}
	}
	w.loaded = next

	w.log.Info("Routing rules loaded from file", zap.Int("count", len(next)))
	return nil
}
