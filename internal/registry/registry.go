// Package registry implements the Configuration Registry (spec.md §4.3): it
// discovers agent descriptors from YAML files, validates and defaults them,
// injects provider credentials from environment secrets, and hot-reloads on
// file change without disrupting agents whose descriptor did not change.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/orbitfleet/orchestra/internal/model"
)

// reloadDebounce coalesces bursts of filesystem events (e.g. an editor's
// write-then-rename save sequence) into a single reload, grounded on the
// original ConfigurationService's watchdog-based hot reload.
const reloadDebounce = 500 * time.Millisecond

// ErrorEntry records why one descriptor file failed to load, kept queryable
// via Errors() rather than aborting the whole load (spec.md §4.3).
type ErrorEntry struct {
	SourceFile string
	Err        error
}

// Registry holds the current set of validated AgentDescriptors, replaced
// atomically on every successful (re)load.
type Registry struct {
	dir        string
	secrets    SecretSource
	logger     *slog.Logger
	hotReload  bool

	mu          sync.RWMutex
	descriptors map[string]model.AgentDescriptor
	errs        map[string]ErrorEntry

	watcher *fsnotify.Watcher
	onLoad  []func(map[string]model.AgentDescriptor)
}

// SecretSource resolves a named credential (e.g. "ANTHROPIC_API_KEY") to its
// value, letting the registry inject provider credentials without ever
// storing them in a descriptor's YAML (spec.md §4.3).
type SecretSource interface {
	Lookup(name string) (string, bool)
}

// New creates a Registry rooted at dir. Call Load to perform the initial
// synchronous discovery, then Watch (optional) to enable hot reload.
func New(dir string, secrets SecretSource, hotReload bool, logger *slog.Logger) *Registry {
	return &Registry{
		dir:         dir,
		secrets:     secrets,
		logger:      logger,
		hotReload:   hotReload,
		descriptors: make(map[string]model.AgentDescriptor),
		errs:        make(map[string]ErrorEntry),
	}
}

// OnLoad registers a callback invoked after every successful reload with the
// full new descriptor set, letting the Orchestrator reconcile registrations.
func (r *Registry) OnLoad(fn func(map[string]model.AgentDescriptor)) {
	r.mu.Lock()
	r.onLoad = append(r.onLoad, fn)
	r.mu.Unlock()
}

// Load discovers and validates every *.yaml/*.yml file in the registry's
// directory. Files that fail to parse or validate are recorded in Errors()
// rather than aborting the load — spec.md §4.3's requirement that one
// malformed descriptor must not block the others.
func (r *Registry) Load() error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("registry: ensure config dir: %w", err)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("registry: read config dir: %w", err)
	}

	next := make(map[string]model.AgentDescriptor)
	errs := make(map[string]ErrorEntry)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(r.dir, name)

		desc, err := r.loadFile(path)
		if err != nil {
			errs[name] = ErrorEntry{SourceFile: path, Err: err}
			r.logger.Error("registry: failed to load descriptor", "file", name, "error", err)
			continue
		}
		next[desc.Name] = desc
	}

	r.mu.Lock()
	r.descriptors = next
	r.errs = errs
	callbacks := append([]func(map[string]model.AgentDescriptor){}, r.onLoad...)
	r.mu.Unlock()

	r.logger.Info("registry: loaded descriptors", "count", len(next), "errors", len(errs))
	for _, cb := range callbacks {
		cb(next)
	}
	return nil
}

func (r *Registry) loadFile(path string) (model.AgentDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.AgentDescriptor{}, fmt.Errorf("read: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return model.AgentDescriptor{}, fmt.Errorf("empty configuration file")
	}

	var desc model.AgentDescriptor
	if err := yaml.Unmarshal(raw, &desc); err != nil {
		return model.AgentDescriptor{}, fmt.Errorf("parse yaml: %w", err)
	}

	if err := injectSecrets(&desc, r.secrets); err != nil {
		return model.AgentDescriptor{}, fmt.Errorf("inject secrets: %w", err)
	}

	if err := desc.Validate(); err != nil {
		return model.AgentDescriptor{}, err
	}
	desc.ApplyDefaults()
	desc.SourceFile = path
	desc.LoadedAt = time.Now().UTC()
	return desc, nil
}

// Watch starts an fsnotify watcher on the registry's directory, debouncing
// bursts of events into a single Load call. Call the returned stop function
// during shutdown.
func (r *Registry) Watch(ctx context.Context) (stop func(), err error) {
	if !r.hotReload {
		return func() {}, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("registry: create watcher: %w", err)
	}
	if err := w.Add(r.dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("registry: watch dir: %w", err)
	}
	r.watcher = w

	done := make(chan struct{})
	go func() {
		defer close(done)
		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			case <-timerC:
				timerC = nil
				if err := r.Load(); err != nil {
					r.logger.Error("registry: hot reload failed", "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Error("registry: watcher error", "error", err)
			}
		}
	}()

	return func() {
		_ = w.Close()
		<-done
	}, nil
}

// Get returns the descriptor named name, if loaded and valid.
func (r *Registry) Get(name string) (model.AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// List returns every currently loaded descriptor.
func (r *Registry) List() []model.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.AgentDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

// ListByMode returns every descriptor whose mode equals m.
func (r *Registry) ListByMode(m model.AgentMode) []model.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.AgentDescriptor
	for _, d := range r.descriptors {
		if d.Mode == m {
			out = append(out, d)
		}
	}
	return out
}

// ListEnabled is an alias for List: every descriptor that survived Load's
// validation pass is by definition enabled — invalid files never enter the
// map and are reported via Errors instead.
func (r *Registry) ListEnabled() []model.AgentDescriptor { return r.List() }

// Errors returns the current set of load failures, keyed by file name.
func (r *Registry) Errors() map[string]ErrorEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ErrorEntry, len(r.errs))
	for k, v := range r.errs {
		out[k] = v
	}
	return out
}
