package cache

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Router fans out to one isolated DiskCache per tag. Engines are created
// lazily on first access to a tag and backed by "<tag>:<name>" files in the
// shared directory; the router itself holds no record data.
type Router struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	engines map[string]*DiskCache
}

// NewRouter validates the base configuration shared by all tags. No file is
// created until a tag is first used.
func NewRouter(cfg Config) (*Router, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{
		cfg:     cfg,
		logger:  cfg.Logger,
		engines: make(map[string]*DiskCache),
	}, nil
}

// Recipe resolves the engine for a tag, creating it on first use. An empty
// tag means DefaultTag. Creation is double-checked under the write lock;
// the common path is a read-locked map hit.
func (r *Router) Recipe(tag string) (*DiskCache, error) {
	if tag == "" {
		tag = DefaultTag
	}
	r.mu.RLock()
	engine := r.engines[tag]
	r.mu.RUnlock()
	if engine != nil {
		return engine, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if engine := r.engines[tag]; engine != nil {
		return engine, nil
	}
	cfg := r.cfg
	cfg.Name = tag + ":" + r.cfg.Name
	engine, err := NewDiskCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace %q: %w", tag, err)
	}
	r.engines[tag] = engine
	r.logger.Debug("namespace opened", slog.String("tag", tag))
	return engine, nil
}

// Drop closes a tag's engine and deletes its backing store files, including
// the WAL sidecars. Dropping a tag that was never touched removes nothing.
func (r *Router) Drop(tag string) error {
	if tag == "" {
		tag = DefaultTag
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	engine, ok := r.engines[tag]
	if !ok {
		return nil
	}
	delete(r.engines, tag)
	// Rows about to vanish with the store still hold overflow references;
	// drop them so content files owned only by this namespace are reaped.
	if err := engine.releaseOverflow(); err != nil {
		return fmt.Errorf("failed to release namespace %q: %w", tag, err)
	}
	if err := engine.Close(); err != nil {
		return fmt.Errorf("failed to close namespace %q: %w", tag, err)
	}
	base := engine.Location()
	for _, path := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete namespace %q: %w", tag, err)
		}
	}
	r.logger.Info("namespace dropped", slog.String("tag", tag),
		slog.String("path", filepath.Base(base)))
	return nil
}

// Clear empties every namespace materialized so far. Tags never touched are
// not created for the occasion.
func (r *Router) Clear() error {
	for _, engine := range r.snapshot() {
		if err := engine.Clear(); err != nil {
			return err
		}
	}
	return nil
}

// Len sums the approximate counters of all materialized namespaces. It is
// not transactionally consistent across tags.
func (r *Router) Len() int64 {
	var total int64
	for _, engine := range r.snapshot() {
		total += engine.Len()
	}
	return total
}

// Close releases every materialized engine.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for tag, engine := range r.engines {
		if err := engine.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.engines, tag)
	}
	return first
}

func (r *Router) snapshot() []*DiskCache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engines := make([]*DiskCache, 0, len(r.engines))
	for _, engine := range r.engines {
		engines = append(engines, engine)
	}
	return engines
}

// The remaining methods delegate 1:1 to the tag's engine.

func (r *Router) Set(key, value any, timeout time.Duration, tag string) error {
	engine, err := r.Recipe(tag)
	if err != nil {
		return err
	}
	return engine.Set(key, value, timeout)
}

func (r *Router) ExSet(key, value any, timeout time.Duration, tag string) (bool, error) {
	engine, err := r.Recipe(tag)
	if err != nil {
		return false, err
	}
	return engine.ExSet(key, value, timeout)
}

func (r *Router) Get(key any, tag string) (any, bool, error) {
	engine, err := r.Recipe(tag)
	if err != nil {
		return nil, false, err
	}
	return engine.Get(key)
}

func (r *Router) GetMany(keys []any, tag string) (map[any]any, error) {
	engine, err := r.Recipe(tag)
	if err != nil {
		return nil, err
	}
	return engine.GetMany(keys)
}

func (r *Router) Incr(key any, delta int64, tag string) (any, error) {
	engine, err := r.Recipe(tag)
	if err != nil {
		return nil, err
	}
	return engine.Incr(key, delta)
}

func (r *Router) Decr(key any, delta int64, tag string) (any, error) {
	engine, err := r.Recipe(tag)
	if err != nil {
		return nil, err
	}
	return engine.Decr(key, delta)
}

func (r *Router) Touch(key any, timeout time.Duration, tag string) (bool, error) {
	engine, err := r.Recipe(tag)
	if err != nil {
		return false, err
	}
	return engine.Touch(key, timeout)
}

func (r *Router) Delete(key any, tag string) (bool, error) {
	engine, err := r.Recipe(tag)
	if err != nil {
		return false, err
	}
	return engine.Delete(key)
}

func (r *Router) Pop(key any, tag string) (any, bool, error) {
	engine, err := r.Recipe(tag)
	if err != nil {
		return nil, false, err
	}
	return engine.Pop(key)
}

func (r *Router) TTL(key any, tag string) (time.Duration, bool, error) {
	engine, err := r.Recipe(tag)
	if err != nil {
		return 0, false, err
	}
	return engine.TTL(key)
}

func (r *Router) Exists(key any, tag string) (bool, error) {
	engine, err := r.Recipe(tag)
	if err != nil {
		return false, err
	}
	return engine.Exists(key)
}

func (r *Router) Inspect(key any, tag string) (*Inspection, bool, error) {
	engine, err := r.Recipe(tag)
	if err != nil {
		return nil, false, err
	}
	return engine.Inspect(key)
}

func (r *Router) Keys(tag string) ([]any, error) {
	engine, err := r.Recipe(tag)
	if err != nil {
		return nil, err
	}
	return engine.Keys()
}

func (r *Router) Values(tag string) ([]any, error) {
	engine, err := r.Recipe(tag)
	if err != nil {
		return nil, err
	}
	return engine.Values()
}

func (r *Router) Items(tag string) ([]Item, error) {
	engine, err := r.Recipe(tag)
	if err != nil {
		return nil, err
	}
	return engine.Items()
}
