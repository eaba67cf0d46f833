package cache

import (
	"fmt"
	"sync"
)

// EvictPolicy ranks rows for removal when the cache is over capacity. A
// policy owns one secondary index over its ranking column; install drops the
// indexes of every other policy so only one is ever paid for.
type EvictPolicy interface {
	Name() string
	CreateIndex(x executor) error
	DropIndex(x executor) error
	// Evict removes up to batch rows in ranking order and reports how many
	// went away.
	Evict(x executor, batch int64) (int64, error)
}

// columnPolicy implements EvictPolicy for policies that rank by one column
// ascending, which covers all built-in policies.
type columnPolicy struct {
	name   string
	column string
}

func (p columnPolicy) Name() string { return p.name }

func (p columnPolicy) indexName() string { return "idx_evict_" + p.name }

func (p columnPolicy) CreateIndex(x executor) error {
	_, err := x.Exec(fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON cache (%s)`, p.indexName(), p.column,
	))
	if err != nil {
		return fmt.Errorf("failed to create eviction index %s: %w", p.indexName(), err)
	}
	return nil
}

func (p columnPolicy) DropIndex(x executor) error {
	_, err := x.Exec(fmt.Sprintf(`DROP INDEX IF EXISTS %s`, p.indexName()))
	if err != nil {
		return fmt.Errorf("failed to drop eviction index %s: %w", p.indexName(), err)
	}
	return nil
}

func (p columnPolicy) Evict(x executor, batch int64) (int64, error) {
	res, err := x.Exec(fmt.Sprintf(
		`DELETE FROM cache WHERE rowid IN (
			SELECT rowid FROM cache ORDER BY %s LIMIT ?
		)`, p.column,
	), batch)
	if err != nil {
		return 0, fmt.Errorf("eviction by %s failed: %w", p.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("eviction by %s failed: %w", p.name, err)
	}
	return n, nil
}

var (
	policyMu sync.RWMutex
	policies = map[string]EvictPolicy{
		"lru":     columnPolicy{name: "lru", column: "access"},
		"lfu":     columnPolicy{name: "lfu", column: "access_count"},
		"fifo":    columnPolicy{name: "fifo", column: "store"},
		"default": columnPolicy{name: "default", column: "expire"},
	}
)

// RegisterPolicy adds a custom eviction policy to the registry. Registering
// an already-taken name is an error.
func RegisterPolicy(p EvictPolicy) error {
	policyMu.Lock()
	defer policyMu.Unlock()
	if _, ok := policies[p.Name()]; ok {
		return fmt.Errorf("%w: eviction policy %q already registered", ErrValidation, p.Name())
	}
	policies[p.Name()] = p
	return nil
}

// policyByName resolves a policy; an unregistered name is a configuration
// error, never a silent fallback.
func policyByName(name string) (EvictPolicy, error) {
	policyMu.RLock()
	defer policyMu.RUnlock()
	p, ok := policies[name]
	if !ok {
		return nil, fmt.Errorf("%w: no eviction policy named %q", ErrValidation, name)
	}
	return p, nil
}

// installPolicy makes p the active policy for the store behind x: every
// other policy's eviction index is dropped, p's index is created, and the
// choice is persisted so reopening with the same policy skips the rebuild.
func installPolicy(s *sqliteStore, x executor, p EvictPolicy) error {
	previous, err := s.metaGet(x, "evict")
	if err != nil {
		return err
	}
	active := "idx_evict_" + p.Name()
	rows, err := x.Query(
		`SELECT name FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_evict_%'`,
	)
	if err != nil {
		return fmt.Errorf("failed to enumerate eviction indexes: %w", err)
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to enumerate eviction indexes: %w", err)
		}
		if name != active {
			stale = append(stale, name)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to enumerate eviction indexes: %w", err)
	}
	rows.Close()

	for _, name := range stale {
		if _, err := x.Exec(fmt.Sprintf(`DROP INDEX IF EXISTS %s`, name)); err != nil {
			return fmt.Errorf("failed to drop eviction index %s: %w", name, err)
		}
	}
	if err := p.CreateIndex(x); err != nil {
		return err
	}
	if previous == p.Name() {
		return nil
	}
	return s.metaSet(x, "evict", p.Name())
}
