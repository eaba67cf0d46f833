package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evictIndexes(t *testing.T, c *DiskCache) []string {
	t.Helper()
	db, err := c.store.session()
	require.NoError(t, err)
	rows, err := db.Query(
		`SELECT name FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_evict_%'`,
	)
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	return names
}

func TestPolicyByName(t *testing.T) {
	for _, name := range []string{"lru", "lfu", "fifo", "default"} {
		p, err := policyByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}

	_, err := policyByName("random")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRegisterPolicyDuplicate(t *testing.T) {
	err := RegisterPolicy(columnPolicy{name: "lru", column: "access"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestInstallPolicySwitchesIndex(t *testing.T) {
	dir := t.TempDir()

	c, err := NewDiskCache(Config{Directory: dir, EvictPolicy: "fifo"})
	require.NoError(t, err)
	assert.Equal(t, []string{"idx_evict_fifo"}, evictIndexes(t, c))
	require.NoError(t, c.Close())

	// Reopening under a different policy drops the stale index and persists
	// the new choice.
	c, err = NewDiskCache(Config{Directory: dir, EvictPolicy: "lru"})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, []string{"idx_evict_lru"}, evictIndexes(t, c))

	db, err := c.store.session()
	require.NoError(t, err)
	active, err := c.store.metaGet(db, "evict")
	require.NoError(t, err)
	assert.Equal(t, "lru", active)
}

func TestLFUEvictionRanking(t *testing.T) {
	c := newTestCache(t, Config{MaxSize: 4, EvictPolicy: "lfu"})

	for _, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.Set(key, key, 0))
	}
	// Heat up a and b; c and d stay at zero accesses.
	for i := 0; i < 3; i++ {
		_, _, err := c.Get("a")
		require.NoError(t, err)
		_, _, err = c.Get("b")
		require.NoError(t, err)
	}

	require.NoError(t, c.Set("e", "e", 0))

	for _, key := range []string{"c", "d"} {
		ok, err := c.Exists(key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}
	for _, key := range []string{"a", "b", "e"} {
		ok, err := c.Exists(key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
}
