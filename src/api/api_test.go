package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagcache/src/cache"
)

// The package state is a single global cache, so the lifecycle is exercised
// in one sequential test.
func TestGlobalCacheLifecycle(t *testing.T) {
	dir := t.TempDir()

	require.True(t, Init(dir, 1000, "lru"))
	// A second Init without a Close is refused.
	assert.False(t, Init(dir, 1000, "lru"))
	defer Close()

	assert.True(t, Set("k", "v", 0, ""))
	assert.Equal(t, "v", Get("k", ""))
	assert.Nil(t, Get("absent", ""))

	assert.True(t, Exists("k", ""))
	assert.False(t, Exists("k", "other"))

	// Exclusive set respects live keys.
	assert.False(t, ExSet("k", "other", 0, ""))
	assert.True(t, ExSet("fresh", 1, 0, ""))

	value, ok := Incr("fresh", 4, "")
	require.True(t, ok)
	assert.Equal(t, int64(5), value)
	value, ok = Decr("fresh", 2, "")
	require.True(t, ok)
	assert.Equal(t, int64(3), value)
	_, ok = Incr("k", 1, "")
	assert.False(t, ok)

	assert.True(t, Touch("k", time.Hour, ""))
	ttl, ok := TTL("k", "")
	require.True(t, ok)
	assert.Greater(t, ttl, 59*time.Minute)
	ttl, ok = TTL("fresh", "")
	require.True(t, ok)
	assert.Equal(t, cache.NoExpiry, ttl)

	// Namespaces are isolated files.
	assert.True(t, Set("k", "tagged", 0, "sessions"))
	assert.Equal(t, "tagged", Get("k", "sessions"))
	assert.Equal(t, "v", Get("k", ""))

	keys := Keys("sessions")
	assert.Equal(t, []any{"k"}, keys)
	values := Values("sessions")
	assert.Equal(t, []any{"tagged"}, values)
	items := Items("sessions")
	require.Len(t, items, 1)
	assert.Equal(t, "k", items[0].Key)

	ins := Inspect("k", "sessions")
	require.NotNil(t, ins)
	assert.Equal(t, "tagged", ins.Value)

	value, ok = Pop("k", "sessions")
	require.True(t, ok)
	assert.Equal(t, "tagged", value)
	_, ok = Pop("k", "sessions")
	assert.False(t, ok)

	assert.True(t, Delete("k", ""))
	assert.False(t, Delete("k", ""))

	assert.True(t, Drop("sessions"))
	assert.True(t, Clear())
	assert.Equal(t, int64(0), Len())

	assert.True(t, Close())
	assert.False(t, Close())

	// The guard resets on Close; Init works again.
	require.True(t, Init(t.TempDir(), 1000, "fifo"))
	assert.True(t, Close())
}

func TestInitRejectsUnknownPolicy(t *testing.T) {
	assert.False(t, Init(t.TempDir(), 1000, "random"))
}
