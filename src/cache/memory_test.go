package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoCacheRoundTrip(t *testing.T) {
	c := NewMemoCache(100)

	require.NoError(t, c.Set("k", "v", 0))
	got, ok, err := c.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", got)

	_, ok, err = c.Get("absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoCacheExpiration(t *testing.T) {
	c := NewMemoCache(100)

	require.NoError(t, c.Set("gone", "x", -time.Second))
	_, ok, err := c.Get("gone")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Exists("gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoCacheExSet(t *testing.T) {
	c := NewMemoCache(100)

	stored, err := c.ExSet("k", 1, 0)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = c.ExSet("k", 2, 0)
	require.NoError(t, err)
	assert.False(t, stored)

	got, ok, err := c.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestMemoCacheIncrDecr(t *testing.T) {
	c := NewMemoCache(100)

	require.NoError(t, c.Set("n", 10, 0))
	got, err := c.Incr("n", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(15), got)

	got, err = c.Decr("n", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(12), got)

	_, err = c.Incr("absent", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set("s", "text", 0))
	_, err = c.Incr("s", 1)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestMemoCacheTTLAndTouch(t *testing.T) {
	c := NewMemoCache(100)

	require.NoError(t, c.Set("k", "v", time.Hour))
	ttl, ok, err := c.TTL("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, ttl, 59*time.Minute)

	require.NoError(t, c.Set("forever", "v", 0))
	ttl, ok, err = c.TTL("forever")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, NoExpiry, ttl)

	touched, err := c.Touch("k", -time.Second)
	require.NoError(t, err)
	assert.True(t, touched)
	ok, err = c.Exists("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoCacheDeletePop(t *testing.T) {
	c := NewMemoCache(100)

	require.NoError(t, c.Set("k", "v", 0))
	deleted, err := c.Delete("k")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = c.Delete("k")
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, c.Set("p", "payload", 0))
	value, ok, err := c.Pop("p")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", value)
	_, ok, err = c.Pop("p")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoCacheCullsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoCache(5)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Set(fmt.Sprintf("k%d", i), i, 0))
	}
	// Reading k0 protects it; k1 is now the coldest entry.
	_, ok, err := c.Get("k0")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Set("k5", 5, 0))

	ok, err = c.Exists("k1")
	require.NoError(t, err)
	assert.False(t, ok)
	for _, key := range []string{"k0", "k2", "k3", "k4", "k5"} {
		ok, err := c.Exists(key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
}

func TestMemoCacheKeysAndItems(t *testing.T) {
	c := NewMemoCache(100)

	require.NoError(t, c.Set("a", 1, 0))
	require.NoError(t, c.Set("b", 2, 0))
	require.NoError(t, c.Set("dead", 3, -time.Second))

	keys, err := c.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"a", "b"}, keys)

	items, err := c.Items()
	require.NoError(t, err)
	assert.Len(t, items, 2)

	require.NoError(t, c.Clear())
	assert.Equal(t, int64(0), c.Len())
}
