package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

const defaultCullSize = 10

// MemoCache is the volatile sibling of DiskCache: the same operation surface
// over process memory, with no persistence and no cross-process concerns.
// Keys must be comparable. A single mutex guards the maps, so it is safe for
// concurrent goroutines, but unlike DiskCache nothing survives the process.
type MemoCache struct {
	mu       sync.Mutex
	maxSize  int
	cullSize int
	entries  map[any]*list.Element
	order    *list.List // front is most recently stored/accessed
}

type memoEntry struct {
	key    any
	value  any
	expire *float64
}

// NewMemoCache creates a volatile cache capped at maxSize entries. When the
// cap is reached, len/cullSize of the least recently used entries are culled.
func NewMemoCache(maxSize int) *MemoCache {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	return &MemoCache{
		maxSize:  maxSize,
		cullSize: defaultCullSize,
		entries:  make(map[any]*list.Element),
		order:    list.New(),
	}
}

// Set stores value under key. Timeout follows the DiskCache convention:
// zero never expires, negative is already expired.
func (c *MemoCache) Set(key, value any, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, value, timeout)
	return nil
}

// ExSet stores value only if key is absent or expired.
func (c *MemoCache) ExSet(key, value any, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live(key) {
		return false, nil
	}
	c.set(key, value, timeout)
	return true, nil
}

// Get returns the live value under key, bumping it to the front of the LRU
// order. An expired entry is removed on sight.
func (c *MemoCache) Get(key any) (any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	entry := elem.Value.(*memoEntry)
	if expired(entry.expire) {
		c.remove(key, elem)
		return nil, false, nil
	}
	c.order.MoveToFront(elem)
	return entry.value, true, nil
}

// Incr adds delta to a live integer or float value under the cache mutex.
func (c *MemoCache) Incr(key any, delta int64) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	entry := elem.Value.(*memoEntry)
	if expired(entry.expire) {
		c.remove(key, elem)
		return nil, fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	switch v := entry.value.(type) {
	case int:
		entry.value = int64(v) + delta
	case int64:
		entry.value = v + delta
	case float64:
		entry.value = v + float64(delta)
	default:
		return nil, fmt.Errorf("%w: cannot increment %T", ErrTypeMismatch, entry.value)
	}
	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Decr subtracts delta from a live numeric value.
func (c *MemoCache) Decr(key any, delta int64) (any, error) {
	return c.Incr(key, -delta)
}

// Touch rewrites the expiry of a live key.
func (c *MemoCache) Touch(key any, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	entry := elem.Value.(*memoEntry)
	if expired(entry.expire) {
		return false, nil
	}
	entry.expire = expireAt(timeout, nowSeconds())
	return true, nil
}

// Delete removes a key regardless of expiry.
func (c *MemoCache) Delete(key any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	c.remove(key, elem)
	return true, nil
}

// Pop returns and removes the live value under key.
func (c *MemoCache) Pop(key any) (any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	entry := elem.Value.(*memoEntry)
	c.remove(key, elem)
	if expired(entry.expire) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

// TTL returns the remaining lifetime of a live key; NoExpiry for keys that
// never expire.
func (c *MemoCache) TTL(key any) (time.Duration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return 0, false, nil
	}
	entry := elem.Value.(*memoEntry)
	if expired(entry.expire) {
		return 0, false, nil
	}
	if entry.expire == nil {
		return NoExpiry, true, nil
	}
	return time.Duration((*entry.expire - nowSeconds()) * float64(time.Second)), true, nil
}

// Exists reports whether key is present and not expired.
func (c *MemoCache) Exists(key any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live(key), nil
}

// Keys returns all live keys, most recently used first.
func (c *MemoCache) Keys() ([]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []any
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*memoEntry)
		if !expired(entry.expire) {
			keys = append(keys, entry.key)
		}
	}
	return keys, nil
}

// Items returns all live key/value pairs, most recently used first.
func (c *MemoCache) Items() ([]Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var items []Item
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*memoEntry)
		if !expired(entry.expire) {
			items = append(items, Item{Key: entry.key, Value: entry.value})
		}
	}
	return items, nil
}

// Clear removes all entries.
func (c *MemoCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[any]*list.Element)
	c.order.Init()
	return nil
}

// Len returns the number of entries, expired ones included until they are
// read or culled.
func (c *MemoCache) Len() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.entries))
}

func (c *MemoCache) set(key, value any, timeout time.Duration) {
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*memoEntry)
		entry.value = value
		entry.expire = expireAt(timeout, nowSeconds())
		c.order.MoveToFront(elem)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.cull()
	}
	elem := c.order.PushFront(&memoEntry{
		key:    key,
		value:  value,
		expire: expireAt(timeout, nowSeconds()),
	})
	c.entries[key] = elem
}

// cull drops the least recently used slice of entries.
func (c *MemoCache) cull() {
	if c.cullSize == 0 {
		c.entries = make(map[any]*list.Element)
		c.order.Init()
		return
	}
	n := len(c.entries) / c.cullSize
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		elem := c.order.Back()
		if elem == nil {
			return
		}
		c.remove(elem.Value.(*memoEntry).key, elem)
	}
}

func (c *MemoCache) live(key any) bool {
	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	return !expired(elem.Value.(*memoEntry).expire)
}

func (c *MemoCache) remove(key any, elem *list.Element) {
	c.order.Remove(elem)
	delete(c.entries, key)
}

func expired(expire *float64) bool {
	return expire != nil && *expire <= nowSeconds()
}
