// Package api exposes a process-global, tag-routed cache behind a tolerant
// call surface shared by the command line and the C bindings: expected
// misses come back as booleans and zero values, never as errors. Engine
// failures are logged by the cache layer itself.
package api

import (
	"sync"
	"time"

	"tagcache/src/cache"
)

var (
	mu           sync.Mutex
	globalRouter *cache.Router
)

// Init configures the global cache explicitly. It fails when a cache is
// already open; Close first.
func Init(directory string, maxSize int64, policy string) bool {
	mu.Lock()
	defer mu.Unlock()
	if globalRouter != nil {
		return false
	}
	router, err := cache.NewRouter(cache.Config{
		Directory:   directory,
		MaxSize:     maxSize,
		EvictPolicy: policy,
	})
	if err != nil {
		return false
	}
	globalRouter = router
	return true
}

// get returns the global router, initializing it with defaults on first use.
// The uninitialized state is explicit; there is no proxy object, just this
// guard.
func get() *cache.Router {
	mu.Lock()
	defer mu.Unlock()
	if globalRouter == nil {
		router, err := cache.NewRouter(cache.Config{Directory: "~/.tagcache"})
		if err != nil {
			return nil
		}
		globalRouter = router
	}
	return globalRouter
}

// Close releases the global cache. Returns false when nothing was open.
func Close() bool {
	mu.Lock()
	defer mu.Unlock()
	if globalRouter == nil {
		return false
	}
	if err := globalRouter.Close(); err != nil {
		return false
	}
	globalRouter = nil
	return true
}

func Set(key, value any, timeout time.Duration, tag string) bool {
	router := get()
	if router == nil {
		return false
	}
	return router.Set(key, value, timeout, tag) == nil
}

func ExSet(key, value any, timeout time.Duration, tag string) bool {
	router := get()
	if router == nil {
		return false
	}
	ok, err := router.ExSet(key, value, timeout, tag)
	return err == nil && ok
}

// Get returns the cached value, or nil on a miss.
func Get(key any, tag string) any {
	router := get()
	if router == nil {
		return nil
	}
	value, ok, err := router.Get(key, tag)
	if err != nil || !ok {
		return nil
	}
	return value
}

func Delete(key any, tag string) bool {
	router := get()
	if router == nil {
		return false
	}
	ok, err := router.Delete(key, tag)
	return err == nil && ok
}

func Touch(key any, timeout time.Duration, tag string) bool {
	router := get()
	if router == nil {
		return false
	}
	ok, err := router.Touch(key, timeout, tag)
	return err == nil && ok
}

func Incr(key any, delta int64, tag string) (any, bool) {
	router := get()
	if router == nil {
		return nil, false
	}
	value, err := router.Incr(key, delta, tag)
	if err != nil {
		return nil, false
	}
	return value, true
}

func Decr(key any, delta int64, tag string) (any, bool) {
	return Incr(key, -delta, tag)
}

// TTL reports the remaining lifetime of a live key; cache.NoExpiry marks
// keys that never expire.
func TTL(key any, tag string) (time.Duration, bool) {
	router := get()
	if router == nil {
		return 0, false
	}
	ttl, ok, err := router.TTL(key, tag)
	if err != nil {
		return 0, false
	}
	return ttl, ok
}

func Pop(key any, tag string) (any, bool) {
	router := get()
	if router == nil {
		return nil, false
	}
	value, ok, err := router.Pop(key, tag)
	if err != nil {
		return nil, false
	}
	return value, ok
}

func Exists(key any, tag string) bool {
	router := get()
	if router == nil {
		return false
	}
	ok, err := router.Exists(key, tag)
	return err == nil && ok
}

func Keys(tag string) []any {
	router := get()
	if router == nil {
		return nil
	}
	keys, err := router.Keys(tag)
	if err != nil {
		return nil
	}
	return keys
}

func Values(tag string) []any {
	router := get()
	if router == nil {
		return nil
	}
	values, err := router.Values(tag)
	if err != nil {
		return nil
	}
	return values
}

func Items(tag string) []cache.Item {
	router := get()
	if router == nil {
		return nil
	}
	items, err := router.Items(tag)
	if err != nil {
		return nil
	}
	return items
}

func Inspect(key any, tag string) *cache.Inspection {
	router := get()
	if router == nil {
		return nil
	}
	info, ok, err := router.Inspect(key, tag)
	if err != nil || !ok {
		return nil
	}
	return info
}

// Clear empties every namespace touched so far.
func Clear() bool {
	router := get()
	if router == nil {
		return false
	}
	return router.Clear() == nil
}

// Len sums the approximate sizes of all touched namespaces.
func Len() int64 {
	router := get()
	if router == nil {
		return 0
	}
	return router.Len()
}

// Drop closes a namespace and deletes its backing files.
func Drop(tag string) bool {
	router := get()
	if router == nil {
		return false
	}
	return router.Drop(tag) == nil
}
