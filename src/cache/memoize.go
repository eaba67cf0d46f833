package cache

import "time"

// Backend is the slice of the cache surface Memoize needs. Both DiskCache
// and MemoCache satisfy it.
type Backend interface {
	Get(key any) (any, bool, error)
	Set(key, value any, timeout time.Duration) error
}

// Memoize wraps fn so its result is served from the cache for the duration
// of timeout and recomputed after. The cache handle, key and timeout are all
// explicit; there is no global registry behind this.
//
// Values come back in their storage-normalized types (integers as int64,
// floats as float64); a cached value that does not assert to T is treated as
// a miss and recomputed.
func Memoize[T any](c Backend, key any, timeout time.Duration, fn func() (T, error)) func() (T, error) {
	return func() (T, error) {
		var zero T
		cached, ok, err := c.Get(key)
		if err != nil {
			return zero, err
		}
		if ok {
			if v, ok := cached.(T); ok {
				return v, nil
			}
		}
		v, err := fn()
		if err != nil {
			return zero, err
		}
		if err := c.Set(key, v, timeout); err != nil {
			return zero, err
		}
		return v, nil
	}
}
