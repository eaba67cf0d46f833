package cache

import "errors"

// ErrValidation is returned when a cache is configured with malformed
// settings, such as an unusable directory or an unregistered eviction policy.
var ErrValidation = errors.New("invalid cache configuration")

// ErrNotFound is returned by Incr/Decr when the key is absent or expired.
var ErrNotFound = errors.New("key not found in cache")

// ErrTypeMismatch is returned by Incr/Decr when the stored value is not numeric.
var ErrTypeMismatch = errors.New("value is not numeric")

// ErrLockTimeout is returned when a write transaction cannot acquire the
// database lock within the configured timeout.
var ErrLockTimeout = errors.New("transaction lock timeout")

// ErrEngine is returned when a statement that must succeed reports zero rows
// affected, which implies a race or store corruption.
var ErrEngine = errors.New("cache engine failure")
