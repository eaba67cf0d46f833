package cache

import (
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/atomic"
)

// Storage formats for serialized keys and values. The format tag is persisted
// next to each payload so that load can reverse what dump did; the tag, not
// the column type reported by the driver, decides how a payload is restored.
const (
	fmtRaw        = 0 // nil, or an inline string below the raw threshold
	fmtNumber     = 1 // inline integer or float
	fmtFileString = 2 // overflowed string, payload is the content signature
	fmtFileBytes  = 3 // overflowed bytes, payload is the content signature
	fmtGob        = 4 // inline gob-encoded object
	fmtFileGob    = 5 // overflowed gob-encoded object
	fmtBytes      = 6 // inline byte slice below the raw threshold
)

const (
	// DefaultTag is the namespace used when no tag is given.
	DefaultTag = "default"

	// NoExpiry is returned by TTL for keys that never expire.
	NoExpiry time.Duration = -1

	defaultName        = "default.sqlite3"
	defaultMaxSize     = 1 << 24
	defaultIterSize    = 1 << 8
	defaultRawMaxSize  = 1 << 17
	defaultLockTimeout = 5 * time.Second

	// Spin limit floor; see Counter.
	minSpinLimit = 1 << 10
)

func defaultPragmas() map[string]any {
	return map[string]any{
		"auto_vacuum": 1,
		"cache_size":  1 << 13,
		"temp_store":  2, // memory
		"mmap_size":   1 << 26,
		"synchronous": 1,
	}
}

// Config controls a single DiskCache instance.
type Config struct {
	// Directory holds the sqlite file and all overflow files.
	Directory string
	// Name is the sqlite file name within Directory.
	Name string
	// MaxSize is the soft cap on live rows before eviction kicks in.
	MaxSize int64
	// EvictPolicy names a registered eviction policy (lru, lfu, fifo, default).
	EvictPolicy string
	// IterSize is the window used by Keys/Values/Items scans.
	IterSize int
	// RawMaxSize is the inline payload threshold in bytes; larger strings,
	// byte slices and encoded objects are offloaded to overflow files.
	RawMaxSize int
	// LockTimeout bounds write-transaction lock acquisition.
	LockTimeout time.Duration
	// Pragmas overrides the sqlite pragma set applied on connect.
	Pragmas map[string]any
	// Logger receives structured events; nil means slog.Default().
	Logger *slog.Logger
}

// SetDefaults fills unset fields with the package defaults.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = defaultName
	}
	if c.MaxSize == 0 {
		c.MaxSize = defaultMaxSize
	}
	if c.EvictPolicy == "" {
		c.EvictPolicy = "lru"
	}
	if c.IterSize == 0 {
		c.IterSize = defaultIterSize
	}
	if c.RawMaxSize == 0 {
		c.RawMaxSize = defaultRawMaxSize
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = defaultLockTimeout
	}
	if c.Pragmas == nil {
		c.Pragmas = defaultPragmas()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate reports configuration errors before any file is touched.
func (c *Config) Validate() error {
	if c.Directory == "" {
		return fmt.Errorf("%w: directory must not be empty", ErrValidation)
	}
	if c.MaxSize < 0 {
		return fmt.Errorf("%w: max size must not be negative", ErrValidation)
	}
	if c.IterSize < 0 || c.RawMaxSize < 0 {
		return fmt.Errorf("%w: iter size and raw max size must not be negative", ErrValidation)
	}
	if _, err := policyByName(c.EvictPolicy); err != nil {
		return err
	}
	return nil
}

// Stats tracks engine activity without taking any lock.
type Stats struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	sweeps    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the engine counters.
type StatsSnapshot struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Sweeps    int64
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
		Sweeps:    s.sweeps.Load(),
	}
}

// Inspection exposes the raw row behind a key, including the serialized
// payloads and access bookkeeping.
type Inspection struct {
	Key         any
	Value       any
	RawKey      any
	RawValue    any
	KeyFormat   int
	ValueFormat int
	StoreTime   float64
	ExpireTime  *float64
	AccessTime  float64
	AccessCount int64
}

// nowSeconds is the store's clock: seconds since epoch with sub-second
// precision, matching the REAL columns in the schema.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// expireAt converts a timeout to an absolute expire stamp. Zero means the
// key never expires and maps to NULL.
func expireAt(timeout time.Duration, now float64) *float64 {
	if timeout == 0 {
		return nil
	}
	e := now + timeout.Seconds()
	return &e
}
