package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DiskCache is a durable cache for one namespace: a sqlite file plus
// content-addressed overflow files in the same directory. It is safe for use
// from multiple goroutines and from multiple processes sharing the files.
//
// Expiration is lazy: an expired row stays on disk until a read trips over
// it or an eviction sweep removes it, but it is never visible through the
// public operations.
type DiskCache struct {
	cfg    Config
	store  *sqliteStore
	values *valueStore
	count  *counter
	policy EvictPolicy
	stats  Stats
	logger *slog.Logger
}

// Item is one key/value pair produced by Items.
type Item struct {
	Key   any
	Value any
}

// NewDiskCache opens (creating if needed) the cache at cfg.Directory/cfg.Name,
// installs the configured eviction policy and aligns the live-row counter
// against the store.
func NewDiskCache(cfg Config) (*DiskCache, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir, err := expandDir(cfg.Directory)
	if err != nil {
		return nil, err
	}
	cfg.Directory = dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	policy, err := policyByName(cfg.EvictPolicy)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.With(slog.String("cache", filepath.Join(dir, cfg.Name)))
	store, err := newSQLiteStore(filepath.Join(dir, cfg.Name), cfg.Pragmas, cfg.LockTimeout, logger)
	if err != nil {
		return nil, err
	}

	c := &DiskCache{
		cfg:    cfg,
		store:  store,
		values: &valueStore{directory: dir, rawMaxSize: cfg.RawMaxSize, logger: logger},
		count:  newCounter(cfg.MaxSize),
		policy: policy,
		logger: logger,
	}

	err = store.transact(func(tx *sql.Tx) error {
		if err := installPolicy(store, tx, policy); err != nil {
			return err
		}
		live, err := liveCount(tx, nowSeconds())
		if err != nil {
			return err
		}
		c.count.align(live)
		return nil
	})
	if err != nil {
		store.close()
		return nil, err
	}
	return c, nil
}

// Location returns the path of the backing sqlite file.
func (c *DiskCache) Location() string {
	return filepath.Join(c.cfg.Directory, c.cfg.Name)
}

// Set stores value under key. A timeout of zero means the key never expires;
// a negative timeout stores it already expired. Overwriting a live key keeps
// its original store time so FIFO ordering reflects first insertion;
// overwriting an expired key resets the row completely.
func (c *DiskCache) Set(key, value any, timeout time.Duration) error {
	sk, kf, err := c.values.digest(key)
	if err != nil {
		return err
	}
	var drops []payloadRef
	err = c.store.transact(func(tx *sql.Tx) error {
		rowid, oldValue, oldVf, expire, found, err := lookupRow(tx, sk, kf)
		if err != nil {
			return err
		}
		sv, vf, err := c.values.dump(value)
		if err != nil {
			return err
		}
		now := nowSeconds()
		if found {
			drops = append(drops, payloadRef{oldValue, oldVf})
			if isLive(expire, now) {
				return updateLiveRow(tx, rowid, sv, vf, expireAt(timeout, now), now)
			}
			return resetRow(tx, rowid, sv, vf, expireAt(timeout, now), now)
		}
		// A fresh row takes the key's overflow reference; digest above
		// computed the signature only.
		if _, _, err := c.values.dump(key); err != nil {
			return err
		}
		if err := insertRow(tx, sk, kf, sv, vf, expireAt(timeout, now), now); err != nil {
			return err
		}
		if !c.count.add(1) {
			return c.sweep(tx, now)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.releaseAll(drops)
	return nil
}

// ExSet stores value only if the key is absent or expired. It reports
// whether the value was stored.
func (c *DiskCache) ExSet(key, value any, timeout time.Duration) (bool, error) {
	sk, kf, err := c.values.digest(key)
	if err != nil {
		return false, err
	}
	stored := false
	var drops []payloadRef
	err = c.store.transact(func(tx *sql.Tx) error {
		rowid, oldValue, oldVf, expire, found, err := lookupRow(tx, sk, kf)
		if err != nil {
			return err
		}
		now := nowSeconds()
		if found && isLive(expire, now) {
			return nil
		}
		sv, vf, err := c.values.dump(value)
		if err != nil {
			return err
		}
		if found {
			drops = append(drops, payloadRef{oldValue, oldVf})
			if err := resetRow(tx, rowid, sv, vf, expireAt(timeout, now), now); err != nil {
				return err
			}
			stored = true
			return nil
		}
		if _, _, err := c.values.dump(key); err != nil {
			return err
		}
		if err := insertRow(tx, sk, kf, sv, vf, expireAt(timeout, now), now); err != nil {
			return err
		}
		stored = true
		if !c.count.add(1) {
			return c.sweep(tx, now)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	c.releaseAll(drops)
	return stored, nil
}

// Get returns the value stored under key. Every hit bumps the access count
// and access time in the same transaction. A row whose overflow content has
// vanished is deleted as a side effect and reported as a miss.
func (c *DiskCache) Get(key any) (any, bool, error) {
	sk, kf, err := c.values.digest(key)
	if err != nil {
		return nil, false, err
	}
	var value any
	found := false
	var drops []payloadRef
	err = c.store.transact(func(tx *sql.Tx) error {
		rowid, sv, vf, expire, ok, err := lookupRow(tx, sk, kf)
		if err != nil {
			return err
		}
		now := nowSeconds()
		if !ok || !isLive(expire, now) {
			return nil
		}
		v, err := c.values.load(sv, vf)
		if err != nil {
			return err
		}
		if isAbsent(v) {
			if err := c.deleteRowByID(tx, rowid); err != nil {
				return err
			}
			drops = append(drops, payloadRef{sk, kf}, payloadRef{sv, vf})
			return nil
		}
		if err := bumpAccess(tx, rowid, now); err != nil {
			return err
		}
		value = v
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	c.releaseAll(drops)
	if found {
		c.stats.hits.Inc()
	} else {
		c.stats.misses.Inc()
	}
	return value, found, nil
}

// GetMany returns the live values for a batch of keys in one statement.
// Missing keys are silently omitted. Keys must be comparable types.
func (c *DiskCache) GetMany(keys []any) (map[any]any, error) {
	if len(keys) == 0 {
		return map[any]any{}, nil
	}
	args := make([]any, 0, len(keys)+1)
	index := make(map[string]any, len(keys))
	for _, key := range keys {
		sk, kf, err := c.values.digest(key)
		if err != nil {
			return nil, err
		}
		args = append(args, sk)
		index[rowKeyID(sk, kf)] = key
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
	args = append(args, nowSeconds())

	db, err := c.store.session()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(
		`SELECT key, kf, value, vf FROM cache
		 WHERE key IN (`+placeholders+`) AND (expire IS NULL OR expire > ?)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("get_many failed: %w", err)
	}
	defer rows.Close()

	result := make(map[any]any, len(keys))
	for rows.Next() {
		var sk, sv any
		var kf, vf int
		if err := rows.Scan(&sk, &kf, &sv, &vf); err != nil {
			return nil, fmt.Errorf("get_many failed: %w", err)
		}
		key, ok := index[rowKeyID(sk, kf)]
		if !ok {
			continue
		}
		v, err := c.values.load(sv, vf)
		if err != nil {
			return nil, err
		}
		if isAbsent(v) {
			continue
		}
		result[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get_many failed: %w", err)
	}
	return result, nil
}

// Incr adds delta to a live numeric value inside a single UPDATE statement,
// so concurrent processes sharing the file cannot lose updates. It returns
// the new value. An absent or expired key is ErrNotFound; a non-numeric
// value is ErrTypeMismatch.
func (c *DiskCache) Incr(key any, delta int64) (any, error) {
	sk, kf, err := c.values.digest(key)
	if err != nil {
		return nil, err
	}
	var result any
	err = c.store.transact(func(tx *sql.Tx) error {
		now := nowSeconds()
		var sv any
		var vf int
		err := tx.QueryRow(
			`SELECT value, vf FROM cache
			 WHERE key = ? AND kf = ? AND (expire IS NULL OR expire > ?)`,
			sk, kf, now,
		).Scan(&sv, &vf)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %v", ErrNotFound, key)
		}
		if err != nil {
			return fmt.Errorf("incr lookup failed: %w", err)
		}
		if vf != fmtNumber {
			return fmt.Errorf("%w: cannot increment format %d", ErrTypeMismatch, vf)
		}
		res, err := tx.Exec(
			`UPDATE cache SET value = value + ? WHERE key = ? AND kf = ?`,
			delta, sk, kf,
		)
		if err != nil {
			return fmt.Errorf("incr failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("incr failed: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("%w: increment of %v affected %d rows", ErrEngine, key, n)
		}
		err = tx.QueryRow(
			`SELECT value FROM cache WHERE key = ? AND kf = ?`, sk, kf,
		).Scan(&result)
		if err != nil {
			return fmt.Errorf("incr readback failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Decr subtracts delta from a live numeric value. See Incr.
func (c *DiskCache) Decr(key any, delta int64) (any, error) {
	return c.Incr(key, -delta)
}

// Touch rewrites the expiry of a live key. It reports false for absent or
// expired keys.
func (c *DiskCache) Touch(key any, timeout time.Duration) (bool, error) {
	sk, kf, err := c.values.digest(key)
	if err != nil {
		return false, err
	}
	touched := false
	err = c.store.transact(func(tx *sql.Tx) error {
		now := nowSeconds()
		res, err := tx.Exec(
			`UPDATE cache SET expire = ?
			 WHERE key = ? AND kf = ? AND (expire IS NULL OR expire > ?)`,
			expireValue(expireAt(timeout, now)), sk, kf, now,
		)
		if err != nil {
			return fmt.Errorf("touch failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("touch failed: %w", err)
		}
		touched = n == 1
		return nil
	})
	return touched, err
}

// Delete removes a key regardless of expiry and reports whether a row
// existed.
func (c *DiskCache) Delete(key any) (bool, error) {
	sk, kf, err := c.values.digest(key)
	if err != nil {
		return false, err
	}
	deleted := false
	var drops []payloadRef
	err = c.store.transact(func(tx *sql.Tx) error {
		rowid, sv, vf, _, found, err := lookupRow(tx, sk, kf)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if err := c.deleteRowByID(tx, rowid); err != nil {
			return err
		}
		drops = append(drops, payloadRef{sk, kf}, payloadRef{sv, vf})
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	c.releaseAll(drops)
	return deleted, nil
}

// Pop returns and removes the live value under key in one transaction.
func (c *DiskCache) Pop(key any) (any, bool, error) {
	sk, kf, err := c.values.digest(key)
	if err != nil {
		return nil, false, err
	}
	var value any
	found := false
	var drops []payloadRef
	err = c.store.transact(func(tx *sql.Tx) error {
		rowid, sv, vf, expire, ok, err := lookupRow(tx, sk, kf)
		if err != nil {
			return err
		}
		if !ok || !isLive(expire, nowSeconds()) {
			return nil
		}
		v, err := c.values.load(sv, vf)
		if err != nil {
			return err
		}
		if err := c.deleteRowByID(tx, rowid); err != nil {
			return err
		}
		drops = append(drops, payloadRef{sk, kf}, payloadRef{sv, vf})
		if isAbsent(v) {
			return nil
		}
		value = v
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	c.releaseAll(drops)
	return value, found, nil
}

// TTL returns the remaining lifetime of a live key. The second return is
// false for absent or expired keys; NoExpiry marks keys that never expire.
// Like Get, a successful lookup bumps the access statistics.
func (c *DiskCache) TTL(key any) (time.Duration, bool, error) {
	sk, kf, err := c.values.digest(key)
	if err != nil {
		return 0, false, err
	}
	var ttl time.Duration
	found := false
	err = c.store.transact(func(tx *sql.Tx) error {
		now := nowSeconds()
		var rowid int64
		var expire sql.NullFloat64
		err := tx.QueryRow(
			`SELECT rowid, expire FROM cache
			 WHERE key = ? AND kf = ? AND (expire IS NULL OR expire > ?)`,
			sk, kf, now,
		).Scan(&rowid, &expire)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ttl lookup failed: %w", err)
		}
		if err := bumpAccess(tx, rowid, now); err != nil {
			return err
		}
		found = true
		if !expire.Valid {
			ttl = NoExpiry
			return nil
		}
		ttl = time.Duration((expire.Float64 - now) * float64(time.Second))
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return ttl, found, nil
}

// Exists reports whether key is present and not expired. It does not touch
// the access statistics.
func (c *DiskCache) Exists(key any) (bool, error) {
	sk, kf, err := c.values.digest(key)
	if err != nil {
		return false, err
	}
	db, err := c.store.session()
	if err != nil {
		return false, err
	}
	var one int
	err = db.QueryRow(
		`SELECT 1 FROM cache
		 WHERE key = ? AND kf = ? AND (expire IS NULL OR expire > ?)`,
		sk, kf, nowSeconds(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists lookup failed: %w", err)
	}
	return true, nil
}

// Inspect exposes the raw row behind a key, expired or not: serialized
// payloads, formats, timestamps and access bookkeeping.
func (c *DiskCache) Inspect(key any) (*Inspection, bool, error) {
	sk, kf, err := c.values.digest(key)
	if err != nil {
		return nil, false, err
	}
	db, err := c.store.session()
	if err != nil {
		return nil, false, err
	}
	var (
		ins    Inspection
		expire sql.NullFloat64
	)
	err = db.QueryRow(
		`SELECT key, kf, value, vf, store, expire, access, access_count
		 FROM cache WHERE key = ? AND kf = ?`,
		sk, kf,
	).Scan(&ins.RawKey, &ins.KeyFormat, &ins.RawValue, &ins.ValueFormat,
		&ins.StoreTime, &expire, &ins.AccessTime, &ins.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("inspect failed: %w", err)
	}
	if expire.Valid {
		ins.ExpireTime = &expire.Float64
	}
	if ins.Key, err = c.values.load(ins.RawKey, ins.KeyFormat); err != nil {
		return nil, false, err
	}
	if ins.Value, err = c.values.load(ins.RawValue, ins.ValueFormat); err != nil {
		return nil, false, err
	}
	return &ins, true, nil
}

// Keys returns all live keys in store order, scanned in windows of IterSize.
func (c *DiskCache) Keys() ([]any, error) {
	var keys []any
	var tombstones []int64
	err := c.scanWindows("key, kf", func(rowid int64, cols []any) error {
		k, err := c.values.load(cols[0], asInt(cols[1]))
		if err != nil {
			return err
		}
		if isAbsent(k) {
			tombstones = append(tombstones, rowid)
			return nil
		}
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.purgeRows(tombstones); err != nil {
		return nil, err
	}
	return keys, nil
}

// Values returns all live values in store order.
func (c *DiskCache) Values() ([]any, error) {
	var values []any
	var tombstones []int64
	err := c.scanWindows("value, vf", func(rowid int64, cols []any) error {
		v, err := c.values.load(cols[0], asInt(cols[1]))
		if err != nil {
			return err
		}
		if isAbsent(v) {
			tombstones = append(tombstones, rowid)
			return nil
		}
		values = append(values, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.purgeRows(tombstones); err != nil {
		return nil, err
	}
	return values, nil
}

// Items returns all live key/value pairs in store order.
func (c *DiskCache) Items() ([]Item, error) {
	var items []Item
	var tombstones []int64
	err := c.scanWindows("key, kf, value, vf", func(rowid int64, cols []any) error {
		k, err := c.values.load(cols[0], asInt(cols[1]))
		if err != nil {
			return err
		}
		v, err := c.values.load(cols[2], asInt(cols[3]))
		if err != nil {
			return err
		}
		if isAbsent(k) || isAbsent(v) {
			tombstones = append(tombstones, rowid)
			return nil
		}
		items = append(items, Item{Key: k, Value: v})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.purgeRows(tombstones); err != nil {
		return nil, err
	}
	return items, nil
}

// Clear removes every row and resets the counter. Overflow files referenced
// by the removed rows are left for their reference counts to reap on reuse;
// the trade is documented, not accidental.
func (c *DiskCache) Clear() error {
	err := c.store.transact(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM cache`); err != nil {
			return fmt.Errorf("clear failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.count.reset()
	return nil
}

// Len returns the approximate number of live rows.
func (c *DiskCache) Len() int64 {
	return c.count.value()
}

// Stats returns a snapshot of the engine activity counters.
func (c *DiskCache) Stats() StatsSnapshot {
	return c.stats.snapshot()
}

// Close releases the database connection. The cache can be reopened with
// NewDiskCache.
func (c *DiskCache) Close() error {
	return c.store.close()
}

// sweep is the two-phase eviction pass run when the counter signals
// overflow: first drop definitely-expired rows, then, if the live count
// still meets the cap, hand a batch to the active policy.
func (c *DiskCache) sweep(tx *sql.Tx, now float64) error {
	res, err := tx.Exec(`DELETE FROM cache WHERE expire IS NOT NULL AND expire < ?`, now)
	if err != nil {
		return fmt.Errorf("expired sweep failed: %w", err)
	}
	expired, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("expired sweep failed: %w", err)
	}

	live, err := liveCount(tx, now)
	if err != nil {
		return err
	}
	c.count.align(live)

	var evicted int64
	if live >= c.cfg.MaxSize {
		batch := c.cfg.MaxSize / 100
		if batch < 2 {
			batch = 2
		}
		evicted, err = c.policy.Evict(tx, batch)
		if err != nil {
			return err
		}
		c.count.align(live - evicted)
		c.stats.evictions.Add(evicted)
	}

	c.stats.sweeps.Inc()
	c.logger.Debug("eviction sweep",
		slog.String("policy", c.policy.Name()),
		slog.Int64("expired", expired),
		slog.Int64("evicted", evicted),
		slog.Int64("live", live-evicted))
	return nil
}

// payloadRef identifies one serialized payload whose overflow reference is
// pending release. Releases run only after the transaction that removed the
// referencing row has committed, so a rollback never strands a live row
// pointing at reaped content.
type payloadRef struct {
	payload any
	format  int
}

func (c *DiskCache) releaseAll(refs []payloadRef) {
	for _, ref := range refs {
		c.values.release(ref.payload, ref.format)
	}
}

// deleteRowByID removes one row that was just selected; zero rows affected
// at this point implies a race or corruption and is an engine error. The
// caller owns releasing the row's payload references after commit.
func (c *DiskCache) deleteRowByID(tx *sql.Tx, rowid int64) error {
	res, err := tx.Exec(`DELETE FROM cache WHERE rowid = ?`, rowid)
	if err != nil {
		return fmt.Errorf("row delete failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("row delete failed: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: delete of selected row %d affected %d rows", ErrEngine, rowid, n)
	}
	c.count.add(-1)
	return nil
}

// purgeRows deletes tombstoned rows found during a scan, dropping their
// payload references once the purge commits.
func (c *DiskCache) purgeRows(rowids []int64) error {
	if len(rowids) == 0 {
		return nil
	}
	var drops []payloadRef
	err := c.store.transact(func(tx *sql.Tx) error {
		for _, rowid := range rowids {
			var sk, sv any
			var kf, vf int
			err := tx.QueryRow(
				`SELECT key, kf, value, vf FROM cache WHERE rowid = ?`, rowid,
			).Scan(&sk, &kf, &sv, &vf)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("tombstone purge failed: %w", err)
			}
			res, err := tx.Exec(`DELETE FROM cache WHERE rowid = ?`, rowid)
			if err != nil {
				return fmt.Errorf("tombstone purge failed: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				c.count.add(-1)
				drops = append(drops, payloadRef{sk, kf}, payloadRef{sv, vf})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.releaseAll(drops)
	return nil
}

// releaseOverflow drops the overflow references held by every row, expired
// ones included. Only meaningful right before the whole backing store is
// deleted, as Drop does.
func (c *DiskCache) releaseOverflow() error {
	db, err := c.store.session()
	if err != nil {
		return err
	}
	rows, err := db.Query(
		`SELECT key, kf, value, vf FROM cache
		 WHERE kf IN (?, ?, ?) OR vf IN (?, ?, ?)`,
		fmtFileString, fmtFileBytes, fmtFileGob,
		fmtFileString, fmtFileBytes, fmtFileGob,
	)
	if err != nil {
		return fmt.Errorf("overflow release failed: %w", err)
	}
	defer rows.Close()

	var refs []payloadRef
	for rows.Next() {
		var sk, sv any
		var kf, vf int
		if err := rows.Scan(&sk, &kf, &sv, &vf); err != nil {
			return fmt.Errorf("overflow release failed: %w", err)
		}
		refs = append(refs, payloadRef{sk, kf}, payloadRef{sv, vf})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("overflow release failed: %w", err)
	}
	c.releaseAll(refs)
	return nil
}

// scanWindows walks live rows in store order, iterSize rows at a time, and
// hands each row's selected columns to fn along with its rowid.
func (c *DiskCache) scanWindows(columns string, fn func(rowid int64, cols []any) error) error {
	db, err := c.store.session()
	if err != nil {
		return err
	}
	now := nowSeconds()
	ncols := strings.Count(columns, ",") + 1

	for offset := 0; ; offset += c.cfg.IterSize {
		rows, err := db.Query(
			`SELECT rowid, `+columns+` FROM cache
			 WHERE expire IS NULL OR expire > ?
			 ORDER BY store LIMIT ? OFFSET ?`,
			now, c.cfg.IterSize, offset,
		)
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		seen := 0
		for rows.Next() {
			var rowid int64
			cols := make([]any, ncols)
			dest := make([]any, 0, ncols+1)
			dest = append(dest, &rowid)
			for i := range cols {
				dest = append(dest, &cols[i])
			}
			if err := rows.Scan(dest...); err != nil {
				rows.Close()
				return fmt.Errorf("scan failed: %w", err)
			}
			if err := fn(rowid, cols); err != nil {
				rows.Close()
				return err
			}
			seen++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("scan failed: %w", err)
		}
		rows.Close()
		if seen < c.cfg.IterSize {
			return nil
		}
	}
}

// lookupRow fetches a row by serialized key regardless of expiry.
func lookupRow(tx *sql.Tx, sk any, kf int) (rowid int64, value any, vf int, expire sql.NullFloat64, found bool, err error) {
	err = tx.QueryRow(
		`SELECT rowid, value, vf, expire FROM cache WHERE key = ? AND kf = ?`,
		sk, kf,
	).Scan(&rowid, &value, &vf, &expire)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, 0, sql.NullFloat64{}, false, nil
	}
	if err != nil {
		return 0, nil, 0, sql.NullFloat64{}, false, fmt.Errorf("row lookup failed: %w", err)
	}
	return rowid, value, vf, expire, true, nil
}

func isLive(expire sql.NullFloat64, now float64) bool {
	return !expire.Valid || expire.Float64 > now
}

func insertRow(tx *sql.Tx, sk any, kf int, sv any, vf int, expire *float64, now float64) error {
	_, err := tx.Exec(
		`INSERT INTO cache (key, kf, value, vf, store, expire, access, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		sk, kf, sv, vf, now, expireValue(expire), now,
	)
	if err != nil {
		return fmt.Errorf("row insert failed: %w", err)
	}
	return nil
}

// updateLiveRow overwrites value and expiry of a live row, keeping its
// original store time and counting the write as an access.
func updateLiveRow(tx *sql.Tx, rowid int64, sv any, vf int, expire *float64, now float64) error {
	res, err := tx.Exec(
		`UPDATE cache SET value = ?, vf = ?, expire = ?, access = ?,
		 access_count = access_count + 1 WHERE rowid = ?`,
		sv, vf, expireValue(expire), now, rowid,
	)
	return checkOneRow(res, err, "row update")
}

// resetRow reuses an expired row for a fresh insert: new store and expire
// stamps, access count back to zero.
func resetRow(tx *sql.Tx, rowid int64, sv any, vf int, expire *float64, now float64) error {
	res, err := tx.Exec(
		`UPDATE cache SET value = ?, vf = ?, store = ?, expire = ?, access = ?,
		 access_count = 0 WHERE rowid = ?`,
		sv, vf, now, expireValue(expire), now, rowid,
	)
	return checkOneRow(res, err, "row reset")
}

func bumpAccess(tx *sql.Tx, rowid int64, now float64) error {
	res, err := tx.Exec(
		`UPDATE cache SET access_count = access_count + 1, access = ? WHERE rowid = ?`,
		now, rowid,
	)
	return checkOneRow(res, err, "access update")
}

func checkOneRow(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %s affected %d rows", ErrEngine, op, n)
	}
	return nil
}

func liveCount(x executor, now float64) (int64, error) {
	var n int64
	err := x.QueryRow(
		`SELECT COUNT(1) FROM cache WHERE expire IS NULL OR expire > ?`, now,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("live count failed: %w", err)
	}
	return n, nil
}

// expireValue converts an optional expire stamp to a bindable value.
func expireValue(expire *float64) any {
	if expire == nil {
		return nil
	}
	return *expire
}

// rowKeyID normalizes a serialized key for in-process map lookups, shielding
// against the driver surfacing TEXT as either string or []byte.
func rowKeyID(sk any, kf int) string {
	return fmt.Sprintf("%d/%s", kf, payloadString(sk))
}

// asInt normalizes a scanned format tag.
func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// expandDir resolves a leading ~ against the current user's home directory.
func expandDir(dir string) (string, error) {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: cannot resolve home directory: %v", ErrValidation, err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return filepath.Clean(os.ExpandEnv(dir)), nil
}
