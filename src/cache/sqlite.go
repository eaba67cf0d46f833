package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// schemaVersion is the major version stamped into the meta table. Opening a
// store written by a newer major refuses outright; an older major is migrated
// in place.
const schemaVersion = 1

// pragmaSetupTimeout bounds the retry loop around the pragma script applied
// on a fresh connection.
const pragmaSetupTimeout = 60 * time.Second

// executor is the common surface of *sql.DB and *sql.Tx. Helpers that run
// inside a transaction take an executor so that only the outermost caller
// owns BEGIN/COMMIT/ROLLBACK.
type executor interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// sqliteStore owns the connection, schema and transaction policy for one
// cache file. The connection is re-created whenever the process id observed
// at use time differs from the one it was opened under; sqlite connections
// must not cross a fork.
type sqliteStore struct {
	path        string
	lockTimeout time.Duration
	pragmas     map[string]any
	logger      *slog.Logger

	mu  sync.Mutex
	pid int
	db  *sql.DB
}

func newSQLiteStore(path string, pragmas map[string]any, lockTimeout time.Duration, logger *slog.Logger) (*sqliteStore, error) {
	s := &sqliteStore{
		path:        path,
		lockTimeout: lockTimeout,
		pragmas:     pragmas,
		logger:      logger,
	}
	if _, err := s.session(); err != nil {
		return nil, err
	}
	return s, nil
}

// session returns the live connection for the current process, opening a
// fresh one when none exists or when a fork is detected.
func (s *sqliteStore) session() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := os.Getpid()
	if s.db != nil && s.pid == pid {
		return s.db, nil
	}
	if s.db != nil {
		// Stale connection inherited across a fork.
		_ = s.db.Close()
		s.db = nil
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=100", s.path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Pragmas like cache_size and mmap_size bind per connection and cannot
	// travel in the DSN with this driver. Pinning the pool to one connection
	// makes the pragma script below apply to every statement; writes are
	// serialized by the sqlite write lock anyway.
	db.SetMaxOpenConns(1)

	if err := s.applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s.db = db
	s.pid = pid
	return db, nil
}

// applyPragmas runs the pragma script, retrying lock contention for up to
// pragmaSetupTimeout and failing immediately on any other error.
func (s *sqliteStore) applyPragmas(db *sql.DB) error {
	names := make([]string, 0, len(s.pragmas))
	for name := range s.pragmas {
		names = append(names, name)
	}
	sort.Strings(names)

	var script strings.Builder
	for _, name := range names {
		fmt.Fprintf(&script, "PRAGMA %s=%v;", name, s.pragmas[name])
	}
	// journal_mode is applied via DSN-independent exec as well, always WAL.
	script.WriteString("PRAGMA journal_mode=wal;")

	start := time.Now()
	for {
		_, err := db.Exec(script.String())
		if err == nil {
			return nil
		}
		if !isBusy(err) || time.Since(start) > pragmaSetupTimeout {
			return fmt.Errorf("failed to configure pragmas: %w", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *sqliteStore) ensureSchema(db *sql.DB) error {
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'cache'`,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}

	if count == 0 {
		return s.createSchema(db)
	}

	stored, err := s.storedVersion(db)
	if err != nil {
		return err
	}
	switch {
	case stored > schemaVersion:
		return fmt.Errorf("%w: store version %d is newer than supported version %d",
			ErrValidation, stored, schemaVersion)
	case stored < schemaVersion:
		return s.migrate(db, stored)
	}
	return nil
}

func (s *sqliteStore) createSchema(db *sql.DB) error {
	script := `
	CREATE TABLE IF NOT EXISTS cache (
		key BLOB NOT NULL,
		kf INTEGER NOT NULL,
		value BLOB,
		vf INTEGER NOT NULL,
		store REAL NOT NULL,
		expire REAL,
		access REAL NOT NULL,
		access_count INTEGER DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_key ON cache (key, kf);
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT NOT NULL,
		value BLOB
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_meta_key ON meta (key);
	`
	if _, err := db.Exec(script); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if err := s.metaSet(db, "version", fmt.Sprint(schemaVersion)); err != nil {
		return err
	}
	return nil
}

// storedVersion reads the schema major from the meta table. A cache table
// without a meta table predates versioning and counts as version 0.
func (s *sqliteStore) storedVersion(db *sql.DB) (int, error) {
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'meta'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect schema: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	raw, err := s.metaGet(db, "version")
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return 0, fmt.Errorf("failed to parse stored version %q: %w", raw, err)
	}
	return v, nil
}

// migrate upgrades the on-disk schema one major at a time.
func (s *sqliteStore) migrate(db *sql.DB, from int) error {
	for v := from; v < schemaVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return fmt.Errorf("%w: no migration from version %d", ErrValidation, v)
		}
		if err := step(db); err != nil {
			return fmt.Errorf("migration from version %d failed: %w", v, err)
		}
		s.logger.Info("migrated cache schema", slog.String("path", s.path),
			slog.Int("from", v), slog.Int("to", v+1))
	}
	return s.metaSet(db, "version", fmt.Sprint(schemaVersion))
}

var migrations = map[int]func(*sql.DB) error{
	// 0 -> 1: pre-versioning layouts kept overflow files without reference
	// counts, so their file-backed rows cannot be trusted. Drop them and
	// introduce the meta table.
	0: func(db *sql.DB) error {
		script := `
		DELETE FROM cache WHERE kf IN (2, 3, 5) OR vf IN (2, 3, 5);
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT NOT NULL,
			value BLOB
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_meta_key ON meta (key);
		`
		_, err := db.Exec(script)
		return err
	},
}

// metaGet returns the stored value for key, or "" when absent.
func (s *sqliteStore) metaGet(x executor, key string) (string, error) {
	var value string
	err := x.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %q: %w", key, err)
	}
	return value, nil
}

func (s *sqliteStore) metaSet(x executor, key, value string) error {
	_, err := x.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write meta %q: %w", key, err)
	}
	return nil
}

// transact runs fn inside a write transaction. BEGIN IMMEDIATE is issued up
// front (via the _txlock DSN option) so the write lock is taken before any
// statement runs; lock contention retries until the configured timeout, then
// surfaces ErrLockTimeout. Any error from fn rolls the transaction back.
func (s *sqliteStore) transact(fn func(tx *sql.Tx) error) error {
	db, err := s.session()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(s.lockTimeout)
	for {
		tx, err := db.Begin()
		if err != nil {
			if isBusy(err) {
				if time.Now().After(deadline) {
					return fmt.Errorf("%w: after %s", ErrLockTimeout, s.lockTimeout)
				}
				time.Sleep(time.Millisecond)
				continue
			}
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}
}

func (s *sqliteStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// isBusy reports whether err is sqlite lock contention.
func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}
