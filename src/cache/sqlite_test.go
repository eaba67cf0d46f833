package cache

import (
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, path string) *sqliteStore {
	t.Helper()
	s, err := newSQLiteStore(path, defaultPragmas(), time.Second, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.close() })
	return s
}

func TestMetaRoundTrip(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "meta.sqlite3"))
	db, err := s.session()
	require.NoError(t, err)

	got, err := s.metaGet(db, "missing")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	require.NoError(t, s.metaSet(db, "k", "v1"))
	require.NoError(t, s.metaSet(db, "k", "v2"))
	got, err = s.metaGet(db, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestSchemaVersionStamped(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "v.sqlite3"))
	db, err := s.session()
	require.NoError(t, err)
	v, err := s.storedVersion(db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)
}

func TestNewerSchemaRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.sqlite3")

	s := newTestStore(t, path)
	db, err := s.session()
	require.NoError(t, err)
	require.NoError(t, s.metaSet(db, "version", "99"))
	require.NoError(t, s.close())

	_, err = newSQLiteStore(path, defaultPragmas(), time.Second, slog.Default())
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMigrateFromVersionZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.sqlite3")

	// A pre-versioning layout: cache table, no meta table, one inline row
	// and one file-backed row whose overflow file cannot be trusted.
	db, err := sql.Open("sqlite3", "file:"+path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE cache (
			key BLOB NOT NULL,
			kf INTEGER NOT NULL,
			value BLOB,
			vf INTEGER NOT NULL,
			store REAL NOT NULL,
			expire REAL,
			access REAL NOT NULL,
			access_count INTEGER DEFAULT 0
		);
		CREATE UNIQUE INDEX idx_key ON cache (key, kf);
		INSERT INTO cache VALUES ('inline', 0, 'v', 0, 1.0, NULL, 1.0, 0);
		INSERT INTO cache VALUES ('filed', 0, 'deadbeef', 2, 1.0, NULL, 1.0, 0);
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s := newTestStore(t, path)
	session, err := s.session()
	require.NoError(t, err)

	v, err := s.storedVersion(session)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)

	var inline, filed int
	require.NoError(t, session.QueryRow(
		`SELECT COUNT(*) FROM cache WHERE key = 'inline'`).Scan(&inline))
	require.NoError(t, session.QueryRow(
		`SELECT COUNT(*) FROM cache WHERE key = 'filed'`).Scan(&filed))
	assert.Equal(t, 1, inline)
	assert.Equal(t, 0, filed)
}

func TestPragmasApplyToEveryConnection(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "pragma.sqlite3"))
	db, err := s.session()
	require.NoError(t, err)

	// Concurrent statements must all observe the configured cache_size,
	// never a connection running with driver defaults.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var size int
			if assert.NoError(t, db.QueryRow(`PRAGMA cache_size`).Scan(&size)) {
				assert.Equal(t, 1<<13, size)
			}
		}()
	}
	wg.Wait()
}

func TestTransactRollsBackOnError(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "tx.sqlite3"))

	boom := errors.New("boom")
	err := s.transact(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO cache (key, kf, value, vf, store, access) VALUES ('k', 0, 'v', 0, 1.0, 1.0)`,
		); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	db, err := s.session()
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM cache`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestSessionSurvivesClose(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "reopen.sqlite3"))
	require.NoError(t, s.close())

	// close drops the connection; the next session opens a fresh one.
	db, err := s.session()
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM cache`).Scan(&n))
	assert.Equal(t, 0, n)
}
