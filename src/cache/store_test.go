package cache

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValueStore(t *testing.T) *valueStore {
	t.Helper()
	return &valueStore{
		directory:  t.TempDir(),
		rawMaxSize: 32,
		logger:     slog.Default(),
	}
}

func TestDumpFormats(t *testing.T) {
	s := newTestValueStore(t)

	cases := []struct {
		name    string
		value   any
		payload any
		format  int
	}{
		{"nil", nil, nil, fmtRaw},
		{"int", 7, int64(7), fmtNumber},
		{"uint", uint(7), int64(7), fmtNumber},
		{"float32", float32(1.5), 1.5, fmtNumber},
		{"short string", "abc", "abc", fmtRaw},
		{"short bytes", []byte("abc"), []byte("abc"), fmtBytes},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, format, err := s.dump(tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.format, format)
			assert.Equal(t, tc.payload, payload)
		})
	}
}

func TestDumpUint64Overflow(t *testing.T) {
	s := newTestValueStore(t)
	_, _, err := s.dump(uint64(1) << 63)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDumpLoadObject(t *testing.T) {
	s := newTestValueStore(t)

	payload, format, err := s.dump(testObject{Name: "x", Count: 3})
	require.NoError(t, err)
	assert.Equal(t, fmtGob, format)

	got, err := s.load(payload, format)
	require.NoError(t, err)
	assert.Equal(t, testObject{Name: "x", Count: 3}, got)
}

func TestOverflowDedupe(t *testing.T) {
	s := newTestValueStore(t)
	content := []byte("this payload is long enough to overflow the raw threshold")

	sig1, err := s.write(content)
	require.NoError(t, err)
	sig2, err := s.write(content)
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)
	assert.Equal(t, signature(content), sig1)

	// One content file, a reference count of two.
	data, err := os.ReadFile(filepath.Join(s.directory, sig1))
	require.NoError(t, err)
	assert.Equal(t, content, data)
	ref, err := os.ReadFile(s.refPath(sig1))
	require.NoError(t, err)
	assert.Equal(t, "2", string(ref))

	// First release keeps the file, second reaps it with its sidecar.
	s.delete(sig1)
	_, err = os.Stat(filepath.Join(s.directory, sig1))
	assert.NoError(t, err)

	s.delete(sig1)
	_, err = os.Stat(filepath.Join(s.directory, sig1))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.refPath(sig1))
	assert.True(t, os.IsNotExist(err))
}

func TestDigestLeavesStorageUntouched(t *testing.T) {
	s := newTestValueStore(t)
	long := strings.Repeat("a", 100)

	payload, format, err := s.digest(long)
	require.NoError(t, err)
	assert.Equal(t, fmtFileString, format)
	assert.Equal(t, signature([]byte(long)), payload)

	// No content file, no sidecar.
	entries, err := os.ReadDir(s.directory)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// dump of the same value lands on the same signature.
	persisted, _, err := s.dump(long)
	require.NoError(t, err)
	assert.Equal(t, payload, persisted)
}

func TestOverflowMissingFileIsAbsent(t *testing.T) {
	s := newTestValueStore(t)

	got, err := s.load("0123456789abcdef0123456789abcdef", fmtFileString)
	require.NoError(t, err)
	assert.True(t, isAbsent(got))
}

func TestOverflowLegacySidecar(t *testing.T) {
	s := newTestValueStore(t)
	content := []byte("content written before sidecars were introduced......")
	sig := signature(content)

	// A content file with no sidecar counts as one reference.
	require.NoError(t, os.WriteFile(filepath.Join(s.directory, sig), content, 0o644))

	s.delete(sig)
	_, err := os.Stat(filepath.Join(s.directory, sig))
	assert.True(t, os.IsNotExist(err))
}

func TestDumpOverflowStringRoundTrip(t *testing.T) {
	s := newTestValueStore(t)
	long := string(make([]byte, 100))

	payload, format, err := s.dump(long)
	require.NoError(t, err)
	assert.Equal(t, fmtFileString, format)

	got, err := s.load(payload, format)
	require.NoError(t, err)
	assert.Equal(t, long, got)

	s.release(payload, format)
	_, err = os.Stat(filepath.Join(s.directory, payload.(string)))
	assert.True(t, os.IsNotExist(err))
}

func TestPayloadNormalizers(t *testing.T) {
	assert.Equal(t, "abc", payloadString([]byte("abc")))
	assert.Equal(t, "abc", payloadString("abc"))
	assert.Equal(t, []byte("abc"), payloadBytes("abc"))
	assert.Equal(t, []byte("abc"), payloadBytes([]byte("abc")))
}

func TestLoadUnknownFormat(t *testing.T) {
	s := newTestValueStore(t)
	_, err := s.load("x", 99)
	assert.ErrorIs(t, err, ErrEngine)
}
