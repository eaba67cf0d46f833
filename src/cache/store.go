package cache

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// absentValue is returned by load when an overflow file has disappeared.
// The caller treats the row as a tombstone: the lookup is a miss and the row
// should be deleted.
type absentType struct{}

var absentValue = absentType{}

// isAbsent reports whether a loaded value is the absent sentinel.
func isAbsent(v any) bool {
	_, ok := v.(absentType)
	return ok
}

// refLockTimeout bounds the advisory-lock acquisition around reference-count
// updates on overflow sidecar files.
const refLockTimeout = 5 * time.Second

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// RegisterType makes a concrete type storable through the generic object
// path. Callers caching custom structs, or maps and slices of them, must
// register each concrete type once, exactly as with encoding/gob.
func RegisterType(v any) {
	gob.Register(v)
}

// valueStore serializes keys and values into their storage formats and
// offloads oversized payloads to content-addressed overflow files in the
// cache directory. Files are named by the hex md5 of their content, so
// identical payloads dedupe to one file; a <sig>.ref sidecar counts the rows
// referencing it.
type valueStore struct {
	directory  string
	rawMaxSize int
	logger     *slog.Logger
}

// dump serializes value to a storable payload plus its format tag and
// persists any overflow content, taking one reference on it. Only row
// inserts and value writes go through dump.
func (s *valueStore) dump(value any) (any, int, error) {
	return s.serialize(value, true)
}

// digest serializes exactly like dump but never touches overflow storage:
// file-backed payloads carry the content signature only. Lookup paths use
// digest so reads do not move reference counts.
func (s *valueStore) digest(value any) (any, int, error) {
	return s.serialize(value, false)
}

// serialize maps a value to its payload and format. Nil and numbers are
// always inline. Strings and byte slices are inline under the raw threshold
// and overflowed above it. Everything else goes through gob, inline when the
// encoding is small enough.
func (s *valueStore) serialize(value any, persist bool) (any, int, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmtRaw, nil
	case int:
		return int64(v), fmtNumber, nil
	case int8:
		return int64(v), fmtNumber, nil
	case int16:
		return int64(v), fmtNumber, nil
	case int32:
		return int64(v), fmtNumber, nil
	case int64:
		return v, fmtNumber, nil
	case uint:
		return int64(v), fmtNumber, nil
	case uint8:
		return int64(v), fmtNumber, nil
	case uint16:
		return int64(v), fmtNumber, nil
	case uint32:
		return int64(v), fmtNumber, nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, 0, fmt.Errorf("%w: uint64 value overflows the numeric range", ErrValidation)
		}
		return int64(v), fmtNumber, nil
	case float32:
		return float64(v), fmtNumber, nil
	case float64:
		return v, fmtNumber, nil
	case string:
		if len(v) < s.rawMaxSize {
			return v, fmtRaw, nil
		}
		return s.offload([]byte(v), fmtFileString, persist)
	case []byte:
		if len(v) < s.rawMaxSize {
			return v, fmtBytes, nil
		}
		return s.offload(v, fmtFileBytes, persist)
	default:
		encoded, err := encodeValue(value)
		if err != nil {
			return nil, 0, err
		}
		if len(encoded) < s.rawMaxSize {
			return encoded, fmtGob, nil
		}
		return s.offload(encoded, fmtFileGob, persist)
	}
}

// offload resolves an oversized payload to its content signature, writing
// the overflow file and taking a reference only when persist is set.
func (s *valueStore) offload(data []byte, format int, persist bool) (any, int, error) {
	if !persist {
		return signature(data), format, nil
	}
	sig, err := s.write(data)
	if err != nil {
		return nil, 0, err
	}
	return sig, format, nil
}

// load restores a payload read back from the store. For file-backed formats
// a missing overflow file yields absentValue, never an error.
func (s *valueStore) load(payload any, format int) (any, error) {
	switch format {
	case fmtRaw:
		if payload == nil {
			return nil, nil
		}
		return payloadString(payload), nil
	case fmtBytes:
		return payloadBytes(payload), nil
	case fmtNumber:
		return payload, nil
	case fmtFileString:
		data, ok := s.read(payloadString(payload))
		if !ok {
			return absentValue, nil
		}
		return string(data), nil
	case fmtFileBytes:
		data, ok := s.read(payloadString(payload))
		if !ok {
			return absentValue, nil
		}
		return data, nil
	case fmtGob:
		return decodeValue(payloadBytes(payload))
	case fmtFileGob:
		data, ok := s.read(payloadString(payload))
		if !ok {
			return absentValue, nil
		}
		return decodeValue(data)
	default:
		return nil, fmt.Errorf("%w: unknown storage format %d", ErrEngine, format)
	}
}

// release drops one reference to the overflow file behind a payload, if the
// format is file-backed. Best-effort by contract.
func (s *valueStore) release(payload any, format int) {
	switch format {
	case fmtFileString, fmtFileBytes, fmtFileGob:
		s.delete(payloadString(payload))
	}
}

func signature(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// write stores data under its content signature and returns the signature.
// The content file is created exclusively; losing the race to another writer
// means the content already exists, and only the reference count moves.
func (s *valueStore) write(data []byte) (string, error) {
	sig := signature(data)
	path := filepath.Join(s.directory, sig)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		if _, werr := f.Write(data); werr != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("failed to write overflow file: %w", werr)
		}
		if cerr := f.Close(); cerr != nil {
			return "", fmt.Errorf("failed to write overflow file: %w", cerr)
		}
		if err := s.adjustRef(sig, 1); err != nil {
			return "", err
		}
		return sig, nil
	}
	if !os.IsExist(err) {
		return "", fmt.Errorf("failed to create overflow file: %w", err)
	}
	if err := s.adjustRef(sig, 1); err != nil {
		return "", err
	}
	return sig, nil
}

// read returns the content behind a signature. Reads take no lock and
// tolerate disappearance: a missing or unreadable file is a miss.
func (s *valueStore) read(sig string) ([]byte, bool) {
	data, err := os.ReadFile(filepath.Join(s.directory, sig))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("overflow file unreadable", slog.String("sig", sig), slog.Any("error", err))
		} else {
			s.logger.Warn("overflow file missing", slog.String("sig", sig))
		}
		return nil, false
	}
	return data, true
}

// delete drops one reference and removes the content once no row points at
// it. Failures are logged, never returned; a vanished file is not an error.
func (s *valueStore) delete(sig string) {
	remaining, err := s.decRef(sig)
	if err != nil {
		s.logger.Warn("overflow refcount update failed", slog.String("sig", sig), slog.Any("error", err))
		return
	}
	if remaining > 0 {
		return
	}
	if err := os.Remove(filepath.Join(s.directory, sig)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("overflow file removal failed", slog.String("sig", sig), slog.Any("error", err))
	}
	if err := os.Remove(s.refPath(sig)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("overflow sidecar removal failed", slog.String("sig", sig), slog.Any("error", err))
	}
}

func (s *valueStore) refPath(sig string) string {
	return filepath.Join(s.directory, sig+".ref")
}

// adjustRef moves the sidecar reference count by delta under an advisory
// lock, retrying acquisition with backoff up to refLockTimeout.
func (s *valueStore) adjustRef(sig string, delta int64) error {
	_, err := s.updateRef(sig, delta)
	return err
}

func (s *valueStore) decRef(sig string) (int64, error) {
	return s.updateRef(sig, -1)
}

func (s *valueStore) updateRef(sig string, delta int64) (int64, error) {
	lock := flock.New(s.refPath(sig))
	ctx, cancel := context.WithTimeout(context.Background(), refLockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return 0, fmt.Errorf("%w: overflow sidecar lock: %v", ErrLockTimeout, err)
	}
	if !locked {
		return 0, fmt.Errorf("%w: overflow sidecar lock", ErrLockTimeout)
	}
	defer lock.Unlock()

	path := s.refPath(sig)
	var count int64
	raw, err := os.ReadFile(path)
	if err == nil {
		count, _ = strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to read overflow sidecar: %w", err)
	}
	// A content file without a sidecar predates this row; count it once.
	if count == 0 && delta < 0 {
		count = 1
	}

	count += delta
	if err := os.WriteFile(path, []byte(strconv.FormatInt(count, 10)), 0o644); err != nil {
		return 0, fmt.Errorf("failed to write overflow sidecar: %w", err)
	}
	return count, nil
}

// gobBox wraps values so interface payloads survive the gob round trip.
type gobBox struct {
	V any
}

func encodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobBox{V: v}); err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeValue(data []byte) (any, error) {
	var box gobBox
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&box); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return box.V, nil
}

// payloadString normalizes a scanned payload to a string regardless of
// whether the driver surfaced TEXT as string or []byte.
func payloadString(p any) string {
	switch v := p.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// payloadBytes normalizes a scanned payload to a byte slice.
func payloadBytes(p any) []byte {
	switch v := p.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}
