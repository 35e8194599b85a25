package worm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), slog.Default(), opts...)
	require.NoError(t, err)
	return s
}

func TestWriteReadVerify(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	receipt, err := s.Write(ctx, "ev-1", "security", map[string]interface{}{
		"actor":  "alice",
		"action": "login",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(receipt.ContentHash, "sha256:"))

	result, err := s.Read(ctx, "ev-1", true)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, "ev-1", result.Envelope.ID)
	assert.Equal(t, "security", result.Envelope.Category)
	assert.True(t, result.Envelope.Immutable)
	assert.Equal(t, receipt.ContentHash, result.Envelope.ContentHash)
	assert.Equal(t, "alice", result.Envelope.Payload["actor"])
}

func TestWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "ev-1", "security", map[string]interface{}{"n": float64(1)})
	require.NoError(t, err)

	_, err = s.Write(ctx, "ev-1", "security", map[string]interface{}{"n": float64(2)})
	assert.ErrorIs(t, err, ErrWriteOnce)

	// Original content untouched.
	result, err := s.Read(ctx, "ev-1", true)
	require.NoError(t, err)
	assert.Equal(t, float64(1), result.Envelope.Payload["n"])
}

func TestWriteRejectsTraversalCategory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "ev-1", "../escape", nil)
	assert.ErrorIs(t, err, ErrInvalidCategory)

	_, err = s.Write(ctx, "ev-2", "/abs", nil)
	assert.ErrorIs(t, err, ErrInvalidCategory)
}

func TestReadNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read(context.Background(), "missing", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

// corrupt flips a payload value in the stored file, bypassing the read-only
// file mode the same way an attacker with filesystem access would.
func corrupt(t *testing.T, dir, id string) {
	t.Helper()
	var path string
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasSuffix(p, id+".json") {
			path = p
		}
		return err
	})
	require.NoError(t, err)
	require.NotEmpty(t, path, "envelope file for %s not found", id)

	require.NoError(t, os.Chmod(path, 0o644))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var env EvidenceEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	env.Payload["tampered"] = true
	out, err := json.MarshalIndent(env, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o644))
}

func TestReadDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, slog.Default())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Write(ctx, "ev-1", "security", map[string]interface{}{"actor": "alice"})
	require.NoError(t, err)

	corrupt(t, dir, "ev-1")

	_, err = s.Read(ctx, "ev-1", true)
	assert.ErrorIs(t, err, ErrIntegrity)

	// Unverified read still returns the (tampered) bytes.
	result, err := s.Read(ctx, "ev-1", false)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, true, result.Envelope.Payload["tampered"])
}

func TestVerifyAll(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, slog.Default())
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"ev-1", "ev-2", "ev-3"} {
		_, err := s.Write(ctx, id, "compliance", map[string]interface{}{"id": id})
		require.NoError(t, err)
	}
	corrupt(t, dir, "ev-2")

	report := s.VerifyAll(ctx)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Verified)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Failures, "ev-2")
}

func TestListSortedAndFiltered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Write(ctx, "ev-b", "security", nil)
	require.NoError(t, err)
	_, err = s.Write(ctx, "ev-a", "access", nil)
	require.NoError(t, err)
	_, err = s.Write(ctx, "ev-c", "security", nil)
	require.NoError(t, err)

	all := s.List(ctx, "")
	require.Len(t, all, 3)

	sec := s.List(ctx, "security")
	require.Len(t, sec, 2)
	for _, info := range sec {
		assert.Equal(t, "security", info.Category)
	}
}

func TestReindexOnReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewStore(dir, slog.Default())
	require.NoError(t, err)
	_, err = s.Write(ctx, "ev-1", "system", map[string]interface{}{"boot": true})
	require.NoError(t, err)

	reopened, err := NewStore(dir, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())

	result, err := reopened.Read(ctx, "ev-1", true)
	require.NoError(t, err)
	assert.True(t, result.Verified)
}

// recordingLogger captures access records in memory.
type recordingLogger struct {
	mu      sync.Mutex
	records []AccessRecord
	fail    bool
}

func (r *recordingLogger) Record(_ context.Context, op, subject string, ok bool, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("log unavailable")
	}
	r.records = append(r.records, AccessRecord{Op: op, Subject: subject, OK: ok, Detail: detail})
	return nil
}

func TestAccessLogCapturesFailures(t *testing.T) {
	rec := &recordingLogger{}
	s := newTestStore(t, WithAccessLogger(rec))
	ctx := context.Background()

	_, err := s.Write(ctx, "ev-1", "security", nil)
	require.NoError(t, err)
	_, err = s.Read(ctx, "missing", true)
	require.ErrorIs(t, err, ErrNotFound)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.records, 2)
	assert.Equal(t, "write", rec.records[0].Op)
	assert.True(t, rec.records[0].OK)
	assert.Equal(t, "read", rec.records[1].Op)
	assert.False(t, rec.records[1].OK)
}

func TestAccessLogFailureDoesNotBlockWrites(t *testing.T) {
	rec := &recordingLogger{fail: true}
	s := newTestStore(t, WithAccessLogger(rec))

	_, err := s.Write(context.Background(), "ev-1", "security", nil)
	assert.NoError(t, err)
}

// failingMirror always errors on Put.
type failingMirror struct{}

func (failingMirror) Put(context.Context, EvidenceEnvelope, []byte) error {
	return errors.New("mirror unreachable")
}

func TestMirrorFailureDoesNotFailCommit(t *testing.T) {
	s := newTestStore(t, WithMirror(failingMirror{}))
	ctx := context.Background()

	_, err := s.Write(ctx, "ev-1", "security", nil)
	require.NoError(t, err)

	result, err := s.Read(ctx, "ev-1", true)
	require.NoError(t, err)
	assert.True(t, result.Verified)
}
