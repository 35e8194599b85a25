package worm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/attestra-io/attestra/pkg/canonical"
)

// location is the index record for one committed envelope.
type location struct {
	Category  string
	Path      string
	Hash      string
	CreatedAt time.Time
	Size      int64
}

// Store is a file-backed write-once evidence store. Envelopes live one file
// per identifier under their category directory and are marked read-only at
// the storage layer after commit.
type Store struct {
	mu     sync.RWMutex
	root   string
	index  map[string]location
	access AccessLogger
	mirror Mirror
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithAccessLogger installs a forensic access log. Defaults to a no-op.
func WithAccessLogger(al AccessLogger) Option {
	return func(s *Store) { s.access = al }
}

// WithMirror installs an off-site mirror for committed envelopes.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// NewStore opens (or creates) a store rooted at dir and rebuilds the index
// from the envelopes already on disk.
func NewStore(dir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if dir == "" {
		dir = "./evidence"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create evidence root: %w", err)
	}

	s := &Store{
		root:   dir,
		index:  make(map[string]location),
		access: NopAccessLogger{},
		logger: logger.With("component", "worm"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.reindex(); err != nil {
		return nil, err
	}
	return s, nil
}

// reindex walks the store root and rebuilds the id -> location index.
func (s *Store) reindex() error {
	return filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".json") {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s during reindex: %w", path, err)
		}
		var env EvidenceEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Warn("skipping unreadable envelope during reindex", "path", path, "error", err)
			return nil
		}
		s.index[env.ID] = location{
			Category:  env.Category,
			Path:      path,
			Hash:      env.ContentHash,
			CreatedAt: env.CreatedAt,
			Size:      info.Size(),
		}
		return nil
	})
}

// hashable is the canonical hash input: every envelope field except the
// content hash itself.
type hashable struct {
	ID        string                 `json:"id"`
	Category  string                 `json:"category"`
	CreatedAt time.Time              `json:"created_at"`
	Immutable bool                   `json:"immutable"`
	Payload   map[string]interface{} `json:"payload"`
}

// Rehash recomputes the content hash from the envelope's current fields,
// ignoring the stored hash. Callers use it to check stored bytes against
// recorded links.
func Rehash(env EvidenceEnvelope) (string, error) {
	return envelopeHash(env)
}

func envelopeHash(env EvidenceEnvelope) (string, error) {
	return canonical.Hash(hashable{
		ID:        env.ID,
		Category:  env.Category,
		CreatedAt: env.CreatedAt,
		Immutable: env.Immutable,
		Payload:   env.Payload,
	})
}

// Write commits a new envelope. It fails with ErrWriteOnce if id already
// exists and never overwrites committed content.
func (s *Store) Write(ctx context.Context, id, category string, payload map[string]interface{}) (WriteReceipt, error) {
	if id == "" {
		return WriteReceipt{}, fmt.Errorf("evidence id must not be empty")
	}
	if category == "" {
		category = "general"
	}
	if strings.Contains(category, "..") || filepath.IsAbs(category) {
		s.record(ctx, "write", id, false, "invalid category")
		return WriteReceipt{}, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	env := EvidenceEnvelope{
		ID:        id,
		Category:  category,
		CreatedAt: s.clock().UTC(),
		Immutable: true,
		Payload:   payload,
	}
	hash, err := envelopeHash(env)
	if err != nil {
		return WriteReceipt{}, fmt.Errorf("failed to hash envelope: %w", err)
	}
	env.ContentHash = hash

	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return WriteReceipt{}, fmt.Errorf("failed to serialize envelope: %w", err)
	}

	s.mu.Lock()
	if _, exists := s.index[id]; exists {
		s.mu.Unlock()
		s.record(ctx, "write", id, false, "duplicate id")
		return WriteReceipt{}, fmt.Errorf("%w: %s", ErrWriteOnce, id)
	}

	dir := filepath.Join(s.root, filepath.FromSlash(category))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.mu.Unlock()
		return WriteReceipt{}, fmt.Errorf("failed to create category dir: %w", err)
	}
	path := filepath.Join(dir, id+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		s.mu.Unlock()
		return WriteReceipt{}, fmt.Errorf("failed to persist envelope: %w", err)
	}
	// WORM discipline at the storage layer: committed files are read-only.
	if err := os.Chmod(path, 0o444); err != nil {
		s.logger.Warn("failed to mark envelope read-only", "id", id, "error", err)
	}

	s.index[id] = location{
		Category:  category,
		Path:      path,
		Hash:      env.ContentHash,
		CreatedAt: env.CreatedAt,
		Size:      int64(len(raw)),
	}
	s.mu.Unlock()

	s.record(ctx, "write", id, true, env.ContentHash)
	if s.mirror != nil {
		if err := s.mirror.Put(ctx, env, raw); err != nil {
			// Local WORM storage is the source of truth; a mirror failure
			// must not fail the commit.
			s.logger.Warn("evidence mirror failed", "id", id, "error", err)
		}
	}

	return WriteReceipt{ID: id, ContentHash: env.ContentHash, CreatedAt: env.CreatedAt}, nil
}

// Read loads an envelope. With verify set, the content hash is recomputed
// from the on-disk bytes and any mismatch fails with ErrIntegrity.
func (s *Store) Read(ctx context.Context, id string, verify bool) (ReadResult, error) {
	s.mu.RLock()
	loc, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		s.record(ctx, "read", id, false, "not found")
		return ReadResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	raw, err := os.ReadFile(loc.Path)
	if err != nil {
		s.record(ctx, "read", id, false, err.Error())
		return ReadResult{}, fmt.Errorf("failed to load envelope %s: %w", id, err)
	}
	var env EvidenceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.record(ctx, "read", id, false, "corrupt envelope")
		return ReadResult{}, fmt.Errorf("%w: %s: corrupt envelope: %v", ErrIntegrity, id, err)
	}

	result := ReadResult{Envelope: env}
	if verify {
		computed, err := envelopeHash(env)
		if err != nil {
			return ReadResult{}, fmt.Errorf("failed to rehash envelope %s: %w", id, err)
		}
		if computed != env.ContentHash {
			s.record(ctx, "read", id, false, "hash mismatch")
			return ReadResult{}, fmt.Errorf("%w: %s: stored %s, computed %s",
				ErrIntegrity, id, env.ContentHash, computed)
		}
		result.Verified = true
	}

	s.record(ctx, "read", id, true, "")
	return result, nil
}

// List returns lightweight metadata for all entries, or those in category.
// No verification is performed.
func (s *Store) List(ctx context.Context, category string) []EntryInfo {
	s.mu.RLock()
	infos := make([]EntryInfo, 0, len(s.index))
	for id, loc := range s.index {
		if category != "" && loc.Category != category {
			continue
		}
		infos = append(infos, EntryInfo{
			ID:        id,
			Category:  loc.Category,
			Hash:      loc.Hash,
			CreatedAt: loc.CreatedAt,
			Size:      loc.Size,
		})
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	s.record(ctx, "list", category, true, fmt.Sprintf("%d entries", len(infos)))
	return infos
}

// VerifyAll runs Read(verify=true) over every indexed entry and reports
// verified versus failed counts. Used for periodic integrity sweeps.
func (s *Store) VerifyAll(ctx context.Context) VerifyReport {
	s.mu.RLock()
	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	report := VerifyReport{Total: len(ids), Failures: make(map[string]string)}
	for _, id := range ids {
		if _, err := s.Read(ctx, id, true); err != nil {
			report.Failed++
			report.Failures[id] = err.Error()
			continue
		}
		report.Verified++
	}
	s.record(ctx, "verify_all", "", report.Failed == 0,
		fmt.Sprintf("%d verified, %d failed", report.Verified, report.Failed))
	return report
}

// Count returns the number of indexed entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

func (s *Store) record(ctx context.Context, op, subject string, ok bool, detail string) {
	if err := s.access.Record(ctx, op, subject, ok, detail); err != nil {
		s.logger.Warn("access log write failed", "op", op, "error", err)
	}
}
