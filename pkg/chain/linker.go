package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/attestra-io/attestra/pkg/canonical"
	"github.com/attestra-io/attestra/pkg/worm"
)

// EvidenceCategory is the category namespace chain payloads are stored under.
const EvidenceCategory = "chain"

// Linker appends entries to the chain and verifies its integrity.
// Append is single-writer: one mutex serializes read-tail, append and
// tail-link rewrite, so the chain stays strictly ordered even when event
// dispatch is multi-worker.
type Linker struct {
	mu      sync.Mutex
	store   *worm.Store
	path    string // index persistence path, empty for memory-only
	entries map[string]Entry
	history map[string][]Entry // superseded record versions, oldest first
	order   []string           // entry ids by position
	logger  *slog.Logger
	clock   func() time.Time
}

// chainIndex is the persisted form of the linker state.
type chainIndex struct {
	Entries map[string]Entry   `json:"entries"`
	History map[string][]Entry `json:"history,omitempty"`
	Order   []string           `json:"order"`
}

// LinkerOption configures a Linker.
type LinkerOption func(*Linker)

// WithIndexPath persists the chain index as JSON at path.
func WithIndexPath(path string) LinkerOption {
	return func(l *Linker) { l.path = path }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) LinkerOption {
	return func(l *Linker) { l.clock = clock }
}

// NewLinker creates a chain linker over the given evidence store.
func NewLinker(store *worm.Store, logger *slog.Logger, opts ...LinkerOption) (*Linker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Linker{
		store:   store,
		entries: make(map[string]Entry),
		history: make(map[string][]Entry),
		logger:  logger.With("component", "chain"),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.path != "" {
		if err := l.load(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Linker) load() error {
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return nil
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read chain index: %w", err)
	}
	var idx chainIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return fmt.Errorf("corrupt chain index: %w", err)
	}
	if idx.Entries != nil {
		l.entries = idx.Entries
	}
	if idx.History != nil {
		l.history = idx.History
	}
	l.order = idx.Order
	return nil
}

// save persists the index. Caller holds the mutex.
func (l *Linker) save() error {
	if l.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(chainIndex{
		Entries: l.entries,
		History: l.history,
		Order:   l.order,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, raw, 0o600)
}

// entryCore is the canonical hash input fixed at creation time. The forward
// link is deliberately excluded: neighbours reference this hash, and it must
// stay stable across the tail-link rewrite that happens when a successor is
// appended.
type entryCore struct {
	EntryID      string    `json:"entry_id"`
	Position     uint64    `json:"position"`
	EvidenceID   string    `json:"evidence_id"`
	EvidenceHash string    `json:"evidence_hash"`
	PrevID       string    `json:"prev_id"`
	PrevHash     string    `json:"prev_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// entryVersion additionally covers the forward link and version counter.
type entryVersion struct {
	entryCore
	NextID   string `json:"next_id"`
	NextHash string `json:"next_hash"`
	Version  int    `json:"version"`
}

func coreOf(e Entry) entryCore {
	return entryCore{
		EntryID:      e.EntryID,
		Position:     e.Position,
		EvidenceID:   e.EvidenceID,
		EvidenceHash: e.EvidenceHash,
		PrevID:       e.PrevID,
		PrevHash:     e.PrevHash,
		CreatedAt:    e.CreatedAt,
	}
}

func entryHash(e Entry) (string, error) {
	return canonical.Hash(coreOf(e))
}

func versionHash(e Entry) (string, error) {
	return canonical.Hash(entryVersion{
		entryCore: coreOf(e),
		NextID:    e.NextID,
		NextHash:  e.NextHash,
		Version:   e.Version,
	})
}

// Append persists the payload as write-once evidence and links it to the
// current tail. If a tail exists, its forward link is rewritten as a new
// record version; the superseded version is retained in the history.
func (l *Linker) Append(ctx context.Context, id string, payload map[string]interface{}) (Entry, error) {
	if id == "" {
		return Entry{}, fmt.Errorf("chain entry id must not be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[id]; exists {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryExists, id)
	}

	receipt, err := l.store.Write(ctx, id, EvidenceCategory, payload)
	if err != nil {
		if errors.Is(err, worm.ErrWriteOnce) {
			return Entry{}, fmt.Errorf("%w: %s", ErrEntryExists, id)
		}
		return Entry{}, fmt.Errorf("failed to persist chain payload: %w", err)
	}

	entry := Entry{
		EntryID:      id,
		Position:     uint64(len(l.order)),
		EvidenceID:   receipt.ID,
		EvidenceHash: receipt.ContentHash,
		Version:      1,
		CreatedAt:    l.clock().UTC(),
	}

	var tailID string
	if len(l.order) > 0 {
		tailID = l.order[len(l.order)-1]
		tail := l.entries[tailID]
		entry.PrevID = tail.EntryID
		entry.PrevHash = tail.EntryHash
	}

	if entry.EntryHash, err = entryHash(entry); err != nil {
		return Entry{}, fmt.Errorf("failed to hash chain entry: %w", err)
	}
	if entry.VersionHash, err = versionHash(entry); err != nil {
		return Entry{}, fmt.Errorf("failed to hash chain entry version: %w", err)
	}

	if tailID != "" {
		tail := l.entries[tailID]
		// Additive versioning: the old tail record is superseded, not
		// mutated in place.
		l.history[tailID] = append(l.history[tailID], tail)

		tail.NextID = entry.EntryID
		tail.NextHash = entry.EntryHash
		tail.Version++
		if tail.VersionHash, err = versionHash(tail); err != nil {
			return Entry{}, fmt.Errorf("failed to rehash tail: %w", err)
		}
		l.entries[tailID] = tail
	}

	l.entries[id] = entry
	l.order = append(l.order, id)

	if err := l.save(); err != nil {
		return Entry{}, fmt.Errorf("failed to persist chain index: %w", err)
	}

	l.logger.Debug("chain entry appended",
		"entry_id", id, "position", entry.Position, "evidence_hash", entry.EvidenceHash)
	return entry, nil
}

// Get returns the current version of an entry.
func (l *Linker) Get(id string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return entry, nil
}

// History returns superseded versions of an entry, oldest first.
func (l *Linker) History(id string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.history[id]...)
}

// Head returns the genesis entry.
func (l *Linker) Head() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.order) == 0 {
		return Entry{}, false
	}
	return l.entries[l.order[0]], true
}

// Tail returns the most recently appended entry.
func (l *Linker) Tail() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.order) == 0 {
		return Entry{}, false
	}
	return l.entries[l.order[len(l.order)-1]], true
}

// Length returns the number of chain entries.
func (l *Linker) Length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// snapshot returns the ordered entries under the lock.
func (l *Linker) snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := make([]Entry, 0, len(l.order))
	for _, id := range l.order {
		entries = append(entries, l.entries[id])
	}
	return entries
}

// HashesSince returns the evidence hashes of entries at or after position.
// The batch anchor uses it to snapshot not-yet-anchored hashes.
func (l *Linker) HashesSince(position uint64) ([]string, uint64) {
	entries := l.snapshot()
	hashes := make([]string, 0)
	next := position
	for _, e := range entries {
		if e.Position < position {
			continue
		}
		hashes = append(hashes, e.EvidenceHash)
		next = e.Position + 1
	}
	return hashes, next
}
