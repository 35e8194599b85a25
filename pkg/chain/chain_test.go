package chain

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestra-io/attestra/pkg/worm"
)

func newTestLinker(t *testing.T) (*Linker, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := worm.NewStore(dir, slog.Default())
	require.NoError(t, err)
	linker, err := NewLinker(store, slog.Default())
	require.NoError(t, err)
	return linker, dir
}

func appendN(t *testing.T, l *Linker, n int) []Entry {
	t.Helper()
	entries := make([]Entry, n)
	for i := range entries {
		id := []string{"ce-1", "ce-2", "ce-3", "ce-4", "ce-5"}[i]
		e, err := l.Append(context.Background(), id, map[string]interface{}{"seq": float64(i)})
		require.NoError(t, err)
		entries[i] = e
	}
	return entries
}

func TestAppendLinksEntries(t *testing.T) {
	l, _ := newTestLinker(t)
	entries := appendN(t, l, 3)

	// Genesis has no backward link.
	assert.Empty(t, entries[0].PrevID)
	assert.Empty(t, entries[0].PrevHash)
	assert.Equal(t, uint64(0), entries[0].Position)

	// Each successor references its predecessor's creation hash.
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].EntryID, entries[i].PrevID)
		assert.Equal(t, entries[i-1].EntryHash, entries[i].PrevHash)
		assert.Equal(t, uint64(i), entries[i].Position)
	}

	// Predecessors were rewritten with forward links.
	for i := 0; i < len(entries)-1; i++ {
		cur, err := l.Get(entries[i].EntryID)
		require.NoError(t, err)
		assert.Equal(t, entries[i+1].EntryID, cur.NextID)
		assert.Equal(t, entries[i+1].EntryHash, cur.NextHash)
		assert.Equal(t, 2, cur.Version)
		// The creation hash survives the forward-link rewrite.
		assert.Equal(t, entries[i].EntryHash, cur.EntryHash)
		assert.NotEqual(t, entries[i].VersionHash, cur.VersionHash)
	}

	tail, ok := l.Tail()
	require.True(t, ok)
	assert.Equal(t, "ce-3", tail.EntryID)
	assert.Empty(t, tail.NextID)
	assert.Equal(t, 1, tail.Version)
}

func TestAppendRejectsDuplicate(t *testing.T) {
	l, _ := newTestLinker(t)
	appendN(t, l, 1)

	_, err := l.Append(context.Background(), "ce-1", nil)
	assert.ErrorIs(t, err, ErrEntryExists)
	assert.Equal(t, 1, l.Length())
}

func TestHistoryRetainsSupersededVersions(t *testing.T) {
	l, _ := newTestLinker(t)
	entries := appendN(t, l, 3)

	// ce-1 was rewritten once, when ce-2 arrived.
	hist := l.History(entries[0].EntryID)
	require.Len(t, hist, 1)
	assert.Equal(t, 1, hist[0].Version)
	assert.Empty(t, hist[0].NextID)

	// The tail has never been rewritten.
	assert.Empty(t, l.History(entries[2].EntryID))
}

func TestVerifyIntactChain(t *testing.T) {
	l, _ := newTestLinker(t)
	appendN(t, l, 3)

	for _, dir := range []Direction{DirectionForward, DirectionBackward, DirectionBoth} {
		result, err := l.Verify(context.Background(), dir)
		require.NoError(t, err)
		assert.Equal(t, StatusVerified, result.Status, "direction %s", dir)
		assert.Equal(t, 3, result.Entries)
		assert.Empty(t, result.Breaks)
	}

	result, err := l.Verify(context.Background(), DirectionBoth)
	require.NoError(t, err)
	assert.Equal(t, 4, result.LinksVerified) // 2 links, both directions
}

func TestVerifyEmptyChain(t *testing.T) {
	l, _ := newTestLinker(t)
	result, err := l.Verify(context.Background(), DirectionBoth)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, result.Status)
	assert.Zero(t, result.Entries)
}

// tamperEvidence rewrites the stored payload of one chain evidence file.
func tamperEvidence(t *testing.T, dir, id string) {
	t.Helper()
	path := filepath.Join(dir, EvidenceCategory, id+".json")
	require.NoError(t, os.Chmod(path, 0o644))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var env worm.EvidenceEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	env.Payload["seq"] = float64(999)
	out, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0o644))
}

func TestVerifyLocalizesTampering(t *testing.T) {
	l, dir := newTestLinker(t)
	entries := appendN(t, l, 3)

	tamperEvidence(t, dir, entries[1].EntryID)

	result, err := l.Verify(context.Background(), DirectionBoth)
	require.NoError(t, err)
	assert.Equal(t, StatusCompromised, result.Status)
	// Per direction: the entry's own hash mismatch plus the neighbour's
	// link mismatch.
	require.Len(t, result.Breaks, 4)

	var forward, backward *Break
	for i := range result.Breaks {
		b := &result.Breaks[i]
		if b.SourceID == b.TargetID {
			// Self breaks name the tampered entry on both ends.
			assert.Equal(t, entries[1].EntryID, b.SourceID)
			assert.Equal(t, "entry hash mismatch", b.Reason)
			continue
		}
		switch b.Direction {
		case DirectionForward:
			forward = b
		case DirectionBackward:
			backward = b
		}
	}
	require.NotNil(t, forward)
	require.NotNil(t, backward)

	// Both link breaks point at the tampered entry.
	assert.Equal(t, entries[0].EntryID, forward.SourceID)
	assert.Equal(t, entries[1].EntryID, forward.TargetID)
	assert.Equal(t, entries[2].EntryID, backward.SourceID)
	assert.Equal(t, entries[1].EntryID, backward.TargetID)
	assert.True(t, strings.Contains(forward.Reason, "hash mismatch"))
}

func TestVerifySingleEntryTampering(t *testing.T) {
	l, dir := newTestLinker(t)
	entries := appendN(t, l, 1)

	tamperEvidence(t, dir, entries[0].EntryID)

	for _, d := range []Direction{DirectionForward, DirectionBackward, DirectionBoth} {
		result, err := l.Verify(context.Background(), d)
		require.NoError(t, err)
		assert.Equal(t, StatusCompromised, result.Status, "direction %s", d)
		require.NotEmpty(t, result.Breaks, "direction %s", d)
		assert.Equal(t, entries[0].EntryID, result.Breaks[0].SourceID)
		assert.Equal(t, "entry hash mismatch", result.Breaks[0].Reason)
	}
}

func TestVerifyTailTampering(t *testing.T) {
	l, dir := newTestLinker(t)
	entries := appendN(t, l, 3)

	tamperEvidence(t, dir, entries[2].EntryID)

	// The tail has no successor, so only its own hash check can surface
	// the corruption on the backward walk.
	backward, err := l.Verify(context.Background(), DirectionBackward)
	require.NoError(t, err)
	assert.Equal(t, StatusCompromised, backward.Status)
	require.Len(t, backward.Breaks, 1)
	assert.Equal(t, entries[2].EntryID, backward.Breaks[0].SourceID)
	assert.Equal(t, "entry hash mismatch", backward.Breaks[0].Reason)

	forward, err := l.Verify(context.Background(), DirectionForward)
	require.NoError(t, err)
	assert.Equal(t, StatusCompromised, forward.Status)
	assert.NotEmpty(t, forward.Breaks)
}

func TestVerifyGenesisTampering(t *testing.T) {
	l, dir := newTestLinker(t)
	entries := appendN(t, l, 3)

	tamperEvidence(t, dir, entries[0].EntryID)

	// Genesis has no predecessor, so the forward walk relies on the
	// entry's own hash check.
	forward, err := l.Verify(context.Background(), DirectionForward)
	require.NoError(t, err)
	assert.Equal(t, StatusCompromised, forward.Status)
	require.Len(t, forward.Breaks, 1)
	assert.Equal(t, entries[0].EntryID, forward.Breaks[0].SourceID)
	assert.Equal(t, "entry hash mismatch", forward.Breaks[0].Reason)

	backward, err := l.Verify(context.Background(), DirectionBackward)
	require.NoError(t, err)
	assert.Equal(t, StatusCompromised, backward.Status)
	assert.NotEmpty(t, backward.Breaks)
}

func TestVerifyCollectsMultipleBreaks(t *testing.T) {
	l, dir := newTestLinker(t)
	entries := appendN(t, l, 5)

	tamperEvidence(t, dir, entries[1].EntryID)
	tamperEvidence(t, dir, entries[3].EntryID)

	result, err := l.Verify(context.Background(), DirectionBoth)
	require.NoError(t, err)
	assert.Equal(t, StatusCompromised, result.Status)
	// Each tampered entry surfaces per direction as its own hash mismatch
	// plus the neighbour's link mismatch.
	assert.Len(t, result.Breaks, 8)
}

func TestIndexPersistence(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "chain-index.json")
	store, err := worm.NewStore(filepath.Join(dir, "evidence"), slog.Default())
	require.NoError(t, err)

	l, err := NewLinker(store, slog.Default(), WithIndexPath(indexPath))
	require.NoError(t, err)
	first := appendN(t, l, 3)

	reopened, err := NewLinker(store, slog.Default(), WithIndexPath(indexPath))
	require.NoError(t, err)
	assert.Equal(t, 3, reopened.Length())

	tail, ok := reopened.Tail()
	require.True(t, ok)
	assert.Equal(t, first[2].EntryID, tail.EntryID)

	result, err := reopened.Verify(context.Background(), DirectionBoth)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, result.Status)
}

func TestHashesSince(t *testing.T) {
	l, _ := newTestLinker(t)
	entries := appendN(t, l, 3)

	all, next := l.HashesSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, entries[0].EvidenceHash, all[0])
	assert.Equal(t, uint64(3), next)

	rest, next := l.HashesSince(2)
	require.Len(t, rest, 1)
	assert.Equal(t, entries[2].EvidenceHash, rest[0])
	assert.Equal(t, uint64(3), next)

	none, next := l.HashesSince(3)
	assert.Empty(t, none)
	assert.Equal(t, uint64(3), next)
}
