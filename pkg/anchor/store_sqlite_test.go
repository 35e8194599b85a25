package anchor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestra-io/attestra/pkg/merkle"
)

func newSQLiteStore(t *testing.T) *SQLiteReceiptStore {
	t.Helper()
	s, err := OpenSQLiteReceiptStore(filepath.Join(t.TempDir(), "receipts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleReceipt(batchID string, hashes []string, ts time.Time) *Receipt {
	return &Receipt{
		BatchID:     batchID,
		Destination: "ledger",
		Hashes:      hashes,
		MerkleRoot:  merkle.Root(hashes),
		Status:      StatusPending,
		Timestamp:   ts,
	}
}

func TestSQLiteReceiptRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	hashes := testHashes(3)
	r := sampleReceipt("ab-1", hashes, time.Now().UTC())
	require.NoError(t, s.Put(ctx, r))

	got, err := s.Get(ctx, "ab-1")
	require.NoError(t, err)
	assert.Equal(t, r.BatchID, got.BatchID)
	assert.Equal(t, r.Destination, got.Destination)
	assert.Equal(t, hashes, got.Hashes)
	assert.Equal(t, r.MerkleRoot, got.MerkleRoot)
	assert.Equal(t, StatusPending, got.Status)
	assert.WithinDuration(t, r.Timestamp, got.Timestamp, time.Millisecond)
}

func TestSQLiteReceiptUpsert(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	r := sampleReceipt("ab-1", testHashes(2), time.Now().UTC())
	require.NoError(t, s.Put(ctx, r))

	r.Status = StatusConfirmed
	r.TxRef = "tx-42"
	r.SequenceMarker = "seq-42"
	r.Attempts = 2
	require.NoError(t, s.Put(ctx, r))

	got, err := s.Get(ctx, "ab-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, "tx-42", got.TxRef)
	assert.Equal(t, "seq-42", got.SequenceMarker)
	assert.Equal(t, 2, got.Attempts)
}

func TestSQLiteGetNotFound(t *testing.T) {
	s := newSQLiteStore(t)
	_, err := s.Get(context.Background(), "ab-missing")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestSQLiteFindByHash(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	hashes := testHashes(4)
	require.NoError(t, s.Put(ctx, sampleReceipt("ab-1", hashes[:2], time.Now().UTC().Add(-time.Hour))))
	require.NoError(t, s.Put(ctx, sampleReceipt("ab-2", hashes[2:], time.Now().UTC())))

	r, idx, err := s.FindByHash(ctx, hashes[3])
	require.NoError(t, err)
	assert.Equal(t, "ab-2", r.BatchID)
	assert.Equal(t, 1, idx)

	r, idx, err = s.FindByHash(ctx, hashes[0])
	require.NoError(t, err)
	assert.Equal(t, "ab-1", r.BatchID)
	assert.Equal(t, 0, idx)

	_, _, err = s.FindByHash(ctx, "sha256:unknown")
	assert.ErrorIs(t, err, ErrHashNotAnchored)
}

func TestSQLiteFindByHashPrefersNewestBatch(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	hashes := testHashes(1)
	require.NoError(t, s.Put(ctx, sampleReceipt("ab-old", hashes, time.Now().UTC().Add(-time.Hour))))
	require.NoError(t, s.Put(ctx, sampleReceipt("ab-new", hashes, time.Now().UTC())))

	r, _, err := s.FindByHash(ctx, hashes[0])
	require.NoError(t, err)
	assert.Equal(t, "ab-new", r.BatchID)
}

func TestSQLiteListNewestFirst(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		r := sampleReceipt(
			[]string{"ab-1", "ab-2", "ab-3"}[i],
			testHashes(1),
			base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.Put(ctx, r))
	}

	receipts, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "ab-3", receipts[0].BatchID)
	assert.Equal(t, "ab-2", receipts[1].BatchID)
}
