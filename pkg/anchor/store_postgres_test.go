package anchor

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgresStore(t *testing.T) (*PostgresReceiptStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS anchor_receipts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewPostgresReceiptStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresPut(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO anchor_receipts")).
		WithArgs("ab-1", "ledger", []byte(`["sha256:aa","sha256:bb"]`), "sha256:root",
			"tx-1", "seq-1", "confirmed", 2, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Put(context.Background(), &Receipt{
		BatchID:        "ab-1",
		Destination:    "ledger",
		Hashes:         []string{"sha256:aa", "sha256:bb"},
		MerkleRoot:     "sha256:root",
		TxRef:          "tx-1",
		SequenceMarker: "seq-1",
		Status:         StatusConfirmed,
		Attempts:       2,
		Timestamp:      time.Now().UTC(),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	cols := []string{"batch_id", "destination", "hashes", "merkle_root", "tx_ref",
		"sequence_marker", "status", "attempts", "last_error", "timestamp"}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT batch_id, destination, hashes")).
		WithArgs("ab-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("ab-1", "ledger", `["sha256:aa"]`, "sha256:aa", "tx-1", "seq-1",
				"confirmed", 1, "", time.Now().UTC()))

	r, err := store.Get(context.Background(), "ab-1")
	require.NoError(t, err)
	assert.Equal(t, "ab-1", r.BatchID)
	assert.Equal(t, []string{"sha256:aa"}, r.Hashes)
	assert.Equal(t, StatusConfirmed, r.Status)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT batch_id, destination, hashes")).
		WithArgs("ab-missing").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err = store.Get(context.Background(), "ab-missing")
	assert.ErrorIs(t, err, ErrBatchNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindByHash(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	cols := []string{"batch_id", "destination", "hashes", "merkle_root", "tx_ref",
		"sequence_marker", "status", "attempts", "last_error", "timestamp"}

	mock.ExpectQuery(regexp.QuoteMeta("WHERE hashes @> to_jsonb(ARRAY[$1::text])")).
		WithArgs("sha256:bb").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("ab-1", "ledger", `["sha256:aa","sha256:bb"]`, "sha256:root",
				"", "", "pending", 0, "", time.Now().UTC()))

	r, idx, err := store.FindByHash(context.Background(), "sha256:bb")
	require.NoError(t, err)
	assert.Equal(t, "ab-1", r.BatchID)
	assert.Equal(t, 1, idx)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE hashes @> to_jsonb(ARRAY[$1::text])")).
		WithArgs("sha256:zz").
		WillReturnRows(sqlmock.NewRows(cols))

	_, _, err = store.FindByHash(context.Background(), "sha256:zz")
	assert.ErrorIs(t, err, ErrHashNotAnchored)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCorruptHashesColumn(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	cols := []string{"batch_id", "destination", "hashes", "merkle_root", "tx_ref",
		"sequence_marker", "status", "attempts", "last_error", "timestamp"}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT batch_id, destination, hashes")).
		WithArgs("ab-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("ab-1", "ledger", `not-json`, "sha256:aa", "", "", "pending", 0, "", time.Now().UTC()))

	_, err := store.Get(context.Background(), "ab-1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt hashes JSON")
}
