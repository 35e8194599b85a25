package anchor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteReceiptStore persists anchor receipts in sqlite.
type SQLiteReceiptStore struct {
	db *sql.DB
}

// NewSQLiteReceiptStore wraps an open handle and runs migrations.
func NewSQLiteReceiptStore(db *sql.DB) (*SQLiteReceiptStore, error) {
	s := &SQLiteReceiptStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteReceiptStore opens (or creates) a receipt database at path.
func OpenSQLiteReceiptStore(path string) (*SQLiteReceiptStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open receipt store: %w", err)
	}
	return NewSQLiteReceiptStore(db)
}

func (s *SQLiteReceiptStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS anchor_receipts (
        batch_id TEXT PRIMARY KEY,
        destination TEXT NOT NULL,
        hashes JSON NOT NULL,
        merkle_root TEXT NOT NULL,
        tx_ref TEXT NOT NULL DEFAULT '',
        sequence_marker TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL,
        attempts INTEGER NOT NULL DEFAULT 0,
        last_error TEXT NOT NULL DEFAULT '',
        timestamp DATETIME NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const receiptColumns = `batch_id, destination, hashes, merkle_root, tx_ref, sequence_marker, status, attempts, last_error, timestamp`

func (s *SQLiteReceiptStore) Put(ctx context.Context, r *Receipt) error {
	hashesJSON, err := json.Marshal(r.Hashes)
	if err != nil {
		return fmt.Errorf("failed to serialize batch hashes: %w", err)
	}

	query := `INSERT INTO anchor_receipts (` + receiptColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (batch_id) DO UPDATE SET
            tx_ref = excluded.tx_ref,
            sequence_marker = excluded.sequence_marker,
            status = excluded.status,
            attempts = excluded.attempts,
            last_error = excluded.last_error,
            timestamp = excluded.timestamp`
	_, err = s.db.ExecContext(ctx, query,
		r.BatchID, r.Destination, string(hashesJSON), r.MerkleRoot,
		r.TxRef, r.SequenceMarker, string(r.Status), r.Attempts, r.LastError,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to persist anchor receipt: %w", err)
	}
	return nil
}

func (s *SQLiteReceiptStore) Get(ctx context.Context, batchID string) (*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM anchor_receipts WHERE batch_id = ?`
	row := s.db.QueryRowContext(ctx, query, batchID)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	return r, err
}

func (s *SQLiteReceiptStore) FindByHash(ctx context.Context, hash string) (*Receipt, int, error) {
	// hashes is a JSON array; EXISTS over json_each keeps the scan in sqlite.
	query := `SELECT ` + receiptColumns + ` FROM anchor_receipts
        WHERE EXISTS (SELECT 1 FROM json_each(anchor_receipts.hashes) WHERE json_each.value = ?)
        ORDER BY timestamp DESC
        LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, hash)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrHashNotAnchored
	}
	if err != nil {
		return nil, 0, err
	}
	for idx, h := range r.Hashes {
		if h == hash {
			return r, idx, nil
		}
	}
	return nil, 0, ErrHashNotAnchored
}

func (s *SQLiteReceiptStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + receiptColumns + ` FROM anchor_receipts ORDER BY timestamp DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return receipts, nil
}

// Close releases the underlying database handle.
func (s *SQLiteReceiptStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var r Receipt
	var hashesJSON, status, ts string
	if err := row.Scan(&r.BatchID, &r.Destination, &hashesJSON, &r.MerkleRoot,
		&r.TxRef, &r.SequenceMarker, &status, &r.Attempts, &r.LastError, &ts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(hashesJSON), &r.Hashes); err != nil {
		return nil, fmt.Errorf("corrupt hashes JSON in receipt %s: %w", r.BatchID, err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("corrupt timestamp in receipt %s: %w", r.BatchID, err)
	}
	r.Timestamp = parsed
	r.Status = Status(status)
	return &r, nil
}
