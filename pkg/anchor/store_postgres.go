package anchor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresReceiptStore persists anchor receipts in postgres for deployments
// where several pipeline instances share one receipt history.
type PostgresReceiptStore struct {
	db *sql.DB
}

// OpenPostgres opens a connection pool for the receipt store.
func OpenPostgres(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open receipt store: %w", err)
	}
	db.SetMaxOpenConns(10)
	return db, nil
}

// NewPostgresReceiptStore wraps an open handle and runs migrations.
func NewPostgresReceiptStore(db *sql.DB) (*PostgresReceiptStore, error) {
	s := &PostgresReceiptStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresReceiptStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS anchor_receipts (
        batch_id TEXT PRIMARY KEY,
        destination TEXT NOT NULL,
        hashes JSONB NOT NULL,
        merkle_root TEXT NOT NULL,
        tx_ref TEXT NOT NULL DEFAULT '',
        sequence_marker TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL,
        attempts INTEGER NOT NULL DEFAULT 0,
        last_error TEXT NOT NULL DEFAULT '',
        timestamp TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS anchor_receipts_ts_idx ON anchor_receipts (timestamp DESC);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresReceiptStore) Put(ctx context.Context, r *Receipt) error {
	hashesJSON, err := json.Marshal(r.Hashes)
	if err != nil {
		return fmt.Errorf("failed to serialize batch hashes: %w", err)
	}

	query := `INSERT INTO anchor_receipts
        (batch_id, destination, hashes, merkle_root, tx_ref, sequence_marker, status, attempts, last_error, timestamp)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (batch_id) DO UPDATE SET
            tx_ref = EXCLUDED.tx_ref,
            sequence_marker = EXCLUDED.sequence_marker,
            status = EXCLUDED.status,
            attempts = EXCLUDED.attempts,
            last_error = EXCLUDED.last_error,
            timestamp = EXCLUDED.timestamp`
	_, err = s.db.ExecContext(ctx, query,
		r.BatchID, r.Destination, hashesJSON, r.MerkleRoot,
		r.TxRef, r.SequenceMarker, string(r.Status), r.Attempts, r.LastError, r.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to persist anchor receipt: %w", err)
	}
	return nil
}

func (s *PostgresReceiptStore) Get(ctx context.Context, batchID string) (*Receipt, error) {
	query := `SELECT batch_id, destination, hashes, merkle_root, tx_ref, sequence_marker, status, attempts, last_error, timestamp
        FROM anchor_receipts WHERE batch_id = $1`
	r, err := s.scanRow(s.db.QueryRowContext(ctx, query, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	return r, err
}

func (s *PostgresReceiptStore) FindByHash(ctx context.Context, hash string) (*Receipt, int, error) {
	query := `SELECT batch_id, destination, hashes, merkle_root, tx_ref, sequence_marker, status, attempts, last_error, timestamp
        FROM anchor_receipts
        WHERE hashes @> to_jsonb(ARRAY[$1::text])
        ORDER BY timestamp DESC
        LIMIT 1`
	r, err := s.scanRow(s.db.QueryRowContext(ctx, query, hash))
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

func (s *PostgresReceiptStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT batch_id, destination, hashes, merkle_root, tx_ref, sequence_marker, status, attempts, last_error, timestamp
        FROM anchor_receipts ORDER BY timestamp DESC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []*Receipt
	for rows.Next() {
		r, err := s.scanRow(rows)
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

func (s *PostgresReceiptStore) scanRow(row rowScanner) (*Receipt, error) {
	var r Receipt
	var hashesJSON []byte
	var status string
	if err := row.Scan(&r.BatchID, &r.Destination, &hashesJSON, &r.MerkleRoot,
		&r.TxRef, &r.SequenceMarker, &status, &r.Attempts, &r.LastError, &r.Timestamp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(hashesJSON, &r.Hashes); err != nil {
		return nil, fmt.Errorf("corrupt hashes JSON in receipt %s: %w", r.BatchID, err)
	}
	r.Status = Status(status)
	return &r, nil
}
