package worm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// AccessLogger records every store access, success or failure, for forensic
// replay.
type AccessLogger interface {
	Record(ctx context.Context, op, subject string, ok bool, detail string) error
}

// NopAccessLogger discards access records.
type NopAccessLogger struct{}

func (NopAccessLogger) Record(context.Context, string, string, bool, string) error { return nil }

// AccessRecord is one row of the forensic access log.
type AccessRecord struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Op        string    `json:"op"`
	Subject   string    `json:"subject"`
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
}

// SQLiteAccessLog is an append-only access log backed by sqlite.
type SQLiteAccessLog struct {
	db *sql.DB
}

// NewSQLiteAccessLog opens the access log and runs migrations.
func NewSQLiteAccessLog(db *sql.DB) (*SQLiteAccessLog, error) {
	l := &SQLiteAccessLog{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenSQLiteAccessLog opens (or creates) an access log database at path.
func OpenSQLiteAccessLog(path string) (*SQLiteAccessLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open access log: %w", err)
	}
	return NewSQLiteAccessLog(db)
}

func (l *SQLiteAccessLog) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS access_log (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp DATETIME NOT NULL,
        op TEXT NOT NULL,
        subject TEXT NOT NULL DEFAULT '',
        ok INTEGER NOT NULL,
        detail TEXT NOT NULL DEFAULT ''
    );`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

func (l *SQLiteAccessLog) Record(ctx context.Context, op, subject string, ok bool, detail string) error {
	query := `INSERT INTO access_log (timestamp, op, subject, ok, detail) VALUES (?, ?, ?, ?, ?)`
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := l.db.ExecContext(ctx, query, time.Now().UTC().Format(time.RFC3339Nano), op, subject, okInt, detail)
	if err != nil {
		return fmt.Errorf("failed to append access record: %w", err)
	}
	return nil
}

// Replay returns the most recent access records, newest first.
func (l *SQLiteAccessLog) Replay(ctx context.Context, limit int) ([]AccessRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
        SELECT seq, timestamp, op, subject, ok, detail
        FROM access_log
        ORDER BY seq DESC
        LIMIT ?`
	rows, err := l.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []AccessRecord
	for rows.Next() {
		var r AccessRecord
		var ts string
		var okInt int
		if err := rows.Scan(&r.Seq, &ts, &r.Op, &r.Subject, &okInt, &r.Detail); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("corrupt timestamp in access record %d: %w", r.Seq, err)
		}
		r.Timestamp = parsed
		r.OK = okInt == 1
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Close releases the underlying database handle.
func (l *SQLiteAccessLog) Close() error {
	return l.db.Close()
}
