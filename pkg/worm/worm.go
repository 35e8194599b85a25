// Package worm implements durable write-once-read-many evidence storage
// with content-hash integrity. Once an envelope is committed it is never
// updated or deleted; every read can re-verify the stored bytes against
// the recorded content hash.
package worm

import (
	"errors"
	"time"
)

var (
	// ErrWriteOnce is returned on any attempt to write an identifier that
	// already exists. Duplicates are always rejected, never merged.
	ErrWriteOnce = errors.New("write-once violation: evidence already exists")
	// ErrIntegrity is returned when a stored envelope's recomputed hash does
	// not match its recorded content hash. Never auto-repaired.
	ErrIntegrity = errors.New("integrity violation: content hash mismatch")
	// ErrNotFound is returned when no envelope exists for an identifier.
	ErrNotFound = errors.New("evidence not found")
	// ErrInvalidCategory rejects categories that would escape the store root.
	ErrInvalidCategory = errors.New("invalid evidence category")
)

// EvidenceEnvelope is the durable unit stored by the evidence store.
// No field may change after the envelope is written.
type EvidenceEnvelope struct {
	ID          string                 `json:"id"`
	Category    string                 `json:"category"`
	CreatedAt   time.Time              `json:"created_at"`
	Immutable   bool                   `json:"immutable"`
	Payload     map[string]interface{} `json:"payload"`
	ContentHash string                 `json:"content_hash"`
}

// WriteReceipt is returned by a successful write.
type WriteReceipt struct {
	ID          string    `json:"id"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReadResult carries the envelope plus the verification outcome.
type ReadResult struct {
	Envelope EvidenceEnvelope `json:"envelope"`
	Verified bool             `json:"verified"`
}

// EntryInfo is the lightweight listing metadata. Listing never verifies;
// cheap listing versus expensive verification is an explicit contract
// distinction.
type EntryInfo struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// VerifyReport summarises an integrity sweep over every indexed entry.
type VerifyReport struct {
	Total    int               `json:"total"`
	Verified int               `json:"verified"`
	Failed   int               `json:"failed"`
	Failures map[string]string `json:"failures,omitempty"` // id -> error text
}
