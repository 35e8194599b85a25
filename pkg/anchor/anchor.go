// Package anchor periodically commits a compact, externally verifiable
// fingerprint of a batch of evidence hashes. The external anchor is treated
// as an untrusted, possibly slow, possibly failing oracle: every submission
// goes through bounded retries with exponential backoff, and the attempted
// batch record is persisted whether or not submission ever succeeds.
package anchor

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmptyBatch rejects anchoring of an empty hash list.
	ErrEmptyBatch = errors.New("anchor batch is empty")
	// ErrUnknownDestination rejects unknown or disabled destinations.
	ErrUnknownDestination = errors.New("unknown or disabled anchor destination")
	// ErrBatchNotFound is returned when no receipt exists for a batch id.
	ErrBatchNotFound = errors.New("anchor batch not found")
	// ErrHashNotAnchored is returned when a hash belongs to no known batch.
	ErrHashNotAnchored = errors.New("hash not present in any anchor batch")
)

// Status of an anchor submission.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Receipt is the persisted record of one anchor batch and its submission
// outcome. Failed batches are recorded too; a batch is never silently
// dropped.
type Receipt struct {
	BatchID        string    `json:"batch_id"`
	Destination    string    `json:"destination"`
	Hashes         []string  `json:"hashes"`
	MerkleRoot     string    `json:"merkle_root"`
	TxRef          string    `json:"tx_ref,omitempty"`
	SequenceMarker string    `json:"sequence_marker,omitempty"`
	Status         Status    `json:"status"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// SubmitResult is what a destination returns for an accepted root.
type SubmitResult struct {
	TxRef          string `json:"tx_ref"`
	SequenceMarker string `json:"sequence_marker"`
}

// Destination is the only place an external system is called.
type Destination interface {
	// ID identifies the destination in the registry and in receipts.
	ID() string
	// Submit commits a Merkle root to the external anchor.
	Submit(ctx context.Context, merkleRoot string) (SubmitResult, error)
}

// Proof locates a single evidence hash inside its anchor batch.
type Proof struct {
	BatchID    string   `json:"batch_id"`
	Index      int      `json:"index"`
	MerkleRoot string   `json:"merkle_root"`
	Confirmed  bool     `json:"confirmed"`
	Path       []string `json:"path,omitempty"`
}
