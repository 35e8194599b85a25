// Package chain links evidence envelopes into a bidirectional hash chain so
// that tampering with any single entry is detectable from both of its
// neighbours. Entries live in the write-once evidence store; link metadata
// lives in an append-versioned chain index.
//
// Each entry carries two derived hashes. The entry hash covers the fields
// fixed at creation (identity, position, evidence hash, backward link) and is
// what neighbours reference; it never changes. The version hash additionally
// covers the forward link and version counter, so the forward-link rewrite on
// append produces a new record version with a new version hash while the
// superseded version is retained.
package chain

import (
	"errors"
	"time"
)

var (
	// ErrEntryExists is returned when an entry identifier is appended twice.
	ErrEntryExists = errors.New("chain entry already exists")
	// ErrEntryNotFound is returned when no entry exists for an identifier.
	ErrEntryNotFound = errors.New("chain entry not found")
)

// Entry is one link of the chain.
type Entry struct {
	EntryID      string    `json:"entry_id"`
	Position     uint64    `json:"position"` // monotonically increasing from 0
	EvidenceID   string    `json:"evidence_id"`
	EvidenceHash string    `json:"evidence_hash"`
	PrevID       string    `json:"prev_id,omitempty"`
	PrevHash     string    `json:"prev_hash,omitempty"`
	NextID       string    `json:"next_id,omitempty"`
	NextHash     string    `json:"next_hash,omitempty"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	EntryHash    string    `json:"entry_hash"`
	VersionHash  string    `json:"version_hash"`
}

// Direction selects which way Verify walks the chain.
type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
	DirectionBoth     Direction = "both"
)

// Break is one localized link mismatch found during verification.
// Verification never fails fast; every break is collected so a single
// corruption cannot hide others.
type Break struct {
	Direction Direction `json:"direction"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	Expected  string    `json:"expected"`
	Actual    string    `json:"actual"`
	Reason    string    `json:"reason"`
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	Status        string  `json:"status"` // "VERIFIED" or "COMPROMISED"
	Entries       int     `json:"entries"`
	LinksVerified int     `json:"links_verified"`
	Breaks        []Break `json:"breaks,omitempty"`
}

// StatusVerified is reported only when every requested direction walked the
// whole chain without a single break.
const (
	StatusVerified    = "VERIFIED"
	StatusCompromised = "COMPROMISED"
)
