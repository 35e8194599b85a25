package chain

import (
	"context"

	"github.com/attestra-io/attestra/pkg/worm"
)

// Verify walks the chain in the requested direction(s). Each visited entry
// has its own hash recomputed from the stored evidence bytes and compared
// against the recorded entry hash, and each hop compares the stored link
// against the neighbour's recomputed hash. Every mismatch is collected as a
// localized break; verification never stops at the first one.
func (l *Linker) Verify(ctx context.Context, direction Direction) (VerifyResult, error) {
	entries := l.snapshot()

	result := VerifyResult{Status: StatusVerified, Entries: len(entries)}
	if len(entries) == 0 {
		return result, nil
	}

	// Recompute every entry's creation hash once, against current storage
	// bytes. A corrupted payload surfaces here and breaks both the
	// predecessor's forward link and the successor's backward link.
	current := make([]string, len(entries))
	for i, e := range entries {
		current[i] = l.currentHash(ctx, e)
	}

	// Every visited entry is checked against its own stored hash in
	// addition to the link checks. Without this, corrupting the tail is
	// invisible to the backward walk (and genesis to the forward walk),
	// and a single-entry chain has no links to break at all.
	selfCheck := func(dir Direction) {
		for i, e := range entries {
			if current[i] != e.EntryHash {
				result.Breaks = append(result.Breaks, Break{
					Direction: dir,
					SourceID:  e.EntryID,
					TargetID:  e.EntryID,
					Expected:  e.EntryHash,
					Actual:    current[i],
					Reason:    "entry hash mismatch",
				})
			}
		}
	}

	if direction == DirectionForward || direction == DirectionBoth {
		selfCheck(DirectionForward)
		for i := 0; i < len(entries)-1; i++ {
			src, dst := entries[i], entries[i+1]
			if src.NextID != dst.EntryID {
				result.Breaks = append(result.Breaks, Break{
					Direction: DirectionForward,
					SourceID:  src.EntryID,
					TargetID:  dst.EntryID,
					Expected:  dst.EntryID,
					Actual:    src.NextID,
					Reason:    "forward link identifier mismatch",
				})
				continue
			}
			if src.NextHash != current[i+1] {
				result.Breaks = append(result.Breaks, Break{
					Direction: DirectionForward,
					SourceID:  src.EntryID,
					TargetID:  dst.EntryID,
					Expected:  src.NextHash,
					Actual:    current[i+1],
					Reason:    "forward link hash mismatch",
				})
				continue
			}
			result.LinksVerified++
		}
	}

	if direction == DirectionBackward || direction == DirectionBoth {
		selfCheck(DirectionBackward)
		for i := len(entries) - 1; i > 0; i-- {
			src, dst := entries[i], entries[i-1]
			if src.PrevID != dst.EntryID {
				result.Breaks = append(result.Breaks, Break{
					Direction: DirectionBackward,
					SourceID:  src.EntryID,
					TargetID:  dst.EntryID,
					Expected:  dst.EntryID,
					Actual:    src.PrevID,
					Reason:    "backward link identifier mismatch",
				})
				continue
			}
			if src.PrevHash != current[i-1] {
				result.Breaks = append(result.Breaks, Break{
					Direction: DirectionBackward,
					SourceID:  src.EntryID,
					TargetID:  dst.EntryID,
					Expected:  src.PrevHash,
					Actual:    current[i-1],
					Reason:    "backward link hash mismatch",
				})
				continue
			}
			result.LinksVerified++
		}
	}

	if len(result.Breaks) > 0 {
		result.Status = StatusCompromised
		l.logger.Warn("chain verification found breaks",
			"direction", string(direction), "breaks", len(result.Breaks))
	}
	return result, nil
}

// currentHash recomputes an entry's creation hash against the evidence bytes
// currently on disk. Unreadable evidence yields an empty hash so that both
// neighbouring links report breaks instead of verification aborting.
func (l *Linker) currentHash(ctx context.Context, e Entry) string {
	res, err := l.store.Read(ctx, e.EvidenceID, false)
	if err != nil {
		l.logger.Warn("evidence unreadable during chain verification",
			"entry_id", e.EntryID, "error", err)
		return ""
	}
	evidenceHash, err := worm.Rehash(res.Envelope)
	if err != nil {
		l.logger.Warn("evidence rehash failed during chain verification",
			"entry_id", e.EntryID, "error", err)
		return ""
	}

	recomputed := e
	recomputed.EvidenceHash = evidenceHash
	h, err := entryHash(recomputed)
	if err != nil {
		l.logger.Warn("entry rehash failed during chain verification",
			"entry_id", e.EntryID, "error", err)
		return ""
	}
	return h
}
