package anchor

import (
	"context"
	"log/slog"
	"time"
)

// HashSource yields evidence hashes at or after a chain position, plus the
// position following the last one returned. The chain linker implements it.
type HashSource interface {
	HashesSince(position uint64) ([]string, uint64)
}

// Scheduler periodically snapshots not-yet-anchored evidence hashes and
// anchors them as one batch. It runs on its own cadence, out of band of
// event dispatch.
type Scheduler struct {
	anchorer    *Anchorer
	source      HashSource
	cursor      Cursor
	destination string
	interval    time.Duration
	maxBatch    int
	logger      *slog.Logger
}

// NewScheduler creates a scheduler anchoring to destination every interval.
func NewScheduler(a *Anchorer, source HashSource, cursor Cursor, destination string, interval time.Duration, maxBatch int, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxBatch <= 0 {
		maxBatch = 1024
	}
	if cursor == nil {
		cursor = &MemoryCursor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		anchorer:    a,
		source:      source,
		cursor:      cursor,
		destination: destination,
		interval:    interval,
		maxBatch:    maxBatch,
		logger:      logger.With("component", "anchor-scheduler"),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Warn("anchor sweep failed", "error", err)
			}
		}
	}
}

// Sweep anchors one batch of pending hashes, if any. The cursor only
// advances once the batch is confirmed, so a failed batch's members are
// retried in a later sweep (the failed receipt itself is already persisted).
func (s *Scheduler) Sweep(ctx context.Context) error {
	position, err := s.cursor.Load(ctx)
	if err != nil {
		return err
	}

	hashes, next := s.source.HashesSince(position)
	if len(hashes) == 0 {
		return nil
	}
	if len(hashes) > s.maxBatch {
		hashes = hashes[:s.maxBatch]
		next = position + uint64(s.maxBatch)
	}

	receipt, err := s.anchorer.AnchorBatch(ctx, hashes, s.destination)
	if err != nil {
		return err
	}
	if receipt.Status != StatusConfirmed {
		return nil
	}
	return s.cursor.Store(ctx, next)
}
