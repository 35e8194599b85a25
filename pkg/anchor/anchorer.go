package anchor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/attestra-io/attestra/pkg/merkle"
)

// Metrics receives anchoring telemetry. The observability package provides
// an OpenTelemetry implementation.
type Metrics interface {
	AnchorAttempt(destination string, success bool)
}

// NopMetrics discards telemetry.
type NopMetrics struct{}

func (NopMetrics) AnchorAttempt(string, bool) {}

// Anchorer submits evidence hash batches to registered destinations and
// persists the resulting receipts.
type Anchorer struct {
	mu           sync.RWMutex
	destinations map[string]Destination
	disabled     map[string]bool
	receipts     ReceiptStore
	policy       BackoffPolicy
	metrics      Metrics
	logger       *slog.Logger
	clock        func() time.Time
	sleep        func(context.Context, time.Duration) error
}

// AnchorerOption configures an Anchorer.
type AnchorerOption func(*Anchorer)

// WithBackoffPolicy overrides the retry budget.
func WithBackoffPolicy(p BackoffPolicy) AnchorerOption {
	return func(a *Anchorer) { a.policy = p }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) AnchorerOption {
	return func(a *Anchorer) { a.clock = clock }
}

// WithSleep overrides the backoff sleep for testing.
func WithSleep(sleep func(context.Context, time.Duration) error) AnchorerOption {
	return func(a *Anchorer) { a.sleep = sleep }
}

// WithMetrics attaches a telemetry sink.
func WithMetrics(m Metrics) AnchorerOption {
	return func(a *Anchorer) { a.metrics = m }
}

// NewAnchorer creates an anchorer persisting receipts to the given store.
func NewAnchorer(receipts ReceiptStore, logger *slog.Logger, opts ...AnchorerOption) *Anchorer {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Anchorer{
		destinations: make(map[string]Destination),
		disabled:     make(map[string]bool),
		receipts:     receipts,
		policy:       DefaultBackoffPolicy(),
		metrics:      NopMetrics{},
		logger:       logger.With("component", "anchor"),
		clock:        time.Now,
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RegisterDestination adds a destination to the registry.
func (a *Anchorer) RegisterDestination(d Destination) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destinations[d.ID()] = d
}

// SetDestinationEnabled toggles a destination without unregistering it.
func (a *Anchorer) SetDestinationEnabled(id string, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disabled[id] = !enabled
}

func (a *Anchorer) destination(id string) (Destination, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.destinations[id]
	if !ok || a.disabled[id] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDestination, id)
	}
	return d, nil
}

// AnchorBatch computes the Merkle root of the ordered hash list and submits
// it to the destination with bounded retries. The batch record is persisted
// whatever the outcome: confirmed on success, failed after the retry budget
// is exhausted.
func (a *Anchorer) AnchorBatch(ctx context.Context, hashes []string, destinationID string) (*Receipt, error) {
	if len(hashes) == 0 {
		return nil, ErrEmptyBatch
	}
	dest, err := a.destination(destinationID)
	if err != nil {
		return nil, err
	}

	now := a.clock().UTC()
	receipt := &Receipt{
		BatchID:     fmt.Sprintf("ab-%d-%d", now.UnixNano(), len(hashes)),
		Destination: destinationID,
		Hashes:      append([]string(nil), hashes...),
		MerkleRoot:  merkle.Root(hashes),
		Status:      StatusPending,
		Timestamp:   now,
	}
	if err := a.receipts.Put(ctx, receipt); err != nil {
		return nil, fmt.Errorf("failed to persist pending batch: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < a.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(receipt.BatchID, attempt, a.policy)
			a.logger.Debug("anchor retry scheduled",
				"batch_id", receipt.BatchID, "attempt", attempt+1, "delay", delay)
			if err := a.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		receipt.Attempts = attempt + 1
		result, err := dest.Submit(ctx, receipt.MerkleRoot)
		a.metrics.AnchorAttempt(destinationID, err == nil)
		if err == nil {
			receipt.TxRef = result.TxRef
			receipt.SequenceMarker = result.SequenceMarker
			receipt.Status = StatusConfirmed
			receipt.LastError = ""
			receipt.Timestamp = a.clock().UTC()
			if err := a.receipts.Put(ctx, receipt); err != nil {
				return nil, fmt.Errorf("failed to persist confirmed batch: %w", err)
			}
			a.logger.Info("anchor batch confirmed",
				"batch_id", receipt.BatchID, "destination", destinationID,
				"members", len(receipt.Hashes), "attempts", receipt.Attempts, "tx_ref", receipt.TxRef)
			return receipt, nil
		}
		lastErr = err
		a.logger.Warn("anchor submission failed",
			"batch_id", receipt.BatchID, "attempt", receipt.Attempts, "error", err)
	}

	// Degrade to a recorded failure; the batch is never silently dropped.
	receipt.Status = StatusFailed
	if lastErr != nil {
		receipt.LastError = lastErr.Error()
	}
	receipt.Timestamp = a.clock().UTC()
	if err := a.receipts.Put(ctx, receipt); err != nil {
		return nil, fmt.Errorf("failed to persist failed batch: %w", err)
	}
	a.logger.Error("anchor batch failed after retry budget",
		"batch_id", receipt.BatchID, "attempts", receipt.Attempts, "error", receipt.LastError)
	return receipt, nil
}

// VerifyAnchor returns the stored receipt for a batch.
func (a *Anchorer) VerifyAnchor(ctx context.Context, batchID string) (*Receipt, error) {
	return a.receipts.Get(ctx, batchID)
}

// GetAnchorProof locates one evidence hash inside its batch and returns its
// membership index, the batch root, whether the batch is confirmed and the
// Merkle path from the hash to the root.
func (a *Anchorer) GetAnchorProof(ctx context.Context, hash string) (*Proof, error) {
	receipt, index, err := a.receipts.FindByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	tree := merkle.Build(receipt.Hashes)
	proof := &Proof{
		BatchID:    receipt.BatchID,
		Index:      index,
		MerkleRoot: receipt.MerkleRoot,
		Confirmed:  receipt.Status == StatusConfirmed,
	}
	if inclusion, ok := tree.Proof(index); ok {
		for _, step := range inclusion.ProofPath {
			proof.Path = append(proof.Path, step.Side+":"+step.SiblingHash)
		}
	}
	return proof, nil
}
