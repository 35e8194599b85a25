package anchor

import (
	"context"
	"sync"
)

// ReceiptStore persists anchor receipts.
type ReceiptStore interface {
	Put(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, batchID string) (*Receipt, error)
	// FindByHash returns the receipt of the batch containing the evidence
	// hash, plus the hash's index within the batch.
	FindByHash(ctx context.Context, hash string) (*Receipt, int, error)
	List(ctx context.Context, limit int) ([]*Receipt, error)
}

// MemoryReceiptStore keeps receipts in memory. Test and single-process use.
type MemoryReceiptStore struct {
	mu       sync.RWMutex
	receipts map[string]*Receipt
	order    []string
}

func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{receipts: make(map[string]*Receipt)}
}

func (s *MemoryReceiptStore) Put(ctx context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.receipts[r.BatchID]; !exists {
		s.order = append(s.order, r.BatchID)
	}
	cp := *r
	cp.Hashes = append([]string(nil), r.Hashes...)
	s.receipts[r.BatchID] = &cp
	return nil
}

func (s *MemoryReceiptStore) Get(ctx context.Context, batchID string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryReceiptStore) FindByHash(ctx context.Context, hash string) (*Receipt, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Walk newest first so a re-anchored hash resolves to its latest batch.
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.receipts[s.order[i]]
		for idx, h := range r.Hashes {
			if h == hash {
				cp := *r
				return &cp, idx, nil
			}
		}
	}
	return nil, 0, ErrHashNotAnchored
}

func (s *MemoryReceiptStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]*Receipt, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.receipts[s.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}
