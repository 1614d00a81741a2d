package ledger

import (
	"context"
	"sort"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v2"

	"github.com/parthshah1/recurpay/agreement"
)

type memoryRecord struct {
	agreement *agreement.Agreement
	payments  []*agreement.Payment
}

// MemoryStore keeps agreements in process memory. Records are replaced
// wholesale inside MapOf.Compute, which serializes writers per key.
type MemoryStore struct {
	records *xsync.MapOf[string, *memoryRecord]
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: xsync.NewMapOf[*memoryRecord]()}
}

func (s *MemoryStore) Create(_ context.Context, a *agreement.Agreement) error {
	var exists bool
	s.records.Compute(a.ID.String(), func(old *memoryRecord, loaded bool) (*memoryRecord, bool) {
		if loaded {
			exists = true
			return old, false
		}
		return &memoryRecord{agreement: a.Clone()}, false
	})
	if exists {
		return errors.Errorf("agreement %s already exists", a.ID)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*agreement.Agreement, error) {
	rec, ok := s.records.Load(id.String())
	if !ok {
		return nil, ErrNotFound
	}
	return rec.agreement.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*agreement.Agreement, error) {
	var out []*agreement.Agreement
	s.records.Range(func(_ string, rec *memoryRecord) bool {
		out = append(out, rec.agreement.Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, next *agreement.Agreement, expectedVersion uint64, payment *agreement.Payment) error {
	var casErr error
	s.records.Compute(next.ID.String(), func(old *memoryRecord, loaded bool) (*memoryRecord, bool) {
		if !loaded {
			casErr = ErrNotFound
			return nil, true
		}
		if old.agreement.Version != expectedVersion {
			casErr = ErrVersionConflict
			return old, false
		}
		payments := old.payments
		if payment != nil {
			payments = append(payments[:len(payments):len(payments)], payment)
		}
		return &memoryRecord{agreement: next.Clone(), payments: payments}, false
	})
	return casErr
}

func (s *MemoryStore) Payments(_ context.Context, id uuid.UUID) ([]*agreement.Payment, error) {
	rec, ok := s.records.Load(id.String())
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*agreement.Payment, len(rec.payments))
	copy(out, rec.payments)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
