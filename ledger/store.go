package ledger

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/parthshah1/recurpay/agreement"
)

var (
	// ErrNotFound is returned when no agreement exists for an id.
	ErrNotFound = errors.New("agreement not found")

	// ErrVersionConflict is returned by CompareAndSwap when the stored record
	// changed since it was read.
	ErrVersionConflict = errors.New("agreement version conflict")
)

// Store is a serializing backing store for agreements. Each record is
// versioned and only replaced through CompareAndSwap.
type Store interface {
	Create(ctx context.Context, a *agreement.Agreement) error
	Get(ctx context.Context, id uuid.UUID) (*agreement.Agreement, error)
	List(ctx context.Context) ([]*agreement.Agreement, error)

	// CompareAndSwap replaces the record with next if its stored version is
	// still expectedVersion. A non-nil payment is recorded in the same
	// atomic step.
	CompareAndSwap(ctx context.Context, next *agreement.Agreement, expectedVersion uint64, payment *agreement.Payment) error

	Payments(ctx context.Context, id uuid.UUID) ([]*agreement.Payment, error)
	Close() error
}
