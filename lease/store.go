package lease

import (
	"context"
	"time"

	"github.com/warp/lease-engine/core"
)

// LeaseStore persists Lease rows.
type LeaseStore interface {
	CreateLease(ctx context.Context, l Lease) error
	GetLease(ctx context.Context, id core.LeaseID) (*Lease, error)
	GetLeasesByCustomer(ctx context.Context, customerID string, skip, limit int) ([]Lease, error)
	UpdateLeaseStatus(ctx context.Context, id core.LeaseID, status Status, updatedAt time.Time) error
}

// PaymentStore persists Payment rows and the queries the state machine and
// executor need over them.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id core.PaymentID) (*Payment, error)
	GetPaymentsByLease(ctx context.Context, leaseID core.LeaseID, skip, limit int) ([]Payment, error)
	GetPaymentsByLeaseAndStatus(ctx context.Context, leaseID core.LeaseID, status PaymentStatus) ([]Payment, error)
	GetNextPendingPayment(ctx context.Context, leaseID core.LeaseID) (*Payment, error)
	GetDuePayments(ctx context.Context, asOf time.Time, skip, limit int) ([]Payment, error)
	CountPaymentsByLeaseAndStatus(ctx context.Context, leaseID core.LeaseID, status PaymentStatus) (int, error)
	CountFailedByLease(ctx context.Context, leaseID core.LeaseID) (int, error)
	SumPaidAmountByLease(ctx context.Context, leaseID core.LeaseID) (core.Money, error)
	UpdatePaymentStatus(ctx context.Context, id core.PaymentID, status PaymentStatus, retryCount int, lastAttemptAt *time.Time) error
}

// Store is the full persistence surface the lease domain needs: the
// core ledger/idempotency surface plus lease and payment rows, all on the
// same underlying connection so they can share a transaction.
type Store interface {
	core.Store
	LeaseStore
	PaymentStore
}

// TxStore wraps Store with the transactional boundary that row writes
// and their ledger appends run inside.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
