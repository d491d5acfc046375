package core

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER ROW - the append-only persistence shape behind Ledger
// =============================================================================

// LedgerRow is the persisted form of a ledger entry. The Ledger type (see
// ledger.go) builds the domain-facing LedgerEntry values on top of
// this; LedgerRow is the storage-facing shape, deliberately flat so SQL
// adapters can map it onto a single table with no joins.
type LedgerRow struct {
	Sequence  int64 // allocated by the store, monotonic, never reused
	LeaseID   LeaseID
	EventType string
	Payload   []byte // JSON-encoded event payload
	Amount    *Money // nil when the event carries no monetary amount
	EventTime time.Time
}

// LedgerStore persists ledger rows. IMPORTANT: append-only. No Update, no
// Delete, ever — corrections happen by appending a new compensating
// event, never by touching history.
type LedgerStore interface {
	// AppendLedgerRow persists one row within the lease's write
	// serialization and returns the sequence number the store allocated.
	AppendLedgerRow(ctx context.Context, row LedgerRow) (int64, error)

	// LeaseHistory returns rows for a lease ordered by sequence, with
	// skip/limit pagination.
	LeaseHistory(ctx context.Context, leaseID LeaseID, skip, limit int) ([]LedgerRow, error)

	// ByEventType returns rows of a given type across all leases, ordered
	// by sequence, with skip/limit pagination.
	ByEventType(ctx context.Context, eventType string, skip, limit int) ([]LedgerRow, error)

	// All returns all rows ordered by sequence, with skip/limit pagination.
	All(ctx context.Context, skip, limit int) ([]LedgerRow, error)

	// CountByLease returns the number of rows recorded for a lease.
	CountByLease(ctx context.Context, leaseID LeaseID) (int, error)

	// SumAmountByLease sums the non-nil Amount column for a lease.
	SumAmountByLease(ctx context.Context, leaseID LeaseID) (Money, error)
}

// =============================================================================
// IDEMPOTENCY ROW
// =============================================================================

// IdempotencyRow is the persisted form of an idempotency key record.
type IdempotencyRow struct {
	Key             string
	Operation       string
	ResponsePayload []byte // nil until the operation commits
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// IdempotencyRowStore persists idempotency records. At most one row per
// key exists at a time; expired rows are treated as absent by callers
// (core/idempotency.go) and eagerly deleted.
type IdempotencyRowStore interface {
	GetIdempotencyRow(ctx context.Context, key string) (*IdempotencyRow, error)
	InsertIdempotencyRow(ctx context.Context, row IdempotencyRow) error
	UpdateIdempotencyResponse(ctx context.Context, key string, responsePayload []byte) error
	DeleteIdempotencyRow(ctx context.Context, key string) error
	DeleteExpiredIdempotencyRows(ctx context.Context, asOf time.Time) (int, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// Store is the full persistence surface the core package needs: ledger
// rows plus idempotency rows, composable into one atomic unit of work.
// Domain packages (lease) extend this with their own row types on the
// same underlying connection; see lease.Store.
type Store interface {
	LedgerStore
	IdempotencyRowStore
}

// TxStore wraps Store with a transactional boundary: fn runs with a Store
// scoped to one database transaction, committed if fn returns nil and
// rolled back otherwise. This is the mechanism that lets a row write, its
// ledger append, and a response-cache write commit atomically.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
