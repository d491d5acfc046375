// Package lease specializes the domain-agnostic event ledger, idempotency
// store, retry engine, and bus in package core for the lease/payment
// orchestration domain: lease and installment data types, the lease state
// machine, the payment scheduler and executor, the lifecycle coordinator,
// and the event persister that ties ledger writes to bus publication.
package lease

import (
	"time"

	"github.com/warp/lease-engine/core"
)

// =============================================================================
// LEASE STATUS - string-backed enum
// =============================================================================

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusDefaulted Status = "DEFAULTED"
)

// IsTerminal reports whether no further transition is permitted from this
// status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDefaulted
}

// PaymentStatus is the per-installment lifecycle status.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// =============================================================================
// LEASE - a credit agreement
// =============================================================================

// Lease is a credit agreement: a principal divided into equal installments
// over a term, tracked through PENDING -> ACTIVE -> {COMPLETED, DEFAULTED}.
// Principal and TermMonths are immutable after creation.
type Lease struct {
	ID         core.LeaseID
	CustomerID string
	Status     Status
	Principal  core.Money
	TermMonths int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Payment is one scheduled installment. InstallmentNumber is 1-indexed and
// unique within its lease; installment numbers for a lease form the
// contiguous sequence 1..TermMonths.
type Payment struct {
	ID                core.PaymentID
	LeaseID           core.LeaseID
	InstallmentNumber int
	DueDate           time.Time
	Amount            core.Money
	Status            PaymentStatus
	RetryCount        int
	LastAttemptAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Installment is the scheduler's output before a Payment row exists: just
// the number/date/amount triple, unassociated with any lease or ID yet.
type Installment struct {
	Number  int
	DueDate time.Time
	Amount  core.Money
}
