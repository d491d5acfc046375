package lease

import (
	"time"

	"github.com/warp/lease-engine/core"
)

// Recognized ledger event types. The fold (fold.go) and the event
// persister's amount extraction both key off these codes.
const (
	EventLeaseCreated     = "LEASE_CREATED"
	EventPaymentScheduled = "PAYMENT_SCHEDULED"
	EventPaymentAttempted = "PAYMENT_ATTEMPTED"
	EventPaymentSucceeded = "PAYMENT_SUCCEEDED"
	EventPaymentFailed    = "PAYMENT_FAILED"
	EventLeaseCompleted   = "LEASE_COMPLETED"
	EventLeaseDefaulted   = "LEASE_DEFAULTED"
)

// amountCarrier is implemented by payload types that carry a monetary
// amount the event persister should extract onto the ledger row's Amount
// column. One method per type, rather than reflection over candidate
// field names, keeps the extraction priority (principalAmount, then
// amount, then totalPaid) encoded at the type that actually carries the
// field.
type amountCarrier interface {
	eventAmount() *core.Money
}

// LeaseCreatedPayload is the LEASE_CREATED event body.
type LeaseCreatedPayload struct {
	LeaseID         core.LeaseID `json:"leaseId"`
	CustomerID      string       `json:"customerId"`
	PrincipalAmount core.Money   `json:"principalAmount"`
	TermMonths      int          `json:"termMonths"`
}

func (p LeaseCreatedPayload) eventAmount() *core.Money { return &p.PrincipalAmount }

// PaymentScheduledPayload is the PAYMENT_SCHEDULED event body.
type PaymentScheduledPayload struct {
	PaymentID         core.PaymentID `json:"paymentId"`
	LeaseID           core.LeaseID   `json:"leaseId"`
	InstallmentNumber int            `json:"installmentNumber"`
	DueDate           time.Time      `json:"dueDate"`
	Amount            core.Money     `json:"amount"`
}

func (p PaymentScheduledPayload) eventAmount() *core.Money { return &p.Amount }

// PaymentAttemptedPayload is the PAYMENT_ATTEMPTED event body.
type PaymentAttemptedPayload struct {
	PaymentID     core.PaymentID `json:"paymentId"`
	LeaseID       core.LeaseID   `json:"leaseId"`
	AttemptNumber int            `json:"attemptNumber"`
}

// PaymentSucceededPayload is the PAYMENT_SUCCEEDED event body.
type PaymentSucceededPayload struct {
	PaymentID     core.PaymentID `json:"paymentId"`
	LeaseID       core.LeaseID   `json:"leaseId"`
	Amount        core.Money     `json:"amount"`
	LedgerEntryID int64          `json:"ledgerEntryId"`
}

func (p PaymentSucceededPayload) eventAmount() *core.Money { return &p.Amount }

// PaymentFailedPayload is the PAYMENT_FAILED event body.
type PaymentFailedPayload struct {
	PaymentID      core.PaymentID `json:"paymentId"`
	LeaseID        core.LeaseID   `json:"leaseId"`
	Reason         string         `json:"reason"`
	RetryScheduled bool           `json:"retryScheduled"`
	AttemptNumber  int            `json:"attemptNumber"`
	NextRetryAt    *time.Time     `json:"nextRetryAt,omitempty"`
}

// LeaseCompletedPayload is the LEASE_COMPLETED event body.
type LeaseCompletedPayload struct {
	LeaseID        core.LeaseID `json:"leaseId"`
	CustomerID     string       `json:"customerId"`
	CompletionDate time.Time    `json:"completionDate"`
	TotalPaid      core.Money   `json:"totalPaid"`
}

func (p LeaseCompletedPayload) eventAmount() *core.Money { return &p.TotalPaid }

// LeaseDefaultedPayload is the LEASE_DEFAULTED event body. Deliberately
// minimal: a default carries no amount, and the failed payments that
// caused it are already on the ledger as PAYMENT_FAILED entries.
type LeaseDefaultedPayload struct {
	LeaseID core.LeaseID `json:"leaseId"`
}

// extractAmount returns the amount the event persister should record on the
// ledger row, or nil if payload carries none.
func extractAmount(payload any) *core.Money {
	if ac, ok := payload.(amountCarrier); ok {
		return ac.eventAmount()
	}
	return nil
}
