package lease

import (
	"encoding/json"

	"github.com/warp/lease-engine/core"
)

// Projection is the state reconstructor's output: a lease's state folded
// purely from its ledger history.
type Projection struct {
	LeaseID          core.LeaseID
	CustomerID       string
	Status           Status
	PrincipalAmount  core.Money
	TermMonths       int
	TotalPaid        core.Money
	PaidInstallments int
	FailedAttempts   int
	EventCount       int
}

// Fold reduces an ordered ledger history into a Projection. Entries must
// already be in sequence-ascending order (as Ledger.GetLeaseHistory
// returns them). If until is non-nil, entries with a sequence number
// greater than *until are skipped — letting callers reconstruct state as
// of an earlier point without truncating the slice themselves.
//
// Fold is pure and deterministic: the same entries always produce the
// same Projection, making it a reference function for property testing.
func Fold(entries []core.LedgerEntry, until *int64) Projection {
	p := Projection{Status: StatusPending}

	for _, e := range entries {
		if until != nil && e.Sequence > *until {
			continue
		}

		switch e.EventType {
		case EventLeaseCreated:
			var payload LeaseCreatedPayload
			if err := json.Unmarshal(e.Payload, &payload); err == nil {
				p.LeaseID = payload.LeaseID
				p.CustomerID = payload.CustomerID
				p.PrincipalAmount = payload.PrincipalAmount
				p.TermMonths = payload.TermMonths
			}
			p.Status = StatusActive

		case EventPaymentScheduled, EventPaymentAttempted:
			// No projection change; the schedule and in-flight attempts
			// live in the payment_schedule table, not the projection.

		case EventPaymentSucceeded:
			var payload PaymentSucceededPayload
			if err := json.Unmarshal(e.Payload, &payload); err == nil {
				// Known quirk: this overwrites TotalPaid with the most
				// recent payment's amount rather than accumulating it.
				// Preserved for behavioral compatibility; use
				// PaidInstallments (or the payment rows) for cumulative
				// figures.
				p.TotalPaid = payload.Amount
			}
			p.PaidInstallments++

		case EventPaymentFailed:
			p.FailedAttempts++

		case EventLeaseCompleted:
			p.Status = StatusCompleted

		case EventLeaseDefaulted:
			p.Status = StatusDefaulted
		}

		p.EventCount++
	}

	return p
}
