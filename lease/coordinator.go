package lease

import (
	"context"

	"github.com/warp/lease-engine/core"
)

// defaultThreshold is the number of FAILED payments that triggers
// default.
const defaultThreshold = 3

// LifecycleEvaluator is the narrow capability the payment executor needs
// from the lifecycle coordinator: re-check whether a lease's derived
// status should advance after a payment outcome is recorded. It exists
// as its own interface so PaymentExecutor can depend on it without
// holding a back-reference to the full *LifecycleCoordinator.
type LifecycleEvaluator interface {
	CheckAndActivate(ctx context.Context, leaseID core.LeaseID) (bool, error)
	CheckAndComplete(ctx context.Context, leaseID core.LeaseID) (bool, error)
	CheckAndDefault(ctx context.Context, leaseID core.LeaseID) (bool, error)
}

// LifecycleCoordinator derives a lease's status from its payment rows and
// applies the transition if one is due. Each Check* call is idempotent:
// re-invocation on an already-transitioned lease is a no-op returning
// false, not an error, so callers never need to pre-check status
// themselves.
type LifecycleCoordinator struct {
	Store     TxStore
	Persister *EventPersister
	Locks     *KeyedMutex
}

func NewLifecycleCoordinator(store TxStore, persister *EventPersister, locks *KeyedMutex) *LifecycleCoordinator {
	return &LifecycleCoordinator{Store: store, Persister: persister, Locks: locks}
}

// CheckAndActivate transitions a PENDING lease to ACTIVE once at least one
// payment has been scheduled for it. Activation is implicit: it emits no
// ledger event, so this updates the lease row without an
// EventPersister.Append call. The LEASE_CREATED entry already marks the
// lease as live in the event stream.
func (c *LifecycleCoordinator) CheckAndActivate(ctx context.Context, leaseID core.LeaseID) (bool, error) {
	c.Locks.Lock(leaseID)
	defer c.Locks.Unlock(leaseID)

	l, err := c.Store.GetLease(ctx, leaseID)
	if err != nil {
		return false, err
	}
	if l.Status != StatusPending {
		return false, nil
	}

	payments, err := c.Store.GetPaymentsByLease(ctx, leaseID, 0, 0)
	if err != nil {
		return false, err
	}
	if len(payments) == 0 {
		return false, nil
	}

	if err := ValidateTransition(l.Status, StatusActive); err != nil {
		return false, err
	}
	if err := c.Store.UpdateLeaseStatus(ctx, leaseID, StatusActive, core.Now()); err != nil {
		return false, err
	}
	return true, nil
}

// CheckAndComplete transitions an ACTIVE lease to COMPLETED once zero
// PENDING and zero FAILED payments remain against its schedule. It
// re-derives from the payment rows rather than trusting a caller's claim
// that the lease is done.
func (c *LifecycleCoordinator) CheckAndComplete(ctx context.Context, leaseID core.LeaseID) (bool, error) {
	c.Locks.Lock(leaseID)
	defer c.Locks.Unlock(leaseID)

	l, err := c.Store.GetLease(ctx, leaseID)
	if err != nil {
		return false, err
	}
	if l.Status != StatusActive {
		return false, nil
	}

	payments, err := c.Store.GetPaymentsByLease(ctx, leaseID, 0, 0)
	if err != nil {
		return false, err
	}
	if len(payments) == 0 {
		return false, nil
	}
	for _, p := range payments {
		if p.Status == PaymentPending || p.Status == PaymentFailed {
			return false, nil
		}
	}

	totalPaid, err := c.Store.SumPaidAmountByLease(ctx, leaseID)
	if err != nil {
		return false, err
	}

	payload := LeaseCompletedPayload{
		LeaseID:        leaseID,
		CustomerID:     l.CustomerID,
		CompletionDate: core.Now(),
		TotalPaid:      totalPaid,
	}
	if err := c.transition(ctx, l, StatusCompleted, EventLeaseCompleted, payload); err != nil {
		return false, err
	}
	return true, nil
}

// CheckAndDefault transitions a PENDING or ACTIVE lease to DEFAULTED once
// its count of FAILED payments reaches defaultThreshold. The payment
// executor invokes it after a payment exhausts its retries.
func (c *LifecycleCoordinator) CheckAndDefault(ctx context.Context, leaseID core.LeaseID) (bool, error) {
	c.Locks.Lock(leaseID)
	defer c.Locks.Unlock(leaseID)

	l, err := c.Store.GetLease(ctx, leaseID)
	if err != nil {
		return false, err
	}
	if l.Status != StatusPending && l.Status != StatusActive {
		return false, nil
	}

	failed, err := c.Store.CountFailedByLease(ctx, leaseID)
	if err != nil {
		return false, err
	}
	if failed < defaultThreshold {
		return false, nil
	}

	payload := LeaseDefaultedPayload{LeaseID: leaseID}
	if err := c.transition(ctx, l, StatusDefaulted, EventLeaseDefaulted, payload); err != nil {
		return false, err
	}
	return true, nil
}

// transition validates from->to, persists the status change and its
// ledger event inside one write transaction, then publishes post-commit.
func (c *LifecycleCoordinator) transition(ctx context.Context, l *Lease, to Status, eventType string, payload any) error {
	if err := ValidateTransition(l.Status, to); err != nil {
		return err
	}

	var entry core.LedgerEntry
	err := c.Store.WithTx(ctx, func(tx Store) error {
		if err := tx.UpdateLeaseStatus(ctx, l.ID, to, core.Now()); err != nil {
			return err
		}
		var err error
		entry, err = c.Persister.Append(ctx, tx, l.ID, eventType, payload)
		return err
	})
	if err != nil {
		return err
	}

	c.Persister.Publish(entry)
	return nil
}
