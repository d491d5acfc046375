package lease

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/lease-engine/core"
)

// earlyPayoffDiscountRate is the 2% discount applied to the unpaid
// balance on early payoff.
var earlyPayoffDiscountRate = decimal.NewFromFloat(0.02)

// defaultChargeTimeout bounds every gateway call. A charge that doesn't
// answer in time is recorded as a failed attempt with reason "Network
// timeout", exactly like a decline — it counts against the attempt
// budget and feeds the same retry path.
const defaultChargeTimeout = 10 * time.Second

// timeoutReason is the failure reason recorded when a gateway call runs
// out its deadline or reports TIMEOUT itself.
const timeoutReason = "Network timeout"

// PaymentExecutor runs the attempt/retry/lifecycle machinery for a
// lease's payments: append-attempted, charge, append-outcome, then
// deferred dispatch of the next attempt after a failure.
type PaymentExecutor struct {
	Store         TxStore
	Persister     *EventPersister
	Gateway       Gateway
	Dispatcher    *core.Dispatcher
	Lifecycle     LifecycleEvaluator
	Locks         *KeyedMutex
	Retry         core.RetryConfig
	ChargeTimeout time.Duration
}

func NewPaymentExecutor(store TxStore, persister *EventPersister, gw Gateway, dispatcher *core.Dispatcher, lifecycle LifecycleEvaluator, locks *KeyedMutex) *PaymentExecutor {
	return &PaymentExecutor{
		Store:         store,
		Persister:     persister,
		Gateway:       gw,
		Dispatcher:    dispatcher,
		Lifecycle:     lifecycle,
		Locks:         locks,
		Retry:         core.PaymentRetryConfig,
		ChargeTimeout: defaultChargeTimeout,
	}
}

// charge invokes the gateway under the executor's timeout and collapses
// every non-success outcome (decline, processor failure, timeout,
// transport error) into a failure reason string. The second return is
// true on success.
func (e *PaymentExecutor) charge(ctx context.Context, req ChargeRequest) (string, bool) {
	chargeCtx, cancel := context.WithTimeout(ctx, e.ChargeTimeout)
	defer cancel()

	result, err := e.Gateway.Charge(chargeCtx, req)
	switch {
	case err != nil:
		if chargeCtx.Err() == context.DeadlineExceeded {
			return timeoutReason, false
		}
		return err.Error(), false
	case result.Code == ChargeTimeout:
		return timeoutReason, false
	case !result.Succeeded():
		return result.Reason, false
	}
	return "", true
}

// Attempt runs one charge attempt for a payment: append PAYMENT_ATTEMPTED
// and publish, invoke the gateway, then append the outcome event and
// update the payment row in one transaction and publish. It returns the
// resulting PaymentStatus (PaymentPaid or PaymentFailed) and, on failure,
// the gateway's reason.
//
// PAYMENT_ATTEMPTED is appended in its own transaction ahead of the
// gateway call rather than wrapped around it: a network call to an
// external processor cannot share a database transaction with the append
// that precedes it without holding the transaction, and the store's
// write lock, open for the call's full duration. Only the outcome append
// and row update, which never block on I/O outside the database, run
// together in the second transaction, and those two must be atomic.
func (e *PaymentExecutor) Attempt(ctx context.Context, leaseID core.LeaseID, paymentID core.PaymentID, amount core.Money, customerID string, attemptNumber int) (PaymentStatus, string) {
	e.Locks.Lock(leaseID)
	var attemptedEntry core.LedgerEntry
	err := e.Store.WithTx(ctx, func(tx Store) error {
		var err error
		attemptedEntry, err = e.Persister.Append(ctx, tx, leaseID, EventPaymentAttempted, PaymentAttemptedPayload{
			PaymentID:     paymentID,
			LeaseID:       leaseID,
			AttemptNumber: attemptNumber,
		})
		return err
	})
	e.Locks.Unlock(leaseID)
	if err != nil {
		return PaymentFailed, err.Error()
	}
	e.Persister.Publish(attemptedEntry)

	reason, charged := e.charge(ctx, ChargeRequest{
		PaymentID:     paymentID,
		LeaseID:       leaseID,
		Amount:        amount,
		AttemptNumber: attemptNumber,
		CustomerID:    customerID,
	})
	now := core.Now()

	if charged {
		e.Locks.Lock(leaseID)
		var succeededEntry core.LedgerEntry
		err := e.Store.WithTx(ctx, func(tx Store) error {
			if err := tx.UpdatePaymentStatus(ctx, paymentID, PaymentPaid, attemptNumber-1, &now); err != nil {
				return err
			}
			var err error
			succeededEntry, err = e.Persister.Append(ctx, tx, leaseID, EventPaymentSucceeded, PaymentSucceededPayload{
				PaymentID: paymentID,
				LeaseID:   leaseID,
				Amount:    amount,
			})
			return err
		})
		e.Locks.Unlock(leaseID)
		if err != nil {
			return PaymentFailed, err.Error()
		}
		// The persisted payload cannot name its own sequence number;
		// the published one can, and subscribers use it to find the
		// ledger record, so patch it in post-commit.
		succeededEntry = withLedgerEntryID(succeededEntry, paymentID, leaseID, amount)
		e.Persister.Publish(succeededEntry)

		// Lock released above: CheckAndComplete re-acquires the same
		// per-lease lock internally.
		if _, err := e.Lifecycle.CheckAndComplete(ctx, leaseID); err != nil {
			return PaymentPaid, ""
		}
		return PaymentPaid, ""
	}

	retryScheduled := attemptNumber < e.Retry.MaxAttempts
	var nextRetryAt *time.Time
	if retryScheduled {
		t := e.Retry.NextTime(attemptNumber)
		nextRetryAt = &t
	}

	e.Locks.Lock(leaseID)
	var failedEntry core.LedgerEntry
	err = e.Store.WithTx(ctx, func(tx Store) error {
		if err := tx.UpdatePaymentStatus(ctx, paymentID, PaymentFailed, attemptNumber, &now); err != nil {
			return err
		}
		var err error
		failedEntry, err = e.Persister.Append(ctx, tx, leaseID, EventPaymentFailed, PaymentFailedPayload{
			PaymentID:      paymentID,
			LeaseID:        leaseID,
			Reason:         reason,
			RetryScheduled: retryScheduled,
			AttemptNumber:  attemptNumber,
			NextRetryAt:    nextRetryAt,
		})
		return err
	})
	e.Locks.Unlock(leaseID)
	if err != nil {
		return PaymentFailed, err.Error()
	}
	e.Persister.Publish(failedEntry)

	if retryScheduled {
		delay := e.Retry.NextDelay(attemptNumber)
		// Deferred via context.Background(): a scheduled retry must outlive
		// the request context that triggered this attempt.
		e.Dispatcher.Enqueue(context.Background(), delay, func(ctx context.Context) {
			e.Attempt(ctx, leaseID, paymentID, amount, customerID, attemptNumber+1)
		})
	} else {
		// Lock released above: CheckAndDefault re-acquires the same
		// per-lease lock internally.
		if _, err := e.Lifecycle.CheckAndDefault(ctx, leaseID); err != nil {
			return PaymentFailed, reason
		}
	}

	return PaymentFailed, reason
}

// SchedulePaymentsForLease persists schedule as Payment rows and appends
// one PAYMENT_SCHEDULED event per installment, all within a single
// transaction, then publishes each event and finally asks the lifecycle
// coordinator to activate the lease. Either the whole schedule lands or
// none of it does; a half-written plan would break the contiguous
// installment numbering.
func (e *PaymentExecutor) SchedulePaymentsForLease(ctx context.Context, leaseID core.LeaseID, schedule []Installment) ([]Payment, error) {
	e.Locks.Lock(leaseID)

	payments := make([]Payment, len(schedule))
	entries := make([]core.LedgerEntry, len(schedule))

	err := e.Store.WithTx(ctx, func(tx Store) error {
		now := core.Now()
		for i, inst := range schedule {
			p := Payment{
				ID:                core.NewPaymentID(),
				LeaseID:           leaseID,
				InstallmentNumber: inst.Number,
				DueDate:           inst.DueDate,
				Amount:            inst.Amount,
				Status:            PaymentPending,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if err := tx.CreatePayment(ctx, p); err != nil {
				return err
			}
			entry, err := e.Persister.Append(ctx, tx, leaseID, EventPaymentScheduled, PaymentScheduledPayload{
				PaymentID:         p.ID,
				LeaseID:           leaseID,
				InstallmentNumber: p.InstallmentNumber,
				DueDate:           p.DueDate,
				Amount:            p.Amount,
			})
			if err != nil {
				return err
			}
			payments[i] = p
			entries[i] = entry
		}
		return nil
	})
	e.Locks.Unlock(leaseID)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		e.Persister.Publish(entry)
	}

	// Lock released above: CheckAndActivate re-acquires the same
	// per-lease lock internally.
	if _, err := e.Lifecycle.CheckAndActivate(ctx, leaseID); err != nil {
		return payments, err
	}
	return payments, nil
}

// ProcessEarlyPayoff charges a single discounted lump sum covering a
// lease's remaining PENDING balance, cancels the rest of the schedule,
// and drives the lease to COMPLETED. Permitted only while the lease is
// PENDING or ACTIVE.
//
// The payoff is a real Payment row, numbered one past the lease's
// existing schedule, run through the ordinary Attempt path. A synthetic
// charge identifier would leave the payoff's PAYMENT_SUCCEEDED event
// pointing at a paymentId no query could ever resolve.
func (e *PaymentExecutor) ProcessEarlyPayoff(ctx context.Context, leaseID core.LeaseID) (PaymentStatus, error) {
	e.Locks.Lock(leaseID)

	l, err := e.Store.GetLease(ctx, leaseID)
	if err != nil {
		e.Locks.Unlock(leaseID)
		return "", err
	}
	if l.Status != StatusPending && l.Status != StatusActive {
		e.Locks.Unlock(leaseID)
		return "", &core.InvalidTransitionError{Entity: "lease", From: string(l.Status), To: "early-payoff"}
	}

	pending, err := e.Store.GetPaymentsByLeaseAndStatus(ctx, leaseID, PaymentPending)
	if err != nil {
		e.Locks.Unlock(leaseID)
		return "", err
	}
	if len(pending) == 0 {
		e.Locks.Unlock(leaseID)
		return "", &core.ValidationError{Field: "leaseId", Reason: "no remaining balance to pay off"}
	}

	remaining := core.NewMoney(decimal.Zero)
	for _, p := range pending {
		remaining = remaining.Add(p.Amount)
	}
	discount := core.NewMoney(remaining.Decimal.Mul(earlyPayoffDiscountRate)).Quantize2()
	payoff := remaining.Sub(discount)

	payoffPayment := Payment{
		ID:                core.NewPaymentID(),
		LeaseID:           leaseID,
		InstallmentNumber: highestInstallmentNumber(pending) + 1,
		DueDate:           core.Now(),
		Amount:            payoff,
		Status:            PaymentPending,
		CreatedAt:         core.Now(),
		UpdatedAt:         core.Now(),
	}
	if err := e.Store.CreatePayment(ctx, payoffPayment); err != nil {
		e.Locks.Unlock(leaseID)
		return "", err
	}

	// Release the lease lock before Attempt, which re-acquires it.
	e.Locks.Unlock(leaseID)

	status, reason := e.Attempt(ctx, leaseID, payoffPayment.ID, payoff, l.CustomerID, 1)
	if status != PaymentPaid {
		return status, &core.GatewayError{Reason: reason}
	}

	e.Locks.Lock(leaseID)
	err = e.Store.WithTx(ctx, func(tx Store) error {
		now := core.Now()
		for _, p := range pending {
			if err := tx.UpdatePaymentStatus(ctx, p.ID, PaymentCancelled, p.RetryCount, &now); err != nil {
				return err
			}
		}
		return nil
	})
	e.Locks.Unlock(leaseID)
	if err != nil {
		return status, err
	}

	// Lock released above: CheckAndComplete re-acquires the same
	// per-lease lock internally.
	if _, err := e.Lifecycle.CheckAndComplete(ctx, leaseID); err != nil {
		return status, err
	}
	return status, nil
}

// withLedgerEntryID re-encodes a committed PAYMENT_SUCCEEDED entry's
// payload with its own sequence number filled in as ledgerEntryId.
func withLedgerEntryID(entry core.LedgerEntry, paymentID core.PaymentID, leaseID core.LeaseID, amount core.Money) core.LedgerEntry {
	raw, err := json.Marshal(PaymentSucceededPayload{
		PaymentID:     paymentID,
		LeaseID:       leaseID,
		Amount:        amount,
		LedgerEntryID: entry.Sequence,
	})
	if err != nil {
		return entry
	}
	entry.Payload = raw
	return entry
}

func highestInstallmentNumber(payments []Payment) int {
	max := 0
	for _, p := range payments {
		if p.InstallmentNumber > max {
			max = p.InstallmentNumber
		}
	}
	return max
}
