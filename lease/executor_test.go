package lease_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lease-engine/core"
	"github.com/warp/lease-engine/lease"
	"github.com/warp/lease-engine/store/memory"
)

// scriptedGateway returns a scripted sequence of outcomes per payment,
// popping one result per Charge call; once exhausted it keeps returning
// the last scripted result.
type scriptedGateway struct {
	mu     sync.Mutex
	script map[core.PaymentID][]bool // true = success
	calls  map[core.PaymentID]int
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{script: make(map[core.PaymentID][]bool), calls: make(map[core.PaymentID]int)}
}

func (g *scriptedGateway) set(id core.PaymentID, outcomes ...bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script[id] = outcomes
}

func (g *scriptedGateway) Charge(ctx context.Context, req lease.ChargeRequest) (lease.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	outcomes := g.script[req.PaymentID]
	i := g.calls[req.PaymentID]
	g.calls[req.PaymentID]++

	success := true
	if len(outcomes) > 0 {
		if i < len(outcomes) {
			success = outcomes[i]
		} else {
			success = outcomes[len(outcomes)-1]
		}
	}
	if success {
		return lease.ChargeResult{Code: lease.ChargeSuccess, TransactionID: "txn-scripted"}, nil
	}
	return lease.ChargeResult{Code: lease.ChargeDeclined, Reason: "scripted decline"}, nil
}

func (g *scriptedGateway) callCount(id core.PaymentID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[id]
}

// fastRetryConfig keeps tests fast: same shape as core.PaymentRetryConfig
// but with millisecond-scale delays instead of minutes.
var fastRetryConfig = core.RetryConfig{
	MaxAttempts:       3,
	BaseDelay:         2 * time.Millisecond,
	MaxDelay:          20 * time.Millisecond,
	BackoffMultiplier: 2,
	Jitter:            false,
}

func newTestExecutor(t *testing.T, gw lease.Gateway) (*lease.PaymentExecutor, *memory.Store) {
	t.Helper()
	store := memory.New()
	bus := core.NewBus()
	persister := lease.NewEventPersister(bus)
	locks := lease.NewKeyedMutex()
	dispatcher := core.NewDispatcher(4)
	coordinator := lease.NewLifecycleCoordinator(store, persister, locks)
	executor := lease.NewPaymentExecutor(store, persister, gw, dispatcher, coordinator, locks)
	executor.Retry = fastRetryConfig
	t.Cleanup(dispatcher.Wait)
	return executor, store
}

func createTestLease(t *testing.T, store *memory.Store, principal string, term int) lease.Lease {
	t.Helper()
	now := core.Now()
	l := lease.Lease{
		ID:         core.NewLeaseID(),
		CustomerID: "CUST-A",
		Status:     lease.StatusPending,
		Principal:  core.MustParseMoney(principal),
		TermMonths: term,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.CreateLease(context.Background(), l))
	return l
}

// Scheduling a lease's installments drives it PENDING -> ACTIVE.
func TestPaymentExecutor_SchedulePaymentsForLease_ActivatesLease(t *testing.T) {
	executor, store := newTestExecutor(t, newScriptedGateway())
	ctx := context.Background()
	l := createTestLease(t, store, "3600.00", 12)

	schedule, err := lease.GenerateSchedule(l.Principal, l.TermMonths, core.Now().AddDate(0, 0, 30))
	require.NoError(t, err)
	payments, err := executor.SchedulePaymentsForLease(ctx, l.ID, schedule)
	require.NoError(t, err)
	require.Len(t, payments, 12)

	got, err := store.GetLease(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, lease.StatusActive, got.Status)

	history, err := store.LeaseHistory(ctx, l.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, 12, "one PAYMENT_SCHEDULED event per installment")
}

// TestPaymentExecutor_Attempt_Success covers one successful charge: the
// payment becomes PAID and the lifecycle coordinator is consulted for
// completion.
func TestPaymentExecutor_Attempt_Success(t *testing.T) {
	gw := newScriptedGateway()
	executor, store := newTestExecutor(t, gw)
	ctx := context.Background()
	l := createTestLease(t, store, "300.00", 1)

	schedule, err := lease.GenerateSchedule(l.Principal, 1, core.Now())
	require.NoError(t, err)
	payments, err := executor.SchedulePaymentsForLease(ctx, l.ID, schedule)
	require.NoError(t, err)
	payment := payments[0]

	status, reason := executor.Attempt(ctx, l.ID, payment.ID, payment.Amount, l.CustomerID, 1)
	assert.Equal(t, lease.PaymentPaid, status)
	assert.Empty(t, reason)

	got, err := store.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, lease.PaymentPaid, got.Status)

	leaseRow, err := store.GetLease(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, lease.StatusCompleted, leaseRow.Status, "the only installment succeeding should complete the lease")
}

// Gateway returns FAILURE, FAILURE, SUCCESS on attempts 1/2/3 -> payment
// ends PAID with retryCount=2; ledger contains three PAYMENT_ATTEMPTED,
// two PAYMENT_FAILED, one PAYMENT_SUCCEEDED.
func TestPaymentExecutor_Attempt_RetryThenSucceed(t *testing.T) {
	gw := newScriptedGateway()
	executor, store := newTestExecutor(t, gw)
	ctx := context.Background()
	l := createTestLease(t, store, "300.00", 1)

	schedule, err := lease.GenerateSchedule(l.Principal, 1, core.Now())
	require.NoError(t, err)
	payments, err := executor.SchedulePaymentsForLease(ctx, l.ID, schedule)
	require.NoError(t, err)
	payment := payments[0]

	gw.set(payment.ID, false, false, true)

	status, _ := executor.Attempt(ctx, l.ID, payment.ID, payment.Amount, l.CustomerID, 1)
	assert.Equal(t, lease.PaymentFailed, status, "the synchronous return reports the first attempt's outcome")

	require.Eventually(t, func() bool {
		got, err := store.GetPayment(ctx, payment.ID)
		return err == nil && got.Status == lease.PaymentPaid
	}, time.Second, time.Millisecond, "payment should eventually succeed after scheduled retries")

	got, err := store.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)

	history, err := store.LeaseHistory(ctx, l.ID, 0, 0)
	require.NoError(t, err)

	var attempted, failed, succeeded int
	for _, row := range history {
		switch row.EventType {
		case lease.EventPaymentAttempted:
			attempted++
		case lease.EventPaymentFailed:
			failed++
		case lease.EventPaymentSucceeded:
			succeeded++
		}
	}
	assert.Equal(t, 3, attempted)
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 3, gw.callCount(payment.ID))
}

// Three distinct payments of a lease all reach FAILED with retryCount=3
// -> CheckAndDefault drives the lease to DEFAULTED; subsequent
// transitions are rejected.
func TestPaymentExecutor_Attempt_DefaultAfterExhaustedRetries(t *testing.T) {
	gw := newScriptedGateway()
	executor, store := newTestExecutor(t, gw)
	ctx := context.Background()
	l := createTestLease(t, store, "900.00", 3)

	schedule, err := lease.GenerateSchedule(l.Principal, 3, core.Now())
	require.NoError(t, err)
	payments, err := executor.SchedulePaymentsForLease(ctx, l.ID, schedule)
	require.NoError(t, err)
	require.Len(t, payments, 3)

	for _, p := range payments {
		gw.set(p.ID, false, false, false)
	}

	for _, p := range payments {
		executor.Attempt(ctx, l.ID, p.ID, p.Amount, l.CustomerID, 1)
	}

	require.Eventually(t, func() bool {
		got, err := store.GetLease(ctx, l.ID)
		return err == nil && got.Status == lease.StatusDefaulted
	}, time.Second, time.Millisecond, "lease should default once all three installments exhaust retries")

	coordinator := lease.NewLifecycleCoordinator(store, lease.NewEventPersister(nil), lease.NewKeyedMutex())
	ok, err := coordinator.CheckAndActivate(ctx, l.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a terminal lease must not transition again")
}

// A lease with remaining=700.00 pays off at 686.00 (2% discount); after
// the successful charge, all pending installments become CANCELLED and
// the lease becomes COMPLETED.
func TestPaymentExecutor_ProcessEarlyPayoff_CancelsAndCompletes(t *testing.T) {
	gw := newScriptedGateway()
	executor, store := newTestExecutor(t, gw)
	ctx := context.Background()
	l := createTestLease(t, store, "700.00", 1)

	schedule, err := lease.GenerateSchedule(l.Principal, 1, core.Now())
	require.NoError(t, err)
	payments, err := executor.SchedulePaymentsForLease(ctx, l.ID, schedule)
	require.NoError(t, err)
	require.Len(t, payments, 1)

	status, err := executor.ProcessEarlyPayoff(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, lease.PaymentPaid, status)

	pending, err := store.GetPaymentsByLeaseAndStatus(ctx, l.ID, lease.PaymentPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	cancelled, err := store.GetPaymentsByLeaseAndStatus(ctx, l.ID, lease.PaymentCancelled)
	require.NoError(t, err)
	assert.Len(t, cancelled, 1, "the original installment should be cancelled, not paid")

	leaseRow, err := store.GetLease(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, lease.StatusCompleted, leaseRow.Status)
}

// payoff + discount == remaining exactly; discount ==
// quantize(0.02*remaining, 2).
func TestPaymentExecutor_ProcessEarlyPayoff_DiscountMath(t *testing.T) {
	gw := newScriptedGateway()
	executor, store := newTestExecutor(t, gw)
	ctx := context.Background()
	l := createTestLease(t, store, "700.00", 1)

	schedule, err := lease.GenerateSchedule(l.Principal, 1, core.Now())
	require.NoError(t, err)
	_, err = executor.SchedulePaymentsForLease(ctx, l.ID, schedule)
	require.NoError(t, err)

	_, err = executor.ProcessEarlyPayoff(ctx, l.ID)
	require.NoError(t, err)

	history, err := store.LeaseHistory(ctx, l.ID, 0, 0)
	require.NoError(t, err)

	var payoffAmount core.Money
	found := false
	for _, row := range history {
		if row.EventType == lease.EventPaymentSucceeded && row.Amount != nil {
			payoffAmount = *row.Amount
			found = true
		}
	}
	require.True(t, found)
	assert.True(t, payoffAmount.Equal(core.MustParseMoney("686.00")))
}

// timeoutGateway always reports TIMEOUT, standing in for a processor
// that never answers inside the charge deadline.
type timeoutGateway struct{}

func (timeoutGateway) Charge(ctx context.Context, req lease.ChargeRequest) (lease.ChargeResult, error) {
	return lease.ChargeResult{Code: lease.ChargeTimeout, Reason: "upstream gave up"}, nil
}

// A gateway timeout is recorded as a failure with reason "Network
// timeout" and consumes an attempt like any decline.
func TestPaymentExecutor_Attempt_TimeoutCountsAsFailedAttempt(t *testing.T) {
	executor, store := newTestExecutor(t, timeoutGateway{})
	ctx := context.Background()
	l := createTestLease(t, store, "300.00", 1)

	schedule, err := lease.GenerateSchedule(l.Principal, 1, core.Now())
	require.NoError(t, err)
	payments, err := executor.SchedulePaymentsForLease(ctx, l.ID, schedule)
	require.NoError(t, err)

	status, reason := executor.Attempt(ctx, l.ID, payments[0].ID, payments[0].Amount, l.CustomerID, 3)
	assert.Equal(t, lease.PaymentFailed, status)
	assert.Equal(t, "Network timeout", reason)

	got, err := store.GetPayment(ctx, payments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, lease.PaymentFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
}

func TestPaymentExecutor_ProcessEarlyPayoff_RejectsTerminalLease(t *testing.T) {
	gw := newScriptedGateway()
	executor, store := newTestExecutor(t, gw)
	ctx := context.Background()
	l := createTestLease(t, store, "700.00", 1)

	require.NoError(t, store.UpdateLeaseStatus(ctx, l.ID, lease.StatusCompleted, core.Now()))

	_, err := executor.ProcessEarlyPayoff(ctx, l.ID)
	require.Error(t, err)
	var ite *core.InvalidTransitionError
	assert.ErrorAs(t, err, &ite)
}
