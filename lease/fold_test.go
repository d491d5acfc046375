package lease_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lease-engine/core"
	"github.com/warp/lease-engine/lease"
)

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestFold_LeaseCreatedSetsActiveAndFields(t *testing.T) {
	leaseID := core.NewLeaseID()
	entries := []core.LedgerEntry{
		{
			Sequence:  1,
			LeaseID:   leaseID,
			EventType: lease.EventLeaseCreated,
			Payload: marshal(t, lease.LeaseCreatedPayload{
				LeaseID:         leaseID,
				CustomerID:      "CUST-A",
				PrincipalAmount: core.MustParseMoney("3600.00"),
				TermMonths:      12,
			}),
		},
	}

	p := lease.Fold(entries, nil)
	assert.Equal(t, lease.StatusActive, p.Status)
	assert.Equal(t, "CUST-A", p.CustomerID)
	assert.Equal(t, 12, p.TermMonths)
	assert.True(t, p.PrincipalAmount.Equal(core.MustParseMoney("3600.00")))
	assert.Equal(t, 1, p.EventCount)
}

func TestFold_PaymentSucceeded_OverwritesTotalPaidKnownQuirk(t *testing.T) {
	// GIVEN: two PAYMENT_SUCCEEDED events of different amounts
	// WHEN: folding the history
	// THEN: totalPaid reflects only the most recent amount (the
	// documented fold quirk), while paidInstallments still counts both
	leaseID := core.NewLeaseID()
	entries := []core.LedgerEntry{
		{Sequence: 1, LeaseID: leaseID, EventType: lease.EventLeaseCreated, Payload: marshal(t, lease.LeaseCreatedPayload{LeaseID: leaseID, PrincipalAmount: core.MustParseMoney("600.00"), TermMonths: 2})},
		{Sequence: 2, LeaseID: leaseID, EventType: lease.EventPaymentSucceeded, Payload: marshal(t, lease.PaymentSucceededPayload{Amount: core.MustParseMoney("300.00")})},
		{Sequence: 3, LeaseID: leaseID, EventType: lease.EventPaymentSucceeded, Payload: marshal(t, lease.PaymentSucceededPayload{Amount: core.MustParseMoney("300.00")})},
	}

	p := lease.Fold(entries, nil)
	assert.Equal(t, 2, p.PaidInstallments)
	assert.True(t, p.TotalPaid.Equal(core.MustParseMoney("300.00")), "totalPaid should equal only the last payment's amount")
}

func TestFold_PaymentFailed_IncrementsFailedAttempts(t *testing.T) {
	leaseID := core.NewLeaseID()
	entries := []core.LedgerEntry{
		{Sequence: 1, LeaseID: leaseID, EventType: lease.EventLeaseCreated, Payload: marshal(t, lease.LeaseCreatedPayload{LeaseID: leaseID, TermMonths: 1})},
		{Sequence: 2, LeaseID: leaseID, EventType: lease.EventPaymentFailed, Payload: marshal(t, lease.PaymentFailedPayload{})},
		{Sequence: 3, LeaseID: leaseID, EventType: lease.EventPaymentFailed, Payload: marshal(t, lease.PaymentFailedPayload{})},
	}

	p := lease.Fold(entries, nil)
	assert.Equal(t, 2, p.FailedAttempts)
}

func TestFold_LeaseCompletedAndDefaulted_SetTerminalStatus(t *testing.T) {
	leaseID := core.NewLeaseID()

	completed := lease.Fold([]core.LedgerEntry{
		{Sequence: 1, LeaseID: leaseID, EventType: lease.EventLeaseCreated, Payload: marshal(t, lease.LeaseCreatedPayload{})},
		{Sequence: 2, LeaseID: leaseID, EventType: lease.EventLeaseCompleted, Payload: marshal(t, lease.LeaseCompletedPayload{})},
	}, nil)
	assert.Equal(t, lease.StatusCompleted, completed.Status)

	defaulted := lease.Fold([]core.LedgerEntry{
		{Sequence: 1, LeaseID: leaseID, EventType: lease.EventLeaseCreated, Payload: marshal(t, lease.LeaseCreatedPayload{})},
		{Sequence: 2, LeaseID: leaseID, EventType: lease.EventLeaseDefaulted, Payload: marshal(t, lease.LeaseDefaultedPayload{})},
	}, nil)
	assert.Equal(t, lease.StatusDefaulted, defaulted.Status)
}

// Folding with `until` set to an earlier sequence reproduces the state
// as of that point: any prefix of a lease's history is itself a valid
// history.
func TestFold_Until_ReconstructsStateAsOfEarlierSequence(t *testing.T) {
	leaseID := core.NewLeaseID()
	entries := []core.LedgerEntry{
		{Sequence: 1, LeaseID: leaseID, EventType: lease.EventLeaseCreated, Payload: marshal(t, lease.LeaseCreatedPayload{TermMonths: 3})},
		{Sequence: 2, LeaseID: leaseID, EventType: lease.EventPaymentSucceeded, Payload: marshal(t, lease.PaymentSucceededPayload{Amount: core.MustParseMoney("100.00")})},
		{Sequence: 3, LeaseID: leaseID, EventType: lease.EventLeaseCompleted, Payload: marshal(t, lease.LeaseCompletedPayload{})},
	}

	until := int64(2)
	asOf := lease.Fold(entries, &until)
	assert.Equal(t, lease.StatusActive, asOf.Status, "lease must not yet be COMPLETED as of sequence 2")
	assert.Equal(t, 1, asOf.PaidInstallments)

	full := lease.Fold(entries, nil)
	assert.Equal(t, lease.StatusCompleted, full.Status)
}

func TestFold_EmptyHistory_StartsPending(t *testing.T) {
	p := lease.Fold(nil, nil)
	assert.Equal(t, lease.StatusPending, p.Status)
	assert.Equal(t, 0, p.EventCount)
}
