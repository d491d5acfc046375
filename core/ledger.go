package core

import (
	"context"
	"encoding/json"
	"time"
)

// =============================================================================
// LEDGER ENTRY - the domain-facing view of a persisted ledger row
// =============================================================================

// LedgerEntry is the domain-facing ledger record: a decoded LedgerRow.
// Sequence is the monotonic 64-bit global sequence number allocated by
// the store at append time.
type LedgerEntry struct {
	Sequence  int64
	LeaseID   LeaseID
	EventType string
	Payload   json.RawMessage
	Amount    *Money
	EventTime time.Time
}

// Ledger is the append-only event log. INVARIANTS: append-only, immutable,
// auditable — corrections are made by appending a new event, never by
// editing or removing history.
//
// Immutability here is a contract of the type, not an accident of the
// interface: Update and Delete exist as callable operations and
// unconditionally return ImmutableLedgerError, so any code path that
// reaches for them fails loudly instead of silently lacking a method.
type Ledger interface {
	// Append adds an event to the ledger and returns its sequence number.
	Append(ctx context.Context, leaseID LeaseID, eventType string, payload any, amount *Money) (int64, error)

	// GetLeaseHistory returns a lease's events in sequence order.
	GetLeaseHistory(ctx context.Context, leaseID LeaseID, skip, limit int) ([]LedgerEntry, error)

	// GetByEventType returns events of a given type across all leases.
	GetByEventType(ctx context.Context, eventType string, skip, limit int) ([]LedgerEntry, error)

	// GetAll returns every ledger entry, in sequence order.
	GetAll(ctx context.Context, skip, limit int) ([]LedgerEntry, error)

	// CountByLease returns the number of events recorded for a lease.
	CountByLease(ctx context.Context, leaseID LeaseID) (int, error)

	// SumAmountByLease sums the amount column across a lease's events.
	SumAmountByLease(ctx context.Context, leaseID LeaseID) (Money, error)

	// Update always fails: the ledger is append-only.
	Update(ctx context.Context, sequence int64, payload any) error

	// Delete always fails: the ledger is append-only.
	Delete(ctx context.Context, sequence int64) error
}

// =============================================================================
// DEFAULT LEDGER - Store-backed implementation
// =============================================================================

// DefaultLedger implements Ledger on top of a LedgerStore.
type DefaultLedger struct {
	Store LedgerStore
}

func NewLedger(store LedgerStore) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, leaseID LeaseID, eventType string, payload any, amount *Money) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	row := LedgerRow{
		LeaseID:   leaseID,
		EventType: eventType,
		Payload:   raw,
		Amount:    amount,
		EventTime: Now(),
	}
	return l.Store.AppendLedgerRow(ctx, row)
}

func (l *DefaultLedger) GetLeaseHistory(ctx context.Context, leaseID LeaseID, skip, limit int) ([]LedgerEntry, error) {
	rows, err := l.Store.LeaseHistory(ctx, leaseID, skip, limit)
	if err != nil {
		return nil, err
	}
	return toEntries(rows), nil
}

func (l *DefaultLedger) GetByEventType(ctx context.Context, eventType string, skip, limit int) ([]LedgerEntry, error) {
	rows, err := l.Store.ByEventType(ctx, eventType, skip, limit)
	if err != nil {
		return nil, err
	}
	return toEntries(rows), nil
}

func (l *DefaultLedger) GetAll(ctx context.Context, skip, limit int) ([]LedgerEntry, error) {
	rows, err := l.Store.All(ctx, skip, limit)
	if err != nil {
		return nil, err
	}
	return toEntries(rows), nil
}

func (l *DefaultLedger) CountByLease(ctx context.Context, leaseID LeaseID) (int, error) {
	return l.Store.CountByLease(ctx, leaseID)
}

func (l *DefaultLedger) SumAmountByLease(ctx context.Context, leaseID LeaseID) (Money, error) {
	return l.Store.SumAmountByLease(ctx, leaseID)
}

// Update always returns ImmutableLedgerError: a contract of the ledger's
// type, not an implementation convenience that happens to be unreachable.
func (l *DefaultLedger) Update(ctx context.Context, sequence int64, payload any) error {
	return &ImmutableLedgerError{Operation: "update"}
}

// Delete always returns ImmutableLedgerError, for the same reason.
func (l *DefaultLedger) Delete(ctx context.Context, sequence int64) error {
	return &ImmutableLedgerError{Operation: "delete"}
}

func toEntries(rows []LedgerRow) []LedgerEntry {
	entries := make([]LedgerEntry, len(rows))
	for i, r := range rows {
		entries[i] = LedgerEntry{
			Sequence:  r.Sequence,
			LeaseID:   r.LeaseID,
			EventType: r.EventType,
			Payload:   json.RawMessage(r.Payload),
			Amount:    r.Amount,
			EventTime: r.EventTime,
		}
	}
	return entries
}
