package lease

import (
	"context"
	"encoding/json"
	"log"

	"github.com/warp/lease-engine/core"
)

// EventPersister is the single choke point between a ledger write and a
// bus publish: every domain event goes through Append, which records the
// event on the ledger and extracts its amount for the ledger row, before
// Publish hands the envelope to the bus. Publish is explicitly not the
// durability boundary: a process that crashes after Append but before
// Publish still has a correct ledger; a subscriber just never saw the
// notification. Bus is nil-safe so callers that only need the
// ledger-append half (inside a DB transaction) can construct a persister
// without one; Publish on such a persister does nothing.
type EventPersister struct {
	Bus *core.Bus
}

// NewEventPersister builds a persister bound to bus. bus may be nil; in
// that case Publish is a no-op, which is only ever correct for the
// ledger-append half of a write run inside a transaction (see Append).
func NewEventPersister(bus *core.Bus) *EventPersister {
	return &EventPersister{Bus: bus}
}

// Append appends eventType/payload under leaseID through ledgerStore's
// Ledger view and returns the persisted entry, including the sequence
// number the store assigned. It takes a core.LedgerStore parameter
// (rather than closing over one) so the same persister can append either
// through a live TxStore's view inside WithTx or through the top-level
// store outside one. It does not publish; callers must call Publish after
// their transaction commits.
func (p *EventPersister) Append(ctx context.Context, ledgerStore core.LedgerStore, leaseID core.LeaseID, eventType string, payload any) (core.LedgerEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return core.LedgerEntry{}, err
	}

	ledger := core.DefaultLedger{Store: ledgerStore}
	seq, err := ledger.Append(ctx, leaseID, eventType, payload, extractAmount(payload))
	if err != nil {
		return core.LedgerEntry{}, err
	}

	return core.LedgerEntry{
		Sequence:  seq,
		LeaseID:   leaseID,
		EventType: eventType,
		Payload:   json.RawMessage(raw),
		Amount:    extractAmount(payload),
		EventTime: core.Now(),
	}, nil
}

// Publish hands entry to the bus as an Envelope, after its originating
// transaction has committed. Publish never returns an error: by the time
// it runs, the ledger write it reports on has already committed, so
// there is nothing left for a caller to roll back on a failed fan-out.
// A failure to reach any handler is logged, not escalated.
func (p *EventPersister) Publish(entry core.LedgerEntry) {
	if p.Bus == nil {
		return
	}
	env := core.Envelope{
		EventID:   core.NewEventID(),
		EventType: entry.EventType,
		Timestamp: entry.EventTime,
		Payload:   entry.Payload,
	}
	topic := topicFor(entry.EventType)
	if !p.Bus.Publish(env, topic) {
		log.Printf("lease: no handler registered for event %s (lease %s)", entry.EventType, entry.LeaseID)
	}
}

func topicFor(eventType string) string {
	switch eventType {
	case EventPaymentScheduled, EventPaymentAttempted, EventPaymentSucceeded, EventPaymentFailed:
		return core.TopicPaymentEvents
	default:
		return core.TopicLeaseEvents
	}
}
