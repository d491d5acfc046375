package lease

import (
	"context"
	"encoding/json"
	"time"

	"github.com/warp/lease-engine/core"
)

// createLeaseTTL bounds how long a CreateLease idempotency key is
// honored before a repeat with the same key is treated as a fresh
// request.
const createLeaseTTL = 24 * time.Hour

// CreateLeaseRequest is the caller-supplied input to Service.CreateLease.
type CreateLeaseRequest struct {
	IdempotencyKey string
	CustomerID     string
	Principal      core.Money
	TermMonths     int
	StartDate      time.Time // zero value means "use the scheduler default"
}

// CreateLeaseResponse is the durable, idempotency-cached result of
// creating a lease: enough to answer a duplicate request without
// recomputing anything.
type CreateLeaseResponse struct {
	LeaseID    core.LeaseID `json:"leaseId"`
	Status     Status       `json:"status"`
	Schedule   []Payment    `json:"schedule"`
	RequestIDs []string     `json:"-"`
}

// Service is the request-facing orchestrator for lease creation: it
// resolves idempotency, validates input, generates a schedule, persists
// the lease and its first ledger event transactionally, and then drives
// the schedule and activation through PaymentExecutor.
type Service struct {
	Store     TxStore
	Persister *EventPersister
	Idem      *core.IdempotencyStore
	Executor  *PaymentExecutor
	Locks     *KeyedMutex
}

func NewService(store TxStore, persister *EventPersister, idem *core.IdempotencyStore, executor *PaymentExecutor, locks *KeyedMutex) *Service {
	return &Service{Store: store, Persister: persister, Idem: idem, Executor: executor, Locks: locks}
}

// CreateLease creates a new lease and its payment schedule, idempotently.
//
// Idempotency brackets the whole operation: CheckAndStore runs before
// any externally observable side effect, and StoreResponse only once the
// lease, its schedule, and its ledger events have all committed. A
// ResultInFlight outcome (another caller is mid-request with the same
// key) is surfaced as a ConflictError rather than silently retried or
// blocked on, since this engine has no way to know whether the in-flight
// request will ever complete.
func (s *Service) CreateLease(ctx context.Context, req CreateLeaseRequest) (*CreateLeaseResponse, error) {
	if err := validateCreateLeaseRequest(req); err != nil {
		return nil, err
	}

	result, cached, err := s.Idem.CheckAndStore(ctx, req.IdempotencyKey, "CreateLease", createLeaseTTL)
	if err != nil {
		return nil, err
	}
	switch result {
	case core.ResultCommitted:
		return decodeCreateLeaseResponse(cached)
	case core.ResultInFlight:
		return nil, &core.ConflictError{Reason: "a CreateLease request with this idempotency key is already in flight"}
	}

	leaseID := core.NewLeaseID()
	now := core.Now()
	l := Lease{
		ID:         leaseID,
		CustomerID: req.CustomerID,
		Status:     StatusPending,
		Principal:  req.Principal,
		TermMonths: req.TermMonths,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var createdEntry core.LedgerEntry
	err = s.Store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateLease(ctx, l); err != nil {
			return err
		}
		var err error
		createdEntry, err = s.Persister.Append(ctx, tx, leaseID, EventLeaseCreated, LeaseCreatedPayload{
			LeaseID:         leaseID,
			CustomerID:      req.CustomerID,
			PrincipalAmount: req.Principal,
			TermMonths:      req.TermMonths,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Persister.Publish(createdEntry)

	schedule, err := GenerateSchedule(req.Principal, req.TermMonths, req.StartDate)
	if err != nil {
		return nil, err
	}
	payments, err := s.Executor.SchedulePaymentsForLease(ctx, leaseID, schedule)
	if err != nil {
		return nil, err
	}

	resp := &CreateLeaseResponse{LeaseID: leaseID, Status: StatusActive, Schedule: payments}
	if err := s.Idem.StoreResponse(ctx, req.IdempotencyKey, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func validateCreateLeaseRequest(req CreateLeaseRequest) error {
	if req.IdempotencyKey == "" {
		return &core.ValidationError{Field: "idempotencyKey", Reason: "required"}
	}
	if req.CustomerID == "" {
		return &core.ValidationError{Field: "customerId", Reason: "required"}
	}
	if len(req.CustomerID) > 255 {
		return &core.ValidationError{Field: "customerId", Reason: "must be at most 255 characters"}
	}
	if !req.Principal.IsPositive() {
		return &core.ValidationError{Field: "principal", Reason: "must be greater than zero"}
	}
	if req.TermMonths < 1 || req.TermMonths > 60 {
		return &core.ValidationError{Field: "termMonths", Reason: "must be between 1 and 60"}
	}
	return nil
}

func decodeCreateLeaseResponse(cached []byte) (*CreateLeaseResponse, error) {
	var resp CreateLeaseResponse
	if err := json.Unmarshal(cached, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
