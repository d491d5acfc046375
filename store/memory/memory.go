// Package memory is an in-process implementation of lease.TxStore, for
// tests and local development: a single mutex-guarded struct holding
// everything in maps/slices, with WithTx simulated as a full
// snapshot-before/restore-on-error around the mutation, since there is
// no real transaction to roll back. A second, lock-free view type is
// used inside WithTx so the held lock is never re-entered.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/lease-engine/core"
	"github.com/warp/lease-engine/lease"
)

// Store is the in-memory backing store. Every exported method acquires
// mu itself; the unlocked core logic lives in package-level helpers
// shared with txView, so WithTx's fn runs under a single lock acquisition
// instead of re-entering a non-reentrant mutex.
type Store struct {
	mu sync.Mutex

	leases      map[core.LeaseID]lease.Lease
	payments    map[core.PaymentID]lease.Payment
	ledger      []core.LedgerRow
	idempotency map[string]core.IdempotencyRow
	nextSeq     int64
}

func New() *Store {
	return &Store{
		leases:      make(map[core.LeaseID]lease.Lease),
		payments:    make(map[core.PaymentID]lease.Payment),
		idempotency: make(map[string]core.IdempotencyRow),
	}
}

type memorySnapshot struct {
	leases      map[core.LeaseID]lease.Lease
	payments    map[core.PaymentID]lease.Payment
	ledger      []core.LedgerRow
	idempotency map[string]core.IdempotencyRow
	nextSeq     int64
}

func (s *Store) snapshot() memorySnapshot {
	leases := make(map[core.LeaseID]lease.Lease, len(s.leases))
	for k, v := range s.leases {
		leases[k] = v
	}
	payments := make(map[core.PaymentID]lease.Payment, len(s.payments))
	for k, v := range s.payments {
		payments[k] = v
	}
	idem := make(map[string]core.IdempotencyRow, len(s.idempotency))
	for k, v := range s.idempotency {
		idem[k] = v
	}
	return memorySnapshot{
		leases:      leases,
		payments:    payments,
		ledger:      append([]core.LedgerRow(nil), s.ledger...),
		idempotency: idem,
		nextSeq:     s.nextSeq,
	}
}

func (s *Store) restore(snap memorySnapshot) {
	s.leases = snap.leases
	s.payments = snap.payments
	s.ledger = snap.ledger
	s.idempotency = snap.idempotency
	s.nextSeq = snap.nextSeq
}

// WithTx takes mu for the duration of fn and hands it a txView backed by
// this same Store, restoring a pre-fn snapshot if fn returns an error.
// There is no standalone commit step: direct writes under the held lock
// are the commit.
func (s *Store) WithTx(ctx context.Context, fn func(lease.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(txView{s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// txView implements lease.Store by calling Store's unlocked logic
// directly, for use only while the caller (WithTx) already holds mu.
type txView struct{ s *Store }

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) AppendLedgerRow(ctx context.Context, row core.LedgerRow) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLedgerRow(s, row)
}

func (v txView) AppendLedgerRow(ctx context.Context, row core.LedgerRow) (int64, error) {
	return appendLedgerRow(v.s, row)
}

func appendLedgerRow(s *Store, row core.LedgerRow) (int64, error) {
	s.nextSeq++
	row.Sequence = s.nextSeq
	s.ledger = append(s.ledger, row)
	return row.Sequence, nil
}

func (s *Store) LeaseHistory(ctx context.Context, leaseID core.LeaseID, skip, limit int) ([]core.LedgerRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return leaseHistory(s, leaseID, skip, limit), nil
}

func (v txView) LeaseHistory(ctx context.Context, leaseID core.LeaseID, skip, limit int) ([]core.LedgerRow, error) {
	return leaseHistory(v.s, leaseID, skip, limit), nil
}

func leaseHistory(s *Store, leaseID core.LeaseID, skip, limit int) []core.LedgerRow {
	var out []core.LedgerRow
	for _, r := range s.ledger {
		if r.LeaseID == leaseID {
			out = append(out, r)
		}
	}
	return paginateRows(out, skip, limit)
}

func (s *Store) ByEventType(ctx context.Context, eventType string, skip, limit int) ([]core.LedgerRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return byEventType(s, eventType, skip, limit), nil
}

func (v txView) ByEventType(ctx context.Context, eventType string, skip, limit int) ([]core.LedgerRow, error) {
	return byEventType(v.s, eventType, skip, limit), nil
}

func byEventType(s *Store, eventType string, skip, limit int) []core.LedgerRow {
	var out []core.LedgerRow
	for _, r := range s.ledger {
		if r.EventType == eventType {
			out = append(out, r)
		}
	}
	return paginateRows(out, skip, limit)
}

func (s *Store) All(ctx context.Context, skip, limit int) ([]core.LedgerRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paginateRows(append([]core.LedgerRow(nil), s.ledger...), skip, limit), nil
}

func (v txView) All(ctx context.Context, skip, limit int) ([]core.LedgerRow, error) {
	return paginateRows(append([]core.LedgerRow(nil), v.s.ledger...), skip, limit), nil
}

func (s *Store) CountByLease(ctx context.Context, leaseID core.LeaseID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countByLease(s, leaseID), nil
}

func (v txView) CountByLease(ctx context.Context, leaseID core.LeaseID) (int, error) {
	return countByLease(v.s, leaseID), nil
}

func countByLease(s *Store, leaseID core.LeaseID) int {
	count := 0
	for _, r := range s.ledger {
		if r.LeaseID == leaseID {
			count++
		}
	}
	return count
}

func (s *Store) SumAmountByLease(ctx context.Context, leaseID core.LeaseID) (core.Money, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sumAmountByLease(s, leaseID), nil
}

func (v txView) SumAmountByLease(ctx context.Context, leaseID core.LeaseID) (core.Money, error) {
	return sumAmountByLease(v.s, leaseID), nil
}

func sumAmountByLease(s *Store, leaseID core.LeaseID) core.Money {
	sum := core.MoneyFromFloat(0)
	for _, r := range s.ledger {
		if r.LeaseID == leaseID && r.Amount != nil {
			sum = sum.Add(*r.Amount)
		}
	}
	return sum
}

func paginateRows(rows []core.LedgerRow, skip, limit int) []core.LedgerRow {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(rows) {
		return nil
	}
	rows = rows[skip:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func (s *Store) GetIdempotencyRow(ctx context.Context, key string) (*core.IdempotencyRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getIdempotencyRow(s, key), nil
}

func (v txView) GetIdempotencyRow(ctx context.Context, key string) (*core.IdempotencyRow, error) {
	return getIdempotencyRow(v.s, key), nil
}

func getIdempotencyRow(s *Store, key string) *core.IdempotencyRow {
	row, ok := s.idempotency[key]
	if !ok {
		return nil
	}
	cp := row
	return &cp
}

func (s *Store) InsertIdempotencyRow(ctx context.Context, row core.IdempotencyRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertIdempotencyRow(s, row)
}

func (v txView) InsertIdempotencyRow(ctx context.Context, row core.IdempotencyRow) error {
	return insertIdempotencyRow(v.s, row)
}

func insertIdempotencyRow(s *Store, row core.IdempotencyRow) error {
	// First writer wins, matching the SQLite adapter's primary-key
	// behavior: a concurrent caller that raced past the existence check
	// sees a typed conflict here.
	if _, exists := s.idempotency[row.Key]; exists {
		return &core.ConflictError{Reason: "idempotency key already claimed: " + row.Key}
	}
	s.idempotency[row.Key] = row
	return nil
}

func (s *Store) UpdateIdempotencyResponse(ctx context.Context, key string, responsePayload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateIdempotencyResponse(s, key, responsePayload)
}

func (v txView) UpdateIdempotencyResponse(ctx context.Context, key string, responsePayload []byte) error {
	return updateIdempotencyResponse(v.s, key, responsePayload)
}

func updateIdempotencyResponse(s *Store, key string, responsePayload []byte) error {
	row, ok := s.idempotency[key]
	if !ok {
		return core.ErrNotFound
	}
	row.ResponsePayload = responsePayload
	s.idempotency[key] = row
	return nil
}

func (s *Store) DeleteIdempotencyRow(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idempotency, key)
	return nil
}

func (v txView) DeleteIdempotencyRow(ctx context.Context, key string) error {
	delete(v.s.idempotency, key)
	return nil
}

func (s *Store) DeleteExpiredIdempotencyRows(ctx context.Context, asOf time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteExpiredIdempotencyRows(s, asOf), nil
}

func (v txView) DeleteExpiredIdempotencyRows(ctx context.Context, asOf time.Time) (int, error) {
	return deleteExpiredIdempotencyRows(v.s, asOf), nil
}

func deleteExpiredIdempotencyRows(s *Store, asOf time.Time) int {
	n := 0
	for k, row := range s.idempotency {
		if row.ExpiresAt.Before(asOf) {
			delete(s.idempotency, k)
			n++
		}
	}
	return n
}

// =============================================================================
// LEASE
// =============================================================================

func (s *Store) CreateLease(ctx context.Context, l lease.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createLease(s, l)
}

func (v txView) CreateLease(ctx context.Context, l lease.Lease) error {
	return createLease(v.s, l)
}

func createLease(s *Store, l lease.Lease) error {
	if _, exists := s.leases[l.ID]; exists {
		return &core.ConflictError{Reason: "lease already exists"}
	}
	s.leases[l.ID] = l
	return nil
}

func (s *Store) GetLease(ctx context.Context, id core.LeaseID) (*lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getLease(s, id)
}

func (v txView) GetLease(ctx context.Context, id core.LeaseID) (*lease.Lease, error) {
	return getLease(v.s, id)
}

func getLease(s *Store, id core.LeaseID) (*lease.Lease, error) {
	l, ok := s.leases[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "lease", ID: id.String()}
	}
	cp := l
	return &cp, nil
}

func (s *Store) GetLeasesByCustomer(ctx context.Context, customerID string, skip, limit int) ([]lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getLeasesByCustomer(s, customerID, skip, limit), nil
}

func (v txView) GetLeasesByCustomer(ctx context.Context, customerID string, skip, limit int) ([]lease.Lease, error) {
	return getLeasesByCustomer(v.s, customerID, skip, limit), nil
}

func getLeasesByCustomer(s *Store, customerID string, skip, limit int) []lease.Lease {
	var out []lease.Lease
	for _, l := range s.leases {
		if l.CustomerID == customerID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginateLeases(out, skip, limit)
}

func paginateLeases(leases []lease.Lease, skip, limit int) []lease.Lease {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(leases) {
		return nil
	}
	leases = leases[skip:]
	if limit > 0 && limit < len(leases) {
		leases = leases[:limit]
	}
	return leases
}

func (s *Store) UpdateLeaseStatus(ctx context.Context, id core.LeaseID, status lease.Status, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateLeaseStatus(s, id, status, updatedAt)
}

func (v txView) UpdateLeaseStatus(ctx context.Context, id core.LeaseID, status lease.Status, updatedAt time.Time) error {
	return updateLeaseStatus(v.s, id, status, updatedAt)
}

func updateLeaseStatus(s *Store, id core.LeaseID, status lease.Status, updatedAt time.Time) error {
	l, ok := s.leases[id]
	if !ok {
		return &core.NotFoundError{Kind: "lease", ID: id.String()}
	}
	l.Status = status
	l.UpdatedAt = updatedAt
	s.leases[id] = l
	return nil
}

// =============================================================================
// PAYMENT
// =============================================================================

func (s *Store) CreatePayment(ctx context.Context, p lease.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createPayment(s, p)
}

func (v txView) CreatePayment(ctx context.Context, p lease.Payment) error {
	return createPayment(v.s, p)
}

func createPayment(s *Store, p lease.Payment) error {
	if _, exists := s.payments[p.ID]; exists {
		return &core.ConflictError{Reason: "payment already exists"}
	}
	s.payments[p.ID] = p
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id core.PaymentID) (*lease.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getPayment(s, id)
}

func (v txView) GetPayment(ctx context.Context, id core.PaymentID) (*lease.Payment, error) {
	return getPayment(v.s, id)
}

func getPayment(s *Store, id core.PaymentID) (*lease.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "payment", ID: id.String()}
	}
	cp := p
	return &cp, nil
}

func (s *Store) GetPaymentsByLease(ctx context.Context, leaseID core.LeaseID, skip, limit int) ([]lease.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paginatePayments(paymentsByLease(s, leaseID), skip, limit), nil
}

func (v txView) GetPaymentsByLease(ctx context.Context, leaseID core.LeaseID, skip, limit int) ([]lease.Payment, error) {
	return paginatePayments(paymentsByLease(v.s, leaseID), skip, limit), nil
}

func paymentsByLease(s *Store, leaseID core.LeaseID) []lease.Payment {
	var out []lease.Payment
	for _, p := range s.payments {
		if p.LeaseID == leaseID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstallmentNumber < out[j].InstallmentNumber })
	return out
}

func (s *Store) GetPaymentsByLeaseAndStatus(ctx context.Context, leaseID core.LeaseID, status lease.PaymentStatus) ([]lease.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paymentsByLeaseAndStatus(s, leaseID, status), nil
}

func (v txView) GetPaymentsByLeaseAndStatus(ctx context.Context, leaseID core.LeaseID, status lease.PaymentStatus) ([]lease.Payment, error) {
	return paymentsByLeaseAndStatus(v.s, leaseID, status), nil
}

func paymentsByLeaseAndStatus(s *Store, leaseID core.LeaseID, status lease.PaymentStatus) []lease.Payment {
	var out []lease.Payment
	for _, p := range paymentsByLease(s, leaseID) {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) GetNextPendingPayment(ctx context.Context, leaseID core.LeaseID) (*lease.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nextPendingPayment(s, leaseID)
}

func (v txView) GetNextPendingPayment(ctx context.Context, leaseID core.LeaseID) (*lease.Payment, error) {
	return nextPendingPayment(v.s, leaseID)
}

func nextPendingPayment(s *Store, leaseID core.LeaseID) (*lease.Payment, error) {
	for _, p := range paymentsByLease(s, leaseID) {
		if p.Status == lease.PaymentPending {
			cp := p
			return &cp, nil
		}
	}
	return nil, &core.NotFoundError{Kind: "payment", ID: "next-pending"}
}

func (s *Store) GetDuePayments(ctx context.Context, asOf time.Time, skip, limit int) ([]lease.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return duePayments(s, asOf, skip, limit), nil
}

func (v txView) GetDuePayments(ctx context.Context, asOf time.Time, skip, limit int) ([]lease.Payment, error) {
	return duePayments(v.s, asOf, skip, limit), nil
}

func duePayments(s *Store, asOf time.Time, skip, limit int) []lease.Payment {
	var out []lease.Payment
	for _, p := range s.payments {
		if p.Status == lease.PaymentPending && !p.DueDate.After(asOf) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return paginatePayments(out, skip, limit)
}

func paginatePayments(payments []lease.Payment, skip, limit int) []lease.Payment {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(payments) {
		return nil
	}
	payments = payments[skip:]
	if limit > 0 && limit < len(payments) {
		payments = payments[:limit]
	}
	return payments
}

func (s *Store) CountPaymentsByLeaseAndStatus(ctx context.Context, leaseID core.LeaseID, status lease.PaymentStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(paymentsByLeaseAndStatus(s, leaseID, status)), nil
}

func (v txView) CountPaymentsByLeaseAndStatus(ctx context.Context, leaseID core.LeaseID, status lease.PaymentStatus) (int, error) {
	return len(paymentsByLeaseAndStatus(v.s, leaseID, status)), nil
}

func (s *Store) CountFailedByLease(ctx context.Context, leaseID core.LeaseID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(paymentsByLeaseAndStatus(s, leaseID, lease.PaymentFailed)), nil
}

func (v txView) CountFailedByLease(ctx context.Context, leaseID core.LeaseID) (int, error) {
	return len(paymentsByLeaseAndStatus(v.s, leaseID, lease.PaymentFailed)), nil
}

func (s *Store) SumPaidAmountByLease(ctx context.Context, leaseID core.LeaseID) (core.Money, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sumPaidAmountByLease(s, leaseID), nil
}

func (v txView) SumPaidAmountByLease(ctx context.Context, leaseID core.LeaseID) (core.Money, error) {
	return sumPaidAmountByLease(v.s, leaseID), nil
}

func sumPaidAmountByLease(s *Store, leaseID core.LeaseID) core.Money {
	sum := core.MoneyFromFloat(0)
	for _, p := range paymentsByLease(s, leaseID) {
		if p.Status == lease.PaymentPaid {
			sum = sum.Add(p.Amount)
		}
	}
	return sum
}

func (s *Store) UpdatePaymentStatus(ctx context.Context, id core.PaymentID, status lease.PaymentStatus, retryCount int, lastAttemptAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updatePaymentStatus(s, id, status, retryCount, lastAttemptAt)
}

func (v txView) UpdatePaymentStatus(ctx context.Context, id core.PaymentID, status lease.PaymentStatus, retryCount int, lastAttemptAt *time.Time) error {
	return updatePaymentStatus(v.s, id, status, retryCount, lastAttemptAt)
}

func updatePaymentStatus(s *Store, id core.PaymentID, status lease.PaymentStatus, retryCount int, lastAttemptAt *time.Time) error {
	p, ok := s.payments[id]
	if !ok {
		return &core.NotFoundError{Kind: "payment", ID: id.String()}
	}
	p.Status = status
	p.RetryCount = retryCount
	p.LastAttemptAt = lastAttemptAt
	p.UpdatedAt = core.Now()
	s.payments[id] = p
	return nil
}

var (
	_ lease.TxStore = (*Store)(nil)
	_ lease.Store   = txView{}
)
