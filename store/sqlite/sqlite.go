/*
Package sqlite provides a SQLite-backed implementation of lease.TxStore.

PURPOSE:
  Implements core.Store and lease.Store (ledger rows, idempotency
  records, leases, and payment rows) against a single SQLite database.
  The same patterns apply to PostgreSQL in production; only dialect
  details (upsert syntax, placeholder style) would change.

KEY TABLES:
  ledger:             Append-only event log, one row per domain event
  idempotency_keys:   Check-and-store records for request idempotency
  leases:              Lease rows
  payment_schedule:    Payment/installment rows

INDEXES:
  idx_ledger_lease:          ledger(lease_id, sequence) — lease history,
                             hot path
  idx_ledger_event_type:     ledger(event_type, sequence) — admin/debug
                             listing
  idx_payments_lease:        payment_schedule(lease_id)
  idx_payments_lease_status: payment_schedule(lease_id, status) —
                             lifecycle coordinator's derived-transition
                             checks, the other hot path
  idx_payments_due:          payment_schedule(status, due_date) — due-
                             payment sweeps
  idx_idempotency_expires:   idempotency_keys(expires_at) — GC sweep's
                             delete-expired query

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statement ever targets the ledger table; the only
  INSERT happens through appendLedgerRow.

CONCURRENCY:
  A single sync.RWMutex around the *sql.DB serializes writers; readers
  share the read lock with each other but wait while a write or a WithTx
  transaction holds the write lock.

WAL MODE:
  Opened with "?_foreign_keys=on&_journal_mode=WAL".

MIGRATION:
  Schema is auto-migrated on New(). A production deployment would swap
  this for a versioned migration tool (golang-migrate, goose).
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/lease-engine/core"
	"github.com/warp/lease-engine/lease"
)

// Store implements lease.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path. Use
// ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger (
		sequence INTEGER PRIMARY KEY AUTOINCREMENT,
		lease_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		amount TEXT,
		event_time TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_lease ON ledger(lease_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_ledger_event_type ON ledger(event_type, sequence);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		response_payload BLOB,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at);

	CREATE TABLE IF NOT EXISTS leases (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		principal TEXT NOT NULL,
		term_months INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leases_customer ON leases(customer_id);

	CREATE TABLE IF NOT EXISTS payment_schedule (
		id TEXT PRIMARY KEY,
		lease_id TEXT NOT NULL REFERENCES leases(id),
		installment_number INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_lease ON payment_schedule(lease_id);
	CREATE INDEX IF NOT EXISTS idx_payments_lease_status ON payment_schedule(lease_id, status);
	CREATE INDEX IF NOT EXISTS idx_payments_due ON payment_schedule(status, due_date);
	`
	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting every
// mutation method run either directly against the pool or against an
// in-flight transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) AppendLedgerRow(ctx context.Context, row core.LedgerRow) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLedgerRow(ctx, s.db, row)
}

func appendLedgerRow(ctx context.Context, db execer, row core.LedgerRow) (int64, error) {
	var amount *string
	if row.Amount != nil {
		v := row.Amount.Decimal.String()
		amount = &v
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO ledger (lease_id, event_type, payload_json, amount, event_time) VALUES (?, ?, ?, ?, ?)`,
		row.LeaseID.String(), row.EventType, string(row.Payload), amount, row.EventTime.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("append ledger row: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append ledger row: %w", err)
	}
	return id, nil
}

func (s *Store) LeaseHistory(ctx context.Context, leaseID core.LeaseID, skip, limit int) ([]core.LedgerRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := `SELECT sequence, lease_id, event_type, payload_json, amount, event_time FROM ledger WHERE lease_id = ? ORDER BY sequence ASC`
	return s.queryLedgerRows(ctx, paginate(query, skip, limit), leaseID.String())
}

func (s *Store) ByEventType(ctx context.Context, eventType string, skip, limit int) ([]core.LedgerRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := `SELECT sequence, lease_id, event_type, payload_json, amount, event_time FROM ledger WHERE event_type = ? ORDER BY sequence ASC`
	return s.queryLedgerRows(ctx, paginate(query, skip, limit), eventType)
}

func (s *Store) All(ctx context.Context, skip, limit int) ([]core.LedgerRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := `SELECT sequence, lease_id, event_type, payload_json, amount, event_time FROM ledger ORDER BY sequence ASC`
	return s.queryLedgerRows(ctx, paginate(query, skip, limit))
}

func (s *Store) CountByLease(ctx context.Context, leaseID core.LeaseID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger WHERE lease_id = ?`, leaseID.String()).Scan(&count)
	return count, err
}

func (s *Store) SumAmountByLease(ctx context.Context, leaseID core.LeaseID) (core.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT amount FROM ledger WHERE lease_id = ? AND amount IS NOT NULL`, leaseID.String())
	if err != nil {
		return core.Money{}, err
	}
	defer rows.Close()

	sum := core.MoneyFromFloat(0)
	for rows.Next() {
		var amt string
		if err := rows.Scan(&amt); err != nil {
			return core.Money{}, err
		}
		d, err := decimal.NewFromString(amt)
		if err != nil {
			return core.Money{}, err
		}
		sum = sum.Add(core.NewMoney(d))
	}
	return sum, rows.Err()
}

func (s *Store) queryLedgerRows(ctx context.Context, query string, args ...any) ([]core.LedgerRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger rows: %w", err)
	}
	defer rows.Close()

	var out []core.LedgerRow
	for rows.Next() {
		row, err := scanLedgerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanLedgerRow(rows *sql.Rows) (core.LedgerRow, error) {
	var (
		row       core.LedgerRow
		leaseID   string
		payload   string
		amount    sql.NullString
		eventTime string
	)
	if err := rows.Scan(&row.Sequence, &leaseID, &row.EventType, &payload, &amount, &eventTime); err != nil {
		return row, fmt.Errorf("scan ledger row: %w", err)
	}
	id, err := core.ParseLeaseID(leaseID)
	if err != nil {
		return row, err
	}
	row.LeaseID = id
	row.Payload = []byte(payload)
	if amount.Valid {
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return row, err
		}
		m := core.NewMoney(d)
		row.Amount = &m
	}
	t, err := time.Parse(time.RFC3339Nano, eventTime)
	if err != nil {
		return row, err
	}
	row.EventTime = t
	return row, nil
}

// paginate appends LIMIT/OFFSET to query. limit <= 0 means unbounded.
func paginate(query string, skip, limit int) string {
	if limit > 0 {
		return fmt.Sprintf("%s LIMIT %d OFFSET %d", query, limit, skip)
	}
	if skip > 0 {
		return fmt.Sprintf("%s LIMIT -1 OFFSET %d", query, skip)
	}
	return query
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func (s *Store) GetIdempotencyRow(ctx context.Context, key string) (*core.IdempotencyRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getIdempotencyRow(ctx, s.db, key)
}

func getIdempotencyRow(ctx context.Context, db execer, key string) (*core.IdempotencyRow, error) {
	var (
		row       core.IdempotencyRow
		response  sql.NullString
		expiresAt string
		createdAt string
	)
	err := db.QueryRowContext(ctx,
		`SELECT key, operation, response_payload, expires_at, created_at FROM idempotency_keys WHERE key = ?`, key,
	).Scan(&row.Key, &row.Operation, &response, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency row: %w", err)
	}
	if response.Valid {
		row.ResponsePayload = []byte(response.String)
	}
	row.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return nil, err
	}
	row.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) InsertIdempotencyRow(ctx context.Context, row core.IdempotencyRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertIdempotencyRow(ctx, s.db, row)
}

func insertIdempotencyRow(ctx context.Context, db execer, row core.IdempotencyRow) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, operation, response_payload, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		row.Key, row.Operation, row.ResponsePayload, row.ExpiresAt.Format(time.RFC3339Nano), row.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		// First writer wins: a concurrent caller that checked the same
		// key before this insert landed loses on the primary key, and
		// must see a typed conflict, not a raw driver error.
		if isUniqueConstraintError(err) {
			return &core.ConflictError{Reason: "idempotency key already claimed: " + row.Key}
		}
		return fmt.Errorf("insert idempotency row: %w", err)
	}
	return nil
}

func (s *Store) UpdateIdempotencyResponse(ctx context.Context, key string, responsePayload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateIdempotencyResponse(ctx, s.db, key, responsePayload)
}

func updateIdempotencyResponse(ctx context.Context, db execer, key string, responsePayload []byte) error {
	res, err := db.ExecContext(ctx, `UPDATE idempotency_keys SET response_payload = ? WHERE key = ?`, responsePayload, key)
	if err != nil {
		return fmt.Errorf("update idempotency response: %w", err)
	}
	return requireRowAffected(res, "idempotency key", key)
}

func (s *Store) DeleteIdempotencyRow(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key)
	return err
}

func (s *Store) DeleteExpiredIdempotencyRows(ctx context.Context, asOf time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < ?`, asOf.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// LEASE
// =============================================================================

func (s *Store) CreateLease(ctx context.Context, l lease.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createLease(ctx, s.db, l)
}

func createLease(ctx context.Context, db execer, l lease.Lease) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO leases (id, customer_id, status, principal, term_months, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(), l.CustomerID, string(l.Status), l.Principal.Decimal.String(), l.TermMonths,
		l.CreatedAt.Format(time.RFC3339Nano), l.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &core.ConflictError{Reason: "lease already exists"}
		}
		return fmt.Errorf("create lease: %w", err)
	}
	return nil
}

func (s *Store) GetLease(ctx context.Context, id core.LeaseID) (*lease.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLease(ctx, s.db, id)
}

func getLease(ctx context.Context, db execer, id core.LeaseID) (*lease.Lease, error) {
	var (
		l         lease.Lease
		idStr     string
		status    string
		principal string
		createdAt string
		updatedAt string
	)
	err := db.QueryRowContext(ctx,
		`SELECT id, customer_id, status, principal, term_months, created_at, updated_at FROM leases WHERE id = ?`, id.String(),
	).Scan(&idStr, &l.CustomerID, &status, &principal, &l.TermMonths, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "lease", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	if l.ID, err = core.ParseLeaseID(idStr); err != nil {
		return nil, err
	}
	l.Status = lease.Status(status)
	d, err := decimal.NewFromString(principal)
	if err != nil {
		return nil, err
	}
	l.Principal = core.NewMoney(d)
	if l.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if l.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) GetLeasesByCustomer(ctx context.Context, customerID string, skip, limit int) ([]lease.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := paginate(`SELECT id, customer_id, status, principal, term_months, created_at, updated_at FROM leases WHERE customer_id = ? ORDER BY created_at ASC`, skip, limit)
	rows, err := s.db.QueryContext(ctx, query, customerID)
	if err != nil {
		return nil, fmt.Errorf("get leases by customer: %w", err)
	}
	defer rows.Close()

	var out []lease.Lease
	for rows.Next() {
		var (
			l         lease.Lease
			idStr     string
			status    string
			principal string
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&idStr, &l.CustomerID, &status, &principal, &l.TermMonths, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if l.ID, err = core.ParseLeaseID(idStr); err != nil {
			return nil, err
		}
		l.Status = lease.Status(status)
		d, err := decimal.NewFromString(principal)
		if err != nil {
			return nil, err
		}
		l.Principal = core.NewMoney(d)
		if l.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, err
		}
		if l.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) UpdateLeaseStatus(ctx context.Context, id core.LeaseID, status lease.Status, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateLeaseStatus(ctx, s.db, id, status, updatedAt)
}

func updateLeaseStatus(ctx context.Context, db execer, id core.LeaseID, status lease.Status, updatedAt time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE leases SET status = ?, updated_at = ? WHERE id = ?`, string(status), updatedAt.Format(time.RFC3339Nano), id.String())
	if err != nil {
		return fmt.Errorf("update lease status: %w", err)
	}
	return requireRowAffected(res, "lease", id.String())
}

// =============================================================================
// PAYMENT
// =============================================================================

const paymentColumns = `id, lease_id, installment_number, due_date, amount, status, retry_count, last_attempt_at, created_at, updated_at`

func (s *Store) CreatePayment(ctx context.Context, p lease.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createPayment(ctx, s.db, p)
}

func createPayment(ctx context.Context, db execer, p lease.Payment) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO payment_schedule (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.LeaseID.String(), p.InstallmentNumber, p.DueDate.Format(time.RFC3339Nano),
		p.Amount.Decimal.String(), string(p.Status), p.RetryCount, nullTime(p.LastAttemptAt),
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &core.ConflictError{Reason: "payment already exists"}
		}
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id core.PaymentID) (*lease.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_schedule WHERE id = ?`, id.String())
	p, err := scanPaymentRow(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "payment", ID: id.String()}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) GetPaymentsByLease(ctx context.Context, leaseID core.LeaseID, skip, limit int) ([]lease.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := paginate(`SELECT `+paymentColumns+` FROM payment_schedule WHERE lease_id = ? ORDER BY installment_number ASC`, skip, limit)
	return s.queryPayments(ctx, query, leaseID.String())
}

func (s *Store) GetPaymentsByLeaseAndStatus(ctx context.Context, leaseID core.LeaseID, status lease.PaymentStatus) ([]lease.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := `SELECT ` + paymentColumns + ` FROM payment_schedule WHERE lease_id = ? AND status = ? ORDER BY installment_number ASC`
	return s.queryPayments(ctx, query, leaseID.String(), string(status))
}

func (s *Store) GetNextPendingPayment(ctx context.Context, leaseID core.LeaseID) (*lease.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_schedule WHERE lease_id = ? AND status = ? ORDER BY installment_number ASC LIMIT 1`,
		leaseID.String(), string(lease.PaymentPending),
	)
	p, err := scanPaymentRow(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "payment", ID: "next-pending"}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) GetDuePayments(ctx context.Context, asOf time.Time, skip, limit int) ([]lease.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := paginate(`SELECT `+paymentColumns+` FROM payment_schedule WHERE status = ? AND due_date <= ? ORDER BY due_date ASC`, skip, limit)
	return s.queryPayments(ctx, query, string(lease.PaymentPending), asOf.Format(time.RFC3339Nano))
}

func (s *Store) CountPaymentsByLeaseAndStatus(ctx context.Context, leaseID core.LeaseID, status lease.PaymentStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payment_schedule WHERE lease_id = ? AND status = ?`, leaseID.String(), string(status)).Scan(&count)
	return count, err
}

func (s *Store) CountFailedByLease(ctx context.Context, leaseID core.LeaseID) (int, error) {
	return s.CountPaymentsByLeaseAndStatus(ctx, leaseID, lease.PaymentFailed)
}

func (s *Store) SumPaidAmountByLease(ctx context.Context, leaseID core.LeaseID) (core.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT amount FROM payment_schedule WHERE lease_id = ? AND status = ?`, leaseID.String(), string(lease.PaymentPaid))
	if err != nil {
		return core.Money{}, err
	}
	defer rows.Close()

	sum := core.MoneyFromFloat(0)
	for rows.Next() {
		var amt string
		if err := rows.Scan(&amt); err != nil {
			return core.Money{}, err
		}
		d, err := decimal.NewFromString(amt)
		if err != nil {
			return core.Money{}, err
		}
		sum = sum.Add(core.NewMoney(d))
	}
	return sum, rows.Err()
}

func (s *Store) UpdatePaymentStatus(ctx context.Context, id core.PaymentID, status lease.PaymentStatus, retryCount int, lastAttemptAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updatePaymentStatus(ctx, s.db, id, status, retryCount, lastAttemptAt)
}

func updatePaymentStatus(ctx context.Context, db execer, id core.PaymentID, status lease.PaymentStatus, retryCount int, lastAttemptAt *time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE payment_schedule SET status = ?, retry_count = ?, last_attempt_at = ?, updated_at = ? WHERE id = ?`,
		string(status), retryCount, nullTime(lastAttemptAt), time.Now().UTC().Format(time.RFC3339Nano), id.String(),
	)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return requireRowAffected(res, "payment", id.String())
}

func (s *Store) queryPayments(ctx context.Context, query string, args ...any) ([]lease.Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var out []lease.Payment
	for rows.Next() {
		p, err := scanPaymentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaymentRow(row *sql.Row) (*lease.Payment, error) {
	return scanPaymentRows(row)
}

func scanPaymentRows(scanner rowScanner) (*lease.Payment, error) {
	var (
		p             lease.Payment
		idStr         string
		leaseIDStr    string
		dueDate       string
		amount        string
		status        string
		lastAttemptAt sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := scanner.Scan(&idStr, &leaseIDStr, &p.InstallmentNumber, &dueDate, &amount, &status, &p.RetryCount, &lastAttemptAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if p.ID, err = core.ParsePaymentID(idStr); err != nil {
		return nil, err
	}
	if p.LeaseID, err = core.ParseLeaseID(leaseIDStr); err != nil {
		return nil, err
	}
	if p.DueDate, err = time.Parse(time.RFC3339Nano, dueDate); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	p.Amount = core.NewMoney(d)
	p.Status = lease.PaymentStatus(status)
	if lastAttemptAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastAttemptAt.String)
		if err != nil {
			return nil, err
		}
		p.LastAttemptAt = &t
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func requireRowAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &core.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx runs fn against a *sql.Tx-backed view: one BeginTx, a deferred
// Rollback that is a no-op after Commit, and a thin wrapper that routes
// writes through the transaction. Listing and aggregate reads that never
// run inside a transaction's closure delegate to the parent Store, which
// takes s.mu itself; calling one of them from inside fn would deadlock
// on the write lock WithTx already holds.
func (s *Store) WithTx(ctx context.Context, fn func(lease.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) AppendLedgerRow(ctx context.Context, row core.LedgerRow) (int64, error) {
	return appendLedgerRow(ctx, ts.tx, row)
}

func (ts *txStore) LeaseHistory(ctx context.Context, leaseID core.LeaseID, skip, limit int) ([]core.LedgerRow, error) {
	return ts.parent.LeaseHistory(ctx, leaseID, skip, limit)
}

func (ts *txStore) ByEventType(ctx context.Context, eventType string, skip, limit int) ([]core.LedgerRow, error) {
	return ts.parent.ByEventType(ctx, eventType, skip, limit)
}

func (ts *txStore) All(ctx context.Context, skip, limit int) ([]core.LedgerRow, error) {
	return ts.parent.All(ctx, skip, limit)
}

func (ts *txStore) CountByLease(ctx context.Context, leaseID core.LeaseID) (int, error) {
	return ts.parent.CountByLease(ctx, leaseID)
}

func (ts *txStore) SumAmountByLease(ctx context.Context, leaseID core.LeaseID) (core.Money, error) {
	return ts.parent.SumAmountByLease(ctx, leaseID)
}

func (ts *txStore) GetIdempotencyRow(ctx context.Context, key string) (*core.IdempotencyRow, error) {
	return getIdempotencyRow(ctx, ts.tx, key)
}

func (ts *txStore) InsertIdempotencyRow(ctx context.Context, row core.IdempotencyRow) error {
	return insertIdempotencyRow(ctx, ts.tx, row)
}

func (ts *txStore) UpdateIdempotencyResponse(ctx context.Context, key string, responsePayload []byte) error {
	return updateIdempotencyResponse(ctx, ts.tx, key, responsePayload)
}

func (ts *txStore) DeleteIdempotencyRow(ctx context.Context, key string) error {
	_, err := ts.tx.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key)
	return err
}

func (ts *txStore) DeleteExpiredIdempotencyRows(ctx context.Context, asOf time.Time) (int, error) {
	res, err := ts.tx.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < ?`, asOf.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (ts *txStore) CreateLease(ctx context.Context, l lease.Lease) error {
	return createLease(ctx, ts.tx, l)
}

func (ts *txStore) GetLease(ctx context.Context, id core.LeaseID) (*lease.Lease, error) {
	return getLease(ctx, ts.tx, id)
}

func (ts *txStore) GetLeasesByCustomer(ctx context.Context, customerID string, skip, limit int) ([]lease.Lease, error) {
	return ts.parent.GetLeasesByCustomer(ctx, customerID, skip, limit)
}

func (ts *txStore) UpdateLeaseStatus(ctx context.Context, id core.LeaseID, status lease.Status, updatedAt time.Time) error {
	return updateLeaseStatus(ctx, ts.tx, id, status, updatedAt)
}

func (ts *txStore) CreatePayment(ctx context.Context, p lease.Payment) error {
	return createPayment(ctx, ts.tx, p)
}

func (ts *txStore) GetPayment(ctx context.Context, id core.PaymentID) (*lease.Payment, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_schedule WHERE id = ?`, id.String())
	p, err := scanPaymentRow(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "payment", ID: id.String()}
	}
	return p, err
}

func (ts *txStore) GetPaymentsByLease(ctx context.Context, leaseID core.LeaseID, skip, limit int) ([]lease.Payment, error) {
	query := paginate(`SELECT `+paymentColumns+` FROM payment_schedule WHERE lease_id = ? ORDER BY installment_number ASC`, skip, limit)
	return queryPaymentsWith(ctx, ts.tx, query, leaseID.String())
}

func (ts *txStore) GetPaymentsByLeaseAndStatus(ctx context.Context, leaseID core.LeaseID, status lease.PaymentStatus) ([]lease.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_schedule WHERE lease_id = ? AND status = ? ORDER BY installment_number ASC`
	return queryPaymentsWith(ctx, ts.tx, query, leaseID.String(), string(status))
}

func (ts *txStore) GetNextPendingPayment(ctx context.Context, leaseID core.LeaseID) (*lease.Payment, error) {
	row := ts.tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_schedule WHERE lease_id = ? AND status = ? ORDER BY installment_number ASC LIMIT 1`,
		leaseID.String(), string(lease.PaymentPending),
	)
	p, err := scanPaymentRow(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Kind: "payment", ID: "next-pending"}
	}
	return p, err
}

func (ts *txStore) GetDuePayments(ctx context.Context, asOf time.Time, skip, limit int) ([]lease.Payment, error) {
	return ts.parent.GetDuePayments(ctx, asOf, skip, limit)
}

func (ts *txStore) CountPaymentsByLeaseAndStatus(ctx context.Context, leaseID core.LeaseID, status lease.PaymentStatus) (int, error) {
	var count int
	err := ts.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM payment_schedule WHERE lease_id = ? AND status = ?`, leaseID.String(), string(status)).Scan(&count)
	return count, err
}

func (ts *txStore) CountFailedByLease(ctx context.Context, leaseID core.LeaseID) (int, error) {
	return ts.CountPaymentsByLeaseAndStatus(ctx, leaseID, lease.PaymentFailed)
}

func (ts *txStore) SumPaidAmountByLease(ctx context.Context, leaseID core.LeaseID) (core.Money, error) {
	rows, err := ts.tx.QueryContext(ctx, `SELECT amount FROM payment_schedule WHERE lease_id = ? AND status = ?`, leaseID.String(), string(lease.PaymentPaid))
	if err != nil {
		return core.Money{}, err
	}
	defer rows.Close()

	sum := core.MoneyFromFloat(0)
	for rows.Next() {
		var amt string
		if err := rows.Scan(&amt); err != nil {
			return core.Money{}, err
		}
		d, err := decimal.NewFromString(amt)
		if err != nil {
			return core.Money{}, err
		}
		sum = sum.Add(core.NewMoney(d))
	}
	return sum, rows.Err()
}

func (ts *txStore) UpdatePaymentStatus(ctx context.Context, id core.PaymentID, status lease.PaymentStatus, retryCount int, lastAttemptAt *time.Time) error {
	return updatePaymentStatus(ctx, ts.tx, id, status, retryCount, lastAttemptAt)
}

func queryPaymentsWith(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]lease.Payment, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var out []lease.Payment
	for rows.Next() {
		p, err := scanPaymentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

var (
	_ lease.TxStore = (*Store)(nil)
	_ lease.Store   = (*txStore)(nil)
)
