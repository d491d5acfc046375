package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// LeaseID, PaymentID, and EventID are UUID-backed, strongly typed so a
// lease ID can never be passed where a payment ID is expected.
type LeaseID uuid.UUID
type PaymentID uuid.UUID
type EventID uuid.UUID

func NewLeaseID() LeaseID     { return LeaseID(uuid.New()) }
func NewPaymentID() PaymentID { return PaymentID(uuid.New()) }
func NewEventID() EventID     { return EventID(uuid.New()) }

func (id LeaseID) String() string   { return uuid.UUID(id).String() }
func (id PaymentID) String() string { return uuid.UUID(id).String() }
func (id EventID) String() string   { return uuid.UUID(id).String() }

// The Marshal/UnmarshalText pairs keep the UUID-string wire form the
// named types would otherwise lose: methods are not promoted from a
// non-embedded underlying type, so without these encoding/json would
// fall back to serializing the raw 16-byte array. Ledger payloads,
// event envelopes, and idempotency-cached responses all depend on IDs
// reading as "xxxxxxxx-xxxx-..." strings.

func (id LeaseID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id PaymentID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id EventID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }

func (id *LeaseID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *PaymentID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *EventID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }

func (id LeaseID) IsZero() bool   { return id == LeaseID{} }
func (id PaymentID) IsZero() bool { return id == PaymentID{} }

func ParseLeaseID(s string) (LeaseID, error) {
	u, err := uuid.Parse(s)
	return LeaseID(u), err
}

func ParsePaymentID(s string) (PaymentID, error) {
	u, err := uuid.Parse(s)
	return PaymentID(u), err
}

// =============================================================================
// MONEY - decimal-backed monetary amount, always 2 fractional digits
// =============================================================================

// Money wraps decimal.Decimal. It carries no unit field: every quantity
// in this domain is already a currency amount.
type Money struct {
	decimal.Decimal
}

func NewMoney(d decimal.Decimal) Money { return Money{d} }

func MoneyFromFloat(f float64) Money { return Money{decimal.NewFromFloat(f)} }

func MustParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{decimal.Zero}
	}
	return Money{d}
}

// Quantize2 rounds to 2 decimal places using half-even ("banker's")
// rounding.
func (m Money) Quantize2() Money {
	return Money{m.Decimal.RoundBank(2)}
}

func (m Money) Add(o Money) Money { return Money{m.Decimal.Add(o.Decimal)} }
func (m Money) Sub(o Money) Money { return Money{m.Decimal.Sub(o.Decimal)} }
func (m Money) Mul(o Money) Money { return Money{m.Decimal.Mul(o.Decimal)} }
func (m Money) Div(o Money) Money { return Money{m.Decimal.Div(o.Decimal)} }

func (m Money) Equal(o Money) bool       { return m.Decimal.Equal(o.Decimal) }
func (m Money) GreaterThan(o Money) bool { return m.Decimal.GreaterThan(o.Decimal) }
func (m Money) IsPositive() bool         { return m.Decimal.IsPositive() }
func (m Money) IsZero() bool             { return m.Decimal.IsZero() }

// =============================================================================
// TIME
// =============================================================================

// Now is a seam for tests: production code calls core.Now(), tests can
// swap it for a fixed clock.
var Now = func() time.Time { return time.Now().UTC() }
