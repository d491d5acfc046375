package lease

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/warp/lease-engine/core"
)

// ChargeCode is the gateway's result discriminator.
type ChargeCode string

const (
	ChargeSuccess  ChargeCode = "SUCCESS"
	ChargeFailure  ChargeCode = "FAILURE"
	ChargeDeclined ChargeCode = "DECLINED"
	ChargeTimeout  ChargeCode = "TIMEOUT"
)

// ChargeRequest carries everything the processor needs to attempt a
// charge. AttemptNumber is informational for the processor's own
// velocity/risk checks; it does not change this module's retry behavior.
type ChargeRequest struct {
	PaymentID     core.PaymentID
	LeaseID       core.LeaseID
	Amount        core.Money
	AttemptNumber int
	CustomerID    string
}

// ChargeResult is the processor's answer: a result code plus either a
// transaction ID (on SUCCESS) or a human-readable reason (otherwise).
type ChargeResult struct {
	Code          ChargeCode
	TransactionID string
	Reason        string
}

// Succeeded reports whether the charge went through.
func (r ChargeResult) Succeeded() bool { return r.Code == ChargeSuccess }

// Gateway charges a payment against an external processor. A
// transport-level error return (as opposed to a DECLINED/FAILURE result)
// means the processor could not be reached at all; the executor treats
// both the same way, as a failed attempt.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// StubGateway simulates a payment processor: it succeeds with probability
// SuccessRate and otherwise declines. A production deployment would swap
// this for a real processor client (Stripe, Adyen, an in-house ledger)
// behind the same Gateway interface; nothing else in the lease package
// depends on this type directly.
type StubGateway struct {
	SuccessRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewStubGateway builds a StubGateway with the given success rate in
// [0, 1]. seed lets tests make outcomes deterministic.
func NewStubGateway(successRate float64, seed int64) *StubGateway {
	return &StubGateway{SuccessRate: successRate, rng: rand.New(rand.NewSource(seed))}
}

func (g *StubGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}
	g.mu.Lock()
	roll := g.rng.Float64()
	g.mu.Unlock()
	if roll < g.SuccessRate {
		return ChargeResult{Code: ChargeSuccess, TransactionID: "txn-" + uuid.NewString()}, nil
	}
	return ChargeResult{
		Code:   ChargeDeclined,
		Reason: fmt.Sprintf("simulated decline for payment %s", req.PaymentID),
	}, nil
}
