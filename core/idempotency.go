package core

import (
	"context"
	"encoding/json"
	"time"
)

// IdempotencyResult makes the duplicate case unambiguous: a bare
// (duplicate, cachedResponse) pair can't distinguish "an earlier call with
// this key committed a response" from "an earlier call is still in
// flight (crashed before storing one)". CheckAndStore instead returns one
// of three explicit outcomes.
type IdempotencyResult int

const (
	// ResultNew means no record existed (or the prior one had expired);
	// a fresh record was created and the caller should proceed.
	ResultNew IdempotencyResult = iota
	// ResultInFlight means a record exists, has not expired, but has no
	// stored response yet — a prior call started and never finished.
	ResultInFlight
	// ResultCommitted means a record exists with a stored response; the
	// caller should return CachedResponse instead of repeating the
	// operation.
	ResultCommitted
)

// IdempotencyStore implements check-and-store idempotency keyed by a
// caller-supplied string. At most one non-expired record exists per key;
// expired records are treated as absent and eagerly deleted.
type IdempotencyStore struct {
	rows IdempotencyRowStore
}

func NewIdempotencyStore(rows IdempotencyRowStore) *IdempotencyStore {
	return &IdempotencyStore{rows: rows}
}

// CheckAndStore atomically checks for an existing record and, if absent
// or expired, creates one with no response yet: existing + unexpired ->
// report it; existing + expired -> delete and recreate; absent -> create.
//
// First writer wins under concurrency: the row stores enforce key
// uniqueness, so of two same-key callers that both read "absent", the
// second insert fails with a *ConflictError. Callers surface that to
// the client like any other conflict; the winner proceeds untouched.
func (s *IdempotencyStore) CheckAndStore(ctx context.Context, key, operation string, ttl time.Duration) (IdempotencyResult, []byte, error) {
	existing, err := s.rows.GetIdempotencyRow(ctx, key)
	if err != nil {
		return ResultNew, nil, err
	}

	if existing != nil {
		if existing.ExpiresAt.After(Now()) {
			if len(existing.ResponsePayload) == 0 {
				return ResultInFlight, nil, nil
			}
			return ResultCommitted, existing.ResponsePayload, nil
		}
		if err := s.rows.DeleteIdempotencyRow(ctx, key); err != nil {
			return ResultNew, nil, err
		}
	}

	row := IdempotencyRow{
		Key:       key,
		Operation: operation,
		ExpiresAt: Now().Add(ttl),
		CreatedAt: Now(),
	}
	if err := s.rows.InsertIdempotencyRow(ctx, row); err != nil {
		return ResultNew, nil, err
	}
	return ResultNew, nil, nil
}

// StoreResponse attaches the committed response payload to an existing
// idempotency record, turning a future CheckAndStore for the same key
// into ResultCommitted.
func (s *IdempotencyStore) StoreResponse(ctx context.Context, key string, response any) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return s.rows.UpdateIdempotencyResponse(ctx, key, raw)
}

// CollectExpired deletes every expired idempotency record and reports how
// many were removed. Meant to run from a periodic ticker (see
// cmd/server), not inline on the request path.
func (s *IdempotencyStore) CollectExpired(ctx context.Context) (int, error) {
	return s.rows.DeleteExpiredIdempotencyRows(ctx, Now())
}
