package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lease-engine/core"
)

// fakeIdempotencyRowStore is a minimal in-memory core.IdempotencyRowStore.
type fakeIdempotencyRowStore struct {
	rows map[string]core.IdempotencyRow
}

func newFakeIdempotencyRowStore() *fakeIdempotencyRowStore {
	return &fakeIdempotencyRowStore{rows: make(map[string]core.IdempotencyRow)}
}

func (f *fakeIdempotencyRowStore) GetIdempotencyRow(ctx context.Context, key string) (*core.IdempotencyRow, error) {
	row, ok := f.rows[key]
	if !ok {
		return nil, nil
	}
	cp := row
	return &cp, nil
}

func (f *fakeIdempotencyRowStore) InsertIdempotencyRow(ctx context.Context, row core.IdempotencyRow) error {
	if _, exists := f.rows[row.Key]; exists {
		return &core.ConflictError{Reason: "idempotency key already claimed: " + row.Key}
	}
	f.rows[row.Key] = row
	return nil
}

func (f *fakeIdempotencyRowStore) UpdateIdempotencyResponse(ctx context.Context, key string, responsePayload []byte) error {
	row, ok := f.rows[key]
	if !ok {
		return core.ErrNotFound
	}
	row.ResponsePayload = responsePayload
	f.rows[key] = row
	return nil
}

func (f *fakeIdempotencyRowStore) DeleteIdempotencyRow(ctx context.Context, key string) error {
	delete(f.rows, key)
	return nil
}

func (f *fakeIdempotencyRowStore) DeleteExpiredIdempotencyRows(ctx context.Context, asOf time.Time) (int, error) {
	n := 0
	for k, row := range f.rows {
		if row.ExpiresAt.Before(asOf) {
			delete(f.rows, k)
			n++
		}
	}
	return n, nil
}

// TestIdempotencyStore_CheckAndStore_DuplicateAfterCommitReturnsCached:
// create(K,O,...) followed by create(K,O,...) has the same observable
// effect as a single create, once a response has committed.
func TestIdempotencyStore_CheckAndStore_DuplicateAfterCommitReturnsCached(t *testing.T) {
	rows := newFakeIdempotencyRowStore()
	idem := core.NewIdempotencyStore(rows)
	ctx := context.Background()

	result, cached, err := idem.CheckAndStore(ctx, "key-1", "CreateLease", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, core.ResultNew, result)
	assert.Nil(t, cached)

	require.NoError(t, idem.StoreResponse(ctx, "key-1", map[string]string{"leaseId": "abc"}))

	result2, cached2, err := idem.CheckAndStore(ctx, "key-1", "CreateLease", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, core.ResultCommitted, result2)
	assert.Contains(t, string(cached2), "abc")
}

func TestIdempotencyStore_CheckAndStore_InFlightBeforeResponseStored(t *testing.T) {
	// GIVEN: a key was checked-and-stored but the operation never called
	// StoreResponse (crashed mid-flight)
	// WHEN: another caller checks the same key before it expires
	// THEN: the three-way result reports InFlight, not a silent duplicate
	rows := newFakeIdempotencyRowStore()
	idem := core.NewIdempotencyStore(rows)
	ctx := context.Background()

	result, _, err := idem.CheckAndStore(ctx, "key-2", "CreateLease", time.Hour)
	require.NoError(t, err)
	require.Equal(t, core.ResultNew, result)

	result2, cached2, err := idem.CheckAndStore(ctx, "key-2", "CreateLease", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, core.ResultInFlight, result2)
	assert.Nil(t, cached2)
}

// staleReadRowStore simulates the losing side of a same-key race: the
// existence check reads "absent" because another caller's insert lands
// in between, so this caller's own insert hits the key constraint.
type staleReadRowStore struct {
	*fakeIdempotencyRowStore
	staleGets int
}

func (s *staleReadRowStore) GetIdempotencyRow(ctx context.Context, key string) (*core.IdempotencyRow, error) {
	if s.staleGets > 0 {
		s.staleGets--
		return nil, nil
	}
	return s.fakeIdempotencyRowStore.GetIdempotencyRow(ctx, key)
}

func TestIdempotencyStore_CheckAndStore_LostRaceSurfacesConflict(t *testing.T) {
	rows := &staleReadRowStore{fakeIdempotencyRowStore: newFakeIdempotencyRowStore(), staleGets: 1}
	idem := core.NewIdempotencyStore(rows)
	ctx := context.Background()

	rows.rows["key-race"] = core.IdempotencyRow{Key: "key-race", Operation: "CreateLease", ExpiresAt: core.Now().Add(time.Hour)}

	_, _, err := idem.CheckAndStore(ctx, "key-race", "CreateLease", time.Hour)
	require.Error(t, err)
	var ce *core.ConflictError
	assert.ErrorAs(t, err, &ce)
}

func TestIdempotencyStore_CheckAndStore_ExpiredRecordTreatedAsAbsent(t *testing.T) {
	rows := newFakeIdempotencyRowStore()
	idem := core.NewIdempotencyStore(rows)
	ctx := context.Background()

	_, _, err := idem.CheckAndStore(ctx, "key-3", "CreateLease", -time.Second) // expires immediately
	require.NoError(t, err)

	result, cached, err := idem.CheckAndStore(ctx, "key-3", "CreateLease", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, core.ResultNew, result)
	assert.Nil(t, cached)
}

func TestIdempotencyStore_CollectExpired_RemovesOnlyExpiredRows(t *testing.T) {
	rows := newFakeIdempotencyRowStore()
	idem := core.NewIdempotencyStore(rows)
	ctx := context.Background()

	_, _, err := idem.CheckAndStore(ctx, "expired", "Op", -time.Second)
	require.NoError(t, err)
	_, _, err = idem.CheckAndStore(ctx, "fresh", "Op", time.Hour)
	require.NoError(t, err)

	n, err := idem.CollectExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := rows.rows["fresh"]
	assert.True(t, ok)
	_, ok = rows.rows["expired"]
	assert.False(t, ok)
}
