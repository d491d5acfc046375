package lease_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lease-engine/core"
	"github.com/warp/lease-engine/lease"
)

func TestCanTransition_AllowedEdges(t *testing.T) {
	cases := []struct {
		from, to lease.Status
	}{
		{lease.StatusPending, lease.StatusActive},
		{lease.StatusPending, lease.StatusDefaulted},
		{lease.StatusActive, lease.StatusCompleted},
		{lease.StatusActive, lease.StatusDefaulted},
	}
	for _, c := range cases {
		assert.Truef(t, lease.CanTransition(c.from, c.to), "%s -> %s should be legal", c.from, c.to)
	}
}

// TestCanTransition_TerminalStatesHaveNoOutgoingEdges covers testable
// property 6: no call sequence drives a lease out of a terminal state.
func TestCanTransition_TerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, to := range []lease.Status{lease.StatusPending, lease.StatusActive, lease.StatusCompleted, lease.StatusDefaulted} {
		assert.Falsef(t, lease.CanTransition(lease.StatusCompleted, to), "COMPLETED -> %s must be illegal", to)
		assert.Falsef(t, lease.CanTransition(lease.StatusDefaulted, to), "DEFAULTED -> %s must be illegal", to)
	}
}

func TestCanTransition_RejectsSkippingActive(t *testing.T) {
	assert.False(t, lease.CanTransition(lease.StatusPending, lease.StatusCompleted))
}

func TestValidateTransition_ReturnsInvalidTransitionError(t *testing.T) {
	err := lease.ValidateTransition(lease.StatusCompleted, lease.StatusActive)
	require.Error(t, err)
	var ite *core.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "lease", ite.Entity)
}

func TestValidateTransition_NilForLegalEdge(t *testing.T) {
	assert.NoError(t, lease.ValidateTransition(lease.StatusActive, lease.StatusCompleted))
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.True(t, lease.StatusCompleted.IsTerminal())
	assert.True(t, lease.StatusDefaulted.IsTerminal())
	assert.False(t, lease.StatusPending.IsTerminal())
	assert.False(t, lease.StatusActive.IsTerminal())
}
