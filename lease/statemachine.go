package lease

import "github.com/warp/lease-engine/core"

// validTransitions enumerates the lease state machine's edges:
// PENDING -> ACTIVE -> {COMPLETED, DEFAULTED}, with COMPLETED and DEFAULTED
// terminal. PENDING may also default directly, skipping activation.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusDefaulted},
	StatusActive:    {StatusCompleted, StatusDefaulted},
	StatusCompleted: {},
	StatusDefaulted: {},
}

// CanTransition reports whether moving from -> to is a legal lease state
// transition.
func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a *core.InvalidTransitionError when from -> to
// is not a legal edge, nil otherwise. All lease status mutations funnel
// through this check so an illegal transition can never reach the store.
func ValidateTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &core.InvalidTransitionError{Entity: "lease", From: string(from), To: string(to)}
}
