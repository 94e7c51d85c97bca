package network

import (
	"fmt"
	"time"
)

// StateKind enumerates the recovery states of a peer
type StateKind int

const (
	StateHealthy StateKind = iota
	StateSuspected
	StateRecovering
	StateReplaced
	StateFailed
)

func (k StateKind) String() string {
	switch k {
	case StateHealthy:
		return "healthy"
	case StateSuspected:
		return "suspected"
	case StateRecovering:
		return "recovering"
	case StateReplaced:
		return "replaced"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RecoveryState is the per-peer state machine value. Payload fields are
// meaningful only for the matching kind.
type RecoveryState struct {
	Kind        StateKind
	Since       time.Time // Suspected: when suspicion started
	Attempt     int       // Recovering: current attempt number, 1-based
	LastAttempt time.Time // Recovering: when the last attempt ran
	NextRetry   time.Time // Recovering: earliest time for the next attempt
	Replacement string    // Replaced: id of the replacement peer
	At          time.Time // Replaced/Failed: when the terminal state was entered
	Reason      string    // Failed: why the peer was given up on
}

// RecoveryEvent drives transitions of the peer state machine
type RecoveryEvent struct {
	Kind        EventKind
	At          time.Time
	NextRetry   time.Time // AttemptFailed: when the next attempt may run
	Replacement string    // Replace
	Reason      string    // Fail
}

// EventKind enumerates recovery events
type EventKind int

const (
	EventSuspect EventKind = iota
	EventAttempt
	EventRecovered
	EventAttemptFailed
	EventReplace
	EventFail
)

// Transition applies an event to a state and returns the next state. It is
// a pure function so the machine can be tested without a manager. The
// machine never skips Recovering: a Suspected peer must attempt recovery
// before it can become Healthy, Replaced or Failed again.
func Transition(state RecoveryState, event RecoveryEvent) (RecoveryState, error) {
	switch event.Kind {
	case EventSuspect:
		if state.Kind != StateHealthy {
			return state, fmt.Errorf("cannot suspect peer in state %s", state.Kind)
		}
		return RecoveryState{Kind: StateSuspected, Since: event.At}, nil

	case EventAttempt:
		if state.Kind != StateSuspected && state.Kind != StateRecovering {
			return state, fmt.Errorf("cannot attempt recovery in state %s", state.Kind)
		}
		return RecoveryState{
			Kind:        StateRecovering,
			Attempt:     state.Attempt + 1,
			LastAttempt: event.At,
			NextRetry:   state.NextRetry,
		}, nil

	case EventRecovered:
		if state.Kind != StateRecovering {
			return state, fmt.Errorf("cannot recover peer in state %s", state.Kind)
		}
		return RecoveryState{Kind: StateHealthy}, nil

	case EventAttemptFailed:
		if state.Kind != StateRecovering {
			return state, fmt.Errorf("cannot fail an attempt in state %s", state.Kind)
		}
		next := state
		next.NextRetry = event.NextRetry
		return next, nil

	case EventReplace:
		if state.Kind != StateRecovering {
			return state, fmt.Errorf("cannot replace peer in state %s", state.Kind)
		}
		return RecoveryState{Kind: StateReplaced, Replacement: event.Replacement, At: event.At}, nil

	case EventFail:
		if state.Kind != StateRecovering {
			return state, fmt.Errorf("cannot fail peer in state %s", state.Kind)
		}
		return RecoveryState{Kind: StateFailed, Reason: event.Reason, At: event.At}, nil

	default:
		return state, fmt.Errorf("unknown recovery event %d", event.Kind)
	}
}
