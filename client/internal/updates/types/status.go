package types

import (
	"fmt"

	nberrors "github.com/netbirdio/updates/client/errors"
)

// Status is the lifecycle state of a stored update.
// Values are persisted, so they must not be renumbered.
type Status int

const (
	StatusFailed Status = iota
	StatusReady
	StatusLaunchable
	StatusPending
	StatusUnused
)

func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusReady:
		return "ready"
	case StatusLaunchable:
		return "launchable"
	case StatusPending:
		return "pending"
	case StatusUnused:
		return "unused"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsLaunchCandidate reports whether updates in this status may be selected for launch.
func (s Status) IsLaunchCandidate() bool {
	return s == StatusReady || s == StatusLaunchable
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// A transition to the same status is always allowed and is a no-op.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}

	switch next {
	case StatusFailed:
		return s != StatusUnused
	case StatusReady:
		return s == StatusPending
	case StatusLaunchable:
		return s == StatusReady
	case StatusUnused:
		return s == StatusReady || s == StatusLaunchable || s == StatusFailed
	default:
		return false
	}
}

// Transition validates the move from -> to and returns the resulting status.
func Transition(from, to Status) (Status, error) {
	if !from.CanTransitionTo(to) {
		return from, nberrors.Errorf(nberrors.IllegalTransition, "illegal update status transition %s -> %s", from, to)
	}
	return to, nil
}
