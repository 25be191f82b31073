package loader

import "fmt"

// State is the phase of a load attempt
type State int

const (
	StateIdle State = iota
	StateFetchingManifest
	StateDownloadingAssets
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingManifest:
		return "fetching manifest"
	case StateDownloadingAssets:
		return "downloading assets"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Busy reports whether a load attempt is in flight
func (s State) Busy() bool {
	return s == StateFetchingManifest || s == StateDownloadingAssets
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateIdle, StateFinished, StateFailed:
		return to == StateFetchingManifest
	case StateFetchingManifest:
		return to == StateDownloadingAssets || to == StateFinished || to == StateFailed
	case StateDownloadingAssets:
		return to == StateFinished || to == StateFailed
	default:
		return false
	}
}
