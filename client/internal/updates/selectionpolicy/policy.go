// Package selectionpolicy decides which stored update is launched and which ones are garbage.
// It performs no I/O and never mutates the updates it is given.
package selectionpolicy

import (
	"sort"

	goversion "github.com/hashicorp/go-version"

	"github.com/netbirdio/updates/client/internal/updates/types"
)

// Policy selects updates compatible with RuntimeVersion.
// Retain keeps that many of the newest launchable updates older than the launched one out of
// garbage collection. Zero protects only the launched update and updates flagged keep.
type Policy struct {
	RuntimeVersion string
	Retain         int
}

// New returns a Policy for the given runtime version
func New(runtimeVersion string, retain int) *Policy {
	return &Policy{
		RuntimeVersion: runtimeVersion,
		Retain:         retain,
	}
}

// MatchesRuntime reports whether an update built for runtimeVersion can run on this binary.
// Versions are equal when the strings match or when both parse to the same semantic version.
func (p *Policy) MatchesRuntime(runtimeVersion string) bool {
	if runtimeVersion == p.RuntimeVersion {
		return true
	}

	current, err := goversion.NewVersion(p.RuntimeVersion)
	if err != nil {
		return false
	}
	candidate, err := goversion.NewVersion(runtimeVersion)
	if err != nil {
		return false
	}
	return current.Equal(candidate)
}

// IsLaunchable reports whether the update is a launch candidate for this runtime
func (p *Policy) IsLaunchable(update *types.Update) bool {
	return update != nil && update.Status.IsLaunchCandidate() && p.MatchesRuntime(update.RuntimeVersion)
}

// LaunchableUpdate returns the newest launch candidate or nil when there is none
func (p *Policy) LaunchableUpdate(updates []*types.Update) *types.Update {
	var selected *types.Update
	for _, update := range updates {
		if !p.IsLaunchable(update) {
			continue
		}
		if update.NewerThan(selected) {
			selected = update
		}
	}
	return selected
}

// ShouldLoadNewUpdate reports whether candidate should replace the launched update.
// Only a strictly newer commit time wins.
func (p *Policy) ShouldLoadNewUpdate(candidate, launched *types.Update) bool {
	if candidate == nil {
		return false
	}
	if launched == nil {
		return true
	}
	return candidate.CommitTime.After(launched.CommitTime)
}

// UpdatesToDelete returns the updates eligible for garbage collection: every update other than
// launched whose keep flag is false, minus the Retain newest launchable predecessors of launched.
func (p *Policy) UpdatesToDelete(launched *types.Update, updates []*types.Update) []*types.Update {
	retained := p.retained(launched, updates)

	var toDelete []*types.Update
	for _, update := range updates {
		if update == nil || update.Keep {
			continue
		}
		if launched != nil && update.ID == launched.ID {
			continue
		}
		if _, ok := retained[update.ID]; ok {
			continue
		}
		toDelete = append(toDelete, update)
	}
	return toDelete
}

func (p *Policy) retained(launched *types.Update, updates []*types.Update) map[string]struct{} {
	retained := make(map[string]struct{})
	if p.Retain <= 0 || launched == nil {
		return retained
	}

	var older []*types.Update
	for _, update := range updates {
		if update.ID != launched.ID && p.IsLaunchable(update) && launched.NewerThan(update) {
			older = append(older, update)
		}
	}
	sort.Slice(older, func(i, j int) bool {
		return older[i].NewerThan(older[j])
	})

	for i := 0; i < len(older) && i < p.Retain; i++ {
		retained[older[i].ID] = struct{}{}
	}
	return retained
}
