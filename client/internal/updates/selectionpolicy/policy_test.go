package selectionpolicy

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/updates/client/internal/updates/types"
)

func update(id string, commit int64, status types.Status) *types.Update {
	return &types.Update{
		ID:             id,
		CommitTime:     time.UnixMilli(commit),
		RuntimeVersion: "1.0.0",
		Status:         status,
	}
}

func TestMatchesRuntime(t *testing.T) {
	p := New("1.0.0", 0)

	tt := []struct {
		version string
		match   bool
	}{
		{"1.0.0", true},
		{"1.0", true},
		{"v1.0.0", true},
		{"1.0.1", false},
		{"exposdk:48.0.0", false},
		{"", false},
	}
	for _, tc := range tt {
		t.Run(tc.version, func(t *testing.T) {
			assert.Equal(t, tc.match, p.MatchesRuntime(tc.version))
		})
	}

	opaque := New("exposdk:48.0.0", 0)
	assert.True(t, opaque.MatchesRuntime("exposdk:48.0.0"))
	assert.False(t, opaque.MatchesRuntime("exposdk:49.0.0"))
}

func TestLaunchableUpdate(t *testing.T) {
	p := New("1.0.0", 0)

	assert.Nil(t, p.LaunchableUpdate(nil))

	incompatible := update("incompatible", 100, types.StatusReady)
	incompatible.RuntimeVersion = "2.0.0"
	updates := []*types.Update{
		update("ready", 10, types.StatusReady),
		update("launchable", 20, types.StatusLaunchable),
		update("pending", 30, types.StatusPending),
		update("failed", 40, types.StatusFailed),
		update("unused", 50, types.StatusUnused),
		incompatible,
	}
	selected := p.LaunchableUpdate(updates)
	require.NotNil(t, selected)
	assert.Equal(t, "launchable", selected.ID)

	assert.Nil(t, p.LaunchableUpdate(updates[2:]))
}

func TestLaunchableUpdateTieBreak(t *testing.T) {
	p := New("1.0.0", 0)
	a := update("a", 10, types.StatusReady)
	b := update("b", 10, types.StatusReady)

	assert.Equal(t, "b", p.LaunchableUpdate([]*types.Update{a, b}).ID)
	assert.Equal(t, "b", p.LaunchableUpdate([]*types.Update{b, a}).ID)
}

func TestLaunchableUpdateIsNewestCandidate(t *testing.T) {
	p := New("1.0.0", 0)
	rnd := rand.New(rand.NewSource(42))
	statuses := []types.Status{types.StatusFailed, types.StatusReady, types.StatusLaunchable, types.StatusPending, types.StatusUnused}

	for round := 0; round < 200; round++ {
		commits := rnd.Perm(20)
		var updates []*types.Update
		var want *types.Update
		n := rnd.Intn(20)
		for i := 0; i < n; i++ {
			u := update(fmt.Sprintf("u%d", i), int64(commits[i]), statuses[rnd.Intn(len(statuses))])
			if rnd.Intn(4) == 0 {
				u.RuntimeVersion = "0.9.0"
			}
			updates = append(updates, u)
			if u.Status.IsLaunchCandidate() && u.RuntimeVersion == "1.0.0" && (want == nil || u.CommitTime.After(want.CommitTime)) {
				want = u
			}
		}

		got := p.LaunchableUpdate(updates)
		if want == nil {
			assert.Nil(t, got, "round %d", round)
			continue
		}
		require.NotNil(t, got, "round %d", round)
		assert.Equal(t, want.ID, got.ID, "round %d", round)
	}
}

func TestShouldLoadNewUpdate(t *testing.T) {
	p := New("1.0.0", 0)
	current := update("current", 10, types.StatusLaunchable)

	assert.False(t, p.ShouldLoadNewUpdate(nil, current))
	assert.False(t, p.ShouldLoadNewUpdate(nil, nil))
	assert.True(t, p.ShouldLoadNewUpdate(update("any", 0, types.StatusPending), nil))
	assert.True(t, p.ShouldLoadNewUpdate(update("newer", 11, types.StatusPending), current))
	assert.False(t, p.ShouldLoadNewUpdate(update("same", 10, types.StatusPending), current))
	assert.False(t, p.ShouldLoadNewUpdate(update("older", 9, types.StatusPending), current))
}

func ids(updates []*types.Update) []string {
	var out []string
	for _, u := range updates {
		out = append(out, u.ID)
	}
	return out
}

func TestUpdatesToDelete(t *testing.T) {
	launched := update("launched", 30, types.StatusLaunchable)
	kept := update("kept", 1, types.StatusReady)
	kept.Keep = true
	newer := update("newer", 40, types.StatusReady)
	all := []*types.Update{
		update("oldest", 10, types.StatusReady),
		update("older", 20, types.StatusLaunchable),
		update("failed", 25, types.StatusFailed),
		kept,
		launched,
		newer,
	}

	t.Run("conservative", func(t *testing.T) {
		toDelete := New("1.0.0", 0).UpdatesToDelete(launched, all)
		assert.ElementsMatch(t, []string{"oldest", "older", "failed", "newer"}, ids(toDelete))
	})

	t.Run("retain one predecessor", func(t *testing.T) {
		toDelete := New("1.0.0", 1).UpdatesToDelete(launched, all)
		assert.ElementsMatch(t, []string{"oldest", "failed", "newer"}, ids(toDelete))
	})

	t.Run("nothing launched", func(t *testing.T) {
		toDelete := New("1.0.0", 3).UpdatesToDelete(nil, all)
		assert.NotContains(t, ids(toDelete), "kept")
		assert.Len(t, toDelete, 5)
	})
}

func TestKeptUpdatesAreNeverDeleted(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for round := 0; round < 100; round++ {
		var all []*types.Update
		for i := 0; i < 10; i++ {
			u := update(fmt.Sprintf("u%d", i), int64(rnd.Intn(100)), types.Status(rnd.Intn(5)))
			u.Keep = rnd.Intn(3) == 0
			all = append(all, u)
		}
		launched := all[rnd.Intn(len(all))]

		for _, u := range New("1.0.0", rnd.Intn(3)).UpdatesToDelete(launched, all) {
			assert.False(t, u.Keep, "round %d: kept update %s selected for deletion", round, u.ID)
			assert.NotEqual(t, launched.ID, u.ID)
		}
	}
}
