package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffvincent/ci-runner-monitor/internal/settings"
)

func mustMemorySize(t *testing.T, s string) settings.MemorySize {
	t.Helper()
	size, err := settings.ParseMemorySize(s)
	require.NoError(t, err)
	return size
}

// newUnvalidatedPolicy bypasses New()'s static budget check: some override
// scenarios deliberately push a request past the available budget, since
// it's the adjustment loop's job (not construction) to claw it back down.
func newUnvalidatedPolicy(profiles map[string]settings.Profile, toggles Toggles) *Policy {
	return &Policy{
		profiles:           profiles,
		toggles:            toggles,
		baseImageSnapshots: map[string]string{},
	}
}

func setFreshSnapshots(p *Policy, now time.Time) {
	for key := range p.profiles {
		p.SetBaseImageSnapshot(key, now.Add(-time.Minute).Format(time.RFC3339Nano))
	}
}

func TestSortedByCountDescendingThenNameDescending(t *testing.T) {
	scenario := map[string]int{
		"b-common": 6,
		"y-common": 6,
		"a-niche":  2,
		"z-niche":  2,
		"override": 9,
	}
	got := sortedByCountDescendingThenNameDescending(scenario)
	assert.Equal(t, []string{"override", "y-common", "b-common", "z-niche", "a-niche"}, got)
}

func TestTryOverrideHugepageConstrainedAdjustmentClampsToBudget(t *testing.T) {
	now := time.Now()
	profiles := map[string]settings.Profile{
		"linux":   {ProfileName: "linux", TargetCount: 2, Requires1GHugepages: 1},
		"windows": {ProfileName: "windows", TargetCount: 1, Requires1GHugepages: 1},
	}
	p, err := New(profiles, Toggles{
		Available1GHugepages: 10,
		BaseImageMaxAge:      24 * time.Hour,
	})
	require.NoError(t, err)
	setFreshSnapshots(p, now)
	p.SetRunners(buildTestRunners(now, nil))

	override, err := p.TryOverride(map[string]int{"windows": 20})
	require.NoError(t, err)
	require.NotNil(t, override)

	// linux (unrequested) is cut to its critical count of 0 first, then
	// windows is cut from the raw request of 20 down to the point where
	// 1 hugepage/runner fits the budget of 10.
	assert.Equal(t, map[string]int{"windows": 10}, override.ProfileOverrideCounts)
	assert.Equal(t, map[string]int{"linux": 0, "windows": 10}, override.ProfileTargetCounts)
}

func TestTryOverrideAdjustmentPrefersCuttingNonRequestedProfilesFirst(t *testing.T) {
	now := time.Now()
	profiles := map[string]settings.Profile{
		"b-common": {ProfileName: "b-common", TargetCount: 6, Requires1GHugepages: 1},
		"override": {ProfileName: "override", TargetCount: 0, Requires1GHugepages: 1},
	}
	p := newUnvalidatedPolicy(profiles, Toggles{
		Available1GHugepages: 6,
		BaseImageMaxAge:      24 * time.Hour,
	})
	setFreshSnapshots(p, now)
	p.SetRunners(buildTestRunners(now, nil))

	override, err := p.TryOverride(map[string]int{"override": 4})
	require.NoError(t, err)
	require.NotNil(t, override)

	// b-common (unrequested) is cut from 6 down to 2 to make room; the
	// override profile's granted extra is never touched, since shrinking
	// always prefers non-requested profiles first.
	assert.Equal(t, map[string]int{"override": 4}, override.ProfileOverrideCounts)
	assert.Equal(t, map[string]int{"b-common": 2, "override": 4}, override.ProfileTargetCounts)
}

// TestTryOverrideAdjustedForCriticalRunners ports the reference
// implementation's worked example: a linux/windows/macos/wpt profile set
// with two runners already critical (one busy, one reserved), overridden
// with a request far beyond the hugepage budget. The resulting override
// must claim a runner count reduced only by the budget loop, not the raw
// per-profile extra, and the target scenario must cover every profile.
func TestTryOverrideAdjustedForCriticalRunners(t *testing.T) {
	now := time.Now()
	oneGig := mustMemorySize(t, "1G")
	profiles := map[string]settings.Profile{
		"linux":   {ProfileName: "linux", TargetCount: 2, Requires1GHugepages: 24, RequiresNormalMemory: oneGig},
		"windows": {ProfileName: "windows", TargetCount: 1, Requires1GHugepages: 24, RequiresNormalMemory: oneGig},
		"macos":   {ProfileName: "macos", TargetCount: 1, Requires1GHugepages: 24, RequiresNormalMemory: oneGig},
		"wpt":     {ProfileName: "wpt", TargetCount: 0, Requires1GHugepages: 12, RequiresNormalMemory: oneGig},
	}
	p, err := New(profiles, Toggles{
		Available1GHugepages:  96,
		AvailableNormalMemory: mustMemorySize(t, "64G"),
		BaseImageMaxAge:       24 * time.Hour,
	})
	require.NoError(t, err)
	setFreshSnapshots(p, now)

	specs := []testRunnerSpec{
		{id: 0, profile: "linux", registered: true, hasGuest: true, online: true},
		{id: 1, profile: "linux", registered: true, hasGuest: true, online: true, busy: true},
		{id: 2, profile: "windows", registered: true, hasGuest: true, reservedAgo: 5 * time.Second},
		{id: 3, profile: "macos", registered: true, hasGuest: true, online: true},
	}
	p.SetRunners(buildTestRunners(now, specs))

	// Requests that would exceed available resources when taken alone are
	// still acceptable: the adjustment loop claws them back instead of
	// rejecting the request outright.
	override, err := p.TryOverride(map[string]int{"wpt": 9})
	require.NoError(t, err)
	require.NotNil(t, override)

	assert.Equal(t, map[string]int{"wpt": 4}, override.ProfileOverrideCounts)
	assert.Equal(t, map[string]int{
		"linux":   1,
		"macos":   0,
		"windows": 1,
		"wpt":     4,
	}, override.ProfileTargetCounts)
	// No wpt runners exist yet to claim; updateOverrideInternalLocked still
	// seeds an empty claim set for the requested profile.
	assert.Equal(t, map[string]map[uint64]bool{"wpt": {}}, override.ActualRunnerIDsByProfile)

	// An override is already active; refuse a second request.
	_, err = p.TryOverride(map[string]int{"wpt": 8})
	assert.Error(t, err)
}

func TestCriticalRunnersNeverDestroyedEvenAtZeroTarget(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	profiles := map[string]settings.Profile{
		"wpt": {ProfileName: "wpt", TargetCount: 0},
	}
	p, err := New(profiles, Toggles{
		MonitorStartTimeout:   120 * time.Second,
		MonitorReserveTimeout: 200 * time.Second,
		BaseImageMaxAge:       24 * time.Hour,
	})
	require.NoError(t, err)
	setFreshSnapshots(p, now)

	specs := []testRunnerSpec{
		{id: 1, profile: "wpt", registered: true, hasGuest: true, online: true, busy: true},
		{id: 2, profile: "wpt", registered: true, hasGuest: true, online: true, reservedAgo: 5 * time.Second},
	}
	p.SetRunners(buildTestRunners(now, specs))

	changes, err := p.computeRunnerChangesLocked(now)
	require.NoError(t, err)
	assert.Empty(t, changes.DestroyIDs)
	assert.Equal(t, 2, p.criticalRunnerCountLocked(profiles["wpt"]))
}

func TestTryOverrideRejectsWhenOneAlreadyActive(t *testing.T) {
	now := time.Now()
	profiles := map[string]settings.Profile{
		"linux": {ProfileName: "linux", TargetCount: 1},
	}
	p, err := New(profiles, Toggles{BaseImageMaxAge: 24 * time.Hour})
	require.NoError(t, err)
	setFreshSnapshots(p, now)
	p.SetRunners(buildTestRunners(now, nil))

	_, err = p.TryOverride(map[string]int{"linux": 5})
	require.NoError(t, err)

	_, err = p.TryOverride(map[string]int{"linux": 9})
	assert.Error(t, err)
}

func TestTryOverrideRejectsMeaninglessRequest(t *testing.T) {
	now := time.Now()
	profiles := map[string]settings.Profile{
		"linux": {ProfileName: "linux", TargetCount: 5},
	}
	p, err := New(profiles, Toggles{BaseImageMaxAge: 24 * time.Hour})
	require.NoError(t, err)
	setFreshSnapshots(p, now)
	p.SetRunners(buildTestRunners(now, nil))

	_, err = p.TryOverride(map[string]int{"linux": 3})
	assert.Error(t, err)
}
