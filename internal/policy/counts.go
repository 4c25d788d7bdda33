package policy

import (
	"time"

	"github.com/jeffvincent/ci-runner-monitor/internal/runner"
	"github.com/jeffvincent/ci-runner-monitor/internal/settings"
)

// Counts reports the current dashboard counters for profileKey. Safe to
// call concurrently with SetRunners.
func (p *Policy) Counts(profileKey string) Counts {
	p.mu.RLock()
	defer p.mu.RUnlock()
	profile, ok := p.profiles[profileKey]
	if !ok {
		return Counts{}
	}
	now := time.Now()
	var imageAge *time.Duration
	if age, ok := p.imageAgeLocked(profile); ok {
		imageAge = &age
	}
	return Counts{
		Target:           p.targetRunnerCountLocked(profile, now),
		Healthy:          p.healthyRunnerCountLocked(profile),
		StartedOrCrashed: p.countByStatusLocked(profile, runner.StatusStartedOrCrashed),
		Idle:             p.countByStatusLocked(profile, runner.StatusIdle),
		Reserved:         p.countByStatusLocked(profile, runner.StatusReserved),
		Busy:             p.countByStatusLocked(profile, runner.StatusBusy),
		ExcessHealthy:    p.excessHealthyRunnerCountLocked(profile, now),
		Wanted:           p.wantedRunnerCountLocked(profile, now),
		ImageAge:         imageAge,
	}
}

// ImageNeedsRebuild reports (needsRebuild, known) for a profile by key, for
// use by the ImageBuilder's candidate-selection pass.
func (p *Policy) ImageNeedsRebuild(profileKey string) (needsRebuild, known bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	profile, ok := p.profiles[profileKey]
	if !ok {
		return false, true
	}
	return p.imageNeedsRebuildLocked(profile, time.Now())
}

func (p *Policy) runnersForProfileLocked(profileName string) []*runner.Runner {
	if p.runners == nil {
		return nil
	}
	var out []*runner.Runner
	for _, id := range p.runners.ForProfile(profileName) {
		r, _ := p.runners.Get(id)
		out = append(out, r)
	}
	return out
}

func (p *Policy) countByStatusLocked(profile settings.Profile, status runner.Status) int {
	count := 0
	for _, r := range p.runnersForProfileLocked(profile.ProfileName) {
		if r.Status() == status {
			count++
		}
	}
	return count
}

func (p *Policy) idleRunnerIDsForProfileLocked(profileKey string) []uint64 {
	var ids []uint64
	for _, r := range p.runnersForProfileLocked(profileKey) {
		if r.Status() == runner.StatusIdle {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// healthyRunnerCountLocked sums every status except Invalid (and
// untracked, which never appears in a Runners view).
func (p *Policy) healthyRunnerCountLocked(profile settings.Profile) int {
	count := 0
	for _, r := range p.runnersForProfileLocked(profile.ProfileName) {
		if r.Status().IsHealthy() {
			count++
		}
	}
	return count
}

func (p *Policy) criticalRunnerCountLocked(profile settings.Profile) int {
	return p.countByStatusLocked(profile, runner.StatusBusy) + p.countByStatusLocked(profile, runner.StatusReserved)
}

func (p *Policy) excessHealthyRunnerCountLocked(profile settings.Profile, now time.Time) int {
	healthy := p.healthyRunnerCountLocked(profile)
	target := p.targetRunnerCountLocked(profile, now)
	if healthy > target {
		return healthy - target
	}
	return 0
}

func (p *Policy) wantedRunnerCountLocked(profile settings.Profile, now time.Time) int {
	target := p.targetRunnerCountLocked(profile, now)
	healthy := p.healthyRunnerCountLocked(profile)
	if target > healthy {
		return target - healthy
	}
	return 0
}

// targetRunnerCountLocked is the profile's effective target count for this
// tick: zero under the global kill switch or an unresolved/needed image
// rebuild, otherwise the active Override's target (if any) or the static
// configuration.
func (p *Policy) targetRunnerCountLocked(profile settings.Profile, now time.Time) int {
	if p.toggles.DontCreateRunners {
		return 0
	}
	needsRebuild, known := p.imageNeedsRebuildLocked(profile, now)
	if !known || needsRebuild {
		return 0
	}
	return p.targetRunnerCountWithOverrideLocked(profile)
}

func (p *Policy) targetRunnerCountWithOverrideLocked(profile settings.Profile) int {
	if p.currentOverride != nil {
		if count, ok := p.currentOverride.ProfileTargetCounts[profile.ProfileName]; ok {
			return count
		}
		return 0
	}
	return profile.TargetCount
}

// imageNeedsRebuildLocked reports (needsRebuild, known). known is false
// when the image age can't currently be determined (no snapshot yet) and
// the target count is non-zero: the caller must then treat the target as
// zero, erring on the side of caution exactly as image_needs_rebuild does.
func (p *Policy) imageNeedsRebuildLocked(profile settings.Profile, now time.Time) (needsRebuild, known bool) {
	if p.targetRunnerCountWithOverrideLocked(profile) == 0 {
		return false, true
	}
	age, ok := p.imageAgeLocked(profile)
	if !ok {
		return true, false
	}
	return age > p.toggles.BaseImageMaxAge, true
}

func (p *Policy) imageAgeLocked(profile settings.Profile) (time.Duration, bool) {
	snapshot, ok := p.baseImageSnapshots[profile.ProfileName]
	if !ok {
		return 0, false
	}
	createdAt, err := time.Parse(time.RFC3339Nano, snapshot)
	if err != nil {
		return 0, false
	}
	return time.Since(createdAt), true
}
