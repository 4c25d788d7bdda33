// Package policy implements the reconciliation decision engine: given the
// current Runners view, it decides which runners to destroy and how many
// to create per profile, subject to resource budgets, per-runner timeouts,
// and the preservation of critical (busy/reserved) runners. Ported from
// Policy/compute_runner_changes/adjust_runner_counts_for_resource_limits in
// the reference implementation's policy.rs.
package policy

import (
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/jeffvincent/ci-runner-monitor/internal/policyerr"
	"github.com/jeffvincent/ci-runner-monitor/internal/runner"
	"github.com/jeffvincent/ci-runner-monitor/internal/settings"
)

// RunnerChanges is the outcome of one reconciliation decision.
type RunnerChanges struct {
	DestroyIDs   []uint64
	CreateCounts map[string]int
}

// IsEmpty reports whether this RunnerChanges requires no action.
func (rc RunnerChanges) IsEmpty() bool {
	if len(rc.DestroyIDs) != 0 {
		return false
	}
	for _, n := range rc.CreateCounts {
		if n != 0 {
			return false
		}
	}
	return true
}

// Hash returns a stable hash of this decision. The supervisor logs it as
// the "generation" field of its "computed runner changes" line; the
// dashboard does not include it.
func (rc RunnerChanges) Hash() (uint64, error) {
	return hashstructure.Hash(rc, hashstructure.FormatV2, nil)
}

// Counts is the set of per-profile counters the dashboard surfaces.
type Counts struct {
	Target           int
	Healthy          int
	StartedOrCrashed int
	Idle             int
	Reserved         int
	Busy             int
	ExcessHealthy    int
	Wanted           int
	ImageAge         *time.Duration
}

// Policy holds the engine's in-memory state: static profile configuration,
// the current base-image snapshot per profile, the latest Runners view, and
// at most one active Override.
type Policy struct {
	mu sync.RWMutex

	profiles map[string]settings.Profile
	toggles  Toggles

	baseImageSnapshots map[string]string
	runners            *runner.Runners
	currentOverride    *Override
}

// Toggles are the subset of process settings that affect decisions:
// budgets and the three operator kill-switches.
type Toggles struct {
	Available1GHugepages     int
	AvailableNormalMemory    settings.MemorySize
	BaseImageMaxAge          time.Duration
	MonitorStartTimeout      time.Duration
	MonitorReserveTimeout    time.Duration
	DestroyAllNonBusyRunners bool
	DontRegisterRunners      bool
	DontCreateRunners        bool
}

// New constructs a Policy and validates that the static target counts fit
// within the configured resource budgets.
func New(profiles map[string]settings.Profile, toggles Toggles) (*Policy, error) {
	p := &Policy{
		profiles:           profiles,
		toggles:            toggles,
		baseImageSnapshots: map[string]string{},
	}

	targets := make(map[string]int, len(profiles))
	for key, profile := range profiles {
		targets[key] = profile.TargetCount
	}
	if err := p.validateResourceRequirements(targets); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) validateResourceRequirements(targetCounts map[string]int) error {
	var hugepages int
	var memory settings.MemorySize
	for key, profile := range p.profiles {
		count := targetCounts[key]
		hugepages += count * profile.Requires1GHugepages
		memory += profile.RequiresNormalMemory.Mul(count)
	}
	if hugepages > p.toggles.Available1GHugepages {
		return policyerr.NewConfigError("profile configuration requires too many 1G hugepages (%d > %d)", hugepages, p.toggles.Available1GHugepages)
	}
	if memory > p.toggles.AvailableNormalMemory {
		return policyerr.NewConfigError("profile configuration requires too much normal memory (%s > %s)", memory, p.toggles.AvailableNormalMemory)
	}
	return nil
}

// SetBaseImageSnapshot records the published snapshot id for a profile.
func (p *Policy) SetBaseImageSnapshot(profileKey, snapshotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseImageSnapshots[profileKey] = snapshotID
}

// BaseImageSnapshot returns the currently published snapshot id for a
// profile, if any.
func (p *Policy) BaseImageSnapshot(profileKey string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.baseImageSnapshots[profileKey]
	return s, ok
}

// SetRunners installs a freshly built Runners view, then updates the active
// Override's claimed-runner bookkeeping.
func (p *Policy) SetRunners(runners *runner.Runners) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runners = runners
	p.updateOverrideInternalLocked(time.Now())
}

// HasRunners reports whether a Runners view has been installed yet.
func (p *Policy) HasRunners() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.runners != nil
}

// Profiles returns the static profile configuration, keyed by profile name.
func (p *Policy) Profiles() map[string]settings.Profile {
	return p.profiles
}

// ComputeRunnerChanges runs the full §4.6 decision algorithm against the
// currently installed Runners view.
func (p *Policy) ComputeRunnerChanges() (RunnerChanges, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.computeRunnerChangesLocked(time.Now())
}

func (p *Policy) computeRunnerChangesLocked(now time.Time) (RunnerChanges, error) {
	if p.runners == nil {
		return RunnerChanges{}, policyerr.ErrTransientUnavailable
	}

	result := RunnerChanges{CreateCounts: map[string]int{}}

	proposedHealthyDestroyCounts := make(map[string]int, len(p.profiles))
	for key := range p.profiles {
		proposedHealthyDestroyCounts[key] = 0
	}

	for _, id := range p.runners.IDs() {
		r, _ := p.runners.Get(id)
		if r.Status() == runner.StatusInvalid {
			result.DestroyIDs = append(result.DestroyIDs, id)
		}
	}

	for _, id := range p.runners.IDs() {
		r, _ := p.runners.Get(id)
		destroy := false
		switch {
		case r.Status() == runner.StatusDoneOrUnregistered && !p.toggles.DontRegisterRunners:
			destroy = true
		case r.Status() == runner.StatusStartedOrCrashed && r.Age(now) > p.toggles.MonitorStartTimeout:
			destroy = true
		case r.Status() == runner.StatusReserved:
			if reservedFor, ok := r.ReservedFor(now); ok && reservedFor > p.toggles.MonitorReserveTimeout {
				destroy = true
			} else if !ok {
				destroy = true
			}
		}
		if destroy {
			result.DestroyIDs = append(result.DestroyIDs, id)
			proposedHealthyDestroyCounts[r.ProfileName]++
		}
	}

	for key, profile := range p.profiles {
		excess := p.excessHealthyRunnerCountLocked(profile, now)
		excess -= proposedHealthyDestroyCounts[key]
		if excess < 0 {
			excess = 0
		}
		idleIDs := p.idleRunnerIDsForProfileLocked(key)
		for i := 0; i < excess && i < len(idleIDs); i++ {
			result.DestroyIDs = append(result.DestroyIDs, idleIDs[i])
		}
	}

	scenario := map[string]int{}
	profileTargetCounts := map[string]int{}
	profileWantedCounts := map[string]int{}
	for key, profile := range p.profiles {
		target := p.targetRunnerCountLocked(profile, now)
		critical := p.criticalRunnerCountLocked(profile)
		scenarioCount := target
		if critical > scenarioCount {
			scenarioCount = critical
		}
		scenario[key] = scenarioCount
		profileTargetCounts[key] = target
		profileWantedCounts[key] = p.wantedRunnerCountLocked(profile, now)
	}

	p.adjustRunnerCountsForResourceLimits(scenario, profileTargetCounts, profileWantedCounts)

	for key, wanted := range profileWantedCounts {
		result.CreateCounts[key] = wanted
	}

	if len(result.DestroyIDs) > 0 {
		for key := range result.CreateCounts {
			result.CreateCounts[key] = 0
		}
	}

	return result, nil
}

// adjustRunnerCountsForResourceLimits mutates scenario, adjustedCounts, and
// extraCounts in place until scenario fits the configured budgets or no
// further adjustment is possible. Shared verbatim (as an algorithm) between
// ComputeRunnerChanges and TryOverride, matching
// adjust_runner_counts_for_resource_limits in policy.rs. A profile "has
// requested" extra capacity when extraCounts[key] > 0 — the first pass
// shrinks every other profile's scenario count before touching those.
func (p *Policy) adjustRunnerCountsForResourceLimits(scenario, adjustedCounts, extraCounts map[string]int) {
	for !p.validateScenario(scenario) {
		candidates := sortedByCountDescendingThenNameDescending(scenario)

		progressed := false
		for _, key := range candidates {
			if extraCounts[key] > 0 {
				continue
			}
			if scenario[key] > p.criticalRunnerCountLocked(p.profiles[key]) {
				scenario[key]--
				progressed = true
				break
			}
		}
		if progressed {
			continue
		}

		for _, key := range candidates {
			if extraCounts[key] <= 0 {
				continue
			}
			if scenario[key] <= p.criticalRunnerCountLocked(p.profiles[key]) {
				continue
			}
			scenario[key]--
			adjustedCounts[key]--
			extraCounts[key]--
			progressed = true
			break
		}
		if !progressed {
			return
		}
	}
}

// sortedByCountDescendingThenNameDescending orders profile keys by scenario
// count descending, breaking ties by name descending (reverse
// lexicographic) — this bleeds commonly-sized pools before niche ones.
func sortedByCountDescendingThenNameDescending(scenario map[string]int) []string {
	keys := make([]string, 0, len(scenario))
	for k := range scenario {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if scenario[keys[i]] != scenario[keys[j]] {
			return scenario[keys[i]] > scenario[keys[j]]
		}
		return keys[i] > keys[j]
	})
	return keys
}

func (p *Policy) validateScenario(scenario map[string]int) bool {
	return p.validateResourceRequirements(scenario) == nil
}
