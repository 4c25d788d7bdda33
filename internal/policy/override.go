package policy

import (
	"time"

	"github.com/google/uuid"

	"github.com/jeffvincent/ci-runner-monitor/internal/policyerr"
	"github.com/jeffvincent/ci-runner-monitor/internal/runner"
)

// Override is an operator-requested temporary scaling overlay. At most one
// is active at a time; it claims idle runners as they appear and clears
// itself once every profile's override count has been satisfied by runners
// that still exist. ID correlates this override across dashboard polls and
// log lines spanning its whole lifetime (request, claims, cancellation).
type Override struct {
	ID                       string
	ProfileOverrideCounts    map[string]int
	ProfileTargetCounts      map[string]int
	ActualRunnerIDsByProfile map[string]map[uint64]bool
}

// TryOverride attempts to install a new override requesting the given
// per-profile total runner counts (absolute, not added to each profile's
// current target). It
// follows the seven-step validation in the design notes: a fresh Runners
// view is required, only one override may be active at a time, the request
// must be non-empty, must not be entirely absorbed by slack already present,
// and must still request something after the resource-limit adjustment pass
// runs against the proposed scenario.
func (p *Policy) TryOverride(counts map[string]int) (*Override, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.runners == nil {
		return nil, policyerr.ErrTransientUnavailable
	}
	if p.currentOverride != nil {
		return nil, policyerr.NewOverrideRejected(policyerr.OverrideReasonBusy, "an override is already active")
	}
	if len(counts) == 0 {
		return nil, policyerr.NewOverrideRejected(policyerr.OverrideReasonEmpty, "no profiles requested")
	}

	now := time.Now()

	extraCounts := make(map[string]int, len(counts))
	proposedTargets := make(map[string]int, len(p.profiles))
	for key, profile := range p.profiles {
		proposedTargets[key] = p.targetRunnerCountLocked(profile, now)
	}

	// requestedCounts mirrors the original (unfloored) request, keyed only
	// by the profiles the caller actually named — this becomes
	// ProfileOverrideCounts below, matching adjusted_override_counts in the
	// reference implementation, which is a clone of the raw request map.
	// It differs from extraCounts (the request's delta above each profile's
	// current target, used only to pick adjustment candidates) whenever
	// that current target is non-zero.
	requestedCounts := make(map[string]int, len(counts))

	totalExtra := 0
	for key, requested := range counts {
		profile, ok := p.profiles[key]
		if !ok {
			continue
		}
		base := p.targetRunnerCountLocked(profile, now)
		extra := requested - base
		if extra < 0 {
			extra = 0
		}
		extraCounts[key] = extra
		proposedTargets[key] = requested
		requestedCounts[key] = requested
		totalExtra += extra
	}
	if totalExtra == 0 {
		return nil, policyerr.NewOverrideRejected(policyerr.OverrideReasonMeaningless, "requested counts add no capacity beyond current targets")
	}

	scenario := make(map[string]int, len(p.profiles))
	for key, profile := range p.profiles {
		target := proposedTargets[key]
		critical := p.criticalRunnerCountLocked(profile)
		if critical > target {
			target = critical
		}
		scenario[key] = target
	}

	p.adjustRunnerCountsForResourceLimits(scenario, requestedCounts, extraCounts)

	remainingExtra := 0
	for _, v := range extraCounts {
		remainingExtra += v
	}
	if remainingExtra == 0 {
		return nil, policyerr.NewOverrideRejected(policyerr.OverrideReasonAdjustedAway, "resource limits absorbed all requested extra capacity")
	}

	// scenario has by now been shrunk in place to the final per-profile
	// target (both branches of the shared adjustment loop decrement it),
	// matching profile_target_counts in the reference implementation.
	// requestedCounts has only been shrunk by the loop's second branch, the
	// one that applies to caller-requested profiles, matching
	// adjusted_override_counts there.
	override := &Override{
		ID:                       uuid.NewString(),
		ProfileOverrideCounts:    requestedCounts,
		ProfileTargetCounts:      scenario,
		ActualRunnerIDsByProfile: map[string]map[uint64]bool{},
	}
	p.currentOverride = override
	p.updateOverrideInternalLocked(now)
	return override, nil
}

// CancelOverride clears the active override, if any.
func (p *Policy) CancelOverride() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentOverride = nil
}

// CurrentOverride returns the active override, if any.
func (p *Policy) CurrentOverride() *Override {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentOverride
}

// updateOverrideInternalLocked claims idle runners toward the active
// override's per-profile counts, then clears the override entirely once it
// has finished (every claimed id still exists and every count is met).
func (p *Policy) updateOverrideInternalLocked(now time.Time) {
	o := p.currentOverride
	if o == nil || p.runners == nil {
		return
	}

	for profileName, wanted := range o.ProfileOverrideCounts {
		claimed, ok := o.ActualRunnerIDsByProfile[profileName]
		if !ok {
			claimed = map[uint64]bool{}
			o.ActualRunnerIDsByProfile[profileName] = claimed
		}
		for id := range claimed {
			if _, stillExists := p.runners.Get(id); !stillExists {
				delete(claimed, id)
			}
		}
		if len(claimed) >= wanted {
			continue
		}
		for _, id := range p.idleRunnerIDsForProfileLocked(profileName) {
			if len(claimed) >= wanted {
				break
			}
			if claimed[id] {
				continue
			}
			claimed[id] = true
		}
	}

	if p.overrideIsFinishedLocked() {
		p.currentOverride = nil
	}
}

func (p *Policy) overrideIsFinishedLocked() bool {
	o := p.currentOverride
	if o == nil {
		return false
	}
	for profileName, wanted := range o.ProfileOverrideCounts {
		claimed := o.ActualRunnerIDsByProfile[profileName]
		if len(claimed) < wanted {
			return false
		}
		for id := range claimed {
			r, ok := p.runners.Get(id)
			if !ok {
				return false
			}
			if r.Status() != runner.StatusIdle && !r.Status().IsCritical() {
				return false
			}
		}
	}
	return true
}
