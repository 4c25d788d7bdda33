package policy

import (
	"time"

	"github.com/jeffvincent/ci-runner-monitor/internal/policyerr"
	"github.com/jeffvincent/ci-runner-monitor/internal/runner"
)

// RunnerSummary is the per-runner detail the control plane's dashboard
// endpoint surfaces, independent of the internal runner.Runner shape.
type RunnerSummary struct {
	ID          uint64
	ProfileName string
	Status      string
	AgeSeconds  float64
	Reserved    bool
}

// RunnerSummaries returns a summary of every currently tracked runner,
// sorted by id. Returns nil if no Runners view has been installed yet.
func (p *Policy) RunnerSummaries() []RunnerSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.runners == nil {
		return nil
	}

	now := time.Now()
	ids := p.runners.IDs()
	out := make([]RunnerSummary, 0, len(ids))
	for _, id := range ids {
		r, ok := p.runners.Get(id)
		if !ok {
			continue
		}
		out = append(out, RunnerSummary{
			ID:          id,
			ProfileName: r.ProfileName,
			Status:      r.Status().String(),
			AgeSeconds:  r.Age(now).Seconds(),
			Reserved:    r.Reservation != nil,
		})
	}
	return out
}

// Reserve validates that id refers to a currently tracked runner, taking
// the same writer lock as ComputeRunnerChanges and TryOverride so a
// reservation decision serializes against in-flight reconciliation per the
// concurrency model. The caller is responsible for writing the actual
// reservation marker; this only answers "does this id exist right now".
func (p *Policy) Reserve(id uint64) (*runner.Runner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runners == nil {
		return nil, policyerr.ErrTransientUnavailable
	}
	r, ok := p.runners.Get(id)
	if !ok {
		return nil, policyerr.ErrRunnerNotFound
	}
	return r, nil
}
