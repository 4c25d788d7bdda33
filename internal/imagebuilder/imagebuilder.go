// Package imagebuilder drives the shared repo-refresh step and the
// per-profile base-image rebuild pipeline. Grounded on the reference
// implementation's image.rs Rebuilds type, translated from
// std::thread::JoinHandle polling to goroutines reporting onto buffered
// "done" channels, which is this codebase's idiom for a fire-and-reap
// background job (see hypervisor.ActorAdapter's request/reply channels for
// the sibling pattern).
package imagebuilder

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jeffvincent/ci-runner-monitor/internal/policy"
	"github.com/jeffvincent/ci-runner-monitor/internal/settings"
	"github.com/jeffvincent/ci-runner-monitor/internal/store"
)

// job is a running background task with a channel that receives exactly one
// error (nil on success) when the task completes.
type job struct {
	done chan error
	err  error
	over bool
}

func startJob(fn func() error) *job {
	j := &job{done: make(chan error, 1)}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				j.done <- fmt.Errorf("imagebuilder: job panicked: %v", r)
			}
		}()
		j.done <- fn()
	}()
	return j
}

// reap returns (finished, err). If not finished, the job is left running.
func (j *job) reap() (bool, error) {
	if j.over {
		return true, j.err
	}
	select {
	case err := <-j.done:
		j.over = true
		j.err = err
		return true, err
	default:
		return false, nil
	}
}

// rebuild tracks one profile's in-flight image-rebuild job.
type rebuild struct {
	job          *job
	snapshotName string
}

// Builder is the ImageBuilder state machine: at most one repo-refresh job
// and at most one rebuild job per profile.
type Builder struct {
	libDir       string
	mainRepoPath string
	store        *store.Store
	policy       *policy.Policy
	log          *zap.Logger

	repoRefresh *job
	rebuilds    map[string]*rebuild

	// Overridable for tests; default to the real git/build-script runners.
	refreshFn func(mainRepoPath string) error
	buildFn   func(scriptPath, snapshotName string) error
}

// New constructs a Builder. Each profile's build script is
// <LibDir>/<configuration_name>/build-image.sh.
func New(cfg *settings.Settings, st *store.Store, pol *policy.Policy, log *zap.Logger) *Builder {
	return &Builder{
		libDir:       cfg.LibDir(),
		mainRepoPath: cfg.Env.MainRepoPath,
		store:        st,
		policy:       pol,
		log:          log,
		rebuilds:     map[string]*rebuild{},
		refreshFn:    refreshRepo,
		buildFn:      runBuildScript,
	}
}

// RunnerCounter reports how many runners currently exist for a profile; a
// rebuild never starts while this is nonzero. Implemented by the
// supervisor's runnerCounterAdapter (ForProfile's length over a
// *runner.Runners view), kept as an interface here to avoid an import cycle
// between imagebuilder and runner.
type RunnerCounter interface {
	RunnerCountForProfile(profileKey string) int
}

// Tick runs one iteration of the §4.8 algorithm: reap the repo-refresh job,
// compute rebuild candidates, spawn either the repo-refresh or per-profile
// rebuilds, then reap completed rebuilds.
func (b *Builder) Tick(counts RunnerCounter) {
	justRefreshed := b.reapRepoRefresh()

	candidates := map[string]settings.Profile{}
	for key, profile := range b.policy.Profiles() {
		needsRebuild, known := b.policy.ImageNeedsRebuild(key)
		if known && !needsRebuild {
			continue
		}
		if !known {
			b.log.Info("profile image rebuild status unknown", zap.String("profile", key))
		}
		if b.repoRefresh != nil {
			b.log.Info("profile needs rebuild; repo refresh still running", zap.String("profile", key))
			continue
		}
		if _, inFlight := b.rebuilds[key]; inFlight {
			b.log.Info("profile needs rebuild; rebuild already running", zap.String("profile", key))
			continue
		}
		if n := counts.RunnerCountForProfile(key); n > 0 {
			b.log.Info("profile needs rebuild; waiting for runners to drain", zap.String("profile", key), zap.Int("runner_count", n))
			continue
		}
		candidates[key] = profile
	}

	if len(b.rebuilds) == 0 && len(candidates) > 0 && !justRefreshed {
		b.log.Info("updating cached repo before starting image rebuilds")
		mainRepoPath := b.mainRepoPath
		b.repoRefresh = startJob(func() error { return b.refreshFn(mainRepoPath) })
		return
	}

	for key, profile := range candidates {
		b.spawnRebuild(key, profile)
	}

	b.reapRebuilds()
}

func (b *Builder) reapRepoRefresh() bool {
	if b.repoRefresh == nil {
		return false
	}
	finished, err := b.repoRefresh.reap()
	if !finished {
		return false
	}
	b.repoRefresh = nil
	if err != nil {
		b.log.Error("repo refresh failed", zap.Error(err))
		return false
	}
	b.log.Info("repo refresh finished")
	return true
}

func (b *Builder) spawnRebuild(profileKey string, profile settings.Profile) {
	snapshotName := time.Now().UTC().Format(time.RFC3339Nano)
	scriptPath := filepath.Join(b.libDir, profile.ConfigurationName, "build-image.sh")
	b.log.Info("starting image rebuild", zap.String("profile", profileKey), zap.String("snapshot", snapshotName))

	b.rebuilds[profileKey] = &rebuild{
		snapshotName: snapshotName,
		job: startJob(func() error {
			return b.buildFn(scriptPath, snapshotName)
		}),
	}
}

func (b *Builder) reapRebuilds() {
	for key, rb := range b.rebuilds {
		finished, err := rb.job.reap()
		if !finished {
			continue
		}
		delete(b.rebuilds, key)
		if err != nil {
			b.log.Error("image rebuild failed", zap.String("profile", key), zap.Error(err))
			continue
		}
		if err := store.AtomicSymlink(rb.snapshotName, filepath.Join(b.store.ProfileDir(key), "snapshot")); err != nil {
			b.log.Error("failed to publish base image snapshot symlink", zap.String("profile", key), zap.Error(err))
			continue
		}
		b.policy.SetBaseImageSnapshot(key, rb.snapshotName)
		b.log.Info("image rebuild finished", zap.String("profile", key), zap.String("snapshot", rb.snapshotName))
	}
}

func refreshRepo(mainRepoPath string) error {
	for _, args := range [][]string{
		{"-C", mainRepoPath, "reset", "--hard"},
		{"-C", mainRepoPath, "fetch", "origin", "main"},
		{"-C", mainRepoPath, "switch", "--detach", "FETCH_HEAD"},
	} {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
		cancel()
		if err != nil {
			return fmt.Errorf("imagebuilder: git %v: %w: %s", args, err, out)
		}
	}
	return nil
}

func runBuildScript(scriptPath, snapshotName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()
	out, err := exec.CommandContext(ctx, scriptPath, snapshotName).CombinedOutput()
	if err != nil {
		return fmt.Errorf("imagebuilder: %s %s: %w: %s", scriptPath, snapshotName, err, out)
	}
	return nil
}
