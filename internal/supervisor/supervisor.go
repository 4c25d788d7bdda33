// Package supervisor owns the per-tick reconciliation loop: it joins the
// three sources of truth into a fresh Runners view, feeds Policy, dispatches
// create/destroy workers for the resulting decision, drives the
// ImageBuilder, and answers to termination signals. Grounded on the
// reference implementation's main loop in monitor/src/main.rs and the
// signal-handling design note in the component spec (an atomic counter of
// 0/1/2/3+, no cancellation tokens).
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jeffvincent/ci-runner-monitor/internal/hypervisor"
	"github.com/jeffvincent/ci-runner-monitor/internal/imagebuilder"
	"github.com/jeffvincent/ci-runner-monitor/internal/policy"
	"github.com/jeffvincent/ci-runner-monitor/internal/policyerr"
	"github.com/jeffvincent/ci-runner-monitor/internal/registryclient"
	"github.com/jeffvincent/ci-runner-monitor/internal/runner"
	"github.com/jeffvincent/ci-runner-monitor/internal/settings"
	"github.com/jeffvincent/ci-runner-monitor/internal/store"
)

// signalState mirrors the design note's {0,1,2,3+} counter: 0 is normal
// operation, 1 stops accepting new create work (in-flight jobs drain), 2
// abandons in-flight destroys, 3+ exits immediately.
type signalState = int32

const (
	stateNormal signalState = iota
	stateDrainCreates
	stateAbandonDestroys
	stateExitImmediately
)

// IPRecorder is the narrow slice of *controlplane.Server the supervisor
// needs to keep guest-IP source gating current: recording the last-seen
// IPv4 of each runner guest and each profile's rebuild/template guest so
// the control plane's guest-facing endpoints can source-IP-gate against
// them. Kept as an interface (rather than importing controlplane) to
// avoid a supervisor<->controlplane import cycle; nil is accepted and
// simply skips IP recording (e.g. in tests with no attached server).
type IPRecorder interface {
	RecordRunnerIPv4(id uint64, ip string)
	RecordGuestIPv4(profileKey, ip string)
}

// Supervisor runs the reconciliation tick loop.
type Supervisor struct {
	cfg        *settings.Settings
	store      *store.Store
	registry   registryclient.Provider
	adapter    hypervisor.Adapter
	policy     *policy.Policy
	images     *imagebuilder.Builder
	idGen      *store.IdGen
	ipRecorder IPRecorder
	log        *zap.Logger

	sig int32 // atomic signalState

	mu          sync.Mutex
	createJobs  map[string][]*runnerJob // profile -> in-flight create jobs
	destroyJobs []*runnerJob
	prefix      string
}

type runnerJob struct {
	done chan error
	err  error
	over bool
}

func startRunnerJob(fn func() error) *runnerJob {
	j := &runnerJob{done: make(chan error, 1)}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				j.done <- fmt.Errorf("worker panicked: %v", r)
			}
		}()
		j.done <- fn()
	}()
	return j
}

func (j *runnerJob) reap() (bool, error) {
	if j.over {
		return true, j.err
	}
	select {
	case err := <-j.done:
		j.over, j.err = true, err
		return true, err
	default:
		return false, nil
	}
}

// New constructs a Supervisor from its already-initialized collaborators.
// ipRecorder may be nil, in which case guest IPv4 recording is skipped.
func New(cfg *settings.Settings, st *store.Store, registry registryclient.Provider, adapter hypervisor.Adapter, pol *policy.Policy, images *imagebuilder.Builder, idGen *store.IdGen, ipRecorder IPRecorder, log *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		store:      st,
		registry:   registry,
		adapter:    adapter,
		policy:     pol,
		images:     images,
		idGen:      idGen,
		ipRecorder: ipRecorder,
		log:        log,
		createJobs: map[string][]*runnerJob{},
		prefix:     cfg.RunnerGuestPrefix() + "-",
	}
}

// ListenForSignals installs SIGINT/SIGTERM handling per the three-stage
// cancellation design: each additional signal advances the atomic counter,
// and the process exits immediately on the third.
func (s *Supervisor) ListenForSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range ch {
			state := atomic.AddInt32(&s.sig, 1)
			s.log.Warn("termination signal received", zap.Int32("state", state))
			if state >= stateExitImmediately {
				os.Exit(-1)
			}
		}
	}()
}

func (s *Supervisor) signalState() signalState {
	return atomic.LoadInt32(&s.sig)
}

// Run blocks, ticking every MonitorPollInterval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.adapter.Initialise(ctx); err != nil {
		return fmt.Errorf("supervisor: adapter initialise: %w", err)
	}

	ticker := time.NewTicker(s.cfg.Env.MonitorPollInterval)
	defer ticker.Stop()

	wake := s.startFSWatcher()

	for {
		if err := s.tick(ctx); err != nil {
			s.log.Error("tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// startFSWatcher watches the profiles directory, each profile's directory
// (where ImageBuilder swaps the snapshot symlink) and the runners directory,
// so a completed image rebuild or a runner directory being added or removed
// wakes the next tick early instead of waiting a full MonitorPollInterval.
// Files inside a runner directory, such as its reservation marker, are not
// watched. A watcher that fails to start just means the loop falls back to the
// plain poll interval; it is never fatal.
func (s *Supervisor) startFSWatcher() <-chan struct{} {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("fsnotify watcher unavailable; relying on poll interval only", zap.Error(err))
		return wake
	}

	s.watchKnownPaths(watcher)

	go func() {
		defer watcher.Close()
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				s.watchKnownPaths(watcher) // a profile dir may be new since last tick
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()

	return wake
}

func (s *Supervisor) watchKnownPaths(watcher *fsnotify.Watcher) {
	_ = watcher.Add(s.store.ProfilesDir())
	_ = watcher.Add(s.store.RunnersDir())

	entries, err := os.ReadDir(s.store.ProfilesDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		_ = watcher.Add(filepath.Join(s.store.ProfilesDir(), e.Name()))
	}
}

func (s *Supervisor) tick(ctx context.Context) error {
	runners, err := s.buildRunners(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: build runners: %w", err)
	}
	s.policy.SetRunners(runners)
	s.recordGuestIPv4s(ctx, runners)

	jobErr := multierr.Append(s.reapCreateJobs(), s.reapDestroyJobs())

	s.images.Tick(runnerCounterAdapter{runners})

	changes, err := s.policy.ComputeRunnerChanges()
	if err != nil {
		if err == policyerr.ErrTransientUnavailable {
			return nil
		}
		return fmt.Errorf("supervisor: compute runner changes: %w", err)
	}
	if !changes.IsEmpty() {
		if generation, hashErr := changes.Hash(); hashErr == nil {
			s.log.Info("computed runner changes",
				zap.Uint64("generation", generation),
				zap.Int("destroy_count", len(changes.DestroyIDs)),
				zap.Any("create_counts", changes.CreateCounts))
		}
	}

	state := s.signalState()

	if state < stateAbandonDestroys {
		for _, id := range changes.DestroyIDs {
			s.destroyJobs = append(s.destroyJobs, startRunnerJob(func() error {
				return s.destroyRunner(context.Background(), id, runners)
			}))
		}
	}

	if state < stateDrainCreates {
		for profileKey, count := range changes.CreateCounts {
			profile, ok := s.policy.Profiles()[profileKey]
			if !ok || count <= 0 {
				continue
			}
			for i := 0; i < count; i++ {
				s.createJobs[profileKey] = append(s.createJobs[profileKey], startRunnerJob(func() error {
					return s.createRunner(context.Background(), profile)
				}))
			}
		}
	}

	return jobErr
}

func (s *Supervisor) buildRunners(ctx context.Context) (*runner.Runners, error) {
	registrations, err := s.registry.ListRegisteredRunnersForHost(ctx)
	if err != nil {
		// Without registrations every guest would classify as
		// DoneOrUnregistered, so the tick is skipped and the Runners view
		// installed by the previous tick stays in place.
		return nil, policyerr.NewRegistryError("list_registered_runners", err)
	}

	guests, err := s.adapter.ListGuestsWithPrefix(ctx, s.cfg.RunnerGuestPrefix())
	if err != nil {
		s.log.Error("adapter list guests failed", zap.Error(err))
		guests = nil
	}

	guestIPv4 := make(map[string]net.IP, len(guests))
	for _, guestName := range guests {
		if ip, ok := s.adapter.GuestIPv4(ctx, guestName); ok {
			guestIPv4[guestName] = ip
		}
	}

	input := runner.BuildInput{
		Registrations: registrations,
		GuestNames:    guests,
		GuestIPv4:     guestIPv4,
		RunnerPrefix:  s.prefix,
		Now:           time.Now(),
	}
	return runner.Build(s.store, input)
}

// recordGuestIPv4s pushes every known runner guest's IPv4 (already resolved
// by buildRunners) and each profile's rebuild/template guest IPv4 (resolved
// here, since those guests have no Runner of their own) into the attached
// control plane, so its source-IP-gated guest endpoints stay current. A nil
// ipRecorder (no control plane attached, as in tests) is a no-op.
func (s *Supervisor) recordGuestIPv4s(ctx context.Context, runners *runner.Runners) {
	if s.ipRecorder == nil {
		return
	}

	for _, id := range runners.IDs() {
		r, _ := runners.Get(id)
		if r.IPv4 != nil {
			s.ipRecorder.RecordRunnerIPv4(id, r.IPv4.String())
		}
	}

	for profileKey, profile := range s.policy.Profiles() {
		for _, prefix := range [2]string{s.cfg.RebuildGuestPrefix(), s.cfg.TemplateGuestPrefix()} {
			guestName := profile.ProfileGuestName(prefix)
			if ip, ok := s.adapter.GuestIPv4(ctx, guestName); ok {
				s.ipRecorder.RecordGuestIPv4(profileKey, ip.String())
			}
		}
	}
}

func (s *Supervisor) destroyRunner(ctx context.Context, id uint64, runners *runner.Runners) error {
	r, ok := runners.Get(id)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Env.MonitorThreadRecvTimeout)
	defer cancel()

	if r.GuestName != "" {
		if err := s.adapter.DeleteGuest(ctx, r.GuestName); err != nil {
			return policyerr.NewAdapterError("delete_guest", err)
		}
	}
	if r.Registration != nil {
		if err := s.registry.UnregisterRunner(ctx, r.Registration.ID); err != nil {
			s.log.Warn("failed to unregister runner", zap.Uint64("id", id), zap.Error(err))
		}
	}
	if err := s.store.ClearReservation(id); err != nil {
		s.log.Warn("failed to clear reservation marker", zap.Uint64("id", id), zap.Error(err))
	}
	return s.store.RemoveRunnerDir(id)
}

// runnerWorkFolder is the GitHub Actions runner's standard relative work
// directory name, passed through to GenerateJitConfig's work_folder
// parameter (register_runner in github.rs plumbs this through verbatim;
// no profile-specific override exists anywhere in the reference config).
const runnerWorkFolder = "_work"

// createRunner mirrors register_create_runner in policy.rs: create the
// on-disk runner directory and manifest, symlink the profile's boot
// script in, register a just-in-time runner with the CI provider (unless
// DontRegisterRunners is set), persist the resulting config blob for the
// guest to fetch at boot, then define and start the guest itself.
func (s *Supervisor) createRunner(ctx context.Context, profile settings.Profile) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Env.MonitorThreadRecvTimeout)
	defer cancel()

	id := s.idGen.Next()
	if _, err := s.store.CreateRunnerDir(id); err != nil {
		return err
	}

	guestName := fmt.Sprintf("%s%s.%d", s.prefix, profile.ProfileName, id)
	snapshot, ok := s.policy.BaseImageSnapshot(profile.ProfileName)
	if !ok {
		return fmt.Errorf("supervisor: no published snapshot for profile %s", profile.ProfileName)
	}

	runnerUUID := uuid.New().String()
	if err := s.store.WriteRunnerManifest(id, store.RunnerManifest{
		ImageType:  string(profile.ImageType),
		RunnerUUID: runnerUUID,
	}); err != nil {
		return err
	}

	bootScript := filepath.Join(s.cfg.LibDir(), profile.ConfigurationName, "boot-script")
	if err := store.AtomicSymlink(bootScript, s.store.BootScriptPath(id)); err != nil {
		return fmt.Errorf("supervisor: failed to symlink boot script for runner %d: %w", id, err)
	}

	if !s.cfg.Env.DontRegisterRunners {
		jit, err := s.registry.GenerateJitConfig(ctx, guestName, profile.GitHubRunnerLabel, runnerWorkFolder)
		if err != nil {
			return policyerr.NewRegistryError("generate_jitconfig", err)
		}
		if err := s.store.WriteJitConfig(id, []byte(jit.EncodedJitConfig)); err != nil {
			return err
		}
	}

	if err := s.adapter.DefineGuest(ctx, snapshot, guestName, nil); err != nil {
		return policyerr.NewAdapterError("define_guest", err)
	}
	if err := s.adapter.StartGuest(ctx, guestName); err != nil {
		return policyerr.NewAdapterError("start_guest", err)
	}
	return nil
}

// reapCreateJobs collects finished create jobs, removing them from the
// in-flight set, and returns every failure combined with multierr so a
// single tick's worth of independent per-runner failures surfaces as one
// error instead of only the last one logged.
func (s *Supervisor) reapCreateJobs() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var combined error
	for profile, jobs := range s.createJobs {
		remaining := jobs[:0]
		for _, j := range jobs {
			finished, err := j.reap()
			if !finished {
				remaining = append(remaining, j)
				continue
			}
			if err != nil {
				s.log.Error("create worker failed", zap.String("profile", profile), zap.Error(err))
				combined = multierr.Append(combined, fmt.Errorf("create %s: %w", profile, err))
			}
		}
		s.createJobs[profile] = remaining
	}
	return combined
}

func (s *Supervisor) reapDestroyJobs() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var combined error
	remaining := s.destroyJobs[:0]
	for _, j := range s.destroyJobs {
		finished, err := j.reap()
		if !finished {
			remaining = append(remaining, j)
			continue
		}
		if err != nil {
			s.log.Error("destroy worker failed", zap.Error(err))
			combined = multierr.Append(combined, fmt.Errorf("destroy: %w", err))
		}
	}
	s.destroyJobs = remaining
	return combined
}

// runnerCounterAdapter implements imagebuilder.RunnerCounter over a
// *runner.Runners view without imagebuilder needing to import runner.
type runnerCounterAdapter struct {
	runners *runner.Runners
}

func (r runnerCounterAdapter) RunnerCountForProfile(profileKey string) int {
	return len(r.runners.ForProfile(profileKey))
}
