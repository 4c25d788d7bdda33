package imagebuilder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeffvincent/ci-runner-monitor/internal/policy"
	"github.com/jeffvincent/ci-runner-monitor/internal/settings"
	"github.com/jeffvincent/ci-runner-monitor/internal/store"
)

type fakeCounter struct {
	counts map[string]int
}

func (f fakeCounter) RunnerCountForProfile(key string) int { return f.counts[key] }

func newTestBuilder(t *testing.T) (*Builder, *policy.Policy, string) {
	t.Helper()
	dataDir := t.TempDir()
	libDir := t.TempDir()
	mainRepoDir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(libDir, "linux-config"), 0o755))
	scriptPath := filepath.Join(libDir, "linux-config", "build-image.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	st, err := store.New(dataDir)
	require.NoError(t, err)

	profiles := map[string]settings.Profile{
		"linux": {ProfileName: "linux", ConfigurationName: "linux-config", TargetCount: 1},
	}
	pol, err := policy.New(profiles, policy.Toggles{BaseImageMaxAge: time.Hour})
	require.NoError(t, err)

	cfg := &settings.Settings{Env: settings.Env{LibMonitorDir: libDir, MainRepoPath: mainRepoDir}}
	log := zap.NewNop()

	b := New(cfg, st, pol, log)
	b.refreshFn = func(string) error { return nil }
	return b, pol, dataDir
}

func TestTickSkipsProfilesWithRunnersStillPresent(t *testing.T) {
	b, _, _ := newTestBuilder(t)
	b.Tick(fakeCounter{counts: map[string]int{"linux": 2}})

	assert.Nil(t, b.repoRefresh)
	assert.Empty(t, b.rebuilds)
}

func TestTickSpawnsRepoRefreshBeforeRebuildsWhenImageUnknown(t *testing.T) {
	b, _, _ := newTestBuilder(t)
	b.Tick(fakeCounter{counts: map[string]int{"linux": 0}})

	require.NotNil(t, b.repoRefresh)
	assert.Empty(t, b.rebuilds)
}

func TestTickSpawnsRebuildAfterRepoRefreshReaped(t *testing.T) {
	b, pol, _ := newTestBuilder(t)
	b.Tick(fakeCounter{counts: map[string]int{"linux": 0}})
	require.NotNil(t, b.repoRefresh)

	require.Eventually(t, func() bool {
		finished, _ := b.repoRefresh.reap()
		return finished
	}, 5*time.Second, 10*time.Millisecond)

	// The next Tick reaps the now-finished repo-refresh job itself and,
	// seeing justRefreshed, proceeds to spawn the rebuild in the same call.
	b.Tick(fakeCounter{counts: map[string]int{"linux": 0}})
	require.NotNil(t, b.rebuilds["linux"])

	require.Eventually(t, func() bool {
		b.reapRebuilds()
		return len(b.rebuilds) == 0
	}, 5*time.Second, 10*time.Millisecond)

	snapshot, ok := pol.BaseImageSnapshot("linux")
	assert.True(t, ok)
	assert.NotEmpty(t, snapshot)
}
