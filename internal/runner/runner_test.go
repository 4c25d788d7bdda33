package runner

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffvincent/ci-runner-monitor/internal/registryclient"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name                          string
		registered, hasGuest          bool
		ciStatus                      string
		busy, reserved                bool
		want                          Status
	}{
		{"untracked", false, false, "", false, false, StatusUntracked},
		{"invalid", true, false, "", false, false, StatusInvalid},
		{"done-or-unregistered", false, true, "", false, false, StatusDoneOrUnregistered},
		{"idle", true, true, "online", false, false, StatusIdle},
		{"busy-wins-over-reserved", true, true, "online", true, true, StatusBusy},
		{"reserved", true, true, "online", false, true, StatusReserved},
		{"started-or-crashed-blank", true, true, "", false, false, StatusStartedOrCrashed},
		{"started-or-crashed-offline", true, true, "offline", false, false, StatusStartedOrCrashed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, classify(c.registered, c.hasGuest, c.ciStatus, c.busy, c.reserved))
		})
	}
}

func TestParseGuestOrRegistrationName(t *testing.T) {
	parsed, ok := ParseGuestOrRegistrationName("host-runner-linux.42@example.org", "host-runner-")
	require.True(t, ok)
	assert.Equal(t, "linux", parsed.ProfileName)
	assert.Equal(t, uint64(42), parsed.ID)

	parsed, ok = ParseGuestOrRegistrationName("host-runner-macos.7", "host-runner-")
	require.True(t, ok)
	assert.Equal(t, "macos", parsed.ProfileName)
	assert.Equal(t, uint64(7), parsed.ID)

	_, ok = ParseGuestOrRegistrationName("other-prefix-linux.1", "host-runner-")
	assert.False(t, ok)

	_, ok = ParseGuestOrRegistrationName("host-runner-linux-missing-dot", "host-runner-")
	assert.False(t, ok)
}

type fakeStore struct {
	ids          []uint64
	createdTimes map[uint64]time.Time
	reservations map[uint64]string
}

func (f *fakeStore) RunnerDir(id uint64) string { return "" }
func (f *fakeStore) ListRunnerIDs() ([]uint64, error) { return f.ids, nil }
func (f *fakeStore) CreatedTime(id uint64) (os.FileInfo, error) {
	t, ok := f.createdTimes[id]
	if !ok {
		return nil, os.ErrNotExist
	}
	return fakeFileInfo{modTime: t}, nil
}
func (f *fakeStore) ReadReservation(id uint64) (string, bool, error) {
	r, ok := f.reservations[id]
	return r, ok, nil
}

type fakeFileInfo struct {
	os.FileInfo
	modTime time.Time
}

func (f fakeFileInfo) ModTime() time.Time { return f.modTime }

func TestBuildJoinsThreeSources(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{
		ids:          []uint64{1, 2, 3},
		createdTimes: map[uint64]time.Time{1: now, 2: now, 3: now},
	}
	input := BuildInput{
		Registrations: []registryclient.RegisteredRunner{
			{Name: "host-runner-linux.1@example.org", Status: "online"},
			{Name: "host-runner-linux.2@example.org", Status: "online"},
		},
		GuestNames:   []string{"host-runner-linux.2", "host-runner-linux.3"},
		RunnerPrefix: "host-runner-",
		Now:          now,
	}

	runners, err := Build(store, input)
	require.NoError(t, err)

	r1, ok := runners.Get(1)
	require.True(t, ok)
	assert.Equal(t, StatusInvalid, r1.Status())

	r2, ok := runners.Get(2)
	require.True(t, ok)
	assert.Equal(t, StatusIdle, r2.Status())

	r3, ok := runners.Get(3)
	require.True(t, ok)
	assert.Equal(t, StatusDoneOrUnregistered, r3.Status())

	assert.ElementsMatch(t, []uint64{1, 2, 3}, runners.ForProfile("linux"))
}
