package policy

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jeffvincent/ci-runner-monitor/internal/registryclient"
	"github.com/jeffvincent/ci-runner-monitor/internal/runner"
)

const testPrefix = "monitor-"

type testFakeStore struct {
	ids          []uint64
	createdTimes map[uint64]time.Time
	reservations map[uint64]string
}

func (f *testFakeStore) RunnerDir(id uint64) string { return "" }

func (f *testFakeStore) ListRunnerIDs() ([]uint64, error) { return f.ids, nil }

func (f *testFakeStore) CreatedTime(id uint64) (os.FileInfo, error) {
	t, ok := f.createdTimes[id]
	if !ok {
		return nil, os.ErrNotExist
	}
	return testFileInfo{modTime: t}, nil
}

func (f *testFakeStore) ReadReservation(id uint64) (string, bool, error) {
	r, ok := f.reservations[id]
	return r, ok, nil
}

type testFileInfo struct {
	os.FileInfo
	modTime time.Time
}

func (f testFileInfo) ModTime() time.Time { return f.modTime }

// testRunnerSpec describes one desired Runner state to be produced through
// runner.Build, so tests exercise classification exactly the way production
// code does instead of poking at unexported fields.
type testRunnerSpec struct {
	id          uint64
	profile     string
	registered  bool
	hasGuest    bool
	online      bool
	busy        bool
	reservedAgo time.Duration // 0 means no reservation
	age         time.Duration
}

func buildTestRunners(now time.Time, specs []testRunnerSpec) *runner.Runners {
	store := &testFakeStore{createdTimes: map[uint64]time.Time{}, reservations: map[uint64]string{}}
	input := runner.BuildInput{
		GuestIPv4:    map[string]net.IP{},
		RunnerPrefix: testPrefix,
		Now:          now,
	}
	for _, s := range specs {
		name := fmt.Sprintf("%s%s.%d", testPrefix, s.profile, s.id)
		store.ids = append(store.ids, s.id)
		store.createdTimes[s.id] = now.Add(-s.age)
		if s.registered {
			status := ""
			if s.online {
				status = "online"
			}
			input.Registrations = append(input.Registrations, registryclient.RegisteredRunner{
				Name:   name,
				Busy:   s.busy,
				Status: status,
			})
		}
		if s.hasGuest {
			input.GuestNames = append(input.GuestNames, name)
		}
		if s.reservedAgo > 0 {
			store.reservations[s.id] = string(runner.MarshalReservation("u", "org/repo", "1", now.Add(-s.reservedAgo)))
		}
	}
	runners, err := runner.Build(store, input)
	if err != nil {
		panic(err)
	}
	return runners
}
