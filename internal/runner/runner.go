// Package runner builds the per-tick view of all known runners by joining
// three independent sources of truth: the CI provider's registration list,
// the hypervisor's guest list, and the on-disk per-runner directories.
// Grounded on the reference implementation's runner.rs (id-set union and
// per-id Runner construction) generalized with the richer field set
// policy.rs expects of a Runner (profile name, age, reservation, registered
// status fields).
package runner

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jeffvincent/ci-runner-monitor/internal/registryclient"
)

// Reservation is the parsed contents of a runner's reservation marker.
type Reservation struct {
	UniqueID      string
	QualifiedRepo string
	RunID         string
	ReservedAt    time.Time
}

// Runner is one ephemeral VM's joined state for a single reconciliation
// tick.
type Runner struct {
	ID           uint64
	ProfileName  string
	CreatedTime  time.Time
	Registration *registryclient.RegisteredRunner
	GuestName    string // empty if no guest
	Reservation  *Reservation
	JitConfig    string
	IPv4         net.IP

	status Status
}

// Status returns the runner's derived lifecycle state.
func (r *Runner) Status() Status { return r.status }

// Age is now minus CreatedTime.
func (r *Runner) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedTime)
}

// ReservedFor is now minus the reservation's ReservedAt, or false if there
// is no reservation marker.
func (r *Runner) ReservedFor(now time.Time) (time.Duration, bool) {
	if r.Reservation == nil {
		return 0, false
	}
	return now.Sub(r.Reservation.ReservedAt), true
}

// Runners is the joined id -> Runner view for one reconciliation tick.
type Runners struct {
	byID map[uint64]*Runner
}

// Get returns the Runner for id, if tracked.
func (rs *Runners) Get(id uint64) (*Runner, bool) {
	r, ok := rs.byID[id]
	return r, ok
}

// All iterates all tracked runners. Order is unspecified; callers that need
// determinism should collect and sort by ID.
func (rs *Runners) All() map[uint64]*Runner {
	return rs.byID
}

// IDs returns all tracked runner ids, sorted ascending.
func (rs *Runners) IDs() []uint64 {
	ids := make([]uint64, 0, len(rs.byID))
	for id := range rs.byID {
		ids = append(ids, id)
	}
	sortUint64s(ids)
	return ids
}

// ForProfile returns the ids (sorted) of runners belonging to profileName.
func (rs *Runners) ForProfile(profileName string) []uint64 {
	var ids []uint64
	for id, r := range rs.byID {
		if r.ProfileName == profileName {
			ids = append(ids, id)
		}
	}
	sortUint64s(ids)
	return ids
}

func sortUint64s(ids []uint64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// ParsedName is a guest/registration name of the form
// "<prefix>-<profile>.<id>" (optionally with a trailing "@<host>" for
// registration names).
type ParsedName struct {
	ProfileName string
	ID          uint64
}

// ParseGuestOrRegistrationName parses "<prefix>-<profile>.<id>" or
// "<prefix>-<profile>.<id>@<host>", stripping the optional "@<host>"
// suffix first. prefix must include its trailing "-".
func ParseGuestOrRegistrationName(name, prefix string) (ParsedName, bool) {
	name, _, _ = strings.Cut(name, "@")
	if !strings.HasPrefix(name, prefix) {
		return ParsedName{}, false
	}
	rest := strings.TrimPrefix(name, prefix)
	profileName, idStr, found := cutLast(rest, '.')
	if !found {
		return ParsedName{}, false
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return ParsedName{}, false
	}
	return ParsedName{ProfileName: profileName, ID: id}, true
}

// cutLast splits s at the LAST occurrence of sep, mirroring Rust's
// rsplit_once used by the reference implementation to recover a trailing
// numeric id even from profile names that themselves contain dots.
func cutLast(s string, sep byte) (before, after string, found bool) {
	idx := strings.LastIndexByte(s, sep)
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

// StoreFacade is the subset of store operations the join needs, kept
// narrow so runner stays independent of the store package's concrete type.
type StoreFacade interface {
	RunnerDir(id uint64) string
	ListRunnerIDs() ([]uint64, error)
	CreatedTime(id uint64) (os.FileInfo, error)
	ReadReservation(id uint64) (string, bool, error)
}

// BuildInput bundles the three sources of truth for Build.
type BuildInput struct {
	Registrations []registryclient.RegisteredRunner
	GuestNames    []string
	GuestIPv4     map[string]net.IP // guest name -> address, as available
	RunnerPrefix  string            // e.g. "host-runner-"
	Now           time.Time
}

// Build joins the three sources of truth into a fresh Runners view. It
// never mutates its inputs and always re-derives the full view, matching
// the "regenerate, don't mutate" invariant in the design notes.
func Build(store StoreFacade, input BuildInput) (*Runners, error) {
	registrationByID := map[uint64]registryclient.RegisteredRunner{}
	profileByIDFromReg := map[uint64]string{}
	for _, reg := range input.Registrations {
		parsed, ok := ParseGuestOrRegistrationName(reg.Name, input.RunnerPrefix)
		if !ok {
			continue
		}
		registrationByID[parsed.ID] = reg
		profileByIDFromReg[parsed.ID] = parsed.ProfileName
	}

	guestByID := map[uint64]string{}
	profileByIDFromGuest := map[uint64]string{}
	for _, guest := range input.GuestNames {
		parsed, ok := ParseGuestOrRegistrationName(guest, input.RunnerPrefix)
		if !ok {
			continue
		}
		guestByID[parsed.ID] = guest
		profileByIDFromGuest[parsed.ID] = parsed.ProfileName
	}

	diskIDs, err := store.ListRunnerIDs()
	if err != nil {
		return nil, fmt.Errorf("runner: failed to list runner directories: %w", err)
	}

	ids := map[uint64]struct{}{}
	for id := range registrationByID {
		ids[id] = struct{}{}
	}
	for id := range guestByID {
		ids[id] = struct{}{}
	}
	for _, id := range diskIDs {
		ids[id] = struct{}{}
	}

	byID := make(map[uint64]*Runner, len(ids))
	for id := range ids {
		reg, hasReg := registrationByID[id]
		guestName, hasGuest := guestByID[id]

		if !hasReg && !hasGuest {
			// Tracked on disk only, with neither a registration nor a
			// guest: nothing in the status table classifies this id, so
			// it is dropped rather than surfaced as a Runner. Orphaned
			// directory cleanup is not implemented.
			continue
		}

		profileName := profileByIDFromGuest[id]
		if profileName == "" {
			profileName = profileByIDFromReg[id]
		}

		r := &Runner{ID: id, ProfileName: profileName, GuestName: guestName}
		if hasReg {
			regCopy := reg
			r.Registration = &regCopy
		}

		if info, err := store.CreatedTime(id); err == nil {
			r.CreatedTime = info.ModTime()
		} else {
			r.CreatedTime = input.Now
		}

		if raw, ok, err := store.ReadReservation(id); err == nil && ok {
			if parsed, ok := parseReservation(raw); ok {
				r.Reservation = &parsed
			}
		}

		if hasGuest {
			if ip, ok := input.GuestIPv4[guestName]; ok {
				r.IPv4 = ip
			}
		}

		busy := hasReg && reg.Busy
		ciStatus := ""
		if hasReg {
			ciStatus = reg.Status
		}
		r.status = classify(hasReg, hasGuest, ciStatus, busy, r.Reservation != nil)

		byID[id] = r
	}

	return &Runners{byID: byID}, nil
}

// parseReservation parses the "unique_id\nqualified_repo\nrun_id\nepoch"
// contents written by store.RecordReservation.
func parseReservation(raw string) (Reservation, bool) {
	lines := strings.Split(raw, "\n")
	if len(lines) < 4 {
		return Reservation{}, false
	}
	epoch, err := strconv.ParseInt(lines[3], 10, 64)
	if err != nil {
		return Reservation{}, false
	}
	return Reservation{
		UniqueID:      lines[0],
		QualifiedRepo: lines[1],
		RunID:         lines[2],
		ReservedAt:    time.Unix(epoch, 0).UTC(),
	}, true
}

// MarshalReservation renders a Reservation into the marker-file format
// parseReservation reads back.
func MarshalReservation(uniqueID, qualifiedRepo, runID string, reservedAt time.Time) []byte {
	return []byte(fmt.Sprintf("%s\n%s\n%s\n%d", uniqueID, qualifiedRepo, runID, reservedAt.Unix()))
}
