// Package store manages the monitor's on-disk state: the data root, the
// per-runner directories, reservation markers, and profile snapshot
// symlinks. It is grounded on the reference implementation's data.rs, which
// lays out the same three subtrees (runners/, profiles/, migrations/) under
// a single data root.
package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/jeffvincent/ci-runner-monitor/internal/policyerr"
)

// RunnerManifest is the contents of a runner's runner.toml: the image
// pipeline it was created with and the UUID generated for its GitHub
// registration, matching runner.toml in the reference implementation's
// register_create_runner.
type RunnerManifest struct {
	ImageType  string `toml:"image_type"`
	RunnerUUID string `toml:"runner_uuid"`
}

// Store is a handle onto the monitor's data directory.
type Store struct {
	Root string
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, policyerr.NewConfigError("failed to create data directory %s: %v", root, err)
	}
	return &Store{Root: root}, nil
}

// Path joins the data root with the given elements.
func (s *Store) Path(elem ...string) string {
	return filepath.Join(append([]string{s.Root}, elem...)...)
}

// RunnersDir is the root/runners directory.
func (s *Store) RunnersDir() string {
	return s.Path("runners")
}

// RunnerDir is the per-runner data directory root/runners/<id>.
func (s *Store) RunnerDir(id uint64) string {
	return filepath.Join(s.RunnersDir(), strconv.FormatUint(id, 10))
}

// CreateRunnerDir creates and returns the per-runner data directory,
// stamping a created-time marker whose mtime is the runner's creation time
// (mirroring get_runner_data_path + the created-time file it expects to
// exist).
func (s *Store) CreateRunnerDir(id uint64) (string, error) {
	dir := s.RunnerDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store: failed to create runner directory %s: %w", dir, err)
	}
	marker := filepath.Join(dir, "created-time")
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return dir, nil
		}
		return "", fmt.Errorf("store: failed to stamp created-time for runner %d: %w", id, err)
	}
	return dir, f.Close()
}

// ProfilesDir is the root/profiles directory.
func (s *Store) ProfilesDir() string {
	return s.Path("profiles")
}

// ProfileDir is the per-profile data directory root/profiles/<name>.
func (s *Store) ProfileDir(profileName string) string {
	return filepath.Join(s.ProfilesDir(), profileName)
}

// AtomicWrite writes data to path by writing to path+".new" and renaming
// over the destination, the same write-then-rename pattern the reference
// implementation uses for last-runner-id.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: failed to create parent of %s: %w", path, err)
	}
	tmp := path + ".new"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("store: failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: failed to rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// AtomicSymlink points path at target, replacing any existing symlink
// atomically via a temporary link + rename. Used for the current-snapshot
// symlink that ImageBuilder swings onto a freshly built snapshot directory.
func AtomicSymlink(target, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: failed to create parent of %s: %w", path, err)
	}
	tmp := path + ".new"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("store: failed to symlink %s -> %s: %w", tmp, target, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: failed to rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// ReservationMarkerPath is the path of the reservation marker for a runner.
func (s *Store) ReservationMarkerPath(id uint64) string {
	return filepath.Join(s.RunnerDir(id), "reserved-since")
}

// RecordReservation atomically creates the reservation marker for runner id
// containing contents. If a marker already exists with different contents,
// ErrReservationConflict is returned; if it already exists with identical
// contents, the call is idempotent and succeeds.
func (s *Store) RecordReservation(id uint64, contents []byte) error {
	path := s.ReservationMarkerPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: failed to create parent of %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("store: failed to create reservation marker %s: %w", path, err)
		}
		existing, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("store: failed to read existing reservation marker %s: %w", path, readErr)
		}
		if string(existing) == string(contents) {
			return nil
		}
		return policyerr.ErrReservationConflict
	}
	defer f.Close()
	_, err = f.Write(contents)
	if err != nil {
		return fmt.Errorf("store: failed to write reservation marker %s: %w", path, err)
	}
	return nil
}

// ReadReservation returns the contents of the reservation marker for
// runner id, or ("", false, nil) if none exists.
func (s *Store) ReadReservation(id uint64) (string, bool, error) {
	data, err := os.ReadFile(s.ReservationMarkerPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: failed to read reservation marker for runner %d: %w", id, err)
	}
	return string(data), true, nil
}

// ClearReservation removes the reservation marker for runner id, if any.
func (s *Store) ClearReservation(id uint64) error {
	err := os.Remove(s.ReservationMarkerPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: failed to clear reservation marker for runner %d: %w", id, err)
	}
	return nil
}

// RemoveRunnerDir deletes the per-runner data directory entirely. Called
// once a runner's guest and volume have both been destroyed.
func (s *Store) RemoveRunnerDir(id uint64) error {
	if err := os.RemoveAll(s.RunnerDir(id)); err != nil {
		return fmt.Errorf("store: failed to remove runner directory for %d: %w", id, err)
	}
	return nil
}

// RunnerManifestPath is the path of the runner.toml manifest for runner id.
func (s *Store) RunnerManifestPath(id uint64) string {
	return filepath.Join(s.RunnerDir(id), "runner.toml")
}

// WriteRunnerManifest atomically writes runner.toml for runner id, created
// once alongside the guest at runner-creation time.
func (s *Store) WriteRunnerManifest(id uint64, manifest RunnerManifest) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(manifest); err != nil {
		return fmt.Errorf("store: failed to encode runner manifest for runner %d: %w", id, err)
	}
	return AtomicWrite(s.RunnerManifestPath(id), buf.Bytes(), 0o644)
}

// JitConfigPath is the path of the stored JIT registration blob for runner
// id ("github-api-registration" in the per-runner directory layout).
func (s *Store) JitConfigPath(id uint64) string {
	return filepath.Join(s.RunnerDir(id), "github-api-registration")
}

// WriteJitConfig atomically stores the JIT registration blob for runner id,
// so a booting guest can fetch it back via the control plane.
func (s *Store) WriteJitConfig(id uint64, data []byte) error {
	return AtomicWrite(s.JitConfigPath(id), data, 0o600)
}

// ReadJitConfig returns the stored JIT registration blob for runner id, or
// ("", false, nil) if none has been written yet.
func (s *Store) ReadJitConfig(id uint64) (string, bool, error) {
	data, err := os.ReadFile(s.JitConfigPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: failed to read jitconfig for runner %d: %w", id, err)
	}
	return string(data), true, nil
}

// RunnerScreenshotPath is the path of the latest screenshot for runner id.
func (s *Store) RunnerScreenshotPath(id uint64) string {
	return filepath.Join(s.RunnerDir(id), "screenshot.png")
}

// ProfileScreenshotPath is the path of the latest screenshot of the
// rebuild/template guest for a profile.
func (s *Store) ProfileScreenshotPath(profileName string) string {
	return filepath.Join(s.ProfileDir(profileName), "screenshot.png")
}

// BootScriptPath is the path of the boot-script symlink for runner id.
func (s *Store) BootScriptPath(id uint64) string {
	return filepath.Join(s.RunnerDir(id), "boot-script")
}

// CreatedTime returns the creation time of runner id, derived from the
// mtime of its created-time marker file.
func (s *Store) CreatedTime(id uint64) (os.FileInfo, error) {
	info, err := os.Stat(filepath.Join(s.RunnerDir(id), "created-time"))
	if err != nil {
		return nil, fmt.Errorf("store: failed to stat created-time for runner %d: %w", id, err)
	}
	return info, nil
}

// ListRunnerIDs returns the ids of all runner directories found on disk,
// regardless of whether they're otherwise referenced.
func (s *Store) ListRunnerIDs() ([]uint64, error) {
	entries, err := os.ReadDir(s.RunnersDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: failed to list runners directory: %w", err)
	}
	var ids []uint64
	for _, entry := range entries {
		id, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
