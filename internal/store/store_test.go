package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeffvincent/ci-runner-monitor/internal/policyerr"
)

func TestCreateRunnerDirIsIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	dir1, err := s.CreateRunnerDir(7)
	require.NoError(t, err)
	dir2, err := s.CreateRunnerDir(7)
	require.NoError(t, err)
	assert.Equal(t, dir1, dir2)

	info, err := s.CreatedTime(7)
	require.NoError(t, err)
	assert.False(t, info.ModTime().IsZero())
}

func TestAtomicWriteReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "file")
	require.NoError(t, AtomicWrite(path, []byte("one"), 0o644))
	require.NoError(t, AtomicWrite(path, []byte("two"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	_, err = os.Stat(path + ".new")
	assert.True(t, os.IsNotExist(err))
}

func TestReservationMarkerUsesDocumentedFilename(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.RunnerDir(3), "reserved-since"), s.ReservationMarkerPath(3))
}

func TestWriteRunnerManifestRoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = s.CreateRunnerDir(5)
	require.NoError(t, err)

	require.NoError(t, s.WriteRunnerManifest(5, RunnerManifest{
		ImageType:  "rust",
		RunnerUUID: "c0ffee",
	}))

	data, err := os.ReadFile(s.RunnerManifestPath(5))
	require.NoError(t, err)
	assert.Contains(t, string(data), `image_type = "rust"`)
	assert.Contains(t, string(data), `runner_uuid = "c0ffee"`)
}

func TestRecordReservationConflict(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = s.CreateRunnerDir(1)
	require.NoError(t, err)

	require.NoError(t, s.RecordReservation(1, []byte("job-a")))
	require.NoError(t, s.RecordReservation(1, []byte("job-a"))) // idempotent
	assert.ErrorIs(t, s.RecordReservation(1, []byte("job-b")), policyerr.ErrReservationConflict)

	contents, ok, err := s.ReadReservation(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-a", contents)

	require.NoError(t, s.ClearReservation(1))
	_, ok, err = s.ReadReservation(1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdGenPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	log := zap.NewNop()

	g1, err := NewIdGen(s, log)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), g1.Next())
	assert.Equal(t, uint64(1), g1.Next())

	g2, err := NewIdGen(s, log)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), g2.Next())
}

func TestRunMigrationsMovesLegacyRunnerDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "42"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "42", "created-time"), nil, 0o644))

	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.RunMigrations(zap.NewNop()))

	_, err = os.Stat(filepath.Join(dir, "42"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.RunnerDir(42))
	assert.NoError(t, err)

	// Running again must be a no-op, not an error.
	require.NoError(t, s.RunMigrations(zap.NewNop()))
}
