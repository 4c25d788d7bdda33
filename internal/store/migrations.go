package store

import (
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
)

// RunMigrations applies any data-directory layout migrations that have not
// yet run, recording a marker file under root/migrations/<n> for each one
// applied. Grounded on run_migrations in the reference implementation's
// data.rs, which moves legacy top-level numeric entries into a runners/
// subdirectory; further migrations would be added here as new version
// numbers, matching the loop-until-marker-exists structure of the original.
func (s *Store) RunMigrations(log *zap.Logger) error {
	migrationsDir := s.Path("migrations")
	if err := os.MkdirAll(migrationsDir, 0o755); err != nil {
		return err
	}

	for version := 1; ; version++ {
		marker := filepath.Join(migrationsDir, strconv.Itoa(version))
		if _, err := os.Stat(marker); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return err
		}

		switch version {
		case 1:
			if err := s.migrateRunnersIntoSubdir(log); err != nil {
				return err
			}
		default:
			return nil
		}

		if err := os.WriteFile(marker, nil, 0o644); err != nil {
			return err
		}
	}
}

// migrateRunnersIntoSubdir moves legacy top-level numeric-named entries
// (runner ids stored directly under the data root) into runners/.
func (s *Store) migrateRunnersIntoSubdir(log *zap.Logger) error {
	log.Info("moving per-runner data to runners subdirectory")

	runnersDir := s.RunnersDir()
	if err := os.MkdirAll(runnersDir, 0o755); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if _, err := strconv.ParseUint(entry.Name(), 10, 64); err != nil {
			continue
		}
		oldPath := filepath.Join(s.Root, entry.Name())
		newPath := filepath.Join(runnersDir, entry.Name())
		if err := os.Rename(oldPath, newPath); err != nil {
			return err
		}
	}
	return nil
}
