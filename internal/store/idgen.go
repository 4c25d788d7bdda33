package store

import (
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// IdGen hands out successive runner ids, persisting the last one issued so
// ids survive a process restart. Grounded on the reference implementation's
// IdGen (id.rs): best-effort persistence, a warning logged on write
// failure rather than a fatal error, since a duplicate id is recoverable
// (the three-source join in the runner package treats it as one runner)
// while crashing the whole process over a disk write is not.
type IdGen struct {
	mu   sync.Mutex
	last *uint64
	path string
	log  *zap.Logger
}

const lastRunnerIDFile = "last-runner-id"

// NewIdGen loads the last-issued id from disk, if present.
func NewIdGen(s *Store, log *zap.Logger) (*IdGen, error) {
	path := s.Path(lastRunnerIDFile)
	g := &IdGen{path: path, log: log}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, err
	}
	last, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return nil, err
	}
	g.last = &last
	return g, nil
}

// Next returns the next runner id and persists it to disk. Persistence
// failure is logged but does not fail the call: the in-memory counter has
// already advanced, so the next restart may reissue an id that is still on
// disk, which the runner package's three-source join tolerates.
func (g *IdGen) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	var next uint64
	if g.last != nil {
		next = *g.last + 1
	}
	g.last = &next

	if err := AtomicWrite(g.path, []byte(strconv.FormatUint(next, 10)), 0o644); err != nil {
		g.log.Warn("failed to persist last-runner-id", zap.Error(err), zap.Uint64("id", next))
	}
	return next
}
