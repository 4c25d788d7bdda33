package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jeffvincent/ci-runner-monitor/internal/policy"
	"github.com/jeffvincent/ci-runner-monitor/internal/policyerr"
	"github.com/jeffvincent/ci-runner-monitor/internal/runner"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		textError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	profiles := map[string]policy.Counts{}
	for key := range s.policy.Profiles() {
		profiles[key] = s.policy.Counts(key)
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"profiles": profiles,
		"runners":  s.policy.RunnerSummaries(),
		"override": s.policy.CurrentOverride(),
	})
}

// handleRunnerSubroute dispatches "/runner/<id>/reserve" and
// "/runner/<id>/screenshot".
func (s *Server) handleRunnerSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/runner/")
	idStr, action, ok := strings.Cut(rest, "/")
	if !ok {
		textError(w, http.StatusNotFound, "not found")
		return
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		textError(w, http.StatusNotFound, "invalid runner id")
		return
	}

	switch action {
	case "reserve":
		s.handleReserve(w, r, id)
	case "screenshot":
		s.handleScreenshot(w, r, id)
	default:
		textError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request, id uint64) {
	if r.Method != http.MethodPost {
		textError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if _, err := s.policy.Reserve(id); err != nil {
		switch {
		case errors.Is(err, policyerr.ErrRunnerNotFound):
			textError(w, http.StatusNotFound, "runner not found")
		case errors.Is(err, policyerr.ErrTransientUnavailable):
			w.Header().Set("Retry-After", "2")
			textError(w, http.StatusServiceUnavailable, "policy temporarily unavailable")
		default:
			textError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	q := r.URL.Query()
	uniqueID, qualifiedRepo, runID := q.Get("unique_id"), q.Get("qualified_repo"), q.Get("run_id")
	marker := runner.MarshalReservation(uniqueID, qualifiedRepo, runID, time.Now())
	// A repeat of an existing reservation with the same fields reuses that
	// marker verbatim, so it records as identical instead of conflicting.
	if existing, ok, err := s.store.ReadReservation(id); err == nil && ok &&
		strings.HasPrefix(existing, uniqueID+"\n"+qualifiedRepo+"\n"+runID+"\n") {
		marker = []byte(existing)
	}
	if err := s.store.RecordReservation(id, marker); err != nil {
		if errors.Is(err, policyerr.ErrReservationConflict) {
			textError(w, http.StatusConflict, "reservation conflict")
			return
		}
		textError(w, http.StatusInternalServerError, err.Error())
		return
	}

	jsonResponse(w, http.StatusOK, map[string]any{"id": id, "reserved": true})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request, id uint64) {
	if r.Method != http.MethodGet {
		textError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	path := s.store.RunnerScreenshotPath(id)
	if _, err := os.Stat(path); err != nil {
		textError(w, http.StatusNotFound, "no screenshot available")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateOverride(w, r)
	case http.MethodDelete:
		s.policy.CancelOverride()
		jsonResponse(w, http.StatusOK, map[string]bool{"cancelled": true})
	default:
		textError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	var counts map[string]int
	if err := json.NewDecoder(r.Body).Decode(&counts); err != nil {
		textError(w, http.StatusBadRequest, "invalid request body: expected a profile -> count map")
		return
	}

	override, err := s.policy.TryOverride(counts)
	if err != nil {
		writeOverrideError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, override)
}

func writeOverrideError(w http.ResponseWriter, err error) {
	if errors.Is(err, policyerr.ErrTransientUnavailable) {
		w.Header().Set("Retry-After", "2")
		textError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	var rejected *policyerr.OverrideRejected
	if errors.As(err, &rejected) {
		textError(w, http.StatusConflict, rejected.Error())
		return
	}
	textError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleGuestJitConfig(w http.ResponseWriter, r *http.Request) {
	ip, _ := remoteIP(r)
	id, ok := s.ipTracker.runnerIDForIP(ip)
	if !ok {
		textError(w, http.StatusNotFound, "no runner registered for this address")
		return
	}

	blob, ok, err := s.store.ReadJitConfig(id)
	if err != nil {
		textError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		textError(w, http.StatusNotFound, "no jitconfig recorded for this runner yet")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, blob)
}

func (s *Server) handleGuestBootScript(w http.ResponseWriter, r *http.Request) {
	ip, _ := remoteIP(r)

	profileKey, ok := "", false
	if id, runnerOK := s.ipTracker.runnerIDForIP(ip); runnerOK {
		profileKey, ok = s.runnerProfileName(id)
	} else {
		profileKey, ok = s.ipTracker.profileForIP(ip, s.runnerProfileName)
	}
	if !ok {
		textError(w, http.StatusNotFound, "no profile recognizes this address")
		return
	}

	profile, ok := s.policy.Profiles()[profileKey]
	if !ok {
		textError(w, http.StatusNotFound, "unknown profile")
		return
	}

	scriptPath := filepath.Join(s.cfg.LibDir(), profile.ConfigurationName, "boot-script")
	data, err := os.ReadFile(scriptPath)
	if err != nil {
		textError(w, http.StatusNotFound, "no boot script configured for this profile")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
