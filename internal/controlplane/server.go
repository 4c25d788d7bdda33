// Package controlplane serves the monitor's HTTP surface: a token-gated
// dashboard/reserve/override API for operators and CI, plus a pair of
// source-IP-gated endpoints booting guests use to fetch their own JIT
// registration and boot script. Grounded on the teacher's dashboard command
// (net/http.ServeMux, jsonResponse/jsonError helpers, graceful shutdown via
// server.Shutdown) generalized from its Kubernetes-resource API to this
// domain's runner/profile/override API.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jeffvincent/ci-runner-monitor/internal/hypervisor"
	"github.com/jeffvincent/ci-runner-monitor/internal/policy"
	"github.com/jeffvincent/ci-runner-monitor/internal/registryclient"
	"github.com/jeffvincent/ci-runner-monitor/internal/settings"
	"github.com/jeffvincent/ci-runner-monitor/internal/store"
)

// Server is the monitor's HTTP control plane.
type Server struct {
	cfg      *settings.Settings
	store    *store.Store
	policy   *policy.Policy
	registry registryclient.Provider
	adapter  hypervisor.Adapter
	log      *zap.Logger

	httpServer *http.Server

	ipTracker *ipTracker
}

// New builds a Server over its collaborators; the listen address is given
// later, to ListenAndServe.
func New(cfg *settings.Settings, st *store.Store, pol *policy.Policy, registry registryclient.Provider, adapter hypervisor.Adapter, log *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		policy:    pol,
		registry:  registry,
		adapter:   adapter,
		log:       log,
		ipTracker: newIPTracker(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/dashboard.json", s.withToken(s.handleDashboard))
	mux.HandleFunc("/runner/", s.withToken(s.handleRunnerSubroute))
	mux.HandleFunc("/override", s.withToken(s.handleOverride))
	mux.HandleFunc("/guest/jitconfig", s.withSourceIP(s.handleGuestJitConfig))
	mux.HandleFunc("/guest/boot-script", s.withSourceIP(s.handleGuestBootScript))

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer.Addr = addr

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("control plane shutdown error", zap.Error(err))
		}
	}()

	s.log.Info("control plane listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("controlplane: %w", err)
	}
	return nil
}

// RecordGuestIPv4 records the last-known IPv4 of a rebuild or template guest
// for a profile, refreshed by the supervisor tick so /guest/* endpoints can
// source-IP-gate.
func (s *Server) RecordGuestIPv4(profileKey, ip string) {
	s.ipTracker.recordProfile(profileKey, ip)
}

// RecordRunnerIPv4 records the last-known IPv4 for a runner id.
func (s *Server) RecordRunnerIPv4(id uint64, ip string) {
	s.ipTracker.recordRunner(id, ip)
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func textError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, msg)
}
