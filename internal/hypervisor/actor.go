package hypervisor

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

// actorRequest is one unit of work the actor goroutine executes on its
// pinned OS thread, ported from UtmRequest in impl_utm.rs. Exactly one of
// the result channels is used, matching the request kind.
type actorRequest struct {
	kind       actorRequestKind
	guestName  string
	fromName   string
	toName     string
	cdroms     []CdromImage
	resultErr  chan error
	resultStrs chan []string
	resultStr  chan string
}

type actorRequestKind int

const (
	actorListGuests actorRequestKind = iota
	actorGuestStatus
	actorStartGuest
	actorDeleteGuest
	actorDefineGuest
	actorRenameGuest
)

// ActorAdapter drives a GUI virtualization app (UTM-style) through OS
// scripting automation (AppleScript/JXA), which on Darwin must run pinned
// to a single OS thread. Requests are sent over a rendezvous (unbuffered)
// channel to a dedicated goroutine that owns that thread, mirroring the
// crossbeam_channel::bounded(0) + LockOSThread-equivalent structure of
// impl_utm.rs/impl_utm_backend.rs.
type ActorAdapter struct {
	requests    chan actorRequest
	sendTimeout time.Duration
	recvTimeout time.Duration
	log         *zap.Logger
}

// NewActorAdapter returns a handle to an actor that is not yet running; it
// starts no goroutine itself. Run must be called (typically from the process's designated UI-thread
// goroutine) to actually service requests; until then, calls block until
// sendTimeout/recvTimeout elapse.
func NewActorAdapter(sendTimeout, recvTimeout time.Duration, log *zap.Logger) *ActorAdapter {
	return &ActorAdapter{
		requests:    make(chan actorRequest),
		sendTimeout: sendTimeout,
		recvTimeout: recvTimeout,
		log:         log,
	}
}

func (a *ActorAdapter) Name() string { return "actor" }

// Run services actorRequests forever on the calling goroutine's OS thread,
// polling at a 1-second cadence the way handle_main_thread_request does.
// Run locks the calling goroutine to its OS thread with
// runtime.LockOSThread for its whole lifetime, since the automation backend
// requires a consistent thread identity across calls.
func (a *ActorAdapter) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-a.requests:
			a.dispatch(req)
		case <-ticker.C:
		}
	}
}

func (a *ActorAdapter) dispatch(req actorRequest) {
	switch req.kind {
	case actorListGuests:
		names, err := runJXAList()
		if err != nil {
			req.resultErr <- err
			return
		}
		req.resultStrs <- names
	case actorGuestStatus:
		status, err := runJXAStatus(req.guestName)
		if err != nil {
			req.resultErr <- err
			return
		}
		req.resultStr <- status
	case actorStartGuest:
		req.resultErr <- runJXAStart(req.guestName)
	case actorDeleteGuest:
		req.resultErr <- runJXADelete(req.guestName)
	case actorDefineGuest:
		req.resultErr <- runJXADefine(req.fromName, req.guestName, req.cdroms)
	case actorRenameGuest:
		req.resultErr <- runJXARename(req.fromName, req.toName)
	}
}

func (a *ActorAdapter) send(ctx context.Context, req actorRequest) error {
	sendCtx, cancel := context.WithTimeout(ctx, a.sendTimeout)
	defer cancel()
	select {
	case a.requests <- req:
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("hypervisor: actor request send timed out after %s", a.sendTimeout)
	}
}

func (a *ActorAdapter) Initialise(ctx context.Context) error {
	return requestAutomationPermission(ctx)
}

func (a *ActorAdapter) ListGuestsWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	req := actorRequest{kind: actorListGuests, resultStrs: make(chan []string, 1), resultErr: make(chan error, 1)}
	if err := a.send(ctx, req); err != nil {
		return nil, err
	}
	recvCtx, cancel := context.WithTimeout(ctx, a.recvTimeout)
	defer cancel()
	select {
	case names := <-req.resultStrs:
		var filtered []string
		for _, n := range names {
			if strings.HasPrefix(n, prefix) {
				filtered = append(filtered, n)
			}
		}
		return filtered, nil
	case err := <-req.resultErr:
		return nil, err
	case <-recvCtx.Done():
		return nil, fmt.Errorf("hypervisor: actor request receive timed out after %s", a.recvTimeout)
	}
}

func (a *ActorAdapter) guestStatus(ctx context.Context, guestName string) (string, error) {
	req := actorRequest{kind: actorGuestStatus, guestName: guestName, resultStr: make(chan string, 1), resultErr: make(chan error, 1)}
	if err := a.send(ctx, req); err != nil {
		return "", err
	}
	recvCtx, cancel := context.WithTimeout(ctx, a.recvTimeout)
	defer cancel()
	select {
	case status := <-req.resultStr:
		return status, nil
	case err := <-req.resultErr:
		return "", err
	case <-recvCtx.Done():
		return "", fmt.Errorf("hypervisor: actor request receive timed out after %s", a.recvTimeout)
	}
}

func (a *ActorAdapter) simpleRequest(ctx context.Context, req actorRequest) error {
	if err := a.send(ctx, req); err != nil {
		return err
	}
	recvCtx, cancel := context.WithTimeout(ctx, a.recvTimeout)
	defer cancel()
	select {
	case err := <-req.resultErr:
		return err
	case <-recvCtx.Done():
		return fmt.Errorf("hypervisor: actor request receive timed out after %s", a.recvTimeout)
	}
}

func (a *ActorAdapter) DefineGuest(ctx context.Context, fromTemplate, guestName string, cdroms []CdromImage) error {
	return a.simpleRequest(ctx, actorRequest{
		kind: actorDefineGuest, fromName: fromTemplate, guestName: guestName, cdroms: cdroms,
		resultErr: make(chan error, 1),
	})
}

func (a *ActorAdapter) StartGuest(ctx context.Context, guestName string) error {
	return a.simpleRequest(ctx, actorRequest{kind: actorStartGuest, guestName: guestName, resultErr: make(chan error, 1)})
}

func (a *ActorAdapter) WaitForGuestShutdown(ctx context.Context, guestName string, timeout time.Duration) error {
	a.log.Info("waiting for guest to shut down", zap.String("guest", guestName), zap.Duration("timeout", timeout))
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := a.guestStatus(ctx, guestName)
		if err == nil && status == "stopped" {
			return nil
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("hypervisor: waiting for guest %s to shut down timed out", guestName)
}

func (a *ActorAdapter) RenameGuest(ctx context.Context, oldName, newName string) error {
	return a.simpleRequest(ctx, actorRequest{kind: actorRenameGuest, fromName: oldName, toName: newName, resultErr: make(chan error, 1)})
}

func (a *ActorAdapter) DeleteGuest(ctx context.Context, guestName string) error {
	return a.simpleRequest(ctx, actorRequest{kind: actorDeleteGuest, guestName: guestName, resultErr: make(chan error, 1)})
}

// GuestIPv4 is not implemented for the actor backend, matching the TODO
// left by get_ipv4_address in impl_utm.rs.
func (a *ActorAdapter) GuestIPv4(ctx context.Context, guestName string) (net.IP, bool) {
	return nil, false
}

// UpdateScreenshot is not implemented for the actor backend, matching the
// TODO left by update_screenshot/take_screenshot in impl_utm.rs.
func (a *ActorAdapter) UpdateScreenshot(ctx context.Context, guestName, outputDir string) error {
	return fmt.Errorf("hypervisor: screenshot capture not implemented for the actor backend")
}

// PruneBaseImageFiles is a no-op for the actor backend, matching
// impl_utm.rs's prune_base_image_files ("not applicable to UTM").
func (a *ActorAdapter) PruneBaseImageFiles(ctx context.Context, profileName string, keepSnapshots map[string]bool) error {
	return nil
}

func requestAutomationPermission(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "osascript", "-e", `tell application "System Events" to return name of first process`)
	return cmd.Run()
}
