// Package policyerr defines the error taxonomy shared across the monitor's
// packages: config, adapter, registry, reservation, and override errors all
// need to be distinguished by the control plane and by the supervisor's
// logging, so they live here instead of in whichever package raises them
// first (that would create import cycles between policy, store, and
// controlplane).
package policyerr

import (
	"errors"
	"fmt"
)

// ConfigError indicates a fatal startup configuration problem.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

func NewConfigError(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// AdapterError wraps a hypervisor command failure. The current action is
// skipped and reconciliation continues.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string { return fmt.Sprintf("adapter: %s: %v", e.Op, e.Err) }
func (e *AdapterError) Unwrap() error { return e.Err }

func NewAdapterError(op string, err error) error {
	return &AdapterError{Op: op, Err: err}
}

// AdapterTimeout is an AdapterError specialization for channel/external-call
// timeouts. No count of these is kept.
type AdapterTimeout struct {
	Op string
}

func (e *AdapterTimeout) Error() string { return "adapter timeout: " + e.Op }

func NewAdapterTimeout(op string) error {
	return &AdapterTimeout{Op: op}
}

// RegistryError wraps a CI-provider call failure. Cached state is retained
// and reconciliation continues.
type RegistryError struct {
	Op  string
	Err error
}

func (e *RegistryError) Error() string { return fmt.Sprintf("registry: %s: %v", e.Op, e.Err) }
func (e *RegistryError) Unwrap() error { return e.Err }

func NewRegistryError(op string, err error) error {
	return &RegistryError{Op: op, Err: err}
}

// ErrReservationConflict is returned when a reservation marker already
// exists with different fields than the one being recorded.
var ErrReservationConflict = errors.New("reservation conflict")

// ErrRunnerNotFound is returned when a runner id has no tracked Runner.
var ErrRunnerNotFound = errors.New("runner not found")

// OverrideRejectedReason enumerates why try_override failed validation.
type OverrideRejectedReason string

const (
	OverrideReasonBusy         OverrideRejectedReason = "busy"
	OverrideReasonEmpty        OverrideRejectedReason = "empty"
	OverrideReasonMeaningless  OverrideRejectedReason = "meaningless"
	OverrideReasonAdjustedAway OverrideRejectedReason = "adjusted-away"
)

// OverrideRejected is returned by TryOverride when validation fails.
type OverrideRejected struct {
	Reason OverrideRejectedReason
	Detail string
}

func (e *OverrideRejected) Error() string {
	if e.Detail == "" {
		return "override rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("override rejected (%s): %s", e.Reason, e.Detail)
}

func NewOverrideRejected(reason OverrideRejectedReason, detail string) error {
	return &OverrideRejected{Reason: reason, Detail: detail}
}

// ErrTransientUnavailable indicates the decision requires a fresh Runners
// view that Policy does not yet have. Callers should retry shortly.
var ErrTransientUnavailable = errors.New("policy decision temporarily unavailable")
