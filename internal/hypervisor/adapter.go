// Package hypervisor abstracts the virtualization backend that hosts runner
// guests. Two backends are grounded on the reference implementation's
// hypervisor crate: a libvirt/virsh shell-exec backend for Linux hosts
// (impl_libvirt.rs) and a GUI-automation actor backend for macOS hosts
// (impl_utm.rs), both implementing the same Adapter interface.
package hypervisor

import (
	"context"
	"net"
	"time"
)

// CdromImage describes one optical drive to attach when defining a guest,
// ported from libvirt.rs's CdromImage.
type CdromImage struct {
	TargetDev string
	Path      string
}

// Adapter is a virtualization backend capable of managing runner, rebuild,
// and template guests.
type Adapter interface {
	// Name is the short identifier ("libvirt", "actor").
	Name() string

	// Initialise performs any one-time backend setup (requesting OS
	// automation permission, etc). Called once at startup.
	Initialise(ctx context.Context) error

	// ListGuestsWithPrefix lists all guest names on the host that start
	// with prefix.
	ListGuestsWithPrefix(ctx context.Context, prefix string) ([]string, error)

	// DefineGuest materializes a new guest named guestName by cloning
	// fromTemplate, ported from define_libvirt_guest.
	DefineGuest(ctx context.Context, fromTemplate, guestName string, cdroms []CdromImage) error

	// StartGuest powers on an existing guest.
	StartGuest(ctx context.Context, guestName string) error

	// WaitForGuestShutdown blocks until guestName reports "shut off", or
	// timeout elapses.
	WaitForGuestShutdown(ctx context.Context, guestName string, timeout time.Duration) error

	// RenameGuest renames an existing guest.
	RenameGuest(ctx context.Context, oldName, newName string) error

	// DeleteGuest destroys (if running) and undefines guestName. Must be
	// idempotent: deleting an already-absent guest is not an error.
	DeleteGuest(ctx context.Context, guestName string) error

	// GuestIPv4 returns the guest's current IPv4 lease address, if known.
	GuestIPv4(ctx context.Context, guestName string) (net.IP, bool)

	// UpdateScreenshot atomically refreshes "screenshot.png" under
	// outputDir with a fresh screenshot of guestName.
	UpdateScreenshot(ctx context.Context, guestName, outputDir string) error

	// PruneBaseImageFiles removes base-image files for profile whose
	// snapshot suffix is not in keepSnapshots.
	PruneBaseImageFiles(ctx context.Context, profileName string, keepSnapshots map[string]bool) error
}
