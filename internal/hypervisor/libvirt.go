package hypervisor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LibvirtAdapter drives a local libvirt daemon through the virsh CLI,
// ported line-for-line in spirit from impl_libvirt.rs.
type LibvirtAdapter struct {
	ImagesBaseDir   string // default "/var/lib/libvirt/images/base"
	ImagesRunnerDir string // default "/var/lib/libvirt/images/runner"
	log             *zap.Logger
}

// NewLibvirtAdapter constructs a LibvirtAdapter. Empty dir arguments fall
// back to the paths impl_libvirt.rs and libvirt.rs hardcode.
func NewLibvirtAdapter(imagesBaseDir, imagesRunnerDir string, log *zap.Logger) *LibvirtAdapter {
	if imagesBaseDir == "" {
		imagesBaseDir = "/var/lib/libvirt/images/base"
	}
	if imagesRunnerDir == "" {
		imagesRunnerDir = "/var/lib/libvirt/images/runner"
	}
	return &LibvirtAdapter{ImagesBaseDir: imagesBaseDir, ImagesRunnerDir: imagesRunnerDir, log: log}
}

func (a *LibvirtAdapter) Name() string { return "libvirt" }

// Initialise does nothing: libvirt requires no one-time setup, matching
// impl_libvirt.rs's initialise().
func (a *LibvirtAdapter) Initialise(ctx context.Context) error { return nil }

func (a *LibvirtAdapter) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return out, fmt.Errorf("hypervisor: %s %v: %w (stderr: %s)", name, args, err, bytes.TrimSpace(exitErr.Stderr))
		}
		return out, fmt.Errorf("hypervisor: %s %v: %w", name, args, err)
	}
	return out, nil
}

func (a *LibvirtAdapter) ListGuestsWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	out, err := a.run(ctx, "virsh", "list", "--name", "--all")
	if err != nil {
		return nil, err
	}
	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

func (a *LibvirtAdapter) DefineGuest(ctx context.Context, fromTemplate, guestName string, cdroms []CdromImage) error {
	guestXMLPath := filepath.Join(a.ImagesRunnerDir, guestName+".xml")
	if _, err := a.run(ctx, "virsh", "define", "--", guestXMLPath); err != nil {
		return err
	}
	if _, err := a.run(ctx, "virt-clone", "--preserve-data", "--check", "path_in_use=off",
		"-o", fromTemplate+".init", "-n", guestName); err != nil {
		return err
	}
	for _, c := range cdroms {
		if _, err := a.run(ctx, "virsh", "change-media", "--", guestName, c.TargetDev, c.Path); err != nil {
			return err
		}
	}
	_, err := a.run(ctx, "virsh", "undefine", "--", fromTemplate+".init")
	return err
}

func (a *LibvirtAdapter) StartGuest(ctx context.Context, guestName string) error {
	a.log.Info("starting guest", zap.String("guest", guestName))
	_, err := a.run(ctx, "virsh", "start", "--", guestName)
	return err
}

func (a *LibvirtAdapter) WaitForGuestShutdown(ctx context.Context, guestName string, timeout time.Duration) error {
	a.log.Info("waiting for guest to shut down", zap.String("guest", guestName), zap.Duration("timeout", timeout))
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, _ = a.run(waitCtx, "virsh", "event", "--timeout", fmt.Sprintf("%d", int(timeout.Seconds())), "--", guestName, "lifecycle")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		out, err := a.run(ctx, "virsh", "domstate", "--", guestName)
		if err == nil && strings.TrimSpace(string(out)) == "shut off" {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("hypervisor: guest %s did not shut down as expected", guestName)
}

func (a *LibvirtAdapter) RenameGuest(ctx context.Context, oldName, newName string) error {
	_, err := a.run(ctx, "virsh", "domrename", "--", oldName, newName)
	return err
}

func (a *LibvirtAdapter) DeleteGuest(ctx context.Context, guestName string) error {
	if _, err := a.run(ctx, "virsh", "domstate", "--", guestName); err == nil {
		_, _ = a.run(ctx, "virsh", "destroy", "--", guestName)
		if _, err := a.run(ctx, "virsh", "undefine", "--nvram", "--", guestName); err != nil {
			return err
		}
	}
	return nil
}

var domifaddrLeaseRE = regexp.MustCompile(`^192\.168\.100\.`)

func (a *LibvirtAdapter) GuestIPv4(ctx context.Context, guestName string) (net.IP, bool) {
	for _, source := range []string{"lease", "arp", "agent"} {
		if ip, ok := a.virshDomifaddr(ctx, guestName, source); ok {
			return ip, true
		}
	}
	return nil, false
}

func (a *LibvirtAdapter) virshDomifaddr(ctx context.Context, guestName, source string) (net.IP, bool) {
	out, err := a.run(ctx, "virsh", "domifaddr", "--source", source, guestName)
	if err != nil {
		return nil, false
	}
	return parseVirshDomifaddrOutput(string(out))
}

func parseVirshDomifaddrOutput(output string) (net.IP, bool) {
	lines := strings.Split(output, "\n")
	if len(lines) <= 2 {
		return nil, false
	}
	for _, row := range lines[2:] {
		fields := strings.Fields(row)
		if len(fields) < 4 {
			continue
		}
		addressWithSubnet := fields[3]
		address, _, found := strings.Cut(addressWithSubnet, "/")
		if !found {
			continue
		}
		if domifaddrLeaseRE.MatchString(address) {
			if ip := net.ParseIP(address); ip != nil {
				return ip, true
			}
		}
	}
	return nil, false
}

func (a *LibvirtAdapter) UpdateScreenshot(ctx context.Context, guestName, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	newPath := filepath.Join(outputDir, "screenshot.png.new")
	if _, err := a.run(ctx, "virsh", "screenshot", "--", guestName, newPath); err != nil {
		return err
	}
	return os.Rename(newPath, filepath.Join(outputDir, "screenshot.png"))
}

func (a *LibvirtAdapter) baseImagesPath(profileName string) string {
	return filepath.Join(a.ImagesBaseDir, profileName)
}

func (a *LibvirtAdapter) PruneBaseImageFiles(ctx context.Context, profileName string, keepSnapshots map[string]bool) error {
	dir := a.baseImagesPath(profileName)
	a.log.Info("pruning base image files", zap.String("dir", dir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		filename := entry.Name()
		if _, snapshot, found := strings.Cut(filename, "@"); found {
			if keepSnapshots[snapshot] {
				continue
			}
		}
		path := filepath.Join(dir, filename)
		a.log.Info("deleting base image file", zap.String("path", path))
		if err := os.Remove(path); err != nil {
			a.log.Warn("failed to delete base image file", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}
