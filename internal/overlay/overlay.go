// Package overlay drives the external, unprivileged FUSE overlay helper
// (fuse-overlayfs by default) that combines a read-only cached rootfs with
// a writable upper directory.
package overlay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sandkit/sandkit/internal/logger"
)

// ErrHelperMissing is an Environment-kind error: the configured FUSE
// overlay helper binary could not be found on PATH.
var ErrHelperMissing = errors.New("overlay: fuse overlay helper not found")

// Handle is the live state of one overlay mount. live-mount ⇒ Mount is an
// active FUSE mount point backed by the helper process.
type Handle struct {
	Lower   string
	Upper   string
	Work    string
	Mount   string
	Live    bool
	Persist bool

	cmd *exec.Cmd
}

// Manager supervises the FUSE overlay helper binary.
type Manager struct {
	helperPath   string
	readyTimeout time.Duration
}

// NewManager returns a Manager that invokes helperPath (resolved via PATH
// if not absolute) to perform overlay mounts.
func NewManager(helperPath string) *Manager {
	if helperPath == "" {
		helperPath = "fuse-overlayfs"
	}
	return &Manager{helperPath: helperPath, readyTimeout: 10 * time.Second}
}

// Mount starts the FUSE helper and waits until the mount is observable in
// /proc/mounts, with a bounded timeout. On failure no directories are
// touched here — the caller (the coordinator) is responsible for releasing
// engine-allocated overlay directories per spec.md §4.3.
func (m *Manager) Mount(ctx context.Context, h *Handle) error {
	if _, err := exec.LookPath(m.helperPath); err != nil {
		return fmt.Errorf("%w: %s", ErrHelperMissing, m.helperPath)
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", h.Lower, h.Upper, h.Work)
	cmd := exec.CommandContext(ctx, m.helperPath, "-o", opts, h.Mount)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("overlay: start helper: %w", err)
	}
	h.cmd = cmd

	if err := m.waitMounted(ctx, h.Mount); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return fmt.Errorf("overlay: mount not observed: %w", err)
	}

	h.Live = true
	logger.Log.Info("overlay mounted", "mount", h.Mount, "lower", h.Lower, "upper", h.Upper)
	return nil
}

// waitMounted polls /proc/mounts for a mount entry at mountPoint, the
// proc-level observable the design notes call for in place of a custom
// helper handshake protocol.
func (m *Manager) waitMounted(ctx context.Context, mountPoint string) error {
	deadline := time.Now().Add(m.readyTimeout)
	for time.Now().Before(deadline) {
		if mounted, err := isMounted(mountPoint); err == nil && mounted {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("overlay: helper did not report mount within %s", m.readyTimeout)
}

func isMounted(mountPoint string) (bool, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == mountPoint {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// Unmount invokes the FUSE unmount command on Mount, retrying a small,
// bounded number of times. If every attempt fails, the failure is
// returned to the caller but Handle.Live is still cleared — a surfaced
// failure still proceeds with directory release to avoid a second-order
// leak, per spec.md §4.3.
func (m *Manager) Unmount(ctx context.Context, h *Handle) error {
	if !h.Live || h.Persist {
		return nil
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := runUnmount(ctx, h.Mount); err == nil {
			lastErr = nil
			break
		} else {
			lastErr = err
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
	}

	if h.cmd != nil && h.cmd.Process != nil {
		h.cmd.Wait()
	}
	h.Live = false

	if lastErr != nil {
		return fmt.Errorf("overlay: unmount %s failed after %d attempts: %w", h.Mount, maxAttempts, lastErr)
	}
	logger.Log.Info("overlay unmounted", "mount", h.Mount)
	return nil
}

func runUnmount(ctx context.Context, mountPoint string) error {
	if _, err := exec.LookPath("fusermount3"); err == nil {
		return exec.CommandContext(ctx, "fusermount3", "-u", mountPoint).Run()
	}
	if _, err := exec.LookPath("fusermount"); err == nil {
		return exec.CommandContext(ctx, "fusermount", "-u", mountPoint).Run()
	}
	return exec.CommandContext(ctx, "umount", mountPoint).Run()
}
