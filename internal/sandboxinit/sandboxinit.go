//go:build linux

// Package sandboxinit is the re-exec'd `_sandbox_init` helper. It runs as
// UID 0 inside the namespaces the runner package created, performs the
// mount setup spec.md §4.5 requires (rootfs at /, session at
// /home/sandbox, tmp at /tmp, optional resolv.conf), installs a seccomp
// denylist, then drops into a nested user+PID namespace to exec the
// target command as the real caller's UID.
package sandboxinit

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sandkit/sandkit/internal/logger"
)

// stringListFlag collects repeated occurrences of a flag, e.g. multiple
// --deny PATH arguments, into a slice.
type stringListFlag []string

func (s *stringListFlag) String() string { return strings.Join(*s, ",") }
func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Main parses args (the argv tail after the "_sandbox_init" subcommand
// name) and never returns on success — it runs the target as a child
// process and os.Exits with the child's exit code.
func Main(args []string) error {
	fs := flag.NewFlagSet("_sandbox_init", flag.ContinueOnError)
	rootfs := fs.String("rootfs", "", "read-only rootfs directory")
	session := fs.String("session", "", "read-write session directory, bound at /home/sandbox")
	tmp := fs.String("tmp", "", "read-write scratch directory, bound at /tmp")
	resolvConf := fs.String("resolv-conf", "", "optional resolv.conf to bind read-only at /etc/resolv.conf")
	uid := fs.Int("uid", 0, "real caller uid to drop to before exec")
	gid := fs.Int("gid", 0, "real caller gid to drop to before exec")
	var denyPaths, denyWritePaths stringListFlag
	fs.Var(&denyPaths, "deny", "in-sandbox path to hide behind an empty read-only tmpfs, repeatable")
	fs.Var(&denyWritePaths, "deny-write", "in-sandbox path to bind mount read-only, repeatable")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("sandboxinit: parse args: %w", err)
	}

	cmdArgs := fs.Args()
	if len(cmdArgs) == 0 {
		return fmt.Errorf("sandboxinit: missing -- separator or command")
	}

	if *rootfs == "" || *session == "" || *tmp == "" {
		return fmt.Errorf("sandboxinit: --rootfs, --session and --tmp are required")
	}

	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		logger.Log.Warn("sandboxinit: make root private", "error", err)
	}

	if err := mountRootfs(*rootfs, *session, *tmp, *resolvConf); err != nil {
		return fmt.Errorf("sandboxinit: mount setup: %w", err)
	}

	// The new UTS namespace inherits the parent's hostname at creation;
	// it does not become "sandbox" on its own.
	if err := unix.Sethostname([]byte("sandbox")); err != nil {
		logger.Log.Warn("sandboxinit: set hostname", "error", err)
	}

	applyDenyMounts(*rootfs, denyPaths, denyWritePaths)

	if err := unix.Chroot(*rootfs); err != nil {
		return fmt.Errorf("sandboxinit: chroot %s: %w", *rootfs, err)
	}
	if err := os.Chdir("/home/sandbox"); err != nil {
		return fmt.Errorf("sandboxinit: chdir /home/sandbox: %w", err)
	}

	if err := installSeccomp(); err != nil {
		logger.Log.Warn("sandboxinit: seccomp install failed, continuing without", "error", err)
	}

	return execTarget(cmdArgs, *uid, *gid)
}

// applyDenyMounts hides or read-only-binds caller-specified in-sandbox
// paths before chroot, so they take effect however the target command
// later tries to reach them. Failures are logged, not fatal — a
// caller-supplied path that doesn't exist yet (deny-write) or can't be
// masked shouldn't abort an otherwise-valid sandbox session.
func applyDenyMounts(rootfs string, denyPaths, denyWritePaths []string) {
	for _, p := range denyPaths {
		target := rootfs + p
		if err := os.MkdirAll(target, 0755); err != nil {
			logger.Log.Warn("sandboxinit: mkdir deny path", "path", target, "error", err)
			continue
		}
		if err := unix.Mount("tmpfs", target, "tmpfs", unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, "size=0"); err != nil {
			logger.Log.Warn("sandboxinit: mount deny path", "path", target, "error", err)
		}
	}

	for _, p := range denyWritePaths {
		target := rootfs + p
		if _, err := os.Stat(target); err != nil {
			continue
		}
		if err := unix.Mount(target, target, "", unix.MS_BIND, ""); err != nil {
			logger.Log.Warn("sandboxinit: bind deny-write path", "path", target, "error", err)
			continue
		}
		if err := unix.Mount("", target, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			logger.Log.Warn("sandboxinit: remount deny-write path ro", "path", target, "error", err)
		}
	}
}

// mountRootfs binds the three fixed mounts spec.md §4.5 names. rootfs is
// bound onto itself so it can be independently remounted read-only;
// session and tmp land at their fixed in-sandbox paths.
func mountRootfs(rootfs, session, tmp, resolvConf string) error {
	if err := unix.Mount(rootfs, rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind rootfs: %w", err)
	}
	if err := unix.Mount("", rootfs, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("remount rootfs ro: %w", err)
	}

	homeInRootfs := rootfs + "/home/sandbox"
	if err := os.MkdirAll(homeInRootfs, 0755); err != nil {
		return fmt.Errorf("mkdir session mountpoint: %w", err)
	}
	if err := unix.Mount(session, homeInRootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind session: %w", err)
	}

	tmpInRootfs := rootfs + "/tmp"
	if err := os.MkdirAll(tmpInRootfs, 0755); err != nil {
		return fmt.Errorf("mkdir tmp mountpoint: %w", err)
	}
	if err := unix.Mount(tmp, tmpInRootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind tmp: %w", err)
	}

	if resolvConf != "" {
		resolvInRootfs := rootfs + "/etc/resolv.conf"
		if _, err := os.Stat(resolvInRootfs); err == nil {
			if err := unix.Mount(resolvConf, resolvInRootfs, "", unix.MS_BIND, ""); err != nil {
				logger.Log.Warn("sandboxinit: bind resolv.conf", "error", err)
			} else if err := unix.Mount("", resolvInRootfs, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
				logger.Log.Warn("sandboxinit: remount resolv.conf ro", "error", err)
			}
		}
	}

	return nil
}

// execTarget spawns cmdArgs in a nested user+PID namespace, mapping the
// sandbox's root identity down to uid/gid, then waits and propagates its
// exit code. The wrapper process (this one) stays outside the PID
// namespace so its own /proc stays valid.
func execTarget(cmdArgs []string, uid, gid int) error {
	cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWPID,
	}
	if uid != 0 {
		cmd.SysProcAttr.Cloneflags |= syscall.CLONE_NEWUSER
		cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: 0, Size: 1}}
		cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: 0, Size: 1}}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sandboxinit: start target: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			cmd.Process.Signal(sig)
		}
	}()

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		return fmt.Errorf("sandboxinit: wait target: %w", err)
	}
	os.Exit(0)
	return nil
}
