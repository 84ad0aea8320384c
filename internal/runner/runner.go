// Package runner assembles the namespace flags, bind mounts, and
// environment for one sandboxed command and launches it through the
// unprivileged sandbox helper (the re-exec'd `_sandbox_init` subcommand).
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sandkit/sandkit/internal/logger"
	"github.com/sandkit/sandkit/internal/process"
)

// IOMode selects how the spawned command's stdio is exposed.
type IOMode int

const (
	IOPipe IOMode = iota
	IOPTY
)

// Mounts describes the three fixed binds every sandbox gets, per
// spec.md §4.5.
type Mounts struct {
	RootfsDir  string // read-only bind at /
	SessionDir string // read-write bind at /home/sandbox
	TmpDir     string // read-write bind at /tmp
	ResolvConf string // optional read-only bind at /etc/resolv.conf
}

// SpawnConfig is the contract from spec.md §4.5: `spawn(command, io_mode,
// env_override?, join_netns_pid?) → process_record`.
type SpawnConfig struct {
	Mounts Mounts

	Shell   string // defaults to /bin/sh
	Command string // interpreted by Shell -c

	IOMode      IOMode
	EnvOverride map[string]string

	// CreateNetNS requests a fresh, empty network namespace. Ignored if
	// JoinNetNSPID is non-zero.
	CreateNetNS  bool
	JoinNetNSPID int

	Rows, Cols int // initial PTY window size, IOPTY only

	CPULimit time.Duration
	MemLimit uint64
	MaxFDs   uint32

	DefaultTimeout time.Duration

	// DenyPaths are in-sandbox paths hidden behind an empty read-only
	// tmpfs overmount; DenyWritePaths are bound read-only so they stay
	// readable but not writable.
	DenyPaths      []string
	DenyWritePaths []string
}

var curatedEnvKeys = []string{"PATH", "LANG", "LC_ALL", "TERM"}

// Spawn launches the sandbox helper wrapping the target command and
// returns a process record owned by the caller (the coordinator).
func Spawn(ctx context.Context, cfg SpawnConfig) (*process.Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("runner: resolve own executable: %w", err)
	}

	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	args := []string{
		"_sandbox_init",
		"--rootfs", cfg.Mounts.RootfsDir,
		"--session", cfg.Mounts.SessionDir,
		"--tmp", cfg.Mounts.TmpDir,
		"--uid", strconv.Itoa(os.Getuid()),
		"--gid", strconv.Itoa(os.Getgid()),
	}
	if cfg.Mounts.ResolvConf != "" {
		args = append(args, "--resolv-conf", cfg.Mounts.ResolvConf)
	}
	for _, p := range cfg.DenyPaths {
		args = append(args, "--deny", p)
	}
	for _, p := range cfg.DenyWritePaths {
		args = append(args, "--deny-write", p)
	}
	args = append(args, "--", shell, "-c", cfg.Command)

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = cfg.Mounts.SessionDir
	cmd.Env = buildEnv(cfg.EnvOverride)
	cmd.SysProcAttr = sysProcAttr(cfg)

	proc, err := process.New(cmd, toProcessIOMode(cfg.IOMode), cfg.DefaultTimeout, cfg.Rows, cfg.Cols)
	if err != nil {
		return nil, fmt.Errorf("runner: start sandbox helper: %w", err)
	}

	applyRlimits(proc.Pid(), cfg)
	logger.Log.Info("runner: spawned sandbox", "pid", proc.Pid(), "rootfs", cfg.Mounts.RootfsDir, "io_mode", cfg.IOMode)
	return proc, nil
}

func toProcessIOMode(m IOMode) process.IOMode {
	if m == IOPTY {
		return process.PTY
	}
	return process.Pipe
}

// buildEnv passes a small curated set of host variables plus the
// sandbox-appropriate overrides spec.md §4.5 calls out. Unspecified
// variables are dropped.
func buildEnv(override map[string]string) []string {
	env := []string{
		"HOME=/home/sandbox",
		"USER=sandbox",
		"PWD=/home/sandbox",
	}
	for _, key := range curatedEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	for k, v := range override {
		env = append(env, k+"="+v)
	}
	return env
}

// sysProcAttr assembles the clone flags for the re-exec'd `_sandbox_init`
// wrapper. The wrapper itself stays out of the PID namespace — it needs
// host /proc to write uid_map for its own nested CLONE_NEWUSER before
// spawning the target command, mirroring the teacher's wrapper-vs-agent
// namespace split.
func sysProcAttr(cfg SpawnConfig) *syscall.SysProcAttr {
	flags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)

	if cfg.JoinNetNSPID == 0 && cfg.CreateNetNS {
		flags |= syscall.CLONE_NEWNET
	}

	attr := &syscall.SysProcAttr{
		Cloneflags: flags,
		Setpgid:    true,
	}

	if os.Geteuid() != 0 {
		attr.Cloneflags |= syscall.CLONE_NEWUSER
		uid, gid := os.Getuid(), os.Getgid()
		// Map to UID 0 in the new namespace — the wrapper needs
		// CAP_SYS_ADMIN for mounts, and drops to the real UID via a
		// nested user namespace before exec'ing the target command.
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: gid, Size: 1}}
	}

	return attr
}

func applyRlimits(pid int, cfg SpawnConfig) {
	if cfg.CPULimit > 0 {
		lim := unix.Rlimit{Cur: uint64(cfg.CPULimit.Seconds()), Max: uint64(cfg.CPULimit.Seconds())}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			logger.Log.Warn("runner: prlimit CPU failed", "pid", pid, "error", err)
		}
	}
	if cfg.MemLimit > 0 {
		mem := cfg.MemLimit
		const minVAS = 4 * 1024 * 1024 * 1024
		if mem < minVAS {
			mem = minVAS
		}
		lim := unix.Rlimit{Cur: mem, Max: mem}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			logger.Log.Warn("runner: prlimit AS failed", "pid", pid, "error", err)
		}
	}
	if cfg.MaxFDs > 0 {
		lim := unix.Rlimit{Cur: uint64(cfg.MaxFDs), Max: uint64(cfg.MaxFDs)}
		if err := unix.Prlimit(pid, unix.RLIMIT_NOFILE, &lim, nil); err != nil {
			logger.Log.Warn("runner: prlimit NOFILE failed", "pid", pid, "error", err)
		}
	}
}

// HasNamespaceCapability reports whether this process can create the
// namespaces the runner needs. When neither root, CAP_SYS_ADMIN, nor the
// unprivileged_userns_clone sysctl settles it, it spawns a short-lived
// probe child in a new user namespace.
func HasNamespaceCapability() bool {
	if os.Geteuid() == 0 {
		return true
	}

	var hdr unix.CapUserHeader
	var data unix.CapUserData
	hdr.Version = unix.LINUX_CAPABILITY_VERSION_1
	hdr.Pid = 0
	if err := unix.Capget(&hdr, &data); err == nil {
		if data.Effective&(1<<unix.CAP_SYS_ADMIN) != 0 {
			return true
		}
	}

	if val, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		return trimmedEquals(val, "1")
	}

	return probeUserNamespace()
}

func trimmedEquals(b []byte, s string) bool {
	start, end := 0, len(b)
	for start < end && (b[start] == ' ' || b[start] == '\n' || b[start] == '\t') {
		start++
	}
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\t') {
		end--
	}
	return string(b[start:end]) == s
}

// probeUserNamespace spawns a trivial child in a new user namespace to
// test support on kernels where the sysctl above is absent (e.g. WSL2).
func probeUserNamespace() bool {
	cmd := exec.Command("true")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{{
			ContainerID: os.Getuid(),
			HostID:      os.Getuid(),
			Size:        1,
		}},
		GidMappings: []syscall.SysProcIDMap{{
			ContainerID: os.Getgid(),
			HostID:      os.Getgid(),
			Size:        1,
		}},
	}
	return cmd.Run() == nil
}
