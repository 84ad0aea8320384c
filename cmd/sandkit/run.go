package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sandkit/sandkit/internal/config"
	"github.com/sandkit/sandkit/internal/logger"
	"github.com/sandkit/sandkit/internal/process"
	"github.com/sandkit/sandkit/internal/runner"
	"github.com/sandkit/sandkit/internal/sandbox"
)

// lastExitCode carries the sandboxed command's exit code out of RunE so
// main can os.Exit with it after every deferred teardown (sb.Close, in
// particular) has already run.
var lastExitCode int

type runFlags struct {
	rootfsArchive   string
	explicitRoot    string
	cacheDir        string
	workDir         string
	tmpDir          string
	overlay         bool
	overlayMountDir string
	persistOverlay  bool
	overlayHelper   string
	isolation       string
	domains         []string
	hostLoopback    bool
	netHelper       string
	shell           string
	runCommand      string
	scriptExt       string
	timeout         time.Duration
	cpuLimit        time.Duration
	memLimit        string
	maxFDs          uint32
	pidLimit        uint32
	pty             bool
	script          bool
	denyPaths       []string
	denyWritePaths  []string
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "open a sandbox and run a command inside it",
		Long: "run opens one sandbox, executes a single command (or, with --script, a\n" +
			"file of source handed to --run-command) inside it, streams its output,\n" +
			"and tears the sandbox down before exiting with the command's exit code.",
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSandbox(f, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.rootfsArchive, "rootfs-archive", "", "path to a rootfs archive (tar, optionally gzip, bzip2, xz or zstd compressed)")
	flags.StringVar(&f.explicitRoot, "rootfs-dir", "", "use an already-extracted rootfs directory directly, bypassing the cache")
	flags.StringVar(&f.cacheDir, "cache-dir", "", "archive cache root (defaults to the configured cache dir, else ~/.cache/sandkit/rootfs)")
	flags.StringVar(&f.workDir, "work-dir", "", "session directory, bound at /home/sandbox (engine allocates one if empty)")
	flags.StringVar(&f.tmpDir, "tmp-dir", "", "scratch directory, bound at /tmp (engine allocates one if empty)")
	flags.BoolVar(&f.overlay, "overlay", false, "mount a writable overlay on top of the rootfs")
	flags.StringVar(&f.overlayMountDir, "overlay-mount-dir", "", "explicit overlay mount point (required with --persist-overlay)")
	flags.BoolVar(&f.persistOverlay, "persist-overlay", false, "keep the overlay's upper directory after close instead of discarding it")
	flags.StringVar(&f.overlayHelper, "overlay-helper", "", "fuse-overlayfs binary path (defaults to config)")
	flags.StringVar(&f.isolation, "isolation", "standard", "isolation preset: strict, standard, network, privileged")
	flags.StringSliceVar(&f.domains, "allow-domain", nil, "domain (or *.suffix wildcard) allowed through the outbound proxy, repeatable")
	flags.BoolVar(&f.hostLoopback, "host-loopback", false, "bridge the sandbox's loopback back to the host (privileged isolation only)")
	flags.StringVar(&f.netHelper, "net-helper", "", "override the network helper binary (defaults to this binary, re-exec'd)")
	flags.StringVar(&f.shell, "shell", "", "shell used to interpret the command (defaults to /bin/sh)")
	flags.StringVar(&f.runCommand, "run-command", "", "interpreter invoked on --script source, e.g. python3")
	flags.StringVar(&f.scriptExt, "script-ext", "", "script file extension for --script, e.g. .py (defaults to .sh)")
	flags.DurationVar(&f.timeout, "timeout", 0, "wait timeout before the SIGTERM/SIGKILL cascade (0 = unbounded)")
	flags.DurationVar(&f.cpuLimit, "cpu-limit", 0, "CPU time limit (RLIMIT_CPU)")
	flags.StringVar(&f.memLimit, "mem-limit", "", "memory limit, e.g. 512MB, 2GB")
	flags.Uint32Var(&f.maxFDs, "max-fds", 0, "max open file descriptors (RLIMIT_NOFILE)")
	flags.Uint32Var(&f.pidLimit, "max-pids", 0, "max process count in the sandbox's cgroup")
	flags.BoolVar(&f.pty, "pty", false, "allocate a PTY and attach the caller's terminal to it")
	flags.BoolVar(&f.script, "script", false, "treat the joined command args as script source for --run-command")
	flags.StringSliceVar(&f.denyPaths, "deny", nil, "in-sandbox path to hide behind an empty read-only tmpfs, repeatable")
	flags.StringSliceVar(&f.denyWritePaths, "deny-write", nil, "in-sandbox path to bind mount read-only, repeatable")

	return cmd
}

func runSandbox(f runFlags, args []string) error {
	if f.rootfsArchive == "" && f.explicitRoot == "" {
		return fmt.Errorf("one of --rootfs-archive or --rootfs-dir is required")
	}
	if len(args) == 0 {
		return fmt.Errorf("a command is required after --")
	}

	mgr := config.NewManager()
	userDir, _ := config.GetUserConfigDir()
	cwd, _ := os.Getwd()
	if err := mgr.Load(userDir, cwd); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defaults := mgr.Get()

	memLimit, err := parseMemFlag(f.memLimit)
	if err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}

	cacheDir := firstNonEmpty(f.cacheDir, defaults.CacheDir)
	if cacheDir == "" {
		if dir, err := config.GetCacheDir(); err == nil {
			cacheDir = dir
		}
	}
	overlayHelper := firstNonEmpty(f.overlayHelper, defaults.OverlayHelperPath)
	netHelper := firstNonEmpty(f.netHelper, defaults.NetHelperPath, exe)

	timeout := f.timeout
	if timeout == 0 && defaults.DefaultTimeoutSec > 0 {
		timeout = time.Duration(defaults.DefaultTimeoutSec) * time.Second
	}
	maxFDs := f.maxFDs
	if maxFDs == 0 && defaults.DefaultMaxFDs > 0 {
		maxFDs = uint32(defaults.DefaultMaxFDs)
	}

	level := sandbox.ParseIsolation(f.isolation)
	hostLoopback := f.hostLoopback || level == sandbox.Privileged

	cfg := sandbox.Config{
		RootfsArchive:     f.rootfsArchive,
		CacheRoot:         cacheDir,
		ExplicitRootDir:   f.explicitRoot,
		WorkDir:           f.workDir,
		TmpDir:            f.tmpDir,
		Overlay:           f.overlay,
		OverlayMountDir:   f.overlayMountDir,
		PersistOverlay:    f.persistOverlay,
		OverlayHelperPath: overlayHelper,
		Network:           level.NetworkMode(),
		DomainAllowlist:   f.domains,
		HostLoopback:      hostLoopback,
		NetHelperPath:     netHelper,
		Shell:             f.shell,
		RunCommand:        f.runCommand,
		ScriptExt:         f.scriptExt,
		DefaultTimeout:    timeout,
		CPULimit:          f.cpuLimit,
		MemLimit:          memLimit,
		MaxFDs:            maxFDs,
		PidLimit:          f.pidLimit,
		DenyPaths:         f.denyPaths,
		DenyWritePaths:    f.denyWritePaths,
	}

	sb, err := sandbox.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			cancel()
		}
	}()

	if err := sb.Open(ctx); err != nil {
		return fmt.Errorf("open sandbox: %w", err)
	}
	defer func() {
		if cerr := sb.Close(); cerr != nil {
			logger.Log.Warn("run: close sandbox", "error", cerr)
		}
	}()

	ioMode := runner.IOPipe
	if f.pty {
		ioMode = runner.IOPTY
	}

	command := strings.Join(args, " ")
	var proc *process.Process
	if f.script {
		proc, err = sb.RunScript(ctx, command, ioMode)
	} else {
		proc, err = sb.Run(ctx, command, ioMode)
	}
	if err != nil {
		return fmt.Errorf("run command: %w", err)
	}

	var result process.Result
	if f.pty {
		result, err = attachPTY(ctx, proc)
	} else {
		result, err = attachPipe(ctx, proc)
	}
	if err != nil && result.State != process.Exited {
		return fmt.Errorf("run: %w", err)
	}

	lastExitCode = result.ExitCode
	return nil
}

// attachPipe drains both stdio streams line by line to the caller's
// stdout/stderr and waits for the sandboxed command to finish.
func attachPipe(ctx context.Context, proc *process.Process) (process.Result, error) {
	for lc := range proc.StreamLines(ctx) {
		w := os.Stdout
		if lc.Tag == process.Stderr {
			w = os.Stderr
		}
		fmt.Fprintln(w, lc.Line)
	}
	return proc.Wait(ctx, false, 0)
}

// attachPTY puts the caller's terminal in raw mode, relays window-resize
// events, and copies bytes in both directions until the sandboxed command
// exits.
func attachPTY(ctx context.Context, proc *process.Process) (process.Result, error) {
	stdinFd := int(os.Stdin.Fd())
	var restore func()
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err == nil {
			restore = func() { term.Restore(stdinFd, oldState) }
			defer restore()
		}
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if cols, rows, err := term.GetSize(stdinFd); err == nil {
				proc.SetTerminalSize(rows, cols)
			}
		}
	}()
	if cols, rows, err := term.GetSize(stdinFd); err == nil {
		proc.SetTerminalSize(rows, cols)
	}
	winch <- syscall.SIGWINCH

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if serr := proc.Send(buf[:n]); serr != nil {
					return
				}
			}
			if err != nil {
				proc.CloseStdin()
				return
			}
		}
	}()

	for chunk := range proc.Stream(ctx) {
		os.Stdout.Write(chunk.Data)
	}
	return proc.Wait(ctx, false, 0)
}

func parseMemFlag(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	s = strings.TrimSpace(strings.ToUpper(s))
	multiplier := uint64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	return n * multiplier, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
