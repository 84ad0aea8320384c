// Package sandbox is the coordinator tying the archive cache, session
// workspace, overlay manager, network provisioner, runner, and process
// supervisor into one scoped-acquisition session per spec.md §4.7: a
// single construction captures configuration, Open resolves every
// dependency and transitions to open, Run/RunScript spawn supervised
// children, and Close tears everything down in reverse order exactly
// once.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandkit/sandkit/internal/archive"
	"github.com/sandkit/sandkit/internal/logger"
	"github.com/sandkit/sandkit/internal/netns"
	"github.com/sandkit/sandkit/internal/overlay"
	"github.com/sandkit/sandkit/internal/process"
	"github.com/sandkit/sandkit/internal/runner"
	"github.com/sandkit/sandkit/internal/workspace"
)

// State is the coordinator's lifecycle per spec.md §3: constructed → open
// on successful initialization; open → closing → closed on teardown; any
// initialization failure transitions directly to closed after rollback.
type State int

const (
	StateConstructed State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConfigError reports a mutually-exclusive or invalid configuration,
// fatal at construction.
type ConfigError struct{ Reason string }

func (e *ConfigError) Error() string { return "sandbox: invalid configuration: " + e.Reason }

// EnvironmentError reports a missing external prerequisite (sandbox
// helper, FUSE overlay helper, network helper, unsupported kernel
// features), fatal at initialization.
type EnvironmentError struct{ Missing string }

func (e *EnvironmentError) Error() string { return "sandbox: missing prerequisite: " + e.Missing }

// SetupError wraps a namespace, mount, or helper-readiness failure during
// Open. It always triggers a full rollback of whatever had already
// succeeded.
type SetupError struct {
	Step string
	Err  error
}

func (e *SetupError) Error() string { return fmt.Sprintf("sandbox: setup failed at %s: %v", e.Step, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// TeardownError aggregates every non-recovered failure encountered while
// closing a sandbox. Close still runs every step regardless of earlier
// failures; this is what it returns if any occurred.
type TeardownError struct{ Errs []error }

func (e *TeardownError) Error() string {
	parts := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		parts[i] = err.Error()
	}
	return "sandbox: teardown errors: " + strings.Join(parts, "; ")
}

func (e *TeardownError) Unwrap() []error { return e.Errs }

// Config captures everything Open needs to resolve. Fields left zero take
// the documented default.
type Config struct {
	RootfsArchive   string
	CacheRoot       string
	ExplicitRootDir string // already-extracted rootfs used as-is; the cache and RootfsArchive are not used

	WorkDir string // caller-provided session dir; engine allocates if empty
	TmpDir  string // caller-provided tmp backing; engine allocates if empty

	Overlay           bool
	OverlayMountDir   string // must be caller-provided if PersistOverlay
	PersistOverlay    bool
	OverlayHelperPath string

	Network         netns.Mode
	DomainAllowlist []string
	HostLoopback    bool
	NetHelperPath   string

	Shell          string // defaults to /bin/sh
	RunCommand     string // interpreter for run_script, e.g. "node", "python3"
	ScriptExt      string // script file extension for run_script, e.g. ".js"
	DefaultTimeout time.Duration

	CPULimit time.Duration
	MemLimit uint64
	MaxFDs   uint32
	PidLimit uint32

	// DenyPaths are in-sandbox paths (e.g. "/home/sandbox/.ssh") hidden
	// behind an empty read-only tmpfs, generalizing the teacher's
	// hide-~/.ssh behavior to a caller-supplied list.
	DenyPaths []string
	// DenyWritePaths are in-sandbox paths bind-mounted read-only: visible
	// to the sandboxed command, but not writable.
	DenyWritePaths []string
}

func (c Config) validate() error {
	if c.RootfsArchive == "" && c.ExplicitRootDir == "" {
		return &ConfigError{Reason: "one of RootfsArchive or ExplicitRootDir is required"}
	}
	if c.PersistOverlay && !c.Overlay {
		return &ConfigError{Reason: "PersistOverlay requires Overlay"}
	}
	if c.PersistOverlay && c.OverlayMountDir == "" {
		return &ConfigError{Reason: "PersistOverlay requires an explicit OverlayMountDir"}
	}
	return nil
}

// Sandbox is one coordinator session. Zero value is not usable; construct
// via New.
type Sandbox struct {
	cfg Config
	id  string

	mu    sync.Mutex
	state State

	cache *archive.Cache
	ws    *workspace.Workspace

	overlayMgr    *overlay.Manager
	overlayHandle *overlay.Handle

	netProvisioner *netns.Provisioner
	netHandle      *netns.Handle
	netAnchor      *process.Process
	netAnchorPID   int

	cgroup *cgroupManager

	rootfsDir  string // effective read-only root: cache dir or overlay mount
	sessionDir string
	tmpDir     string

	procs []*process.Process
}

// New captures cfg without touching the filesystem or spawning anything.
// Construction-time validation rejects invalid configuration immediately.
func New(cfg Config) (*Sandbox, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Sandbox{
		cfg:   cfg,
		id:    uuid.NewString(),
		state: StateConstructed,
	}, nil
}

// State reports the coordinator's current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open resolves the archive, allocates the workspace, optionally mounts
// the overlay, configures networking, and transitions to open. Any
// failure rolls back everything that already succeeded, in reverse order,
// and leaves the sandbox closed.
func (s *Sandbox) Open(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConstructed {
		return &ConfigError{Reason: fmt.Sprintf("Open called from state %s", s.state)}
	}

	defer func() {
		if err != nil {
			s.rollbackLocked()
			s.state = StateClosed
		}
	}()

	if !runner.HasNamespaceCapability() {
		return &EnvironmentError{Missing: "user namespace support"}
	}

	if s.cfg.ExplicitRootDir != "" {
		s.rootfsDir = s.cfg.ExplicitRootDir
	} else {
		s.cache = archive.NewCache(s.cfg.CacheRoot)
		dir, rerr := s.cache.Resolve(s.cfg.RootfsArchive, "")
		if rerr != nil {
			return fmt.Errorf("sandbox: resolve archive: %w", rerr)
		}
		s.rootfsDir = dir
	}

	s.ws, err = workspace.New()
	if err != nil {
		return &SetupError{Step: "allocate workspace", Err: err}
	}

	s.sessionDir, err = s.ws.Allocate(workspace.RoleSession, s.cfg.WorkDir)
	if err != nil {
		return &SetupError{Step: "allocate session dir", Err: err}
	}
	s.tmpDir, err = s.ws.Allocate(workspace.RoleTmp, s.cfg.TmpDir)
	if err != nil {
		return &SetupError{Step: "allocate tmp dir", Err: err}
	}

	if s.cfg.Overlay {
		if err = s.mountOverlayLocked(ctx); err != nil {
			return err
		}
	}

	if s.cfg.Network.NeedsNamespace() {
		if err = s.provisionNetworkLocked(ctx); err != nil {
			return err
		}
	}

	if cg, cgErr := newCgroupManager(s.id, s.cfg.MemLimit, s.cfg.PidLimit); cgErr == nil {
		s.cgroup = cg
	} else {
		logger.Log.Warn("sandbox: cgroup setup failed, falling back to prlimit-only", "error", cgErr)
	}

	s.state = StateOpen
	logger.Log.Info("sandbox: opened", "id", s.id, "rootfs", s.rootfsDir, "network", s.cfg.Network)
	return nil
}

func (s *Sandbox) mountOverlayLocked(ctx context.Context) error {
	upper, err := s.ws.Allocate(workspace.RoleOverlayUpper, "")
	if err != nil {
		return &SetupError{Step: "allocate overlay upper", Err: err}
	}
	work, err := s.ws.Allocate(workspace.RoleOverlayWork, "")
	if err != nil {
		return &SetupError{Step: "allocate overlay work", Err: err}
	}
	mount, err := s.ws.Allocate(workspace.RoleOverlayMount, s.cfg.OverlayMountDir)
	if err != nil {
		return &SetupError{Step: "allocate overlay mount", Err: err}
	}

	s.overlayMgr = overlay.NewManager(s.cfg.OverlayHelperPath)
	s.overlayHandle = &overlay.Handle{
		Lower:   s.rootfsDir,
		Upper:   upper,
		Work:    work,
		Mount:   mount,
		Persist: s.cfg.PersistOverlay,
	}
	if err := s.overlayMgr.Mount(ctx, s.overlayHandle); err != nil {
		return &SetupError{Step: "mount overlay", Err: err}
	}
	s.rootfsDir = mount
	return nil
}

func (s *Sandbox) provisionNetworkLocked(ctx context.Context) error {
	if !s.cfg.Network.NeedsHelper() {
		s.netHandle = &netns.Handle{Mode: s.cfg.Network}
		return nil
	}

	anchorCfg := runner.SpawnConfig{
		Mounts: runner.Mounts{
			RootfsDir:  s.rootfsDir,
			SessionDir: s.sessionDir,
			TmpDir:     s.tmpDir,
		},
		Shell:       s.shell(),
		Command:     "sleep infinity",
		IOMode:      runner.IOPipe,
		CreateNetNS: true,
	}
	anchor, err := runner.Spawn(ctx, anchorCfg)
	if err != nil {
		return &SetupError{Step: "spawn network namespace anchor", Err: err}
	}
	s.netAnchor = anchor
	s.netAnchorPID = anchor.Pid()
	s.procs = append(s.procs, anchor)

	s.netProvisioner = netns.NewProvisioner(s.cfg.NetHelperPath)
	domains := netns.Domains{Allow: s.cfg.DomainAllowlist, HostLoopback: s.cfg.HostLoopback}
	handle, err := s.netProvisioner.Provision(ctx, s.cfg.Network, s.netAnchorPID, s.sessionDir, domains)
	if err != nil {
		return &SetupError{Step: "provision network helper", Err: err}
	}
	s.netHandle = handle
	return nil
}

func (s *Sandbox) shell() string {
	if s.cfg.Shell != "" {
		return s.cfg.Shell
	}
	return "/bin/sh"
}

// rollbackLocked undoes whatever Open had already set up, in reverse
// order. Called with s.mu held.
func (s *Sandbox) rollbackLocked() {
	for _, p := range s.procs {
		p.Close()
	}
	s.procs = nil

	if s.netProvisioner != nil && s.netHandle != nil {
		if err := s.netProvisioner.Teardown(s.netHandle); err != nil {
			logger.Log.Warn("sandbox: rollback: network teardown failed", "error", err)
		}
	}
	if s.overlayMgr != nil && s.overlayHandle != nil {
		if err := s.overlayMgr.Unmount(context.Background(), s.overlayHandle); err != nil {
			logger.Log.Warn("sandbox: rollback: overlay unmount failed", "error", err)
		}
	}
	if s.ws != nil {
		if err := s.ws.Release(); err != nil {
			logger.Log.Warn("sandbox: rollback: workspace release failed", "error", err)
		}
	}
	if s.cgroup != nil {
		s.cgroup.Destroy()
	}
}

// Run spawns command inside the open sandbox and returns its process
// record. The coordinator retains a reference for Close's teardown sweep.
func (s *Sandbox) Run(ctx context.Context, command string, ioMode runner.IOMode) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return nil, &ConfigError{Reason: fmt.Sprintf("Run called from state %s", s.state)}
	}

	cfg := runner.SpawnConfig{
		Mounts: runner.Mounts{
			RootfsDir:  s.rootfsDir,
			SessionDir: s.sessionDir,
			TmpDir:     s.tmpDir,
			ResolvConf: s.resolvConf(),
		},
		Shell:          s.shell(),
		Command:        command,
		IOMode:         ioMode,
		DefaultTimeout: s.cfg.DefaultTimeout,
		CPULimit:       s.cfg.CPULimit,
		MemLimit:       s.cfg.MemLimit,
		MaxFDs:         s.cfg.MaxFDs,
		DenyPaths:      s.cfg.DenyPaths,
		DenyWritePaths: s.cfg.DenyWritePaths,
	}
	if s.netAnchorPID != 0 {
		cfg.JoinNetNSPID = s.netAnchorPID
	} else if s.cfg.Network.NeedsNamespace() {
		cfg.CreateNetNS = true
	}
	// ModeDisabled leaves both fields zero, so the runner leaves
	// CLONE_NEWNET unset and the command shares the host's namespace.

	proc, err := runner.Spawn(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox: run: %w", err)
	}
	if s.cgroup != nil {
		if err := s.cgroup.AddPID(proc.Pid()); err != nil {
			logger.Log.Warn("sandbox: add pid to cgroup failed", "pid", proc.Pid(), "error", err)
		}
	}
	s.procs = append(s.procs, proc)
	return proc, nil
}

func (s *Sandbox) resolvConf() string {
	if s.cfg.Network == netns.ModeOutbound || s.cfg.Network == netns.ModeOutboundHostLoopback {
		return "/etc/resolv.conf"
	}
	return ""
}

// RunScript serializes code to a file inside the session directory with
// the configured extension, then delegates to Run with
// "<run_command> <file_path>", per spec.md §4.7.
func (s *Sandbox) RunScript(ctx context.Context, code string, ioMode runner.IOMode) (*process.Process, error) {
	s.mu.Lock()
	sessionDir := s.sessionDir
	runCommand := s.cfg.RunCommand
	ext := s.cfg.ScriptExt
	s.mu.Unlock()

	if runCommand == "" {
		return nil, &ConfigError{Reason: "RunScript requires Config.RunCommand"}
	}
	if ext == "" {
		ext = ".sh"
	}

	scriptPath := filepath.Join(sessionDir, "script-"+uuid.NewString()+ext)
	if err := os.WriteFile(scriptPath, []byte(code), 0644); err != nil {
		return nil, fmt.Errorf("sandbox: write script: %w", err)
	}

	inSandboxPath := "/home/sandbox/" + filepath.Base(scriptPath)
	return s.Run(ctx, runCommand+" "+inSandboxPath, ioMode)
}

// Close transitions through closing to closed: terminates every live
// process record, tears down the network helper, unmounts the overlay
// unless persisted, releases engine-allocated directories. Idempotent —
// a second Close is a no-op. Every step runs regardless of earlier
// failures; all failures are returned together as a *TeardownError.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateConstructed {
		s.state = StateClosed
		return nil
	}
	s.state = StateClosing

	var errs []error

	for _, p := range s.procs {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("process %d: %w", p.Pid(), err))
		}
	}
	s.procs = nil

	if s.netProvisioner != nil && s.netHandle != nil {
		if err := s.netProvisioner.Teardown(s.netHandle); err != nil {
			errs = append(errs, fmt.Errorf("network teardown: %w", err))
		}
	}

	if s.overlayMgr != nil && s.overlayHandle != nil {
		if err := s.overlayMgr.Unmount(context.Background(), s.overlayHandle); err != nil {
			errs = append(errs, fmt.Errorf("overlay unmount: %w", err))
		}
	}

	if s.cgroup != nil {
		if err := s.cgroup.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("cgroup destroy: %w", err))
		}
	}

	if s.ws != nil {
		if err := s.ws.Release(); err != nil {
			errs = append(errs, fmt.Errorf("workspace release: %w", err))
		}
	}

	s.state = StateClosed
	logger.Log.Info("sandbox: closed", "id", s.id, "errors", len(errs))

	if len(errs) > 0 {
		return &TeardownError{Errs: errs}
	}
	return nil
}
