// Package workspace allocates and releases the writable directories a
// sandbox session needs: the session directory, its /tmp backing, and —
// when an overlay is active — the overlay's upper, work, and mount trees.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/sandkit/sandkit/internal/logger"
)

// Role identifies which directory a path plays inside the sandbox.
type Role int

const (
	RoleSession Role = iota
	RoleTmp
	RoleOverlayUpper
	RoleOverlayWork
	RoleOverlayMount
)

func (r Role) String() string {
	switch r {
	case RoleSession:
		return "session"
	case RoleTmp:
		return "tmp"
	case RoleOverlayUpper:
		return "overlay-upper"
	case RoleOverlayWork:
		return "overlay-work"
	case RoleOverlayMount:
		return "overlay-mount"
	default:
		return "unknown"
	}
}

type entry struct {
	path        string
	engineOwned bool
}

// Workspace tracks the directories allocated for one sandbox session.
type Workspace struct {
	id   string
	base string
	dirs map[Role]entry
}

// New creates a Workspace rooted under the host temp directory, uniquely
// named per spec.md's "engine-allocated directory is rooted under the
// host's temporary directory and uniquely named" invariant.
func New() (*Workspace, error) {
	id := uuid.NewString()
	base := filepath.Join(os.TempDir(), "sandkit-"+id)
	if err := os.MkdirAll(base, 0700); err != nil {
		return nil, fmt.Errorf("workspace: create base dir: %w", err)
	}
	return &Workspace{id: id, base: base, dirs: make(map[Role]entry)}, nil
}

// ID returns the identifier generated for this workspace, which also
// names its base directory.
func (w *Workspace) ID() string {
	return w.id
}

// Allocate returns the directory for role, creating an engine-owned one
// under the workspace base if explicit is empty, or adopting the
// caller-provided path (never deleted by Release) otherwise.
func (w *Workspace) Allocate(role Role, explicit string) (string, error) {
	if e, ok := w.dirs[role]; ok {
		return e.path, nil
	}

	if explicit != "" {
		if err := os.MkdirAll(explicit, 0755); err != nil {
			return "", fmt.Errorf("workspace: prepare caller-provided %s dir: %w", role, err)
		}
		w.dirs[role] = entry{path: explicit, engineOwned: false}
		return explicit, nil
	}

	path := filepath.Join(w.base, role.String())
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("workspace: allocate %s dir: %w", role, err)
	}
	w.dirs[role] = entry{path: path, engineOwned: true}
	return path, nil
}

// Path returns the directory allocated for role, if any.
func (w *Workspace) Path(role Role) (string, bool) {
	e, ok := w.dirs[role]
	return e.path, ok
}

// Release removes every engine-allocated directory. Caller-provided
// directories are left untouched. Already-gone directories are not an
// error; permission failures are returned (but every directory is still
// attempted, matching the "best-effort recursive delete" contract).
func (w *Workspace) Release() error {
	var firstErr error
	for role, e := range w.dirs {
		if !e.engineOwned {
			continue
		}
		if err := os.RemoveAll(e.path); err != nil {
			logger.Log.Warn("workspace release failed", "role", role.String(), "path", e.path, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("workspace: release %s: %w", role, err)
			}
		}
	}
	if firstErr == nil {
		os.Remove(w.base) // best-effort, only succeeds once all children are gone
	}
	return firstErr
}
