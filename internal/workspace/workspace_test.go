package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAllocateEngineOwned(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, err := w.Allocate(RoleSession, "")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("allocated dir missing: %v", err)
	}

	if err := w.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected engine-owned dir to be removed, stat err = %v", err)
	}
}

func TestAllocateCallerProvidedSurvivesRelease(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	external := t.TempDir()
	path, err := w.Allocate(RoleOverlayMount, external)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if path != external {
		t.Errorf("Allocate returned %q, want caller-provided %q", path, external)
	}

	if err := w.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(external); err != nil {
		t.Errorf("caller-provided dir should survive Release, stat err = %v", err)
	}
}

func TestAllocateIsIdempotent(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p1, _ := w.Allocate(RoleTmp, "")
	p2, _ := w.Allocate(RoleTmp, "")
	if p1 != p2 {
		t.Errorf("Allocate(RoleTmp) twice returned different paths: %q vs %q", p1, p2)
	}
	defer w.Release()
}

func TestPathUnknownRole(t *testing.T) {
	w, _ := New()
	defer w.Release()
	if _, ok := w.Path(RoleOverlayWork); ok {
		t.Error("Path should report false for an unallocated role")
	}
	p, err := w.Allocate(RoleOverlayWork, "")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	got, ok := w.Path(RoleOverlayWork)
	if !ok || got != p {
		t.Errorf("Path(RoleOverlayWork) = %q, %v, want %q, true", got, ok, p)
	}
	if filepath.Base(got) != "overlay-work" {
		t.Errorf("expected directory name to reflect role, got %q", got)
	}
}
