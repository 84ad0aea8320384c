package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestManagerLoadMergesProjectOverUser(t *testing.T) {
	userDir := t.TempDir()
	projectDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(userDir, "settings.json"), []byte(`{"cache_dir":"/user/cache","default_max_fds":128}`), 0644); err != nil {
		t.Fatalf("write user config: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(projectDir, ".sandkit"), 0755); err != nil {
		t.Fatalf("mkdir project config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(projectDir, ".sandkit", "settings.json"), []byte(`{"default_max_fds":512}`), 0644); err != nil {
		t.Fatalf("write project config: %v", err)
	}

	m := NewManager()
	if err := m.Load(userDir, projectDir); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := m.Get()
	if cfg.CacheDir != "/user/cache" {
		t.Errorf("CacheDir = %q, want user value to survive when project doesn't override it", cfg.CacheDir)
	}
	if cfg.DefaultMaxFDs != 512 {
		t.Errorf("DefaultMaxFDs = %d, want project override 512", cfg.DefaultMaxFDs)
	}
	if cfg.OverlayHelperPath != "fuse-overlayfs" {
		t.Errorf("OverlayHelperPath = %q, want built-in default", cfg.OverlayHelperPath)
	}
}

func TestManagerLoadMissingFilesUseDefaults(t *testing.T) {
	m := NewManager()
	if err := m.Load(t.TempDir(), t.TempDir()); err != nil {
		t.Fatalf("Load with no settings files: %v", err)
	}

	cfg := m.Get()
	if cfg.DefaultIsolation != "standard" {
		t.Errorf("DefaultIsolation = %q, want %q", cfg.DefaultIsolation, "standard")
	}
	if cfg.DefaultNetwork != "none" {
		t.Errorf("DefaultNetwork = %q, want %q", cfg.DefaultNetwork, "none")
	}
}

func TestManagerSaveUserConfigRoundTrips(t *testing.T) {
	userDir := filepath.Join(t.TempDir(), "nested")

	m := NewManager()
	m.userConfig.CacheDir = "/tmp/whatever"
	if err := m.SaveUserConfig(userDir); err != nil {
		t.Fatalf("SaveUserConfig: %v", err)
	}

	reloaded := NewManager()
	if err := reloaded.Load(userDir, t.TempDir()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Get().CacheDir != "/tmp/whatever" {
		t.Errorf("CacheDir after round trip = %q, want %q", reloaded.Get().CacheDir, "/tmp/whatever")
	}
}
