package sandbox

import (
	"testing"

	"github.com/sandkit/sandkit/internal/logger"
	"github.com/sandkit/sandkit/internal/netns"
)

// The cgroup manager logs through logger.Log, which stays nil until Init runs.
func init() { _ = logger.Init("error", "") }

func TestNewRejectsMissingRoot(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected ConfigError when neither RootfsArchive nor ExplicitRootDir is set")
	}
	if _, ok := err.(*ConfigError); !ok {
		t.Errorf("error type = %T, want *ConfigError", err)
	}
}

func TestNewRejectsPersistWithoutOverlay(t *testing.T) {
	_, err := New(Config{ExplicitRootDir: "/tmp/rootfs", PersistOverlay: true})
	if err == nil {
		t.Fatal("expected ConfigError for PersistOverlay without Overlay")
	}
}

func TestNewRejectsPersistWithoutExplicitMountDir(t *testing.T) {
	_, err := New(Config{ExplicitRootDir: "/tmp/rootfs", Overlay: true, PersistOverlay: true})
	if err == nil {
		t.Fatal("expected ConfigError for PersistOverlay without an explicit OverlayMountDir")
	}
}

func TestNewAcceptsMinimalConfig(t *testing.T) {
	sb, err := New(Config{ExplicitRootDir: "/tmp/rootfs"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sb.State() != StateConstructed {
		t.Errorf("state = %v, want constructed", sb.State())
	}
}

func TestRunBeforeOpenFails(t *testing.T) {
	sb, err := New(Config{ExplicitRootDir: "/tmp/rootfs"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := sb.Run(nil, "echo hi", 0); err == nil {
		t.Fatal("expected error running before Open")
	}
}

func TestCloseBeforeOpenIsNoop(t *testing.T) {
	sb, err := New(Config{ExplicitRootDir: "/tmp/rootfs"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sb.Close(); err != nil {
		t.Fatalf("Close on unopened sandbox: %v", err)
	}
	if sb.State() != StateClosed {
		t.Errorf("state = %v, want closed", sb.State())
	}
}

func TestIsolationNetworkMode(t *testing.T) {
	cases := map[Isolation]netns.Mode{
		Strict:     netns.ModeIsolated,
		Standard:   netns.ModeIsolated,
		Network:    netns.ModeOutbound,
		Privileged: netns.ModeOutboundHostLoopback,
	}
	for level, want := range cases {
		if got := level.NetworkMode(); got != want {
			t.Errorf("%s.NetworkMode() = %v, want %v", level, got, want)
		}
	}
}

func TestParseIsolationDefaultsToStandard(t *testing.T) {
	if ParseIsolation("bogus") != Standard {
		t.Error("ParseIsolation of unknown string should default to Standard")
	}
}
