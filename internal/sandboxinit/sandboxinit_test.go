//go:build linux

package sandboxinit

import "testing"

func TestMainRequiresCommand(t *testing.T) {
	err := Main([]string{"--rootfs", "/tmp/r", "--session", "/tmp/s", "--tmp", "/tmp/t"})
	if err == nil {
		t.Fatal("expected error when no command is given after --")
	}
}

func TestMainRequiresMountDirs(t *testing.T) {
	err := Main([]string{"--", "/bin/true"})
	if err == nil {
		t.Fatal("expected error when --rootfs/--session/--tmp are missing")
	}
}

func TestBuildSeccompFilterNonEmpty(t *testing.T) {
	prog := buildSeccompFilter()
	if len(prog) == 0 {
		t.Fatal("expected a non-empty BPF program")
	}
	// First instruction always loads the syscall number at offset 0.
	if prog[0].K != 0 {
		t.Errorf("unexpected first instruction: %+v", prog[0])
	}
}
