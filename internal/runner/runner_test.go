package runner

import (
	"syscall"
	"testing"
)

func TestToProcessIOMode(t *testing.T) {
	if m := toProcessIOMode(IOPipe); m != 0 {
		t.Errorf("toProcessIOMode(IOPipe) = %v, want process.Pipe (0)", m)
	}
	if m := toProcessIOMode(IOPTY); m != 1 {
		t.Errorf("toProcessIOMode(IOPTY) = %v, want process.PTY (1)", m)
	}
}

func TestBuildEnvCuratesHostVars(t *testing.T) {
	env := buildEnv(map[string]string{"EXTRA": "1"})
	want := map[string]bool{"HOME=/home/sandbox": false, "USER=sandbox": false, "PWD=/home/sandbox": false, "EXTRA=1": false}
	for _, kv := range env {
		if _, ok := want[kv]; ok {
			want[kv] = true
		}
	}
	for kv, found := range want {
		if !found {
			t.Errorf("buildEnv missing %q in %v", kv, env)
		}
	}
}

func TestSysProcAttrSetsNamespaceFlags(t *testing.T) {
	attr := sysProcAttr(SpawnConfig{})
	if attr.Cloneflags&syscall.CLONE_NEWNS == 0 {
		t.Error("expected CLONE_NEWNS")
	}
	if attr.Cloneflags&syscall.CLONE_NEWUTS == 0 {
		t.Error("expected CLONE_NEWUTS")
	}
	if attr.Cloneflags&syscall.CLONE_NEWIPC == 0 {
		t.Error("expected CLONE_NEWIPC")
	}
	if attr.Cloneflags&syscall.CLONE_NEWNET != 0 {
		t.Error("CLONE_NEWNET should be unset without CreateNetNS or JoinNetNSPID")
	}
}

func TestSysProcAttrCreateNetNS(t *testing.T) {
	attr := sysProcAttr(SpawnConfig{CreateNetNS: true})
	if attr.Cloneflags&syscall.CLONE_NEWNET == 0 {
		t.Error("expected CLONE_NEWNET when CreateNetNS is set")
	}
}

func TestSysProcAttrJoinNetNSSkipsNewNamespace(t *testing.T) {
	attr := sysProcAttr(SpawnConfig{CreateNetNS: true, JoinNetNSPID: 1234})
	if attr.Cloneflags&syscall.CLONE_NEWNET != 0 {
		t.Error("CLONE_NEWNET should be unset when joining an existing namespace by PID")
	}
}

func TestTrimmedEquals(t *testing.T) {
	if !trimmedEquals([]byte(" 1\n"), "1") {
		t.Error("trimmedEquals should ignore surrounding whitespace")
	}
	if trimmedEquals([]byte("0\n"), "1") {
		t.Error("trimmedEquals should not match differing content")
	}
}
