package process

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/sandkit/sandkit/internal/logger"
)

// Group signalling logs through logger.Log, which stays nil until Init runs.
func init() { _ = logger.Init("error", "") }

func TestCommunicateCollectsStdoutAndStderr(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "echo out; echo err 1>&2")
	p, err := New(cmd, Pipe, 5*time.Second, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stdout, stderr, err := p.Communicate(ctx)
	if err != nil {
		t.Fatalf("Communicate: %v", err)
	}
	if !bytes.Equal(bytes.TrimSpace(stdout), []byte("out")) {
		t.Errorf("stdout = %q", stdout)
	}
	if !bytes.Equal(bytes.TrimSpace(stderr), []byte("err")) {
		t.Errorf("stderr = %q", stderr)
	}

	res, err := p.Wait(ctx, true, 0)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.State != Exited || res.ExitCode != 0 {
		t.Errorf("Wait result = %+v", res)
	}
}

func TestStreamLinesSplitsOnNewlines(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "printf 'one\\ntwo\\nthree'")
	p, err := New(cmd, Pipe, 5*time.Second, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lines []string
	for lc := range p.StreamLines(ctx) {
		if lc.Tag == Stdout {
			lines = append(lines, lc.Line)
		}
	}

	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line[%d] = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestWaitTimesOutAndKillsGroup(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 30")
	// Own process group, as the runner sets up, so the group kill reaches it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	p, err := New(cmd, Pipe, 0, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	res, err := p.Wait(ctx, false, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if res.State != TimedOut {
		t.Errorf("state = %v, want TimedOut", res.State)
	}
}

func TestSendWritesToStdin(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "cat")
	p, err := New(cmd, Pipe, 5*time.Second, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if err := p.Send([]byte("hello\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := p.CloseStdin(); err != nil {
		t.Fatalf("CloseStdin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stdout, _, err := p.Communicate(ctx)
	if err != nil {
		t.Fatalf("Communicate: %v", err)
	}
	if !bytes.Equal(bytes.TrimSpace(stdout), []byte("hello")) {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestStreamIsNonRestartable(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "echo once")
	p, err := New(cmd, Pipe, 5*time.Second, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := p.Stream(ctx)
	for range first {
	}

	second := p.Stream(ctx)
	if _, ok := <-second; ok {
		t.Error("second Stream() call should yield a closed, empty channel")
	}
}
