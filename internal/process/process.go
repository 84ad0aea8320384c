// Package process implements the sandboxed-process supervisor: the
// pipe/PTY I/O abstraction, streaming, timeouts, and the SIGTERM→grace→
// SIGKILL teardown cascade from spec.md §4.6.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/sandkit/sandkit/internal/logger"
)

// IOMode selects pipe or PTY stdio wiring.
type IOMode int

const (
	Pipe IOMode = iota
	PTY
)

// State is the process record's terminal-state machine from spec.md §3.
// Exactly one terminal transition ever happens.
type State int

const (
	Running State = iota
	Exited
	Signalled
	TimedOut
	Cancelled
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Signalled:
		return "signalled"
	case TimedOut:
		return "timed-out"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of a process.
type Result struct {
	State    State
	ExitCode int
	Signal   string
}

// StreamTag marks which underlying stream a Chunk came from. PTY mode
// tags every chunk Stdout, since stdout and stderr are merged.
type StreamTag string

const (
	Stdout StreamTag = "stdout"
	Stderr StreamTag = "stderr"
)

// Chunk is one arrival from a read on the child's stdio. Chunk boundaries
// are never split or merged across stream-tag boundaries — each Chunk is
// exactly the bytes one underlying Read call returned.
type Chunk struct {
	Tag  StreamTag
	Data []byte
}

// ErrNotPTY is returned by PTY-only operations when the process was
// started in pipe mode.
var ErrNotPTY = errors.New("process: not a PTY-mode process")

const defaultGrace = 3 * time.Second

// Process is an opaque handle to one spawned, supervised child.
type Process struct {
	cmd       *exec.Cmd
	mode      IOMode
	ptyMaster *os.File

	stdinW io.WriteCloser

	buf *chunkBuffer

	defaultTimeout time.Duration

	mu        sync.Mutex
	result    *Result
	waitOnce  sync.Once
	waitDone  chan struct{}
	consumed  bool
}

// New starts cmd and wires its stdio according to mode. rows/cols are
// only meaningful for PTY mode and may be zero to accept the pty package's
// defaults.
func New(cmd *exec.Cmd, mode IOMode, defaultTimeout time.Duration, rows, cols int) (*Process, error) {
	p := &Process{
		cmd:            cmd,
		mode:           mode,
		buf:            newChunkBuffer(),
		defaultTimeout: defaultTimeout,
		waitDone:       make(chan struct{}),
	}

	switch mode {
	case PTY:
		size := &pty.Winsize{}
		if rows > 0 && cols > 0 {
			size.Rows, size.Cols = uint16(rows), uint16(cols)
		}
		master, err := pty.StartWithSize(cmd, size)
		if err != nil {
			return nil, fmt.Errorf("process: start pty: %w", err)
		}
		p.ptyMaster = master
		p.stdinW = master
		p.buf.addProducer()
		go p.readLoop(master, Stdout)

	case Pipe:
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("process: stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("process: stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("process: stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("process: start: %w", err)
		}
		p.stdinW = stdin
		p.buf.addProducer()
		p.buf.addProducer()
		go p.readLoop(stdout, Stdout)
		go p.readLoop(stderr, Stderr)

	default:
		return nil, fmt.Errorf("process: unknown io mode %v", mode)
	}

	go p.waitLoop()
	return p, nil
}

func (p *Process) readLoop(r io.Reader, tag StreamTag) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.buf.append(tag, buf[:n])
		}
		if err != nil {
			break
		}
	}
	p.buf.doneProducer()
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()
	p.mu.Lock()
	if p.result == nil {
		p.result = resultFromWaitErr(err)
	}
	p.mu.Unlock()
	// The child is gone — release any producer still blocked in append
	// because no one ever called Stream; there's nothing left to apply
	// backpressure to.
	p.buf.startDraining()
	close(p.waitDone)
}

func resultFromWaitErr(err error) *Result {
	if err == nil {
		return &Result{State: Exited, ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return &Result{State: Signalled, Signal: ws.Signal().String()}
		}
		return &Result{State: Exited, ExitCode: exitErr.ExitCode()}
	}
	return &Result{State: Exited, ExitCode: -1}
}

// Pid returns the host-visible PID of the sandbox helper process.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Send appends bytes to the child's input. No-op in pipe mode if stdin
// was never requested (it always is, here); in PTY mode writes to the
// master.
func (p *Process) Send(data []byte) error {
	if p.stdinW == nil {
		return nil
	}
	_, err := p.stdinW.Write(data)
	return err
}

// CloseStdin closes the child's input side.
func (p *Process) CloseStdin() error {
	if p.stdinW == nil {
		return nil
	}
	return p.stdinW.Close()
}

// Stream returns a finite, non-restartable, backpressure-respecting
// channel of chunks. It is closed when the child's outputs close. Calling
// Stream or Communicate more than once returns an already-closed channel.
func (p *Process) Stream(ctx context.Context) <-chan Chunk {
	p.mu.Lock()
	if p.consumed {
		p.mu.Unlock()
		ch := make(chan Chunk)
		close(ch)
		return ch
	}
	p.consumed = true
	p.mu.Unlock()

	out := make(chan Chunk)
	go func() {
		defer close(out)
		cursor := 0
		for {
			chunk, next, ok := p.buf.next(ctx, cursor)
			if !ok {
				return
			}
			cursor = next
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// StreamLines coalesces Stream's chunks into complete lines per stream,
// emitting the trailing partial line at EOF. Each emitted LineChunk
// contains exactly the bytes between two newline boundaries (or EOF) from
// its originating stream.
type LineChunk struct {
	Tag  StreamTag
	Line string
}

func (p *Process) StreamLines(ctx context.Context) <-chan LineChunk {
	out := make(chan LineChunk)
	go func() {
		defer close(out)
		partial := map[StreamTag][]byte{}
		for chunk := range p.Stream(ctx) {
			buf := append(partial[chunk.Tag], chunk.Data...)
			for {
				idx := indexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := string(buf[:idx])
				select {
				case out <- LineChunk{Tag: chunk.Tag, Line: line}:
				case <-ctx.Done():
					return
				}
				buf = buf[idx+1:]
			}
			partial[chunk.Tag] = buf
		}
		for tag, rest := range partial {
			if len(rest) == 0 {
				continue
			}
			select {
			case out <- LineChunk{Tag: tag, Line: string(rest)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Communicate drains both streams to completion and returns aggregated
// buffers. In PTY mode stderr is always empty.
func (p *Process) Communicate(ctx context.Context) (stdout, stderr []byte, err error) {
	var outBuf, errBuf []byte
	for chunk := range p.Stream(ctx) {
		switch chunk.Tag {
		case Stdout:
			outBuf = append(outBuf, chunk.Data...)
		case Stderr:
			errBuf = append(errBuf, chunk.Data...)
		}
	}
	return outBuf, errBuf, ctx.Err()
}

// Wait blocks until terminal state or timeout elapses. If no timeout is
// given, the process's default (possibly zero, meaning no timeout) is
// used. check causes a non-zero exit to be reported as an error.
func (p *Process) Wait(ctx context.Context, check bool, timeout time.Duration) (Result, error) {
	if timeout == 0 {
		timeout = p.defaultTimeout
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case <-p.waitDone:
		res := p.snapshotResult()
		if check && res.State == Exited && res.ExitCode != 0 {
			return res, fmt.Errorf("process: exited with code %d", res.ExitCode)
		}
		return res, nil

	case <-timeoutCh:
		p.mu.Lock()
		if p.result == nil {
			p.result = &Result{State: TimedOut}
		}
		p.mu.Unlock()
		p.terminateGroup(defaultGrace)
		<-p.waitDone
		return *p.result, fmt.Errorf("process: timed out after %s", timeout)

	case <-ctx.Done():
		p.mu.Lock()
		if p.result == nil {
			p.result = &Result{State: Cancelled}
		}
		p.mu.Unlock()
		return *p.result, ctx.Err()
	}
}

func (p *Process) snapshotResult() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil {
		return Result{State: Running}
	}
	return *p.result
}

// SetTerminalSize applies a window-size ioctl. PTY mode only.
func (p *Process) SetTerminalSize(rows, cols int) error {
	if p.mode != PTY || p.ptyMaster == nil {
		return ErrNotPTY
	}
	return pty.Setsize(p.ptyMaster, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// ClosePTY closes the master side. Only meaningful in PTY mode.
func (p *Process) ClosePTY() error {
	if p.mode != PTY || p.ptyMaster == nil {
		return ErrNotPTY
	}
	return p.ptyMaster.Close()
}

// Close releases descriptors and reaps the child, force-killing the whole
// process group after a short grace period if it is still running. If the
// child is still alive and this is a PTY process, SIGHUP is delivered
// before the normal termination cascade, mirroring real terminal hangup
// behavior.
func (p *Process) Close() error {
	if p.mode == PTY && p.ptyMaster != nil {
		if p.isAlive() {
			p.signalGroup(syscall.SIGHUP)
		}
		p.ptyMaster.Close()
	}
	p.terminateGroup(defaultGrace)
	<-p.waitDone
	return nil
}

func (p *Process) isAlive() bool {
	select {
	case <-p.waitDone:
		return false
	default:
		return true
	}
}

func (p *Process) signalGroup(sig syscall.Signal) {
	if p.cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		logger.Log.Debug("process: signal group failed", "pid", p.cmd.Process.Pid, "signal", sig, "error", err)
	}
}

// terminateGroup runs the SIGTERM→grace→SIGKILL cascade against the
// child's process group, which spec.md §5 calls out as the reason the
// sandbox helper is placed in its own process group at spawn.
func (p *Process) terminateGroup(grace time.Duration) {
	if !p.isAlive() {
		return
	}
	p.signalGroup(syscall.SIGTERM)

	select {
	case <-p.waitDone:
		return
	case <-time.After(grace):
		p.signalGroup(syscall.SIGKILL)
	}
}
