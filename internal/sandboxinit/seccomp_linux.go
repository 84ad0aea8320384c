//go:build linux

package sandboxinit

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sandkit/sandkit/internal/logger"
)

// deniedSyscalls blocks namespace/mount escapes and kernel-module/debugger
// primitives that would let a sandboxed process undo its own isolation.
var deniedSyscalls = []uint32{
	unix.SYS_MOUNT,
	unix.SYS_UMOUNT2,
	unix.SYS_REBOOT,
	unix.SYS_SWAPON,
	unix.SYS_SWAPOFF,
	unix.SYS_KEXEC_LOAD,
	unix.SYS_INIT_MODULE,
	unix.SYS_FINIT_MODULE,
	unix.SYS_DELETE_MODULE,
	unix.SYS_PIVOT_ROOT,
	unix.SYS_PTRACE,
	unix.SYS_UNSHARE,
}

const (
	seccompRetAllow = 0x7fff0000
	seccompRetErrno = 0x00050000
)

// installSeccomp installs a BPF filter denying deniedSyscalls plus any
// architecture-specific additions. Must run after all mounts are done and
// before exec'ing the target, since the filter is inherited across exec.
func installSeccomp() error {
	prog := buildSeccompFilter()
	if prog == nil {
		return nil
	}

	if _, _, errno := unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
		return fmt.Errorf("prctl(NO_NEW_PRIVS): %v", errno)
	}

	bpfProg := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	if _, _, errno := unix.RawSyscall(unix.SYS_SECCOMP, 1, 0, uintptr(unsafe.Pointer(&bpfProg))); errno != 0 {
		return fmt.Errorf("seccomp(SET_MODE_FILTER): %v", errno)
	}

	logger.Log.Info("sandboxinit: seccomp installed", "denied_syscalls", len(deniedSyscalls)+len(deniedSyscallsArch))
	return nil
}

func buildSeccompFilter() []unix.SockFilter {
	all := append(append([]uint32{}, deniedSyscalls...), deniedSyscallsArch...)
	if len(all) == 0 {
		return nil
	}

	prog := make([]unix.SockFilter, 0, len(all)+3)
	prog = append(prog, unix.SockFilter{
		Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS,
		K:    0, // offsetof(struct seccomp_data, nr)
	})

	for i, nr := range all {
		jmpToDeny := uint8(len(all) - i)
		prog = append(prog, unix.SockFilter{
			Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K,
			Jt:   jmpToDeny,
			Jf:   0,
			K:    nr,
		})
	}

	prog = append(prog, unix.SockFilter{Code: unix.BPF_RET | unix.BPF_K, K: seccompRetAllow})
	prog = append(prog, unix.SockFilter{Code: unix.BPF_RET | unix.BPF_K, K: seccompRetErrno | uint32(unix.EPERM)})
	return prog
}
