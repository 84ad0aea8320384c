//go:build linux && arm64

package sandboxinit

// arm64 has no x86-style IOPL/IOPERM/MODIFY_LDT syscalls to deny.
var deniedSyscallsArch = []uint32{}
