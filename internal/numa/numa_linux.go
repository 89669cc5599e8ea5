//go:build linux

package numa

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// currentNode issues getcpu(2) directly; x/sys defines the syscall number
// but ships no typed wrapper for it.
func currentNode() int {
	var cpu, node uint32
	_, _, errno := unix.RawSyscall(unix.SYS_GETCPU,
		uintptr(unsafe.Pointer(&cpu)), uintptr(unsafe.Pointer(&node)), 0)
	if errno != 0 {
		return 0
	}
	return int(node)
}
