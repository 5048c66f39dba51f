//go:build linux

package wrapper

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setProcessName sets the thread name shown by ps and top. The kernel
// keeps at most 15 bytes.
func setProcessName(name string) {
	if len(name) > 15 {
		name = name[:15]
	}
	p, err := unix.BytePtrFromString(name)
	if err != nil {
		return
	}
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(p)), 0, 0, 0)
}
