//go:build linux

package logger

import (
	"syscall"
	"unsafe"
)

// tcgets is the Linux ioctl request for reading terminal attributes.
const tcgets = 0x5401

// isTerminal reports whether fd refers to a terminal. Color output is
// disabled when logs go to a pipe or a file.
func isTerminal(fd uintptr) bool {
	var t syscall.Termios
	_, _, errno := syscall.Syscall6(syscall.SYS_IOCTL,
		fd, tcgets, uintptr(unsafe.Pointer(&t)), 0, 0, 0)
	return errno == 0
}
