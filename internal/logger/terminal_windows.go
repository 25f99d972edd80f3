//go:build windows

package logger

import (
	"syscall"
	"unsafe"
)

var getConsoleMode = syscall.NewLazyDLL("kernel32.dll").NewProc("GetConsoleMode")

// isTerminal reports whether fd refers to a console. GetConsoleMode fails
// for redirected handles, which is exactly the signal needed to turn color
// output off.
func isTerminal(fd uintptr) bool {
	var mode uint32
	r, _, _ := getConsoleMode.Call(fd, uintptr(unsafe.Pointer(&mode)))
	return r != 0
}
