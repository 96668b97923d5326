//go:build windows

package state

import "os"

// pidAlive reports whether pid still refers to a live OS process. Windows
// has no signal-0 equivalent; os.FindProcess opening the process handle is
// the closest analogue available without a syscall-level handle query.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
