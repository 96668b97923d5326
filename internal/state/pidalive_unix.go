//go:build unix

package state

import (
	"errors"
	"syscall"
)

// pidAlive reports whether pid still refers to a live OS process, using
// the standard signal-0 probe: a nil error or EPERM both mean "it exists".
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
