//go:build !linux

package hosted

import "runtime"

// pin only wires the goroutine to its OS thread. CPU affinity is not
// available on this host.
func pin(cpu int) error {
	runtime.LockOSThread()
	return nil
}
