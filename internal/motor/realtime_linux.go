//go:build linux

package motor

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// enterRealtime locks the calling goroutine to its OS thread, pins that
// thread to cpu (when >= 0) and switches it to SCHED_FIFO at priority (when
// > 0). The returned release never unlocks a tuned thread: the runtime
// discards it when the goroutine exits, so the policy cannot leak to other
// goroutines.
func enterRealtime(cpu, priority int) (func(), error) {
	runtime.LockOSThread()
	tuned := false
	var errs []error

	if cpu >= 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(cpu)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			errs = append(errs, fmt.Errorf("motor: pin to cpu %d: %w", cpu, err))
		} else {
			tuned = true
		}
	}
	if priority > 0 {
		attr := unix.SchedAttr{Policy: unix.SCHED_FIFO, Priority: uint32(priority)}
		if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
			errs = append(errs, fmt.Errorf("motor: SCHED_FIFO priority %d: %w", priority, err))
		} else {
			tuned = true
		}
	}

	release := func() {
		if !tuned {
			runtime.UnlockOSThread()
		}
	}
	return release, errors.Join(errs...)
}
