//go:build !linux

package motor

import (
	"fmt"
	"runtime"
)

// enterRealtime only locks the OS thread; pinning and priority need Linux.
func enterRealtime(cpu, priority int) (func(), error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, fmt.Errorf("motor: cpu pinning and SCHED_FIFO unsupported on %s", runtime.GOOS)
}
