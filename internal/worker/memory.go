package worker

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// MemoryUsage samples the resident set size of the worker process behind the
// handle, in bytes. It fails if the process is already gone.
func MemoryUsage(h *Handle) (uint64, error) {
	if h == nil || h.exited() {
		return 0, fmt.Errorf("worker process is not running")
	}

	proc, err := process.NewProcess(int32(h.PID()))
	if err != nil {
		return 0, fmt.Errorf("failed to inspect worker process: %w", err)
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("failed to read worker memory info: %w", err)
	}
	return info.RSS, nil
}
