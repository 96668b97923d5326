// Package health implements the per-pid CPU/memory sampler that backs the
// Orchestrator's healthCheck operation, replacing the documented
// placeholder (which reported the daemon's own memory and a hardcoded
// zero CPU) with a real sampler.
package health

import (
	"github.com/shirou/gopsutil/v4/process"
)

// GopsutilSampler samples live resource usage for a pid via gopsutil.
type GopsutilSampler struct{}

func NewGopsutilSampler() *GopsutilSampler { return &GopsutilSampler{} }

// Sample returns the process's CPU percent (averaged over its whole
// lifetime, as gopsutil computes it for a fresh handle) and
// resident memory in bytes. Processes that have already exited return an
// error, which callers treat as "no data available" rather than fatal.
func (s *GopsutilSampler) Sample(pid int) (cpuPercent float64, memBytes uint64, err error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, err
	}
	cpuPercent, err = proc.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	return cpuPercent, memInfo.RSS, nil
}
