package metrics

import (
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// SystemProbe samples OS-level metrics for the metrics snapshot.
type SystemProbe struct {
	proc *process.Process
}

// NewSystemProbe creates a probe bound to the current process.
func NewSystemProbe() *SystemProbe {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &SystemProbe{proc: proc}
}

// Sample reads cpu, memory and thread counts. Failures degrade to zero
// values; the probe never fails the snapshot.
func (p *SystemProbe) Sample() SystemMetrics {
	var out SystemMetrics

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
		out.MemoryTotalMB = float64(vm.Total) / (1024 * 1024)
		out.MemoryPercent = vm.UsedPercent
	}
	if p.proc != nil {
		if threads, err := p.proc.NumThreads(); err == nil {
			out.ThreadCount = int(threads)
		}
	}
	return out
}
