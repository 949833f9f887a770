// Package hoststat reads the supervisor's own host and per-child resource
// usage for /status, via gopsutil.
package hoststat

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Snapshot is the host-wide portion of /status: the supervisor's host name
// and platform, and the whole host's memory and CPU usage.
type Snapshot struct {
	Hostname   string
	Platform   string
	TotalMemMB uint64
	UsedMemMB  uint64
	CPUPercent float64
}

// Collect gathers a best-effort Snapshot. A failed sub-reading is left at
// its zero value rather than aborting the whole snapshot.
func Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.TotalMemMB = vm.Total / (1024 * 1024)
		snap.UsedMemMB = vm.Used / (1024 * 1024)
	}

	if pct, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}

	return snap
}

// ChildMemoryMB returns the RSS, in MiB, of the process with the given
// pid. 0 is returned — never an error — when the pid can't be read, which
// the spec treats as an acceptable "unavailable" signal.
func ChildMemoryMB(pid int) uint64 {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	mi, err := p.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}
	return mi.RSS / (1024 * 1024)
}
