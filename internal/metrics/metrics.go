// Package metrics collects host resource utilization for heartbeat
// reporting via gopsutil.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time reading of host resource usage, matching the
// telemetry block of the heartbeat envelope.
type Snapshot struct {
	CPUPercent     float64
	MemoryPercent  float64
	DiskPercent    float64
	UptimeSeconds  uint64
	LoadAverage1   float64
	LoadAverage5   float64
	LoadAverage15  float64
}

// Probe collects a Snapshot on demand. Implemented by GopsutilProbe so the
// orchestrator's heartbeat loop can call Collect without knowing about
// gopsutil.
type Probe interface {
	Collect(ctx context.Context) Snapshot
}

// diskPath is the filesystem mountpoint whose usage represents "disk" in the
// snapshot. The root filesystem is the right default for a single-disk edge
// device.
const diskPath = "/"

// GopsutilProbe is the production Probe, backed by gopsutil. The zero value
// is usable.
type GopsutilProbe struct{}

// Collect gathers CPU, memory, disk, uptime and load-average metrics. Any
// individual collector failure is treated as "unavailable" (zero value) so a
// missing proc file (e.g. running in a minimal container) never fails the
// whole heartbeat — callers should not treat a zero as a hard guarantee of
// idleness.
func (GopsutilProbe) Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if pct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		snap.DiskPercent = du.UsedPercent
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.UptimeSeconds = info.Uptime
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.LoadAverage1 = avg.Load1
		snap.LoadAverage5 = avg.Load5
		snap.LoadAverage15 = avg.Load15
	}

	return snap
}
