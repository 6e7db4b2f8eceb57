package monitor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// sampleSystem reads the host's instantaneous CPU/memory/disk/network
// pressure, spec.md §4.5's "Sampled system signals". Network I/O rate
// is derived from the delta against prev over the elapsed interval.
func sampleSystem(ctx context.Context, prev *net.IOCountersStat, prevAt time.Time, now time.Time) (SystemSample, *net.IOCountersStat) {
	sample := SystemSample{SampledAt: now}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		sample.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		sample.DiskPercent = du.UsedPercent
	}

	var cur *net.IOCountersStat
	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		cur = &counters[0]
		if prev != nil {
			elapsed := now.Sub(prevAt).Seconds()
			if elapsed > 0 {
				deltaBytes := (cur.BytesSent + cur.BytesRecv) - (prev.BytesSent + prev.BytesRecv)
				sample.NetBytesPerSec = float64(deltaBytes) / elapsed
			}
		}
	}

	return sample, cur
}
