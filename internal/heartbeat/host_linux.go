//go:build linux

package heartbeat

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// loads in sysinfo are fixed point with 16 fractional bits.
const loadScale = 1 << 16

// SampleHost reads memory, load and uptime from sysinfo and disk usage of
// the filesystem holding dir.
func SampleHost(dir string) (HostSample, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return HostSample{}, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	sample := HostSample{
		CPUCores:    runtime.NumCPU(),
		Load1:       float64(info.Loads[0]) / loadScale,
		MemoryTotal: total,
		MemoryUsed:  total - min(free, total),
		Uptime:      int64(info.Uptime),
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(dir, &fs); err != nil {
		return sample, fmt.Errorf("statfs %s: %w", dir, err)
	}
	bsize := uint64(fs.Bsize)
	sample.DiskTotal = fs.Blocks * bsize
	sample.DiskUsed = (fs.Blocks - fs.Bfree) * bsize
	return sample, nil
}
