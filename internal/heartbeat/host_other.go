//go:build unix && !linux

package heartbeat

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// SampleHost reports core count and disk usage; memory and load are only
// sampled on linux.
func SampleHost(dir string) (HostSample, error) {
	sample := HostSample{CPUCores: runtime.NumCPU()}
	var fs unix.Statfs_t
	if err := unix.Statfs(dir, &fs); err != nil {
		return sample, fmt.Errorf("statfs %s: %w", dir, err)
	}
	bsize := uint64(fs.Bsize)
	sample.DiskTotal = uint64(fs.Blocks) * bsize
	sample.DiskUsed = uint64(fs.Blocks-fs.Bfree) * bsize
	return sample, nil
}
