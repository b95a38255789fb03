package heartbeat

// HostSample is a point-in-time view of the node.
type HostSample struct {
	CPUCores    int
	Load1       float64
	MemoryTotal uint64
	MemoryUsed  uint64
	DiskTotal   uint64
	DiskUsed    uint64
	Uptime      int64
}

// CPUPercent approximates utilisation from the one-minute load average.
func (h HostSample) CPUPercent() float64 {
	if h.CPUCores <= 0 {
		return 0
	}
	pct := h.Load1 / float64(h.CPUCores) * 100
	return min(pct, 100)
}
