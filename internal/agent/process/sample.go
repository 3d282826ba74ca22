package process

import "time"

// Sample is a point-in-time reading of a process tree.
type Sample struct {
	Timestamp time.Time
	// Cumulative CPU time of the tree
	CpuTime         time.Duration
	WorkingSetBytes uint64
	Threads         int
	Processes       int
}

// CpuUsagePercent is the CPU usage between two samples, relative to one core.
func CpuUsagePercent(previous Sample, current Sample) float64 {
	elapsed := current.Timestamp.Sub(previous.Timestamp)
	if elapsed <= 0 {
		return 0
	}
	used := current.CpuTime - previous.CpuTime
	if used < 0 {
		return 0
	}
	return float64(used) / float64(elapsed) * 100
}
