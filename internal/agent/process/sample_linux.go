//go:build linux

package process

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// SampleTree reads CPU time and resident memory of pid and all of its descendants from /proc.
func SampleTree(pid int) (Sample, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return Sample{}, errors.WithStack(err)
	}
	root, err := fs.Proc(pid)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "process %d", pid)
	}
	rootStat, err := root.Stat()
	if err != nil {
		return Sample{}, errors.Wrapf(err, "process %d", pid)
	}

	stats := []procfs.ProcStat{rootStat}
	if all, err := fs.AllProcs(); err == nil {
		children := map[int][]procfs.ProcStat{}
		for _, p := range all {
			stat, err := p.Stat()
			if err != nil {
				// Exited since listed
				continue
			}
			children[stat.PPID] = append(children[stat.PPID], stat)
		}
		queue := []int{pid}
		for len(queue) > 0 {
			parent := queue[0]
			queue = queue[1:]
			for _, child := range children[parent] {
				stats = append(stats, child)
				queue = append(queue, child.PID)
			}
		}
	}

	sample := Sample{Timestamp: time.Now(), Processes: len(stats)}
	var cpuSeconds float64
	for _, stat := range stats {
		cpuSeconds += stat.CPUTime()
		sample.WorkingSetBytes += uint64(stat.ResidentMemory())
		sample.Threads += stat.NumThreads
	}
	sample.CpuTime = time.Duration(cpuSeconds * float64(time.Second))
	return sample, nil
}
