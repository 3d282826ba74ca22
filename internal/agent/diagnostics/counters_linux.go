//go:build linux

package diagnostics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

type ProcfsCounterReader struct {
	fs procfs.FS
}

func NewCounterReader() (CounterReader, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &ProcfsCounterReader{fs: fs}, nil
}

func (r *ProcfsCounterReader) ReadCounters(pid int) ([]Counter, error) {
	p, err := r.fs.Proc(pid)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	stat, err := p.Stat()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	counters := []Counter{{Name: ThreadCount, Value: float64(stat.NumThreads)}}

	if fds, err := p.FileDescriptorsLen(); err == nil {
		counters = append(counters, Counter{Name: FileDescriptors, Value: float64(fds)})
	}
	if status, err := p.NewStatus(); err == nil {
		counters = append(counters, Counter{Name: ContextSwitches, Value: float64(status.TotalCtxtSwitches())})
	}
	if io, err := p.IO(); err == nil {
		counters = append(counters,
			Counter{Name: ReadBytes, Value: float64(io.ReadBytes)},
			Counter{Name: WriteBytes, Value: float64(io.WriteBytes)})
	}
	return counters, nil
}
