package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
)

// cpuRateScale is the Job Object unit for CPU rates: 10000 is 100% of the machine.
const cpuRateScale = 10000

// JobObjectHandle identifies an OS job object.
type JobObjectHandle uintptr

// JobObjectBackend is the OS surface of a Job Object.
type JobObjectBackend interface {
	Create() (JobObjectHandle, error)
	SetCpuRate(h JobObjectHandle, rate uint32) error
	SetAffinity(h JobObjectHandle, mask uint64) error
	SetMemoryLimit(h JobObjectHandle, bytes uint64) error
	Assign(h JobObjectHandle, pid int) error
	CpuTime(h JobObjectHandle) (time.Duration, error)
	Close(h JobObjectHandle) error
}

// JobObjectLimiter holds the pending limits of one process and the job object enforcing them.
// The object is only created by Apply, and only when at least one limit is pending.
type JobObjectLimiter struct {
	mu          sync.Mutex
	backend     JobObjectBackend
	handle      JobObjectHandle
	hasJobObj   bool
	disposed    bool
	memoryLimit uint64
	cpuRate     uint32
	affinity    uint64
}

func NewJobObjectLimiter(backend JobObjectBackend) *JobObjectLimiter {
	return &JobObjectLimiter{backend: backend}
}

// SetMemLimit sets the pending memory ceiling. Zero means no limit.
func (l *JobObjectLimiter) SetMemLimit(bytes uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.memoryLimit = bytes
}

// SetCpuLimits sets the pending CPU rate and affinity. A zero ratio or an empty cpu set leaves that
// dimension unconstrained.
func (l *JobObjectLimiter) SetCpuLimits(ratio float64, cpuSet string) error {
	rate := uint32(0)
	if ratio > 0 {
		quota, err := CpuQuota(ratio, cpuRateScale)
		if err != nil {
			return err
		}
		rate = uint32(quota)
	} else if err := job.ValidateCpuLimitRatio(ratio); err != nil {
		return err
	}
	mask := uint64(0)
	if cpuSet != "" {
		cpus, err := job.ParseCpuSet(cpuSet)
		if err != nil {
			return err
		}
		for _, cpu := range cpus {
			if cpu >= 64 {
				return &benchmarkerrors.ErrInvalidArgument{Name: "cpuSet", Value: cpuSet, Message: "cpu indexes above 63 are not supported"}
			}
			mask |= 1 << uint(cpu)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cpuRate = rate
	l.affinity = mask
	return nil
}

func (l *JobObjectLimiter) hasPendingLimits() bool {
	return l.memoryLimit > 0 || l.cpuRate > 0 || l.affinity != 0
}

// Apply commits the pending limits and assigns pid to the job object. Without pending limits it
// does nothing.
func (l *JobObjectLimiter) Apply(pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return errors.New("job object limiter is disposed")
	}
	if !l.hasPendingLimits() {
		return nil
	}
	if !l.hasJobObj {
		handle, err := l.backend.Create()
		if err != nil {
			return errors.WithMessage(err, "creating job object")
		}
		l.handle = handle
		l.hasJobObj = true
	}
	if l.cpuRate > 0 {
		if err := l.backend.SetCpuRate(l.handle, l.cpuRate); err != nil {
			return errors.WithMessage(err, "setting cpu rate")
		}
	}
	if l.affinity != 0 {
		if err := l.backend.SetAffinity(l.handle, l.affinity); err != nil {
			return errors.WithMessage(err, "setting cpu affinity")
		}
	}
	if l.memoryLimit > 0 {
		if err := l.backend.SetMemoryLimit(l.handle, l.memoryLimit); err != nil {
			return errors.WithMessage(err, "setting memory limit")
		}
	}
	if pid > 0 {
		if err := l.backend.Assign(l.handle, pid); err != nil {
			return errors.WithMessagef(err, "assigning process %d", pid)
		}
	}
	return nil
}

// LimitsActive reports whether a job object currently enforces limits.
func (l *JobObjectLimiter) LimitsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasJobObj && !l.disposed
}

func (l *JobObjectLimiter) CpuTime() (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasJobObj || l.disposed {
		return 0, errors.New("no job object")
	}
	return l.backend.CpuTime(l.handle)
}

// Dispose closes the job object. Calling it again, or without a job object, does nothing.
func (l *JobObjectLimiter) Dispose() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return nil
	}
	l.disposed = true
	if !l.hasJobObj {
		return nil
	}
	return l.backend.Close(l.handle)
}

// JobObjectManager is the Limiter of Windows agents, keeping one JobObjectLimiter per job.
type JobObjectManager struct {
	backend  JobObjectBackend
	limiters sync.Map
	logger   *log.Entry
}

func NewJobObjectManager(backend JobObjectBackend, logger *log.Entry) *JobObjectManager {
	return &JobObjectManager{backend: backend, logger: logger}
}

func (m *JobObjectManager) Version() Version {
	return JobObject
}

func (m *JobObjectManager) Create(_ context.Context, j *job.Job) (Prefix, error) {
	if _, err := validateLimits(j); err != nil {
		return Prefix{}, err
	}
	m.limiters.LoadOrStore(j.Id(), NewJobObjectLimiter(m.backend))
	return Prefix{}, nil
}

func (m *JobObjectManager) Set(_ context.Context, j *job.Job) error {
	definition, err := validateLimits(j)
	if err != nil {
		return err
	}
	l, err := m.limiter(j)
	if err != nil {
		return err
	}
	l.SetMemLimit(definition.MemoryLimitInBytes)
	return l.SetCpuLimits(definition.CpuLimitRatio, definition.CpuSet)
}

func (m *JobObjectManager) AttachProcess(_ context.Context, j *job.Job, pid int) error {
	l, err := m.limiter(j)
	if err != nil {
		return err
	}
	if err := l.Apply(pid); err != nil {
		scope := fmt.Sprintf("job object of job %d", j.Id())
		j.AppendError(fmt.Sprintf("Could not apply limits with the %s: %s", scope, err))
		return &benchmarkerrors.ErrResourceLimit{Scope: scope, Message: "applying limits", Cause: err}
	}
	return nil
}

func (m *JobObjectManager) GetCpuStat(_ context.Context, j *job.Job) (CpuStat, error) {
	l, err := m.limiter(j)
	if err != nil {
		return CpuStat{}, err
	}
	usage, err := l.CpuTime()
	if err != nil {
		return CpuStat{}, err
	}
	return CpuStat{Usage: usage}, nil
}

func (m *JobObjectManager) Delete(_ context.Context, j *job.Job) {
	if j == nil {
		return
	}
	value, ok := m.limiters.LoadAndDelete(j.Id())
	if !ok {
		return
	}
	if err := value.(*JobObjectLimiter).Dispose(); err != nil {
		m.logger.WithError(err).Warnf("Could not close the job object of job %d", j.Id())
	}
}

// Limiter returns the job object limiter of j, or nil.
func (m *JobObjectManager) Limiter(j *job.Job) *JobObjectLimiter {
	l, _ := m.limiter(j)
	return l
}

func (m *JobObjectManager) limiter(j *job.Job) (*JobObjectLimiter, error) {
	if err := requireJob(j); err != nil {
		return nil, err
	}
	value, ok := m.limiters.Load(j.Id())
	if !ok {
		return nil, &benchmarkerrors.ErrNotFound{Type: "job object", Value: fmt.Sprint(j.Id())}
	}
	return value.(*JobObjectLimiter), nil
}
