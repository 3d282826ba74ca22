package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
	"github.com/crankbench/crank/internal/common/logging"
)

type fakeJobObjectBackend struct {
	mu         sync.Mutex
	calls      []string
	created    int
	closed     int
	cpuRate    uint32
	affinity   uint64
	memory     uint64
	assigned   []int
	failAssign error
}

func (b *fakeJobObjectBackend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *fakeJobObjectBackend) Create() (JobObjectHandle, error) {
	b.record("create")
	b.created++
	return JobObjectHandle(b.created), nil
}

func (b *fakeJobObjectBackend) SetCpuRate(_ JobObjectHandle, rate uint32) error {
	b.record("cpuRate")
	b.cpuRate = rate
	return nil
}

func (b *fakeJobObjectBackend) SetAffinity(_ JobObjectHandle, mask uint64) error {
	b.record("affinity")
	b.affinity = mask
	return nil
}

func (b *fakeJobObjectBackend) SetMemoryLimit(_ JobObjectHandle, bytes uint64) error {
	b.record("memory")
	b.memory = bytes
	return nil
}

func (b *fakeJobObjectBackend) Assign(_ JobObjectHandle, pid int) error {
	b.record("assign")
	if b.failAssign != nil {
		return b.failAssign
	}
	b.assigned = append(b.assigned, pid)
	return nil
}

func (b *fakeJobObjectBackend) CpuTime(JobObjectHandle) (time.Duration, error) {
	b.record("cpuTime")
	return 3 * time.Second, nil
}

func (b *fakeJobObjectBackend) Close(JobObjectHandle) error {
	b.record("close")
	b.closed++
	return nil
}

func TestJobObjectLimiter_DisposeIsIdempotent(t *testing.T) {
	backend := &fakeJobObjectBackend{}
	l := NewJobObjectLimiter(backend)
	l.SetMemLimit(1024)
	require.NoError(t, l.Apply(10))

	assert.NoError(t, l.Dispose())
	assert.NoError(t, l.Dispose())

	assert.Equal(t, 1, backend.closed)
	assert.False(t, l.LimitsActive())
}

func TestJobObjectLimiter_NoLimitsMakesNoOsCalls(t *testing.T) {
	backend := &fakeJobObjectBackend{}
	l := NewJobObjectLimiter(backend)

	assert.NoError(t, l.Apply(10))
	assert.False(t, l.LimitsActive())
	assert.NoError(t, l.Dispose())
	assert.NoError(t, l.Dispose())

	assert.Empty(t, backend.calls)
}

func TestJobObjectLimiter_ZeroMemoryLimitMakesNoOsCalls(t *testing.T) {
	backend := &fakeJobObjectBackend{}
	l := NewJobObjectLimiter(backend)
	l.SetMemLimit(0)
	require.NoError(t, l.SetCpuLimits(0, ""))

	require.NoError(t, l.Apply(10))

	assert.False(t, l.LimitsActive())
	assert.Empty(t, backend.calls)
}

func TestJobObjectLimiter_AppliesPendingLimits(t *testing.T) {
	backend := &fakeJobObjectBackend{}
	l := NewJobObjectLimiter(backend)
	l.SetMemLimit(1 << 20)
	require.NoError(t, l.SetCpuLimits(0.29, "0,2"))

	require.NoError(t, l.Apply(55))

	assert.True(t, l.LimitsActive())
	assert.Equal(t, []string{"create", "cpuRate", "affinity", "memory", "assign"}, backend.calls)
	assert.Equal(t, uint32(2900), backend.cpuRate)
	assert.Equal(t, uint64(0b101), backend.affinity)
	assert.Equal(t, uint64(1<<20), backend.memory)
	assert.Equal(t, []int{55}, backend.assigned)
}

func TestJobObjectLimiter_ApplyAfterDispose(t *testing.T) {
	l := NewJobObjectLimiter(&fakeJobObjectBackend{})
	require.NoError(t, l.Dispose())
	l.SetMemLimit(10)
	assert.Error(t, l.Apply(1))
}

func TestJobObjectLimiter_RejectsInvalidCpuLimits(t *testing.T) {
	l := NewJobObjectLimiter(&fakeJobObjectBackend{})
	var invalid *benchmarkerrors.ErrInvalidArgument
	assert.True(t, errors.As(l.SetCpuLimits(-1, ""), &invalid))
	assert.True(t, errors.As(l.SetCpuLimits(2, ""), &invalid))
	assert.True(t, errors.As(l.SetCpuLimits(0.5, "64"), &invalid))
	assert.True(t, errors.As(l.SetCpuLimits(0.5, "x"), &invalid))
}

func TestJobObjectManager_Lifecycle(t *testing.T) {
	backend := &fakeJobObjectBackend{}
	manager := NewJobObjectManager(backend, logging.NullEntry())
	j := newLimitedJob(t, job.Definition{MemoryLimitInBytes: 4096})
	ctx := context.Background()

	prefix, err := manager.Create(ctx, j)
	require.NoError(t, err)
	assert.True(t, prefix.IsEmpty())
	require.NoError(t, manager.Set(ctx, j))
	require.NoError(t, manager.AttachProcess(ctx, j, 99))
	assert.True(t, manager.Limiter(j).LimitsActive())

	stat, err := manager.GetCpuStat(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, stat.Usage)

	manager.Delete(ctx, j)
	manager.Delete(ctx, j)
	assert.Equal(t, 1, backend.closed)
	assert.Nil(t, manager.Limiter(j))
}

func TestJobObjectManager_MemoryLimitZeroCreatesNoJobObject(t *testing.T) {
	backend := &fakeJobObjectBackend{}
	manager := NewJobObjectManager(backend, logging.NullEntry())
	j := newLimitedJob(t, job.Definition{MemoryLimitInBytes: 0})
	ctx := context.Background()

	_, err := manager.Create(ctx, j)
	require.NoError(t, err)
	require.NoError(t, manager.Set(ctx, j))
	require.NoError(t, manager.AttachProcess(ctx, j, 99))

	assert.False(t, manager.Limiter(j).LimitsActive())
	assert.Empty(t, backend.calls)
	manager.Delete(ctx, j)
	assert.Empty(t, backend.calls)
}

func TestJobObjectManager_AttachFailureRecordedOnJob(t *testing.T) {
	backend := &fakeJobObjectBackend{failAssign: errors.New("access denied")}
	manager := NewJobObjectManager(backend, logging.NullEntry())
	j := newLimitedJob(t, job.Definition{CpuLimitRatio: 0.5})
	ctx := context.Background()
	_, _ = manager.Create(ctx, j)
	require.NoError(t, manager.Set(ctx, j))

	err := manager.AttachProcess(ctx, j, 99)

	var limitErr *benchmarkerrors.ErrResourceLimit
	assert.True(t, errors.As(err, &limitErr))
	assert.Contains(t, j.Snapshot().Error, "access denied")
}

func TestJobObjectManager_UnknownJob(t *testing.T) {
	manager := NewJobObjectManager(&fakeJobObjectBackend{}, logging.NullEntry())
	err := manager.AttachProcess(context.Background(), newLimitedJob(t, job.Definition{}), 1)
	var notFound *benchmarkerrors.ErrNotFound
	assert.True(t, errors.As(err, &notFound))
}
