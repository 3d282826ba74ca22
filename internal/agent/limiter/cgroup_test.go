package limiter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crankbench/crank/internal/agent/configuration"
	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/agent/process"
	"github.com/crankbench/crank/internal/agent/process/fake"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
	"github.com/crankbench/crank/internal/common/logging"
	"github.com/crankbench/crank/internal/common/util"
)

const testAgentPid = 4242

var testConfig = configuration.LimiterConfiguration{
	Enabled:               true,
	CpuPeriodMicroseconds: 100000,
	CpuSetMems:            "0",
	CgroupRoot:            "/sys/fs/cgroup",
}

func newCgroupLimiter(version Version) (Limiter, *fake.Runner) {
	runner := fake.NewRunner()
	return newForVersion(version, testConfig, runner, nil, testAgentPid, logging.NullEntry()), runner
}

func newLimitedJob(t *testing.T, definition job.Definition) *job.Job {
	definition.Executable = "dotnet"
	j := job.NewJob(definition, util.NewDummyClock(time.Now()))
	require.NoError(t, j.AssignId(7))
	return j
}

func TestScopeName(t *testing.T) {
	assert.Equal(t, "crank-4242-7", ScopeName(4242, 7))
}

func TestCgroupV2_CreateReturnsPrefix(t *testing.T) {
	limiter, runner := newCgroupLimiter(CgroupV2)
	j := newLimitedJob(t, job.Definition{CpuLimitRatio: 0.5})

	prefix, err := limiter.Create(context.Background(), j)

	require.NoError(t, err)
	assert.Equal(t, Prefix{Executable: "cgexec", Arguments: []string{"-g", "cpu,cpuset,memory:crank-4242-7"}}, prefix)
	assert.Equal(t, []string{"cgcreate -g cpu,cpuset,memory:crank-4242-7"}, runner.CommandLines())
	assert.True(t, runner.Calls()[0].Options.RunAsRoot)
}

func TestPrefix_Wrap(t *testing.T) {
	prefix := Prefix{Executable: "cgexec", Arguments: []string{"-g", "cpu:x"}}
	name, args := prefix.Wrap("dotnet", []string{"app.dll"})
	assert.Equal(t, "cgexec", name)
	assert.Equal(t, []string{"-g", "cpu:x", "dotnet", "app.dll"}, args)

	name, args = Prefix{}.Wrap("dotnet", []string{"app.dll"})
	assert.Equal(t, "dotnet", name)
	assert.Equal(t, []string{"app.dll"}, args)
}

func TestCgroupV2_SetWritesQuotaAndPeriod(t *testing.T) {
	limiter, runner := newCgroupLimiter(CgroupV2)
	j := newLimitedJob(t, job.Definition{CpuLimitRatio: 0.29, CpuSet: "0-3", MemoryLimitInBytes: 536870912})

	require.NoError(t, limiter.Set(context.Background(), j))

	assert.Equal(t, []string{
		"cgset -r cpu.max=29000 100000 crank-4242-7",
		"cgset -r cpuset.cpus=0-3 crank-4242-7",
		"cgset -r cpuset.mems=0 crank-4242-7",
		"cgset -r memory.max=536870912 crank-4242-7",
	}, runner.CommandLines())
}

func TestCgroupV1_SetWritesV1Files(t *testing.T) {
	limiter, runner := newCgroupLimiter(CgroupV1)
	j := newLimitedJob(t, job.Definition{CpuLimitRatio: 0.5, MemoryLimitInBytes: 1024})

	require.NoError(t, limiter.Set(context.Background(), j))

	assert.Equal(t, []string{
		"cgset -r cpu.cfs_period_us=100000 crank-4242-7",
		"cgset -r cpu.cfs_quota_us=50000 crank-4242-7",
		"cgset -r memory.limit_in_bytes=1024 crank-4242-7",
	}, runner.CommandLines())
}

func TestCgroup_ZeroMemoryLimitIsNotWritten(t *testing.T) {
	for _, version := range []Version{CgroupV1, CgroupV2} {
		limiter, runner := newCgroupLimiter(version)
		j := newLimitedJob(t, job.Definition{CpuLimitRatio: 1, MemoryLimitInBytes: 0})

		require.NoError(t, limiter.Set(context.Background(), j))

		for _, line := range runner.CommandLines() {
			assert.NotContains(t, line, "memory.")
		}
	}
}

func TestCgroup_NoLimitsWritesNothing(t *testing.T) {
	limiter, runner := newCgroupLimiter(CgroupV2)
	j := newLimitedJob(t, job.Definition{})

	require.NoError(t, limiter.Set(context.Background(), j))
	assert.Empty(t, runner.Calls())
}

func TestCgroup_InvalidRatioFailsBeforeAnyCommand(t *testing.T) {
	limiter, runner := newCgroupLimiter(CgroupV2)
	j := newLimitedJob(t, job.Definition{CpuLimitRatio: 1.5})

	_, err := limiter.Create(context.Background(), j)
	var invalid *benchmarkerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))

	err = limiter.Set(context.Background(), j)
	assert.True(t, errors.As(err, &invalid))
	assert.Empty(t, runner.Calls())
}

func TestCgroup_NilJob(t *testing.T) {
	limiter, runner := newCgroupLimiter(CgroupV1)

	_, err := limiter.Create(context.Background(), nil)
	var invalid *benchmarkerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))
	assert.True(t, errors.As(limiter.Set(context.Background(), nil), &invalid))
	limiter.Delete(context.Background(), nil)
	assert.Empty(t, runner.Calls())
}

func TestCgroup_CreateFailureIsRecordedOnJob(t *testing.T) {
	limiter, runner := newCgroupLimiter(CgroupV2)
	runner.FailWhen("cgcreate", &benchmarkerrors.ErrProcessFailed{Filename: "cgcreate", ExitCode: 96, Stderr: "permission denied"})
	j := newLimitedJob(t, job.Definition{MemoryLimitInBytes: 1024})

	prefix, err := limiter.Create(context.Background(), j)

	var limitErr *benchmarkerrors.ErrResourceLimit
	require.True(t, errors.As(err, &limitErr))
	assert.True(t, prefix.IsEmpty())
	assert.Contains(t, j.Snapshot().Error, "Could not create cgroup crank-4242-7")
}

func TestCgroup_SetAttemptsEveryLimit(t *testing.T) {
	limiter, runner := newCgroupLimiter(CgroupV2)
	runner.FailWhen("cpuset.cpus", errors.New("cpuset busy"))
	j := newLimitedJob(t, job.Definition{CpuLimitRatio: 0.5, CpuSet: "1", MemoryLimitInBytes: 2048})

	err := limiter.Set(context.Background(), j)

	var limitErr *benchmarkerrors.ErrResourceLimit
	require.True(t, errors.As(err, &limitErr))
	assert.Len(t, runner.Calls(), 4)
	assert.Contains(t, j.Snapshot().Error, "cpuset busy")
}

func TestCgroup_DeleteNeverFails(t *testing.T) {
	limiter, runner := newCgroupLimiter(CgroupV1)
	runner.FailWhen("cgdelete", errors.New("no such group"))
	j := newLimitedJob(t, job.Definition{})

	limiter.Delete(context.Background(), j)

	assert.Equal(t, []string{"cgdelete -g cpu,cpuset,memory:crank-4242-7"}, runner.CommandLines())
}

func TestCgroupV2_GetCpuStat(t *testing.T) {
	limiter, runner := newCgroupLimiter(CgroupV2)
	runner.Handler = func(call fake.Call) (*process.Result, error) {
		return &process.Result{StandardOutput: "usage_usec 1500000\nuser_usec 1000000\nsystem_usec 500000"}, nil
	}

	stat, err := limiter.GetCpuStat(context.Background(), newLimitedJob(t, job.Definition{}))

	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, stat.Usage)
	assert.Equal(t, "cgget -n -v -r cpu.stat crank-4242-7", runner.CommandLines()[0])
}

func TestCgroupV1_GetCpuStat(t *testing.T) {
	limiter, runner := newCgroupLimiter(CgroupV1)
	runner.Handler = func(call fake.Call) (*process.Result, error) {
		return &process.Result{StandardOutput: "2000000000\n"}, nil
	}

	stat, err := limiter.GetCpuStat(context.Background(), newLimitedJob(t, job.Definition{}))

	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, stat.Usage)
}

func TestParseCpuStatV2_MissingUsage(t *testing.T) {
	_, err := parseCpuStatV2("user_usec 1")
	assert.Error(t, err)
}

func TestNoneLimiter(t *testing.T) {
	limiter, runner := newCgroupLimiter(None)
	assert.Equal(t, None, limiter.Version())

	unlimited := newLimitedJob(t, job.Definition{})
	prefix, err := limiter.Create(context.Background(), unlimited)
	require.NoError(t, err)
	assert.True(t, prefix.IsEmpty())
	assert.NoError(t, limiter.Set(context.Background(), unlimited))

	limited := newLimitedJob(t, job.Definition{MemoryLimitInBytes: 1})
	assert.Error(t, limiter.Set(context.Background(), limited))
	assert.Empty(t, runner.Calls())
}

func TestNew_DisabledIsNone(t *testing.T) {
	cfg := testConfig
	cfg.Enabled = false
	assert.Equal(t, None, New(cfg, fake.NewRunner(), logging.NullEntry()).Version())
}

func TestDetectVersion_NeverFails(t *testing.T) {
	assert.NotPanics(t, func() {
		DetectVersion(os.TempDir())
		DetectVersion("/does/not/exist")
	})
}
