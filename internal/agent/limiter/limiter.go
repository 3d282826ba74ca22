// Package limiter applies CPU, cpu set and memory ceilings to job processes, with cgroups (v1 or v2)
// on Linux and Job Objects on Windows. Limiting is best effort: failures are recorded on the job and
// reported to the caller, but cleanup never fails.
package limiter

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/crankbench/crank/internal/agent/configuration"
	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/agent/process"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
)

type Version int

const (
	None Version = iota
	CgroupV1
	CgroupV2
	JobObject
)

func (v Version) String() string {
	switch v {
	case CgroupV1:
		return "cgroup-v1"
	case CgroupV2:
		return "cgroup-v2"
	case JobObject:
		return "job-object"
	default:
		return "none"
	}
}

// Prefix is prepended to the job command line so the process starts inside its scope.
type Prefix struct {
	Executable string
	Arguments  []string
}

func (p Prefix) IsEmpty() bool {
	return p.Executable == ""
}

// Wrap returns the command line that runs executable with args inside the scope.
func (p Prefix) Wrap(executable string, args []string) (string, []string) {
	if p.IsEmpty() {
		return executable, args
	}
	wrapped := append([]string{}, p.Arguments...)
	wrapped = append(wrapped, executable)
	return p.Executable, append(wrapped, args...)
}

type CpuStat struct {
	// Cumulative CPU time consumed inside the scope
	Usage time.Duration
}

// Limiter failures returned as *benchmarkerrors.ErrResourceLimit have already been recorded on
// the job error.
type Limiter interface {
	Version() Version
	// Create allocates the scope of j and returns the launch prefix.
	Create(ctx context.Context, j *job.Job) (Prefix, error)
	// Set writes every limit requested by j. Unset limits are left alone.
	Set(ctx context.Context, j *job.Job) error
	// AttachProcess places an already started process in the scope, where the mechanism requires it.
	AttachProcess(ctx context.Context, j *job.Job, pid int) error
	GetCpuStat(ctx context.Context, j *job.Job) (CpuStat, error)
	// Delete removes the scope. Failures are logged.
	Delete(ctx context.Context, j *job.Job)
}

const commandTimeout = 30 * time.Second

// New detects the limiting mechanism of the platform once and returns the matching limiter.
func New(cfg configuration.LimiterConfiguration, runner process.Runner, logger *log.Entry) Limiter {
	version := None
	if cfg.Enabled {
		version = DetectVersion(cfg.CgroupRoot)
	}
	logger.Infof("Resource limiting: %s", version)
	return newForVersion(version, cfg, runner, newPlatformJobObjectBackend(), os.Getpid(), logger)
}

func newForVersion(version Version, cfg configuration.LimiterConfiguration, runner process.Runner, backend JobObjectBackend, agentPid int, logger *log.Entry) Limiter {
	switch version {
	case CgroupV1, CgroupV2:
		return &CgroupLimiter{
			version:  version,
			cfg:      cfg,
			runner:   runner,
			agentPid: agentPid,
			logger:   logger,
		}
	case JobObject:
		return NewJobObjectManager(backend, logger)
	default:
		return &NoneLimiter{}
	}
}

// ScopeName names the cgroup of a job. The agent pid keeps concurrent agents on one host apart.
func ScopeName(agentPid int, jobId int) string {
	return fmt.Sprintf("crank-%d-%d", agentPid, jobId)
}

func requireJob(j *job.Job) error {
	if j == nil {
		return &benchmarkerrors.ErrInvalidArgument{Name: "job", Value: nil, Message: "a job is required"}
	}
	return nil
}

// validateLimits checks the limit inputs of j before any OS call.
func validateLimits(j *job.Job) (job.Definition, error) {
	if err := requireJob(j); err != nil {
		return job.Definition{}, err
	}
	definition := j.Definition()
	if err := job.ValidateCpuLimitRatio(definition.CpuLimitRatio); err != nil {
		return definition, err
	}
	if definition.CpuSet != "" {
		if _, err := job.ParseCpuSet(definition.CpuSet); err != nil {
			return definition, err
		}
	}
	return definition, nil
}

type NoneLimiter struct{}

func (l *NoneLimiter) Version() Version { return None }

func (l *NoneLimiter) Create(_ context.Context, j *job.Job) (Prefix, error) {
	return Prefix{}, requireJob(j)
}

func (l *NoneLimiter) Set(_ context.Context, j *job.Job) error {
	definition, err := validateLimits(j)
	if err != nil {
		return err
	}
	if definition.HasLimits() {
		msg := "resource limits were requested but no limiting mechanism is available on this agent"
		j.AppendError(msg)
		return &benchmarkerrors.ErrResourceLimit{Scope: "none", Message: msg}
	}
	return nil
}

func (l *NoneLimiter) AttachProcess(_ context.Context, j *job.Job, _ int) error {
	return requireJob(j)
}

func (l *NoneLimiter) GetCpuStat(_ context.Context, j *job.Job) (CpuStat, error) {
	return CpuStat{}, &benchmarkerrors.ErrResourceLimit{Scope: "none", Message: "cpu accounting is not available"}
}

func (l *NoneLimiter) Delete(context.Context, *job.Job) {}
