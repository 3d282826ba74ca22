package limiter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/crankbench/crank/internal/agent/configuration"
	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/agent/process"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
)

const cgroupControllers = "cpu,cpuset,memory"

// CgroupLimiter drives cgroups through the libcgroup tools (cgcreate, cgset, cgget, cgexec,
// cgdelete). Only the names of the limit files differ between v1 and v2.
type CgroupLimiter struct {
	version  Version
	cfg      configuration.LimiterConfiguration
	runner   process.Runner
	agentPid int
	logger   *log.Entry
}

func (l *CgroupLimiter) Version() Version {
	return l.version
}

func (l *CgroupLimiter) scope(j *job.Job) string {
	return ScopeName(l.agentPid, j.Id())
}

func (l *CgroupLimiter) Create(ctx context.Context, j *job.Job) (Prefix, error) {
	if _, err := validateLimits(j); err != nil {
		return Prefix{}, err
	}
	name := l.scope(j)
	group := cgroupControllers + ":" + name
	if _, err := l.run(ctx, "cgcreate", "-g", group); err != nil {
		msg := fmt.Sprintf("Could not create cgroup %s: %s", name, err)
		j.AppendError(msg)
		return Prefix{}, &benchmarkerrors.ErrResourceLimit{Scope: name, Message: "creating cgroup", Cause: err}
	}
	return Prefix{Executable: "cgexec", Arguments: []string{"-g", group}}, nil
}

// Set writes each requested limit, carrying on past individual failures so that every problem is
// reported at once.
func (l *CgroupLimiter) Set(ctx context.Context, j *job.Job) error {
	definition, err := validateLimits(j)
	if err != nil {
		return err
	}
	settings, err := l.settings(definition)
	if err != nil {
		return err
	}
	name := l.scope(j)

	var result *multierror.Error
	for _, setting := range settings {
		if _, err := l.run(ctx, "cgset", "-r", setting, name); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "cgset %s", setting))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		j.AppendError(fmt.Sprintf("Could not apply limits to cgroup %s: %s", name, err))
		return &benchmarkerrors.ErrResourceLimit{Scope: name, Message: "setting limits", Cause: err}
	}
	return nil
}

// settings returns the key=value pairs cgset writes for definition. Zero values are not written.
func (l *CgroupLimiter) settings(definition job.Definition) ([]string, error) {
	var settings []string
	period := l.cfg.CpuPeriodMicroseconds
	if definition.CpuLimitRatio > 0 {
		quota, err := CpuQuota(definition.CpuLimitRatio, period)
		if err != nil {
			return nil, err
		}
		if l.version == CgroupV2 {
			settings = append(settings, fmt.Sprintf("cpu.max=%d %d", quota, period))
		} else {
			settings = append(settings,
				fmt.Sprintf("cpu.cfs_period_us=%d", period),
				fmt.Sprintf("cpu.cfs_quota_us=%d", quota))
		}
	}
	if definition.CpuSet != "" {
		mems := l.cfg.CpuSetMems
		if mems == "" {
			mems = "0"
		}
		settings = append(settings, "cpuset.cpus="+definition.CpuSet, "cpuset.mems="+mems)
	}
	if definition.MemoryLimitInBytes > 0 {
		if l.version == CgroupV2 {
			settings = append(settings, fmt.Sprintf("memory.max=%d", definition.MemoryLimitInBytes))
		} else {
			settings = append(settings, fmt.Sprintf("memory.limit_in_bytes=%d", definition.MemoryLimitInBytes))
		}
	}
	return settings, nil
}

// AttachProcess is a no-op: cgexec starts the process inside the group.
func (l *CgroupLimiter) AttachProcess(_ context.Context, j *job.Job, _ int) error {
	return requireJob(j)
}

func (l *CgroupLimiter) GetCpuStat(ctx context.Context, j *job.Job) (CpuStat, error) {
	if err := requireJob(j); err != nil {
		return CpuStat{}, err
	}
	name := l.scope(j)
	if l.version == CgroupV2 {
		result, err := l.run(ctx, "cgget", "-n", "-v", "-r", "cpu.stat", name)
		if err != nil {
			return CpuStat{}, err
		}
		return parseCpuStatV2(result.StandardOutput)
	}
	result, err := l.run(ctx, "cgget", "-n", "-v", "-r", "cpuacct.usage", name)
	if err != nil {
		return CpuStat{}, err
	}
	nanoseconds, err := strconv.ParseUint(strings.TrimSpace(result.StandardOutput), 10, 64)
	if err != nil {
		return CpuStat{}, errors.Wrapf(err, "parsing cpuacct.usage of %s", name)
	}
	return CpuStat{Usage: time.Duration(nanoseconds)}, nil
}

func parseCpuStatV2(output string) (CpuStat, error) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			usec, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return CpuStat{}, errors.Wrap(err, "parsing usage_usec")
			}
			return CpuStat{Usage: time.Duration(usec) * time.Microsecond}, nil
		}
	}
	return CpuStat{}, errors.Errorf("usage_usec not found in cpu.stat")
}

func (l *CgroupLimiter) Delete(ctx context.Context, j *job.Job) {
	if j == nil {
		return
	}
	name := l.scope(j)
	if _, err := l.run(ctx, "cgdelete", "-g", cgroupControllers+":"+name); err != nil {
		l.logger.WithError(err).Warnf("Could not delete cgroup %s", name)
	}
}

func (l *CgroupLimiter) run(ctx context.Context, tool string, args ...string) (*process.Result, error) {
	return l.runner.Run(ctx, tool, args, process.RunOptions{
		Timeout:       commandTimeout,
		ThrowOnError:  true,
		CaptureOutput: true,
		CaptureError:  true,
		RunAsRoot:     true,
	})
}
