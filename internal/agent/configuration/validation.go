package configuration

import (
	"github.com/pkg/errors"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/common/config"
)

func ValidateAgentConfiguration(cfg AgentConfiguration) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if cfg.Limiter.CpuSetMems != "" {
		if _, err := job.ParseCpuSet(cfg.Limiter.CpuSetMems); err != nil {
			return errors.WithMessage(err, "limiter.cpuSetMems")
		}
	}
	if cfg.Job.GracefulStopTimeout >= cfg.Job.DriverTimeout {
		return errors.Errorf("job.gracefulStopTimeout (%s) must be shorter than job.driverTimeout (%s)",
			cfg.Job.GracefulStopTimeout, cfg.Job.DriverTimeout)
	}
	return nil
}
