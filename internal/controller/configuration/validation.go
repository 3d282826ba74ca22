package configuration

import (
	"github.com/pkg/errors"

	"github.com/crankbench/crank/internal/common/config"
)

func ValidateControllerConfiguration(cfg ControllerConfiguration) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if cfg.Coordinator.TouchInterval >= cfg.Coordinator.IdleTimeout {
		return errors.Errorf("coordinator.touchInterval (%s) must be shorter than coordinator.idleTimeout (%s)",
			cfg.Coordinator.TouchInterval, cfg.Coordinator.IdleTimeout)
	}
	if cfg.Coordinator.PollInterval >= cfg.Coordinator.IdleTimeout {
		return errors.Errorf("coordinator.pollInterval (%s) must be shorter than coordinator.idleTimeout (%s)",
			cfg.Coordinator.PollInterval, cfg.Coordinator.IdleTimeout)
	}
	return nil
}
