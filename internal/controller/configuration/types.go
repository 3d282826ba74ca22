package configuration

import (
	"time"

	"github.com/crankbench/crank/internal/common/logging"
)

type AgentClientConfiguration struct {
	// Retries after the first failed request before an agent is considered unreachable
	Retries        uint
	RetryDelay     time.Duration `validate:"gt=0"`
	RequestTimeout time.Duration `validate:"gt=0"`
}

type CoordinatorConfiguration struct {
	PollInterval  time.Duration `validate:"gt=0"`
	TouchInterval time.Duration `validate:"gt=0"`
	// A service must reach Running within this long after being submitted
	StartupTimeout time.Duration `validate:"gt=0"`
	// A running job with no state change and no new measurement for this long is deadlocked
	IdleTimeout      time.Duration `validate:"gt=0"`
	ExecutionTimeout time.Duration `validate:"gt=0"`
	StopTimeout      time.Duration `validate:"gt=0"`
}

type ResultsConfiguration struct {
	Format string `validate:"oneof=json yaml"`
	// File the report is written to; stdout when empty
	Output string
}

type ControllerConfiguration struct {
	Logging     logging.Config
	Agent       AgentClientConfiguration
	Coordinator CoordinatorConfiguration
	Results     ResultsConfiguration
}
