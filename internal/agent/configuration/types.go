package configuration

import (
	"time"

	"github.com/crankbench/crank/internal/common/config"
	"github.com/crankbench/crank/internal/common/logging"
)

type ApplicationConfiguration struct {
	// Address the HTTP surface listens on, e.g. ":5010"
	ListenAddress string `validate:"required"`
	// Directory under which job working directories are created
	WorkDirectory string `validate:"required"`
	// Upper bound on jobs torn down concurrently when the agent shuts down
	ShutdownParallelism int `validate:"gt=0"`
	// How long shutdown waits for jobs to be torn down
	ShutdownTimeout time.Duration `validate:"gt=0"`
	// Upper bound on concurrently served connections; 0 means unbounded
	MaxConnections int `validate:"gte=0"`
}

type JobConfiguration struct {
	MonitorInterval time.Duration `validate:"gt=0"`
	// A job whose controller has not polled or touched it for this long terminates itself
	DriverTimeout       time.Duration `validate:"gt=0"`
	GracefulStopTimeout time.Duration `validate:"gt=0"`
	DefaultStartTimeout time.Duration `validate:"gt=0"`
	DefaultBuildTimeout time.Duration `validate:"gt=0"`
	// How often finished jobs abandoned by their controller are deleted
	SweepInterval time.Duration `validate:"gt=0"`
}

type LimiterConfiguration struct {
	// Set to false to never create cgroups or job objects
	Enabled bool
	// cgroup CPU period in microseconds
	CpuPeriodMicroseconds uint64 `validate:"gte=1000,lte=1000000"`
	// Value written to cpuset.mems when a cpu set is requested
	CpuSetMems string
	// Root of the cgroup filesystem
	CgroupRoot string `validate:"required"`
}

type SourceConfiguration struct {
	GitRetries    uint
	GitRetryDelay time.Duration
	GitTimeout    time.Duration `validate:"gt=0"`
	// How long an acquired source is reused across jobs before its directory is evicted
	CacheTTL time.Duration `validate:"gt=0"`
	// Directory holding cached sources
	CacheDirectory string `validate:"required"`
}

type DiagnosticsConfiguration struct {
	// Command used to collect a dump. {pid}, {output} and {type} are substituted.
	DumpCommand   []string
	DumpTimeout   time.Duration `validate:"gt=0"`
	CounterPrefix string
}

type DockerConfiguration struct {
	Enabled    bool
	Host       string
	PullImages bool
	// Size of /dev/shm in containers, e.g. "256MB"; 0 keeps the docker default
	ShmSize config.ByteSize
}

type MetricsConfiguration struct {
	Enabled         bool
	RefreshInterval time.Duration `validate:"gt=0"`
}

type AgentConfiguration struct {
	Application ApplicationConfiguration
	Logging     logging.Config
	Job         JobConfiguration
	Limiter     LimiterConfiguration
	Source      SourceConfiguration
	Diagnostics DiagnosticsConfiguration
	Docker      DockerConfiguration
	Metrics     MetricsConfiguration
}
