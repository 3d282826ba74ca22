package diagnostics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/agent/process"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
)

// DumpCollector captures a dump of a process with an external tool such as gcore or dotnet-dump.
type DumpCollector struct {
	command []string
	timeout time.Duration
	runner  process.Runner
	logger  *log.Entry
}

func NewDumpCollector(command []string, timeout time.Duration, runner process.Runner, logger *log.Entry) *DumpCollector {
	return &DumpCollector{command: command, timeout: timeout, runner: runner, logger: logger}
}

// Collect writes a dump of pid into outputDirectory and returns the dump path.
func (c *DumpCollector) Collect(ctx context.Context, pid int, dumpType job.DumpType, outputDirectory string) (string, error) {
	if dumpType == "" || dumpType == job.NoDump {
		return "", nil
	}
	if len(c.command) == 0 {
		return "", &benchmarkerrors.ErrInvalidArgument{Name: "dumpCommand", Value: "", Message: "no dump command is configured on this agent"}
	}
	if err := os.MkdirAll(outputDirectory, 0o755); err != nil {
		return "", errors.WithStack(err)
	}
	output := filepath.Join(outputDirectory, fmt.Sprintf("dump-%d-%s-%s", pid, dumpType, time.Now().UTC().Format("20060102T150405")))
	replacer := strings.NewReplacer("{pid}", strconv.Itoa(pid), "{output}", output, "{type}", string(dumpType))
	args := make([]string, 0, len(c.command)-1)
	for _, arg := range c.command[1:] {
		args = append(args, replacer.Replace(arg))
	}

	c.logger.Infof("Collecting %s dump of process %d into %s", dumpType, pid, output)
	_, err := c.runner.Run(ctx, c.command[0], args, process.RunOptions{
		Timeout:      c.timeout,
		ThrowOnError: true,
		CaptureError: true,
	})
	if err != nil {
		return "", errors.WithMessagef(err, "collecting dump of process %d", pid)
	}
	return output, nil
}
