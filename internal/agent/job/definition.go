package job

import (
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/crankbench/crank/internal/common/benchmarkerrors"
)

type DumpType string

const (
	NoDump   DumpType = "none"
	MiniDump DumpType = "mini"
	FullDump DumpType = "full"
)

// Source is a directory the job needs before it is built: either a git repository or a local folder.
type Source struct {
	Repository        string `json:"repository,omitempty" yaml:"repository,omitempty"`
	BranchOrCommit    string `json:"branchOrCommit,omitempty" yaml:"branchOrCommit,omitempty"`
	LocalFolder       string `json:"localFolder,omitempty" yaml:"localFolder,omitempty"`
	DestinationFolder string `json:"destinationFolder,omitempty" yaml:"destinationFolder,omitempty"`
}

// Definition is what the controller submits to an agent.
type Definition struct {
	Service          string            `json:"service" yaml:"service"`
	RunId            string            `json:"runId" yaml:"runId"`
	Executable       string            `json:"executable,omitempty" yaml:"executable,omitempty"`
	Arguments        []string          `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Environment      map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty" yaml:"workingDirectory,omitempty"`
	Sources          map[string]Source `json:"sources,omitempty" yaml:"sources,omitempty"`

	BuildCommand   string        `json:"buildCommand,omitempty" yaml:"buildCommand,omitempty"`
	BuildArguments []string      `json:"buildArguments,omitempty" yaml:"buildArguments,omitempty"`
	BuildTimeout   time.Duration `json:"buildTimeout,omitempty" yaml:"buildTimeout,omitempty"`

	DockerImage   string   `json:"dockerImage,omitempty" yaml:"dockerImage,omitempty"`
	DockerCommand []string `json:"dockerCommand,omitempty" yaml:"dockerCommand,omitempty"`

	CpuLimitRatio      float64 `json:"cpuLimitRatio,omitempty" yaml:"cpuLimitRatio,omitempty"`
	CpuSet             string  `json:"cpuSet,omitempty" yaml:"cpuSet,omitempty"`
	MemoryLimitInBytes uint64  `json:"memoryLimitInBytes,omitempty" yaml:"memoryLimitInBytes,omitempty"`

	ReadyStateText string        `json:"readyStateText,omitempty" yaml:"readyStateText,omitempty"`
	WaitForExit    bool          `json:"waitForExit,omitempty" yaml:"waitForExit,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	StartTimeout   time.Duration `json:"startTimeout,omitempty" yaml:"startTimeout,omitempty"`

	CollectCounters  bool          `json:"collectCounters,omitempty" yaml:"collectCounters,omitempty"`
	CountersInterval time.Duration `json:"countersInterval,omitempty" yaml:"countersInterval,omitempty"`
	DumpType         DumpType      `json:"dumpType,omitempty" yaml:"dumpType,omitempty"`
	DumpOutput       string        `json:"dumpOutput,omitempty" yaml:"dumpOutput,omitempty"`

	RunAsRoot bool `json:"runAsRoot,omitempty" yaml:"runAsRoot,omitempty"`
	NoClean   bool `json:"noClean,omitempty" yaml:"noClean,omitempty"`
}

// HasLimits reports whether any resource limit was requested.
// A zero MemoryLimitInBytes means no memory limit.
func (d *Definition) HasLimits() bool {
	return d.CpuLimitRatio > 0 || d.CpuSet != "" || d.MemoryLimitInBytes > 0
}

func (d *Definition) IsContainerized() bool {
	return d.DockerImage != ""
}

// Validate checks the definition before anything touches the OS.
func (d *Definition) Validate() error {
	if d == nil {
		return &benchmarkerrors.ErrInvalidArgument{Name: "definition", Value: nil, Message: "a job definition is required"}
	}
	if d.Executable == "" && d.DockerImage == "" {
		return &benchmarkerrors.ErrInvalidArgument{Name: "executable", Value: "", Message: "an executable or a docker image is required"}
	}
	if err := ValidateCpuLimitRatio(d.CpuLimitRatio); err != nil {
		return err
	}
	if d.CpuSet != "" {
		if _, err := ParseCpuSet(d.CpuSet); err != nil {
			return err
		}
	}
	for name, source := range d.Sources {
		if strings.TrimSpace(name) == "" {
			return &benchmarkerrors.ErrInvalidArgument{Name: "sources", Value: name, Message: "source names must not be empty"}
		}
		if source.Repository == "" && source.LocalFolder == "" {
			return &benchmarkerrors.ErrInvalidArgument{Name: "sources." + name, Value: source, Message: "a repository or a local folder is required"}
		}
	}
	for _, field := range []struct {
		name  string
		value time.Duration
	}{
		{"buildTimeout", d.BuildTimeout},
		{"timeout", d.Timeout},
		{"startTimeout", d.StartTimeout},
		{"countersInterval", d.CountersInterval},
	} {
		if field.value < 0 {
			return &benchmarkerrors.ErrInvalidArgument{Name: field.name, Value: field.value, Message: "must not be negative"}
		}
	}
	switch d.DumpType {
	case "", NoDump:
	case MiniDump, FullDump:
		if d.DumpOutput == "" {
			return &benchmarkerrors.ErrInvalidArgument{Name: "dumpOutput", Value: "", Message: "a dump output directory is required when dumpType is set"}
		}
	default:
		return &benchmarkerrors.ErrInvalidArgument{Name: "dumpType", Value: d.DumpType, Message: "must be one of none, mini, full"}
	}
	return nil
}

// ValidateCpuLimitRatio accepts 0 (no limit) or a ratio in (0, 1].
func ValidateCpuLimitRatio(ratio float64) error {
	if math.IsNaN(ratio) || ratio < 0 || ratio > 1 {
		return &benchmarkerrors.ErrInvalidArgument{Name: "cpuLimitRatio", Value: ratio, Message: "must be in (0, 1]"}
	}
	return nil
}

// ParseCpuSet parses a cpu list such as "0-3,5" into the sorted list of cpu indexes it names.
func ParseCpuSet(cpuSet string) ([]int, error) {
	invalid := func(msg string) error {
		return &benchmarkerrors.ErrInvalidArgument{Name: "cpuSet", Value: cpuSet, Message: msg}
	}
	seen := map[int]bool{}
	var cpus []int
	add := func(cpu int) {
		if !seen[cpu] {
			seen[cpu] = true
			cpus = append(cpus, cpu)
		}
	}
	for _, part := range strings.Split(cpuSet, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, invalid("empty cpu list entry")
		}
		bounds := strings.SplitN(part, "-", 2)
		low, err := strconv.Atoi(bounds[0])
		if err != nil || low < 0 {
			return nil, invalid("cpu indexes must be non-negative integers")
		}
		high := low
		if len(bounds) == 2 {
			high, err = strconv.Atoi(bounds[1])
			if err != nil || high < low {
				return nil, invalid("ranges must be written low-high")
			}
		}
		for cpu := low; cpu <= high; cpu++ {
			add(cpu)
		}
	}
	slices.Sort(cpus)
	return cpus, nil
}
