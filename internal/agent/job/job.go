package job

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/crankbench/crank/internal/common/jobstats"
	"github.com/crankbench/crank/internal/common/util"
)

const outputTailLines = 500

// Info is the observable data of a job. Pollers only ever see copies of it.
type Info struct {
	Id                         int                            `json:"id"`
	RunId                      string                         `json:"runId"`
	Service                    string                         `json:"service"`
	State                      State                          `json:"state"`
	Definition                 Definition                     `json:"definition"`
	ProcessId                  int                            `json:"processId,omitempty"`
	WorkingDirectory           string                         `json:"workingDirectory,omitempty"`
	SourceDirectories          map[string]string              `json:"sourceDirectories,omitempty"`
	ContainerId                string                         `json:"containerId,omitempty"`
	EventPipeSessionId         string                         `json:"eventPipeSessionId,omitempty"`
	CountersCompleted          bool                           `json:"countersCompleted"`
	StartMonitorTime           time.Time                      `json:"startMonitorTime,omitempty"`
	NextMeasurement            time.Time                      `json:"nextMeasurement,omitempty"`
	LastDriverCommunicationUtc time.Time                      `json:"lastDriverCommunicationUtc"`
	LastStateChange            time.Time                      `json:"lastStateChange"`
	// Time and count of the measurements reported by the job itself, excluding agent samples
	LastMeasurementTime        time.Time                      `json:"lastMeasurementTime,omitempty"`
	ReportedMeasurements       int                            `json:"reportedMeasurements"`
	Error                      string                         `json:"error,omitempty"`
	ExitCode                   *int                           `json:"exitCode,omitempty"`
	Measurements               []jobstats.Measurement         `json:"measurements,omitempty"`
	Metadata                   []jobstats.MeasurementMetadata `json:"metadata,omitempty"`
}

func (info Info) DeepCopy() Info {
	c := info
	c.Definition.Arguments = append([]string(nil), info.Definition.Arguments...)
	c.Definition.BuildArguments = append([]string(nil), info.Definition.BuildArguments...)
	c.Definition.DockerCommand = append([]string(nil), info.Definition.DockerCommand...)
	c.Definition.Environment = util.CopyMap(info.Definition.Environment)
	if info.Definition.Sources != nil {
		c.Definition.Sources = make(map[string]Source, len(info.Definition.Sources))
		for k, v := range info.Definition.Sources {
			c.Definition.Sources[k] = v
		}
	}
	c.SourceDirectories = util.CopyMap(info.SourceDirectories)
	if info.ExitCode != nil {
		exitCode := *info.ExitCode
		c.ExitCode = &exitCode
	}
	c.Measurements = append([]jobstats.Measurement(nil), info.Measurements...)
	c.Metadata = append([]jobstats.MeasurementMetadata(nil), info.Metadata...)
	return c
}

// Job is one unit of work on an agent. Every mutation holds the job's own mutex, so jobs never
// contend with each other.
type Job struct {
	mu     sync.RWMutex
	info   Info
	output *util.LineTail
	clock  util.Clock
}

func NewJob(definition Definition, clock util.Clock) *Job {
	now := clock.Now()
	return &Job{
		info: Info{
			RunId:                      definition.RunId,
			Service:                    definition.Service,
			State:                      New,
			Definition:                 definition,
			LastDriverCommunicationUtc: now.UTC(),
			LastStateChange:            now,
		},
		output: util.NewLineTail(outputTailLines),
		clock:  clock,
	}
}

// AssignId sets the repository id of the job. Ids are immutable once assigned.
func (j *Job) AssignId(id int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.info.Id != 0 {
		return errors.Errorf("job already has id %d", j.info.Id)
	}
	j.info.Id = id
	return nil
}

func (j *Job) Id() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.info.Id
}

func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.info.State
}

func (j *Job) Service() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.info.Service
}

// Definition returns a copy of the submitted definition.
func (j *Job) Definition() Definition {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.info.DeepCopy().Definition
}

func (j *Job) Snapshot() Info {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.info.DeepCopy()
}

// TransitionTo moves the job to state to, rejecting any edge CanTransition does not allow.
func (j *Job) TransitionTo(to State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !CanTransition(j.info.State, to) {
		return &ErrInvalidTransition{JobId: j.info.Id, From: j.info.State, To: to}
	}
	j.info.State = to
	j.info.LastStateChange = j.clock.Now()
	return nil
}

// Fail records msg and moves the job to Failed. It returns false if the job was already terminal.
func (j *Job) Fail(msg string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if msg != "" {
		j.appendErrorLocked(msg)
	}
	if j.info.State.IsTerminal() {
		return false
	}
	j.info.State = Failed
	j.info.LastStateChange = j.clock.Now()
	return true
}

func (j *Job) AppendError(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.appendErrorLocked(msg)
}

func (j *Job) appendErrorLocked(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	if j.info.Error == "" {
		j.info.Error = msg
	} else {
		j.info.Error = j.info.Error + "\n" + msg
	}
}

// Touch records that the controller communicated with this job.
func (j *Job) Touch() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.info.LastDriverCommunicationUtc = j.clock.Now().UTC()
}

func (j *Job) LastDriverCommunication() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.info.LastDriverCommunicationUtc
}

// Update applies fn to the job data under the job lock. fn must not change Id or State.
func (j *Job) Update(fn func(info *Info)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	id, state := j.info.Id, j.info.State
	fn(&j.info)
	j.info.Id, j.info.State = id, state
}

// AddMeasurements records measurements the job reported itself through job statistics.
func (j *Job) AddMeasurements(measurements ...jobstats.Measurement) {
	if len(measurements) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.info.Measurements = append(j.info.Measurements, measurements...)
	j.info.ReportedMeasurements += len(measurements)
	j.info.LastMeasurementTime = j.clock.Now()
}

// AddSamples records measurements the agent took on the job's behalf (cpu, memory, counters).
// They do not count as progress of the job.
func (j *Job) AddSamples(measurements ...jobstats.Measurement) {
	if len(measurements) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.info.Measurements = append(j.info.Measurements, measurements...)
}

// AddMetadata registers measurement descriptions, ignoring names that are already known.
func (j *Job) AddMetadata(metadata ...jobstats.MeasurementMetadata) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, m := range metadata {
		known := false
		for _, existing := range j.info.Metadata {
			if existing.Name == m.Name {
				known = true
				break
			}
		}
		if !known {
			j.info.Metadata = append(j.info.Metadata, m)
		}
	}
}

// MeasurementCount is the number of measurements recorded so far.
func (j *Job) MeasurementCount() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.info.Measurements)
}

func (j *Job) AppendOutput(line string) {
	j.output.Add(line)
}

func (j *Job) Output() []string {
	return j.output.Lines()
}
