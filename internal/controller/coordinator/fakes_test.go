package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
	"github.com/crankbench/crank/internal/common/jobstats"
)

// behaviour scripts how a fake job reacts to polling.
type behaviour struct {
	// Polls spent in Starting before the job runs
	startPolls int
	// Failure error recorded instead of running
	failStart string
	// Never leaves Starting
	neverStarts bool
	// Process exits before the job is seen running
	exitsWhileStarting bool
	// Reports no measurement of its own while running
	hung bool
	// Job stops by itself after this many GetJob calls; 0 never
	exitAfter int
	// Job fails after this many GetJob calls; 0 never
	failAfter int
	// Measurement added on every GetJob call
	measurement string
}

type fakeJob struct {
	url          string
	def          job.Definition
	behaviour    behaviour
	state        job.State
	polls        int
	jobPolls     int
	err          string
	measurements []jobstats.Measurement
	samples      []jobstats.Measurement
	reported     int
	lastReported time.Time
	touches      int
}

// events records calls across every fake agent in order.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeAgent struct {
	url       string
	events    *events
	behaviour behaviour

	mu          sync.Mutex
	nextId      int
	jobs        map[string]*fakeJob
	unreachable bool
	stopFails   bool
	submitted   []job.Definition
}

func newFakeAgent(url string, events *events, b behaviour) *fakeAgent {
	return &fakeAgent{url: url, events: events, behaviour: b, jobs: map[string]*fakeJob{}}
}

func (a *fakeAgent) unreachableErr() error {
	return &benchmarkerrors.ErrAgentUnreachable{Url: a.url, Attempts: 3, Cause: fmt.Errorf("connection refused")}
}

func (a *fakeAgent) job(jobUrl string) (*fakeJob, error) {
	if a.unreachable {
		return nil, a.unreachableErr()
	}
	j, ok := a.jobs[jobUrl]
	if !ok {
		return nil, &benchmarkerrors.ErrNotFound{Type: "job", Value: jobUrl}
	}
	return j, nil
}

func (a *fakeAgent) Submit(_ context.Context, def job.Definition) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unreachable {
		return "", a.unreachableErr()
	}
	a.nextId++
	url := a.url + "/jobs/" + strconv.Itoa(a.nextId)
	a.jobs[url] = &fakeJob{url: url, def: def, behaviour: a.behaviour, state: job.Starting}
	a.submitted = append(a.submitted, def)
	a.events.add("submit %s", def.Service)
	return url, nil
}

func (a *fakeAgent) GetState(_ context.Context, jobUrl string) (job.State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, err := a.job(jobUrl)
	if err != nil {
		return "", err
	}
	j.polls++
	if j.state == job.Starting && !j.behaviour.neverStarts && j.polls > j.behaviour.startPolls {
		switch {
		case j.behaviour.failStart != "":
			j.state = job.Failed
			j.err = j.behaviour.failStart
		case j.behaviour.exitsWhileStarting:
			j.state = job.Stopped
		default:
			j.state = job.Running
		}
	}
	return j.state, nil
}

func (a *fakeAgent) GetJob(_ context.Context, jobUrl string) (job.Info, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, err := a.job(jobUrl)
	if err != nil {
		return job.Info{}, err
	}
	if j.state == job.Running {
		j.jobPolls++
		// Like a real agent, host samples keep coming even when the job hangs.
		j.samples = append(j.samples, jobstats.Measurement{Name: "benchmarks/working-set", Timestamp: time.Now(), Value: 64})
		if !j.behaviour.hung {
			name := j.behaviour.measurement
			if name == "" {
				name = "benchmarks/cpu"
			}
			j.measurements = append(j.measurements, jobstats.Measurement{Name: name, Timestamp: time.Now(), Value: 1})
			j.reported++
			j.lastReported = time.Now()
		}
		if j.behaviour.exitAfter > 0 && j.jobPolls >= j.behaviour.exitAfter {
			j.state = job.Stopped
		}
		if j.behaviour.failAfter > 0 && j.jobPolls >= j.behaviour.failAfter {
			j.state = job.Failed
			j.err = "process exited unexpectedly with code 1"
		}
	}
	return job.Info{
		State:                j.state,
		Error:                j.err,
		Service:              j.def.Service,
		Measurements:         append(append([]jobstats.Measurement(nil), j.samples...), j.measurements...),
		ReportedMeasurements: j.reported,
		LastMeasurementTime:  j.lastReported,
	}, nil
}

func (a *fakeAgent) Touch(_ context.Context, jobUrl string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, err := a.job(jobUrl)
	if err != nil {
		return err
	}
	j.touches++
	return nil
}

func (a *fakeAgent) Stop(_ context.Context, jobUrl string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopFails {
		return a.unreachableErr()
	}
	j, err := a.job(jobUrl)
	if err != nil {
		return err
	}
	a.events.add("stop %s", j.def.Service)
	if !j.state.IsFinished() {
		j.state = job.Stopped
	}
	return nil
}

func (a *fakeAgent) Delete(_ context.Context, jobUrl string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, err := a.job(jobUrl)
	if err != nil {
		return err
	}
	a.events.add("delete %s", j.def.Service)
	delete(a.jobs, jobUrl)
	return nil
}

func (a *fakeAgent) GetMeasurements(_ context.Context, jobUrl string) (jobstats.Statistics, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, err := a.job(jobUrl)
	if err != nil {
		return jobstats.Statistics{}, err
	}
	var metadata []jobstats.MeasurementMetadata
	if len(j.measurements) > 0 {
		metadata = append(metadata, jobstats.MeasurementMetadata{Name: j.measurements[0].Name, Reduce: jobstats.Count, Aggregate: jobstats.Sum})
	}
	return jobstats.Statistics{Metadata: metadata, Measurements: append([]jobstats.Measurement(nil), j.measurements...)}, nil
}

func (a *fakeAgent) submissions() []job.Definition {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]job.Definition(nil), a.submitted...)
}

func (a *fakeAgent) jobCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.jobs)
}

func (a *fakeAgent) totalTouches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, j := range a.jobs {
		total += j.touches
	}
	return total
}

type fakeFleet map[string]*fakeAgent

func (f fakeFleet) factory(agentUrl string) AgentClient {
	return f[agentUrl]
}
