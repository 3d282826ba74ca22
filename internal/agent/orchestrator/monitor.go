package orchestrator

import (
	"context"
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/agent/process"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
	"github.com/crankbench/crank/internal/common/jobstats"
)

const (
	CpuMeasurement        = "benchmarks/cpu"
	WorkingSetMeasurement = "benchmarks/working-set"

	bytesPerMegabyte = 1024 * 1024
)

func hostMetadata(source string) []jobstats.MeasurementMetadata {
	return []jobstats.MeasurementMetadata{
		{
			Source:           source,
			Name:             CpuMeasurement,
			Reduce:           jobstats.Max,
			Aggregate:        jobstats.Max,
			ShortDescription: "Max CPU Usage (%)",
			LongDescription:  "Highest CPU usage of the job, as a share of the whole machine",
			Format:           "n0",
		},
		{
			Source:           source,
			Name:             WorkingSetMeasurement,
			Reduce:           jobstats.Max,
			Aggregate:        jobstats.Max,
			ShortDescription: "Max Working Set (MB)",
			Format:           "n0",
		},
	}
}

// monitor watches a running job until it has to stop. It returns an error when the job failed.
func (o *Orchestrator) monitor(jc *JobContext) error {
	ticker := time.NewTicker(o.config.Job.MonitorInterval)
	defer ticker.Stop()
	exited := jc.exited()

	for {
		select {
		case <-jc.ctx.Done():
			return nil
		case <-exited:
			return o.onExit(jc)
		case <-ticker.C:
			if !jc.monitoring.CompareAndSwap(false, true) {
				jc.logger.Debug("Previous measurement is still running, skipping this one")
				continue
			}
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				defer jc.monitoring.Store(false)
				o.tick(jc)
			}()
		}
	}
}

func (o *Orchestrator) onExit(jc *JobContext) error {
	code, _ := jc.exitCode()
	jc.job.Update(func(info *job.Info) {
		info.ExitCode = &code
	})
	if jc.job.Definition().WaitForExit {
		jc.logger.Infof("Process exited with code %d", code)
		return nil
	}
	return errors.Errorf("process exited unexpectedly with code %d\n%s", code, tail(jc.job.Output(), failureTail))
}

// tick takes one measurement and checks whether the job has to stop.
func (o *Orchestrator) tick(jc *JobContext) {
	now := o.deps.Clock.Now()
	j := jc.job

	lastContact := j.LastDriverCommunication()
	if now.Sub(lastContact) > o.config.Job.DriverTimeout {
		err := &benchmarkerrors.ErrDriverTimeout{JobId: j.Id(), LastContact: lastContact, AllowedQuiet: o.config.Job.DriverTimeout}
		jc.logger.Warn(err.Error())
		j.AppendError(err.Error())
		jc.selfDelete.Store(true)
		jc.requestStop()
		return
	}

	def := j.Definition()
	jc.mu.Lock()
	startedAt := jc.startedAt
	jc.mu.Unlock()
	if def.Timeout > 0 && now.Sub(startedAt) >= def.Timeout {
		jc.logger.Infof("Job reached its timeout of %s, stopping it", def.Timeout)
		jc.requestStop()
		return
	}

	o.measure(jc, now)
}

func (o *Orchestrator) measure(jc *JobContext, now time.Time) {
	ctx, cancel := context.WithTimeout(jc.ctx, o.config.Job.MonitorInterval*4)
	defer cancel()

	var usage time.Duration
	var workingSet uint64
	if c := jc.Container(); c != nil {
		stats, err := c.Stats(ctx)
		if err != nil {
			jc.logger.WithError(err).Debug("Could not read container stats")
			return
		}
		usage, workingSet = stats.CpuUsage, stats.MemoryUsage
	} else if p := jc.Process(); p != nil {
		sample, err := o.deps.Sampler(p.Pid())
		if err != nil {
			jc.logger.WithError(err).Debugf("Could not sample process %d", p.Pid())
			return
		}
		usage, workingSet = sample.CpuTime, sample.WorkingSetBytes
		if jc.scoped.Load() {
			if stat, err := o.deps.Limiter.GetCpuStat(ctx, jc.job); err == nil {
				usage = stat.Usage
			}
		}
	} else {
		return
	}

	measurements := []jobstats.Measurement{
		{Name: WorkingSetMeasurement, Timestamp: now, Value: float64(workingSet) / bytesPerMegabyte},
	}
	current := process.Sample{Timestamp: now, CpuTime: usage}
	jc.mu.Lock()
	previous := jc.lastSample
	jc.lastSample = &current
	jc.mu.Unlock()
	if previous != nil {
		cpu := process.CpuUsagePercent(*previous, current) / float64(runtime.NumCPU())
		measurements = append(measurements, jobstats.Measurement{Name: CpuMeasurement, Timestamp: now, Value: cpu})
	}
	jc.job.AddSamples(measurements...)
	jc.job.Update(func(info *job.Info) {
		info.NextMeasurement = now.Add(o.config.Job.MonitorInterval)
	})
}
