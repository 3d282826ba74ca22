package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/agent/repository"
)

const (
	MetricPrefix = "crank_agent_"

	serviceLabel = "service"
	stateLabel   = "state"
)

// JobMetrics publishes the number of jobs per state and counts state changes per service.
type JobMetrics struct {
	repository repository.JobRepository

	transitions  *prometheus.CounterVec
	jobs         *prometheus.GaugeVec
	measurements prometheus.Gauge
}

func NewJobMetrics(repository repository.JobRepository, registerer prometheus.Registerer) *JobMetrics {
	m := &JobMetrics{
		repository: repository,
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPrefix + "job_state_total",
				Help: "Counter for jobs entering each state by service",
			},
			[]string{serviceLabel, stateLabel}),
		jobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricPrefix + "job",
				Help: "Jobs currently known to the agent by state",
			},
			[]string{stateLabel}),
		measurements: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricPrefix + "job_measurements",
				Help: "Measurements held by the jobs known to the agent",
			}),
	}
	registerer.MustRegister(m.transitions, m.jobs, m.measurements)
	return m
}

func (m *JobMetrics) StateChanged(service string, _ job.State, to job.State) {
	m.transitions.WithLabelValues(service, string(to)).Inc()
}

// UpdateMetrics refreshes the gauges from the repository.
func (m *JobMetrics) UpdateMetrics() {
	counts := make(map[job.State]int, len(job.AllStates))
	measurements := 0
	for _, j := range m.repository.GetAll() {
		counts[j.State()]++
		measurements += j.MeasurementCount()
	}
	for _, state := range job.AllStates {
		m.jobs.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	m.measurements.Set(float64(measurements))
}
