// Package results folds the measurements of the jobs of a scenario into a report. Samples of one
// job are folded with the Reduce operation of their metadata, the reduced values of the jobs of
// one service with the Aggregate operation.
package results

import (
	"sort"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/crankbench/crank/internal/common/jobstats"
)

// Operation used for measurements that come without metadata.
const defaultOperation = jobstats.Last

type JobResult struct {
	Service  string
	JobUrl   string
	Results  map[string]float64
	Metadata []jobstats.MeasurementMetadata
}

type Result struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Format      string  `json:"format,omitempty" yaml:"format,omitempty"`
	Value       float64 `json:"value" yaml:"value"`
}

type ServiceResult struct {
	Service string   `json:"service" yaml:"service"`
	Jobs    int      `json:"jobs" yaml:"jobs"`
	Results []Result `json:"results" yaml:"results"`
}

// Apply folds values with op. Values are expected in sample order.
func Apply(op jobstats.Operation, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	switch op {
	case jobstats.First:
		return values[0]
	case jobstats.Last:
		return values[len(values)-1]
	case jobstats.Sum:
		return sum(values)
	case jobstats.Avg:
		return sum(values) / float64(len(values))
	case jobstats.Median:
		sorted := slices.Clone(values)
		slices.Sort(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			return (sorted[mid-1] + sorted[mid]) / 2
		}
		return sorted[mid]
	case jobstats.Max:
		result := values[0]
		for _, v := range values[1:] {
			result = max(result, v)
		}
		return result
	case jobstats.Min:
		result := values[0]
		for _, v := range values[1:] {
			result = min(result, v)
		}
		return result
	case jobstats.Count:
		return float64(len(values))
	case jobstats.Delta:
		return values[len(values)-1] - values[0]
	}
	return values[len(values)-1]
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

// Reduce folds the samples of one job into one value per measurement name.
func Reduce(measurements []jobstats.Measurement, metadata []jobstats.MeasurementMetadata) map[string]float64 {
	ordered := slices.Clone(measurements)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	samples := make(map[string][]float64)
	for _, m := range ordered {
		samples[m.Name] = append(samples[m.Name], m.Value)
	}
	ops := operations(metadata, func(m jobstats.MeasurementMetadata) jobstats.Operation { return m.Reduce })

	reduced := make(map[string]float64, len(samples))
	for name, values := range samples {
		reduced[name] = Apply(opFor(ops, name), values)
	}
	return reduced
}

// Aggregate combines the reduced results of the jobs of each service. Services are ordered by
// name and results by measurement name; jobs are combined in the order given.
func Aggregate(jobs []JobResult) []ServiceResult {
	byService := make(map[string][]JobResult)
	for _, j := range jobs {
		byService[j.Service] = append(byService[j.Service], j)
	}
	services := maps.Keys(byService)
	slices.Sort(services)

	aggregated := make([]ServiceResult, 0, len(services))
	for _, service := range services {
		aggregated = append(aggregated, aggregateService(service, byService[service]))
	}
	return aggregated
}

func aggregateService(service string, jobs []JobResult) ServiceResult {
	metadata := make(map[string]jobstats.MeasurementMetadata)
	values := make(map[string][]float64)
	for _, j := range jobs {
		for _, m := range j.Metadata {
			if _, ok := metadata[m.Name]; !ok {
				metadata[m.Name] = m
			}
		}
		for name, value := range j.Results {
			values[name] = append(values[name], value)
		}
	}
	names := maps.Keys(values)
	slices.Sort(names)

	result := ServiceResult{Service: service, Jobs: len(jobs), Results: make([]Result, 0, len(names))}
	for _, name := range names {
		m, known := metadata[name]
		op := defaultOperation
		if known && m.Aggregate != "" {
			op = m.Aggregate
		}
		result.Results = append(result.Results, Result{
			Name:        name,
			Description: m.ShortDescription,
			Format:      m.Format,
			Value:       Apply(op, values[name]),
		})
	}
	return result
}

func operations(metadata []jobstats.MeasurementMetadata, pick func(jobstats.MeasurementMetadata) jobstats.Operation) map[string]jobstats.Operation {
	ops := make(map[string]jobstats.Operation, len(metadata))
	for _, m := range metadata {
		if _, ok := ops[m.Name]; !ok && pick(m) != "" {
			ops[m.Name] = pick(m)
		}
	}
	return ops
}

func opFor(ops map[string]jobstats.Operation, name string) jobstats.Operation {
	if op, ok := ops[name]; ok {
		return op
	}
	return defaultOperation
}
