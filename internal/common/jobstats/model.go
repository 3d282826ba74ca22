// Package jobstats holds the measurement model shared by agents, jobs and the controller, and the
// stdout protocol jobs use to publish measurements to the agent running them.
package jobstats

import (
	"time"

	"github.com/pkg/errors"
)

// Operation is how several values of one measurement are folded into one.
type Operation string

const (
	First  Operation = "first"
	Last   Operation = "last"
	Avg    Operation = "avg"
	Sum    Operation = "sum"
	Median Operation = "median"
	Max    Operation = "max"
	Min    Operation = "min"
	Count  Operation = "count"
	Delta  Operation = "delta"
)

var validOperations = map[Operation]bool{
	First: true, Last: true, Avg: true, Sum: true, Median: true, Max: true, Min: true, Count: true, Delta: true,
}

func (o Operation) Validate() error {
	if !validOperations[o] {
		return errors.Errorf("unknown operation %q", o)
	}
	return nil
}

type Measurement struct {
	Name      string    `json:"name" yaml:"name"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Value     float64   `json:"value" yaml:"value"`
}

type MeasurementMetadata struct {
	Source           string    `json:"source" yaml:"source"`
	Name             string    `json:"name" yaml:"name"`
	Reduce           Operation `json:"reduce" yaml:"reduce"`
	Aggregate        Operation `json:"aggregate" yaml:"aggregate"`
	ShortDescription string    `json:"shortDescription" yaml:"shortDescription"`
	LongDescription  string    `json:"longDescription,omitempty" yaml:"longDescription,omitempty"`
	Format           string    `json:"format,omitempty" yaml:"format,omitempty"`
}

// Statistics is one block of the protocol.
type Statistics struct {
	Metadata     []MeasurementMetadata `json:"metadata"`
	Measurements []Measurement         `json:"measurements"`
}
