package results

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/crankbench/crank/internal/common/benchmarkerrors"
)

type Report struct {
	Scenario string          `json:"scenario" yaml:"scenario"`
	Services []ServiceResult `json:"services" yaml:"services"`
}

func NewReport(scenario string, jobs []JobResult) *Report {
	return &Report{Scenario: scenario, Services: Aggregate(jobs)}
}

// Find returns the aggregated value of measurement name for service.
func (r *Report) Find(service string, name string) (float64, bool) {
	for _, s := range r.Services {
		if s.Service != service {
			continue
		}
		for _, result := range s.Results {
			if result.Name == name {
				return result.Value, true
			}
		}
	}
	return 0, false
}

type Formatter func(r *Report) ([]byte, error)

var (
	JsonFormatter Formatter = func(r *Report) ([]byte, error) {
		out, err := json.MarshalIndent(r, "", "  ")
		return out, errors.WithStack(err)
	}
	YamlFormatter Formatter = func(r *Report) ([]byte, error) {
		out, err := yaml.Marshal(r)
		return out, errors.WithStack(err)
	}
)

func FormatterFor(format string) (Formatter, error) {
	switch format {
	case "json":
		return JsonFormatter, nil
	case "yaml":
		return YamlFormatter, nil
	}
	return nil, &benchmarkerrors.ErrInvalidArgument{Name: "format", Value: format, Message: "must be json or yaml"}
}

func (r *Report) Generate(formatter Formatter) ([]byte, error) {
	if formatter == nil {
		formatter = YamlFormatter
	}
	return formatter(r)
}

func (r *Report) Write(out io.Writer, formatter Formatter) error {
	generated, err := r.Generate(formatter)
	if err != nil {
		return err
	}
	_, err = out.Write(generated)
	return errors.WithStack(err)
}

// Print writes a short human readable summary.
func (r *Report) Print(out io.Writer) {
	_, _ = fmt.Fprintf(out, "\nResults of %s:\n", r.Scenario)
	for _, s := range r.Services {
		_, _ = fmt.Fprintf(out, "%s (%d job(s)):\n", s.Service, s.Jobs)
		for _, result := range s.Results {
			_, _ = fmt.Fprintf(out, "\t%s: %g\n", result.Name, result.Value)
		}
	}
}
