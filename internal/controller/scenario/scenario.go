// Package scenario describes what the controller runs: named services, each bound to one or more
// agents, with the job definition those agents run and the services it depends on.
package scenario

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
	"github.com/crankbench/crank/internal/common/config"
)

type Service struct {
	Name string `yaml:"name" validate:"required"`
	// Agents the job is submitted to, one job per agent
	Agents    []string       `yaml:"agents" validate:"required,min=1,dive,url"`
	DependsOn []string       `yaml:"dependsOn,omitempty"`
	Job       job.Definition `yaml:"job"`
}

type Scenario struct {
	Name string `yaml:"name" validate:"required"`
	// How long services run when none of them waits for its process to exit
	Duration time.Duration `yaml:"duration,omitempty" validate:"gte=0"`
	Services []Service     `yaml:"services" validate:"required,min=1,dive"`
}

// Load reads a scenario from a YAML file and validates it.
func Load(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Scenario, error) {
	s := &Scenario{}
	if err := yaml.UnmarshalStrict(raw, s); err != nil {
		return nil, &benchmarkerrors.ErrInvalidArgument{Name: "scenario", Value: "<yaml>", Message: err.Error()}
	}
	for i := range s.Services {
		if s.Services[i].Job.Service == "" {
			s.Services[i].Job.Service = s.Services[i].Name
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scenario) Validate() error {
	if err := config.Validate(s); err != nil {
		return &benchmarkerrors.ErrInvalidArgument{Name: "scenario", Value: s.Name, Message: err.Error()}
	}
	names := make(map[string]bool, len(s.Services))
	for _, service := range s.Services {
		if names[service.Name] {
			return &benchmarkerrors.ErrInvalidArgument{Name: "services", Value: service.Name, Message: "service names must be unique"}
		}
		names[service.Name] = true
		def := service.Job
		if err := def.Validate(); err != nil {
			return errors.WithMessagef(err, "service %s", service.Name)
		}
	}
	_, err := s.Levels()
	return err
}

// Levels orders the services by dependency. Every service of a level depends only on services of
// earlier levels, so the services of one level can be started together. Within a level services
// keep their declaration order.
func (s *Scenario) Levels() ([][]Service, error) {
	index := make(map[string]int, len(s.Services))
	for i, service := range s.Services {
		index[service.Name] = i
	}
	level := make([]int, len(s.Services))
	visiting := make([]bool, len(s.Services))
	done := make([]bool, len(s.Services))

	var visit func(i int, path []string) error
	visit = func(i int, path []string) error {
		if done[i] {
			return nil
		}
		service := s.Services[i]
		if visiting[i] {
			return &benchmarkerrors.ErrInvalidArgument{
				Name:    "dependsOn",
				Value:   service.Name,
				Message: fmt.Sprintf("dependency cycle %v", append(path, service.Name)),
			}
		}
		visiting[i] = true
		for _, dependency := range service.DependsOn {
			j, ok := index[dependency]
			if !ok {
				return &benchmarkerrors.ErrInvalidArgument{
					Name:    "dependsOn",
					Value:   dependency,
					Message: fmt.Sprintf("service %s depends on an unknown service", service.Name),
				}
			}
			if err := visit(j, append(path, service.Name)); err != nil {
				return err
			}
			level[i] = max(level[i], level[j]+1)
		}
		visiting[i] = false
		done[i] = true
		return nil
	}
	for i := range s.Services {
		if err := visit(i, nil); err != nil {
			return nil, err
		}
	}

	order := make([]int, len(s.Services))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return level[order[a]] < level[order[b]] })

	var levels [][]Service
	for _, i := range order {
		if len(levels) <= level[i] {
			levels = append(levels, nil)
		}
		levels[level[i]] = append(levels[level[i]], s.Services[i])
	}
	return levels, nil
}
