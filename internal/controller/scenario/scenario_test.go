package scenario

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
)

const twoServices = `
name: hello
duration: 15s
services:
  - name: load
    agents: [http://load:5010]
    dependsOn: [application]
    job:
      executable: crank-httpclient
      arguments: [--url, http://app:5000]
      waitForExit: true
  - name: application
    agents: [http://app:5010, http://app2:5010]
    job:
      executable: dotnet
      arguments: [run]
      readyStateText: Application started.
      cpuLimitRatio: 0.5
      memoryLimitInBytes: 536870912
      startTimeout: 1m
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(twoServices))
	require.NoError(t, err)

	assert.Equal(t, "hello", s.Name)
	assert.Equal(t, 15*time.Second, s.Duration)
	require.Len(t, s.Services, 2)
	app := s.Services[1]
	assert.Equal(t, []string{"http://app:5010", "http://app2:5010"}, app.Agents)
	assert.Equal(t, "application", app.Job.Service)
	assert.Equal(t, 0.5, app.Job.CpuLimitRatio)
	assert.Equal(t, uint64(512*1024*1024), app.Job.MemoryLimitInBytes)
	assert.Equal(t, time.Minute, app.Job.StartTimeout)
	assert.True(t, s.Services[0].Job.WaitForExit)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yml")
	require.NoError(t, os.WriteFile(path, []byte(twoServices), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, s.Services, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestLevels(t *testing.T) {
	s, err := Parse([]byte(twoServices))
	require.NoError(t, err)

	levels, err := s.Levels()
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, "application", levels[0][0].Name)
	assert.Equal(t, "load", levels[1][0].Name)
}

func TestLevels_IndependentServicesShareALevel(t *testing.T) {
	s := &Scenario{Services: []Service{
		{Name: "db"}, {Name: "cache"}, {Name: "app", DependsOn: []string{"db", "cache"}}, {Name: "load", DependsOn: []string{"app"}},
	}}

	levels, err := s.Levels()

	require.NoError(t, err)
	var names [][]string
	for _, level := range levels {
		var ln []string
		for _, service := range level {
			ln = append(ln, service.Name)
		}
		names = append(names, ln)
	}
	assert.Equal(t, [][]string{{"db", "cache"}, {"app"}, {"load"}}, names)
}

func TestInvalidScenarios(t *testing.T) {
	tests := map[string]string{
		"cycle": `
name: cycle
services:
  - {name: a, agents: [http://a:5010], dependsOn: [b], job: {executable: x}}
  - {name: b, agents: [http://b:5010], dependsOn: [a], job: {executable: x}}
`,
		"unknown dependency": `
name: unknown
services:
  - {name: a, agents: [http://a:5010], dependsOn: [nope], job: {executable: x}}
`,
		"duplicate names": `
name: dup
services:
  - {name: a, agents: [http://a:5010], job: {executable: x}}
  - {name: a, agents: [http://b:5010], job: {executable: x}}
`,
		"no agents": `
name: none
services:
  - {name: a, job: {executable: x}}
`,
		"invalid job": `
name: job
services:
  - {name: a, agents: [http://a:5010], job: {executable: x, cpuLimitRatio: 3}}
`,
		"unknown field": `
name: typo
services:
  - {name: a, agents: [http://a:5010], job: {executable: x, cpuLimit: 3}}
`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			var invalid *benchmarkerrors.ErrInvalidArgument
			assert.True(t, errors.As(err, &invalid), "%v", err)
		})
	}
}

func TestServiceDefinitionKeepsExplicitServiceName(t *testing.T) {
	s, err := Parse([]byte(`
name: explicit
services:
  - {name: a, agents: [http://a:5010], job: {service: custom, executable: x}}
`))
	require.NoError(t, err)
	assert.Equal(t, "custom", s.Services[0].Job.Service)
	assert.Equal(t, job.Definition{Service: "custom", Executable: "x"}, s.Services[0].Job)
}
