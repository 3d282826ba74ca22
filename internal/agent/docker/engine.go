// Package docker launches containerized jobs and reports their resource usage.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
)

// ContainerSpec is what the launcher asks the engine to create.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	WorkingDir  string
	NanoCpus    int64
	CpusetCpus  string
	MemoryBytes int64
	ShmSize     int64
}

type Stats struct {
	CpuUsage    time.Duration
	MemoryUsage uint64
}

// Engine is the part of the docker API the launcher needs.
type Engine interface {
	Pull(ctx context.Context, image string) error
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	// Logs follows the container output until it exits or ctx is done.
	Logs(ctx context.Context, id string, stdout io.Writer, stderr io.Writer) error
	Wait(ctx context.Context, id string) (int64, error)
	Stats(ctx context.Context, id string) (Stats, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
}

// ApiEngine talks to a docker daemon.
type ApiEngine struct {
	cli *client.Client
}

// NewApiEngine connects to host, or to the daemon configured in the environment when host is empty.
func NewApiEngine(host string) (*ApiEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &ApiEngine{cli: cli}, nil
}

func (e *ApiEngine) Pull(ctx context.Context, ref string) error {
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errors.WithStack(err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return errors.WithStack(err)
}

func (e *ApiEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	config := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        env,
		WorkingDir: spec.WorkingDir,
	}
	hostConfig := &container.HostConfig{
		ShmSize: spec.ShmSize,
		Resources: container.Resources{
			NanoCPUs:   spec.NanoCpus,
			CpusetCpus: spec.CpusetCpus,
			Memory:     spec.MemoryBytes,
		},
	}
	resp, err := e.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return resp.ID, nil
}

func (e *ApiEngine) Start(ctx context.Context, id string) error {
	return errors.WithStack(e.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (e *ApiEngine) Logs(ctx context.Context, id string, stdout io.Writer, stderr io.Writer) error {
	out, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return errors.WithStack(err)
	}
	defer out.Close()
	_, err = stdcopy.StdCopy(stdout, stderr, out)
	return errors.WithStack(err)
}

func (e *ApiEngine) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, errors.WithStack(err)
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, errors.New(status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

type statsBody struct {
	CpuStats struct {
		CpuUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
	} `json:"cpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
	} `json:"memory_stats"`
}

func (e *ApiEngine) Stats(ctx context.Context, id string) (Stats, error) {
	stats, err := e.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return Stats{}, errors.WithStack(err)
	}
	defer stats.Body.Close()
	var body statsBody
	if err := json.NewDecoder(stats.Body).Decode(&body); err != nil {
		return Stats{}, errors.WithStack(err)
	}
	return Stats{
		CpuUsage:    time.Duration(body.CpuStats.CpuUsage.TotalUsage),
		MemoryUsage: body.MemoryStats.Usage,
	}, nil
}

func (e *ApiEngine) Stop(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	return errors.WithStack(e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}))
}

func (e *ApiEngine) Remove(ctx context.Context, id string) error {
	return errors.WithStack(e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}))
}

func (e *ApiEngine) Close() error {
	return errors.WithStack(e.cli.Close())
}
