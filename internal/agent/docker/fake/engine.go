// Package fake provides an in-memory docker.Engine.
package fake

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/crankbench/crank/internal/agent/docker"
)

type container struct {
	spec    docker.ContainerSpec
	exit    chan int64
	stopped bool
}

// Engine records containers and lets tests decide when they exit. Output is written to the log stream once on start.
type Engine struct {
	mu         sync.Mutex
	containers map[string]*container
	nextId     int
	Pulled     []string
	Removed    []string
	Output     []string
	PullError  error
	StartError error
	CpuUsage   time.Duration
}

func NewEngine() *Engine {
	return &Engine{containers: map[string]*container{}}
}

func (e *Engine) Pull(_ context.Context, image string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Pulled = append(e.Pulled, image)
	return e.PullError
}

func (e *Engine) Create(_ context.Context, spec docker.ContainerSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextId++
	id := fmt.Sprintf("container%d", e.nextId)
	e.containers[id] = &container{spec: spec, exit: make(chan int64, 1)}
	return id, nil
}

func (e *Engine) Start(_ context.Context, id string) error {
	if _, err := e.get(id); err != nil {
		return err
	}
	return e.StartError
}

func (e *Engine) Logs(ctx context.Context, id string, stdout io.Writer, _ io.Writer) error {
	if _, err := e.get(id); err != nil {
		return err
	}
	e.mu.Lock()
	output := append([]string{}, e.Output...)
	e.mu.Unlock()
	for _, line := range output {
		if _, err := io.WriteString(stdout, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Wait(ctx context.Context, id string) (int64, error) {
	c, err := e.get(id)
	if err != nil {
		return -1, err
	}
	select {
	case code := <-c.exit:
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (e *Engine) Stats(_ context.Context, id string) (docker.Stats, error) {
	if _, err := e.get(id); err != nil {
		return docker.Stats{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return docker.Stats{CpuUsage: e.CpuUsage, MemoryUsage: 64 * 1024 * 1024}, nil
}

func (e *Engine) Stop(_ context.Context, id string, _ time.Duration) error {
	c, err := e.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		c.exit <- 137
	}
	return nil
}

func (e *Engine) Remove(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[id]; !ok {
		return errors.Errorf("no such container %s", id)
	}
	delete(e.containers, id)
	e.Removed = append(e.Removed, id)
	return nil
}

// Exit makes the container exit with code.
func (e *Engine) Exit(id string, code int64) {
	c, err := e.get(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		c.exit <- code
	}
}

// Spec returns the spec a container was created with.
func (e *Engine) Spec(id string) (docker.ContainerSpec, bool) {
	c, err := e.get(id)
	if err != nil {
		return docker.ContainerSpec{}, false
	}
	return c.spec, true
}

func (e *Engine) RemovedIds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.Removed...)
}

func (e *Engine) get(id string) (*container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return nil, errors.Errorf("no such container %s", id)
	}
	return c, nil
}
