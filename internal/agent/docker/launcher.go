package docker

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/agent/process"
)

// Launcher runs job definitions that name a docker image.
type Launcher struct {
	engine     Engine
	pullImages bool
	shmSize    int64
	cpus       int
	logger     *log.Entry
}

func NewLauncher(engine Engine, pullImages bool, logger *log.Entry) *Launcher {
	return &Launcher{engine: engine, pullImages: pullImages, cpus: runtime.NumCPU(), logger: logger}
}

// WithShmSize sets the size of /dev/shm for every container; 0 keeps the docker default.
func (l *Launcher) WithShmSize(size int64) *Launcher {
	l.shmSize = size
	return l
}

// Container is a running container started by the launcher.
type Container struct {
	id     string
	engine Engine
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
	exited   bool
	removed  bool
}

func (c *Container) Id() string {
	return c.id
}

func (c *Container) Done() <-chan struct{} {
	return c.done
}

func (c *Container) ExitCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode, c.exited
}

func (c *Container) Stats(ctx context.Context) (Stats, error) {
	return c.engine.Stats(ctx, c.id)
}

// Stop asks the container to stop, killing it after timeout.
func (c *Container) Stop(ctx context.Context, timeout time.Duration) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	return c.engine.Stop(ctx, c.id, timeout)
}

// Remove force-removes the container. Only the first call reaches the engine.
func (c *Container) Remove(ctx context.Context) error {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return nil
	}
	c.removed = true
	c.mu.Unlock()
	return c.engine.Remove(ctx, c.id)
}

// Launch creates and starts the container for def. Output lines are passed to onOutput until the container exits.
func (l *Launcher) Launch(ctx context.Context, name string, def *job.Definition, onOutput func(string)) (*Container, error) {
	if l.pullImages {
		l.logger.Infof("Pulling image %s", def.DockerImage)
		if err := l.engine.Pull(ctx, def.DockerImage); err != nil {
			l.logger.WithError(err).Warnf("Could not pull image %s, trying a local copy", def.DockerImage)
		}
	}

	spec := l.spec(name, def)
	id, err := l.engine.Create(ctx, spec)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating container for image %s", def.DockerImage)
	}
	c := &Container{id: id, engine: l.engine, done: make(chan struct{})}
	if err := l.engine.Start(ctx, id); err != nil {
		_ = c.Remove(context.Background())
		return nil, errors.WithMessagef(err, "starting container %s", id)
	}
	l.logger.Infof("Started container %s from image %s", shortId(id), def.DockerImage)

	stdout := process.NewLineWriter(onOutput)
	stderr := process.NewLineWriter(onOutput)
	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		if err := l.engine.Logs(context.Background(), id, stdout, stderr); err != nil {
			l.logger.WithError(err).Warnf("Log stream of container %s ended", shortId(id))
		}
		stdout.Flush()
		stderr.Flush()
	}()
	go func() {
		code, err := l.engine.Wait(context.Background(), id)
		if err != nil {
			l.logger.WithError(err).Warnf("Waiting for container %s failed", shortId(id))
		}
		<-logsDone
		c.mu.Lock()
		c.exitCode = int(code)
		c.exited = true
		c.mu.Unlock()
		close(c.done)
	}()
	return c, nil
}

func (l *Launcher) spec(name string, def *job.Definition) ContainerSpec {
	spec := ContainerSpec{
		Name:       name,
		Image:      def.DockerImage,
		Command:    def.DockerCommand,
		Env:        def.Environment,
		WorkingDir: def.WorkingDirectory,
		CpusetCpus: def.CpuSet,
		ShmSize:    l.shmSize,
	}
	if def.CpuLimitRatio > 0 {
		spec.NanoCpus = NanoCpus(def.CpuLimitRatio, l.cpus)
	}
	if def.MemoryLimitInBytes > 0 && def.MemoryLimitInBytes <= math.MaxInt64 {
		spec.MemoryBytes = int64(def.MemoryLimitInBytes)
	}
	return spec
}

// NanoCpus converts a share of the machine into the docker NanoCPUs unit.
func NanoCpus(ratio float64, cpus int) int64 {
	return int64(math.Floor(ratio * float64(cpus) * 1e9))
}

// ContainerName is the name given to the container of a job.
func ContainerName(agentPid int, jobId int) string {
	return fmt.Sprintf("crank-%d-%d", agentPid, jobId)
}

func shortId(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
