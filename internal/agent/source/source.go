// Package source places the sources a job needs into its working directory, either by cloning
// a git repository or by copying a local folder. Clones are cached for reuse by later jobs and
// the cached directories are removed when their cache entry expires and no job is copying them.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/crankbench/crank/internal/agent/configuration"
	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/agent/process"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
)

var commitPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

// Acquirer clones and copies job sources.
type Acquirer struct {
	config configuration.SourceConfiguration
	runner process.Runner
	clones *cache.Cache
	group  singleflight.Group
	copy   func(source string, destination string) error
	logger *log.Entry

	// Guards the users and evicted fields of every cached clone.
	mu sync.Mutex
}

// cachedClone is a clone directory owned by the cache. Each clone gets a directory of its own, so a
// new clone of the same revision never touches a directory that is still being copied.
type cachedClone struct {
	dir     string
	users   int
	evicted bool
}

func NewAcquirer(config configuration.SourceConfiguration, runner process.Runner, logger *log.Entry) *Acquirer {
	a := &Acquirer{
		config: config,
		runner: runner,
		clones: cache.New(config.CacheTTL, config.CacheTTL/2+time.Second),
		copy:   CopyDirectory,
		logger: logger,
	}
	a.clones.OnEvicted(a.evicted)
	return a
}

// Acquire makes the source available under workingDirectory and returns the directory it was placed in.
func (a *Acquirer) Acquire(ctx context.Context, name string, src job.Source, workingDirectory string) (string, error) {
	destination := src.DestinationFolder
	if destination == "" {
		destination = name
	}
	target := filepath.Join(workingDirectory, destination)
	if rel, err := filepath.Rel(workingDirectory, target); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &benchmarkerrors.ErrInvalidArgument{Name: "destinationFolder", Value: src.DestinationFolder, Message: "must stay inside the job working directory"}
	}

	if src.LocalFolder != "" {
		a.logger.Infof("Copying local source %s from %s", name, src.LocalFolder)
		if err := a.copy(src.LocalFolder, target); err != nil {
			return "", errors.WithMessagef(err, "copying source %s", name)
		}
		return target, nil
	}

	key, cached, err := a.clone(ctx, src)
	if err != nil {
		return "", errors.WithMessagef(err, "cloning source %s", name)
	}
	defer a.release(key, cached)
	if err := a.copy(cached.dir, target); err != nil {
		return "", errors.WithMessagef(err, "copying source %s", name)
	}
	return target, nil
}

// clone returns a cached clone of src marked as in use, cloning it if no live entry exists. The
// caller must release it. Concurrent requests for the same repository and revision share a single
// clone.
func (a *Acquirer) clone(ctx context.Context, src job.Source) (string, *cachedClone, error) {
	key := src.Repository + "@" + src.BranchOrCommit
	if value, ok := a.clones.Get(key); ok {
		cached := value.(*cachedClone)
		if a.retain(cached) {
			if _, err := os.Stat(cached.dir); err == nil {
				a.logger.Debugf("Reusing cached source %s", key)
				return key, cached, nil
			}
			a.release(key, cached)
			a.clones.Delete(key)
		}
	}

	for {
		value, err, _ := a.group.Do(key, func() (interface{}, error) {
			if err := os.MkdirAll(a.config.CacheDirectory, 0o755); err != nil {
				return nil, errors.WithStack(err)
			}
			dir, err := os.MkdirTemp(a.config.CacheDirectory, cacheDirectoryName(key)+"-")
			if err != nil {
				return nil, errors.WithStack(err)
			}
			err = process.RetryOnException(ctx, a.config.GitRetries, a.config.GitRetryDelay, func() error {
				if err := os.RemoveAll(dir); err != nil {
					return errors.WithStack(err)
				}
				return a.gitClone(ctx, src, dir)
			})
			if err != nil {
				_ = os.RemoveAll(dir)
				return nil, err
			}
			// Replacing an expired entry the janitor has not collected yet must still remove its directory.
			a.clones.Delete(key)
			cached := &cachedClone{dir: dir}
			a.clones.SetDefault(key, cached)
			return cached, nil
		})
		if err != nil {
			return "", nil, err
		}
		cached := value.(*cachedClone)
		if a.retain(cached) {
			return key, cached, nil
		}
		if err := ctx.Err(); err != nil {
			return "", nil, &benchmarkerrors.ErrCanceled{Operation: "clone " + key, Cause: err}
		}
	}
}

// retain marks cached as in use. It fails once cached has been evicted.
func (a *Acquirer) retain(cached *cachedClone) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cached.evicted {
		return false
	}
	cached.users++
	return true
}

func (a *Acquirer) release(key string, cached *cachedClone) {
	a.mu.Lock()
	cached.users--
	idle := cached.evicted && cached.users == 0
	a.mu.Unlock()
	if idle {
		a.remove(key, cached.dir)
	}
}

func (a *Acquirer) evicted(key string, value interface{}) {
	cached, ok := value.(*cachedClone)
	if !ok {
		return
	}
	a.mu.Lock()
	cached.evicted = true
	idle := cached.users == 0
	a.mu.Unlock()
	if idle {
		a.remove(key, cached.dir)
	} else {
		a.logger.Debugf("Evicted source %s is still being copied, removing it afterwards", key)
	}
}

func (a *Acquirer) remove(key string, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		a.logger.WithError(err).Warnf("Could not remove evicted source %s", key)
	} else {
		a.logger.Debugf("Removed evicted source %s from %s", key, dir)
	}
}

func (a *Acquirer) gitClone(ctx context.Context, src job.Source, dir string) error {
	options := process.RunOptions{
		Timeout:      a.config.GitTimeout,
		ThrowOnError: true,
		CaptureError: true,
	}
	args := []string{"clone", "-c", "core.longpaths=true", "--recursive"}
	isCommit := commitPattern.MatchString(src.BranchOrCommit)
	if src.BranchOrCommit != "" && !isCommit {
		args = append(args, "--branch", src.BranchOrCommit)
	}
	args = append(args, src.Repository, dir)

	a.logger.Infof("Cloning %s", src.Repository)
	if _, err := a.runner.Run(ctx, "git", args, options); err != nil {
		return err
	}
	if isCommit {
		if _, err := a.runner.Run(ctx, "git", []string{"-C", dir, "checkout", src.BranchOrCommit}, options); err != nil {
			return err
		}
	}
	return nil
}

// Evict drops every cached clone. Directories are removed as soon as no job is copying them.
func (a *Acquirer) Evict() {
	for key := range a.clones.Items() {
		a.clones.Delete(key)
	}
}

// Cached returns the number of live cached clones.
func (a *Acquirer) Cached() int {
	return a.clones.ItemCount()
}

func cacheDirectoryName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
