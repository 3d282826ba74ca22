package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crankbench/crank/internal/agent/configuration"
	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/agent/process"
	"github.com/crankbench/crank/internal/agent/process/fake"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
	"github.com/crankbench/crank/internal/common/logging"
)

func testConfig(t *testing.T) configuration.SourceConfiguration {
	return configuration.SourceConfiguration{
		GitRetries:     2,
		GitTimeout:     time.Minute,
		CacheTTL:       time.Hour,
		CacheDirectory: t.TempDir(),
	}
}

// gitRunner fakes git by creating the clone directory with a single file in it.
func gitRunner(failures int) *fake.Runner {
	runner := fake.NewRunner()
	runner.Handler = func(call fake.Call) (*process.Result, error) {
		if call.Args[0] != "clone" {
			return &process.Result{}, nil
		}
		if failures > 0 {
			failures--
			return &process.Result{ExitCode: 128}, &benchmarkerrors.ErrProcessFailed{Filename: "git", ExitCode: 128}
		}
		dir := call.Args[len(call.Args)-1]
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return &process.Result{}, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644)
	}
	return runner
}

func cloneCalls(runner *fake.Runner) int {
	n := 0
	for _, c := range runner.Calls() {
		if c.Args[0] == "clone" {
			n++
		}
	}
	return n
}

func TestAcquire_LocalFolder(t *testing.T) {
	local := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(local, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "src", "main.go"), []byte("package main"), 0o644))
	runner := fake.NewRunner()
	acquirer := NewAcquirer(testConfig(t), runner, logging.NullEntry())
	work := t.TempDir()

	dir, err := acquirer.Acquire(context.Background(), "app", job.Source{LocalFolder: local}, work)

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(work, "app"), dir)
	content, err := os.ReadFile(filepath.Join(dir, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(content))
	assert.Empty(t, runner.Calls())
}

func TestAcquire_ClonesBranchOnceAndReusesCache(t *testing.T) {
	runner := gitRunner(0)
	acquirer := NewAcquirer(testConfig(t), runner, logging.NullEntry())
	src := job.Source{Repository: "https://example.com/app.git", BranchOrCommit: "main", DestinationFolder: "code"}

	first, err := acquirer.Acquire(context.Background(), "app", src, t.TempDir())
	require.NoError(t, err)
	second, err := acquirer.Acquire(context.Background(), "app", src, t.TempDir())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.FileExists(t, filepath.Join(first, "README.md"))
	assert.FileExists(t, filepath.Join(second, "README.md"))
	assert.Equal(t, 1, cloneCalls(runner))
	assert.Equal(t, 1, acquirer.Cached())
	assert.Contains(t, runner.CommandLines()[0], "--branch main")
}

func TestAcquire_CommitIsCheckedOutAfterClone(t *testing.T) {
	runner := gitRunner(0)
	acquirer := NewAcquirer(testConfig(t), runner, logging.NullEntry())
	src := job.Source{Repository: "https://example.com/app.git", BranchOrCommit: "3f2a9c1"}

	_, err := acquirer.Acquire(context.Background(), "app", src, t.TempDir())

	require.NoError(t, err)
	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].CommandLine(), "--branch")
	assert.Equal(t, "checkout", calls[1].Args[2])
	assert.Equal(t, "3f2a9c1", calls[1].Args[3])
}

func TestAcquire_RetriesFailedClones(t *testing.T) {
	runner := gitRunner(2)
	acquirer := NewAcquirer(testConfig(t), runner, logging.NullEntry())

	_, err := acquirer.Acquire(context.Background(), "app", job.Source{Repository: "https://example.com/app.git"}, t.TempDir())

	require.NoError(t, err)
	assert.Equal(t, 3, cloneCalls(runner))
}

func TestAcquire_GivesUpAfterRetries(t *testing.T) {
	runner := gitRunner(10)
	acquirer := NewAcquirer(testConfig(t), runner, logging.NullEntry())

	_, err := acquirer.Acquire(context.Background(), "app", job.Source{Repository: "https://example.com/app.git"}, t.TempDir())

	var failed *benchmarkerrors.ErrProcessFailed
	assert.True(t, errors.As(err, &failed))
	assert.Equal(t, 3, cloneCalls(runner))
	assert.Equal(t, 0, acquirer.Cached())
}

func TestAcquire_DestinationMustStayInsideWorkingDirectory(t *testing.T) {
	acquirer := NewAcquirer(testConfig(t), fake.NewRunner(), logging.NullEntry())

	_, err := acquirer.Acquire(context.Background(), "app", job.Source{LocalFolder: t.TempDir(), DestinationFolder: "../escape"}, t.TempDir())

	var invalid *benchmarkerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))
}

func TestEvict_RemovesCachedDirectories(t *testing.T) {
	config := testConfig(t)
	acquirer := NewAcquirer(config, gitRunner(0), logging.NullEntry())
	_, err := acquirer.Acquire(context.Background(), "app", job.Source{Repository: "https://example.com/app.git"}, t.TempDir())
	require.NoError(t, err)
	entries, err := os.ReadDir(config.CacheDirectory)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	acquirer.Evict()

	entries, err = os.ReadDir(config.CacheDirectory)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 0, acquirer.Cached())
}

// blockingCopy makes the next copy of acquirer wait for release once it has started.
func blockingCopy(acquirer *Acquirer) (started chan string, release chan struct{}) {
	started = make(chan string, 1)
	release = make(chan struct{})
	acquirer.copy = func(source string, destination string) error {
		started <- source
		<-release
		return CopyDirectory(source, destination)
	}
	return started, release
}

func TestEvict_KeepsDirectoryWhileItIsCopied(t *testing.T) {
	config := testConfig(t)
	acquirer := NewAcquirer(config, gitRunner(0), logging.NullEntry())
	started, release := blockingCopy(acquirer)
	src := job.Source{Repository: "https://example.com/app.git"}

	done := make(chan error, 1)
	var dir string
	go func() {
		var err error
		dir, err = acquirer.Acquire(context.Background(), "app", src, t.TempDir())
		done <- err
	}()
	cached := <-started

	acquirer.Evict()
	assert.DirExists(t, cached)
	assert.Equal(t, 0, acquirer.Cached())

	close(release)
	require.NoError(t, <-done)
	assert.FileExists(t, filepath.Join(dir, "README.md"))
	assert.NoDirExists(t, cached)
}

func TestAcquire_RecloneDoesNotTouchDirectoryBeingCopied(t *testing.T) {
	config := testConfig(t)
	runner := gitRunner(0)
	acquirer := NewAcquirer(config, runner, logging.NullEntry())
	started, release := blockingCopy(acquirer)
	src := job.Source{Repository: "https://example.com/app.git", BranchOrCommit: "main"}

	done := make(chan error, 1)
	var first string
	go func() {
		var err error
		first, err = acquirer.Acquire(context.Background(), "app", src, t.TempDir())
		done <- err
	}()
	cached := <-started
	acquirer.Evict()

	acquirer.copy = CopyDirectory
	second, err := acquirer.Acquire(context.Background(), "app", src, t.TempDir())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(second, "README.md"))
	assert.Equal(t, 2, cloneCalls(runner))
	assert.FileExists(t, filepath.Join(cached, "README.md"))

	close(release)
	require.NoError(t, <-done)
	assert.FileExists(t, filepath.Join(first, "README.md"))
	assert.NoDirExists(t, cached)
	assert.Equal(t, 1, acquirer.Cached())
}

func TestCopyDirectory_RejectsFiles(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	assert.Error(t, CopyDirectory(file, t.TempDir()))
}
