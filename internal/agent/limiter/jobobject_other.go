//go:build !windows

package limiter

import (
	"time"

	"github.com/pkg/errors"
)

type unsupportedJobObjectBackend struct{}

func newPlatformJobObjectBackend() JobObjectBackend {
	return unsupportedJobObjectBackend{}
}

var errJobObjectsUnsupported = errors.New("job objects are only available on windows")

func (unsupportedJobObjectBackend) Create() (JobObjectHandle, error) {
	return 0, errJobObjectsUnsupported
}

func (unsupportedJobObjectBackend) SetCpuRate(JobObjectHandle, uint32) error {
	return errJobObjectsUnsupported
}

func (unsupportedJobObjectBackend) SetAffinity(JobObjectHandle, uint64) error {
	return errJobObjectsUnsupported
}

func (unsupportedJobObjectBackend) SetMemoryLimit(JobObjectHandle, uint64) error {
	return errJobObjectsUnsupported
}

func (unsupportedJobObjectBackend) Assign(JobObjectHandle, int) error {
	return errJobObjectsUnsupported
}

func (unsupportedJobObjectBackend) CpuTime(JobObjectHandle) (time.Duration, error) {
	return 0, errJobObjectsUnsupported
}

func (unsupportedJobObjectBackend) Close(JobObjectHandle) error {
	return errJobObjectsUnsupported
}
