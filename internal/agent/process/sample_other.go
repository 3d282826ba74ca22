//go:build !linux

package process

import (
	"github.com/pkg/errors"
)

// SampleTree is only available where /proc exists.
func SampleTree(pid int) (Sample, error) {
	return Sample{}, errors.Errorf("sampling process %d is not supported on this platform", pid)
}
