//go:build !linux

package diagnostics

import (
	"github.com/pkg/errors"
)

func NewCounterReader() (CounterReader, error) {
	return nil, errors.New("process counters are only available on linux")
}
