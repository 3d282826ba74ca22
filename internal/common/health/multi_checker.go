package health

import (
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// MultiChecker fails when any of its checkers fails. The error lists every failure on its own line.
type MultiChecker struct {
	mu       sync.RWMutex
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{checkers: checkers}
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.checkers = append(mc.checkers, checker)
}

func (mc *MultiChecker) Check() error {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	result := &multierror.Error{ErrorFormat: oneFailurePerLine}
	for _, checker := range mc.checkers {
		result = multierror.Append(result, checker.Check())
	}
	return result.ErrorOrNil()
}

func oneFailurePerLine(failures []error) string {
	lines := make([]string, len(failures))
	for i, failure := range failures {
		lines[i] = failure.Error()
	}
	return strings.Join(lines, "\n")
}
