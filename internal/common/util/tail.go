package util

import (
	"strings"
	"sync"
)

// LineTail keeps the last N lines written to it. It is safe for concurrent use.
type LineTail struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func NewLineTail(capacity int) *LineTail {
	if capacity < 1 {
		capacity = 1
	}
	return &LineTail{lines: make([]string, capacity)}
}

func (t *LineTail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

// Lines returns the retained lines, oldest first.
func (t *LineTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]string{}, t.lines[:t.next]...)
	}
	result := make([]string, 0, len(t.lines))
	result = append(result, t.lines[t.next:]...)
	return append(result, t.lines[:t.next]...)
}

func (t *LineTail) String() string {
	return strings.Join(t.Lines(), "\n")
}
