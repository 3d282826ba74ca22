package process

import (
	"bytes"
	"strings"
	"sync"
)

// LineWriter splits what is written to it into lines and hands each one to onLine. Lines longer
// than maxLineLength are cut. It is safe for concurrent use.
type LineWriter struct {
	mu      sync.Mutex
	pending bytes.Buffer
	onLine  func(string)
}

func NewLineWriter(onLine func(string)) *LineWriter {
	return &LineWriter{onLine: onLine}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending.Write(p)
	for {
		i := bytes.IndexByte(w.pending.Bytes(), '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.pending.Next(i + 1)))
	}
	for w.pending.Len() >= maxLineLength {
		w.emit(string(w.pending.Next(maxLineLength)))
	}
	return len(p), nil
}

// Flush emits a trailing line that has no newline.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending.Len() > 0 {
		w.emit(w.pending.String())
		w.pending.Reset()
	}
}

func (w *LineWriter) emit(line string) {
	if w.onLine != nil {
		w.onLine(strings.TrimRight(line, "\r\n"))
	}
}
