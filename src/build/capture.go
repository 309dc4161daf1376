package build

import (
	"bytes"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// outputTail is how much step output is kept for error reports.
const outputTail = 4096

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := string(t.buf)
	if len(t.buf) == t.max {
		// Drop the partial first line.
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = "..." + s[i:]
		}
	}
	return s
}

// logWriter forwards complete output lines to the logger at debug level.
type logWriter struct {
	mu      sync.Mutex
	logger  *log.Logger
	keyvals []any
	partial []byte
}

func newLogWriter(logger *log.Logger, keyvals ...any) *logWriter {
	return &logWriter{logger: logger, keyvals: keyvals}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line without newline.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}

func (w *logWriter) emit(line []byte) {
	w.logger.Debug(string(bytes.TrimRight(line, "\r")), w.keyvals...)
}
