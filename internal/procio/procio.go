// Package procio adapts child process output and exit status for the
// harness's process managers.
package procio

import (
	"bytes"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// LineLogger is an io.Writer that logs each complete line at debug level.
// A trailing partial line is held until its newline arrives. Safe for
// concurrent writers, so one LineLogger can take both stdout and stderr.
type LineLogger struct {
	log *slog.Logger
	msg string

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLineLogger logs every line under msg with the line in a "line" attr.
func NewLineLogger(log *slog.Logger, msg string) *LineLogger {
	return &LineLogger{log: log, msg: msg}
}

func (l *LineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	for {
		i := bytes.IndexByte(l.buf.Bytes(), '\n')
		if i < 0 {
			return len(p), nil
		}
		if line := strings.TrimRight(string(l.buf.Next(i+1)), "\r\n"); line != "" {
			l.log.Debug(l.msg, "line", line)
		}
	}
}

// Signaled reports whether err is the exit of a process killed by a signal,
// which the harness treats as a clean stop.
func Signaled(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == -1
}
