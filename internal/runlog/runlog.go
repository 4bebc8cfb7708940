// Package runlog writes a step run's stdout.log/stderr.log into its
// staging directory and mirrors lines to the terminal in verbose mode,
// with timestamped lines and a dim, cyan-tagged terminal prefix.
package runlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kilnrun/kiln/internal/errs"
)

const ttyTimeFormat = "15:04:05"

const (
	ansiDim   = "\033[2m"
	ansiCyan  = "\033[36m"
	ansiReset = "\033[0m"
)

// RunLogger writes stdout.log and stderr.log for one step run, optionally
// mirroring lines to the terminal prefixed with the step id.
type RunLogger struct {
	mu     sync.Mutex
	stepID string
	stdout *os.File
	stderr *os.File
	tty    io.Writer // nil suppresses terminal mirroring
}

// Open creates stdout.log/stderr.log under dir (a staging run directory).
// tty may be nil to run in file-only mode.
func Open(dir, stepID string, tty io.Writer) (*RunLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.StagingFailed, err, "creating run log directory %s", dir)
	}
	stdout, err := os.Create(filepath.Join(dir, "stdout.log"))
	if err != nil {
		return nil, errs.Wrap(errs.StagingFailed, err, "creating stdout.log")
	}
	stderr, err := os.Create(filepath.Join(dir, "stderr.log"))
	if err != nil {
		stdout.Close()
		return nil, errs.Wrap(errs.StagingFailed, err, "creating stderr.log")
	}
	return &RunLogger{stepID: stepID, stdout: stdout, stderr: stderr, tty: tty}, nil
}

// Close closes both log files.
func (l *RunLogger) Close() error {
	err1 := l.stdout.Close()
	err2 := l.stderr.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Stdout returns an io.Writer that appends lines to stdout.log and mirrors
// them to the terminal, satisfying runtime.LogSink.
func (l *RunLogger) Stdout() io.Writer { return &lineWriter{l: l, dest: l.stdout, stderr: false} }

// Stderr returns the stderr counterpart of Stdout.
func (l *RunLogger) Stderr() io.Writer { return &lineWriter{l: l, dest: l.stderr, stderr: true} }

func (l *RunLogger) writeLine(dest *os.File, isStderr bool, line string) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(dest, "[%s] %s\n", now.UTC().Format(time.RFC3339), line)
	if l.tty != nil {
		stream := "out"
		if isStderr {
			stream = "err"
		}
		fmt.Fprintf(l.tty, "%s[%s]%s %s[%s:%s]%s %s\n",
			ansiDim, now.Format(ttyTimeFormat), ansiReset, ansiCyan, l.stepID, stream, ansiReset, line)
	}
}

// lineWriter splits arbitrary Write calls into newline-terminated lines
// before routing them through RunLogger.writeLine.
type lineWriter struct {
	l      *RunLogger
	dest   *os.File
	stderr bool
}

func (w *lineWriter) Write(p []byte) (int, error) {
	s := strings.TrimRight(string(p), "\n")
	if s != "" {
		for _, line := range strings.Split(s, "\n") {
			w.l.writeLine(w.dest, w.stderr, line)
		}
	}
	return len(p), nil
}
