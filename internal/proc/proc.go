// Package proc runs engine executables with cancellation, streamed stderr and
// captured stdout.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	stderrTailLines = 20
	waitDelay       = 5 * time.Second
)

type Command struct {
	Path  string
	Args  []string
	Env   []string
	Dir   string
	Stdin io.Reader
	// OnStderrLine receives every stderr line as it is written. Lines are
	// split on both \n and \r so carriage-return progress output is seen.
	OnStderrLine func(line string)
}

type Output struct {
	Stdout []byte
	Stderr string
}

// RunFunc matches Run; engines take one so tests can stub the process.
type RunFunc func(ctx context.Context, cmd Command) (Output, error)

// ExitError is a process that started but did not succeed.
type ExitError struct {
	Path   string
	Err    error
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v (%s)", e.Path, e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Run executes cmd and waits for it. Output.Stderr holds the last stderr
// lines. When ctx ends first the returned error wraps ctx.Err().
func Run(ctx context.Context, cmd Command) (Output, error) {
	if strings.TrimSpace(cmd.Path) == "" {
		return Output{}, errors.New("executable path is required")
	}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	var stdout bytes.Buffer
	tail := newTail(stderrTailLines)
	lines := &lineWriter{onLine: func(line string) {
		tail.add(line)
		if cmd.OnStderrLine != nil {
			cmd.OnStderrLine(line)
		}
	}}
	c.Stdout = &stdout
	c.Stderr = lines
	c.WaitDelay = waitDelay

	if err := c.Start(); err != nil {
		return Output{}, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	waitErr := c.Wait()
	lines.flush()

	out := Output{Stdout: stdout.Bytes(), Stderr: tail.String()}
	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, fmt.Errorf("%s: %w", cmd.Path, ctxErr)
		}
		return out, &ExitError{Path: cmd.Path, Err: waitErr, Stderr: out.Stderr}
	}
	return out, nil
}

// lineWriter splits written bytes into trimmed, non-empty lines.
type lineWriter struct {
	mu     sync.Mutex
	buf    []byte
	onLine func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		advance, token, _ := scanLines(w.buf, false)
		if advance == 0 {
			break
		}
		w.emit(token)
		w.buf = w.buf[advance:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(token []byte) {
	if line := strings.TrimSpace(string(token)); line != "" {
		w.onLine(line)
	}
}

// scanLines is bufio.ScanLines that also breaks on a bare \r.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type tail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
