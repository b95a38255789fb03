package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// TimeoutExitCode is reported when a process is terminated for exceeding its timeout.
const TimeoutExitCode = 124

const defaultGrace = 10 * time.Second

// Spec describes a single process invocation.
type Spec struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Stdin   io.Reader
	Timeout time.Duration
	// Grace is the delay between SIGTERM and SIGKILL once the timeout fires.
	Grace  time.Duration
	OnLine func(line string)
}

// Result captures the outcome of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Success reports a zero exit status without timeout.
func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Tail returns up to n trailing non-empty output lines joined by newlines.
func (r Result) Tail(n int) string {
	lines := strings.Split(strings.TrimSpace(r.Combined()), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return strings.Join(out, "\n")
}

// Err converts a non-successful result into an error carrying the output tail.
func (r Result) Err(what string) error {
	if r.TimedOut {
		return fmt.Errorf("%s timed out after %s", what, r.Duration.Round(time.Second))
	}
	if r.ExitCode == 0 {
		return nil
	}
	tail := r.Tail(20)
	if tail == "" {
		return fmt.Errorf("%s failed with exit code %d", what, r.ExitCode)
	}
	return fmt.Errorf("%s failed with exit code %d: %s", what, r.ExitCode, tail)
}

// Runner executes external programs.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// Executor runs processes on the local host.
type Executor struct {
	logger *slog.Logger
	grace  time.Duration
}

// New creates an Executor. A zero grace selects the default of ten seconds.
func New(logger *slog.Logger, grace time.Duration) *Executor {
	if grace <= 0 {
		grace = defaultGrace
	}
	return &Executor{logger: logger, grace: grace}
}

// Run starts the process and waits for it. The returned error is non-nil only
// when the process could not be started or the parent context was cancelled;
// a non-zero exit is reported through Result.ExitCode.
func (e *Executor) Run(ctx context.Context, spec Spec) (Result, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return Result{}, fmt.Errorf("command name cannot be empty")
	}
	grace := spec.Grace
	if grace <= 0 {
		grace = e.grace
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	// Prevent tools such as git from prompting interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, spec.Env...)
	cmd.Stdin = spec.Stdin
	setProcessGroup(cmd)
	cmd.WaitDelay = grace

	var stdout, stderr bytes.Buffer
	lines := &lineSplitter{fn: spec.OnLine}
	cmd.Stdout = io.MultiWriter(&stdout, lines.stream())
	cmd.Stderr = io.MultiWriter(&stderr, lines.stream())

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	if e.logger != nil {
		e.logger.Debug("process started", "command", spec.Name, "args", spec.Args, "pid", cmd.Process.Pid)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		waitErr  error
		timedOut bool
		ctxErr   error
	)
	select {
	case waitErr = <-done:
	case <-timeout:
		timedOut = true
		waitErr = e.terminate(cmd, done, grace)
	case <-ctx.Done():
		ctxErr = ctx.Err()
		waitErr = e.terminate(cmd, done, grace)
	}
	lines.flush()

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	switch {
	case timedOut:
		res.ExitCode = TimeoutExitCode
	case cmd.ProcessState != nil:
		res.ExitCode = cmd.ProcessState.ExitCode()
	default:
		res.ExitCode = -1
	}
	if waitErr != nil && !timedOut && ctxErr == nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			return res, fmt.Errorf("wait %s: %w", spec.Name, waitErr)
		}
	}
	if ctxErr != nil {
		return res, ctxErr
	}
	return res, nil
}

// terminate sends SIGTERM to the process group, escalating to SIGKILL after grace.
func (e *Executor) terminate(cmd *exec.Cmd, done <-chan error, grace time.Duration) error {
	if err := signalGroup(cmd, false); err != nil && e.logger != nil {
		e.logger.Debug("graceful termination failed", "pid", cmd.Process.Pid, "error", err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
	}
	if err := signalGroup(cmd, true); err != nil && e.logger != nil {
		e.logger.Warn("forced kill failed", "pid", cmd.Process.Pid, "error", err)
	}
	return <-done
}

// lineSplitter feeds complete lines from one or more streams to a callback.
type lineSplitter struct {
	mu sync.Mutex
	fn func(string)
	// partial lines keyed by stream
	bufs []*bytes.Buffer
}

type lineStream struct {
	parent *lineSplitter
	buf    *bytes.Buffer
}

func (s *lineSplitter) stream() io.Writer {
	if s.fn == nil {
		return io.Discard
	}
	buf := &bytes.Buffer{}
	s.mu.Lock()
	s.bufs = append(s.bufs, buf)
	s.mu.Unlock()
	return &lineStream{parent: s, buf: buf}
}

func (w *lineStream) Write(p []byte) (int, error) {
	w.parent.mu.Lock()
	defer w.parent.mu.Unlock()
	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf.Next(idx+1)), "\r\n")
		w.parent.fn(line)
	}
	return len(p), nil
}

func (s *lineSplitter) flush() {
	if s.fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, buf := range s.bufs {
		if buf.Len() > 0 {
			s.fn(strings.TrimRight(buf.String(), "\r\n"))
			buf.Reset()
		}
	}
}
