// Package runner spawns and supervises a single agent subprocess. A
// Runner owns exactly one process for its lifetime: it streams stdout as
// newline-split lines (flushing a trailing partial line at exit), captures
// stderr, enforces an optional timeout, and escalates cancellation from
// SIGTERM to SIGKILL after a grace period. The final exit event carries
// three independent facts (cancelled, timed out, and the raw exit
// code/signal) so consumers can always tell the causes apart.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"dray/pkg/protocol"
)

// DefaultGracePeriod is how long Cancel waits between SIGTERM and SIGKILL.
const DefaultGracePeriod = 3 * time.Second

// Config holds Runner configuration.
type Config struct {
	Command     string
	Args        []string
	Dir         string
	Env         []string      // appended to the parent environment
	Timeout     time.Duration // 0 disables the timeout
	GracePeriod time.Duration // SIGTERM to SIGKILL escalation (default 3s)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.GracePeriod == 0 {
		out.GracePeriod = DefaultGracePeriod
	}
	return out
}

// EventKind tags a Runner event.
type EventKind string

// Runner event kinds.
const (
	EventLine   EventKind = "line"   // one stdout line, newline stripped
	EventStderr EventKind = "stderr" // raw stderr chunk
	EventExit   EventKind = "exit"   // final event before the channel closes
)

// ExitResult describes how the process ended. At most one of Cancelled and
// TimedOut is true; both false with Code 0 is a normal exit.
type ExitResult struct {
	Code      int    // -1 when killed by signal
	Signal    string // terminating signal name, empty otherwise
	Cancelled bool
	TimedOut  bool
}

// Event is one item on the Runner's event stream. Lines are delivered in
// write order; the exit event is always last.
type Event struct {
	Kind EventKind
	Line string
	Data []byte
	Exit *ExitResult
}

// Runner supervises one subprocess. Exactly one Start call is permitted
// per instance; a second call is a programming error and fails fast.
type Runner struct {
	cfg Config

	mu        sync.Mutex
	started   bool
	exited    bool
	cancelled bool
	timedOut  bool
	cmd       *exec.Cmd

	done chan struct{} // closed after the process has been reaped
}

// New creates a Runner for cfg. The process is not spawned until Start.
func New(cfg Config) *Runner {
	return &Runner{cfg: cfg.withDefaults(), done: make(chan struct{})}
}

// Start spawns the process and returns its event stream. The channel is
// closed after the exit event. Spawn failures are reported synchronously
// as *protocol.SpawnError, with CLINotFound set when the binary is absent.
func (r *Runner) Start(ctx context.Context) (<-chan Event, error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil, fmt.Errorf("runner: Start called twice on the same instance")
	}
	r.started = true
	r.mu.Unlock()

	cmd := exec.Command(r.cfg.Command, r.cfg.Args...) //nolint:gosec // command comes from operator config
	cmd.Dir = r.cfg.Dir
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), r.cfg.Env...)
	}
	// Own process group so cancellation reaches descendants too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		missing := errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
		return nil, &protocol.SpawnError{Command: r.cfg.Command, CLINotFound: missing, Err: err}
	}

	r.mu.Lock()
	r.cmd = cmd
	r.mu.Unlock()

	var timer *time.Timer
	if r.cfg.Timeout > 0 {
		timer = time.AfterFunc(r.cfg.Timeout, r.fireTimeout)
	}

	// Stop waiting on ctx once the process is reaped.
	go func() {
		select {
		case <-ctx.Done():
			r.Cancel()
		case <-r.done:
		}
	}()

	events := make(chan Event, 64)
	go r.pump(cmd, stdout, stderr, events, timer)
	return events, nil
}

// pump drains both pipes, reaps the process, and emits the exit event.
func (r *Runner) pump(cmd *exec.Cmd, stdout, stderr io.ReadCloser, events chan Event, timer *time.Timer) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		reader := bufio.NewReader(stdout)
		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				// A trailing partial line at EOF is flushed here, never dropped.
				events <- Event{Kind: EventLine, Line: strings.TrimRight(line, "\r\n")}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				events <- Event{Kind: EventStderr, Data: chunk}
			}
			if err != nil {
				return
			}
		}
	}()

	wg.Wait()
	_ = cmd.Wait()
	if timer != nil {
		timer.Stop()
	}

	r.mu.Lock()
	r.exited = true
	res := ExitResult{Cancelled: r.cancelled, TimedOut: r.timedOut}
	r.mu.Unlock()
	close(r.done)

	res.Code = cmd.ProcessState.ExitCode()
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.Signal = ws.Signal().String()
	}

	events <- Event{Kind: EventExit, Exit: &res}
	close(events)
}

// Cancel requests graceful termination: SIGTERM to the process group now,
// SIGKILL after the grace period if the process is still alive. No-op if
// the process already exited or the timeout already fired.
func (r *Runner) Cancel() {
	r.mu.Lock()
	if !r.started || r.exited || r.cancelled || r.timedOut {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	cmd := r.cmd
	grace := r.cfg.GracePeriod
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	signalGroup(cmd, syscall.SIGTERM)

	go func() {
		select {
		case <-r.done:
		case <-time.After(grace):
			signalGroup(cmd, syscall.SIGKILL)
		}
	}()
}

// Kill terminates the process group immediately. The exit is still
// reported as cancelled: a forced stop is a caller decision, not a crash.
// No-op if the process already exited.
func (r *Runner) Kill() {
	r.mu.Lock()
	if !r.started || r.exited {
		r.mu.Unlock()
		return
	}
	if !r.timedOut {
		r.cancelled = true
	}
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	signalGroup(cmd, syscall.SIGKILL)
}

// fireTimeout force-terminates the process and marks the exit as timed
// out. One-shot: it loses the race to an earlier cancel or exit.
func (r *Runner) fireTimeout() {
	r.mu.Lock()
	if r.exited || r.cancelled || r.timedOut {
		r.mu.Unlock()
		return
	}
	r.timedOut = true
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	signalGroup(cmd, syscall.SIGKILL)
}

// signalGroup signals the entire process group (negative PID) so that
// descendant processes are reached as well; falls back to signalling the
// process directly when the group is gone.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}
