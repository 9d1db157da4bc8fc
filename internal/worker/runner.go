package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const defaultMaxOutputBytes = 1 << 20

// Runner executes shell commands inside a devbox workspace.
type Runner struct {
	// Shell is the interpreter invoked as `<shell> -c <script>`; defaults to /bin/sh.
	Shell string
	// MaxOutputBytes caps the stdout and stderr kept in a Result; lines past
	// the cap are still forwarded.
	MaxOutputBytes int
	Logger         *slog.Logger
}

// Command is one script to run.
type Command struct {
	Script string
	Dir    string
	Env    map[string]string
	// AttachStdin gives the process a stdin pipe fed through Process;
	// otherwise stdin is empty.
	AttachStdin bool
}

// Line is one line of output, trailing newline removed.
type Line struct {
	Stream string
	Text   string
	Time   time.Time
}

// Result describes a finished command.
type Result struct {
	ExitCode    int
	Stdout      string
	Stderr      string
	StartedAt   time.Time
	CompletedAt time.Time
	// Signaled is set when the process was killed, e.g. by cancelling ctx.
	Signaled bool
}

// Run starts the command and blocks until it exits, calling onLine for every
// output line. The error is non-nil only when the command could not be started.
func (r *Runner) Run(ctx context.Context, c Command, onLine func(Line)) (*Result, error) {
	p, err := r.Start(ctx, c, onLine)
	if err != nil {
		return nil, err
	}
	return p.Wait(), nil
}

// Process is a started command.
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	stdinMu sync.Mutex
	done    chan struct{}
	res     *Result
}

// ErrStdinClosed is returned when writing to a process whose stdin was never
// attached or is already closed.
var ErrStdinClosed = errors.New("stdin is closed")

// Start launches the command and returns once it is running. Output is
// forwarded to onLine until the process exits; Wait returns its result.
func (r *Runner) Start(ctx context.Context, c Command, onLine func(Line)) (*Process, error) {
	if strings.TrimSpace(c.Script) == "" {
		return nil, errors.New("script is required")
	}
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", c.Script)
	cmd.Dir = c.Dir
	cmd.Env = composeEnv(c.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	p := &Process{cmd: cmd, done: make(chan struct{})}
	if c.AttachStdin {
		if p.stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
	}

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	limit := r.MaxOutputBytes
	if limit <= 0 {
		limit = defaultMaxOutputBytes
	}
	stdout := &capped{limit: limit}
	stderr := &capped{limit: limit}
	var forwardMu sync.Mutex
	forward := func(line Line) {
		if onLine == nil {
			return
		}
		forwardMu.Lock()
		defer forwardMu.Unlock()
		onLine(line)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go r.collectStream(&wg, "stdout", stdoutPipe, stdout, forward)
	go r.collectStream(&wg, "stderr", stderrPipe, stderr, forward)
	go func() {
		wg.Wait()
		runErr := cmd.Wait()
		p.res = &Result{
			ExitCode:    exitCodeFromError(runErr),
			Stdout:      stdout.String(),
			Stderr:      stderr.String(),
			StartedAt:   started,
			CompletedAt: time.Now().UTC(),
			Signaled:    signaled(runErr) || (runErr != nil && ctx.Err() != nil),
		}
		r.logger().Debug("command finished", "exit", p.res.ExitCode, "signaled", p.res.Signaled, "elapsed", p.res.CompletedAt.Sub(started))
		close(p.done)
	}()
	return p, nil
}

// Wait blocks until the process exits and its output is collected.
func (p *Process) Wait() *Result {
	<-p.done
	return p.res
}

// Done is closed once Wait would return.
func (p *Process) Done() <-chan struct{} { return p.done }

// WriteStdin writes text to the process's stdin.
func (p *Process) WriteStdin(text string) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil {
		return ErrStdinClosed
	}
	if _, err := io.WriteString(p.stdin, text); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// CloseStdin delivers EOF to the process. Closing twice is a no-op.
func (p *Process) CloseStdin() error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil {
		return nil
	}
	err := p.stdin.Close()
	p.stdin = nil
	return err
}

// Interrupt sends SIGINT to the process group.
func (p *Process) Interrupt() error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGINT)
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.Logger
}

func composeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

func (r *Runner) collectStream(wg *sync.WaitGroup, stream string, pipe io.Reader, buf *capped, forward func(Line)) {
	defer wg.Done()
	reader := bufio.NewReader(pipe)
	for {
		data, err := reader.ReadBytes('\n')
		if len(data) > 0 {
			buf.Write(data)
			forward(Line{
				Stream: stream,
				Text:   strings.TrimRight(string(data), "\r\n"),
				Time:   time.Now().UTC(),
			})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				r.logger().Error("output read", "stream", stream, "err", err)
			}
			return
		}
	}
}

type capped struct {
	limit int
	b     strings.Builder
}

func (c *capped) Write(p []byte) {
	room := c.limit - c.b.Len()
	if room <= 0 {
		return
	}
	if len(p) > room {
		p = p[:room]
	}
	c.b.Write(p)
}

func (c *capped) String() string { return c.b.String() }

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(interface{ ExitStatus() int }); ok {
			return status.ExitStatus()
		}
	}
	return 1
}

func signaled(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(interface{ Signaled() bool })
	return ok && status.Signaled()
}
