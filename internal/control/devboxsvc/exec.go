package devboxsvc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	devboxv1 "github.com/antonkrylov/devbox/internal/api/devboxv1"
	"github.com/antonkrylov/devbox/internal/control/store"
	"github.com/antonkrylov/devbox/internal/devbox"
	"github.com/antonkrylov/devbox/internal/worker"
)

// StartExecution records a pending execution and runs it asynchronously.
func (s *Service) StartExecution(ctx context.Context, req *devboxv1.StartExecutionRequest) (*devbox.Execution, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}
	d, err := s.requireRunning(req.DevboxID)
	if err != nil {
		return nil, err
	}
	rt, ok := s.runtime(d.ID)
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "devbox %s is not accepting commands", d.ID)
	}
	done, ok := s.track(rt)
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "devbox %s is not accepting commands", d.ID)
	}
	shell := req.ShellName
	if shell == "" {
		shell = filepath.Base(s.shellPath())
	}
	ex := &devbox.Execution{
		ID:            "exec_" + uuid.NewString(),
		DevboxID:      d.ID,
		Command:       req.Command,
		ShellName:     shell,
		Status:        devbox.ExecPending,
		StartedAt:     s.now(),
		StdinAttached: req.AttachStdin,
	}
	s.store.PutExecution(ex)
	s.store.AppendLogs(d.ID, devbox.LogEntry{Timestamp: ex.StartedAt, Source: devbox.SourceExec, Cmd: req.Command})

	release := s.hold(d.ID)
	s.dispatchGroup.Add(1)
	go s.runExecution(rt, d, ex.ID, req.AttachStdin, func() {
		release()
		done()
	})
	return ex, nil
}

func (s *Service) shellPath() string {
	if s.cfg.Shell != "" {
		return s.cfg.Shell
	}
	return "/bin/sh"
}

func (s *Service) runExecution(rt *boxRuntime, d *devbox.Devbox, executionID string, attachStdin bool, finish func()) {
	defer s.dispatchGroup.Done()
	defer finish()
	logger := s.logger.With("devbox", d.ID, "execution", executionID)

	ex, err := s.store.GetExecution(d.ID, executionID)
	if err != nil {
		logger.Error("execution disappeared before dispatch", "err", err)
		return
	}
	proc, runErr := s.runner.Start(rt.ctx, worker.Command{
		Script:      ex.Command,
		Dir:         s.workspace(d.ID).Root,
		Env:         d.Env,
		AttachStdin: attachStdin,
	}, s.lineLogger(d.ID, ""))
	var res *worker.Result
	if runErr == nil {
		s.setProcess(rt, executionID, proc)
		if _, err := s.store.UpdateExecution(d.ID, executionID, func(ex *devbox.Execution) error {
			ex.Status = devbox.ExecRunning
			return nil
		}); err != nil {
			logger.Warn("execution running update lost", "err", err)
		}
		res = proc.Wait()
		s.setProcess(rt, executionID, nil)
	}

	completed := s.now()
	final, err := s.store.UpdateExecution(d.ID, executionID, func(ex *devbox.Execution) error {
		ex.CompletedAt = &completed
		switch {
		case runErr != nil:
			ex.Status = devbox.ExecFailed
			ex.Stderr = runErr.Error()
		case res.Signaled:
			ex.Status = devbox.ExecFailed
			ex.Stdout, ex.Stderr = res.Stdout, res.Stderr
		default:
			code := res.ExitCode
			ex.Status = devbox.ExecCompleted
			ex.ExitCode = &code
			ex.Stdout, ex.Stderr = res.Stdout, res.Stderr
		}
		return nil
	})
	if err != nil {
		logger.Error("execution completion lost", "err", err)
		return
	}
	entry := devbox.LogEntry{Timestamp: completed, Source: devbox.SourceExec, Cmd: final.Command, ExitCode: final.ExitCode}
	if final.Status == devbox.ExecFailed {
		entry.Text = "execution failed"
	}
	s.store.AppendLogs(d.ID, entry)
	logger.Info("execution finished", "status", final.Status)
}

// SendStdin writes text to a running execution's stdin, closes it (EOF) or
// interrupts the execution (INTERRUPT).
func (s *Service) SendStdin(ctx context.Context, req *devboxv1.SendStdinRequest) (*devbox.Execution, error) {
	if err := req.Input.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ex, err := s.GetExecution(ctx, &devboxv1.GetExecutionRequest{DevboxID: req.DevboxID, ExecutionID: req.ExecutionID})
	if err != nil {
		return nil, err
	}
	if !ex.StdinAttached {
		return nil, status.Errorf(codes.FailedPrecondition, "execution %s was started without stdin", ex.ID)
	}
	if ex.Status.Terminal() {
		return nil, status.Errorf(codes.FailedPrecondition, "execution %s is %s", ex.ID, ex.Status)
	}
	proc := s.process(req.DevboxID, req.ExecutionID)
	if proc == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "execution %s is not running", ex.ID)
	}

	in := req.Input
	switch sig, _ := devbox.ParseStdinSignal(string(in.Signal)); {
	case in.Text != "":
		err = proc.WriteStdin(in.Text)
	case sig == devbox.StdinEOF:
		err = proc.CloseStdin()
	default:
		err = proc.Interrupt()
	}
	switch {
	case errors.Is(err, worker.ErrStdinClosed):
		return nil, status.Errorf(codes.FailedPrecondition, "stdin of execution %s is closed", ex.ID)
	case errors.Is(err, os.ErrProcessDone):
		return nil, status.Errorf(codes.FailedPrecondition, "execution %s already exited", ex.ID)
	case err != nil:
		return nil, status.Errorf(codes.FailedPrecondition, "execution %s: %v", ex.ID, err)
	}
	s.logger.Debug("stdin delivered", "devbox", req.DevboxID, "execution", ex.ID, "signal", in.Signal, "bytes", len(in.Text))
	s.touch(req.DevboxID)
	return s.GetExecution(ctx, &devboxv1.GetExecutionRequest{DevboxID: req.DevboxID, ExecutionID: req.ExecutionID})
}

// GetExecution returns one execution of a devbox.
func (s *Service) GetExecution(ctx context.Context, req *devboxv1.GetExecutionRequest) (*devbox.Execution, error) {
	if _, err := s.lookup(req.DevboxID); err != nil {
		return nil, err
	}
	ex, err := s.store.GetExecution(req.DevboxID, req.ExecutionID)
	if errors.Is(err, store.ErrExecutionNotFound) {
		return nil, status.Errorf(codes.NotFound, "execution %s not found in devbox %s", req.ExecutionID, req.DevboxID)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return ex, nil
}
