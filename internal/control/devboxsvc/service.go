// Package devboxsvc is a local DevboxService: devboxes are workspace
// directories on the host, commands run through a shell and channels dial
// loopback ports.
package devboxsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	devboxv1 "github.com/antonkrylov/devbox/internal/api/devboxv1"
	"github.com/antonkrylov/devbox/internal/control/store"
	"github.com/antonkrylov/devbox/internal/devbox"
	"github.com/antonkrylov/devbox/internal/worker"
)

// Config controls behavior of the devbox service.
type Config struct {
	// WorkspaceRoot holds one directory per devbox.
	WorkspaceRoot string
	Shell         string
	// ProvisionDelay is how long a new devbox stays in provisioning.
	ProvisionDelay time.Duration
	// TransitionDelay is how long suspending and resuming last.
	TransitionDelay time.Duration
	MaxLogPage      int
	ChannelHost     string
	DialTimeout     time.Duration
}

func (c *Config) setDefaults() {
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = filepath.Join(os.TempDir(), "devboxd")
	}
	if c.MaxLogPage <= 0 {
		c.MaxLogPage = 1000
	}
	if c.ChannelHost == "" {
		c.ChannelHost = "127.0.0.1"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// Service provides the DevboxService gRPC server implementation.
type Service struct {
	devboxv1.UnimplementedDevboxServiceServer

	store   *store.Store
	runner  *worker.Runner
	cfg     Config
	logger  *slog.Logger
	clockFn func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	runtimes map[string]*boxRuntime

	dispatchGroup sync.WaitGroup
}

// boxRuntime is the process-side state of a devbox that is not persisted.
// Fields other than ctx, cancel and procs are guarded by Service.mu.
type boxRuntime struct {
	ctx    context.Context
	cancel context.CancelFunc
	idle   *devbox.IdlePolicy
	timer  *time.Timer
	busy   int

	stopped bool
	procs   sync.WaitGroup
	execs   map[string]*worker.Process
}

// New creates a devbox service bound to the provided store.
func New(st *store.Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:      st,
		runner:     &worker.Runner{Shell: cfg.Shell, Logger: logger},
		cfg:        cfg,
		logger:     logger,
		clockFn:    time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		runtimes:   make(map[string]*boxRuntime),
	}
}

// Close stops every devbox process and waits for inflight dispatch routines.
func (s *Service) Close() {
	s.baseCancel()
	s.mu.Lock()
	for _, rt := range s.runtimes {
		if rt.timer != nil {
			rt.timer.Stop()
		}
	}
	s.mu.Unlock()
	s.dispatchGroup.Wait()
}

func (s *Service) now() time.Time { return s.clockFn().UTC() }

func (s *Service) workspace(id string) worker.Workspace {
	return worker.Workspace{Root: filepath.Join(s.cfg.WorkspaceRoot, id)}
}

func notFound(id string) error {
	return status.Errorf(codes.NotFound, "devbox %s not found", id)
}

func (s *Service) lookup(id string) (*devbox.Devbox, error) {
	if strings.TrimSpace(id) == "" {
		return nil, status.Error(codes.InvalidArgument, "devbox id is required")
	}
	d, err := s.store.GetDevbox(id)
	if errors.Is(err, store.ErrDevboxNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return d, nil
}

func (s *Service) requireRunning(id string) (*devbox.Devbox, error) {
	d, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if d.Status != devbox.StatusRunning {
		return nil, status.Errorf(codes.FailedPrecondition, "devbox %s is %s", id, d.Status)
	}
	return d, nil
}

// transition moves a devbox to `to` if its status is one of from.
func (s *Service) transition(id string, from []devbox.Status, to devbox.Status, mutate func(*devbox.Devbox)) (*devbox.Devbox, error) {
	d, err := s.store.UpdateDevbox(id, func(d *devbox.Devbox) error {
		if !slices.Contains(from, d.Status) {
			return status.Errorf(codes.FailedPrecondition, "devbox %s is %s", id, d.Status)
		}
		d.Status = to
		if to.Terminal() {
			end := s.now()
			d.EndTime = &end
		}
		if mutate != nil {
			mutate(d)
		}
		return nil
	})
	if errors.Is(err, store.ErrDevboxNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("devbox transition", "devbox", id, "status", to)
	return d, nil
}

func (s *Service) systemLog(id, format string, args ...any) {
	s.store.AppendLogs(id, devbox.LogEntry{
		Timestamp: s.now(),
		Source:    devbox.SourceSystem,
		Text:      fmt.Sprintf(format, args...),
	})
}

// lineLogger appends output lines to the devbox log. An empty source keeps
// the stream name (stdout or stderr).
func (s *Service) lineLogger(id, source string) func(worker.Line) {
	return func(l worker.Line) {
		src := source
		if src == "" {
			src = l.Stream
		}
		s.store.AppendLogs(id, devbox.LogEntry{Timestamp: l.Time, Source: src, Text: l.Text})
	}
}

func validateCreate(req *devboxv1.CreateDevboxRequest) error {
	if idle := req.Idle; idle != nil {
		if idle.IdleSeconds <= 0 || idle.OnIdle == "" {
			return status.Error(codes.InvalidArgument, "idle time and idle action must be set together")
		}
		if idle.OnIdle != devbox.IdleShutdown && idle.OnIdle != devbox.IdleSuspend {
			return status.Errorf(codes.InvalidArgument, "unknown idle action %q", idle.OnIdle)
		}
	}
	for _, cmd := range req.LaunchCommands {
		if strings.TrimSpace(cmd) == "" {
			return status.Error(codes.InvalidArgument, "launch commands must not be empty")
		}
	}
	return nil
}

// CreateDevbox records a devbox in provisioning and boots it asynchronously.
func (s *Service) CreateDevbox(ctx context.Context, req *devboxv1.CreateDevboxRequest) (*devbox.Devbox, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	d := &devbox.Devbox{
		ID:             "dbx_" + uuid.NewString(),
		Name:           req.Name,
		Status:         devbox.StatusProvisioning,
		CreateTime:     s.now(),
		BlueprintID:    req.BlueprintID,
		Initiator:      "api",
		Entrypoint:     req.Entrypoint,
		LaunchCommands: slices.Clone(req.LaunchCommands),
		Env:            cloneMap(req.Env),
	}
	if req.Idle != nil {
		idle := *req.Idle
		d.Idle = &idle
	}
	if err := s.workspace(d.ID).Ensure(); err != nil {
		return nil, status.Errorf(codes.Internal, "workspace: %v", err)
	}
	s.store.PutDevbox(d)
	s.systemLog(d.ID, "devbox created")
	rt := s.resetRuntime(d.ID, d.Idle)

	s.dispatchGroup.Add(1)
	go s.boot(rt, d.ID)
	return d, nil
}

func cloneMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func (s *Service) boot(rt *boxRuntime, id string) {
	defer s.dispatchGroup.Done()
	done, ok := s.track(rt)
	if !ok {
		return
	}
	reason := s.bootSteps(rt, id)
	done()
	if reason != "" {
		s.fail(id, reason)
	}
}

// bootSteps drives a devbox from provisioning to running and returns a
// failure reason, or "" when it is running or was stopped.
func (s *Service) bootSteps(rt *boxRuntime, id string) string {
	logger := s.logger.With("devbox", id)
	if err := sleepCtx(rt.ctx, s.cfg.ProvisionDelay); err != nil {
		return ""
	}
	d, err := s.transition(id, []devbox.Status{devbox.StatusProvisioning}, devbox.StatusInitializing, nil)
	if err != nil {
		logger.Debug("boot abandoned", "err", err)
		return ""
	}
	s.systemLog(id, "initializing devbox")
	dir := s.workspace(id).Root
	for _, cmd := range d.LaunchCommands {
		s.store.AppendLogs(id, devbox.LogEntry{Timestamp: s.now(), Source: devbox.SourceSystem, Cmd: cmd})
		res, err := s.runner.Run(rt.ctx, worker.Command{Script: cmd, Dir: dir, Env: d.Env}, s.lineLogger(id, devbox.SourceSystem))
		if rt.ctx.Err() != nil {
			return ""
		}
		if err != nil {
			return fmt.Sprintf("launch command %q could not start: %v", cmd, err)
		}
		code := res.ExitCode
		s.store.AppendLogs(id, devbox.LogEntry{Timestamp: s.now(), Source: devbox.SourceSystem, Cmd: cmd, ExitCode: &code})
		if code != 0 {
			return fmt.Sprintf("launch command %q exited with code %d", cmd, code)
		}
	}
	if _, err := s.transition(id, []devbox.Status{devbox.StatusInitializing}, devbox.StatusRunning, nil); err != nil {
		logger.Debug("boot abandoned", "err", err)
		return ""
	}
	s.systemLog(id, "devbox is running")
	s.startEntrypoint(rt, d)
	s.touch(id)
	return ""
}

func (s *Service) startEntrypoint(rt *boxRuntime, d *devbox.Devbox) {
	if strings.TrimSpace(d.Entrypoint) == "" {
		return
	}
	done, ok := s.track(rt)
	if !ok {
		return
	}
	s.dispatchGroup.Add(1)
	go func() {
		defer s.dispatchGroup.Done()
		defer done()
		id := d.ID
		s.store.AppendLogs(id, devbox.LogEntry{Timestamp: s.now(), Source: devbox.SourceSystem, Cmd: d.Entrypoint})
		res, err := s.runner.Run(rt.ctx, worker.Command{Script: d.Entrypoint, Dir: s.workspace(id).Root, Env: d.Env}, s.lineLogger(id, devbox.SourceEntrypoint))
		switch {
		case err != nil:
			s.systemLog(id, "entrypoint could not start: %v", err)
		case rt.ctx.Err() != nil:
			s.logger.Debug("entrypoint stopped", "devbox", id)
		default:
			code := res.ExitCode
			s.store.AppendLogs(id, devbox.LogEntry{Timestamp: s.now(), Source: devbox.SourceSystem, Cmd: d.Entrypoint, ExitCode: &code})
		}
	}()
}

var nonTerminal = []devbox.Status{devbox.StatusProvisioning, devbox.StatusInitializing, devbox.StatusRunning,
	devbox.StatusSuspending, devbox.StatusSuspended, devbox.StatusResuming}

// fail stops the devbox's processes and waits for them before the terminal
// transition, so the failure is the last thing its log records.
func (s *Service) fail(id, reason string) {
	s.systemLog(id, "devbox failed: %s", reason)
	s.releaseRuntime(id)()
	if _, err := s.transition(id, nonTerminal, devbox.StatusFailure, func(d *devbox.Devbox) {
		d.FailureReason = reason
	}); err != nil {
		return
	}
	s.logger.Warn("devbox failed", "devbox", id, "reason", reason)
}

// GetDevbox returns the devbox by id.
func (s *Service) GetDevbox(ctx context.Context, req *devboxv1.DevboxRef) (*devbox.Devbox, error) {
	return s.lookup(req.ID)
}

// ListDevboxes returns devboxes oldest first.
func (s *Service) ListDevboxes(ctx context.Context, req *devboxv1.ListDevboxesRequest) (*devboxv1.ListDevboxesResponse, error) {
	if req.Status != "" {
		if _, err := devbox.ParseStatus(string(req.Status)); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	list := s.store.ListDevboxes(req.Status)
	if req.Limit > 0 && len(list) > req.Limit {
		list = list[len(list)-req.Limit:]
	}
	return &devboxv1.ListDevboxesResponse{Devboxes: list}, nil
}

// SuspendDevbox stops a running devbox's processes and parks it.
func (s *Service) SuspendDevbox(ctx context.Context, req *devboxv1.DevboxRef) (*devbox.Devbox, error) {
	if _, err := s.lookup(req.ID); err != nil {
		return nil, err
	}
	return s.suspend(req.ID)
}

func (s *Service) suspend(id string) (*devbox.Devbox, error) {
	d, err := s.transition(id, []devbox.Status{devbox.StatusRunning}, devbox.StatusSuspending, nil)
	if err != nil {
		return nil, err
	}
	s.systemLog(id, "suspending devbox")
	wait := s.releaseRuntime(id)
	s.dispatchGroup.Add(1)
	go func() {
		defer s.dispatchGroup.Done()
		wait()
		if sleepCtx(s.baseCtx, s.cfg.TransitionDelay) != nil {
			return
		}
		if _, err := s.transition(id, []devbox.Status{devbox.StatusSuspending}, devbox.StatusSuspended, nil); err == nil {
			s.systemLog(id, "devbox suspended")
		}
	}()
	return d, nil
}

// ResumeDevbox brings a suspended devbox back to running.
func (s *Service) ResumeDevbox(ctx context.Context, req *devboxv1.DevboxRef) (*devbox.Devbox, error) {
	if _, err := s.lookup(req.ID); err != nil {
		return nil, err
	}
	id := req.ID
	d, err := s.transition(id, []devbox.Status{devbox.StatusSuspended}, devbox.StatusResuming, nil)
	if err != nil {
		return nil, err
	}
	s.systemLog(id, "resuming devbox")
	rt := s.resetRuntime(id, d.Idle)
	s.dispatchGroup.Add(1)
	go func() {
		defer s.dispatchGroup.Done()
		if sleepCtx(rt.ctx, s.cfg.TransitionDelay) != nil {
			return
		}
		running, err := s.transition(id, []devbox.Status{devbox.StatusResuming}, devbox.StatusRunning, nil)
		if err != nil {
			return
		}
		s.systemLog(id, "devbox is running")
		s.startEntrypoint(rt, running)
		s.touch(id)
	}()
	return d, nil
}

// ShutdownDevbox terminates a devbox. Shutting down a shut down devbox is a no-op.
func (s *Service) ShutdownDevbox(ctx context.Context, req *devboxv1.DevboxRef) (*devbox.Devbox, error) {
	d, err := s.lookup(req.ID)
	if err != nil {
		return nil, err
	}
	if d.Status == devbox.StatusShutdown {
		return d, nil
	}
	return s.shutdown(req.ID)
}

// shutdown logs and waits for the devbox's processes before the transition
// so log followers that stop at a terminal status miss nothing.
func (s *Service) shutdown(id string) (*devbox.Devbox, error) {
	current, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, status.Errorf(codes.FailedPrecondition, "devbox %s is %s", id, current.Status)
	}
	s.systemLog(id, "shutting down devbox")
	s.releaseRuntime(id)()
	d, err := s.transition(id, nonTerminal, devbox.StatusShutdown, nil)
	if err != nil {
		return nil, err
	}
	// A resume may have raced in between.
	s.releaseRuntime(id)()
	return d, nil
}

// GetLogs returns one page of log entries after the requested sequence.
func (s *Service) GetLogs(ctx context.Context, req *devboxv1.GetLogsRequest) (*devboxv1.GetLogsResponse, error) {
	if _, err := s.lookup(req.DevboxID); err != nil {
		return nil, err
	}
	after := max(req.AfterSequence, devboxv1.FromStart)
	limit := s.cfg.MaxLogPage
	if req.Limit > 0 && req.Limit < limit {
		limit = req.Limit
	}
	return &devboxv1.GetLogsResponse{Entries: s.store.Logs(req.DevboxID, after, limit)}, nil
}

// ReadFile returns a file from a running devbox's workspace.
func (s *Service) ReadFile(ctx context.Context, req *devboxv1.ReadFileRequest) (*devboxv1.ReadFileResponse, error) {
	if _, err := s.requireRunning(req.DevboxID); err != nil {
		return nil, err
	}
	release := s.hold(req.DevboxID)
	defer release()
	data, err := s.workspace(req.DevboxID).ReadFile(req.Path)
	if err != nil {
		return nil, err
	}
	return &devboxv1.ReadFileResponse{Data: data}, nil
}

// WriteFile atomically replaces a file in a running devbox's workspace.
func (s *Service) WriteFile(ctx context.Context, req *devboxv1.WriteFileRequest) (*devboxv1.WriteFileResponse, error) {
	if _, err := s.requireRunning(req.DevboxID); err != nil {
		return nil, err
	}
	release := s.hold(req.DevboxID)
	defer release()
	n, err := s.workspace(req.DevboxID).WriteFileAtomic(req.Path, req.Data, os.FileMode(req.Mode))
	if err != nil {
		return nil, err
	}
	return &devboxv1.WriteFileResponse{Size: n}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
