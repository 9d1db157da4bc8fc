package session

import (
	"context"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/antonkrylov/devbox/internal/devbox"
)

// fakeControlPlane is a scripted in-memory control plane. Status and execution
// scripts advance one step per read and then stick on their last element.
type fakeControlPlane struct {
	mu sync.Mutex

	statuses  []devbox.Status
	devboxErr []error
	getCalls  int

	execStates []devbox.Execution
	execErr    []error
	startErr   error
	startDelay time.Duration
	starts     int
	attached   bool
	execPolls  int
	stdin      []devbox.StdinInput
	stdinErr   error

	logs        []devbox.LogEntry
	pageSize    int
	reversePage bool
	logErr      []error
	logCalls    int

	channelErr   []error
	channelCalls int
	backend      string
}

func newFake(statuses ...devbox.Status) *fakeControlPlane {
	return &fakeControlPlane{statuses: statuses}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeControlPlane) setStatuses(statuses ...devbox.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = statuses
}

func (f *fakeControlPlane) GetDevbox(ctx context.Context, id string) (*devbox.Devbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, devbox.FromContext("get devbox", id, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if err := pop(&f.devboxErr); err != nil {
		return nil, err
	}
	if len(f.statuses) == 0 {
		return nil, devbox.Errorf(devbox.KindNotFound, "get devbox", id, "no such devbox")
	}
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return &devbox.Devbox{ID: id, Name: "test", Status: status, CreateTime: time.Unix(1700000000, 0)}, nil
}

func (f *fakeControlPlane) StartExecution(ctx context.Context, devboxID, command string, attachStdin bool) (*devbox.Execution, error) {
	if f.startDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, devbox.FromContext("start execution", devboxID, ctx.Err())
		case <-time.After(f.startDelay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.attached = attachStdin
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &devbox.Execution{ID: "exec-1", DevboxID: devboxID, Command: command, Status: devbox.ExecPending, StdinAttached: attachStdin}, nil
}

func (f *fakeControlPlane) SendStdin(ctx context.Context, devboxID, executionID string, in devbox.StdinInput) (*devbox.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stdinErr != nil {
		return nil, f.stdinErr
	}
	if executionID != "exec-1" {
		return nil, devbox.Errorf(devbox.KindNotFound, "send stdin", devboxID, "no such execution")
	}
	f.stdin = append(f.stdin, in)
	return &devbox.Execution{ID: executionID, DevboxID: devboxID, Status: devbox.ExecRunning, StdinAttached: true}, nil
}

func (f *fakeControlPlane) GetExecution(ctx context.Context, devboxID, executionID string) (*devbox.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, devbox.FromContext("get execution", devboxID, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execPolls++
	if err := pop(&f.execErr); err != nil {
		return nil, err
	}
	if executionID != "exec-1" || len(f.execStates) == 0 {
		return nil, devbox.Errorf(devbox.KindNotFound, "get execution", devboxID, "no such execution")
	}
	ex := f.execStates[0]
	if len(f.execStates) > 1 {
		f.execStates = f.execStates[1:]
	}
	ex.ID = executionID
	if ex.DevboxID == "" {
		ex.DevboxID = devboxID
	}
	return ex.Clone(), nil
}

func (f *fakeControlPlane) GetLogs(ctx context.Context, devboxID string, afterSequence int64) ([]devbox.LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, devbox.FromContext("get logs", devboxID, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logCalls++
	if err := pop(&f.logErr); err != nil {
		return nil, err
	}
	var page []devbox.LogEntry
	for _, e := range f.logs {
		if e.Sequence > afterSequence {
			page = append(page, e)
		}
		if f.pageSize > 0 && len(page) == f.pageSize {
			break
		}
	}
	if f.reversePage {
		slices.Reverse(page)
	}
	return page, nil
}

func (f *fakeControlPlane) appendLogs(texts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := int64(0)
	if n := len(f.logs); n > 0 {
		next = f.logs[n-1].Sequence + 1
	}
	for _, text := range texts {
		f.logs = append(f.logs, devbox.LogEntry{Sequence: next, Source: devbox.SourceEntrypoint, Text: text})
		next++
	}
}

func (f *fakeControlPlane) OpenRemoteChannel(ctx context.Context, devboxID string, remotePort int) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	f.channelCalls++
	err := pop(&f.channelErr)
	backend := f.backend
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", backend)
	if err != nil {
		return nil, devbox.E(devbox.KindTransient, "open channel", devboxID, err)
	}
	return conn, nil
}

func (f *fakeControlPlane) counts() (gets, starts, polls, logCalls, channels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls, f.starts, f.execPolls, f.logCalls, f.channelCalls
}

// quick is a jitter-free fast cadence for tests.
var quick = Backoff{BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: 5 * time.Millisecond}

func intPtr(v int) *int { return &v }
