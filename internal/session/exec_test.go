package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/devbox/internal/devbox"
)

func newCoordinator(cp ControlPlane) *ExecutionCoordinator {
	c := NewExecutionCoordinator(cp, nil)
	c.Backoff = quick
	return c
}

func TestRunSyncCompletes(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.execStates = []devbox.Execution{
		{Status: devbox.ExecRunning},
		{Status: devbox.ExecCompleted, ExitCode: intPtr(0), Stdout: "hi\n"},
	}
	ex, err := newCoordinator(cp).RunSync(context.Background(), "dbx_1", "echo hi", time.Second)
	require.NoError(t, err)
	assert.Equal(t, devbox.ExecCompleted, ex.Status)
	require.NotNil(t, ex.ExitCode)
	assert.Equal(t, 0, *ex.ExitCode)
	assert.Equal(t, "hi\n", ex.Stdout)
}

func TestRunSyncReturnsFailedExecution(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.execStates = []devbox.Execution{{Status: devbox.ExecFailed, Stderr: "boom"}}
	ex, err := newCoordinator(cp).RunSync(context.Background(), "dbx_1", "false", time.Second)
	require.NoError(t, err)
	assert.Equal(t, devbox.ExecFailed, ex.Status)
	assert.Nil(t, ex.ExitCode)
}

func TestRunSyncTimeoutLeavesExecutionPollable(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.execStates = []devbox.Execution{{Status: devbox.ExecRunning}}
	c := newCoordinator(cp)

	_, err := c.RunSync(context.Background(), "dbx_1", "sleep 600", 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, devbox.ErrExecutionTimeout))

	var de *devbox.Error
	require.True(t, errors.As(err, &de))
	require.NotNil(t, de.Execution)
	id := de.Execution.ID
	require.NotEmpty(t, id)

	ex, err := c.Poll(context.Background(), "dbx_1", id)
	require.NoError(t, err)
	assert.Equal(t, devbox.ExecRunning, ex.Status)

	cp.mu.Lock()
	cp.execStates = []devbox.Execution{{Status: devbox.ExecCompleted, ExitCode: intPtr(3)}}
	cp.mu.Unlock()
	ex, err = c.Poll(context.Background(), "dbx_1", id)
	require.NoError(t, err)
	assert.Equal(t, devbox.ExecCompleted, ex.Status)
	assert.Equal(t, 3, *ex.ExitCode)
}

func TestRunSyncSlowStartStillCarriesExecution(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.startDelay = 60 * time.Millisecond
	cp.execStates = []devbox.Execution{{Status: devbox.ExecRunning}}
	c := newCoordinator(cp)

	_, err := c.RunSync(context.Background(), "dbx_1", "sleep 600", 10*time.Millisecond)
	require.True(t, errors.Is(err, devbox.ErrExecutionTimeout))
	var de *devbox.Error
	require.True(t, errors.As(err, &de))
	require.NotNil(t, de.Execution)
	assert.Equal(t, "exec-1", de.Execution.ID)
	_, starts, _, _, _ := cp.counts()
	assert.Equal(t, 1, starts)
}

func TestRunSyncCallerCancel(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.execStates = []devbox.Execution{{Status: devbox.ExecRunning}}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := newCoordinator(cp).RunSync(ctx, "dbx_1", "sleep 600", time.Minute)
	assert.Equal(t, devbox.KindCancelled, devbox.KindOf(err))
}

func TestRunSyncAbsorbsTransientPolls(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.execErr = []error{devbox.Errorf(devbox.KindTransient, "get execution", "dbx_1", "unavailable")}
	cp.execStates = []devbox.Execution{{Status: devbox.ExecCompleted, ExitCode: intPtr(0)}}
	ex, err := newCoordinator(cp).RunSync(context.Background(), "dbx_1", "true", time.Second)
	require.NoError(t, err)
	assert.Equal(t, devbox.ExecCompleted, ex.Status)
}

func TestStartAsyncIsNotRetried(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.startErr = devbox.Errorf(devbox.KindTransient, "start execution", "dbx_1", "unavailable")
	_, err := newCoordinator(cp).StartAsync(context.Background(), "dbx_1", "make")
	assert.True(t, devbox.IsTransient(err))
	_, starts, _, _, _ := cp.counts()
	assert.Equal(t, 1, starts)
}

func TestStartAsyncRejectsEmptyCommand(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	_, err := newCoordinator(cp).StartAsync(context.Background(), "dbx_1", "  ")
	assert.Equal(t, devbox.KindPermanent, devbox.KindOf(err))
	_, starts, _, _, _ := cp.counts()
	assert.Zero(t, starts)
}

func TestPollRejectsForeignExecution(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.execStates = []devbox.Execution{{DevboxID: "dbx_other", Status: devbox.ExecRunning}}
	_, err := newCoordinator(cp).Poll(context.Background(), "dbx_1", "exec-1")
	assert.Equal(t, devbox.KindNotFound, devbox.KindOf(err))
}

func TestPollUnknownExecution(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.execStates = []devbox.Execution{{Status: devbox.ExecRunning}}
	_, err := newCoordinator(cp).Poll(context.Background(), "dbx_1", "exec-404")
	assert.Equal(t, devbox.KindNotFound, devbox.KindOf(err))
}

func TestStartAttachedAndSendStdin(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	c := newCoordinator(cp)

	ex, err := c.StartAttached(context.Background(), "dbx_1", "cat")
	require.NoError(t, err)
	assert.True(t, ex.StdinAttached)
	cp.mu.Lock()
	assert.True(t, cp.attached)
	cp.mu.Unlock()

	_, err = c.SendStdin(context.Background(), "dbx_1", ex.ID, devbox.StdinInput{Text: "hello\n"})
	require.NoError(t, err)
	_, err = c.SendStdin(context.Background(), "dbx_1", ex.ID, devbox.StdinInput{Signal: devbox.StdinEOF})
	require.NoError(t, err)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	assert.Equal(t, []devbox.StdinInput{{Text: "hello\n"}, {Signal: devbox.StdinEOF}}, cp.stdin)
}

func TestSendStdinValidatesBeforeCalling(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	c := newCoordinator(cp)

	_, err := c.SendStdin(context.Background(), "dbx_1", "exec-1", devbox.StdinInput{})
	assert.Equal(t, devbox.KindPermanent, devbox.KindOf(err))
	_, err = c.SendStdin(context.Background(), "dbx_1", "exec-1", devbox.StdinInput{Signal: "HUP"})
	assert.Equal(t, devbox.KindPermanent, devbox.KindOf(err))

	cp.mu.Lock()
	assert.Empty(t, cp.stdin)
	cp.mu.Unlock()

	_, err = c.SendStdin(context.Background(), "dbx_1", "exec-9", devbox.StdinInput{Text: "x"})
	assert.Equal(t, devbox.KindNotFound, devbox.KindOf(err))
}

func TestSendStdinIsNotRetried(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.stdinErr = devbox.Errorf(devbox.KindTransient, "send stdin", "dbx_1", "unavailable")
	_, err := newCoordinator(cp).SendStdin(context.Background(), "dbx_1", "exec-1", devbox.StdinInput{Text: "x"})
	assert.True(t, devbox.IsTransient(err))
}
