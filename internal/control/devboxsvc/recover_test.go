package devboxsvc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	devboxv1 "github.com/antonkrylov/devbox/internal/api/devboxv1"
	"github.com/antonkrylov/devbox/internal/control/store"
	"github.com/antonkrylov/devbox/internal/devbox"
)

func TestRecoverAfterRestart(t *testing.T) {
	st := store.MustNew()
	created := time.Now().Add(-time.Hour).UTC()
	for id, status := range map[string]devbox.Status{
		"dbx_run":  devbox.StatusRunning,
		"dbx_prov": devbox.StatusProvisioning,
		"dbx_susp": devbox.StatusSuspending,
		"dbx_done": devbox.StatusShutdown,
	} {
		st.PutDevbox(&devbox.Devbox{ID: id, Status: status, CreateTime: created})
	}
	st.PutExecution(&devbox.Execution{ID: "exec_1", DevboxID: "dbx_run", Command: "sleep 100", Status: devbox.ExecRunning, StartedAt: created})

	svc := New(st, Config{WorkspaceRoot: t.TempDir()}, nil)
	t.Cleanup(svc.Close)
	svc.Recover()

	ex, err := st.GetExecution("dbx_run", "exec_1")
	require.NoError(t, err)
	assert.Equal(t, devbox.ExecFailed, ex.Status)
	assert.NotNil(t, ex.CompletedAt)

	susp, err := st.GetDevbox("dbx_susp")
	require.NoError(t, err)
	assert.Equal(t, devbox.StatusSuspended, susp.Status)

	done, err := st.GetDevbox("dbx_done")
	require.NoError(t, err)
	assert.Equal(t, devbox.StatusShutdown, done.Status)

	require.Eventually(t, func() bool {
		d, err := st.GetDevbox("dbx_prov")
		return err == nil && d.Status == devbox.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := svc.runtime("dbx_run")
	assert.True(t, ok)
	started, err := svc.StartExecution(context.Background(), &devboxv1.StartExecutionRequest{DevboxID: "dbx_run", Command: "true"})
	require.NoError(t, err)
	assert.Equal(t, devbox.ExecPending, started.Status)
}
