package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/devbox/internal/devbox"
)

func TestDevboxSnapshotsAreCopies(t *testing.T) {
	st := MustNew()
	defer st.Close()

	d := &devbox.Devbox{ID: "dbx_1", Status: devbox.StatusProvisioning, Env: map[string]string{"A": "1"}}
	st.PutDevbox(d)
	d.Env["A"] = "mutated"

	got, err := st.GetDevbox("dbx_1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Env["A"])
	got.Status = devbox.StatusRunning

	again, err := st.GetDevbox("dbx_1")
	require.NoError(t, err)
	assert.Equal(t, devbox.StatusProvisioning, again.Status)

	_, err = st.GetDevbox("missing")
	assert.ErrorIs(t, err, ErrDevboxNotFound)
}

func TestUpdateDevboxIsAtomic(t *testing.T) {
	st := MustNew()
	st.PutDevbox(&devbox.Devbox{ID: "dbx_1", Status: devbox.StatusRunning})

	rejected := errors.New("rejected")
	cur, err := st.UpdateDevbox("dbx_1", func(d *devbox.Devbox) error {
		d.Status = devbox.StatusFailure
		return rejected
	})
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, devbox.StatusRunning, cur.Status)

	next, err := st.UpdateDevbox("dbx_1", func(d *devbox.Devbox) error {
		d.Status = devbox.StatusSuspending
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, devbox.StatusSuspending, next.Status)

	_, err = st.UpdateDevbox("missing", func(*devbox.Devbox) error { return nil })
	assert.ErrorIs(t, err, ErrDevboxNotFound)
}

func TestListDevboxesOrderAndFilter(t *testing.T) {
	st := MustNew()
	base := time.Unix(1700000000, 0)
	st.PutDevbox(&devbox.Devbox{ID: "b", Status: devbox.StatusRunning, CreateTime: base.Add(2 * time.Second)})
	st.PutDevbox(&devbox.Devbox{ID: "a", Status: devbox.StatusShutdown, CreateTime: base})
	st.PutDevbox(&devbox.Devbox{ID: "c", Status: devbox.StatusRunning, CreateTime: base.Add(time.Second)})

	var ids []string
	for _, d := range st.ListDevboxes("") {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"a", "c", "b"}, ids)
	assert.Len(t, st.ListDevboxes(devbox.StatusRunning), 2)
}

func TestLogSequencesStartAtZeroPerDevbox(t *testing.T) {
	st := MustNew()
	first := st.AppendLogs("dbx_1", devbox.LogEntry{Text: "a"}, devbox.LogEntry{Text: "b"})
	st.AppendLogs("dbx_2", devbox.LogEntry{Text: "other"})
	second := st.AppendLogs("dbx_1", devbox.LogEntry{Text: "c"})

	assert.Equal(t, int64(0), first[0].Sequence)
	assert.Equal(t, int64(1), first[1].Sequence)
	assert.Equal(t, int64(2), second[0].Sequence)
	assert.False(t, first[0].Timestamp.IsZero())

	all := st.Logs("dbx_1", -1, 0)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[2].Text)

	page := st.Logs("dbx_1", 0, 1)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].Text)

	assert.Empty(t, st.Logs("dbx_1", 2, 0))
	assert.Empty(t, st.Logs("missing", -1, 0))
	assert.Len(t, st.Logs("dbx_2", -1, 0), 1)
}

func TestExecutionsScopedToDevbox(t *testing.T) {
	st := MustNew()
	now := time.Now()
	st.PutExecution(&devbox.Execution{ID: "e2", DevboxID: "dbx_1", Status: devbox.ExecRunning, StartedAt: now.Add(time.Second)})
	st.PutExecution(&devbox.Execution{ID: "e1", DevboxID: "dbx_1", Status: devbox.ExecPending, StartedAt: now})

	_, err := st.GetExecution("dbx_2", "e1")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	code := 0
	ex, err := st.UpdateExecution("dbx_1", "e1", func(ex *devbox.Execution) error {
		ex.Status = devbox.ExecCompleted
		ex.ExitCode = &code
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, devbox.ExecCompleted, ex.Status)

	list := st.ListExecutions("dbx_1")
	require.Len(t, list, 2)
	assert.Equal(t, "e1", list[0].ID)
	assert.Equal(t, "e2", list[1].ID)
}

func TestReplayKeepsNewestVersion(t *testing.T) {
	st := MustNew()
	st.applyReplayedDevbox(&devbox.Devbox{ID: "dbx_1", Status: devbox.StatusRunning}, 3)
	st.applyReplayedDevbox(&devbox.Devbox{ID: "dbx_1", Status: devbox.StatusProvisioning}, 1)
	got, err := st.GetDevbox("dbx_1")
	require.NoError(t, err)
	assert.Equal(t, devbox.StatusRunning, got.Status)

	st.applyReplayedLog("dbx_1", devbox.LogEntry{Sequence: 0, Text: "a"})
	st.applyReplayedLog("dbx_1", devbox.LogEntry{Sequence: 0, Text: "dup"})
	st.applyReplayedLog("dbx_1", devbox.LogEntry{Sequence: 1, Text: "b"})
	next := st.AppendLogs("dbx_1", devbox.LogEntry{Text: "c"})
	assert.Equal(t, int64(2), next[0].Sequence)
	assert.Len(t, st.Logs("dbx_1", -1, 0), 3)

	st.PutDevbox(&devbox.Devbox{ID: "dbx_1", Status: devbox.StatusShutdown})
	assert.Equal(t, uint64(4), st.versions["dbx_1"])
}

func TestReplayRestoresOutOfOrderLogs(t *testing.T) {
	st := MustNew()
	for _, seq := range []int64{0, 2, 1, 2, 4, 3} {
		st.applyReplayedLog("dbx_1", devbox.LogEntry{Sequence: seq, Text: fmt.Sprint(seq)})
	}

	var seqs []int64
	for _, e := range st.Logs("dbx_1", -1, 0) {
		seqs = append(seqs, e.Sequence)
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, seqs)

	page := st.Logs("dbx_1", 1, 2)
	require.Len(t, page, 2)
	assert.Equal(t, "2", page[0].Text)
	assert.Equal(t, int64(5), st.AppendLogs("dbx_1", devbox.LogEntry{Text: "next"})[0].Sequence)
}
