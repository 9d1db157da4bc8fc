package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/devbox/internal/devbox"
)

func newStreamer(cp ControlPlane) *LogStreamer {
	s := NewLogStreamer(cp, nil)
	s.PollInterval = 2 * time.Millisecond
	return s
}

func lines(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("line %d", i)
	}
	return out
}

func sequences(entries []devbox.LogEntry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Sequence
	}
	return out
}

func TestFetchSincePagesConcatenate(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.pageSize = 3
	cp.reversePage = true
	cp.appendLogs(lines(10)...)
	s := newStreamer(cp)

	var got []devbox.LogEntry
	cursor := FromStart
	for {
		batch, err := s.FetchSince(context.Background(), "dbx_1", cursor)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		got = append(got, batch...)
		cursor = batch[len(batch)-1].Sequence
	}

	all, err := s.FetchSince(context.Background(), "dbx_1", FromStart)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, sequences(got))
	assert.Equal(t, "line 0", got[0].Text)
}

func TestFetchSinceEmptyMeansNothingNew(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.appendLogs("a", "b")
	batch, err := newStreamer(cp).FetchSince(context.Background(), "dbx_1", 1)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestOrderAfterKeepsGapsAndDropsDuplicates(t *testing.T) {
	entries := []devbox.LogEntry{{Sequence: 7}, {Sequence: 2}, {Sequence: 4}, {Sequence: 2, Text: "dup"}, {Sequence: 1}}
	got := orderAfter(entries, 1)
	assert.Equal(t, []int64{2, 4, 7}, sequences(got))
	assert.Empty(t, got[0].Text)
}

func TestDrainReturnsEverythingSoFar(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.pageSize = 4
	cp.appendLogs(lines(9)...)
	got, err := newStreamer(cp).Drain(context.Background(), "dbx_1", 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5, 6, 7, 8}, sequences(got))
}

func TestTailStopAndResumeLosesNothing(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.pageSize = 2
	cp.appendLogs(lines(6)...)
	s := newStreamer(cp)

	var first []devbox.LogEntry
	for entry, err := range s.Tail(context.Background(), "dbx_1", FromStart) {
		require.NoError(t, err)
		first = append(first, entry)
		if len(first) == 4 {
			break
		}
	}
	require.Len(t, first, 4)

	cp.appendLogs(lines(3)...)
	cp.setStatuses(devbox.StatusShutdown)

	var second []devbox.LogEntry
	for entry, err := range s.Tail(context.Background(), "dbx_1", first[len(first)-1].Sequence) {
		require.NoError(t, err)
		second = append(second, entry)
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8}, append(sequences(first), sequences(second)...))
}

func TestTailCancelYieldsCancelledAndResumes(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.appendLogs(lines(3)...)
	s := newStreamer(cp)

	ctx, cancel := context.WithCancel(context.Background())
	var got []devbox.LogEntry
	var tailErr error
	for entry, err := range s.Tail(ctx, "dbx_1", FromStart) {
		if err != nil {
			tailErr = err
			continue
		}
		got = append(got, entry)
		if len(got) == 3 {
			cancel()
		}
	}
	require.Error(t, tailErr)
	assert.Equal(t, devbox.KindCancelled, devbox.KindOf(tailErr))
	assert.Equal(t, []int64{0, 1, 2}, sequences(got))

	cp.appendLogs("late")
	cp.setStatuses(devbox.StatusFailure)
	rest, err := s.Drain(context.Background(), "dbx_1", got[len(got)-1].Sequence)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, sequences(rest))
}

func TestTailFollowsNewEntries(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	s := newStreamer(cp)

	go func() {
		for i := range 5 {
			time.Sleep(3 * time.Millisecond)
			cp.appendLogs(fmt.Sprintf("tick %d", i))
		}
		cp.setStatuses(devbox.StatusShutdown)
	}()

	var got []devbox.LogEntry
	for entry, err := range s.Tail(context.Background(), "dbx_1", FromStart) {
		require.NoError(t, err)
		got = append(got, entry)
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, sequences(got))
}

func TestTailSkipsTransientFetchFailures(t *testing.T) {
	cp := newFake(devbox.StatusShutdown)
	cp.appendLogs("a", "b")
	cp.logErr = []error{devbox.Errorf(devbox.KindTransient, "get logs", "dbx_1", "unavailable")}

	var got []devbox.LogEntry
	for entry, err := range newStreamer(cp).Tail(context.Background(), "dbx_1", FromStart) {
		require.NoError(t, err)
		got = append(got, entry)
	}
	assert.Equal(t, []int64{0, 1}, sequences(got))
}

func TestTailEndsOnNotFound(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.logErr = []error{devbox.Errorf(devbox.KindNotFound, "get logs", "dbx_1", "no such devbox")}

	var errs []error
	for _, err := range newStreamer(cp).Tail(context.Background(), "dbx_1", FromStart) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.Equal(t, devbox.KindNotFound, devbox.KindOf(errs[0]))
}
