package store

import (
	"cmp"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/antonkrylov/devbox/internal/devbox"
)

// Store keeps devbox, execution and log state in memory while optionally
// mirroring changes to an external JetStream so state survives restarts.
type Store struct {
	mu         sync.RWMutex
	devboxes   map[string]*devbox.Devbox
	executions map[string]map[string]*devbox.Execution
	logs       map[string][]devbox.LogEntry
	versions   map[string]uint64

	logger *slog.Logger
	js     *jetStreamMirror
}

var (
	ErrDevboxNotFound    = errors.New("devbox not found")
	ErrExecutionNotFound = errors.New("execution not found")
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// New creates a Store with optional persistence options.
func New(ctx context.Context, opts *Options) (*Store, error) {
	logger := discardLogger
	if opts != nil && opts.Logger != nil {
		logger = opts.Logger
	}
	st := &Store{
		devboxes:   make(map[string]*devbox.Devbox),
		executions: make(map[string]map[string]*devbox.Execution),
		logs:       make(map[string][]devbox.LogEntry),
		versions:   make(map[string]uint64),
		logger:     logger,
	}
	if opts != nil && opts.JetStream != nil {
		jsMirror, err := newJetStreamMirror(ctx, opts.JetStream, logger)
		if err != nil {
			return nil, err
		}
		if err := jsMirror.hydrate(ctx, st); err != nil {
			jsMirror.Close()
			return nil, err
		}
		st.js = jsMirror
	}
	return st, nil
}

// MustNew creates an in-memory Store and panics if initialization fails.
func MustNew() *Store {
	st, err := New(context.Background(), nil)
	if err != nil {
		panic(err)
	}
	return st
}

// Close flushes backing resources.
func (s *Store) Close() {
	if s.js != nil {
		s.js.Close()
	}
}

func execKey(devboxID, executionID string) string {
	return devboxID + "/" + executionID
}

// PutDevbox upserts a devbox snapshot.
func (s *Store) PutDevbox(d *devbox.Devbox) {
	if d == nil {
		return
	}
	s.mu.Lock()
	version := s.bumpVersionLocked(d.ID)
	snapshot := d.Clone()
	s.devboxes[d.ID] = snapshot
	s.mu.Unlock()
	s.publishDevbox(snapshot, version)
}

// UpdateDevbox applies fn to the stored devbox under the store lock. If fn
// returns an error nothing is written.
func (s *Store) UpdateDevbox(id string, fn func(*devbox.Devbox) error) (*devbox.Devbox, error) {
	s.mu.Lock()
	cur, ok := s.devboxes[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrDevboxNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return cur.Clone(), err
	}
	version := s.bumpVersionLocked(id)
	s.devboxes[id] = next
	s.mu.Unlock()
	s.publishDevbox(next, version)
	return next.Clone(), nil
}

// GetDevbox returns a copy of the devbox.
func (s *Store) GetDevbox(id string) (*devbox.Devbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devboxes[id]
	if !ok {
		return nil, ErrDevboxNotFound
	}
	return d.Clone(), nil
}

// ListDevboxes returns devboxes ordered by creation time, optionally filtered
// by status.
func (s *Store) ListDevboxes(status devbox.Status) []*devbox.Devbox {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*devbox.Devbox, 0, len(s.devboxes))
	for _, d := range s.devboxes {
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, d.Clone())
	}
	slices.SortFunc(out, func(a, b *devbox.Devbox) int {
		if c := a.CreateTime.Compare(b.CreateTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// PutExecution upserts an execution snapshot.
func (s *Store) PutExecution(ex *devbox.Execution) {
	if ex == nil {
		return
	}
	s.mu.Lock()
	version := s.bumpVersionLocked(execKey(ex.DevboxID, ex.ID))
	snapshot := ex.Clone()
	if s.executions[ex.DevboxID] == nil {
		s.executions[ex.DevboxID] = make(map[string]*devbox.Execution)
	}
	s.executions[ex.DevboxID][ex.ID] = snapshot
	s.mu.Unlock()
	s.publishExecution(snapshot, version)
}

// UpdateExecution applies fn to the stored execution under the store lock.
func (s *Store) UpdateExecution(devboxID, executionID string, fn func(*devbox.Execution) error) (*devbox.Execution, error) {
	s.mu.Lock()
	cur, ok := s.executions[devboxID][executionID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrExecutionNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return cur.Clone(), err
	}
	version := s.bumpVersionLocked(execKey(devboxID, executionID))
	s.executions[devboxID][executionID] = next
	s.mu.Unlock()
	s.publishExecution(next, version)
	return next.Clone(), nil
}

// GetExecution returns a copy of one execution of a devbox.
func (s *Store) GetExecution(devboxID, executionID string) (*devbox.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.executions[devboxID][executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return ex.Clone(), nil
}

// ListExecutions returns the executions of a devbox by start time.
func (s *Store) ListExecutions(devboxID string) []*devbox.Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*devbox.Execution, 0, len(s.executions[devboxID]))
	for _, ex := range s.executions[devboxID] {
		out = append(out, ex.Clone())
	}
	slices.SortFunc(out, func(a, b *devbox.Execution) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// AppendLogs assigns the next sequence numbers, starting at 0 per devbox, and
// returns the stored entries.
func (s *Store) AppendLogs(devboxID string, entries ...devbox.LogEntry) []devbox.LogEntry {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	s.mu.Lock()
	existing := s.logs[devboxID]
	next := int64(0)
	if n := len(existing); n > 0 {
		next = existing[n-1].Sequence + 1
	}
	stored := make([]devbox.LogEntry, len(entries))
	for i, e := range entries {
		e.Sequence = next + int64(i)
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		stored[i] = e
	}
	s.logs[devboxID] = append(existing, stored...)
	s.mu.Unlock()
	for _, e := range stored {
		s.publishLog(devboxID, e)
	}
	return stored
}

// Logs returns up to limit entries with a sequence above after; limit <= 0
// returns everything.
func (s *Store) Logs(devboxID string, after int64, limit int) []devbox.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.logs[devboxID]
	start, _ := slices.BinarySearchFunc(all, after+1, func(e devbox.LogEntry, seq int64) int {
		return cmp.Compare(e.Sequence, seq)
	})
	page := all[start:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return slices.Clone(page)
}

func (s *Store) publishDevbox(d *devbox.Devbox, version uint64) {
	if s.js == nil {
		return
	}
	if err := s.js.publishDevbox(d, version); err != nil {
		s.logger.Error("jetstream publish devbox", "devbox", d.ID, "err", err)
	}
}

func (s *Store) publishExecution(ex *devbox.Execution, version uint64) {
	if s.js == nil {
		return
	}
	if err := s.js.publishExecution(ex, version); err != nil {
		s.logger.Error("jetstream publish execution", "devbox", ex.DevboxID, "execution", ex.ID, "err", err)
	}
}

func (s *Store) publishLog(devboxID string, e devbox.LogEntry) {
	if s.js == nil {
		return
	}
	if err := s.js.publishLog(devboxID, e); err != nil {
		s.logger.Error("jetstream publish log", "devbox", devboxID, "seq", e.Sequence, "err", err)
	}
}

func (s *Store) applyReplayedDevbox(d *devbox.Devbox, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version < s.versions[d.ID] {
		return
	}
	s.devboxes[d.ID] = d.Clone()
	s.versions[d.ID] = version
}

func (s *Store) applyReplayedExecution(ex *devbox.Execution, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := execKey(ex.DevboxID, ex.ID)
	if version < s.versions[key] {
		return
	}
	if s.executions[ex.DevboxID] == nil {
		s.executions[ex.DevboxID] = make(map[string]*devbox.Execution)
	}
	s.executions[ex.DevboxID][ex.ID] = ex.Clone()
	s.versions[key] = version
}

func (s *Store) applyReplayedLog(devboxID string, e devbox.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Concurrent appenders publish outside the lock, so the stream may hold
	// sequences out of order.
	existing := s.logs[devboxID]
	i, found := slices.BinarySearchFunc(existing, e.Sequence, func(x devbox.LogEntry, seq int64) int {
		return cmp.Compare(x.Sequence, seq)
	})
	if found {
		return
	}
	s.logs[devboxID] = slices.Insert(existing, i, e)
}

func (s *Store) bumpVersionLocked(key string) uint64 {
	s.versions[key]++
	return s.versions[key]
}
