package devboxsvc

import (
	"context"
	"time"

	"github.com/antonkrylov/devbox/internal/devbox"
	"github.com/antonkrylov/devbox/internal/worker"
)

// resetRuntime replaces the runtime of a devbox, stopping anything the old
// one was running.
func (s *Service) resetRuntime(id string, idle *devbox.IdlePolicy) *boxRuntime {
	ctx, cancel := context.WithCancel(s.baseCtx)
	rt := &boxRuntime{ctx: ctx, cancel: cancel, idle: idle, execs: make(map[string]*worker.Process)}
	s.mu.Lock()
	old := s.runtimes[id]
	if old != nil {
		old.stopped = true
	}
	s.runtimes[id] = rt
	s.mu.Unlock()
	if old != nil {
		stopRuntime(old)
	}
	return rt
}

// releaseRuntime stops the processes of a devbox that is leaving running.
// The returned wait blocks until every tracked process has exited and
// written its last log entry.
func (s *Service) releaseRuntime(id string) (wait func()) {
	s.mu.Lock()
	rt := s.runtimes[id]
	delete(s.runtimes, id)
	if rt != nil {
		rt.stopped = true
	}
	s.mu.Unlock()
	if rt == nil {
		return func() {}
	}
	stopRuntime(rt)
	return rt.procs.Wait
}

// track registers work that must finish before the runtime counts as
// stopped. It fails once the runtime was released.
func (s *Service) track(rt *boxRuntime) (done func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt.stopped {
		return nil, false
	}
	rt.procs.Add(1)
	return rt.procs.Done, true
}

func (s *Service) setProcess(rt *boxRuntime, executionID string, p *worker.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		delete(rt.execs, executionID)
		return
	}
	rt.execs[executionID] = p
}

// process returns the live process of an execution, if any.
func (s *Service) process(devboxID, executionID string) *worker.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.runtimes[devboxID]
	if rt == nil {
		return nil
	}
	return rt.execs[executionID]
}

func stopRuntime(rt *boxRuntime) {
	rt.cancel()
	if rt.timer != nil {
		rt.timer.Stop()
	}
}

func (s *Service) runtime(id string) (*boxRuntime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[id]
	return rt, ok
}

// hold marks the devbox busy so the idle policy does not fire, until the
// returned release is called.
func (s *Service) hold(id string) (release func()) {
	s.mu.Lock()
	rt := s.runtimes[id]
	if rt != nil {
		rt.busy++
		if rt.timer != nil {
			rt.timer.Stop()
		}
	}
	s.mu.Unlock()
	return func() {
		if rt == nil {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		rt.busy--
		if rt.busy == 0 {
			s.armIdleLocked(id, rt)
		}
	}
}

// touch restarts the idle countdown.
func (s *Service) touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt := s.runtimes[id]; rt != nil && rt.busy == 0 {
		s.armIdleLocked(id, rt)
	}
}

func (s *Service) armIdleLocked(id string, rt *boxRuntime) {
	if rt.idle == nil || rt.ctx.Err() != nil {
		return
	}
	d := time.Duration(rt.idle.IdleSeconds) * time.Second
	if rt.timer == nil {
		rt.timer = time.AfterFunc(d, func() { s.onIdle(id, rt) })
		return
	}
	rt.timer.Reset(d)
}

func (s *Service) onIdle(id string, rt *boxRuntime) {
	s.mu.Lock()
	stale := s.runtimes[id] != rt || rt.busy > 0 || rt.ctx.Err() != nil
	s.mu.Unlock()
	if stale {
		return
	}
	d, err := s.store.GetDevbox(id)
	if err != nil || d.Status != devbox.StatusRunning {
		return
	}
	s.systemLog(id, "idle for %ds, applying %s", rt.idle.IdleSeconds, rt.idle.OnIdle)
	s.logger.Info("devbox idle", "devbox", id, "action", rt.idle.OnIdle)
	switch rt.idle.OnIdle {
	case devbox.IdleSuspend:
		_, err = s.suspend(id)
	default:
		_, err = s.shutdown(id)
	}
	if err != nil {
		s.logger.Warn("idle action failed", "devbox", id, "err", err)
	}
}
