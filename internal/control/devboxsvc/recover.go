package devboxsvc

import (
	"github.com/antonkrylov/devbox/internal/devbox"
)

// Recover reconciles devboxes loaded from the event mirror after a restart.
// Nothing was running for them in this process, so in-flight executions are
// marked failed and every devbox is driven to the state it was heading for.
func (s *Service) Recover() {
	for _, d := range s.store.ListDevboxes("") {
		if d.Status.Terminal() {
			continue
		}
		s.failInterrupted(d.ID)
		if err := s.workspace(d.ID).Ensure(); err != nil {
			s.logger.Warn("workspace unavailable", "devbox", d.ID, "err", err)
		}
		switch d.Status {
		case devbox.StatusProvisioning, devbox.StatusInitializing:
			s.systemLog(d.ID, "control plane restarted, booting again")
			if _, err := s.transition(d.ID, []devbox.Status{d.Status}, devbox.StatusProvisioning, nil); err != nil {
				continue
			}
			rt := s.resetRuntime(d.ID, d.Idle)
			s.dispatchGroup.Add(1)
			go s.boot(rt, d.ID)
		case devbox.StatusRunning, devbox.StatusResuming:
			s.systemLog(d.ID, "control plane restarted, restarting entrypoint")
			running, err := s.transition(d.ID, []devbox.Status{d.Status}, devbox.StatusRunning, nil)
			if err != nil {
				continue
			}
			rt := s.resetRuntime(d.ID, d.Idle)
			s.startEntrypoint(rt, running)
			s.touch(d.ID)
		case devbox.StatusSuspending:
			if _, err := s.transition(d.ID, []devbox.Status{devbox.StatusSuspending}, devbox.StatusSuspended, nil); err == nil {
				s.systemLog(d.ID, "devbox suspended")
			}
		}
		s.logger.Info("devbox recovered", "devbox", d.ID, "was", d.Status)
	}
}

func (s *Service) failInterrupted(devboxID string) {
	for _, ex := range s.store.ListExecutions(devboxID) {
		if ex.Status.Terminal() {
			continue
		}
		now := s.now()
		_, _ = s.store.UpdateExecution(devboxID, ex.ID, func(ex *devbox.Execution) error {
			if ex.Status.Terminal() {
				return nil
			}
			ex.Status = devbox.ExecFailed
			ex.CompletedAt = &now
			ex.Stderr = "interrupted by control plane restart"
			return nil
		})
	}
}
