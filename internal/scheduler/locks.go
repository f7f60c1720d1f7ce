package scheduler

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// cleanStaleLocks removes session lock files whose mtime is older than the
// configured threshold. Best-effort: failures are logged and skipped. Lock
// files live at <workspaceDir>/<agentId>/sessions/<session>.lock.
func (s *Scheduler) cleanStaleLocks(now time.Time) {
	if s.opts.WorkspaceDir == "" {
		return
	}
	locks, err := filepath.Glob(filepath.Join(s.opts.WorkspaceDir, "*", "sessions", "*.lock"))
	if err != nil {
		s.logger.WithError(err).Warn("failed to scan session locks")
		return
	}
	for _, lock := range locks {
		info, err := os.Stat(lock)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= s.opts.StaleLockMaxAge {
			continue
		}
		if err := os.Remove(lock); err != nil {
			s.logger.WithError(err).Warn("failed to remove stale session lock",
				zap.String("lock", lock))
			continue
		}
		staleLocksRemoved.Inc()
		s.logger.Debug("removed stale session lock", zap.String("lock", lock))
	}
}
