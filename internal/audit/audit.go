// Package audit provides the append-only fleet audit log.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flocklabs/flock/internal/common/logger"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

// MaxQueryLimit caps the number of entries returned by a single query.
const MaxQueryLimit = 100

// Service wraps the audit store. Entries are immutable after append.
type Service struct {
	store  store.AuditStore
	logger *logger.Logger
}

// NewService creates an audit service over the given store.
func NewService(auditStore store.AuditStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{store: auditStore, logger: log}
}

// Entry is the caller-facing shape of one audit event. ID and Timestamp are
// assigned on append when unset.
type Entry struct {
	AgentID    string
	HomeID     string
	Action     string
	Level      models.AuditLevel
	Detail     string
	Result     string
	DurationMs int64
}

// Append records an entry. Storage failures are logged and swallowed: the
// audit log must never fail the operation being audited.
func (s *Service) Append(ctx context.Context, entry Entry) {
	level := entry.Level
	if level == "" {
		level = models.AuditGreen
	}
	record := &models.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		AgentID:    entry.AgentID,
		HomeID:     entry.HomeID,
		Action:     entry.Action,
		Level:      level,
		Detail:     entry.Detail,
		Result:     entry.Result,
		DurationMs: entry.DurationMs,
	}
	if err := s.store.Append(ctx, record); err != nil {
		s.logger.WithError(err).Warn("failed to append audit entry",
			zap.String("action", entry.Action),
			zap.String("agent_id", entry.AgentID))
	}
}

// Query returns matching entries newest first. The limit is capped at
// MaxQueryLimit; zero or negative limits get the cap.
func (s *Service) Query(ctx context.Context, filter store.AuditFilter) ([]*models.AuditEntry, error) {
	if filter.Limit <= 0 || filter.Limit > MaxQueryLimit {
		filter.Limit = MaxQueryLimit
	}
	return s.store.List(ctx, filter)
}

// Count returns the cardinality of the filter without the query cap.
func (s *Service) Count(ctx context.Context, filter store.AuditFilter) (int64, error) {
	filter.Limit = 0
	return s.store.Count(ctx, filter)
}
