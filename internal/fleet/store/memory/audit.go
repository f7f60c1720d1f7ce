package memory

import (
	"context"

	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

type transitionStore Store

var _ store.TransitionStore = (*transitionStore)(nil)

func (s *transitionStore) Append(ctx context.Context, t *models.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTransitionID++
	c := *t
	c.ID = s.nextTransitionID
	t.ID = c.ID
	s.transitions = append(s.transitions, &c)
	return nil
}

func (s *transitionStore) matches(t *models.Transition, filter store.TransitionFilter) bool {
	if filter.HomeID != "" && t.HomeID != filter.HomeID {
		return false
	}
	if filter.Since != nil && t.Timestamp.Before(*filter.Since) {
		return false
	}
	return true
}

func (s *transitionStore) List(ctx context.Context, filter store.TransitionFilter) ([]*models.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Transition
	for _, t := range s.transitions {
		if s.matches(t, filter) {
			c := *t
			out = append(out, &c)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *transitionStore) Count(ctx context.Context, filter store.TransitionFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, t := range s.transitions {
		if s.matches(t, filter) {
			n++
		}
	}
	return n, nil
}

type auditStore Store

var _ store.AuditStore = (*auditStore)(nil)

func (s *auditStore) Append(ctx context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *entry
	s.audit = append(s.audit, &c)
	return nil
}

func (s *auditStore) matches(e *models.AuditEntry, filter store.AuditFilter) bool {
	if filter.AgentID != "" && e.AgentID != filter.AgentID {
		return false
	}
	if filter.HomeID != "" && e.HomeID != filter.HomeID {
		return false
	}
	if filter.Level != "" && e.Level != filter.Level {
		return false
	}
	if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
		return false
	}
	return true
}

// List returns matching entries newest first. Entries are appended in
// timestamp order, so reversing the append order suffices.
func (s *auditStore) List(ctx context.Context, filter store.AuditFilter) ([]*models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if !s.matches(e, filter) {
			continue
		}
		c := *e
		out = append(out, &c)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *auditStore) Count(ctx context.Context, filter store.AuditFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.audit {
		if s.matches(e, filter) {
			n++
		}
	}
	return n, nil
}
