package memory

import (
	"context"
	"sort"

	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

type loopStore Store

var _ store.AgentLoopStore = (*loopStore)(nil)

func cloneLoop(l *models.AgentLoop) *models.AgentLoop {
	c := *l
	if l.SleptAt != nil {
		t := *l.SleptAt
		c.SleptAt = &t
	}
	return &c
}

func (s *loopStore) Upsert(ctx context.Context, loop *models.AgentLoop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loops[loop.AgentID] = cloneLoop(loop)
	return nil
}

func (s *loopStore) Get(ctx context.Context, agentID string) (*models.AgentLoop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loop, ok := s.loops[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneLoop(loop), nil
}

func (s *loopStore) Delete(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[agentID]; !ok {
		return store.ErrNotFound
	}
	delete(s.loops, agentID)
	return nil
}

func (s *loopStore) List(ctx context.Context, filter store.LoopFilter) ([]*models.AgentLoop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AgentLoop
	for _, loop := range s.loops {
		if filter.State != "" && loop.State != filter.State {
			continue
		}
		out = append(out, cloneLoop(loop))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
