package memory

import (
	"context"
	"sort"
	"time"

	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

type homeStore Store

var _ store.HomeStore = (*homeStore)(nil)

func cloneHome(h *models.Home) *models.Home {
	c := *h
	c.Metadata = copyStringMap(h.Metadata)
	if h.LeaseExpiresAt != nil {
		t := *h.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	return &c
}

func (s *homeStore) Insert(ctx context.Context, home *models.Home) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.homes[home.HomeID]; ok {
		return store.ErrAlreadyExists
	}
	s.homes[home.HomeID] = cloneHome(home)
	return nil
}

func (s *homeStore) Get(ctx context.Context, homeID string) (*models.Home, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	home, ok := s.homes[homeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneHome(home), nil
}

func (s *homeStore) Update(ctx context.Context, homeID string, update store.HomeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	home, ok := s.homes[homeID]
	if !ok {
		return store.ErrNotFound
	}
	if update.State != nil {
		home.State = *update.State
	}
	if update.ClearLease {
		home.LeaseExpiresAt = nil
	} else if update.LeaseExpiresAt != nil {
		t := *update.LeaseExpiresAt
		home.LeaseExpiresAt = &t
	}
	if update.Metadata != nil {
		home.Metadata = copyStringMap(update.Metadata)
	}
	home.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *homeStore) Delete(ctx context.Context, homeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.homes[homeID]; !ok {
		return store.ErrNotFound
	}
	delete(s.homes, homeID)
	return nil
}

func (s *homeStore) List(ctx context.Context, filter store.HomeFilter) ([]*models.Home, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Home, 0, len(s.homes))
	for _, home := range s.homes {
		if filter.AgentID != "" && home.AgentID != filter.AgentID {
			continue
		}
		if filter.NodeID != "" && home.NodeID != filter.NodeID {
			continue
		}
		if filter.State != "" && home.State != filter.State {
			continue
		}
		out = append(out, cloneHome(home))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].HomeID < out[j].HomeID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
