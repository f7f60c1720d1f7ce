package memory

import (
	"context"
	"sort"

	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

type bridgeStore Store

var _ store.BridgeStore = (*bridgeStore)(nil)

func (s *bridgeStore) Insert(ctx context.Context, bridge *models.Bridge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bridges[bridge.BridgeID]; ok {
		return store.ErrAlreadyExists
	}
	c := *bridge
	s.bridges[bridge.BridgeID] = &c
	return nil
}

func (s *bridgeStore) Get(ctx context.Context, bridgeID string) (*models.Bridge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bridge, ok := s.bridges[bridgeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *bridge
	return &c, nil
}

func (s *bridgeStore) Update(ctx context.Context, bridgeID string, update store.BridgeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bridge, ok := s.bridges[bridgeID]
	if !ok {
		return store.ErrNotFound
	}
	if update.Active != nil {
		bridge.Active = *update.Active
	}
	return nil
}

func (s *bridgeStore) Delete(ctx context.Context, bridgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bridges[bridgeID]; !ok {
		return store.ErrNotFound
	}
	delete(s.bridges, bridgeID)
	return nil
}

func (s *bridgeStore) List(ctx context.Context, filter store.BridgeFilter) ([]*models.Bridge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Bridge
	for _, bridge := range s.bridges {
		if filter.ChannelID != "" && bridge.ChannelID != filter.ChannelID {
			continue
		}
		if filter.Platform != "" && bridge.Platform != filter.Platform {
			continue
		}
		if filter.ExternalChannelID != "" && bridge.ExternalChannelID != filter.ExternalChannelID {
			continue
		}
		if filter.Active != nil && bridge.Active != *filter.Active {
			continue
		}
		c := *bridge
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].BridgeID < out[j].BridgeID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
