package memory

import (
	"context"
	"sort"
	"time"

	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

type migrationStore Store

var _ store.MigrationStore = (*migrationStore)(nil)

func (s *migrationStore) Insert(ctx context.Context, ticket *models.MigrationTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.migrations[ticket.MigrationID]; ok {
		return store.ErrAlreadyExists
	}
	c := *ticket
	s.migrations[ticket.MigrationID] = &c
	return nil
}

func (s *migrationStore) Get(ctx context.Context, migrationID string) (*models.MigrationTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, ok := s.migrations[migrationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *ticket
	return &c, nil
}

func (s *migrationStore) Update(ctx context.Context, migrationID string, update store.MigrationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.migrations[migrationID]
	if !ok {
		return store.ErrNotFound
	}
	if update.Phase != nil {
		ticket.Phase = *update.Phase
	}
	if update.OwnershipHolder != nil {
		ticket.OwnershipHolder = *update.OwnershipHolder
	}
	if update.Checksum != nil {
		ticket.Checksum = *update.Checksum
	}
	if update.VerificationResult != nil {
		ticket.VerificationResult = *update.VerificationResult
	}
	if update.AbortReason != nil {
		ticket.AbortReason = *update.AbortReason
	}
	ticket.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *migrationStore) List(ctx context.Context, filter store.MigrationFilter) ([]*models.MigrationTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.MigrationTicket
	for _, ticket := range s.migrations {
		if filter.AgentID != "" && ticket.AgentID != filter.AgentID {
			continue
		}
		if filter.Phase != "" && ticket.Phase != filter.Phase {
			continue
		}
		if filter.Active != nil && ticket.Phase.IsTerminal() == *filter.Active {
			continue
		}
		c := *ticket
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].MigrationID > out[j].MigrationID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
