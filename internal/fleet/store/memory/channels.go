package memory

import (
	"context"
	"sort"
	"time"

	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

type channelStore Store

var _ store.ChannelStore = (*channelStore)(nil)

func cloneChannel(c *models.Channel) *models.Channel {
	out := *c
	out.Members = copyStrings(c.Members)
	out.ArchiveReadyMembers = copyStrings(c.ArchiveReadyMembers)
	if c.ArchivingStartedAt != nil {
		t := *c.ArchivingStartedAt
		out.ArchivingStartedAt = &t
	}
	return &out
}

func (s *channelStore) Insert(ctx context.Context, ch *models.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ch.ChannelID]; ok {
		return store.ErrAlreadyExists
	}
	s.channels[ch.ChannelID] = cloneChannel(ch)
	return nil
}

func (s *channelStore) Get(ctx context.Context, channelID string) (*models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneChannel(ch), nil
}

func (s *channelStore) Update(ctx context.Context, channelID string, update store.ChannelUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return store.ErrNotFound
	}
	if update.Topic != nil {
		ch.Topic = *update.Topic
	}
	if update.Members != nil {
		ch.Members = copyStrings(update.Members)
	}
	if update.Archived != nil {
		ch.Archived = *update.Archived
	}
	if update.ArchiveReadyMembers != nil {
		ch.ArchiveReadyMembers = copyStrings(update.ArchiveReadyMembers)
	}
	if update.ClearArchiving {
		ch.ArchivingStartedAt = nil
	} else if update.ArchivingStartedAt != nil {
		t := *update.ArchivingStartedAt
		ch.ArchivingStartedAt = &t
	}
	ch.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *channelStore) Delete(ctx context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channelID]; !ok {
		return store.ErrNotFound
	}
	delete(s.channels, channelID)
	delete(s.messages, channelID)
	return nil
}

func (s *channelStore) List(ctx context.Context, filter store.ChannelFilter) ([]*models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Channel
	for _, ch := range s.channels {
		if filter.Member != "" && !ch.HasMember(filter.Member) {
			continue
		}
		if filter.Archived != nil && ch.Archived != *filter.Archived {
			continue
		}
		out = append(out, cloneChannel(ch))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type messageStore Store

var _ store.MessageStore = (*messageStore)(nil)

// Append assigns the next per-channel seq under the store mutex, which
// serializes concurrent appends to the same channel.
func (s *messageStore) Append(ctx context.Context, msg *models.ChannelMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.messages[msg.ChannelID]
	var seq int64 = 1
	if len(log) > 0 {
		seq = log[len(log)-1].Seq + 1
	}
	c := *msg
	c.Seq = seq
	msg.Seq = seq
	s.messages[msg.ChannelID] = append(log, &c)
	return seq, nil
}

func (s *messageStore) List(ctx context.Context, filter store.MessageFilter) ([]*models.ChannelMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ChannelMessage
	for _, m := range s.messages[filter.ChannelID] {
		if m.Seq <= filter.SinceSeq {
			continue
		}
		c := *m
		out = append(out, &c)
	}
	// Limit keeps the newest entries; ordering stays seq-ascending.
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *messageStore) Count(ctx context.Context, filter store.MessageFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, m := range s.messages[filter.ChannelID] {
		if m.Seq > filter.SinceSeq {
			n++
		}
	}
	return n, nil
}

func (s *messageStore) MaxSeq(ctx context.Context, channelID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.messages[channelID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Seq, nil
}
