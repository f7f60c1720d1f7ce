package channel

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

// ArchiveStatus reports the state of a channel's archive protocol.
type ArchiveStatus struct {
	ChannelID  string   `json:"channelId"`
	Archived   bool     `json:"archived"`
	Pending    bool     `json:"pending"`
	ReadyCount int      `json:"readyCount"`
	TotalCount int      `json:"totalCount"`
	Waiting    []string `json:"waiting,omitempty"`
}

// Archive starts or forces the two-phase archive protocol.
//
// With force=true the channel is finalized immediately. Otherwise the first
// call marks the archive pending and posts a system message asking members
// to signal readiness; subsequent calls report the pending status.
// Archiving an already-archived channel is a no-op returning success.
func (s *Service) Archive(ctx context.Context, channelID string, force bool) (*ArchiveStatus, error) {
	ch, err := s.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.Archived {
		return statusOf(ch), nil
	}
	if force {
		if err := s.finalizeArchive(ctx, ch, "forced"); err != nil {
			return nil, err
		}
		return s.status(ctx, channelID)
	}

	if ch.ArchivingStartedAt == nil {
		now := time.Now().UTC()
		if err := s.channels.Update(ctx, channelID, store.ChannelUpdate{
			ArchivingStartedAt:  &now,
			ArchiveReadyMembers: []string{},
		}); err != nil {
			return nil, fmt.Errorf("failed to start archive: %w", err)
		}
		if _, err := s.Post(ctx, channelID, SystemAgentID,
			"This channel is being archived. Members: signal readiness with channel.archiveReady.", false); err != nil {
			s.logger.WithError(err).WithChannelID(channelID).Warn("failed to post archive notice")
		}
		s.audit.Append(ctx, audit.Entry{
			Action: "channel.archive-started",
			Level:  models.AuditGreen,
			Detail: fmt.Sprintf("channel %s archive pending", channelID),
		})
	}
	return s.status(ctx, channelID)
}

// ArchiveReady records the caller's readiness. The caller must be a member
// and the archive must be pending. Idempotent for already-ready members.
// When every agent member is ready the archive finalizes.
func (s *Service) ArchiveReady(ctx context.Context, channelID, callerAgentID string) (*ArchiveStatus, error) {
	ch, err := s.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !ch.HasMember(callerAgentID) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotMember, callerAgentID, channelID)
	}
	if !ch.ArchivePending() {
		return nil, fmt.Errorf("%w: %s", ErrArchiveNotPending, channelID)
	}

	ready := ch.ArchiveReadyMembers
	alreadyReady := false
	for _, m := range ready {
		if m == callerAgentID {
			alreadyReady = true
			break
		}
	}
	if !alreadyReady {
		ready = append(ready, callerAgentID)
		if err := s.channels.Update(ctx, channelID, store.ChannelUpdate{
			ArchiveReadyMembers: ready,
		}); err != nil {
			return nil, fmt.Errorf("failed to record readiness: %w", err)
		}
		ch.ArchiveReadyMembers = ready
	}

	if allReady(ch) {
		if err := s.finalizeArchive(ctx, ch, "all members ready"); err != nil {
			return nil, err
		}
	}
	return s.status(ctx, channelID)
}

// allReady reports whether every agent member signalled readiness. Human
// participants and the synthetic main/unknown ids do not count.
func allReady(ch *models.Channel) bool {
	ready := make(map[string]bool, len(ch.ArchiveReadyMembers))
	for _, m := range ch.ArchiveReadyMembers {
		ready[m] = true
	}
	for _, m := range ch.AgentMembers() {
		if !ready[m] {
			return false
		}
	}
	return true
}

// finalizeArchive flips the channel read-only, appends the closing system
// message, notifies and deactivates active bridges, and audits.
func (s *Service) finalizeArchive(ctx context.Context, ch *models.Channel, reason string) error {
	// The closing message must land before the channel goes read-only.
	if _, err := s.Post(ctx, ch.ChannelID, SystemAgentID,
		fmt.Sprintf("Channel archived (%s).", reason), false); err != nil {
		s.logger.WithError(err).WithChannelID(ch.ChannelID).Warn("failed to post archive message")
	}

	archived := true
	if err := s.channels.Update(ctx, ch.ChannelID, store.ChannelUpdate{
		Archived:       &archived,
		ClearArchiving: true,
	}); err != nil {
		return fmt.Errorf("failed to archive channel: %w", err)
	}

	s.deactivateBridges(ctx, ch.ChannelID)

	s.audit.Append(ctx, audit.Entry{
		Action: "channel.archived",
		Level:  models.AuditGreen,
		Detail: fmt.Sprintf("channel %s archived: %s", ch.ChannelID, reason),
	})
	return nil
}

// deactivateBridges notifies each active bridge best-effort, then
// deactivates it. Notification failures are logged and do not block
// deactivation.
func (s *Service) deactivateBridges(ctx context.Context, channelID string) {
	active := true
	bridges, err := s.bridges.List(ctx, store.BridgeFilter{ChannelID: channelID, Active: &active})
	if err != nil {
		s.logger.WithError(err).WithChannelID(channelID).Warn("failed to list bridges for archive")
		return
	}
	if len(bridges) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, bridge := range bridges {
		g.Go(func() error {
			if s.notifier != nil {
				if err := s.notifier.NotifyArchived(gctx, bridge); err != nil {
					s.logger.WithError(err).WithChannelID(channelID).Warn("bridge archive notification failed")
				}
			}
			inactive := false
			if err := s.bridges.Update(gctx, bridge.BridgeID, store.BridgeUpdate{Active: &inactive}); err != nil {
				s.logger.WithError(err).WithChannelID(channelID).Warn("failed to deactivate bridge")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) status(ctx context.Context, channelID string) (*ArchiveStatus, error) {
	ch, err := s.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return statusOf(ch), nil
}

func statusOf(ch *models.Channel) *ArchiveStatus {
	status := &ArchiveStatus{
		ChannelID: ch.ChannelID,
		Archived:  ch.Archived,
		Pending:   ch.ArchivePending(),
	}
	agents := ch.AgentMembers()
	status.TotalCount = len(agents)
	ready := make(map[string]bool, len(ch.ArchiveReadyMembers))
	for _, m := range ch.ArchiveReadyMembers {
		ready[m] = true
	}
	for _, m := range agents {
		if ready[m] {
			status.ReadyCount++
		} else if status.Pending {
			status.Waiting = append(status.Waiting, m)
		}
	}
	return status
}
