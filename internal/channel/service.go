// Package channel implements named persistent conversation spaces:
// membership, the monotonic per-channel message log, mention routing, the
// two-phase archive protocol, and external bridges.
package channel

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/common/logger"
	"github.com/flocklabs/flock/internal/events/bus"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

// SystemAgentID is the author of system messages (archive notices).
const SystemAgentID = "system"

var channelIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*$`)

var (
	// ErrInvalidChannelID is returned when the id does not match the
	// channel naming pattern.
	ErrInvalidChannelID = errors.New("invalid channel id")
	// ErrChannelArchived is returned for writes against an archived channel.
	ErrChannelArchived = errors.New("channel is archived")
	// ErrNotMember is returned when the caller is not a channel member.
	ErrNotMember = errors.New("caller is not a channel member")
	// ErrArchiveNotPending is returned for archiveReady outside a pending
	// archive.
	ErrArchiveNotPending = errors.New("channel archive is not pending")
)

// LoopControl is the scheduler surface the channel subsystem drives:
// waking agents, requesting immediate ticks, and advancing the poster's
// delivery cursor.
type LoopControl interface {
	Wake(ctx context.Context, agentID, reason string) error
	RequestImmediateTick(agentID string)
	MarkSeen(agentID, channelID string, seq int64)
}

// Service implements the channel subsystem over the storage layer.
type Service struct {
	channels store.ChannelStore
	messages store.MessageStore
	bridges  store.BridgeStore
	audit    *audit.Service
	bus      bus.EventBus
	logger   *logger.Logger
	loop     LoopControl
	notifier Notifier
}

// NewService creates a channel service. Bus, loop control and notifier may
// be nil.
func NewService(s store.Store, auditSvc *audit.Service, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		channels: s.Channels(),
		messages: s.ChannelMessages(),
		bridges:  s.Bridges(),
		audit:    auditSvc,
		bus:      eventBus,
		logger:   log,
	}
}

// SetLoopControl installs the scheduler hook. Called during wiring.
func (s *Service) SetLoopControl(loop LoopControl) { s.loop = loop }

// SetNotifier installs the bridge notifier. Called during wiring.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// Create validates the id and inserts the channel. The creator is always a
// member; members are de-duplicated preserving first occurrence.
func (s *Service) Create(ctx context.Context, callerAgentID, channelID, topic string, members []string) (*models.Channel, error) {
	if !channelIDPattern.MatchString(channelID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannelID, channelID)
	}
	now := time.Now().UTC()
	ch := &models.Channel{
		ChannelID: channelID,
		Topic:     topic,
		CreatedBy: callerAgentID,
		Members:   dedupe(append([]string{callerAgentID}, members...)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.channels.Insert(ctx, ch); err != nil {
		return nil, fmt.Errorf("failed to create channel %s: %w", channelID, err)
	}
	s.audit.Append(ctx, audit.Entry{
		AgentID: callerAgentID,
		Action:  "channel.created",
		Level:   models.AuditGreen,
		Detail:  fmt.Sprintf("channel %s with %d members", channelID, len(ch.Members)),
	})
	return ch, nil
}

// Get returns the channel by id.
func (s *Service) Get(ctx context.Context, channelID string) (*models.Channel, error) {
	return s.channels.Get(ctx, channelID)
}

// List returns channels matching the filter.
func (s *Service) List(ctx context.Context, filter store.ChannelFilter) ([]*models.Channel, error) {
	return s.channels.List(ctx, filter)
}

// SetMembers replaces the member set, de-duplicated.
func (s *Service) SetMembers(ctx context.Context, channelID string, members []string) (*models.Channel, error) {
	ch, err := s.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.Archived {
		return nil, fmt.Errorf("%w: %s", ErrChannelArchived, channelID)
	}
	if err := s.channels.Update(ctx, channelID, store.ChannelUpdate{Members: dedupe(members)}); err != nil {
		return nil, err
	}
	return s.channels.Get(ctx, channelID)
}

// AddMembers appends new members, skipping duplicates.
func (s *Service) AddMembers(ctx context.Context, channelID string, add []string) (*models.Channel, error) {
	ch, err := s.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return s.SetMembers(ctx, channelID, append(ch.Members, add...))
}

// RemoveMembers removes the given members.
func (s *Service) RemoveMembers(ctx context.Context, channelID string, remove []string) (*models.Channel, error) {
	ch, err := s.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	drop := make(map[string]bool, len(remove))
	for _, m := range remove {
		drop[m] = true
	}
	var kept []string
	for _, m := range ch.Members {
		if !drop[m] {
			kept = append(kept, m)
		}
	}
	return s.SetMembers(ctx, channelID, kept)
}

// Post appends a message to the channel. The poster is auto-woken (an agent
// cannot be asleep while speaking) and their delivery cursor advances past
// their own message. With notify=true, mentioned members other than the
// poster are woken and get an immediate tick.
func (s *Service) Post(ctx context.Context, channelID, agentID, content string, notify bool) (*models.ChannelMessage, error) {
	ch, err := s.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.Archived {
		return nil, fmt.Errorf("%w: %s", ErrChannelArchived, channelID)
	}

	msg := &models.ChannelMessage{
		ChannelID: channelID,
		AgentID:   agentID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	seq, err := s.messages.Append(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	if s.loop != nil && agentID != SystemAgentID {
		if err := s.loop.Wake(ctx, agentID, "channel-post"); err != nil {
			s.logger.WithError(err).WithAgentID(agentID).Warn("failed to wake poster")
		}
		s.loop.MarkSeen(agentID, channelID, seq)
	}

	if s.bus != nil {
		if err := s.bus.Publish(ctx, bus.SubjectChannelMessage, bus.ChannelMessageEvent{
			ChannelID: channelID,
			Seq:       seq,
			AgentID:   agentID,
			Content:   content,
		}); err != nil {
			s.logger.WithError(err).WithChannelID(channelID).Warn("failed to publish channel message")
		}
	}

	if notify {
		s.notifyMentions(ctx, ch, agentID, content)
	}
	return msg, nil
}

// notifyMentions wakes mentioned members and requests immediate ticks.
// Non-mentioned members wait for their next periodic tick.
func (s *Service) notifyMentions(ctx context.Context, ch *models.Channel, posterID, content string) {
	if s.loop == nil {
		return
	}
	for _, member := range Mentions(content, ch.Members) {
		if member == posterID {
			continue
		}
		if err := s.loop.Wake(ctx, member, "agent-mention-wake"); err != nil {
			s.logger.WithError(err).WithAgentID(member).Warn("failed to wake mentioned agent")
		}
		s.loop.RequestImmediateTick(member)
		s.logger.WithChannelID(ch.ChannelID).Debug("mention tick requested",
			zap.String("member", member))
	}
}

// Mentions returns the channel members mentioned as @<memberId> in content.
// Matching is by exact member id, which avoids waking "bob" for "@bobby".
func Mentions(content string, members []string) []string {
	var mentioned []string
	for _, member := range members {
		if mentionsMember(content, member) {
			mentioned = append(mentioned, member)
		}
	}
	return mentioned
}

func mentionsMember(content, member string) bool {
	needle := "@" + member
	for start := 0; ; {
		idx := strings.Index(content[start:], needle)
		if idx < 0 {
			return false
		}
		end := start + idx + len(needle)
		if end == len(content) || !isMentionChar(content[end]) {
			return true
		}
		start = end
	}
}

func isMentionChar(c byte) bool {
	return c == '-' || c == ':' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Read returns messages with seq > sinceSeq, oldest first.
func (s *Service) Read(ctx context.Context, channelID string, sinceSeq int64, limit int) ([]*models.ChannelMessage, error) {
	if _, err := s.channels.Get(ctx, channelID); err != nil {
		return nil, err
	}
	return s.messages.List(ctx, store.MessageFilter{
		ChannelID: channelID,
		SinceSeq:  sinceSeq,
		Limit:     limit,
	})
}

func dedupe(members []string) []string {
	seen := make(map[string]bool, len(members))
	var out []string
	for _, m := range members {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
