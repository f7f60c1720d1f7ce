package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flocklabs/flock/internal/a2a"
	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

const (
	// maxTickMessages caps the per-channel delta in one tick payload.
	maxTickMessages = 20
	// maxSnippetChars truncates individual message snippets.
	maxSnippetChars = 400
)

// channelDelta is one channel's undelivered slice of the message log.
type channelDelta struct {
	channelID string
	messages  []*models.ChannelMessage
	truncated bool
	maxSeq    int64
}

// RequestImmediateTick schedules an out-of-band tick for the agent,
// bypassing the periodic schedule gate. A short jittered delay absorbs
// notification bursts; if newer messages land during the delay the dispatch
// is dropped as stale, since the fresher request carries the combined
// context. Dispatches whose target seq is already scheduled are suppressed.
func (s *Scheduler) RequestImmediateTick(agentID string) {
	ctx := context.Background()
	snapshot, fresh, err := s.scheduleTargets(ctx, agentID)
	if err != nil {
		s.logger.WithError(err).WithAgentID(agentID).Warn("failed to compute tick targets")
		return
	}
	if !fresh {
		immediateTicks.WithLabelValues("suppressed").Inc()
		return
	}

	go func() {
		time.Sleep(s.immediateDelay())
		if s.staleSince(ctx, agentID, snapshot) {
			immediateTicks.WithLabelValues("stale").Inc()
			s.logger.WithAgentID(agentID).Debug("immediate tick superseded by newer messages")
			return
		}
		s.dispatchTick(ctx, agentID, "immediate")
	}()
}

// scheduleTargets records the current per-channel max seq as scheduled and
// reports whether anything beyond the already-scheduled horizon exists.
func (s *Scheduler) scheduleTargets(ctx context.Context, agentID string) (map[string]int64, bool, error) {
	channels, err := s.channels.List(ctx, store.ChannelFilter{Member: agentID})
	if err != nil {
		return nil, false, err
	}
	snapshot := make(map[string]int64, len(channels))
	fresh := false
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		maxSeq, err := s.messages.MaxSeq(ctx, ch.ChannelID)
		if err != nil {
			return nil, false, err
		}
		snapshot[ch.ChannelID] = maxSeq
		c := s.ensureCursorLocked(agentID, ch.ChannelID)
		if maxSeq > c.scheduled {
			c.scheduled = maxSeq
			fresh = true
		}
	}
	return snapshot, fresh, nil
}

// staleSince reports whether any channel grew past the snapshot taken when
// the immediate tick was requested.
func (s *Scheduler) staleSince(ctx context.Context, agentID string, snapshot map[string]int64) bool {
	for channelID, seq := range snapshot {
		maxSeq, err := s.messages.MaxSeq(ctx, channelID)
		if err != nil {
			continue
		}
		if maxSeq > seq {
			return true
		}
	}
	return false
}

// dispatchTick builds and sends one tick to the agent. A per-agent
// in-flight bit keeps periodic and immediate dispatches from overlapping.
// On success the sent cursors advance to the delivered seq; on failure they
// stay put so the next tick re-attempts delivery.
func (s *Scheduler) dispatchTick(ctx context.Context, agentID, kind string) {
	s.mu.Lock()
	if s.inFlight[agentID] {
		s.mu.Unlock()
		s.logger.WithAgentID(agentID).Debug("tick already in flight; skipping")
		return
	}
	s.inFlight[agentID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, agentID)
		s.mu.Unlock()
	}()

	deltas, err := s.collectDeltas(ctx, agentID)
	if err != nil {
		s.logger.WithError(err).WithAgentID(agentID).Warn("failed to collect tick deltas")
		// Nothing was delivered; undo any scheduled horizon bump so a later
		// immediate tick for the same range is not suppressed.
		s.rollbackScheduled(agentID)
		return
	}
	payload := s.buildPayload(ctx, agentID, deltas)

	_, err = s.client.Send(ctx, agentID, a2a.Request{
		FromAgentID: systemCaller,
		Message:     a2a.Message{Text: payload},
	})
	if err != nil {
		ticksTotal.WithLabelValues(kind, "error").Inc()
		s.audit.Append(ctx, audit.Entry{
			AgentID: agentID,
			Action:  "scheduler.tick-failed",
			Level:   models.AuditYellow,
			Detail:  fmt.Sprintf("%s tick dispatch failed: %v", kind, err),
		})
		// Roll the scheduled horizon back so a later immediate tick for
		// the same range is not suppressed.
		s.rollbackScheduled(agentID)
		return
	}

	ticksTotal.WithLabelValues(kind, "ok").Inc()
	s.mu.Lock()
	for _, d := range deltas {
		c := s.ensureCursorLocked(agentID, d.channelID)
		if d.maxSeq > c.sent {
			c.sent = d.maxSeq
		}
		if d.maxSeq > c.scheduled {
			c.scheduled = d.maxSeq
		}
	}
	s.mu.Unlock()
	s.logger.WithAgentID(agentID).Debug("tick delivered", zap.String("kind", kind),
		zap.Int("channels", len(deltas)))
}

// rollbackScheduled resets the agent's scheduled cursors to the sent
// position across all channels. Called when a dispatch attempt delivers
// nothing.
func (s *Scheduler) rollbackScheduled(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.cursors {
		if key.agentID == agentID && c.scheduled > c.sent {
			c.scheduled = c.sent
		}
	}
}

// collectDeltas gathers undelivered messages per channel the agent belongs
// to, capped at the most recent 20 per channel.
func (s *Scheduler) collectDeltas(ctx context.Context, agentID string) ([]channelDelta, error) {
	channels, err := s.channels.List(ctx, store.ChannelFilter{Member: agentID})
	if err != nil {
		return nil, err
	}
	var deltas []channelDelta
	for _, ch := range channels {
		sent := s.cursorFor(agentID, ch.ChannelID).sent
		maxSeq, err := s.messages.MaxSeq(ctx, ch.ChannelID)
		if err != nil {
			return nil, err
		}
		if maxSeq <= sent {
			continue
		}
		msgs, err := s.messages.List(ctx, store.MessageFilter{
			ChannelID: ch.ChannelID,
			SinceSeq:  sent,
			Limit:     maxTickMessages,
		})
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			continue
		}
		deltas = append(deltas, channelDelta{
			channelID: ch.ChannelID,
			messages:  msgs,
			truncated: maxSeq-sent > int64(len(msgs)),
			maxSeq:    msgs[len(msgs)-1].Seq,
		})
	}
	return deltas, nil
}

// buildPayload renders the tick text: a state header, one block per channel
// with new activity, and a trailer telling the agent how to respond.
func (s *Scheduler) buildPayload(ctx context.Context, agentID string, deltas []channelDelta) string {
	var b strings.Builder
	b.WriteString("[tick] agent " + agentID)
	if loop, err := s.loops.Get(ctx, agentID); err == nil {
		awake := time.Since(loop.AwakenedAt).Round(time.Second)
		fmt.Fprintf(&b, " state=%s awake=%s", loop.State, awake)
	}
	b.WriteString("\n")

	if len(deltas) == 0 {
		b.WriteString("\nNo new channel activity.\n")
	}
	for _, d := range deltas {
		first := d.messages[0].Seq
		fmt.Fprintf(&b, "\n#%s (seq %d..%d", d.channelID, first, d.maxSeq)
		if d.truncated {
			b.WriteString(", older messages omitted")
		}
		b.WriteString("):\n")
		for _, msg := range d.messages {
			fmt.Fprintf(&b, "  [%d] %s: %s\n", msg.Seq, msg.AgentID, snippet(msg.Content))
		}
	}

	b.WriteString("\nRespond by posting to the relevant channel. If you have no pending work, sleep.\n")
	return b.String()
}

// snippet truncates a message to the per-snippet character cap.
func snippet(content string) string {
	runes := []rune(content)
	if len(runes) <= maxSnippetChars {
		return content
	}
	return string(runes[:maxSnippetChars])
}
