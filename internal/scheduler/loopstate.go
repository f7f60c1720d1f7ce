package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

// ErrNotAwake is returned when sleep is requested for an agent that is not
// awake.
var ErrNotAwake = errors.New("agent is not awake")

// Wake transitions a sleeping (or unknown) agent to AWAKE, clearing its
// sleep metadata. Agents already AWAKE are untouched; REACTIVE agents keep
// their mode and are reached via immediate ticks instead.
func (s *Scheduler) Wake(ctx context.Context, agentID, reason string) error {
	loop, err := s.loops.Get(ctx, agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load loop state: %w", err)
	}
	now := time.Now().UTC()
	if loop == nil {
		loop = &models.AgentLoop{AgentID: agentID}
	}
	switch loop.State {
	case models.LoopStateAwake, models.LoopStateReactive:
		return nil
	}

	loop.State = models.LoopStateAwake
	loop.AwakenedAt = now
	loop.SleptAt = nil
	loop.SleepReason = ""
	if err := s.loops.Upsert(ctx, loop); err != nil {
		return fmt.Errorf("failed to wake agent %s: %w", agentID, err)
	}
	s.audit.Append(ctx, audit.Entry{
		AgentID: agentID,
		Action:  reason,
		Level:   models.AuditGreen,
		Detail:  fmt.Sprintf("agent %s woken", agentID),
	})
	return nil
}

// Sleep puts an AWAKE agent to sleep. Sleeping agents are skipped by
// periodic ticks and are not woken by channel messages they are merely a
// member of.
func (s *Scheduler) Sleep(ctx context.Context, agentID, reason string) error {
	loop, err := s.loops.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if loop.State != models.LoopStateAwake {
		return fmt.Errorf("%w: %s is %s", ErrNotAwake, agentID, loop.State)
	}
	now := time.Now().UTC()
	loop.State = models.LoopStateSleep
	loop.SleptAt = &now
	loop.SleepReason = reason
	if err := s.loops.Upsert(ctx, loop); err != nil {
		return fmt.Errorf("failed to sleep agent %s: %w", agentID, err)
	}
	s.audit.Append(ctx, audit.Entry{
		AgentID: agentID,
		Action:  "agent.sleep",
		Level:   models.AuditGreen,
		Detail:  fmt.Sprintf("agent %s sleeping: %s", agentID, reason),
	})
	return nil
}

// SetReactive switches the agent to REACTIVE: excluded from periodic ticks
// but reachable via direct triggers.
func (s *Scheduler) SetReactive(ctx context.Context, agentID string) error {
	loop, err := s.loops.Get(ctx, agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if loop == nil {
		loop = &models.AgentLoop{AgentID: agentID, AwakenedAt: time.Now().UTC()}
	}
	loop.State = models.LoopStateReactive
	loop.SleptAt = nil
	loop.SleepReason = ""
	if err := s.loops.Upsert(ctx, loop); err != nil {
		return fmt.Errorf("failed to set agent %s reactive: %w", agentID, err)
	}
	return nil
}

// LoopState returns the agent's work-loop record.
func (s *Scheduler) LoopState(ctx context.Context, agentID string) (*models.AgentLoop, error) {
	return s.loops.Get(ctx, agentID)
}
