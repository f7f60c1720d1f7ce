// Package home owns the per-agent home lifecycle: the state machine, the
// transition log, and lease management.
package home

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/common/logger"
	"github.com/flocklabs/flock/internal/events/bus"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

// Lease bounds. Out-of-range requested durations clamp silently.
const (
	MinLease     = 60 * time.Second
	MaxLease     = 24 * time.Hour
	DefaultLease = time.Hour
)

var (
	// ErrInvalidTransition is returned for illegal home FSM edges.
	ErrInvalidTransition = errors.New("invalid home state transition")
	// ErrPermissionDenied is returned when the caller does not own the home.
	ErrPermissionDenied = errors.New("permission denied: caller does not own home")
	// ErrInvalidState is returned when a lease operation finds the home in a
	// state that does not support it.
	ErrInvalidState = errors.New("home is not in a lease-holding state")
)

// LeaseBounds overrides the default lease clamp range.
type LeaseBounds struct {
	Min     time.Duration
	Max     time.Duration
	Default time.Duration
}

// Manager validates and persists the home state machine.
type Manager struct {
	homes       store.HomeStore
	transitions store.TransitionStore
	audit       *audit.Service
	bus         bus.EventBus
	logger      *logger.Logger
	lease       LeaseBounds
}

// NewManager creates a home manager. The bus may be nil; lease bounds of
// zero fall back to the defaults.
func NewManager(s store.Store, auditSvc *audit.Service, eventBus bus.EventBus, log *logger.Logger, lease LeaseBounds) *Manager {
	if log == nil {
		log = logger.Default()
	}
	if lease.Min <= 0 {
		lease.Min = MinLease
	}
	if lease.Max <= 0 {
		lease.Max = MaxLease
	}
	if lease.Default <= 0 {
		lease.Default = DefaultLease
	}
	return &Manager{
		homes:       s.Homes(),
		transitions: s.Transitions(),
		audit:       auditSvc,
		bus:         eventBus,
		logger:      log,
		lease:       lease,
	}
}

// Create inserts a home in UNASSIGNED and records the creation transition.
func (m *Manager) Create(ctx context.Context, agentID, nodeID string) (*models.Home, error) {
	now := time.Now().UTC()
	home := &models.Home{
		HomeID:    models.MakeHomeID(agentID, nodeID),
		AgentID:   agentID,
		NodeID:    nodeID,
		State:     models.HomeStateUnassigned,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.homes.Insert(ctx, home); err != nil {
		return nil, fmt.Errorf("failed to create home %s: %w", home.HomeID, err)
	}
	if err := m.transitions.Append(ctx, &models.Transition{
		HomeID:      home.HomeID,
		FromState:   "",
		ToState:     models.HomeStateUnassigned,
		Reason:      "created",
		TriggeredBy: agentID,
		Timestamp:   now,
	}); err != nil {
		m.logger.WithError(err).WithHomeID(home.HomeID).Warn("failed to record creation transition")
	}
	m.logger.WithHomeID(home.HomeID).Info("home created")
	return home, nil
}

// Get returns the home by key.
func (m *Manager) Get(ctx context.Context, homeID string) (*models.Home, error) {
	return m.homes.Get(ctx, homeID)
}

// List returns homes matching the filter.
func (m *Manager) List(ctx context.Context, filter store.HomeFilter) ([]*models.Home, error) {
	return m.homes.List(ctx, filter)
}

// Transitions returns the transition log for a home.
func (m *Manager) Transitions(ctx context.Context, homeID string) ([]*models.Transition, error) {
	return m.transitions.List(ctx, store.TransitionFilter{HomeID: homeID})
}

// Transition validates the edge, persists the new state and the transition
// record, and emits an audit entry: GREEN for normal transitions, YELLOW for
// FROZEN and ERROR.
func (m *Manager) Transition(ctx context.Context, homeID string, toState models.HomeState, reason, triggeredBy string) (*models.Home, error) {
	home, err := m.homes.Get(ctx, homeID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(home.State, toState) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, home.State, toState)
	}

	now := time.Now().UTC()
	update := store.HomeUpdate{State: &toState}
	// Leaving the lease-holding states drops the lease.
	if toState != models.HomeStateLeased && toState != models.HomeStateActive {
		update.ClearLease = true
	}
	if err := m.homes.Update(ctx, homeID, update); err != nil {
		return nil, fmt.Errorf("failed to persist home transition: %w", err)
	}
	if err := m.transitions.Append(ctx, &models.Transition{
		HomeID:      homeID,
		FromState:   home.State,
		ToState:     toState,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		Timestamp:   now,
	}); err != nil {
		m.logger.WithError(err).WithHomeID(homeID).Warn("failed to record transition")
	}

	level := models.AuditGreen
	if toState == models.HomeStateFrozen || toState == models.HomeStateError {
		level = models.AuditYellow
	}
	m.audit.Append(ctx, audit.Entry{
		AgentID: home.AgentID,
		HomeID:  homeID,
		Action:  "home.transition",
		Level:   level,
		Detail:  fmt.Sprintf("%s -> %s: %s", home.State, toState, reason),
	})
	m.publish(ctx, home, toState, reason)

	m.logger.WithHomeID(homeID).Info("home transitioned",
		zap.String("from", string(home.State)),
		zap.String("to", string(toState)),
		zap.String("reason", reason))

	return m.homes.Get(ctx, homeID)
}

func (m *Manager) publish(ctx context.Context, home *models.Home, toState models.HomeState, reason string) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, bus.SubjectHomeTransition, bus.HomeTransitionEvent{
		HomeID:    home.HomeID,
		AgentID:   home.AgentID,
		FromState: string(home.State),
		ToState:   string(toState),
		Reason:    reason,
	}); err != nil {
		m.logger.WithError(err).WithHomeID(home.HomeID).Warn("failed to publish home transition")
	}
}

// SetLeaseExpiry persists an absolute lease expiry.
func (m *Manager) SetLeaseExpiry(ctx context.Context, homeID string, expiresAt time.Time) error {
	return m.homes.Update(ctx, homeID, store.HomeUpdate{LeaseExpiresAt: &expiresAt})
}

// ClampLease brings a requested duration into [Min, Max]; non-positive
// durations get the default.
func (m *Manager) ClampLease(d time.Duration) time.Duration {
	if d <= 0 {
		return m.lease.Default
	}
	if d < m.lease.Min {
		return m.lease.Min
	}
	if d > m.lease.Max {
		return m.lease.Max
	}
	return d
}

// checkOwnership enforces that the caller's agentId matches the prefix of
// homeId before the "@".
func checkOwnership(callerAgentID, homeID string) error {
	if models.AgentIDOfHome(homeID) != callerAgentID {
		return fmt.Errorf("%w: %s does not own %s", ErrPermissionDenied, callerAgentID, homeID)
	}
	return nil
}

// RequestLease moves an IDLE home to LEASED for the clamped duration.
func (m *Manager) RequestLease(ctx context.Context, callerAgentID, homeID string, duration time.Duration) (*models.Home, error) {
	if err := m.denyNonOwner(ctx, callerAgentID, homeID, "lease-request"); err != nil {
		return nil, err
	}
	duration = m.ClampLease(duration)
	home, err := m.Transition(ctx, homeID, models.HomeStateLeased, "lease-requested", callerAgentID)
	if err != nil {
		return nil, err
	}
	expiresAt := time.Now().UTC().Add(duration)
	if err := m.SetLeaseExpiry(ctx, homeID, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to set lease expiry: %w", err)
	}
	home.LeaseExpiresAt = &expiresAt
	return home, nil
}

// RenewLease extends the lease of a LEASED or ACTIVE home.
func (m *Manager) RenewLease(ctx context.Context, callerAgentID, homeID string, duration time.Duration) (*models.Home, error) {
	if err := m.denyNonOwner(ctx, callerAgentID, homeID, "lease-renew"); err != nil {
		return nil, err
	}
	home, err := m.homes.Get(ctx, homeID)
	if err != nil {
		return nil, err
	}
	if home.State != models.HomeStateLeased && home.State != models.HomeStateActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, homeID, home.State)
	}
	expiresAt := time.Now().UTC().Add(m.ClampLease(duration))
	if err := m.SetLeaseExpiry(ctx, homeID, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to renew lease: %w", err)
	}
	m.audit.Append(ctx, audit.Entry{
		AgentID: home.AgentID,
		HomeID:  homeID,
		Action:  "home.lease-renewed",
		Level:   models.AuditGreen,
		Detail:  fmt.Sprintf("lease extended to %s", expiresAt.Format(time.RFC3339)),
	})
	home.LeaseExpiresAt = &expiresAt
	return home, nil
}

// ReleaseLease returns a LEASED or ACTIVE home to IDLE and drops the lease.
func (m *Manager) ReleaseLease(ctx context.Context, callerAgentID, homeID string) (*models.Home, error) {
	if err := m.denyNonOwner(ctx, callerAgentID, homeID, "lease-release"); err != nil {
		return nil, err
	}
	return m.Transition(ctx, homeID, models.HomeStateIdle, "lease-released", callerAgentID)
}

// Freeze moves the home to FROZEN (emergency edge, legal from any
// non-terminal state).
func (m *Manager) Freeze(ctx context.Context, callerAgentID, homeID, reason string) (*models.Home, error) {
	if err := m.denyNonOwner(ctx, callerAgentID, homeID, "freeze"); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "frozen by owner"
	}
	return m.Transition(ctx, homeID, models.HomeStateFrozen, reason, callerAgentID)
}

// denyNonOwner records a YELLOW audit entry for ownership violations.
func (m *Manager) denyNonOwner(ctx context.Context, callerAgentID, homeID, action string) error {
	if err := checkOwnership(callerAgentID, homeID); err != nil {
		m.audit.Append(ctx, audit.Entry{
			AgentID: callerAgentID,
			HomeID:  homeID,
			Action:  "home." + action + "-denied",
			Level:   models.AuditYellow,
			Detail:  err.Error(),
		})
		return err
	}
	return nil
}

// ExpireLeases sweeps LEASED homes whose lease expired before now to IDLE
// with reason "lease-expired". Returns the number of homes expired.
func (m *Manager) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	leased, err := m.homes.List(ctx, store.HomeFilter{State: models.HomeStateLeased})
	if err != nil {
		return 0, fmt.Errorf("failed to list leased homes: %w", err)
	}
	expired := 0
	for _, home := range leased {
		if home.LeaseExpiresAt == nil || !home.LeaseExpiresAt.Before(now) {
			continue
		}
		if _, err := m.Transition(ctx, home.HomeID, models.HomeStateIdle, "lease-expired", "system"); err != nil {
			m.logger.WithError(err).WithHomeID(home.HomeID).Warn("failed to expire lease")
			continue
		}
		expired++
	}
	return expired, nil
}
