// Package migration drives the thirteen-phase handover of one agent between
// nodes. Ownership of the agent's home moves from the source node to the
// target exactly once, at the verification-success commit.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/common/logger"
	"github.com/flocklabs/flock/internal/events/bus"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
	"github.com/flocklabs/flock/internal/home"
)

var (
	// ErrInvalidPhase is returned when a phase method is called on a ticket
	// that is not in the expected phase.
	ErrInvalidPhase = errors.New("migration is not in the required phase")
	// ErrTerminalState is returned for operations on COMPLETED or ABORTED
	// tickets.
	ErrTerminalState = errors.New("migration is in a terminal phase")
	// ErrRollbackUnsupported is returned for rollback after ownership has
	// moved to the target. The migration must proceed or fail fatally.
	ErrRollbackUnsupported = errors.New("rollback is not supported after ownership transfer")
	// ErrActiveMigration is returned when the agent already has a
	// non-terminal migration.
	ErrActiveMigration = errors.New("agent already has an active migration")
	// ErrHomeNotEligible is returned when the agent's home is not in
	// ACTIVE or LEASED.
	ErrHomeNotEligible = errors.New("home must be ACTIVE or LEASED to migrate")
	// ErrInvalidReason is returned for reasons outside the allowed set.
	ErrInvalidReason = errors.New("invalid migration reason")
)

// DefaultReason is used when an initiator gives no reason.
const DefaultReason = "agent_request"

var allowedReasons = map[string]bool{
	"agent_request":          true,
	"orchestrator_rebalance": true,
	"node_retiring":          true,
	"lease_migration":        true,
	"security_relocation":    true,
	"resource_need":          true,
}

// Relocator updates the authoritative agent-location view when a migration
// completes.
type Relocator interface {
	Relocate(agentID, nodeID, endpoint string) error
}

// Engine advances migration tickets through their phases. All transitions
// are serialized: phase advancement is linearizable per ticket.
type Engine struct {
	mu         sync.Mutex
	migrations store.MigrationStore
	homes      *home.Manager
	audit      *audit.Service
	bus        bus.EventBus
	logger     *logger.Logger
	relocator  Relocator

	nodeID   string
	endpoint string
}

// New creates a migration engine for the node identified by nodeID and
// endpoint (the source side of migrations it initiates). Bus may be nil.
func New(s store.Store, homes *home.Manager, auditSvc *audit.Service, eventBus bus.EventBus, log *logger.Logger, nodeID, endpoint string) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		migrations: s.Migrations(),
		homes:      homes,
		audit:      auditSvc,
		bus:        eventBus,
		logger:     log,
		nodeID:     nodeID,
		endpoint:   endpoint,
	}
}

// SetRelocator installs the directory hook fired on completion.
func (e *Engine) SetRelocator(r Relocator) { e.relocator = r }

// Get returns the ticket by id.
func (e *Engine) Get(ctx context.Context, migrationID string) (*models.MigrationTicket, error) {
	return e.migrations.Get(ctx, migrationID)
}

// List returns tickets matching the filter.
func (e *Engine) List(ctx context.Context, filter store.MigrationFilter) ([]*models.MigrationTicket, error) {
	return e.migrations.List(ctx, filter)
}

// Initiate creates a migration ticket in REQUESTED with the source node as
// owner. The agent's home must be ACTIVE or LEASED and the agent must have
// no other active migration.
func (e *Engine) Initiate(ctx context.Context, agentID, targetNodeID, targetEndpoint, reason string) (*models.MigrationTicket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if reason == "" {
		reason = DefaultReason
	}
	if !allowedReasons[reason] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}

	homeID := models.MakeHomeID(agentID, e.nodeID)
	h, err := e.homes.Get(ctx, homeID)
	if err != nil {
		return nil, err
	}
	if h.State != models.HomeStateActive && h.State != models.HomeStateLeased {
		return nil, fmt.Errorf("%w: %s is %s", ErrHomeNotEligible, homeID, h.State)
	}

	active := true
	existing, err := e.migrations.List(ctx, store.MigrationFilter{AgentID: agentID, Active: &active})
	if err != nil {
		return nil, fmt.Errorf("failed to check active migrations: %w", err)
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrActiveMigration, existing[0].MigrationID)
	}

	now := time.Now().UTC()
	ticket := &models.MigrationTicket{
		MigrationID:     uuid.NewString(),
		AgentID:         agentID,
		SourceNodeID:    e.nodeID,
		SourceEndpoint:  e.endpoint,
		TargetNodeID:    targetNodeID,
		TargetEndpoint:  targetEndpoint,
		Phase:           models.PhaseRequested,
		OwnershipHolder: models.OwnerSource,
		Reason:          reason,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.migrations.Insert(ctx, ticket); err != nil {
		return nil, fmt.Errorf("failed to create migration ticket: %w", err)
	}
	e.announce(ctx, ticket, "migration.requested",
		fmt.Sprintf("agent %s: %s -> %s (%s)", agentID, e.nodeID, targetNodeID, reason))
	return ticket, nil
}

// Authorize passes the policy gate, REQUESTED -> AUTHORIZED.
func (e *Engine) Authorize(ctx context.Context, migrationID string) (*models.MigrationTicket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ticket, err := e.inPhase(ctx, migrationID, models.PhaseRequested)
	if err != nil {
		return nil, err
	}
	return e.advance(ctx, ticket, models.PhaseAuthorized, store.MigrationUpdate{}, "migration.authorized")
}

// BeginFreeze moves AUTHORIZED -> FREEZING and freezes the agent's home.
func (e *Engine) BeginFreeze(ctx context.Context, migrationID string) (*models.MigrationTicket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ticket, err := e.inPhase(ctx, migrationID, models.PhaseAuthorized)
	if err != nil {
		return nil, err
	}
	homeID := models.MakeHomeID(ticket.AgentID, ticket.SourceNodeID)
	if _, err := e.homes.Transition(ctx, homeID, models.HomeStateFrozen,
		"migration-freeze", "migration:"+migrationID); err != nil {
		return nil, fmt.Errorf("failed to freeze home %s: %w", homeID, err)
	}
	return e.advance(ctx, ticket, models.PhaseFreezing, store.MigrationUpdate{}, "migration.freezing")
}

// ConfirmFrozen records the source's confirmation that no in-flight agent
// work remains, FREEZING -> FROZEN.
func (e *Engine) ConfirmFrozen(ctx context.Context, migrationID string) (*models.MigrationTicket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ticket, err := e.inPhase(ctx, migrationID, models.PhaseFreezing)
	if err != nil {
		return nil, err
	}
	return e.advance(ctx, ticket, models.PhaseFrozen, store.MigrationUpdate{}, "migration.frozen")
}

// RecordSnapshot stores the content-addressed snapshot checksum,
// FROZEN -> SNAPSHOTTING.
func (e *Engine) RecordSnapshot(ctx context.Context, migrationID, checksum string) (*models.MigrationTicket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ticket, err := e.inPhase(ctx, migrationID, models.PhaseFrozen)
	if err != nil {
		return nil, err
	}
	return e.advance(ctx, ticket, models.PhaseSnapshotting,
		store.MigrationUpdate{Checksum: &checksum}, "migration.snapshotting")
}

// BeginTransfer moves SNAPSHOTTING -> TRANSFERRING; the home enters
// MIGRATING while bytes move source -> target.
func (e *Engine) BeginTransfer(ctx context.Context, migrationID string) (*models.MigrationTicket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ticket, err := e.inPhase(ctx, migrationID, models.PhaseSnapshotting)
	if err != nil {
		return nil, err
	}
	homeID := models.MakeHomeID(ticket.AgentID, ticket.SourceNodeID)
	if _, err := e.homes.Transition(ctx, homeID, models.HomeStateMigrating,
		"migration-transfer", "migration:"+migrationID); err != nil {
		return nil, fmt.Errorf("failed to mark home %s migrating: %w", homeID, err)
	}
	return e.advance(ctx, ticket, models.PhaseTransferring, store.MigrationUpdate{}, "migration.transferring")
}

// ConfirmTransferred records that the target received all bytes,
// TRANSFERRING -> VERIFYING.
func (e *Engine) ConfirmTransferred(ctx context.Context, migrationID string) (*models.MigrationTicket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ticket, err := e.inPhase(ctx, migrationID, models.PhaseTransferring)
	if err != nil {
		return nil, err
	}
	return e.advance(ctx, ticket, models.PhaseVerifying, store.MigrationUpdate{}, "migration.verifying")
}

// VerificationReport is the target's verdict on the transferred snapshot.
type VerificationReport struct {
	Verified         bool
	ComputedChecksum string
	FailureReason    string
}

// HandleVerification is the single ownership-handoff point. A verified
// report with a matching checksum commits ownership to the target and moves
// to REHYDRATING in one linearizable update. Anything else aborts the
// migration and rolls the home back.
func (e *Engine) HandleVerification(ctx context.Context, migrationID string, report VerificationReport) (*models.MigrationTicket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ticket, err := e.inPhase(ctx, migrationID, models.PhaseVerifying)
	if err != nil {
		return nil, err
	}

	if !report.Verified || report.ComputedChecksum != ticket.Checksum {
		reason := report.FailureReason
		if reason == "" {
			reason = "CHECKSUM_MISMATCH"
		}
		return e.abort(ctx, ticket, reason)
	}

	owner := models.OwnerTarget
	result := "verified: " + report.ComputedChecksum
	updated, err := e.advance(ctx, ticket, models.PhaseRehydrating, store.MigrationUpdate{
		OwnershipHolder:    &owner,
		VerificationResult: &result,
	}, "migration.ownership-transferred")
	if err != nil {
		return nil, err
	}
	ownershipTransfers.Inc()
	return updated, nil
}

// Complete finishes the migration: REHYDRATING -> FINALIZING -> COMPLETED.
// The source home retires, the target node's home record is created if the
// target runs in this process, and the directory relocates the agent.
func (e *Engine) Complete(ctx context.Context, migrationID, newHomeID, newEndpoint string) (*models.MigrationTicket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ticket, err := e.inPhase(ctx, migrationID, models.PhaseRehydrating)
	if err != nil {
		return nil, err
	}
	if _, err := e.advance(ctx, ticket, models.PhaseFinalizing, store.MigrationUpdate{}, "migration.finalizing"); err != nil {
		return nil, err
	}

	sourceHomeID := models.MakeHomeID(ticket.AgentID, ticket.SourceNodeID)
	if _, err := e.homes.Transition(ctx, sourceHomeID, models.HomeStateRetired,
		"migration-complete", "migration:"+migrationID); err != nil {
		return nil, fmt.Errorf("failed to retire source home %s: %w", sourceHomeID, err)
	}

	if newEndpoint == "" {
		newEndpoint = ticket.TargetEndpoint
	}
	if e.relocator != nil {
		if err := e.relocator.Relocate(ticket.AgentID, ticket.TargetNodeID, newEndpoint); err != nil {
			e.logger.WithError(err).WithMigrationID(migrationID).Warn("directory relocation failed")
		}
	}

	updated, err := e.advance(ctx, ticket, models.PhaseCompleted, store.MigrationUpdate{}, "migration.completed")
	if err != nil {
		return nil, err
	}
	migrationsTotal.WithLabelValues("completed").Inc()
	e.logger.WithMigrationID(migrationID).WithAgentID(ticket.AgentID).Info("migration completed",
		zap.String("newHomeId", newHomeID), zap.String("targetNode", ticket.TargetNodeID))
	return updated, nil
}

// Rollback aborts a non-terminal migration. After ownership transfer
// (REHYDRATING, FINALIZING) rollback is unsupported: the migration must
// proceed or fail fatally.
func (e *Engine) Rollback(ctx context.Context, migrationID, reason string) (*models.MigrationTicket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ticket, err := e.migrations.Get(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	if ticket.Phase.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, migrationID, ticket.Phase)
	}
	if ticket.OwnershipHolder == models.OwnerTarget {
		return nil, fmt.Errorf("%w: %s is %s", ErrRollbackUnsupported, migrationID, ticket.Phase)
	}
	if reason == "" {
		reason = "operator rollback"
	}
	return e.abort(ctx, ticket, reason)
}

// abort moves the ticket to ABORTED, undoes home side effects for the
// current phase, and audits RED. The source stays owner.
func (e *Engine) abort(ctx context.Context, ticket *models.MigrationTicket, reason string) (*models.MigrationTicket, error) {
	homeID := models.MakeHomeID(ticket.AgentID, ticket.SourceNodeID)
	switch ticket.Phase {
	case models.PhaseRequested, models.PhaseAuthorized:
		// no side effects to undo
	case models.PhaseFreezing, models.PhaseFrozen, models.PhaseSnapshotting:
		if _, err := e.homes.Transition(ctx, homeID, models.HomeStateLeased,
			"rollback: "+reason, "migration:"+ticket.MigrationID); err != nil {
			e.logger.WithError(err).WithMigrationID(ticket.MigrationID).Error("rollback home unfreeze failed")
		}
	case models.PhaseTransferring, models.PhaseVerifying:
		if _, err := e.homes.Transition(ctx, homeID, models.HomeStateLeased,
			"rollback: "+reason, "migration:"+ticket.MigrationID); err != nil {
			e.logger.WithError(err).WithMigrationID(ticket.MigrationID).Error("rollback home restore failed")
		}
	}

	phase := models.PhaseAborted
	if err := e.migrations.Update(ctx, ticket.MigrationID, store.MigrationUpdate{
		Phase:       &phase,
		AbortReason: &reason,
	}); err != nil {
		return nil, fmt.Errorf("failed to abort migration: %w", err)
	}
	migrationsTotal.WithLabelValues("aborted").Inc()

	updated, err := e.migrations.Get(ctx, ticket.MigrationID)
	if err != nil {
		return nil, err
	}
	e.audit.Append(ctx, audit.Entry{
		AgentID: ticket.AgentID,
		Action:  "migration.aborted",
		Level:   models.AuditRed,
		Detail:  fmt.Sprintf("migration %s aborted in %s: %s", ticket.MigrationID, ticket.Phase, reason),
	})
	e.publish(ctx, updated)
	return updated, nil
}

// inPhase loads the ticket and checks it is exactly in want. Terminal
// tickets and wrong-phase calls fail loudly.
func (e *Engine) inPhase(ctx context.Context, migrationID string, want models.MigrationPhase) (*models.MigrationTicket, error) {
	ticket, err := e.migrations.Get(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	if ticket.Phase.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, migrationID, ticket.Phase)
	}
	if ticket.Phase != want {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrInvalidPhase, migrationID, ticket.Phase, want)
	}
	return ticket, nil
}

// advance persists the phase change plus extra updates, audits, and
// publishes the phase event.
func (e *Engine) advance(ctx context.Context, ticket *models.MigrationTicket, to models.MigrationPhase, update store.MigrationUpdate, action string) (*models.MigrationTicket, error) {
	update.Phase = &to
	if err := e.migrations.Update(ctx, ticket.MigrationID, update); err != nil {
		return nil, fmt.Errorf("failed to advance migration to %s: %w", to, err)
	}
	phaseTransitions.WithLabelValues(string(to)).Inc()

	updated, err := e.migrations.Get(ctx, ticket.MigrationID)
	if err != nil {
		return nil, err
	}
	e.announce(ctx, updated, action,
		fmt.Sprintf("migration %s: %s -> %s", ticket.MigrationID, ticket.Phase, to))
	return updated, nil
}

func (e *Engine) announce(ctx context.Context, ticket *models.MigrationTicket, action, detail string) {
	e.audit.Append(ctx, audit.Entry{
		AgentID: ticket.AgentID,
		Action:  action,
		Level:   models.AuditGreen,
		Detail:  detail,
	})
	e.publish(ctx, ticket)
}

func (e *Engine) publish(ctx context.Context, ticket *models.MigrationTicket) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, bus.SubjectMigrationPhase, bus.MigrationPhaseEvent{
		MigrationID:     ticket.MigrationID,
		AgentID:         ticket.AgentID,
		Phase:           string(ticket.Phase),
		OwnershipHolder: string(ticket.OwnershipHolder),
	}); err != nil {
		e.logger.WithError(err).WithMigrationID(ticket.MigrationID).Warn("failed to publish migration event")
	}
}
