// Package store defines the durable storage abstraction for the fleet core.
// Two interchangeable backends implement it: an in-memory backend for tests
// and ephemeral nodes, and an embedded-relational backend (SQLite or
// PostgreSQL) that survives process restart.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flocklabs/flock/internal/fleet/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when inserting a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")
)

// Store bundles the typed sub-stores behind a single handle.
type Store interface {
	Homes() HomeStore
	Transitions() TransitionStore
	Audit() AuditStore
	Tasks() TaskStore
	Channels() ChannelStore
	ChannelMessages() MessageStore
	Bridges() BridgeStore
	AgentLoop() AgentLoopStore
	Migrations() MigrationStore

	// Migrate bootstraps the backend schema. Idempotent.
	Migrate(ctx context.Context) error
	// Close flushes and releases backend resources.
	Close() error
}

// HomeUpdate carries partial-field updates for a home record.
// Nil pointer fields are left unchanged. ClearLease removes the lease
// expiry regardless of LeaseExpiresAt.
type HomeUpdate struct {
	State          *models.HomeState
	LeaseExpiresAt *time.Time
	ClearLease     bool
	Metadata       map[string]string
}

// HomeFilter narrows home listings. Zero values match everything.
type HomeFilter struct {
	AgentID string
	NodeID  string
	State   models.HomeState
}

// HomeStore persists home records keyed by homeId.
// List returns homes ordered by creation time ascending.
type HomeStore interface {
	Insert(ctx context.Context, home *models.Home) error
	Get(ctx context.Context, homeID string) (*models.Home, error)
	Update(ctx context.Context, homeID string, update HomeUpdate) error
	Delete(ctx context.Context, homeID string) error
	List(ctx context.Context, filter HomeFilter) ([]*models.Home, error)
}

// TransitionFilter narrows transition listings.
type TransitionFilter struct {
	HomeID string
	Since  *time.Time
	Limit  int
}

// TransitionStore is the append-only home transition log, ordered by
// timestamp then insertion order.
type TransitionStore interface {
	Append(ctx context.Context, t *models.Transition) error
	List(ctx context.Context, filter TransitionFilter) ([]*models.Transition, error)
	Count(ctx context.Context, filter TransitionFilter) (int64, error)
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	AgentID string
	HomeID  string
	Level   models.AuditLevel
	Since   *time.Time
	Limit   int
}

// AuditStore is the append-only audit log. List returns entries newest first.
type AuditStore interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)
	Count(ctx context.Context, filter AuditFilter) (int64, error)
}

// TaskUpdate carries partial-field updates for a task record.
type TaskUpdate struct {
	State           *models.TaskState
	ResponseText    *string
	ResponsePayload map[string]any
	CompletedAt     *time.Time
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	FromAgentID string
	ToAgentID   string
	State       models.TaskState
	MessageType string
	Since       *time.Time
	Limit       int
}

// TaskStore persists A2A task records keyed by taskId.
// List returns tasks ordered by createdAt descending.
type TaskStore interface {
	Insert(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, taskID string) (*models.Task, error)
	Update(ctx context.Context, taskID string, update TaskUpdate) error
	Delete(ctx context.Context, taskID string) error
	List(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
}

// ChannelUpdate carries partial-field updates for a channel record.
// ClearArchiving resets archivingStartedAt regardless of ArchivingStartedAt.
type ChannelUpdate struct {
	Topic               *string
	Members             []string
	Archived            *bool
	ArchiveReadyMembers []string
	ArchivingStartedAt  *time.Time
	ClearArchiving      bool
}

// ChannelFilter narrows channel listings.
type ChannelFilter struct {
	Member   string
	Archived *bool
}

// ChannelStore persists channel metadata keyed by channelId.
// List returns channels ordered by creation time ascending.
type ChannelStore interface {
	Insert(ctx context.Context, ch *models.Channel) error
	Get(ctx context.Context, channelID string) (*models.Channel, error)
	Update(ctx context.Context, channelID string, update ChannelUpdate) error
	Delete(ctx context.Context, channelID string) error
	List(ctx context.Context, filter ChannelFilter) ([]*models.Channel, error)
}

// MessageFilter narrows channel message listings.
// SinceSeq selects messages with seq strictly greater than the given value.
type MessageFilter struct {
	ChannelID string
	SinceSeq  int64
	Limit     int
}

// MessageStore is the per-channel append-only message log.
//
// Append atomically assigns the next per-channel seq (strictly greater than
// all existing seq values for that channel, starting at 1) and returns it.
// Concurrent appends to the same channel produce gap-free increasing values.
// List returns messages ordered by seq ascending.
type MessageStore interface {
	Append(ctx context.Context, msg *models.ChannelMessage) (int64, error)
	List(ctx context.Context, filter MessageFilter) ([]*models.ChannelMessage, error)
	Count(ctx context.Context, filter MessageFilter) (int64, error)
	MaxSeq(ctx context.Context, channelID string) (int64, error)
}

// BridgeUpdate carries partial-field updates for a bridge record.
type BridgeUpdate struct {
	Active *bool
}

// BridgeFilter narrows bridge listings.
type BridgeFilter struct {
	ChannelID         string
	Platform          models.BridgePlatform
	ExternalChannelID string
	Active            *bool
}

// BridgeStore persists channel bridges keyed by bridgeId.
type BridgeStore interface {
	Insert(ctx context.Context, bridge *models.Bridge) error
	Get(ctx context.Context, bridgeID string) (*models.Bridge, error)
	Update(ctx context.Context, bridgeID string, update BridgeUpdate) error
	Delete(ctx context.Context, bridgeID string) error
	List(ctx context.Context, filter BridgeFilter) ([]*models.Bridge, error)
}

// LoopFilter narrows agent loop listings.
type LoopFilter struct {
	State models.LoopState
}

// AgentLoopStore persists work-loop records keyed by agentId.
// Upsert inserts or replaces the record for the agent.
type AgentLoopStore interface {
	Upsert(ctx context.Context, loop *models.AgentLoop) error
	Get(ctx context.Context, agentID string) (*models.AgentLoop, error)
	Delete(ctx context.Context, agentID string) error
	List(ctx context.Context, filter LoopFilter) ([]*models.AgentLoop, error)
}

// MigrationUpdate carries partial-field updates for a migration ticket.
type MigrationUpdate struct {
	Phase              *models.MigrationPhase
	OwnershipHolder    *models.OwnershipHolder
	Checksum           *string
	VerificationResult *string
	AbortReason        *string
}

// MigrationFilter narrows migration ticket listings.
// Active selects tickets in non-terminal phases.
type MigrationFilter struct {
	AgentID string
	Phase   models.MigrationPhase
	Active  *bool
}

// MigrationStore persists migration tickets keyed by migrationId.
// List returns tickets ordered by creation time descending.
type MigrationStore interface {
	Insert(ctx context.Context, ticket *models.MigrationTicket) error
	Get(ctx context.Context, migrationID string) (*models.MigrationTicket, error)
	Update(ctx context.Context, migrationID string, update MigrationUpdate) error
	List(ctx context.Context, filter MigrationFilter) ([]*models.MigrationTicket, error)
}
