// Package models defines the persistent record types shared by the fleet
// storage backends and the domain services.
package models

import (
	"strings"
	"time"
)

// HomeState represents the lifecycle state of an agent home.
type HomeState string

const (
	HomeStateUnassigned   HomeState = "UNASSIGNED"
	HomeStateProvisioning HomeState = "PROVISIONING"
	HomeStateIdle         HomeState = "IDLE"
	HomeStateLeased       HomeState = "LEASED"
	HomeStateActive       HomeState = "ACTIVE"
	HomeStateFrozen       HomeState = "FROZEN"
	HomeStateMigrating    HomeState = "MIGRATING"
	HomeStateError        HomeState = "ERROR"
	HomeStateRetired      HomeState = "RETIRED"
)

// Home represents one agent's residency on one node.
// Keyed by HomeID = "<agentId>@<nodeId>".
type Home struct {
	HomeID         string            `json:"homeId" db:"home_id"`
	AgentID        string            `json:"agentId" db:"agent_id"`
	NodeID         string            `json:"nodeId" db:"node_id"`
	State          HomeState         `json:"state" db:"state"`
	LeaseExpiresAt *time.Time        `json:"leaseExpiresAt,omitempty" db:"lease_expires_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time         `json:"updatedAt" db:"updated_at"`
}

// MakeHomeID builds the canonical home key.
func MakeHomeID(agentID, nodeID string) string {
	return agentID + "@" + nodeID
}

// AgentIDOfHome returns the agent identifier part of a home key
// (the prefix before the "@"). Returns the input unchanged when no
// separator is present.
func AgentIDOfHome(homeID string) string {
	if idx := strings.Index(homeID, "@"); idx >= 0 {
		return homeID[:idx]
	}
	return homeID
}

// NodeIDOfHome returns the node identifier part of a home key.
func NodeIDOfHome(homeID string) string {
	if idx := strings.Index(homeID, "@"); idx >= 0 {
		return homeID[idx+1:]
	}
	return ""
}

// Transition is an append-only record of one home state change.
type Transition struct {
	ID          int64     `json:"id" db:"id"`
	HomeID      string    `json:"homeId" db:"home_id"`
	FromState   HomeState `json:"fromState" db:"from_state"`
	ToState     HomeState `json:"toState" db:"to_state"`
	Reason      string    `json:"reason" db:"reason"`
	TriggeredBy string    `json:"triggeredBy" db:"triggered_by"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}

// AuditLevel classifies the severity of an audit entry.
type AuditLevel string

const (
	AuditGreen  AuditLevel = "GREEN"
	AuditYellow AuditLevel = "YELLOW"
	AuditRed    AuditLevel = "RED"
)

// AuditEntry is an immutable record in the append-only audit log.
type AuditEntry struct {
	ID         string     `json:"id" db:"id"`
	Timestamp  time.Time  `json:"timestamp" db:"timestamp"`
	AgentID    string     `json:"agentId,omitempty" db:"agent_id"`
	HomeID     string     `json:"homeId,omitempty" db:"home_id"`
	Action     string     `json:"action" db:"action"`
	Level      AuditLevel `json:"level" db:"level"`
	Detail     string     `json:"detail" db:"detail"`
	Result     string     `json:"result,omitempty" db:"result"`
	DurationMs int64      `json:"durationMs,omitempty" db:"duration_ms"`
}

// TaskState represents the lifecycle state of an A2A task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
)

// IsTerminal returns true for completed, failed and canceled.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCanceled
}

// Task is a durable record of one A2A request.
type Task struct {
	TaskID          string         `json:"taskId" db:"task_id"`
	ContextID       string         `json:"contextId" db:"context_id"`
	FromAgentID     string         `json:"fromAgentId" db:"from_agent_id"`
	ToAgentID       string         `json:"toAgentId" db:"to_agent_id"`
	State           TaskState      `json:"state" db:"state"`
	MessageType     string         `json:"messageType" db:"message_type"`
	Summary         string         `json:"summary" db:"summary"`
	Payload         map[string]any `json:"payload,omitempty"`
	ResponseText    string         `json:"responseText,omitempty" db:"response_text"`
	ResponsePayload map[string]any `json:"responsePayload,omitempty"`
	CreatedAt       time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time      `json:"updatedAt" db:"updated_at"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty" db:"completed_at"`
}

// Channel is a named persistent multi-party conversation.
type Channel struct {
	ChannelID           string     `json:"channelId" db:"channel_id"`
	Topic               string     `json:"topic" db:"topic"`
	CreatedBy           string     `json:"createdBy" db:"created_by"`
	Members             []string   `json:"members"`
	Archived            bool       `json:"archived" db:"archived"`
	ArchiveReadyMembers []string   `json:"archiveReadyMembers,omitempty"`
	ArchivingStartedAt  *time.Time `json:"archivingStartedAt,omitempty" db:"archiving_started_at"`
	CreatedAt           time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time  `json:"updatedAt" db:"updated_at"`
}

// HasMember reports whether agentID is a member of the channel.
func (c *Channel) HasMember(agentID string) bool {
	for _, m := range c.Members {
		if m == agentID {
			return true
		}
	}
	return false
}

// ArchivePending reports whether the two-phase archive protocol has started
// but not yet completed.
func (c *Channel) ArchivePending() bool {
	return c.ArchivingStartedAt != nil && !c.Archived
}

// AgentMembers returns the members that count towards archive readiness:
// human participants ("human:" prefix) and the synthetic identifiers
// "main" and "unknown" are excluded.
func (c *Channel) AgentMembers() []string {
	agents := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if strings.HasPrefix(m, "human:") || m == "main" || m == "unknown" {
			continue
		}
		agents = append(agents, m)
	}
	return agents
}

// ChannelMessage is one append-only entry in a channel's message log.
// Seq is a per-channel strictly increasing integer starting at 1.
type ChannelMessage struct {
	ChannelID string    `json:"channelId" db:"channel_id"`
	Seq       int64     `json:"seq" db:"seq"`
	AgentID   string    `json:"agentId" db:"agent_id"`
	Content   string    `json:"content" db:"content"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// BridgePlatform identifies an external chat platform.
type BridgePlatform string

const (
	BridgePlatformDiscord BridgePlatform = "discord"
	BridgePlatformSlack   BridgePlatform = "slack"
)

// Valid reports whether the platform is a known bridge target.
func (p BridgePlatform) Valid() bool {
	return p == BridgePlatformDiscord || p == BridgePlatformSlack
}

// Bridge pairs a channel with an external platform channel.
// (Platform, ExternalChannelID) is unique among active bridges.
type Bridge struct {
	BridgeID          string         `json:"bridgeId" db:"bridge_id"`
	ChannelID         string         `json:"channelId" db:"channel_id"`
	Platform          BridgePlatform `json:"platform" db:"platform"`
	ExternalChannelID string         `json:"externalChannelId" db:"external_channel_id"`
	AccountID         string         `json:"accountId,omitempty" db:"account_id"`
	WebhookURL        string         `json:"webhookUrl,omitempty" db:"webhook_url"`
	CreatedBy         string         `json:"createdBy" db:"created_by"`
	CreatedAt         time.Time      `json:"createdAt" db:"created_at"`
	Active            bool           `json:"active" db:"active"`
}

// LoopState represents an agent's position in the work loop.
type LoopState string

const (
	LoopStateAwake    LoopState = "AWAKE"
	LoopStateReactive LoopState = "REACTIVE"
	LoopStateSleep    LoopState = "SLEEP"
)

// AgentLoop tracks an agent's work-loop state. REACTIVE agents are excluded
// from periodic ticks but may be pulsed on direct triggers.
type AgentLoop struct {
	AgentID     string     `json:"agentId" db:"agent_id"`
	State       LoopState  `json:"state" db:"state"`
	AwakenedAt  time.Time  `json:"awakenedAt" db:"awakened_at"`
	LastTickAt  time.Time  `json:"lastTickAt" db:"last_tick_at"`
	SleptAt     *time.Time `json:"sleptAt,omitempty" db:"slept_at"`
	SleepReason string     `json:"sleepReason,omitempty" db:"sleep_reason"`
}

// MigrationPhase is one of the thirteen phases of a cross-node agent handover.
type MigrationPhase string

const (
	PhaseRequested    MigrationPhase = "REQUESTED"
	PhaseAuthorized   MigrationPhase = "AUTHORIZED"
	PhaseFreezing     MigrationPhase = "FREEZING"
	PhaseFrozen       MigrationPhase = "FROZEN"
	PhaseSnapshotting MigrationPhase = "SNAPSHOTTING"
	PhaseTransferring MigrationPhase = "TRANSFERRING"
	PhaseVerifying    MigrationPhase = "VERIFYING"
	PhaseRehydrating  MigrationPhase = "REHYDRATING"
	PhaseFinalizing   MigrationPhase = "FINALIZING"
	PhaseCompleted    MigrationPhase = "COMPLETED"
	PhaseAborted      MigrationPhase = "ABORTED"
)

// IsTerminal reports whether the phase is final.
func (p MigrationPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseAborted
}

// OwnershipHolder identifies which side of a migration owns the agent.
type OwnershipHolder string

const (
	OwnerSource OwnershipHolder = "source"
	OwnerTarget OwnershipHolder = "target"
)

// MigrationTicket is the durable record of one agent migration.
// OwnershipHolder transitions source -> target exactly once, at the
// verification-success point (VERIFYING -> REHYDRATING).
type MigrationTicket struct {
	MigrationID        string          `json:"migrationId" db:"migration_id"`
	AgentID            string          `json:"agentId" db:"agent_id"`
	SourceNodeID       string          `json:"sourceNodeId" db:"source_node_id"`
	SourceEndpoint     string          `json:"sourceEndpoint" db:"source_endpoint"`
	TargetNodeID       string          `json:"targetNodeId" db:"target_node_id"`
	TargetEndpoint     string          `json:"targetEndpoint" db:"target_endpoint"`
	Phase              MigrationPhase  `json:"phase" db:"phase"`
	OwnershipHolder    OwnershipHolder `json:"ownershipHolder" db:"ownership_holder"`
	Reason             string          `json:"reason" db:"reason"`
	Checksum           string          `json:"checksum,omitempty" db:"checksum"`
	VerificationResult string          `json:"verificationResult,omitempty" db:"verification_result"`
	AbortReason        string          `json:"abortReason,omitempty" db:"abort_reason"`
	CreatedAt          time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time       `json:"updatedAt" db:"updated_at"`
}
