// Package bus provides publish/subscribe for fleet events. Two
// implementations exist: an in-process bus for single-node deployments and
// tests, and a NATS-backed bus for multi-node fleets. Both use NATS subject
// syntax, including the * and > wildcards on subscribe.
package bus

import (
	"context"
	"time"
)

// Fleet event subjects.
const (
	SubjectHomeTransition = "fleet.home.transition"
	SubjectTaskState      = "fleet.task.state"
	SubjectChannelMessage = "fleet.channel.message"
	SubjectMigrationPhase = "fleet.migration.phase"
)

// Event is one published fleet event.
type Event struct {
	Subject   string    `json:"subject"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Handler receives events for a subscription. Handlers run on bus-owned
// goroutines and must not block for long.
type Handler func(event Event)

// EventBus is the publish/subscribe abstraction.
type EventBus interface {
	// Publish delivers the payload to all matching subscribers, best-effort.
	Publish(ctx context.Context, subject string, payload any) error
	// Subscribe registers a handler for a subject pattern. The returned
	// function cancels the subscription.
	Subscribe(subject string, handler Handler) (func(), error)
	// Close releases bus resources. Pending deliveries are dropped.
	Close() error
}

// HomeTransitionEvent is published on every home state change.
type HomeTransitionEvent struct {
	HomeID    string `json:"homeId"`
	AgentID   string `json:"agentId"`
	FromState string `json:"fromState"`
	ToState   string `json:"toState"`
	Reason    string `json:"reason"`
}

// TaskStateEvent is published on every task state change.
type TaskStateEvent struct {
	TaskID      string `json:"taskId"`
	FromAgentID string `json:"fromAgentId"`
	ToAgentID   string `json:"toAgentId"`
	State       string `json:"state"`
}

// ChannelMessageEvent is published on every channel post.
type ChannelMessageEvent struct {
	ChannelID string `json:"channelId"`
	Seq       int64  `json:"seq"`
	AgentID   string `json:"agentId"`
	Content   string `json:"content"`
}

// MigrationPhaseEvent is published on every migration phase change.
type MigrationPhaseEvent struct {
	MigrationID     string `json:"migrationId"`
	AgentID         string `json:"agentId"`
	Phase           string `json:"phase"`
	OwnershipHolder string `json:"ownershipHolder"`
}
